// Package notify composes alert messages and delivers them over email and
// auxiliary channels with bounded retries.
package notify

import (
	"context"
	"strings"
)

// Attachment is a file attached to an alert message.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string // Set for images referenced from the HTML body as cid:
	Data        []byte
}

// Message is a composed alert ready for a Transport.
type Message struct {
	Subject     string
	Body        string // Plain text
	HTML        string // Optional HTML alternative
	Attachments []Attachment
}

// Transport delivers a message to the configured recipients.
// Errors should be wrapped with Permanent when retrying cannot help.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// ParseRecipients splits a comma-separated recipients string into a slice.
func ParseRecipients(recipients string) []string {
	var result []string
	for r := range strings.SplitSeq(recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			result = append(result, r)
		}
	}
	return result
}
