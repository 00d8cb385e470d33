package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

const (
	graphBaseURL     = "https://graph.microsoft.com/v1.0"
	graphScope       = "https://graph.microsoft.com/.default"
	tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token" //nolint:gosec // URL template, not a credential

	// HTTP client timeout.
	httpTimeout = 30 * time.Second
)

// guidPattern matches the standard GUID format.
var guidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// validateCredentials checks that required credential fields are present.
// If strict is true, validates GUID format for TenantID and ClientID.
func validateCredentials(cfg *types.GraphConfig, strict bool) error {
	if cfg.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	if strict && !guidPattern.MatchString(cfg.TenantID) {
		return fmt.Errorf("tenant ID must be a valid GUID (e.g., 12345678-1234-1234-1234-123456789abc)")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if strict && !guidPattern.MatchString(cfg.ClientID) {
		return fmt.Errorf("client ID must be a valid GUID (e.g., 12345678-1234-1234-1234-123456789abc)")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client secret is required")
	}
	return nil
}

// newCredentialsConfig creates an OAuth2 credentials configuration.
func newCredentialsConfig(cfg *types.GraphConfig) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(tokenURLTemplate, cfg.TenantID),
		Scopes:       []string{graphScope},
	}
}

// GraphTransport sends mail through the Microsoft Graph sendMail API using
// OAuth2 client credentials.
type GraphTransport struct {
	fromAddress string
	recipients  []string
	baseURL     string
	httpClient  *http.Client
}

// NewGraphTransport creates a Graph transport from cfg.
func NewGraphTransport(cfg *types.GraphConfig) (*GraphTransport, error) {
	if err := validateCredentials(cfg, false); err != nil {
		return nil, err
	}
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("from address (shared mailbox) is required")
	}
	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no valid recipients")
	}

	conf := newCredentialsConfig(cfg)

	// Configure base HTTP client with timeout to prevent indefinite hangs
	baseClient := &http.Client{Timeout: httpTimeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, baseClient)

	return &GraphTransport{
		fromAddress: cfg.FromAddress,
		recipients:  recipients,
		baseURL:     graphBaseURL,
		httpClient:  conf.Client(ctx),
	}, nil
}

// Name identifies the transport in logs.
func (t *GraphTransport) Name() string { return "graph" }

// graphMailRequest represents a send email request.
type graphMailRequest struct {
	Message graphMessage `json:"message"`
}

type graphMessage struct {
	Subject      string            `json:"subject"`
	Body         graphBody         `json:"body"`
	ToRecipients []graphRecipient  `json:"toRecipients"`
	Attachments  []graphAttachment `json:"attachments,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Address string `json:"address"`
}

// graphAttachment represents an email attachment.
type graphAttachment struct {
	OdataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"` // Base64-encoded
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

// buildGraphRequest converts msg into the sendMail payload.
func (t *GraphTransport) buildGraphRequest(msg Message) graphMailRequest {
	toRecipients := make([]graphRecipient, 0, len(t.recipients))
	for _, addr := range t.recipients {
		toRecipients = append(toRecipients, graphRecipient{
			EmailAddress: graphEmailAddress{Address: addr},
		})
	}

	body := graphBody{ContentType: "Text", Content: msg.Body}
	if msg.HTML != "" {
		body = graphBody{ContentType: "HTML", Content: msg.HTML}
	}

	message := graphMessage{
		Subject:      sanitizeHeader(msg.Subject),
		Body:         body,
		ToRecipients: toRecipients,
	}
	for _, a := range msg.Attachments {
		if len(a.Data) == 0 {
			continue
		}
		message.Attachments = append(message.Attachments, graphAttachment{
			OdataType:    "#microsoft.graph.fileAttachment",
			Name:         a.Filename,
			ContentType:  a.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(a.Data),
			ContentID:    a.ContentID,
			IsInline:     a.ContentID != "" && msg.HTML != "",
		})
	}
	return graphMailRequest{Message: message}
}

// Send posts msg once. Rate limiting and 5xx replies are transient; other
// client errors are permanent.
func (t *GraphTransport) Send(ctx context.Context, msg Message) error {
	jsonData, err := json.Marshal(t.buildGraphRequest(msg))
	if err != nil {
		return Permanent(fmt.Errorf("marshal request: %w", err))
	}

	apiURL := fmt.Sprintf("%s/users/%s/sendMail", t.baseURL, url.PathEscape(t.fromAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return classifyTokenError(fmt.Errorf("send request: %w", err))
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	return classifyGraphStatus(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
}

func classifyGraphStatus(status int, retryAfter string, body []byte) error {
	switch {
	case status == http.StatusAccepted, status == http.StatusOK, status == http.StatusNoContent:
		return nil
	case status == http.StatusTooManyRequests:
		err := fmt.Errorf("graph API rate limited (429): %s", strings.TrimSpace(string(body)))
		if seconds, convErr := strconv.Atoi(retryAfter); convErr == nil && seconds > 0 {
			err = fmt.Errorf("%w (retry after %ds)", err, seconds)
		}
		return Transient(err)
	case status >= 500:
		return Transient(fmt.Errorf("graph API returned %d: %s", status, strings.TrimSpace(string(body))))
	default:
		return Permanentf("graph API error %d: %s", status, strings.TrimSpace(string(body)))
	}
}

// classifyTokenError treats rejected client credentials as permanent.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
		return Permanent(fmt.Errorf("token request rejected: %w", err))
	}
	return Transient(err)
}

// ValidateAuth verifies that the credentials can obtain a token and that the
// sender mailbox exists.
func (t *GraphTransport) ValidateAuth(ctx context.Context) error {
	// A 403 from the user endpoint still proves the token was issued, which
	// is all Mail.Send-only applications can show.
	apiURL := fmt.Sprintf("%s/users/%s", t.baseURL, url.PathEscape(t.fromAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create validation request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("mailbox %s not found", t.fromAddress)
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed: invalid credentials")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("validation failed with status %d: %s", resp.StatusCode, string(body))
	}
}

// ValidateGraphConfig validates that cfg has all required fields.
func ValidateGraphConfig(cfg *types.GraphConfig) error {
	if err := validateCredentials(cfg, true); err != nil {
		return err
	}
	if cfg.FromAddress == "" {
		return fmt.Errorf("from address (shared mailbox) is required")
	}
	if cfg.Recipients == "" {
		return fmt.Errorf("recipients are required")
	}
	return nil
}

// GraphConfigured reports whether the Graph configuration has the minimum required fields.
func GraphConfigured(cfg *types.GraphConfig) bool {
	return cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "" &&
		cfg.FromAddress != "" && cfg.Recipients != ""
}

// TokenSource returns an OAuth2 token source for cfg.
func TokenSource(ctx context.Context, cfg *types.GraphConfig) (oauth2.TokenSource, error) {
	if err := validateCredentials(cfg, false); err != nil {
		return nil, err
	}
	return newCredentialsConfig(cfg).TokenSource(ctx), nil
}
