package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// webhookTimeout bounds one webhook request.
const webhookTimeout = 10 * time.Second

// Webhook posts alert events as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook hook for url.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: webhookTimeout}}
}

// Name identifies the hook in logs.
func (w *Webhook) Name() string { return "webhook" }

// Notify delivers ev to the configured webhook endpoint.
func (w *Webhook) Notify(ctx context.Context, ev types.AlertEvent) error {
	if !util.IsConfigured(w.url) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(NewEventPayload(&ev))
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
