package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook body formats.
const (
	FormatGeneric = "generic"
	FormatDiscord = "discord"
	FormatSlack   = "slack"
)

// WebhookSender POSTs notifications to an HTTP endpoint.
type WebhookSender struct {
	id     string
	url    string
	format string
	client *http.Client
}

// NewWebhookSender creates a webhook sender. format is one of generic,
// discord or slack; empty means generic.
func NewWebhookSender(id, url, format string) (*WebhookSender, error) {
	switch format {
	case "":
		format = FormatGeneric
	case FormatGeneric, FormatDiscord, FormatSlack:
	default:
		return nil, fmt.Errorf("webhook %s: unknown format %q", id, format)
	}
	return &WebhookSender{
		id:     id,
		url:    url,
		format: format,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (w *WebhookSender) ID() string { return w.id }

func (w *WebhookSender) body(p Payload) any {
	switch w.format {
	case FormatDiscord:
		return map[string]any{
			"username": "4ex.ninja",
			"embeds": []map[string]any{{
				"title":       p.Title,
				"description": p.Text,
				"footer":      map[string]string{"text": p.Fingerprint},
			}},
		}
	case FormatSlack:
		return map[string]any{
			"text": fmt.Sprintf("*%s*\n%s", p.Title, p.Text),
		}
	}
	return map[string]any{
		"signal_id":   p.SignalID,
		"fingerprint": p.Fingerprint,
		"title":       p.Title,
		"message":     p.Text,
		"signal":      p.Signal,
		"ts":          time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (w *WebhookSender) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(w.body(p))
	if err != nil {
		return Permanent(fmt.Errorf("webhook: marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("webhook: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.Fingerprint)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpStatusError("webhook", resp.StatusCode)
	}
	return nil
}
