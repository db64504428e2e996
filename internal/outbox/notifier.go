package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// WebhookNotifier posts notification payloads to an HTTP endpoint.
// Any non-2xx response is a failed attempt.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a notifier for the given endpoint.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{},
	}
}

// Deliver posts the payload as JSON. The per-attempt timeout comes from
// ctx; the outbox supplies it.
func (w *WebhookNotifier) Deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", w.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", w.URL, resp.StatusCode)
	}
	return nil
}
