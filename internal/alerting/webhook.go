package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

// WebhookChannel POSTs the alert payload as JSON to a configured URL. A
// non-2xx response counts as a delivery failure; this layer does not retry.
type WebhookChannel struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookChannel constructs a webhook channel targeting url.
func NewWebhookChannel(url string, timeout time.Duration, logger zerolog.Logger) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Type identifies the channel.
func (w *WebhookChannel) Type() oracle.ChannelType {
	return oracle.ChannelWebhook
}

// Send delivers the payload.
func (w *WebhookChannel) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

var _ Channel = (*WebhookChannel)(nil)
