package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookNotifier posts alerts to an incoming-webhook endpoint using the
// Slack message shape {"text": "..."}.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	retries int
	delay   time.Duration
}

// NewWebhookNotifier creates a webhook notifier. retries is the number of
// extra attempts after the first failure.
func NewWebhookNotifier(url string, timeout time.Duration, retries int) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		delay:   time.Second,
	}
}

type webhookMessage struct {
	Text string `json:"text"`
}

// Notify sends text to the webhook, retrying with exponential backoff.
func (n *WebhookNotifier) Notify(ctx context.Context, text string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempts := 1
	err := backoff.RetryNotify(
		func() error { return n.post(ctx, text) },
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.retries)), ctx),
		func(error, time.Duration) { attempts++ },
	)
	if err != nil {
		return fmt.Errorf("all %d attempts failed: %w", attempts, err)
	}
	return nil
}

// post sends a single POST request to the webhook.
func (n *WebhookNotifier) post(ctx context.Context, text string) error {
	body, err := json.Marshal(webhookMessage{Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (n *WebhookNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}
