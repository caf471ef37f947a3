// CLAUDE:SUMMARY Webhook sink POSTing bundles with retries and doubling backoff.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/domirror/wire"
)

// Webhook POSTs each bundle's wire encoding to a URL. Transport errors, 429
// and 5xx responses are retried with doubling backoff; other statuses fail
// at once. The bundle id travels in X-Bundle-ID so receivers can drop
// duplicates caused by retries.
type Webhook struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets how many times a delivery is retried. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.retries = n }
}

// WithWebhookBackoff sets the first retry delay. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.backoff = d }
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// WithWebhookClient replaces the HTTP client (10s timeout by default).
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook targets url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
		backoff: time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (w *Webhook) Publish(ctx context.Context, b *wire.Bundle) error {
	body, err := wire.MarshalBundle(b)
	if err != nil {
		return fmt.Errorf("sink: webhook: %w", err)
	}

	var lastErr error
	delay := w.backoff
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			delay *= 2
		}
		lastErr = w.post(ctx, b, body)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return lastErr
		}
		w.logger.Warn("sink: webhook delivery failed", "bundle", b.ID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("sink: webhook: gave up after %d attempts: %w", w.retries+1, lastErr)
}

func (w *Webhook) post(ctx context.Context, b *wire.Bundle, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bundle-ID", b.ID)
	req.Header.Set("X-Bundle-Seq", strconv.FormatUint(b.Seq, 10))
	req.Header.Set("X-Bundle-Kind", string(b.Kind))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("sink: webhook: status %d", resp.StatusCode)
	default:
		return &permanentError{fmt.Errorf("sink: webhook: status %d", resp.StatusCode)}
	}
}

func (w *Webhook) Close() error { return nil }
