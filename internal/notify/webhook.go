package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var httpClient = &http.Client{Timeout: requestTimeout}

// WebhookConfig defines a webhook destination.
type WebhookConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["threat", "status"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Webhook forwards notifications to an HTTP endpoint with retry on 5xx.
type Webhook struct {
	cfg     WebhookConfig
	backoff time.Duration
}

// NewWebhook creates a webhook sink.
func NewWebhook(cfg WebhookConfig) *Webhook {
	return &Webhook{cfg: cfg, backoff: time.Second}
}

// Post sends n when its kind is subscribed.
func (w *Webhook) Post(ctx context.Context, n Notification) error {
	if !w.matches(n.Kind) {
		return nil
	}
	return w.send(ctx, n)
}

// Cancel reports a cleared status indicator to status subscribers. Threat
// alerts cannot be retracted from a webhook.
func (w *Webhook) Cancel(ctx context.Context, slot string) error {
	if slot != StatusSlot || !w.matches(KindStatus) {
		return nil
	}
	return w.send(ctx, Notification{
		Kind:     KindStatusCleared,
		Slot:     slot,
		Title:    "SMS protection stopped",
		PostedAt: time.Now(),
	})
}

// matches reports whether kind is subscribed. A cleared status counts as
// a status event. An empty list subscribes to threats only.
func (w *Webhook) matches(kind Kind) bool {
	if kind == KindStatusCleared {
		kind = KindStatus
	}
	if len(w.cfg.Events) == 0 {
		return kind == KindThreat
	}
	for _, e := range w.cfg.Events {
		if Kind(e) == kind {
			return true
		}
	}
	return false
}

func (w *Webhook) send(ctx context.Context, n Notification) error {
	body, err := FormatPayload(w.cfg.Format, n)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * w.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
		}
		// 5xx: retry
		lastErr = fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

// Multi fans out to several sinks. Every sink is tried; errors are joined.
type Multi []Sink

// Post posts n to every sink.
func (m Multi) Post(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Post(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cancel cancels slot on every sink.
func (m Multi) Cancel(ctx context.Context, slot string) error {
	var errs []error
	for _, s := range m {
		if err := s.Cancel(ctx, slot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
