package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// WebhookSender delivers notifications as JSON POSTs to an operator-owned
// endpoint. A non-2xx response counts as a failed attempt and feeds the
// queue's backoff.
type WebhookSender struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewWebhookSender creates a sender for the given endpoint.
func NewWebhookSender(url string, log zerolog.Logger) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("component", "webhook_sender").Logger(),
	}
}

// Send posts one notification.
func (s *WebhookSender) Send(ctx context.Context, entry domain.NotificationQueueEntry) error {
	body, err := json.Marshal(map[string]any{
		"id":         entry.ID,
		"email_type": entry.EmailType,
		"recipient":  entry.RecipientEmail,
		"payload":    json.RawMessage(entry.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes notifications to the log. Used when no delivery endpoint
// is configured, so queue mechanics still run in development.
type LogSender struct {
	log zerolog.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "log_sender").Logger()}
}

// Send logs the notification and reports success.
func (s *LogSender) Send(_ context.Context, entry domain.NotificationQueueEntry) error {
	s.log.Info().
		Str("email_type", entry.EmailType).
		Str("recipient", entry.RecipientEmail).
		RawJSON("payload", []byte(entry.Payload)).
		Msg("Notification")
	return nil
}
