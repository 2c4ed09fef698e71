package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// AdminNotifier enqueues operator-facing notifications. It is the concrete
// implementation of domain.AdminNotifier used by recovery, drain and
// auto-top-up: after a failure budget is exhausted the loss is never
// silently swallowed.
type AdminNotifier struct {
	queue      *Queue
	adminEmail string
	log        zerolog.Logger
}

// NewAdminNotifier creates the notifier targeting the operator address.
func NewAdminNotifier(queue *Queue, adminEmail string, log zerolog.Logger) *AdminNotifier {
	return &AdminNotifier{
		queue:      queue,
		adminEmail: adminEmail,
		log:        log.With().Str("service", "admin_notifier").Logger(),
	}
}

// NotifyAdmin enqueues one admin notification.
func (n *AdminNotifier) NotifyAdmin(_ context.Context, emailType string, payload map[string]any) error {
	tenantID, _ := payload["tenant_id"].(string)
	_, err := n.queue.Enqueue(EnqueueInput{
		TenantID:       tenantID,
		EmailType:      emailType,
		RecipientEmail: n.adminEmail,
		Payload:        payload,
	})
	if err != nil {
		n.log.Error().Err(err).Str("email_type", emailType).Msg("Failed to enqueue admin notification")
	}
	return err
}
