package topup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/modules/ledger"
)

// MaxConsecutiveFailures is the circuit-break budget: after this many
// failed charges in a row a mode disables itself and the operator is told.
const MaxConsecutiveFailures = 3

// CreditLedger is the slice of the ledger the controller needs.
type CreditLedger interface {
	Balance(tenant string) (int64, error)
	Credit(tenant string, amount int64, txType domain.TransactionType, params ledger.WriteParams) (*domain.CreditTransaction, error)
	HasReferenceID(ref string) (bool, error)
}

// Controller drives both auto-top-up modes against the payment processor.
type Controller struct {
	repo      *Repository
	ledger    CreditLedger
	processor domain.PaymentProcessor
	status    domain.TenantStatusChecker
	notifier  domain.AdminNotifier
	bus       *events.Bus
	log       zerolog.Logger
}

// NewController creates the auto-top-up controller.
func NewController(repo *Repository, l CreditLedger, processor domain.PaymentProcessor,
	status domain.TenantStatusChecker, notifier domain.AdminNotifier, bus *events.Bus, log zerolog.Logger) *Controller {
	return &Controller{
		repo:      repo,
		ledger:    l,
		processor: processor,
		status:    status,
		notifier:  notifier,
		bus:       bus,
		log:       log.With().Str("service", "topup").Logger(),
	}
}

// MaybeTriggerUsageTopup evaluates the usage mode after a debit dropped the
// tenant's balance. It is safe to call from concurrent debit paths: the
// in-flight flag guarantees at most one charge per tenant at a time, and a
// losing caller returns immediately without error.
func (c *Controller) MaybeTriggerUsageTopup(ctx context.Context, tenant string) error {
	settings, err := c.repo.Get(tenant)
	if err != nil {
		return err
	}
	if settings == nil || !settings.UsageEnabled {
		return nil
	}

	balance, err := c.ledger.Balance(tenant)
	if err != nil {
		return err
	}
	if balance >= settings.UsageThreshold {
		return nil
	}

	acquired, err := c.repo.TryAcquireInFlight(tenant)
	if err != nil {
		return err
	}
	if !acquired {
		// Another debit path is already charging this tenant.
		return nil
	}
	defer func() {
		if err := c.repo.ClearInFlight(tenant); err != nil {
			c.log.Error().Err(err).Str("tenant", tenant).Msg("Failed to clear in-flight flag")
		}
	}()

	// Re-check under the flag: the balance may have recovered while we raced.
	balance, err = c.ledger.Balance(tenant)
	if err != nil {
		return err
	}
	if balance >= settings.UsageThreshold {
		return nil
	}

	refID := "autotopup_usage_" + uuid.NewString()
	return c.charge(ctx, chargeRequest{
		tenant:      tenant,
		amount:      settings.UsageTopupAmount,
		txType:      domain.TxAutoTopupUsage,
		referenceID: refID,
		reason:      "auto top-up (usage threshold)",
		onSuccess:   func() error { return c.repo.ResetUsageFailures(tenant) },
		onFailure:   func() (int, error) { return c.repo.IncrementUsageFailures(tenant) },
		disable: func() error {
			if err := c.repo.DisableUsage(tenant); err != nil {
				return err
			}
			c.notifyDisabled(ctx, tenant, "usage")
			return nil
		},
	})
}

// RunSchedulePass charges every tenant whose schedule is due. Called from
// the scheduler tick. The reference id is derived from the tenant and the
// due timestamp, so a crash between charge and ledger write cannot double
// credit on the retry.
func (c *Controller) RunSchedulePass(ctx context.Context, now time.Time) {
	due, err := c.repo.DueSchedules(now)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load due schedules")
		return
	}

	for _, s := range due {
		if err := c.runScheduledTopup(ctx, s); err != nil {
			c.log.Warn().Err(err).Str("tenant", s.TenantID).Msg("Scheduled top-up failed")
		}
	}
}

func (c *Controller) runScheduledTopup(ctx context.Context, s domain.AutoTopupSettings) error {
	if s.ScheduleNextAt == nil {
		return nil
	}
	refID := fmt.Sprintf("autotopup_sched_%s_%d", s.TenantID, s.ScheduleNextAt.UnixMilli())

	exists, err := c.ledger.HasReferenceID(refID)
	if err != nil {
		return err
	}
	if exists {
		// Credited on a previous pass; just advance the clock.
		return c.repo.AdvanceSchedule(s.TenantID, nextRun(s))
	}

	return c.charge(ctx, chargeRequest{
		tenant:      s.TenantID,
		amount:      s.ScheduleAmount,
		txType:      domain.TxAutoTopupSchedule,
		referenceID: refID,
		reason:      "auto top-up (schedule)",
		onSuccess:   func() error { return c.repo.AdvanceSchedule(s.TenantID, nextRun(s)) },
		onFailure:   func() (int, error) { return c.repo.IncrementScheduleFailures(s.TenantID) },
		disable: func() error {
			if err := c.repo.DisableSchedule(s.TenantID); err != nil {
				return err
			}
			c.notifyDisabled(ctx, s.TenantID, "schedule")
			return nil
		},
	})
}

type chargeRequest struct {
	tenant      string
	amount      int64
	txType      domain.TransactionType
	referenceID string
	reason      string
	onSuccess   func() error
	onFailure   func() (int, error)
	disable     func() error
}

// charge runs one processor charge and records the outcome. A rejected
// charge counts against the failure budget; a tenant that may not be
// charged does not.
func (c *Controller) charge(ctx context.Context, req chargeRequest) error {
	if req.amount <= 0 {
		return fmt.Errorf("top-up amount must be positive: %w", domain.ErrInvalidInput)
	}

	allowed, err := c.status.CanCharge(ctx, req.tenant)
	if err != nil {
		return err
	}
	if !allowed {
		c.log.Info().Str("tenant", req.tenant).Msg("Tenant not chargeable, skipping top-up")
		return nil
	}

	result, err := c.processor.Charge(ctx, req.tenant, req.amount, req.reason)
	if err != nil || !result.Success {
		reason := "charge rejected"
		if err != nil {
			reason = err.Error()
		} else if result.Error != "" {
			reason = result.Error
		}
		return c.recordFailure(req, reason)
	}

	if _, err := c.ledger.Credit(req.tenant, req.amount, req.txType, ledger.WriteParams{
		Description:   req.reason,
		ReferenceID:   req.referenceID,
		FundingSource: result.PaymentReference,
	}); err != nil {
		// The processor took the money but the ledger write failed. This is
		// the one state that needs a human immediately.
		c.log.Error().Err(err).Str("tenant", req.tenant).Str("reference_id", req.referenceID).
			Msg("Charge succeeded but ledger credit failed")
		c.notify(ctx, "topup_credit_orphaned", map[string]any{
			"tenant_id":         req.tenant,
			"amount":            req.amount,
			"reference_id":      req.referenceID,
			"payment_reference": result.PaymentReference,
		})
		return err
	}

	if err := req.onSuccess(); err != nil {
		return err
	}
	c.bus.Publish(events.TopupTriggered, "topup", map[string]any{
		"tenant_id": req.tenant,
		"amount":    req.amount,
		"type":      string(req.txType),
	})
	c.log.Info().Str("tenant", req.tenant).Int64("amount", req.amount).Str("type", string(req.txType)).
		Msg("Auto top-up succeeded")
	return nil
}

func (c *Controller) recordFailure(req chargeRequest, reason string) error {
	failures, err := req.onFailure()
	if err != nil {
		return err
	}
	c.log.Warn().Str("tenant", req.tenant).Int("consecutive_failures", failures).Str("reason", reason).
		Msg("Auto top-up charge failed")

	if failures >= MaxConsecutiveFailures {
		if err := req.disable(); err != nil {
			return err
		}
	}
	return fmt.Errorf("top-up charge failed: %s", reason)
}

func (c *Controller) notifyDisabled(ctx context.Context, tenant, mode string) {
	c.bus.Publish(events.TopupDisabled, "topup", map[string]any{"tenant_id": tenant, "mode": mode})
	c.notify(ctx, "topup_disabled", map[string]any{
		"tenant_id": tenant,
		"mode":      mode,
		"failures":  MaxConsecutiveFailures,
	})
	c.log.Warn().Str("tenant", tenant).Str("mode", mode).Msg("Auto top-up disabled after repeated failures")
}

func (c *Controller) notify(ctx context.Context, emailType string, payload map[string]any) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyAdmin(ctx, emailType, payload); err != nil {
		c.log.Error().Err(err).Str("email_type", emailType).Msg("Failed to notify admin")
	}
}

func nextRun(s domain.AutoTopupSettings) time.Time {
	interval := time.Duration(s.ScheduleIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	next := s.ScheduleNextAt.Add(interval)
	// Skip past missed intervals after downtime instead of burst-charging.
	now := time.Now()
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
