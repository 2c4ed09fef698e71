package payments

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/ledger"
)

// CreditLedger is the slice of the ledger webhook ingestion needs.
type CreditLedger interface {
	Credit(tenant string, amount int64, txType domain.TransactionType, params ledger.WriteParams) (*domain.CreditTransaction, error)
}

// Service turns verified webhook deliveries into ledger credits. The
// ledger's unique reference id makes redelivery a no-op; the retry policy
// lives here, never in the ledger.
type Service struct {
	processor domain.PaymentProcessor
	ledger    CreditLedger
	log       zerolog.Logger
}

// NewService creates the webhook ingestion service.
func NewService(processor domain.PaymentProcessor, l CreditLedger, log zerolog.Logger) *Service {
	return &Service{
		processor: processor,
		ledger:    l,
		log:       log.With().Str("service", "payments").Logger(),
	}
}

// IngestWebhook verifies one delivery and applies its effect. A duplicate
// delivery (same reference id) returns handled with Duplicate set and
// credits nothing.
type IngestResult struct {
	domain.WebhookResult
	Duplicate bool `json:"duplicate"`
}

// IngestWebhook processes one raw webhook delivery.
func (s *Service) IngestWebhook(rawBody []byte, signature string) (*IngestResult, error) {
	result, err := s.processor.HandleWebhook(rawBody, signature)
	if err != nil {
		return nil, err
	}
	out := &IngestResult{WebhookResult: *result}

	if !result.Handled {
		return out, nil
	}
	if result.Tenant == "" || result.CreditedCents <= 0 {
		return nil, fmt.Errorf("webhook %s missing tenant or amount: %w", result.ReferenceID, domain.ErrInvalidInput)
	}

	_, err = s.ledger.Credit(result.Tenant, result.CreditedCents, domain.TxPurchase, ledger.WriteParams{
		Description: "credit purchase via " + result.EventType,
		ReferenceID: result.ReferenceID,
	})
	if errors.Is(err, domain.ErrDuplicateReference) {
		s.log.Info().Str("reference_id", result.ReferenceID).Msg("Duplicate webhook delivery, skipping")
		out.Duplicate = true
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("tenant", result.Tenant).Int64("cents", result.CreditedCents).
		Str("reference_id", result.ReferenceID).Msg("Webhook credited ledger")
	return out, nil
}
