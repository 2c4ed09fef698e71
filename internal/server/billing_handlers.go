package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/ledger"
)

func (s *Server) handleListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.c.Ledger.TenantsWithBalance()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	balance, err := s.c.Ledger.Balance(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant,
		"balance":   balance,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	history, err := s.c.Ledger.History(tenant, ledger.HistoryFilter{
		Type:   domain.TransactionType(r.URL.Query().Get("type")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

type ledgerWriteRequest struct {
	Amount           int64  `json:"amount"`
	Type             string `json:"type"`
	Description      string `json:"description,omitempty"`
	ReferenceID      string `json:"reference_id,omitempty"`
	FundingSource    string `json:"funding_source,omitempty"`
	AttributedUserID string `json:"attributed_user_id,omitempty"`
	AllowNegative    bool   `json:"allow_negative,omitempty"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req ledgerWriteRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	tx, err := s.c.Ledger.Credit(tenant, req.Amount, domain.TransactionType(req.Type), ledger.WriteParams{
		Description:      req.Description,
		ReferenceID:      req.ReferenceID,
		FundingSource:    req.FundingSource,
		AttributedUserID: req.AttributedUserID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "ledger.credit", "billing", tenant, map[string]any{
		"amount": req.Amount,
		"type":   req.Type,
	}, "success")
	s.writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var req ledgerWriteRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	tx, err := s.c.Ledger.Debit(tenant, req.Amount, domain.TransactionType(req.Type), ledger.WriteParams{
		Description:      req.Description,
		ReferenceID:      req.ReferenceID,
		FundingSource:    req.FundingSource,
		AttributedUserID: req.AttributedUserID,
		AllowNegative:    req.AllowNegative,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	// A debit can drop the balance through the auto-top-up threshold.
	if err := s.c.Topup.MaybeTriggerUsageTopup(r.Context(), tenant); err != nil {
		s.log.Error().Err(err).Str("tenant", tenant).Msg("Usage top-up check failed")
	}

	s.recordAudit(r, "ledger.debit", "billing", tenant, map[string]any{
		"amount": req.Amount,
		"type":   req.Type,
	}, "success")
	s.writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleGetTopupSettings(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	settings, err := s.c.TopupRepo.Get(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if settings == nil {
		settings = &domain.AutoTopupSettings{TenantID: tenant}
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutTopupSettings(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var settings domain.AutoTopupSettings
	if err := s.decodeJSON(r, &settings); err != nil {
		s.writeError(w, err)
		return
	}
	settings.TenantID = tenant

	if err := s.c.TopupRepo.Upsert(settings); err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "topup.configure", "billing", tenant, map[string]any{
		"usage_enabled":    settings.UsageEnabled,
		"schedule_enabled": settings.ScheduleEnabled,
	}, "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEmitUsage(w http.ResponseWriter, r *http.Request) {
	var event domain.MeterEvent
	if err := s.decodeJSON(r, &event); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.c.Emitter.Emit(event); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUsageTotal(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, domain.ErrInvalidInput)
			return
		}
		since = parsed
	}

	total, err := s.c.Aggregator.GetTenantTotal(tenant, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, total)
}

func (s *Server) handleUsageSummaries(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")

	var since, until *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, domain.ErrInvalidInput)
			return
		}
		since = &parsed
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, domain.ErrInvalidInput)
			return
		}
		until = &parsed
	}

	summaries, err := s.c.Aggregator.QuerySummaries(tenant, since, until)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenant     string `json:"tenant"`
		PriceID    string `json:"price_id"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	session, err := s.c.Processor.CreateCheckoutSession(r.Context(), domain.CheckoutParams{
		Tenant:     req.Tenant,
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenant    string `json:"tenant"`
		ReturnURL string `json:"return_url"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	url, err := s.c.Processor.CreatePortalSession(r.Context(), req.Tenant, req.ReturnURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleSetupPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenant string `json:"tenant"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	clientSecret, err := s.c.Processor.SetupPaymentMethod(r.Context(), req.Tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"client_secret": clientSecret})
}

func (s *Server) handleListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := s.c.Processor.ListPaymentMethods(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, methods)
}

func (s *Server) handleDetachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	methodID := chi.URLParam(r, "methodID")

	if err := s.c.Processor.DetachPaymentMethod(r.Context(), tenant, methodID); err != nil {
		s.writeError(w, err)
		return
	}
	s.recordAudit(r, "payment_method.detach", "billing", tenant, map[string]any{"method_id": methodID}, "success")
	w.WriteHeader(http.StatusNoContent)
}

// handlePaymentWebhook ingests processor events. The processor retries
// non-2xx deliveries, so only signature failures reject outright.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.c.Payments.IngestWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
