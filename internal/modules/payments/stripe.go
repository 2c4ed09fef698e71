package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

const defaultAPIBase = "https://api.stripe.com/v1"

// StripeProcessor implements domain.PaymentProcessor against the Stripe
// HTTP API. Tenant ids map to Stripe customers via metadata.
type StripeProcessor struct {
	apiBase       string
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
	log           zerolog.Logger
}

// NewStripeProcessor creates the Stripe adapter.
func NewStripeProcessor(secretKey, webhookSecret string, log zerolog.Logger) *StripeProcessor {
	return &StripeProcessor{
		apiBase:       defaultAPIBase,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		log:           log.With().Str("service", "stripe").Logger(),
	}
}

// CreateCheckoutSession creates a hosted checkout page for a credit pack.
func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, params domain.CheckoutParams) (*domain.CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", params.Tenant)
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("metadata[tenant_id]", params.Tenant)

	var resp struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := p.post(ctx, "/checkout/sessions", form, &resp); err != nil {
		return nil, err
	}
	return &domain.CheckoutSession{ID: resp.ID, URL: resp.URL}, nil
}

// CreatePortalSession returns a billing portal URL for the tenant.
func (p *StripeProcessor) CreatePortalSession(ctx context.Context, tenant, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID(tenant))
	form.Set("return_url", returnURL)

	var resp struct {
		URL string `json:"url"`
	}
	if err := p.post(ctx, "/billing_portal/sessions", form, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// SetupPaymentMethod starts a SetupIntent and returns its client secret.
func (p *StripeProcessor) SetupPaymentMethod(ctx context.Context, tenant string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID(tenant))
	form.Set("usage", "off_session")

	var resp struct {
		ClientSecret string `json:"client_secret"`
	}
	if err := p.post(ctx, "/setup_intents", form, &resp); err != nil {
		return "", err
	}
	return resp.ClientSecret, nil
}

// ListPaymentMethods returns the tenant's stored cards as display labels.
func (p *StripeProcessor) ListPaymentMethods(ctx context.Context, tenant string) ([]domain.PaymentMethod, error) {
	query := url.Values{}
	query.Set("customer", customerID(tenant))
	query.Set("type", "card")

	var resp struct {
		Data []struct {
			ID   string `json:"id"`
			Card struct {
				Brand string `json:"brand"`
				Last4 string `json:"last4"`
			} `json:"card"`
		} `json:"data"`
	}
	if err := p.get(ctx, "/payment_methods?"+query.Encode(), &resp); err != nil {
		return nil, err
	}

	methods := make([]domain.PaymentMethod, 0, len(resp.Data))
	for i, pm := range resp.Data {
		methods = append(methods, domain.PaymentMethod{
			ID:        pm.ID,
			Label:     pm.Card.Brand + " •••• " + pm.Card.Last4,
			IsDefault: i == 0,
		})
	}
	return methods, nil
}

// DetachPaymentMethod removes a stored card.
func (p *StripeProcessor) DetachPaymentMethod(ctx context.Context, _ string, paymentMethodID string) error {
	return p.post(ctx, "/payment_methods/"+paymentMethodID+"/detach", url.Values{}, nil)
}

// Charge performs an off-session payment against the tenant's default card.
// Declines come back as an unsuccessful result, not an error: the caller's
// failure budget treats them identically, but transport errors may be worth
// a different log line.
func (p *StripeProcessor) Charge(ctx context.Context, tenant string, amount int64, reason string) (*domain.ChargeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", "eur")
	form.Set("customer", customerID(tenant))
	form.Set("off_session", "true")
	form.Set("confirm", "true")
	form.Set("description", reason)
	form.Set("metadata[tenant_id]", tenant)

	var resp struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		LastPaymentError struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	if err := p.post(ctx, "/payment_intents", form, &resp); err != nil {
		return &domain.ChargeResult{Success: false, Error: err.Error()}, nil
	}

	if resp.Status != "succeeded" {
		msg := resp.LastPaymentError.Message
		if msg == "" {
			msg = "payment intent status " + resp.Status
		}
		return &domain.ChargeResult{Success: false, Error: msg}, nil
	}
	return &domain.ChargeResult{Success: true, PaymentReference: resp.ID}, nil
}

// HandleWebhook verifies and parses one webhook delivery. Only
// checkout.session.completed is acted on; everything else is acknowledged
// unhandled.
func (p *StripeProcessor) HandleWebhook(rawBody []byte, signature string) (*domain.WebhookResult, error) {
	if err := VerifySignature(p.webhookSecret, signature, rawBody, time.Now()); err != nil {
		return nil, err
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ClientReferenceID string `json:"client_reference_id"`
				AmountTotal       int64  `json:"amount_total"`
				Metadata          struct {
					TenantID string `json:"tenant_id"`
				} `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return &domain.WebhookResult{Handled: false, EventType: event.Type}, nil
	}

	tenant := event.Data.Object.Metadata.TenantID
	if tenant == "" {
		tenant = event.Data.Object.ClientReferenceID
	}
	return &domain.WebhookResult{
		Handled:       true,
		EventType:     event.Type,
		Tenant:        tenant,
		CreditedCents: event.Data.Object.AmountTotal,
		ReferenceID:   event.ID,
	}, nil
}

func (p *StripeProcessor) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req, out)
}

func (p *StripeProcessor) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+path, nil)
	if err != nil {
		return err
	}
	return p.do(req, out)
}

func (p *StripeProcessor) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read stripe response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("stripe returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode stripe response: %w", err)
	}
	return nil
}

func customerID(tenant string) string {
	return "cus_" + tenant
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
