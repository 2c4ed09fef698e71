package domain

import "context"

// ChargeResult is the outcome of a payment processor charge.
type ChargeResult struct {
	Success          bool   `json:"success"`
	PaymentReference string `json:"payment_reference,omitempty"`
	Error            string `json:"error,omitempty"`
}

// CheckoutSession is a hosted checkout page created by the processor.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PaymentMethod is a stored payment instrument, label only.
type PaymentMethod struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	IsDefault bool   `json:"is_default"`
}

// WebhookResult is the parsed outcome of a processor webhook delivery.
type WebhookResult struct {
	Handled       bool   `json:"handled"`
	EventType     string `json:"event_type"`
	Tenant        string `json:"tenant,omitempty"`
	CreditedCents int64  `json:"credited_cents,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
}

// CheckoutParams configures a hosted checkout session.
type CheckoutParams struct {
	Tenant     string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// PaymentProcessor abstracts the external payment provider. The control
// plane depends only on this contract; the Stripe adapter lives behind it.
type PaymentProcessor interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, tenant, returnURL string) (string, error)
	SetupPaymentMethod(ctx context.Context, tenant string) (clientSecret string, err error)
	ListPaymentMethods(ctx context.Context, tenant string) ([]PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, tenant, paymentMethodID string) error
	Charge(ctx context.Context, tenant string, amount int64, reason string) (*ChargeResult, error)
	HandleWebhook(rawBody []byte, signature string) (*WebhookResult, error)
}

// Route describes one reverse-proxy route for a bot instance.
type Route struct {
	InstanceID string `json:"instance_id"`
	Subdomain  string `json:"subdomain"`
	Upstream   string `json:"upstream"` // host:port
}

// Router is the reverse-proxy reconciliation layer. ReassignTenant is the
// routing update performed after a successful migration or recovery.
type Router interface {
	AddRoute(ctx context.Context, route Route) error
	RemoveRoute(ctx context.Context, instanceID string) error
	UpdateHealth(ctx context.Context, instanceID string, healthy bool) error
	ReassignTenant(ctx context.Context, instanceID, nodeID string) error
	Reload(ctx context.Context) error
}

// BackupStore is the shared archive store referenced by the backup.upload
// and backup.download worker commands. Keys are bare filenames.
type BackupStore interface {
	Put(ctx context.Context, filename string, data []byte) error
	Get(ctx context.Context, filename string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, filename string) error
}

// AdminNotifier is the side-channel for operator-visible outcomes. The
// concrete implementation enqueues into the notification queue.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, emailType string, payload map[string]any) error
}

// TenantStatusChecker gates auto-top-up charges: banned or suspended
// tenants are never charged.
type TenantStatusChecker interface {
	CanCharge(ctx context.Context, tenant string) (bool, error)
}
