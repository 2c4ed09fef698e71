package payments

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/ledger"
)

const testSecret = "whsec_test_123"

func signedHeader(body []byte) string {
	return SignatureHeader(testSecret, time.Now().Unix(), body)
}

func TestVerifySignatureValid(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	header := signedHeader(body)
	assert.NoError(t, VerifySignature(testSecret, header, body, time.Now()))
}

func TestVerifySignatureTampered(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	header := signedHeader(body)

	err := VerifySignature(testSecret, header, []byte(`{"id":"evt_2"}`), time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	err = VerifySignature("whsec_other", header, body, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifySignatureStaleTimestamp(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	old := time.Now().Add(-time.Hour).Unix()
	header := SignatureHeader(testSecret, old, body)

	err := VerifySignature(testSecret, header, body, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	body := []byte(`{}`)
	for _, header := range []string{"", "t=abc,v1=00", "v1=deadbeef", "t=123"} {
		assert.ErrorIs(t, VerifySignature(testSecret, header, body, time.Now()), domain.ErrInvalidSignature, header)
	}
}

func TestVerifySignatureKeyRotation(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	ts := time.Now().Unix()
	good := ComputeSignature(testSecret, ts, body)
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", ts, "0000", good)
	assert.NoError(t, VerifySignature(testSecret, header, body, time.Now()))
}

func TestHandleWebhookCheckoutCompleted(t *testing.T) {
	p := NewStripeProcessor("sk_test", testSecret, zerolog.Nop())
	body := []byte(`{
		"id": "stripe_evt_X",
		"type": "checkout.session.completed",
		"data": {"object": {"client_reference_id": "t-new", "amount_total": 1000, "metadata": {"tenant_id": ""}}}
	}`)

	result, err := p.HandleWebhook(body, signedHeader(body))
	require.NoError(t, err)
	assert.True(t, result.Handled)
	assert.Equal(t, "t-new", result.Tenant)
	assert.Equal(t, int64(1000), result.CreditedCents)
	assert.Equal(t, "stripe_evt_X", result.ReferenceID)
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	p := NewStripeProcessor("sk_test", testSecret, zerolog.Nop())
	body := []byte(`{"id": "evt_2", "type": "invoice.paid", "data": {"object": {}}}`)

	result, err := p.HandleWebhook(body, signedHeader(body))
	require.NoError(t, err)
	assert.False(t, result.Handled)
	assert.Equal(t, "invoice.paid", result.EventType)
}

func TestHandleWebhookBadSignature(t *testing.T) {
	p := NewStripeProcessor("sk_test", testSecret, zerolog.Nop())
	body := []byte(`{"id": "evt_3", "type": "checkout.session.completed"}`)

	_, err := p.HandleWebhook(body, "t=1,v1=bogus")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func setupService(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	l := ledger.New(db.Conn(), zerolog.Nop())
	p := NewStripeProcessor("sk_test", testSecret, zerolog.Nop())
	return NewService(p, l, zerolog.Nop()), l
}

func TestIngestWebhookCreditsOnce(t *testing.T) {
	svc, l := setupService(t)
	body := []byte(`{
		"id": "stripe_evt_X",
		"type": "checkout.session.completed",
		"data": {"object": {"amount_total": 1000, "metadata": {"tenant_id": "t-new"}}}
	}`)

	first, err := svc.IngestWebhook(body, signedHeader(body))
	require.NoError(t, err)
	assert.True(t, first.Handled)
	assert.False(t, first.Duplicate)

	balance, err := l.Balance("t-new")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	// Redelivery: handled-but-noop, balance unchanged
	second, err := svc.IngestWebhook(body, signedHeader(body))
	require.NoError(t, err)
	assert.True(t, second.Handled)
	assert.True(t, second.Duplicate)

	balance, err = l.Balance("t-new")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	history, err := l.History("t-new", ledger.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestIngestWebhookUnhandledEventNoCredit(t *testing.T) {
	svc, l := setupService(t)
	body := []byte(`{"id": "evt_9", "type": "invoice.paid", "data": {"object": {}}}`)

	result, err := svc.IngestWebhook(body, signedHeader(body))
	require.NoError(t, err)
	assert.False(t, result.Handled)

	balances, err := l.TenantsWithBalance()
	require.NoError(t, err)
	assert.Empty(t, balances)
}
