package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/di"
	"github.com/wardenhq/warden/internal/modules/audit"
)

func setupServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		DataDir:  dir,
		Port:     0,
		LogLevel: "info",
		DevMode:  true,

		HeartbeatTimeout:  90 * time.Second,
		SweepInterval:     30 * time.Second,
		CommandTimeout:    time.Minute,
		DefaultFootprint:  100,
		RecoveryRetryTick: time.Minute,
		RecoveryMaxAge:    24 * time.Hour,

		MeterBatchSize:     100,
		MeterFlushInterval: 5 * time.Second,
		MeterMaxRetries:    3,
		MeterWindowSize:    time.Minute,
		WALPath:            filepath.Join(dir, "meter.wal"),
		DLQPath:            filepath.Join(dir, "meter.dlq"),

		AdminEmail:     "ops@example.com",
		NotifyInterval: 15 * time.Second,

		ProxyAdminURL: "http://localhost:2019",
	}

	c, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return New(c)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-User", "tester")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestLedgerCreditAndBalance(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/ledger/acme/credit", map[string]any{
		"amount": 5000,
		"type":   "purchase",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s.Router(), http.MethodGet, "/api/ledger/acme/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TenantID string `json:"tenant_id"`
		Balance  int64  `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.TenantID)
	assert.Equal(t, int64(5000), resp.Balance)
}

func TestDebitWithoutBalanceReturns402(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodPost, "/api/ledger/broke/debit", map[string]any{
		"amount": 100,
		"type":   "bot_runtime",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestMalformedBodyReturns400(t *testing.T) {
	s := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ledger/acme/credit", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownInstanceReturns404(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodGet, "/api/instances/no-such-instance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVaultRoundTripAndAudit(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodPut, "/api/vault/acme/openai", map[string]any{
		"api_key": "sk-test-123",
		"label":   "prod",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s.Router(), http.MethodGet, "/api/vault/acme/openai", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sk-test-123", resp["api_key"])

	// Both the store and the read leave audit rows attributed to the header user.
	entries, err := s.c.Audit.Query(audit.Filter{AdminUser: "tester", Category: "vault"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	actions := []string{entries[0].Action, entries[1].Action}
	assert.Contains(t, actions, "vault.store")
	assert.Contains(t, actions, "vault.read")
}

func TestTopupSettingsRoundTrip(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodPut, "/api/topup/acme", map[string]any{
		"usage_enabled":      true,
		"usage_threshold":    1000,
		"usage_topup_amount": 5000,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s.Router(), http.MethodGet, "/api/topup/acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TenantID     string `json:"tenant_id"`
		UsageEnabled bool   `json:"usage_enabled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.TenantID)
	assert.True(t, resp.UsageEnabled)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warden_")
}

func TestNotificationStats(t *testing.T) {
	s := setupServer(t)

	rec := doJSON(t, s.Router(), http.MethodGet, "/api/notifications/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(`{"type":"test"}`))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
