package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/audit"
)

const maxBodyBytes = 1 << 20

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "warden",
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors to transport status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidUpstream),
		errors.Is(err, domain.ErrInvalidSignature):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrDuplicateReference), errors.Is(err, domain.ErrNoCapacity):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNodeNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCommandTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNotSupported):
		status = http.StatusNotImplemented
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeJSON reads a size-capped JSON body into dst.
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", domain.ErrInvalidInput)
	}
	return nil
}

// adminUser identifies the operator for audit rows. The API sits behind an
// authenticating edge that injects the header.
func adminUser(r *http.Request) string {
	if user := r.Header.Get("X-Admin-User"); user != "" {
		return user
	}
	return "system"
}

// recordAudit appends an audit row for a mutating admin call. Audit failures
// never fail the request.
func (s *Server) recordAudit(r *http.Request, action, category, tenant string, details map[string]any, outcome string) {
	_, err := s.c.Audit.Record(audit.Entry{
		AdminUser:    adminUser(r),
		Action:       action,
		Category:     category,
		TargetTenant: tenant,
		Details:      details,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
		Outcome:      outcome,
	})
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("Failed to record audit entry")
	}
}
