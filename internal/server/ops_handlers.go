package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/audit"
)

func (s *Server) handleListVaultKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.c.Vault.List(chi.URLParam(r, "tenant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keys)
}

// handleGetVaultKey returns the decrypted key. Every read is audited.
func (s *Server) handleGetVaultKey(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	provider := chi.URLParam(r, "provider")

	key, err := s.c.Vault.GetDecrypted(tenant, provider)
	if err != nil {
		s.recordAudit(r, "vault.read", "vault", tenant, map[string]any{"provider": provider}, "error")
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "vault.read", "vault", tenant, map[string]any{"provider": provider}, "success")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"provider": provider,
		"api_key":  key,
	})
}

func (s *Server) handlePutVaultKey(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	provider := chi.URLParam(r, "provider")

	var req struct {
		APIKey string `json:"api_key"`
		Label  string `json:"label,omitempty"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.c.Vault.Store(tenant, provider, req.APIKey, req.Label); err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "vault.store", "vault", tenant, map[string]any{"provider": provider}, "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteVaultKey(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	provider := chi.URLParam(r, "provider")

	if err := s.c.Vault.Delete(tenant, provider); err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "vault.delete", "vault", tenant, map[string]any{"provider": provider}, "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotificationStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.c.NotifyQueue.CountByStatus()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleDispatchNotifications(w http.ResponseWriter, r *http.Request) {
	sent := s.c.Dispatcher.DispatchOnce(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]int{"dispatched": sent})
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		AdminUser:    q.Get("admin_user"),
		Action:       q.Get("action"),
		Category:     q.Get("category"),
		TargetTenant: q.Get("tenant"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid limit %q: %w", raw, domain.ErrInvalidInput)
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid since %q: %w", raw, domain.ErrInvalidInput)
		}
		filter.Since = since
	}
	if raw := q.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid until %q: %w", raw, domain.ErrInvalidInput)
		}
		filter.Until = until
	}
	return filter, nil
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	entries, err := s.c.Audit.Query(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="audit-%s.csv"`, time.Now().UTC().Format("2006-01-02")))

	if err := s.c.Audit.ExportCSV(w, filter); err != nil {
		s.log.Error().Err(err).Msg("Audit CSV export failed")
	}
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.c.Snapshots.ListSnapshots(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	name, err := s.c.Snapshots.CreateAndUpload(r.Context())
	if err != nil {
		s.recordAudit(r, "backup.create", "ops", "", nil, "error")
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "backup.create", "ops", "", map[string]any{"archive": name}, "success")
	s.writeJSON(w, http.StatusCreated, map[string]string{"archive": name})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		health["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["memory_percent"] = vm.UsedPercent
		health["memory_used_mb"] = vm.Used / 1024 / 1024
		health["memory_total_mb"] = vm.Total / 1024 / 1024
	}

	nodes := s.c.Registry.List()
	active := 0
	for _, n := range nodes {
		if n.Status == domain.NodeActive {
			active++
		}
	}
	health["nodes_total"] = len(nodes)
	health["nodes_active"] = active

	s.writeJSON(w, http.StatusOK, health)
}
