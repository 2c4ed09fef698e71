package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/modules/fleet"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.c.Registry.List())
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.c.Registry.Get(chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	result, err := s.c.Migration.DrainNode(r.Context(), nodeID)
	if err != nil {
		s.recordAudit(r, "node.drain", "fleet", "", map[string]any{"node_id": nodeID}, "error")
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "node.drain", "fleet", "", map[string]any{
		"node_id":  nodeID,
		"migrated": result.Migrated,
		"failed":   result.Failed,
	}, "success")
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRecoverNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	event, err := s.c.Recovery.TriggerRecovery(r.Context(), nodeID, domain.TriggerManual)
	if err != nil {
		s.recordAudit(r, "node.recover", "fleet", "", map[string]any{"node_id": nodeID}, "error")
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "node.recover", "fleet", "", map[string]any{
		"node_id":  nodeID,
		"event_id": event.ID,
	}, "success")
	s.writeJSON(w, http.StatusOK, event)
}

type createInstanceRequest struct {
	TenantID    string            `json:"tenant_id"`
	Name        string            `json:"name"`
	NodeID      string            `json:"node_id,omitempty"`
	EstimatedMB int64             `json:"estimated_mb,omitempty"`
	Image       string            `json:"image,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	inst, err := s.c.FleetRepo.CreateInstance(fleet.CreateInstanceInput{
		TenantID:    req.TenantID,
		Name:        req.Name,
		NodeID:      req.NodeID,
		EstimatedMB: req.EstimatedMB,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.c.FleetRepo.UpsertProfile(domain.BotProfile{
		InstanceID: inst.ID,
		Image:      req.Image,
		Env:        req.Env,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "instance.create", "fleet", req.TenantID, map[string]any{"instance_id": inst.ID}, "success")
	s.writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.c.FleetRepo.GetInstance(chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	inst, err := s.c.FleetRepo.GetInstance(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.c.FleetRepo.DeleteInstance(id); err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "instance.delete", "fleet", inst.TenantID, map[string]any{"instance_id": id}, "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMigrateInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")

	var req struct {
		TargetNodeID string `json:"target_node_id,omitempty"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.c.Migration.MigrateTenant(r.Context(), id, req.TargetNodeID)
	if err != nil {
		s.recordAudit(r, "instance.migrate", "fleet", "", map[string]any{
			"instance_id": id,
			"target":      req.TargetNodeID,
		}, "error")
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "instance.migrate", "fleet", result.TenantID, map[string]any{
		"instance_id": id,
		"source":      result.SourceNode,
		"target":      result.TargetNode,
		"downtime_ms": result.DowntimeMS,
	}, "success")
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetBillingState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")

	var req struct {
		State        string     `json:"state"`
		DestroyAfter *time.Time `json:"destroy_after,omitempty"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	state := domain.BillingState(req.State)
	switch state {
	case domain.BillingActive, domain.BillingSuspended, domain.BillingScheduledDestroy:
	default:
		s.writeError(w, fmt.Errorf("unknown billing state %q: %w", req.State, domain.ErrInvalidInput))
		return
	}

	if err := s.c.FleetRepo.SetBillingState(id, state, req.DestroyAfter); err != nil {
		s.writeError(w, err)
		return
	}

	s.recordAudit(r, "instance.billing", "billing", "", map[string]any{
		"instance_id": id,
		"state":       req.State,
	}, "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.c.FleetRepo.GetProfile(chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if profile == nil {
		s.writeError(w, fmt.Errorf("profile: %w", domain.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")

	var profile domain.BotProfile
	if err := s.decodeJSON(r, &profile); err != nil {
		s.writeError(w, err)
		return
	}
	profile.InstanceID = id

	if err := s.c.FleetRepo.UpsertProfile(profile); err != nil {
		s.writeError(w, err)
		return
	}
	s.recordAudit(r, "instance.profile", "fleet", "", map[string]any{"instance_id": id}, "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRecoveryEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.c.RecoveryRepo.ListOpenEvents()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetRecoveryEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := s.c.RecoveryRepo.GetEvent(eventID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.c.RecoveryRepo.ListItems(eventID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"event": event,
		"items": items,
	})
}
