package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/modules/channel"
)

// DefaultImage is used when an instance has no profile on record.
const DefaultImage = "wardenhq/bot-runtime:stable"

// CommandSender pushes one command to a node agent and waits for its result.
type CommandSender interface {
	SendCommand(ctx context.Context, nodeID, command string, payload any) (json.RawMessage, error)
}

// NodeRegistry is the registry slice the engine mutates.
type NodeRegistry interface {
	Get(nodeID string) (*domain.Node, error)
	SetStatus(nodeID string, status domain.NodeStatus) error
	AddNodeCapacity(nodeID string, deltaMB int64) error
}

// Placer selects a target node when the caller does not name one.
type Placer interface {
	FindPlacementExcluding(excluded []string, requiredMB int64) *domain.Node
}

// MigrationResult reports one migration attempt. FailedStep is empty on
// success. DowntimeMS measures stop-to-verified wall time: the window the
// tenant's bot was actually down.
type MigrationResult struct {
	InstanceID string `json:"instance_id"`
	TenantID   string `json:"tenant_id"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	FailedStep string `json:"failed_step,omitempty"`
	DowntimeMS int64  `json:"downtime_ms"`
}

// Engine moves tenants between nodes with the six-step archive handoff.
type Engine struct {
	repo     *Repository
	registry NodeRegistry
	placer   Placer
	sender   CommandSender
	router   domain.Router
	notifier domain.AdminNotifier
	bus      *events.Bus
	log      zerolog.Logger
}

// NewEngine creates the migration engine.
func NewEngine(repo *Repository, reg NodeRegistry, placer Placer, sender CommandSender,
	router domain.Router, notifier domain.AdminNotifier, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		registry: reg,
		placer:   placer,
		sender:   sender,
		router:   router,
		notifier: notifier,
		bus:      bus,
		log:      log.With().Str("service", "migration").Logger(),
	}
}

// MigrateTenant moves one instance to targetNodeID, or to the best
// available node when targetNodeID is empty. Nothing is mutated until all
// six worker commands succeed: a failed migration leaves routing, capacity
// accounting and the instance's node binding untouched.
func (e *Engine) MigrateTenant(ctx context.Context, instanceID, targetNodeID string) (*MigrationResult, error) {
	inst, err := e.repo.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.NodeID == "" {
		return nil, fmt.Errorf("instance %s has no current node: %w", instanceID, domain.ErrInvalidInput)
	}

	if targetNodeID == "" {
		target := e.placer.FindPlacementExcluding([]string{inst.NodeID}, inst.EstimatedMB)
		if target == nil {
			return nil, fmt.Errorf("no node can fit %d MB: %w", inst.EstimatedMB, domain.ErrNoCapacity)
		}
		targetNodeID = target.ID
	} else {
		if targetNodeID == inst.NodeID {
			return nil, fmt.Errorf("target equals current node %s: %w", targetNodeID, domain.ErrInvalidInput)
		}
		if _, err := e.registry.Get(targetNodeID); err != nil {
			return nil, err
		}
	}

	result := &MigrationResult{
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		SourceNode: inst.NodeID,
		TargetNode: targetNodeID,
	}

	name := domain.ContainerName(inst.TenantID)
	filename := domain.ArchiveName(inst.TenantID)

	profile, err := e.repo.GetProfile(inst.ID)
	if err != nil {
		return nil, err
	}
	image := DefaultImage
	env := map[string]string{}
	if profile != nil {
		image = profile.Image
		env = profile.Env
	} else {
		e.log.Warn().Str("instance", inst.ID).Msg("No profile on record, migrating with default image")
	}

	e.log.Info().Str("instance", inst.ID).Str("tenant", inst.TenantID).
		Str("source", result.SourceNode).Str("target", result.TargetNode).Msg("Migration started")

	step := func(stepName, nodeID, command string, payload any) error {
		if _, err := e.sender.SendCommand(ctx, nodeID, command, payload); err != nil {
			result.FailedStep = stepName
			e.log.Error().Err(err).Str("instance", inst.ID).Str("step", stepName).Msg("Migration step failed")
			return fmt.Errorf("migration step %s failed: %w", stepName, err)
		}
		return nil
	}

	if err := step("export", result.SourceNode, channel.CommandBotExport,
		map[string]string{"name": name}); err != nil {
		return result, err
	}
	if err := step("backup_upload", result.SourceNode, channel.CommandBackupUpload,
		map[string]string{"filename": filename}); err != nil {
		return result, err
	}
	if err := step("backup_download", result.TargetNode, channel.CommandBackupDownload,
		map[string]string{"filename": filename}); err != nil {
		return result, err
	}

	downtimeStart := time.Now()
	if err := step("stop", result.SourceNode, channel.CommandBotStop,
		map[string]string{"name": name}); err != nil {
		return result, err
	}
	if err := step("import", result.TargetNode, channel.CommandBotImport, map[string]any{
		"name":  name,
		"image": image,
		"env":   env,
	}); err != nil {
		return result, err
	}
	if err := step("inspect", result.TargetNode, channel.CommandBotInspect,
		map[string]string{"name": name}); err != nil {
		return result, err
	}
	result.DowntimeMS = time.Since(downtimeStart).Milliseconds()

	// All six commands succeeded: now commit the move
	if err := e.repo.SetInstanceNode(inst.ID, result.TargetNode); err != nil {
		return result, err
	}
	if err := e.registry.AddNodeCapacity(result.SourceNode, -inst.EstimatedMB); err != nil {
		e.log.Error().Err(err).Str("node", result.SourceNode).Msg("Failed to release source capacity")
	}
	if err := e.registry.AddNodeCapacity(result.TargetNode, inst.EstimatedMB); err != nil {
		e.log.Error().Err(err).Str("node", result.TargetNode).Msg("Failed to reserve target capacity")
	}
	if err := e.router.ReassignTenant(ctx, inst.ID, result.TargetNode); err != nil {
		e.log.Error().Err(err).Str("instance", inst.ID).Msg("Failed to reassign routing")
	}

	e.bus.Publish(events.TenantMigrated, "fleet", map[string]any{
		"instance_id": inst.ID,
		"tenant_id":   inst.TenantID,
		"source":      result.SourceNode,
		"target":      result.TargetNode,
		"downtime_ms": result.DowntimeMS,
	})
	e.log.Info().Str("instance", inst.ID).Int64("downtime_ms", result.DowntimeMS).Msg("Migration completed")
	return result, nil
}

// DrainResult reports one drain run.
type DrainResult struct {
	NodeID   string            `json:"node_id"`
	Migrated int               `json:"migrated"`
	Failed   int               `json:"failed"`
	Results  []MigrationResult `json:"results"`
}

// DrainNode migrates every tenant off a node. The node goes draining first
// so placement stops feeding it, and only flips to offline when every
// tenant made it out; otherwise it stays draining and the operator is told
// how many tenants are stuck.
func (e *Engine) DrainNode(ctx context.Context, nodeID string) (*DrainResult, error) {
	if _, err := e.registry.Get(nodeID); err != nil {
		return nil, err
	}
	if err := e.registry.SetStatus(nodeID, domain.NodeDraining); err != nil {
		return nil, err
	}

	instances, err := e.repo.ListInstancesByNode(nodeID)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{NodeID: nodeID}
	for _, inst := range instances {
		mr, err := e.MigrateTenant(ctx, inst.ID, "")
		if mr != nil {
			result.Results = append(result.Results, *mr)
		}
		if err != nil {
			result.Failed++
			continue
		}
		result.Migrated++
	}

	if result.Failed == 0 {
		if err := e.registry.SetStatus(nodeID, domain.NodeOffline); err != nil {
			return result, err
		}
		e.bus.Publish(events.NodeDrained, "fleet", map[string]any{
			"node_id":  nodeID,
			"migrated": result.Migrated,
		})
		e.log.Info().Str("node", nodeID).Int("migrated", result.Migrated).Msg("Node drained")
		return result, nil
	}

	e.log.Warn().Str("node", nodeID).Int("migrated", result.Migrated).Int("failed", result.Failed).
		Msg("Drain incomplete, node stays draining")
	if e.notifier != nil {
		if err := e.notifier.NotifyAdmin(ctx, "drain_capacity_overflow", map[string]any{
			"node_id":  nodeID,
			"migrated": result.Migrated,
			"failed":   result.Failed,
		}); err != nil {
			e.log.Error().Err(err).Msg("Failed to notify admin about incomplete drain")
		}
	}
	return result, nil
}
