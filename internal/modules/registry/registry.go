// Package registry tracks worker nodes: registration, heartbeat liveness
// and capacity accounting. Node state lives in memory for fast placement
// reads and is mirrored to fleet.db so a control-plane restart does not
// forget the fleet.
package registry

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/events"
)

// Registry is the authoritative view of the worker fleet.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*domain.Node

	db               *sql.DB // fleet.db - nodes table
	bus              *events.Bus
	heartbeatTimeout time.Duration
	log              zerolog.Logger
}

// New creates a registry and loads the persisted fleet into memory. Nodes
// loaded from disk keep their stored status; the first sweep settles any
// that died while the control plane was down.
func New(db *sql.DB, bus *events.Bus, heartbeatTimeout time.Duration, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		nodes:            make(map[string]*domain.Node),
		db:               db,
		bus:              bus,
		heartbeatTimeout: heartbeatTimeout,
		log:              log.With().Str("service", "registry").Logger(),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	rows, err := r.db.Query(
		`SELECT id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at FROM nodes`,
	)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n domain.Node
		var status string
		var hbMS, regMS int64
		if err := rows.Scan(&n.ID, &n.Host, &status, &n.CapacityMB, &n.UsedMB, &n.AgentVersion, &hbMS, &regMS); err != nil {
			return fmt.Errorf("failed to scan node row: %w", err)
		}
		n.Status = domain.NodeStatus(status)
		n.LastHeartbeatAt = time.UnixMilli(hbMS)
		n.RegisteredAt = time.UnixMilli(regMS)
		r.nodes[n.ID] = &n
	}
	if err := rows.Err(); err != nil {
		return err
	}
	r.log.Info().Int("nodes", len(r.nodes)).Msg("Fleet loaded from disk")
	return nil
}

// RegisterInput is what an agent announces on connect.
type RegisterInput struct {
	ID           string
	Host         string
	CapacityMB   int64
	AgentVersion string
}

// Register adds a node or refreshes an existing one. A re-register of a
// known node keeps its used capacity and flips it back to active; this is
// how a recovered host rejoins the fleet.
func (r *Registry) Register(input RegisterInput) (*domain.Node, error) {
	if input.ID == "" || input.Host == "" {
		return nil, fmt.Errorf("node id and host are required: %w", domain.ErrInvalidInput)
	}
	if input.CapacityMB < 0 {
		return nil, fmt.Errorf("capacity must be non-negative: %w", domain.ErrInvalidInput)
	}

	now := time.Now()

	r.mu.Lock()
	node, exists := r.nodes[input.ID]
	if exists {
		node.Host = input.Host
		node.CapacityMB = input.CapacityMB
		node.AgentVersion = input.AgentVersion
		node.Status = domain.NodeActive
		node.LastHeartbeatAt = now
	} else {
		node = &domain.Node{
			ID:              input.ID,
			Host:            input.Host,
			Status:          domain.NodeActive,
			CapacityMB:      input.CapacityMB,
			AgentVersion:    input.AgentVersion,
			LastHeartbeatAt: now,
			RegisteredAt:    now,
		}
		r.nodes[input.ID] = node
	}
	snapshot := *node
	r.mu.Unlock()

	if err := r.persist(&snapshot); err != nil {
		return nil, err
	}

	r.log.Info().Str("node", snapshot.ID).Str("host", snapshot.Host).
		Int64("capacity_mb", snapshot.CapacityMB).Bool("rejoin", exists).Msg("Node registered")
	r.bus.Publish(events.NodeRegistered, "registry", map[string]any{
		"node_id": snapshot.ID,
		"rejoin":  exists,
	})
	return &snapshot, nil
}

// Heartbeat refreshes a node's liveness and records the agent-reported
// usage, clamped to [0, capacity]. Unknown nodes are rejected; the agent
// must re-register first.
func (r *Registry) Heartbeat(nodeID string, usedMB int64) error {
	now := time.Now()

	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}
	node.LastHeartbeatAt = now
	if usedMB < 0 {
		usedMB = 0
	}
	if usedMB > node.CapacityMB {
		usedMB = node.CapacityMB
	}
	node.UsedMB = usedMB
	// A heartbeat from an unhealthy node means it came back
	if node.Status == domain.NodeUnhealthy {
		node.Status = domain.NodeActive
		r.log.Info().Str("node", nodeID).Msg("Node recovered via heartbeat")
	}
	snapshot := *node
	r.mu.Unlock()

	return r.persist(&snapshot)
}

// SetStatus transitions a node's lifecycle state.
func (r *Registry) SetStatus(nodeID string, status domain.NodeStatus) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}
	old := node.Status
	node.Status = status
	snapshot := *node
	r.mu.Unlock()

	if err := r.persist(&snapshot); err != nil {
		return err
	}
	r.log.Info().Str("node", nodeID).Str("from", string(old)).Str("to", string(status)).Msg("Node status changed")
	return nil
}

// AddNodeCapacity adjusts a node's used capacity by delta megabytes
// (positive on placement, negative on removal). The result is clamped to
// [0, capacity]; accounting drift never produces a negative or over-full
// node.
func (r *Registry) AddNodeCapacity(nodeID string, deltaMB int64) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}
	used := node.UsedMB + deltaMB
	if used < 0 {
		used = 0
	}
	if used > node.CapacityMB {
		used = node.CapacityMB
	}
	node.UsedMB = used
	snapshot := *node
	r.mu.Unlock()

	return r.persist(&snapshot)
}

// Get returns a copy of one node.
func (r *Registry) Get(nodeID string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}
	snapshot := *node
	return &snapshot, nil
}

// List returns all nodes ordered by id.
func (r *Registry) List() []domain.Node {
	r.mu.RLock()
	result := make([]domain.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		result = append(result, *n)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ListActive returns the nodes eligible for placement, ordered by id.
func (r *Registry) ListActive() []domain.Node {
	all := r.List()
	active := all[:0]
	for _, n := range all {
		if n.Status == domain.NodeActive {
			active = append(active, n)
		}
	}
	return active
}

// SweepStale marks nodes whose heartbeat is older than the timeout as
// unhealthy and announces each transition on the bus. Recovery subscribes
// to the announcement. Returns the ids that flipped this sweep.
func (r *Registry) SweepStale(now time.Time) []string {
	cutoff := now.Add(-r.heartbeatTimeout)

	var flipped []string
	r.mu.Lock()
	for _, node := range r.nodes {
		if node.Status != domain.NodeActive {
			continue
		}
		if node.LastHeartbeatAt.After(cutoff) {
			continue
		}
		node.Status = domain.NodeUnhealthy
		flipped = append(flipped, node.ID)
	}
	snapshots := make([]domain.Node, 0, len(flipped))
	for _, id := range flipped {
		snapshots = append(snapshots, *r.nodes[id])
	}
	r.mu.Unlock()

	sort.Strings(flipped)
	for _, snap := range snapshots {
		if err := r.persist(&snap); err != nil {
			r.log.Error().Err(err).Str("node", snap.ID).Msg("Failed to persist unhealthy status")
		}
		r.log.Warn().Str("node", snap.ID).Time("last_heartbeat", snap.LastHeartbeatAt).
			Msg("Node heartbeat stale, marking unhealthy")
		r.bus.Publish(events.NodeUnhealthy, "registry", map[string]any{"node_id": snap.ID})
	}
	return flipped
}

func (r *Registry) persist(n *domain.Node) error {
	_, err := r.db.Exec(
		`INSERT INTO nodes (id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   host = excluded.host,
		   status = excluded.status,
		   capacity_mb = excluded.capacity_mb,
		   used_mb = excluded.used_mb,
		   agent_version = excluded.agent_version,
		   last_heartbeat_at = excluded.last_heartbeat_at`,
		n.ID, n.Host, string(n.Status), n.CapacityMB, n.UsedMB, n.AgentVersion,
		n.LastHeartbeatAt.UnixMilli(), n.RegisteredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist node %s: %w", n.ID, err)
	}
	return nil
}
