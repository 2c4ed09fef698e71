// Package fleet owns tenant bot instances, their desired-state profiles and
// the migration engine that moves tenants between nodes.
package fleet

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// Repository handles bot instance and profile persistence.
type Repository struct {
	db  *sql.DB // fleet.db - bot_instances, bot_profiles tables
	log zerolog.Logger
}

// NewRepository creates a new fleet repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "fleet").Logger(),
	}
}

// CreateInstanceInput describes a new bot instance.
type CreateInstanceInput struct {
	TenantID    string
	Name        string
	NodeID      string
	EstimatedMB int64
}

// CreateInstance inserts a new instance. EstimatedMB defaults to the
// standard footprint when unset.
func (r *Repository) CreateInstance(input CreateInstanceInput) (*domain.BotInstance, error) {
	if !domain.ValidTenantID(input.TenantID) {
		return nil, fmt.Errorf("invalid tenant id %q: %w", input.TenantID, domain.ErrInvalidInput)
	}
	if input.Name == "" {
		return nil, fmt.Errorf("instance name is required: %w", domain.ErrInvalidInput)
	}

	estimated := input.EstimatedMB
	if estimated <= 0 {
		estimated = 100
	}

	inst := &domain.BotInstance{
		ID:           uuid.NewString(),
		TenantID:     input.TenantID,
		Name:         input.Name,
		NodeID:       input.NodeID,
		BillingState: domain.BillingActive,
		EstimatedMB:  estimated,
		CreatedAt:    time.Now(),
	}

	var nodeID any
	if inst.NodeID != "" {
		nodeID = inst.NodeID
	}
	_, err := r.db.Exec(
		`INSERT INTO bot_instances (id, tenant_id, name, node_id, billing_state, estimated_mb, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TenantID, inst.Name, nodeID, string(inst.BillingState), inst.EstimatedMB,
		inst.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	return inst, nil
}

// GetInstance returns one instance by id.
func (r *Repository) GetInstance(id string) (*domain.BotInstance, error) {
	row := r.db.QueryRow(
		`SELECT id, tenant_id, name, node_id, billing_state, destroy_after, estimated_mb, created_at
		 FROM bot_instances WHERE id = ?`,
		id,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	return inst, err
}

// GetInstanceByTenant returns the tenant's instance.
func (r *Repository) GetInstanceByTenant(tenantID string) (*domain.BotInstance, error) {
	row := r.db.QueryRow(
		`SELECT id, tenant_id, name, node_id, billing_state, destroy_after, estimated_mb, created_at
		 FROM bot_instances WHERE tenant_id = ? LIMIT 1`,
		tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrNotFound)
	}
	return inst, err
}

// ListInstancesByNode returns every instance placed on a node, oldest first.
func (r *Repository) ListInstancesByNode(nodeID string) ([]domain.BotInstance, error) {
	rows, err := r.db.Query(
		`SELECT id, tenant_id, name, node_id, billing_state, destroy_after, estimated_mb, created_at
		 FROM bot_instances WHERE node_id = ? ORDER BY created_at`,
		nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var result []domain.BotInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inst)
	}
	return result, rows.Err()
}

// SetInstanceNode moves an instance's node binding. Empty nodeID unassigns.
func (r *Repository) SetInstanceNode(id, nodeID string) error {
	var val any
	if nodeID != "" {
		val = nodeID
	}
	res, err := r.db.Exec(`UPDATE bot_instances SET node_id = ? WHERE id = ?`, val, id)
	if err != nil {
		return fmt.Errorf("failed to set instance node: %w", err)
	}
	return requireRow(res, id)
}

// SetBillingState transitions an instance's billing lifecycle.
func (r *Repository) SetBillingState(id string, state domain.BillingState, destroyAfter *time.Time) error {
	var after any
	if destroyAfter != nil {
		after = destroyAfter.UnixMilli()
	}
	res, err := r.db.Exec(
		`UPDATE bot_instances SET billing_state = ?, destroy_after = ? WHERE id = ?`,
		string(state), after, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set billing state: %w", err)
	}
	return requireRow(res, id)
}

// DeleteInstance removes an instance and its profile.
func (r *Repository) DeleteInstance(id string) error {
	if _, err := r.db.Exec(`DELETE FROM bot_profiles WHERE instance_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	res, err := r.db.Exec(`DELETE FROM bot_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return requireRow(res, id)
}

// UpsertProfile writes an instance's desired configuration.
func (r *Repository) UpsertProfile(p domain.BotProfile) error {
	if p.InstanceID == "" || p.Image == "" {
		return fmt.Errorf("instance id and image are required: %w", domain.ErrInvalidInput)
	}
	env := p.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO bot_profiles (instance_id, image, env_json, restart_policy, update_policy, release_channel)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		   image = excluded.image,
		   env_json = excluded.env_json,
		   restart_policy = excluded.restart_policy,
		   update_policy = excluded.update_policy,
		   release_channel = excluded.release_channel`,
		p.InstanceID, p.Image, string(envJSON),
		defaultStr(p.RestartPolicy, "unless-stopped"),
		defaultStr(p.UpdatePolicy, "auto"),
		defaultStr(p.ReleaseChannel, "stable"),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// GetProfile returns an instance's profile, or nil when none exists.
// Corrupt env JSON degrades to an empty env rather than blocking the
// migration or recovery that needs the rest of the profile.
func (r *Repository) GetProfile(instanceID string) (*domain.BotProfile, error) {
	var p domain.BotProfile
	var envJSON string
	err := r.db.QueryRow(
		`SELECT instance_id, image, env_json, restart_policy, update_policy, release_channel
		 FROM bot_profiles WHERE instance_id = ?`,
		instanceID,
	).Scan(&p.InstanceID, &p.Image, &envJSON, &p.RestartPolicy, &p.UpdatePolicy, &p.ReleaseChannel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	if err := json.Unmarshal([]byte(envJSON), &p.Env); err != nil {
		r.log.Warn().Str("instance", instanceID).Msg("Corrupt env JSON in profile, using empty env")
		p.Env = map[string]string{}
	}
	return &p, nil
}

func scanInstance(row interface{ Scan(...any) error }) (*domain.BotInstance, error) {
	var inst domain.BotInstance
	var state string
	var nodeID sql.NullString
	var destroyAfter sql.NullInt64
	var createdMS int64
	err := row.Scan(&inst.ID, &inst.TenantID, &inst.Name, &nodeID, &state, &destroyAfter,
		&inst.EstimatedMB, &createdMS)
	if err != nil {
		return nil, err
	}
	inst.NodeID = nodeID.String
	inst.BillingState = domain.BillingState(state)
	inst.CreatedAt = time.UnixMilli(createdMS)
	if destroyAfter.Valid {
		ts := time.UnixMilli(destroyAfter.Int64)
		inst.DestroyAfter = &ts
	}
	return &inst, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
