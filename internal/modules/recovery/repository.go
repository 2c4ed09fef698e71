// Package recovery restores tenants from dead nodes: immediate re-placement
// where capacity exists, a waiting list where it does not, and a hard 24h
// cap so no event stays open forever.
package recovery

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// Repository handles recovery event and item persistence.
type Repository struct {
	db  *sql.DB // ops.db - recovery_events, recovery_items tables
	log zerolog.Logger
}

// NewRepository creates a new recovery repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "recovery").Logger(),
	}
}

// CreateEvent inserts an in-progress event for a dead node.
func (r *Repository) CreateEvent(nodeID string, trigger domain.RecoveryTrigger, tenantsTotal int) (*domain.RecoveryEvent, error) {
	event := &domain.RecoveryEvent{
		ID:           uuid.NewString(),
		NodeID:       nodeID,
		Trigger:      trigger,
		Status:       domain.RecoveryInProgress,
		TenantsTotal: tenantsTotal,
		StartedAt:    time.Now(),
	}
	_, err := r.db.Exec(
		`INSERT INTO recovery_events (id, node_id, trigger_kind, status, tenants_total, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.NodeID, string(event.Trigger), string(event.Status),
		event.TenantsTotal, event.StartedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery event: %w", err)
	}
	return event, nil
}

// GetEvent returns one event by id.
func (r *Repository) GetEvent(id string) (*domain.RecoveryEvent, error) {
	row := r.db.QueryRow(
		`SELECT id, node_id, trigger_kind, status, tenants_total, tenants_recovered, tenants_failed,
		        tenants_waiting, started_at, completed_at, report_json
		 FROM recovery_events WHERE id = ?`,
		id,
	)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recovery event %s: %w", id, domain.ErrNotFound)
	}
	return event, err
}

// ListOpenEvents returns in-progress and partial events, oldest first.
func (r *Repository) ListOpenEvents() ([]domain.RecoveryEvent, error) {
	rows, err := r.db.Query(
		`SELECT id, node_id, trigger_kind, status, tenants_total, tenants_recovered, tenants_failed,
		        tenants_waiting, started_at, completed_at, report_json
		 FROM recovery_events WHERE status IN ('in_progress', 'partial') ORDER BY started_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open recovery events: %w", err)
	}
	defer rows.Close()

	var result []domain.RecoveryEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *event)
	}
	return result, rows.Err()
}

// FinalizeEvent writes an event's terminal (or partial) state and counts.
func (r *Repository) FinalizeEvent(id string, status domain.RecoveryStatus, recovered, failed, waiting int, reportJSON string, completedAt *time.Time) error {
	var completed any
	if completedAt != nil {
		completed = completedAt.UnixMilli()
	}
	_, err := r.db.Exec(
		`UPDATE recovery_events
		 SET status = ?, tenants_recovered = ?, tenants_failed = ?, tenants_waiting = ?,
		     report_json = ?, completed_at = ?
		 WHERE id = ?`,
		string(status), recovered, failed, waiting, reportJSON, completed, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize recovery event: %w", err)
	}
	return nil
}

// CreateItem inserts one per-tenant item.
func (r *Repository) CreateItem(item domain.RecoveryItem) (*domain.RecoveryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.StartedAt.IsZero() {
		item.StartedAt = time.Now()
	}
	var target any
	if item.TargetNode != "" {
		target = item.TargetNode
	}
	var completed any
	if item.CompletedAt != nil {
		completed = item.CompletedAt.UnixMilli()
	}
	_, err := r.db.Exec(
		`INSERT INTO recovery_items (id, recovery_event_id, tenant, instance_id, source_node, target_node, status, reason, retry_count, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RecoveryEventID, item.Tenant, item.InstanceID, item.SourceNode, target,
		string(item.Status), item.Reason, item.RetryCount, item.StartedAt.UnixMilli(), completed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery item: %w", err)
	}
	return &item, nil
}

// SetItemOutcome moves an item to a new status with its reason and target.
func (r *Repository) SetItemOutcome(id string, status domain.RecoveryItemStatus, reason, targetNode string, completedAt *time.Time) error {
	var target any
	if targetNode != "" {
		target = targetNode
	}
	var completed any
	if completedAt != nil {
		completed = completedAt.UnixMilli()
	}
	_, err := r.db.Exec(
		`UPDATE recovery_items SET status = ?, reason = ?, target_node = ?, completed_at = ? WHERE id = ?`,
		string(status), reason, target, completed, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update recovery item: %w", err)
	}
	return nil
}

// IncrementItemRetry bumps an item's retry counter.
func (r *Repository) IncrementItemRetry(id string) error {
	_, err := r.db.Exec(`UPDATE recovery_items SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// ListItems returns every item of an event, creation order.
func (r *Repository) ListItems(eventID string) ([]domain.RecoveryItem, error) {
	return r.listItems(eventID, "")
}

// ListWaitingItems returns an event's waiting items, creation order.
func (r *Repository) ListWaitingItems(eventID string) ([]domain.RecoveryItem, error) {
	return r.listItems(eventID, string(domain.ItemWaiting))
}

func (r *Repository) listItems(eventID, status string) ([]domain.RecoveryItem, error) {
	query := `SELECT id, recovery_event_id, tenant, instance_id, source_node, target_node, status, reason, retry_count, started_at, completed_at
	          FROM recovery_items WHERE recovery_event_id = ?`
	args := []any{eventID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at, id`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery items: %w", err)
	}
	defer rows.Close()

	var result []domain.RecoveryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}
	return result, rows.Err()
}

// CountItemsByStatus returns the per-status item counts for an event.
func (r *Repository) CountItemsByStatus(eventID string) (map[domain.RecoveryItemStatus]int, error) {
	rows, err := r.db.Query(
		`SELECT status, COUNT(*) FROM recovery_items WHERE recovery_event_id = ? GROUP BY status`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count recovery items: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.RecoveryItemStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[domain.RecoveryItemStatus(status)] = count
	}
	return result, rows.Err()
}

func scanEvent(row interface{ Scan(...any) error }) (*domain.RecoveryEvent, error) {
	var e domain.RecoveryEvent
	var trigger, status string
	var startedMS int64
	var completedMS sql.NullInt64
	err := row.Scan(&e.ID, &e.NodeID, &trigger, &status, &e.TenantsTotal, &e.TenantsRecovered,
		&e.TenantsFailed, &e.TenantsWaiting, &startedMS, &completedMS, &e.ReportJSON)
	if err != nil {
		return nil, err
	}
	e.Trigger = domain.RecoveryTrigger(trigger)
	e.Status = domain.RecoveryStatus(status)
	e.StartedAt = time.UnixMilli(startedMS)
	if completedMS.Valid {
		ts := time.UnixMilli(completedMS.Int64)
		e.CompletedAt = &ts
	}
	return &e, nil
}

func scanItem(row interface{ Scan(...any) error }) (*domain.RecoveryItem, error) {
	var it domain.RecoveryItem
	var status string
	var target sql.NullString
	var startedMS int64
	var completedMS sql.NullInt64
	err := row.Scan(&it.ID, &it.RecoveryEventID, &it.Tenant, &it.InstanceID, &it.SourceNode,
		&target, &status, &it.Reason, &it.RetryCount, &startedMS, &completedMS)
	if err != nil {
		return nil, err
	}
	it.TargetNode = target.String
	it.Status = domain.RecoveryItemStatus(status)
	it.StartedAt = time.UnixMilli(startedMS)
	if completedMS.Valid {
		ts := time.UnixMilli(completedMS.Int64)
		it.CompletedAt = &ts
	}
	return &it, nil
}
