// Package metering implements the usage metering pipeline: a WAL-backed
// durable emitter feeding meter_events, and a time-windowed aggregator
// rolling events up into usage_summaries.
package metering

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// SentinelTenant marks a processed-but-empty aggregation window. Query
// operations filter these rows out.
const SentinelTenant = "__sentinel__"

// Repository handles meter event and usage summary persistence.
type Repository struct {
	db  *sql.DB // metering.db
	log zerolog.Logger
}

// NewRepository creates a new metering repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "metering").Logger(),
	}
}

// InsertBatch inserts a batch of events in one transaction. Events whose id
// already exists are skipped, which makes WAL replay idempotent. Returns the
// number of rows actually inserted.
func (r *Repository) InsertBatch(events []domain.MeterEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO meter_events
		 (id, tenant, capability, provider, cost, charge, timestamp_ms, session_id, duration_ms, usage_units, unit_type, tier, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range events {
		metadata := "{}"
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				return inserted, fmt.Errorf("failed to marshal metadata for event %s: %w", e.ID, err)
			}
			metadata = string(raw)
		}
		res, err := stmt.Exec(e.ID, e.Tenant, e.Capability, e.Provider, e.Cost, e.Charge,
			e.Timestamp, e.SessionID, e.DurationMS, e.UsageUnits, e.UnitType, e.Tier, metadata)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch insert: %w", err)
	}
	return inserted, nil
}

// HasEvent reports whether an event id is already durable in storage.
func (r *Repository) HasEvent(id string) (bool, error) {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM meter_events WHERE id = ? LIMIT 1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return true, nil
}

// EarliestEventTimestamp returns the smallest event timestamp in millis, or
// ok=false when no events exist.
func (r *Repository) EarliestEventTimestamp() (int64, bool, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(`SELECT MIN(timestamp_ms) FROM meter_events`).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read earliest timestamp: %w", err)
	}
	return ts.Int64, ts.Valid, nil
}

// EventsBetween returns events with ws <= timestamp < we (half-open window).
func (r *Repository) EventsBetween(ws, we int64) ([]domain.MeterEvent, error) {
	rows, err := r.db.Query(
		`SELECT id, tenant, capability, provider, cost, charge, timestamp_ms, session_id, duration_ms, usage_units, unit_type, tier
		 FROM meter_events WHERE timestamp_ms >= ? AND timestamp_ms < ? ORDER BY timestamp_ms`,
		ws, we,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query window events: %w", err)
	}
	defer rows.Close()

	var events []domain.MeterEvent
	for rows.Next() {
		var e domain.MeterEvent
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Capability, &e.Provider, &e.Cost, &e.Charge,
			&e.Timestamp, &e.SessionID, &e.DurationMS, &e.UsageUnits, &e.UnitType, &e.Tier); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastAggregatedWindowEnd returns the high-water mark of aggregation:
// the largest window_end across all summaries, sentinels included.
func (r *Repository) LastAggregatedWindowEnd() (int64, bool, error) {
	var we sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(window_end) FROM usage_summaries`).Scan(&we)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read aggregation high-water mark: %w", err)
	}
	return we.Int64, we.Valid, nil
}

// InsertSummary writes one summary row with insert-if-absent semantics.
// A summary is never updated once written.
func (r *Repository) InsertSummary(s domain.UsageSummary) error {
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO usage_summaries
		 (window_start, window_end, tenant, capability, provider, event_count, total_cost, total_charge, total_duration, total_usage_units)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.WindowStart, s.WindowEnd, s.Tenant, s.Capability, s.Provider,
		s.EventCount, s.TotalCost, s.TotalCharge, s.TotalDuration, s.TotalUsageUnits,
	)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

// TenantTotal aggregates all non-sentinel summaries for a tenant.
type TenantTotal struct {
	TotalCost   int64 `json:"total_cost"`
	TotalCharge int64 `json:"total_charge"`
	EventCount  int64 `json:"event_count"`
}

// GetTenantTotal sums the tenant's summaries with window_start >= since.
func (r *Repository) GetTenantTotal(tenant string, since int64) (*TenantTotal, error) {
	var t TenantTotal
	err := r.db.QueryRow(
		`SELECT COALESCE(SUM(total_cost), 0), COALESCE(SUM(total_charge), 0), COALESCE(SUM(event_count), 0)
		 FROM usage_summaries WHERE tenant = ? AND tenant != ? AND window_start >= ?`,
		tenant, SentinelTenant, since,
	).Scan(&t.TotalCost, &t.TotalCharge, &t.EventCount)
	if err != nil {
		return nil, fmt.Errorf("failed to total usage: %w", err)
	}
	return &t, nil
}

// SummaryFilter narrows QuerySummaries.
type SummaryFilter struct {
	Since *int64
	Until *int64
}

// QuerySummaries returns a tenant's summaries oldest-first. Sentinel rows
// are never returned.
func (r *Repository) QuerySummaries(tenant string, filter SummaryFilter) ([]domain.UsageSummary, error) {
	query := `SELECT window_start, window_end, tenant, capability, provider, event_count, total_cost, total_charge, total_duration, total_usage_units
	          FROM usage_summaries WHERE tenant = ? AND tenant != ?`
	args := []any{tenant, SentinelTenant}

	if filter.Since != nil {
		query += " AND window_start >= ?"
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += " AND window_start < ?"
		args = append(args, *filter.Until)
	}
	query += " ORDER BY window_start"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var result []domain.UsageSummary
	for rows.Next() {
		var s domain.UsageSummary
		if err := rows.Scan(&s.WindowStart, &s.WindowEnd, &s.Tenant, &s.Capability, &s.Provider,
			&s.EventCount, &s.TotalCost, &s.TotalCharge, &s.TotalDuration, &s.TotalUsageUnits); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// SummariesForWindow returns every row keyed to a window start, sentinels
// included. Used by the aggregator and tests to tell "processed but empty"
// apart from "never processed".
func (r *Repository) SummariesForWindow(ws int64) ([]domain.UsageSummary, error) {
	rows, err := r.db.Query(
		`SELECT window_start, window_end, tenant, capability, provider, event_count, total_cost, total_charge, total_duration, total_usage_units
		 FROM usage_summaries WHERE window_start = ?`,
		ws,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query window summaries: %w", err)
	}
	defer rows.Close()

	var result []domain.UsageSummary
	for rows.Next() {
		var s domain.UsageSummary
		if err := rows.Scan(&s.WindowStart, &s.WindowEnd, &s.Tenant, &s.Capability, &s.Provider,
			&s.EventCount, &s.TotalCost, &s.TotalCharge, &s.TotalDuration, &s.TotalUsageUnits); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// floorToWindow floors a millisecond timestamp to the window size.
func floorToWindow(ts int64, window time.Duration) int64 {
	w := window.Milliseconds()
	return (ts / w) * w
}
