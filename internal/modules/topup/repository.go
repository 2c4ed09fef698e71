// Package topup implements threshold-driven and schedule-driven credit
// recharge. The usage path is serialized per tenant by the in-flight flag
// acting as a distributed mutex; both paths circuit-break after three
// consecutive charge failures.
package topup

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// Repository handles auto-top-up settings persistence.
type Repository struct {
	db  *sql.DB // ledger.db - credit_auto_topup_settings table
	log zerolog.Logger
}

// NewRepository creates a new auto-top-up settings repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "topup").Logger(),
	}
}

// Get returns a tenant's settings, or nil when none exist.
func (r *Repository) Get(tenant string) (*domain.AutoTopupSettings, error) {
	row := r.db.QueryRow(
		`SELECT tenant_id, usage_enabled, usage_threshold, usage_topup_amount, usage_consecutive_failures,
		        usage_charge_in_flight, schedule_enabled, schedule_amount, schedule_interval_hours,
		        schedule_next_at, schedule_consecutive_failures
		 FROM credit_auto_topup_settings WHERE tenant_id = ?`,
		tenant,
	)
	s, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load topup settings: %w", err)
	}
	return s, nil
}

// Upsert writes a tenant's settings. The in-flight flag and failure
// counters are runtime state and are not overwritten here.
func (r *Repository) Upsert(s domain.AutoTopupSettings) error {
	var nextAt any
	if s.ScheduleNextAt != nil {
		nextAt = s.ScheduleNextAt.UnixMilli()
	}
	_, err := r.db.Exec(
		`INSERT INTO credit_auto_topup_settings
		 (tenant_id, usage_enabled, usage_threshold, usage_topup_amount, schedule_enabled, schedule_amount, schedule_interval_hours, schedule_next_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   usage_enabled = excluded.usage_enabled,
		   usage_threshold = excluded.usage_threshold,
		   usage_topup_amount = excluded.usage_topup_amount,
		   schedule_enabled = excluded.schedule_enabled,
		   schedule_amount = excluded.schedule_amount,
		   schedule_interval_hours = excluded.schedule_interval_hours,
		   schedule_next_at = excluded.schedule_next_at`,
		s.TenantID, boolToInt(s.UsageEnabled), s.UsageThreshold, s.UsageTopupAmount,
		boolToInt(s.ScheduleEnabled), s.ScheduleAmount, s.ScheduleIntervalHours, nextAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert topup settings: %w", err)
	}
	return nil
}

// TryAcquireInFlight atomically sets the usage in-flight flag. Returns false
// when another attempt already holds it; exactly one concurrent caller wins.
func (r *Repository) TryAcquireInFlight(tenant string) (bool, error) {
	res, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings SET usage_charge_in_flight = 1
		 WHERE tenant_id = ? AND usage_charge_in_flight = 0`,
		tenant,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire in-flight flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearInFlight releases the usage in-flight flag unconditionally.
func (r *Repository) ClearInFlight(tenant string) error {
	_, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings SET usage_charge_in_flight = 0 WHERE tenant_id = ?`,
		tenant,
	)
	if err != nil {
		return fmt.Errorf("failed to clear in-flight flag: %w", err)
	}
	return nil
}

// ResetUsageFailures zeroes the usage failure counter after a success.
func (r *Repository) ResetUsageFailures(tenant string) error {
	_, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings SET usage_consecutive_failures = 0 WHERE tenant_id = ?`,
		tenant,
	)
	return err
}

// IncrementUsageFailures bumps the usage failure counter and returns the
// new value.
func (r *Repository) IncrementUsageFailures(tenant string) (int, error) {
	_, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings SET usage_consecutive_failures = usage_consecutive_failures + 1
		 WHERE tenant_id = ?`,
		tenant,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage failures: %w", err)
	}
	var count int
	err = r.db.QueryRow(
		`SELECT usage_consecutive_failures FROM credit_auto_topup_settings WHERE tenant_id = ?`,
		tenant,
	).Scan(&count)
	return count, err
}

// DisableUsage turns the usage mode off (circuit break).
func (r *Repository) DisableUsage(tenant string) error {
	_, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings SET usage_enabled = 0 WHERE tenant_id = ?`,
		tenant,
	)
	return err
}

// DueSchedules returns tenants with schedule mode enabled and next_at due.
func (r *Repository) DueSchedules(now time.Time) ([]domain.AutoTopupSettings, error) {
	rows, err := r.db.Query(
		`SELECT tenant_id, usage_enabled, usage_threshold, usage_topup_amount, usage_consecutive_failures,
		        usage_charge_in_flight, schedule_enabled, schedule_amount, schedule_interval_hours,
		        schedule_next_at, schedule_consecutive_failures
		 FROM credit_auto_topup_settings
		 WHERE schedule_enabled = 1 AND schedule_next_at IS NOT NULL AND schedule_next_at <= ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var result []domain.AutoTopupSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// AdvanceSchedule records a schedule success: failures reset, next run
// scheduled one interval from now.
func (r *Repository) AdvanceSchedule(tenant string, nextAt time.Time) error {
	_, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings
		 SET schedule_consecutive_failures = 0, schedule_next_at = ? WHERE tenant_id = ?`,
		nextAt.UnixMilli(), tenant,
	)
	return err
}

// IncrementScheduleFailures bumps the schedule failure counter and returns
// the new value.
func (r *Repository) IncrementScheduleFailures(tenant string) (int, error) {
	_, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings SET schedule_consecutive_failures = schedule_consecutive_failures + 1
		 WHERE tenant_id = ?`,
		tenant,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment schedule failures: %w", err)
	}
	var count int
	err = r.db.QueryRow(
		`SELECT schedule_consecutive_failures FROM credit_auto_topup_settings WHERE tenant_id = ?`,
		tenant,
	).Scan(&count)
	return count, err
}

// DisableSchedule turns the schedule mode off (circuit break).
func (r *Repository) DisableSchedule(tenant string) error {
	_, err := r.db.Exec(
		`UPDATE credit_auto_topup_settings SET schedule_enabled = 0 WHERE tenant_id = ?`,
		tenant,
	)
	return err
}

func scanSettings(row interface{ Scan(...any) error }) (*domain.AutoTopupSettings, error) {
	var s domain.AutoTopupSettings
	var usageEnabled, inFlight, scheduleEnabled int
	var nextAt sql.NullInt64
	err := row.Scan(&s.TenantID, &usageEnabled, &s.UsageThreshold, &s.UsageTopupAmount,
		&s.UsageConsecutiveFailures, &inFlight, &scheduleEnabled, &s.ScheduleAmount,
		&s.ScheduleIntervalHours, &nextAt, &s.ScheduleConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	s.UsageEnabled = usageEnabled != 0
	s.UsageChargeInFlight = inFlight != 0
	s.ScheduleEnabled = scheduleEnabled != 0
	if nextAt.Valid {
		ts := time.UnixMilli(nextAt.Int64)
		s.ScheduleNextAt = &ts
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
