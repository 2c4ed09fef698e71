// Package audit records admin actions in an append-only log. There is no
// update or delete path on purpose.
package audit

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// QueryLimit caps a single audit query.
const QueryLimit = 250

// Entry is one audit log row.
type Entry struct {
	ID           string         `json:"id"`
	AdminUser    string         `json:"admin_user"`
	Action       string         `json:"action"`
	Category     string         `json:"category,omitempty"`
	TargetTenant string         `json:"target_tenant,omitempty"`
	TargetUser   string         `json:"target_user,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Log handles audit persistence.
type Log struct {
	db  *sql.DB // ops.db - admin_audit_log table
	log zerolog.Logger
}

// NewLog creates the audit log.
func NewLog(db *sql.DB, log zerolog.Logger) *Log {
	return &Log{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// Record appends one entry. ID and CreatedAt are assigned here.
func (l *Log) Record(entry Entry) (*Entry, error) {
	if entry.AdminUser == "" || entry.Action == "" {
		return nil, fmt.Errorf("admin user and action are required: %w", domain.ErrInvalidInput)
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now()

	details := "{}"
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal details: %w", err)
		}
		details = string(raw)
	}

	_, err := l.db.Exec(
		`INSERT INTO admin_audit_log (id, admin_user, action, category, target_tenant, target_user, details, ip_address, user_agent, created_at, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AdminUser, entry.Action, entry.Category, entry.TargetTenant, entry.TargetUser,
		details, entry.IPAddress, entry.UserAgent, entry.CreatedAt.UnixMilli(), entry.Outcome,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record audit entry: %w", err)
	}
	return &entry, nil
}

// Filter narrows an audit query. Zero values match everything.
type Filter struct {
	AdminUser    string
	Action       string
	Category     string
	TargetTenant string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Query returns matching entries newest-first, limit clamped to QueryLimit.
func (l *Log) Query(filter Filter) ([]Entry, error) {
	query := `SELECT id, admin_user, action, category, target_tenant, target_user, details, ip_address, user_agent, created_at, outcome
	          FROM admin_audit_log WHERE 1=1`
	var args []any
	if filter.AdminUser != "" {
		query += ` AND admin_user = ?`
		args = append(args, filter.AdminUser)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.TargetTenant != "" {
		query += ` AND target_tenant = ?`
		args = append(args, filter.TargetTenant)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.Until.UnixMilli())
	}

	limit := filter.Limit
	if limit <= 0 || limit > QueryLimit {
		limit = QueryLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		var details string
		var createdMS int64
		if err := rows.Scan(&e.ID, &e.AdminUser, &e.Action, &e.Category, &e.TargetTenant,
			&e.TargetUser, &details, &e.IPAddress, &e.UserAgent, &createdMS, &e.Outcome); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdMS)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			e.Details = map[string]any{"raw": details}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

var csvHeader = []string{
	"id", "created_at", "admin_user", "action", "category",
	"target_tenant", "target_user", "outcome", "ip_address", "details",
}

// ExportCSV streams matching entries as CSV. Details are JSON-serialized in
// the last column; csv handles the escaping.
func (l *Log) ExportCSV(w io.Writer, filter Filter) error {
	entries, err := l.Query(filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		details := "{}"
		if len(e.Details) > 0 {
			raw, err := json.Marshal(e.Details)
			if err == nil {
				details = string(raw)
			}
		}
		record := []string{
			e.ID, e.CreatedAt.UTC().Format(time.RFC3339), e.AdminUser, e.Action, e.Category,
			e.TargetTenant, e.TargetUser, e.Outcome, e.IPAddress, details,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
