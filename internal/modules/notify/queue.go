// Package notify implements the persistent notification queue that carries
// the admin-visible side effects of recovery, auto-top-up and drain. Entries
// retry with exponential backoff and dead-letter after a bounded number of
// attempts.
package notify

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// DefaultMaxAttempts is the attempt budget before an entry dead-letters.
const DefaultMaxAttempts = 3

// PendingLimit caps a single GetPending batch.
const PendingLimit = 10

// maxBackoffExponent clamps the retry delay so a misconfigured max_attempts
// cannot schedule multi-day sleeps. 4^6 minutes is the ceiling.
const maxBackoffExponent = 6

// Queue handles notification queue persistence.
type Queue struct {
	db  *sql.DB // ops.db - notification_queue table
	log zerolog.Logger
}

// NewQueue creates a new notification queue backed by ops.db.
func NewQueue(db *sql.DB, log zerolog.Logger) *Queue {
	return &Queue{
		db:  db,
		log: log.With().Str("repo", "notify").Logger(),
	}
}

// EnqueueInput describes one outbound notification.
type EnqueueInput struct {
	TenantID       string
	EmailType      string
	RecipientEmail string
	Payload        map[string]any
	MaxAttempts    int
}

// Enqueue inserts a pending entry and returns it.
func (q *Queue) Enqueue(input EnqueueInput) (*domain.NotificationQueueEntry, error) {
	if input.EmailType == "" || input.RecipientEmail == "" {
		return nil, fmt.Errorf("email type and recipient are required: %w", domain.ErrInvalidInput)
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	payload := "{}"
	if len(input.Payload) > 0 {
		raw, err := json.Marshal(input.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = string(raw)
	}

	entry := &domain.NotificationQueueEntry{
		ID:             uuid.NewString(),
		TenantID:       input.TenantID,
		EmailType:      input.EmailType,
		RecipientEmail: input.RecipientEmail,
		Payload:        payload,
		Status:         domain.NotifyPending,
		MaxAttempts:    maxAttempts,
		CreatedAt:      time.Now(),
	}

	_, err := q.db.Exec(
		`INSERT INTO notification_queue (id, tenant_id, email_type, recipient_email, payload, status, attempts, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		entry.ID, entry.TenantID, entry.EmailType, entry.RecipientEmail, entry.Payload,
		string(entry.Status), entry.MaxAttempts, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	q.log.Debug().Str("id", entry.ID).Str("email_type", entry.EmailType).Msg("Notification enqueued")
	return entry, nil
}

// GetPending returns up to limit dispatchable entries: status pending, or
// failed with retry_after due. Limit is clamped to PendingLimit.
func (q *Queue) GetPending(limit int) ([]domain.NotificationQueueEntry, error) {
	if limit <= 0 || limit > PendingLimit {
		limit = PendingLimit
	}

	rows, err := q.db.Query(
		`SELECT id, tenant_id, email_type, recipient_email, payload, status, attempts, max_attempts,
		        last_attempt_at, last_error, retry_after, sent_at, created_at
		 FROM notification_queue
		 WHERE (status = 'pending' AND (retry_after IS NULL OR retry_after <= ?))
		    OR (status = 'failed' AND retry_after IS NOT NULL AND retry_after <= ?)
		 ORDER BY created_at
		 LIMIT ?`,
		time.Now().UnixMilli(), time.Now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending notifications: %w", err)
	}
	defer rows.Close()

	var result []domain.NotificationQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *entry)
	}
	return result, rows.Err()
}

// MarkSent records a successful dispatch.
func (q *Queue) MarkSent(id string) error {
	now := time.Now().UnixMilli()
	res, err := q.db.Exec(
		`UPDATE notification_queue
		 SET status = 'sent', attempts = attempts + 1, last_attempt_at = ?, sent_at = ?, retry_after = NULL
		 WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return requireRow(res, id)
}

// MarkFailed records a failed dispatch. The ith retry waits 4^(i-1) minutes
// (1, 4, 16, ...); at max_attempts the entry dead-letters and is never
// retried automatically.
func (q *Queue) MarkFailed(id, errMsg string) error {
	var attempts, maxAttempts int
	err := q.db.QueryRow(`SELECT attempts, max_attempts FROM notification_queue WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}

	newAttempts := attempts + 1
	now := time.Now()

	if newAttempts >= maxAttempts {
		_, err = q.db.Exec(
			`UPDATE notification_queue
			 SET status = 'dead_letter', attempts = ?, last_attempt_at = ?, last_error = ?, retry_after = NULL
			 WHERE id = ?`,
			newAttempts, now.UnixMilli(), errMsg, id,
		)
		if err != nil {
			return fmt.Errorf("failed to dead-letter notification: %w", err)
		}
		q.log.Warn().Str("id", id).Str("error", errMsg).Msg("Notification dead-lettered")
		return nil
	}

	retryAfter := now.Add(backoffDelay(newAttempts))
	_, err = q.db.Exec(
		`UPDATE notification_queue
		 SET status = 'failed', attempts = ?, last_attempt_at = ?, last_error = ?, retry_after = ?
		 WHERE id = ?`,
		newAttempts, now.UnixMilli(), errMsg, retryAfter.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	return nil
}

// Get returns one entry by id.
func (q *Queue) Get(id string) (*domain.NotificationQueueEntry, error) {
	row := q.db.QueryRow(
		`SELECT id, tenant_id, email_type, recipient_email, payload, status, attempts, max_attempts,
		        last_attempt_at, last_error, retry_after, sent_at, created_at
		 FROM notification_queue WHERE id = ?`,
		id,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return entry, err
}

// CountByStatus returns queue depth per status for the ops surface.
func (q *Queue) CountByStatus() (map[domain.NotificationStatus]int, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.NotificationStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		result[domain.NotificationStatus(status)] = count
	}
	return result, rows.Err()
}

// backoffDelay returns the wait before the nth retry: 4^(n-1) minutes,
// exponent clamped.
func backoffDelay(attempts int) time.Duration {
	exp := attempts - 1
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return time.Duration(math.Pow(4, float64(exp))) * time.Minute
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.NotificationQueueEntry, error) {
	var e domain.NotificationQueueEntry
	var status string
	var createdMS int64
	var lastAttemptMS, retryAfterMS, sentMS sql.NullInt64
	err := row.Scan(&e.ID, &e.TenantID, &e.EmailType, &e.RecipientEmail, &e.Payload, &status,
		&e.Attempts, &e.MaxAttempts, &lastAttemptMS, &e.LastError, &retryAfterMS, &sentMS, &createdMS)
	if err != nil {
		return nil, err
	}
	e.Status = domain.NotificationStatus(status)
	e.CreatedAt = time.UnixMilli(createdMS)
	if lastAttemptMS.Valid {
		ts := time.UnixMilli(lastAttemptMS.Int64)
		e.LastAttemptAt = &ts
	}
	if retryAfterMS.Valid {
		ts := time.UnixMilli(retryAfterMS.Int64)
		e.RetryAfter = &ts
	}
	if sentMS.Valid {
		ts := time.UnixMilli(sentMS.Int64)
		e.SentAt = &ts
	}
	return &e, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
