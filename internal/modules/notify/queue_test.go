package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ops.db"),
		Profile: database.ProfileStandard,
		Name:    "ops",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	return NewQueue(db.Conn(), zerolog.Nop())
}

func enqueueOne(t *testing.T, q *Queue) *domain.NotificationQueueEntry {
	t.Helper()
	entry, err := q.Enqueue(EnqueueInput{
		TenantID:       "t1",
		EmailType:      "recovery_report",
		RecipientEmail: "ops@example.com",
		Payload:        map[string]any{"event_id": "evt-1"},
	})
	require.NoError(t, err)
	return entry
}

func TestEnqueueAndGetPending(t *testing.T) {
	q := setupQueue(t)
	entry := enqueueOne(t, q)

	pending, err := q.GetPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)
	assert.Equal(t, domain.NotifyPending, pending[0].Status)
	assert.Equal(t, DefaultMaxAttempts, pending[0].MaxAttempts)
}

func TestEnqueueValidation(t *testing.T) {
	q := setupQueue(t)

	_, err := q.Enqueue(EnqueueInput{EmailType: "", RecipientEmail: "ops@example.com"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMarkSent(t *testing.T) {
	q := setupQueue(t)
	entry := enqueueOne(t, q)

	require.NoError(t, q.MarkSent(entry.ID))

	got, err := q.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotifySent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.SentAt)

	pending, err := q.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkFailedBackoffSchedule(t *testing.T) {
	q := setupQueue(t)
	entry, err := q.Enqueue(EnqueueInput{
		EmailType:      "topup_failed",
		RecipientEmail: "ops@example.com",
		MaxAttempts:    4,
	})
	require.NoError(t, err)

	// Retry i waits 4^(i-1) minutes
	expected := []time.Duration{1 * time.Minute, 4 * time.Minute, 16 * time.Minute}
	for i, want := range expected {
		before := time.Now()
		require.NoError(t, q.MarkFailed(entry.ID, "smtp unreachable"))

		got, err := q.Get(entry.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.NotifyFailed, got.Status)
		assert.Equal(t, i+1, got.Attempts)
		require.NotNil(t, got.RetryAfter)
		assert.WithinDuration(t, before.Add(want), *got.RetryAfter, 5*time.Second)
	}

	// Fourth failure reaches max_attempts: dead letter, no retry_after
	require.NoError(t, q.MarkFailed(entry.ID, "smtp unreachable"))
	got, err := q.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotifyDeadLetter, got.Status)
	assert.Nil(t, got.RetryAfter)

	pending, err := q.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBackoffExponentClamped(t *testing.T) {
	assert.Equal(t, 1*time.Minute, backoffDelay(1))
	assert.Equal(t, 4*time.Minute, backoffDelay(2))
	assert.Equal(t, 4096*time.Minute, backoffDelay(7))
	// Past the clamp the delay stops growing
	assert.Equal(t, 4096*time.Minute, backoffDelay(8))
	assert.Equal(t, 4096*time.Minute, backoffDelay(50))
}

func TestFailedEntryNotPendingUntilRetryAfter(t *testing.T) {
	q := setupQueue(t)
	entry := enqueueOne(t, q)

	require.NoError(t, q.MarkFailed(entry.ID, "boom"))

	// retry_after is a minute away; nothing is dispatchable now
	pending, err := q.GetPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// flakySender fails a fixed number of times, then succeeds.
type flakySender struct {
	failures int
	calls    int
}

func (s *flakySender) Send(_ context.Context, _ domain.NotificationQueueEntry) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("send failed")
	}
	return nil
}

func TestDispatcherMarksOutcomes(t *testing.T) {
	q := setupQueue(t)
	entry := enqueueOne(t, q)

	sender := &flakySender{failures: 0}
	d := NewDispatcher(q, sender, time.Hour, zerolog.Nop())

	dispatched := d.DispatchOnce(context.Background())
	assert.Equal(t, 1, dispatched)

	got, err := q.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotifySent, got.Status)
}

func TestDispatcherFailureGoesThroughQueueBackoff(t *testing.T) {
	q := setupQueue(t)
	entry := enqueueOne(t, q)

	sender := &flakySender{failures: 1}
	d := NewDispatcher(q, sender, time.Hour, zerolog.Nop())

	dispatched := d.DispatchOnce(context.Background())
	assert.Equal(t, 0, dispatched)

	got, err := q.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotifyFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.RetryAfter)
}

func TestAdminNotifierEnqueues(t *testing.T) {
	q := setupQueue(t)
	n := NewAdminNotifier(q, "ops@example.com", zerolog.Nop())

	err := n.NotifyAdmin(context.Background(), "waiting_tenants_expired", map[string]any{
		"tenant_id": "t1",
		"event_id":  "evt-1",
		"count":     2,
	})
	require.NoError(t, err)

	pending, err := q.GetPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "waiting_tenants_expired", pending[0].EmailType)
	assert.Equal(t, "t1", pending[0].TenantID)
	assert.Contains(t, pending[0].Payload, "evt-1")
}
