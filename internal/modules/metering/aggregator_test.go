package metering

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/domain"
)

const window = 60 * time.Second

func setupAggregator(t *testing.T) (*Repository, *Aggregator) {
	t.Helper()
	repo := setupRepo(t)
	return repo, NewAggregator(repo, window, zerolog.Nop())
}

func insertEvents(t *testing.T, repo *Repository, events ...domain.MeterEvent) {
	t.Helper()
	_, err := repo.InsertBatch(events)
	require.NoError(t, err)
}

func eventAt(id, tenant string, ts int64, cost, charge int64) domain.MeterEvent {
	return domain.MeterEvent{
		ID:         id,
		Tenant:     tenant,
		Capability: "chat",
		Provider:   "openai",
		Cost:       cost,
		Charge:     charge,
		Timestamp:  ts,
	}
}

func TestAggregateRollsUpWindow(t *testing.T) {
	repo, agg := setupAggregator(t)

	ws := floorToWindow(time.Now().Add(-10*time.Minute).UnixMilli(), window)
	costs := []int64{1, 2, 3, 4, 5}
	charges := []int64{2, 4, 6, 8, 10}
	for i := range costs {
		insertEvents(t, repo, eventAt(
			"ev-"+string(rune('a'+i)), "billing-test", ws+int64(i*1000), costs[i], charges[i]))
	}

	require.NoError(t, agg.Aggregate(time.Now()))

	total, err := agg.GetTenantTotal("billing-test", time.UnixMilli(0))
	require.NoError(t, err)
	assert.Equal(t, int64(15), total.TotalCost)
	assert.Equal(t, int64(30), total.TotalCharge)
	assert.Equal(t, int64(5), total.EventCount)
}

func TestAggregateIsIdempotent(t *testing.T) {
	repo, agg := setupAggregator(t)

	ws := floorToWindow(time.Now().Add(-5*time.Minute).UnixMilli(), window)
	insertEvents(t, repo, eventAt("ev-1", "t1", ws+500, 3, 6))

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, agg.Aggregate(now))
	}

	summaries, err := repo.QuerySummaries("t1", SummaryFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(1), summaries[0].EventCount)
	assert.Equal(t, int64(3), summaries[0].TotalCost)
}

func TestAggregateGapFill(t *testing.T) {
	repo, agg := setupAggregator(t)

	// Events in the first and fourth of four elapsed windows
	base := floorToWindow(time.Now().Add(-10*time.Minute).UnixMilli(), window)
	w := window.Milliseconds()
	insertEvents(t, repo,
		eventAt("ev-1", "t1", base+10, 1, 2),
		eventAt("ev-2", "t1", base+3*w+10, 1, 2),
	)

	require.NoError(t, agg.Aggregate(time.Now()))

	// Every window between the first event and now is marked: two with real
	// summaries, the rest with sentinel rows.
	currentWS := floorToWindow(time.Now().UnixMilli(), window)
	for ws := base; ws+w <= currentWS; ws += w {
		rows, err := repo.SummariesForWindow(ws)
		require.NoError(t, err)
		assert.NotEmpty(t, rows, "window %d unmarked", ws)
	}

	// Sentinel windows are invisible to queries
	summaries, err := repo.QuerySummaries("t1", SummaryFilter{})
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	sentinelRows, err := repo.SummariesForWindow(base + w)
	require.NoError(t, err)
	require.Len(t, sentinelRows, 1)
	assert.Equal(t, SentinelTenant, sentinelRows[0].Tenant)
}

func TestAggregateBoundaryHalfOpen(t *testing.T) {
	repo, agg := setupAggregator(t)

	ws := floorToWindow(time.Now().Add(-10*time.Minute).UnixMilli(), window)
	w := window.Milliseconds()

	// Event exactly at window start belongs to that window; event exactly at
	// window end belongs to the next window.
	insertEvents(t, repo,
		eventAt("ev-start", "t1", ws, 1, 1),
		eventAt("ev-end", "t1", ws+w, 1, 1),
	)

	require.NoError(t, agg.Aggregate(time.Now()))

	first, err := repo.SummariesForWindow(ws)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(1), first[0].EventCount)

	second, err := repo.SummariesForWindow(ws + w)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "t1", second[0].Tenant)
	assert.Equal(t, int64(1), second[0].EventCount)
}

func TestCurrentWindowNeverAggregated(t *testing.T) {
	repo, agg := setupAggregator(t)

	now := time.Now()
	currentWS := floorToWindow(now.UnixMilli(), window)
	insertEvents(t, repo, eventAt("ev-now", "t1", currentWS+10, 1, 1))

	require.NoError(t, agg.Aggregate(now))

	rows, err := repo.SummariesForWindow(currentWS)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAggregateGroupsByCapabilityAndProvider(t *testing.T) {
	repo, agg := setupAggregator(t)

	ws := floorToWindow(time.Now().Add(-5*time.Minute).UnixMilli(), window)
	a := eventAt("ev-1", "t1", ws+1, 1, 2)
	b := eventAt("ev-2", "t1", ws+2, 3, 4)
	b.Capability = "speech"
	c := eventAt("ev-3", "t1", ws+3, 5, 6)
	c.Provider = "anthropic"
	insertEvents(t, repo, a, b, c)

	require.NoError(t, agg.Aggregate(time.Now()))

	summaries, err := repo.QuerySummaries("t1", SummaryFilter{})
	require.NoError(t, err)
	assert.Len(t, summaries, 3)
}

func TestAggregateNoEventsIsNoop(t *testing.T) {
	_, agg := setupAggregator(t)
	require.NoError(t, agg.Aggregate(time.Now()))
}
