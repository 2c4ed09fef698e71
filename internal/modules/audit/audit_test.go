package audit

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
)

func setupLog(t *testing.T) *Log {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ops.db"),
		Profile: database.ProfileStandard,
		Name:    "ops",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	return NewLog(db.Conn(), zerolog.Nop())
}

func TestRecordAndQuery(t *testing.T) {
	l := setupLog(t)

	entry, err := l.Record(Entry{
		AdminUser:    "ops@example.com",
		Action:       "node.drain",
		Category:     "fleet",
		TargetTenant: "t1",
		Details:      map[string]any{"node_id": "node-a"},
		Outcome:      "success",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)

	got, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "node.drain", got[0].Action)
	assert.Equal(t, "node-a", got[0].Details["node_id"])
}

func TestRecordValidation(t *testing.T) {
	l := setupLog(t)
	_, err := l.Record(Entry{Action: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = l.Record(Entry{AdminUser: "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestQueryFiltersAndOrder(t *testing.T) {
	l := setupLog(t)
	for i, action := range []string{"topup.disable", "node.drain", "topup.disable"} {
		_, err := l.Record(Entry{
			AdminUser:    "ops@example.com",
			Action:       action,
			TargetTenant: []string{"t1", "t2", "t1"}[i],
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}

	got, err := l.Query(Filter{Action: "topup.disable"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = l.Query(Filter{TargetTenant: "t2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "node.drain", got[0].Action)

	// Newest first
	all, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, !all[0].CreatedAt.Before(all[1].CreatedAt))

	limited, err := l.Query(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestExportCSV(t *testing.T) {
	l := setupLog(t)
	_, err := l.Record(Entry{
		AdminUser: "ops@example.com",
		Action:    "vault.delete",
		Details:   map[string]any{"note": `quotes "inside", and commas`},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(&buf, Filter{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "vault.delete", records[1][3])
	assert.Contains(t, records[1][9], `quotes "inside"`)
}

func TestExportCSVEmpty(t *testing.T) {
	l := setupLog(t)
	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(&buf, Filter{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1) // header only
}
