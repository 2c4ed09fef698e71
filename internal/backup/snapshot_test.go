package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Put(_ context.Context, filename string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[filename] = append([]byte(nil), data...)
	return nil
}

func (m *memoryStore) Get(_ context.Context, filename string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[filename]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *memoryStore) Delete(_ context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, filename)
	return nil
}

func openDB(t *testing.T, dir, name string) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func setupService(t *testing.T) (*SnapshotService, *memoryStore) {
	t.Helper()
	dir := t.TempDir()
	store := newMemoryStore()
	svc := NewSnapshotService(store, map[string]*database.DB{
		"fleet":  openDB(t, dir, "fleet"),
		"ledger": openDB(t, dir, "ledger"),
	}, dir, zerolog.Nop())
	return svc, store
}

func extractArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = content
	}
	return files
}

func TestCreateAndUpload(t *testing.T) {
	svc, store := setupService(t)

	archiveName, err := svc.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(archiveName, archivePrefix))
	assert.True(t, strings.HasSuffix(archiveName, archiveSuffix))

	data, err := store.Get(context.Background(), archiveName)
	require.NoError(t, err)

	files := extractArchive(t, data)
	require.Contains(t, files, "backup-metadata.json")
	require.Contains(t, files, "fleet.db")
	require.Contains(t, files, "ledger.db")

	var metadata SnapshotMetadata
	require.NoError(t, json.Unmarshal(files["backup-metadata.json"], &metadata))
	require.Len(t, metadata.Databases, 2)

	for _, db := range metadata.Databases {
		content, ok := files[db.Filename]
		require.True(t, ok, db.Filename)
		assert.Equal(t, int64(len(content)), db.SizeBytes)
		assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(content)), db.Checksum)
	}
}

func TestDownloadRejectsForeignKeys(t *testing.T) {
	svc, store := setupService(t)
	require.NoError(t, store.Put(context.Background(), "bot-archive-t1.tar.gz", []byte("x")))

	_, err := svc.Download(context.Background(), "bot-archive-t1.tar.gz")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	for _, ts := range []string{"2026-08-01-120000", "2026-08-10-120000", "2026-08-05-120000"} {
		require.NoError(t, store.Put(ctx, archivePrefix+ts+archiveSuffix, []byte("x")))
	}
	require.NoError(t, store.Put(ctx, archivePrefix+"not-a-timestamp"+archiveSuffix, []byte("x")))
	require.NoError(t, store.Put(ctx, "bot-archive-t1.tar.gz", []byte("x")))

	snapshots, err := svc.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	assert.Equal(t, archivePrefix+"2026-08-10-120000"+archiveSuffix, snapshots[0].Filename)
	assert.Equal(t, archivePrefix+"2026-08-01-120000"+archiveSuffix, snapshots[2].Filename)
}

func TestRotateKeepsMinimum(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	// Five snapshots, all far past any retention window.
	base := time.Now().AddDate(0, 0, -100)
	for i := 0; i < 5; i++ {
		name := archivePrefix + base.AddDate(0, 0, i).Format(timestampLayout) + archiveSuffix
		require.NoError(t, store.Put(ctx, name, []byte("x")))
	}

	deleted, err := svc.RotateOldSnapshots(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := svc.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestRotateZeroRetentionKeepsAll(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	base := time.Now().AddDate(0, 0, -100)
	for i := 0; i < 5; i++ {
		name := archivePrefix + base.AddDate(0, 0, i).Format(timestampLayout) + archiveSuffix
		require.NoError(t, store.Put(ctx, name, []byte("x")))
	}

	deleted, err := svc.RotateOldSnapshots(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	remaining, err := svc.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 5)
}

func TestRotateKeepsFreshSnapshots(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		name := archivePrefix + time.Now().AddDate(0, 0, -i).Format(timestampLayout) + archiveSuffix
		require.NoError(t, store.Put(ctx, name, []byte("x")))
	}

	deleted, err := svc.RotateOldSnapshots(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
