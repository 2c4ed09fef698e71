package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
)

const (
	archivePrefix   = "warden-backup-"
	archiveSuffix   = ".tar.gz"
	timestampLayout = "2006-01-02-150405"

	// Rotation never goes below this regardless of retention settings.
	minBackupsToKeep = 3
)

// SnapshotMetadata describes one control-plane snapshot archive.
type SnapshotMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// SnapshotInfo is a stored archive as seen from the store listing.
type SnapshotInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	AgeHours  int64     `json:"age_hours"`
}

// SnapshotService archives the control-plane databases and uploads them to
// the shared store. Snapshots use VACUUM INTO so the copy is consistent
// without stopping writers.
type SnapshotService struct {
	store     domain.BackupStore
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewSnapshotService creates the snapshot service.
func NewSnapshotService(store domain.BackupStore, databases map[string]*database.DB, dataDir string, log zerolog.Logger) *SnapshotService {
	return &SnapshotService{
		store:     store,
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("service", "snapshot").Logger(),
	}
}

// CreateAndUpload snapshots every registered database into a tar.gz archive
// and uploads it. Returns the archive filename.
func (s *SnapshotService) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting control-plane snapshot")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "snapshot-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	dbNames := lo.Keys(s.databases)
	sort.Strings(dbNames)

	metadata := SnapshotMetadata{
		Timestamp: time.Now().UTC(),
		Version:   "1.0.0",
		Databases: make([]DatabaseMetadata, 0, len(dbNames)),
	}

	for _, dbName := range dbNames {
		dbPath := filepath.Join(stagingDir, dbName+".db")

		if err := s.snapshotDatabase(dbName, dbPath); err != nil {
			return "", fmt.Errorf("failed to snapshot %s: %w", dbName, err)
		}

		info, err := os.Stat(dbPath)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s snapshot: %w", dbName, err)
		}

		checksum, err := fileChecksum(dbPath)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s: %w", dbName, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      dbName,
			Filename:  dbName + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := archivePrefix + time.Now().Format(timestampLayout) + archiveSuffix
	archivePath := filepath.Join(stagingDir, archiveName)

	members := append(lo.Map(dbNames, func(name string, _ int) string { return name + ".db" }), "backup-metadata.json")
	if err := createArchive(archivePath, stagingDir, members); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	data, err := os.ReadFile(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to read archive: %w", err)
	}

	if err := s.store.Put(ctx, archiveName, data); err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("archive", archiveName).
		Int("size_bytes", len(data)).
		Msg("Snapshot uploaded")

	return archiveName, nil
}

// Download fetches a stored archive by filename.
func (s *SnapshotService) Download(ctx context.Context, filename string) ([]byte, error) {
	if !strings.HasPrefix(filename, archivePrefix) {
		return nil, fmt.Errorf("not a snapshot archive: %s: %w", filename, domain.ErrInvalidInput)
	}
	return s.store.Get(ctx, filename)
}

// ListSnapshots returns stored archives newest-first.
func (s *SnapshotService) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	keys, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	now := time.Now()
	snapshots := make([]SnapshotInfo, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, archiveSuffix) {
			continue
		}
		timestampStr := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), archiveSuffix)
		timestamp, err := time.Parse(timestampLayout, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", key).Msg("Failed to parse timestamp from filename")
			continue
		}
		snapshots = append(snapshots, SnapshotInfo{
			Filename:  key,
			Timestamp: timestamp,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// RotateOldSnapshots deletes archives older than retentionDays, always
// keeping the newest minBackupsToKeep. retentionDays of 0 keeps everything.
func (s *SnapshotService) RotateOldSnapshots(ctx context.Context, retentionDays int) (int, error) {
	snapshots, err := s.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= minBackupsToKeep || retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, snapshot := range snapshots {
		if i < minBackupsToKeep {
			continue
		}
		if !snapshot.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, snapshot.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", snapshot.Filename).Msg("Failed to delete old snapshot")
			continue
		}
		s.log.Info().Str("filename", snapshot.Filename).Time("timestamp", snapshot.Timestamp).Msg("Deleted old snapshot")
		deleted++
	}
	return deleted, nil
}

// snapshotDatabase copies one database with VACUUM INTO. The result has no
// WAL sidecar and is safe to archive as a single file.
func (s *SnapshotService) snapshotDatabase(dbName, destPath string) error {
	db, ok := s.databases[dbName]
	if !ok {
		return fmt.Errorf("database %s not registered", dbName)
	}
	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata SnapshotMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
