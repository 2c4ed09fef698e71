package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// LocalStore implements domain.BackupStore on a plain directory. Used in
// development when no S3 bucket is configured.
type LocalStore struct {
	dir string
	log zerolog.Logger
}

// NewLocalStore creates the store rooted at dir.
func NewLocalStore(dir string, log zerolog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &LocalStore{
		dir: dir,
		log: log.With().Str("service", "backup_store").Logger(),
	}, nil
}

var _ domain.BackupStore = (*LocalStore)(nil)

// path rejects anything that is not a bare filename.
func (s *LocalStore) path(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid backup filename %q: %w", filename, domain.ErrInvalidInput)
	}
	return filepath.Join(s.dir, filename), nil
}

func (s *LocalStore) Put(_ context.Context, filename string, data []byte) error {
	p, err := s.path(filename)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0644)
}

func (s *LocalStore) Get(_ context.Context, filename string) ([]byte, error) {
	p, err := s.path(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("backup %s: %w", filename, domain.ErrNotFound)
	}
	return data, err
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			keys = append(keys, entry.Name())
		}
	}
	return keys, nil
}

func (s *LocalStore) Delete(_ context.Context, filename string) error {
	p, err := s.path(filename)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("backup %s: %w", filename, domain.ErrNotFound)
	}
	return err
}
