package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

const (
	usersFileName = "user_data.json"
	linksFileName = "link_data.json"

	corruptedSuffixLayout = "20060102150405"

	filePerm = 0o600
)

// FileBackend keeps one JSON file per collection inside dir.
type FileBackend struct {
	dir string
	now func() time.Time
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return &FileBackend{dir: dir, now: time.Now}, nil
}

func (b *FileBackend) Path(kind Kind) string {
	switch kind {
	case KindUsers:
		return filepath.Join(b.dir, usersFileName)
	case KindLinks:
		return filepath.Join(b.dir, linksFileName)
	default:
		return filepath.Join(b.dir, string(kind)+".json")
	}
}

func (b *FileBackend) Read(_ context.Context, kind Kind) ([]byte, error) {
	data, err := os.ReadFile(b.Path(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	return data, err
}

// Write replaces the collection file atomically: the snapshot is synced to a
// pending file next to the target and renamed over it.
func (b *FileBackend) Write(_ context.Context, kind Kind, data []byte) error {
	if err := renameio.WriteFile(b.Path(kind), data, filePerm); err != nil {
		return fmt.Errorf("replace %s file: %w", kind, err)
	}

	return nil
}

func (b *FileBackend) Quarantine(_ context.Context, kind Kind) (string, error) {
	target := b.Path(kind)
	backup := target + ".corrupted_" + b.now().Format(corruptedSuffixLayout)

	if err := os.Rename(target, backup); err != nil {
		return "", fmt.Errorf("rename corrupted file: %w", err)
	}

	return backup, nil
}
