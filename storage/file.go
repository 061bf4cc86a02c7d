package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"halbooking-notifier/pkg/notifier"
)

// File stores the snapshot as a JSON document on the local filesystem.
type File struct {
	logger *slog.Logger
	path   string
}

// NewFile creates a file backend writing to path.
func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger}
}

// Name identifies the backend in logs.
func (f *File) Name() string {
	return "file"
}

// Load reads and decodes the snapshot file.
func (f *File) Load(_ context.Context) (map[string]notifier.Event, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot to a temp file next to the target, syncs it and renames it over the
// previous snapshot, so a crash leaves either the old or the new file in place.
func (f *File) Save(_ context.Context, events map[string]notifier.Event) error {
	data, err := encodeSnapshot(events)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			f.logger.Warn("Failed to remove temp snapshot", "path", tmpName, "error", rmErr)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	f.logger.Debug("Snapshot saved to local storage", "path", f.path, "event_count", len(events))
	return nil
}

// Close is a no-op for the file backend.
func (f *File) Close() error {
	return nil
}
