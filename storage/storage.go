// Package storage handles persistence of the seen-events snapshot.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"halbooking-notifier/pkg/notifier"
)

// ErrNotFound is returned by a Backend when no snapshot has been written yet.
var ErrNotFound = errors.New("storage: snapshot doesn't exist")

// Backend is a durable medium for the event snapshot.
// Save must replace the previous snapshot atomically.
type Backend interface {
	Name() string
	Load(ctx context.Context) (map[string]notifier.Event, error)
	Save(ctx context.Context, events map[string]notifier.Event) error
	Close() error
}

// PersistenceError reports a failed snapshot read or write.
// The in-memory store stays authoritative when this happens.
type PersistenceError struct {
	Op      string // "load" or "save"
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s snapshot (%s): %v", e.Op, e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if an error indicates that no snapshot exists yet.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Config selects and configures a Backend.
type Config struct {
	Driver          string // file, gcs or sqlite
	Path            string // file and sqlite
	Bucket          string // gcs
	Object          string // gcs
	CredentialsJSON string // gcs, optional
}

// Open initializes the configured backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		if cfg.Path == "" {
			return nil, errors.New("storage path is required for file driver")
		}
		return NewFile(cfg.Path, logger), nil
	case "gcs":
		g, err := OpenGCS(ctx, cfg.Bucket, cfg.Object, cfg.CredentialsJSON, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "sqlite", "sqlite3":
		s, err := OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// Load reads the persisted snapshot. A missing snapshot yields an empty store; a corrupt or
// unreadable one is logged and also yields an empty store.
func Load(ctx context.Context, b Backend, logger *slog.Logger) *Events {
	m, err := b.Load(ctx)
	if IsNotFound(err) {
		logger.Info("No event snapshot found, starting empty", "backend", b.Name())
		return NewEvents()
	}
	if err != nil {
		logger.Warn("Failed to load event snapshot, starting empty",
			"backend", b.Name(),
			"error", &PersistenceError{Op: "load", Backend: b.Name(), Err: err})
		return NewEvents()
	}

	logger.Info("Event snapshot loaded", "backend", b.Name(), "event_count", len(m))
	return newEventsFromMap(m)
}

// Persist writes the full store to the backend.
func Persist(ctx context.Context, b Backend, events *Events) error {
	if err := b.Save(ctx, events.Snapshot()); err != nil {
		return &PersistenceError{Op: "save", Backend: b.Name(), Err: err}
	}
	return nil
}

func encodeSnapshot(events map[string]notifier.Event) ([]byte, error) {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// decodeSnapshot accepts the keyed object written by encodeSnapshot and the plain array of
// events written by older releases.
func decodeSnapshot(data []byte) (map[string]notifier.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty snapshot")
	}

	if trimmed[0] == '[' {
		var list []notifier.Event
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		m := make(map[string]notifier.Event, len(list))
		for _, e := range list {
			if e.ID == "" {
				return nil, errors.New("snapshot contains event without id")
			}
			m[e.ID] = e
		}
		return m, nil
	}

	var m map[string]notifier.Event
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	for id, e := range m {
		if e.ID == "" {
			e.ID = id
			m[id] = e
		}
		if e.ID != id {
			return nil, fmt.Errorf("snapshot key %q holds event %q", id, e.ID)
		}
	}
	if m == nil {
		m = make(map[string]notifier.Event)
	}
	return m, nil
}
