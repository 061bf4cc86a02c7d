package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"halbooking-notifier/pkg/notifier"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	id   TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at TEXT NOT NULL
);`

// SQLite stores one row per event. Save replaces every row inside a single transaction.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	applyPragmas(ctx, db, logger)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db, logger: logger, path: path}, nil
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = FULL",
}

// applyPragmas tunes durability. A failed pragma leaves SQLite defaults, which are still safe.
func applyPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) {
	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Warn("Failed to apply sqlite pragma", "pragma", pragma, "error", err)
		}
	}
}

// Name identifies the backend in logs.
func (s *SQLite) Name() string {
	return "sqlite"
}

// Load returns ErrNotFound until the first successful Save.
func (s *SQLite) Load(ctx context.Context) (map[string]notifier.Event, error) {
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshot WHERE id = 1`).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot marker: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM events`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	m := make(map[string]notifier.Event)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var e notifier.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event %q: %w", id, err)
		}
		if e.ID == "" {
			e.ID = id
		}
		if e.ID != id {
			return nil, fmt.Errorf("row %q holds event %q", id, e.ID)
		}
		m[id] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	s.logger.Debug("Snapshot loaded from sqlite", "path", s.path, "saved_at", savedAt, "event_count", len(m))
	return m, nil
}

// Save replaces the stored snapshot in one transaction.
func (s *SQLite) Save(ctx context.Context, events map[string]notifier.Event) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("Failed to roll back snapshot transaction", "error", rbErr)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events(id, data) VALUES(?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			s.logger.Warn("Failed to close statement", "error", closeErr)
		}
	}()

	for id, e := range events {
		data, marshalErr := json.Marshal(e)
		if marshalErr != nil {
			err = fmt.Errorf("marshal event %q: %w", id, marshalErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, id, string(data)); err != nil {
			return fmt.Errorf("insert event %q: %w", id, err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO snapshot(id, saved_at) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at`,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("update snapshot marker: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	s.logger.Debug("Snapshot saved to sqlite", "path", s.path, "event_count", len(events))
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
