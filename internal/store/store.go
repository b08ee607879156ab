// Package store provides the SQLite persistence layer for the review queue.
//
// Everything lives in a single database file: review items (the human
// verification queue), their terminal decisions, and an append-only event log
// of every state transition. Extraction runs are repeatable; the store is
// what makes decisions durable across them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.clinex/clinex.db"

// Config holds configuration for New.
type Config struct {
	DBPath string
}

// Stats holds observability counts about the store.
type Stats struct {
	PendingCount   int64
	ConfirmedCount int64
	DismissedCount int64
	DuplicateCount int64
	EventCount     int64
	DBSizeBytes    int64
}

// Store is the SQLite-backed review queue persistence.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (creating if needed) the review database.
// Pass ":memory:" for in-memory databases (testing).
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// migrate creates all tables if they don't exist.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS review_items (
			id              TEXT PRIMARY KEY,
			unit_id         TEXT NOT NULL,
			domain          TEXT NOT NULL,
			fields          TEXT NOT NULL,
			severity        INTEGER,
			source_messages TEXT NOT NULL,
			unresolved      TEXT NOT NULL DEFAULT '{}',
			derived         TEXT NOT NULL DEFAULT '{}',
			flags           TEXT NOT NULL DEFAULT '[]',
			confidence      REAL NOT NULL,
			grounding       TEXT NOT NULL,
			dedup_key       TEXT NOT NULL,
			fingerprint     TEXT NOT NULL,
			anchor_date     TEXT NOT NULL,
			source_quote    TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL DEFAULT 'pending',
			duplicate_of    TEXT,
			edits           TEXT,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			decided_at      DATETIME,
			decided_by      TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_items_state
			ON review_items(state, unit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_items_dedup
			ON review_items(domain, dedup_key, state)`,
		`CREATE INDEX IF NOT EXISTS idx_items_fingerprint
			ON review_items(fingerprint)`,

		`CREATE TABLE IF NOT EXISTS review_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			actor      TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(item_id) REFERENCES review_items(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_item
			ON review_events(item_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing DDL: %w", err)
		}
	}
	return nil
}

// Stats returns counts for observability surfaces.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	rows := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM review_items WHERE state = 'pending'`, &st.PendingCount},
		{`SELECT COUNT(*) FROM review_items WHERE state IN ('confirmed', 'confirmed_with_edits')`, &st.ConfirmedCount},
		{`SELECT COUNT(*) FROM review_items WHERE state = 'dismissed'`, &st.DismissedCount},
		{`SELECT COUNT(*) FROM review_items WHERE duplicate_of IS NOT NULL`, &st.DuplicateCount},
		{`SELECT COUNT(*) FROM review_events`, &st.EventCount},
	}
	for _, r := range rows {
		if err := s.db.QueryRowContext(ctx, r.query).Scan(r.dest); err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
