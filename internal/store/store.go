// Package store persists telemetry about the double-buffer state machine:
// phase transitions, checkpoint/swap outcomes, and request results. Per
// spec section 9 this is observability only — a restart legitimately
// resets every manager to IDLE, and nothing here is ever read back to
// reconstruct state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/dbproxy/dbproxy/internal/logging"
)

const currentSchemaVersion = 1

// Config controls where and how the telemetry database is opened.
type Config struct {
	Path        string
	WALMode     bool
	BusyTimeout int
}

// DefaultConfig opens path with WAL mode and a 5s busy timeout.
func DefaultConfig(path string) Config {
	return Config{Path: path, WALMode: true, BusyTimeout: 5000}
}

// Store wraps the telemetry database connection.
type Store struct {
	db *sql.DB
}

// Open creates the database (and its parent directory) if needed and
// brings the schema up to date.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if cfg.WALMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			L_warn("store: failed to enable WAL mode", "error", err)
		}
	}
	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeout)); err != nil {
		L_warn("store: failed to set busy_timeout", "error", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	L_info("store: opened", "path", cfg.Path)
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= currentSchemaVersion {
		return nil
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS phase_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conv_key TEXT NOT NULL,
		from_phase TEXT NOT NULL,
		to_phase TEXT NOT NULL,
		trigger TEXT NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_phase_transitions_conv ON phase_transitions(conv_key, at);

	CREATE TABLE IF NOT EXISTS checkpoint_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conv_key TEXT NOT NULL,
		outcome TEXT NOT NULL,
		anchor INTEGER,
		error TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoint_events_conv ON checkpoint_events(conv_key, at);

	CREATE TABLE IF NOT EXISTS swap_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conv_key TEXT NOT NULL,
		wal_message_count INTEGER NOT NULL,
		body_len INTEGER NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_swap_events_conv ON swap_events(conv_key, at);

	CREATE TABLE IF NOT EXISTS request_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conv_key TEXT,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_request_outcomes_conv ON request_outcomes(conv_key, at);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTransition logs a phase transition for a conversation manager.
func (s *Store) RecordTransition(ctx context.Context, convKey, from, to, trigger string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_transitions (conv_key, from_phase, to_phase, trigger, at)
		VALUES (?, ?, ?, ?, ?)
	`, convKey, from, to, trigger, time.Now().Unix())
	if err != nil {
		L_warn("store: failed to record transition", "error", err)
	}
}

// RecordCheckpoint logs the outcome of a checkpoint call ("success" or
// "failure"). anchor is nil when the outcome is a failure before an anchor
// was selected.
func (s *Store) RecordCheckpoint(ctx context.Context, convKey, outcome string, anchor *int, errMsg string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_events (conv_key, outcome, anchor, error, at)
		VALUES (?, ?, ?, ?, ?)
	`, convKey, outcome, nullableInt(anchor), nullableString(errMsg), time.Now().Unix())
	if err != nil {
		L_warn("store: failed to record checkpoint event", "error", err)
	}
}

// RecordSwap logs a completed swap.
func (s *Store) RecordSwap(ctx context.Context, convKey string, walMessageCount, bodyLen int) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swap_events (conv_key, wal_message_count, body_len, at)
		VALUES (?, ?, ?, ?)
	`, convKey, walMessageCount, bodyLen, time.Now().Unix())
	if err != nil {
		L_warn("store: failed to record swap event", "error", err)
	}
}

// RecordRequest logs a completed request's outcome.
func (s *Store) RecordRequest(ctx context.Context, convKey, method, path string, status int, duration time.Duration) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_outcomes (conv_key, method, path, status, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullableString(convKey), method, path, status, duration.Milliseconds(), time.Now().Unix())
	if err != nil {
		L_warn("store: failed to record request outcome", "error", err)
	}
}

// TransitionCount returns the number of recorded transitions for a
// conversation key, used by test assertions.
func (s *Store) TransitionCount(ctx context.Context, convKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phase_transitions WHERE conv_key = ?`, convKey).Scan(&count)
	return count, err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
