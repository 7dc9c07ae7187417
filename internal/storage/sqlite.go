// Package storage opens the sqlite database that journals runs, plugin
// installs and trigger checks.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := CheckLocalFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id           TEXT PRIMARY KEY,
  pipeline     TEXT NOT NULL,
  status       TEXT NOT NULL,
  provider     TEXT,
  source       TEXT,
  fingerprint  TEXT,
  steps        JSON,
  last_error   TEXT,
  created_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS plugin_installs (
  id          TEXT PRIMARY KEY,
  plugin      TEXT NOT NULL,
  command     TEXT NOT NULL,
  exit_code   INTEGER NOT NULL,
  last_error  TEXT,
  stdout      TEXT,
  stderr      TEXT,
  started_at  TEXT NOT NULL,
  finished_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS trigger_events (
  id         TEXT PRIMARY KEY,
  endpoint   TEXT NOT NULL,
  pipeline   TEXT NOT NULL,
  provider   TEXT,
  event      TEXT,
  verified   INTEGER NOT NULL,
  last_error TEXT,
  run_id     TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS runs_status_created_at_idx ON runs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS plugin_installs_plugin_idx ON plugin_installs(plugin, started_at);`,
		`CREATE INDEX IF NOT EXISTS trigger_events_pipeline_idx ON trigger_events(pipeline, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
