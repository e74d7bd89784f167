// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/log"
	hsqlite "github.com/harmonyhub/harmony/internal/persistence/sqlite"
)

// sqliteSchemaVersion tracks applied migrations via PRAGMA user_version.
const sqliteSchemaVersion = 1

// ErrNotFound is returned by point lookups for absent rows.
var ErrNotFound = fmt.Errorf("library: not found")

// Store is the SQLite-backed domain store. Delta application runs under
// write transactions, so the pool is opened with _txlock=immediate and
// WAL keeps readers unblocked while a sync is writing.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens the library database and migrates the schema.
func Open(cfg config.LibraryConfig) (*Store, error) {
	pcfg := hsqlite.DefaultConfig()
	pcfg.TxLock = "immediate"
	db, err := hsqlite.Open(cfg.Path, pcfg)
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

// NewStore migrates the schema and returns a ready store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		logger: log.WithComponent("library"),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("library: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS artists (
				key TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				source TEXT NOT NULL DEFAULT '',
				external_ids TEXT NOT NULL DEFAULT '{}',
				etag_fingerprint TEXT NOT NULL DEFAULT '',
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS releases (
				id TEXT PRIMARY KEY,
				artist_key TEXT NOT NULL REFERENCES artists(key),
				source TEXT NOT NULL DEFAULT '',
				source_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL,
				release_type TEXT NOT NULL DEFAULT '',
				release_date TEXT NOT NULL DEFAULT '',
				track_count INTEGER NOT NULL DEFAULT 0,
				inactive_at_ms INTEGER,
				inactive_reason TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_releases_artist
				ON releases (artist_key, inactive_at_ms)`,
			`CREATE TABLE IF NOT EXISTS artist_audit (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				artist_key TEXT NOT NULL,
				job_id INTEGER,
				event TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				before_json TEXT,
				after_json TEXT,
				at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_artist_audit_order
				ON artist_audit (artist_key, at_ms ASC, id ASC)`,
			`CREATE TABLE IF NOT EXISTS watchlist_artists (
				artist_key TEXT PRIMARY KEY,
				priority INTEGER NOT NULL DEFAULT 0,
				paused INTEGER NOT NULL DEFAULT 0,
				pause_reason TEXT,
				resume_at_ms INTEGER,
				last_enqueued_at_ms INTEGER,
				last_synced_at_ms INTEGER,
				cooldown_until_ms INTEGER,
				retry_budget_remaining INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_watchlist_eligible
				ON watchlist_artists (paused, priority DESC, last_enqueued_at_ms ASC)`,
			`CREATE TABLE IF NOT EXISTS download_entries (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id INTEGER NOT NULL,
				artist_key TEXT,
				username TEXT NOT NULL,
				filename TEXT NOT NULL,
				size_bytes INTEGER NOT NULL DEFAULT 0,
				ticket_id TEXT,
				state TEXT NOT NULL DEFAULT 'queued',
				retry_count INTEGER NOT NULL DEFAULT 0,
				next_retry_at_ms INTEGER,
				last_error TEXT,
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_download_entries_retry
				ON download_entries (state, next_retry_at_ms)`,
			`CREATE INDEX IF NOT EXISTS idx_download_entries_job
				ON download_entries (job_id)`,
			`CREATE TABLE IF NOT EXISTS ingest_jobs (
				id TEXT PRIMARY KEY,
				mode TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT 'registered',
				accepted INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ingest_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ingest_job_id TEXT NOT NULL REFERENCES ingest_jobs(id),
				source_type TEXT NOT NULL,
				raw TEXT NOT NULL DEFAULT '',
				artist TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				album TEXT NOT NULL DEFAULT '',
				playlist_id TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL DEFAULT 'registered',
				skip_reason TEXT NOT NULL DEFAULT '',
				download_job_id INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ingest_items_job
				ON ingest_items (ingest_job_id, state)`,
			`CREATE TABLE IF NOT EXISTS leases (
				name TEXT PRIMARY KEY,
				holder TEXT NOT NULL,
				expires_at_ms INTEGER NOT NULL
			)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	s.logger.Debug().
		Int("from", version).
		Int("to", sqliteSchemaVersion).
		Msg("library schema migrated")
	return nil
}

// Tx exposes the mutations that must share one transaction. Every
// mutation is stamped with the same timestamp, taken when the
// transaction began, so audit rows written together order together.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// WithTx runs fn inside a single write transaction and commits when fn
// returns nil. Any error rolls the whole transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("library: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx, now: s.now().UTC()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("library: commit tx: %w", err)
	}
	return nil
}

// Close closes the database pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimeMS(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func msToTimePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
