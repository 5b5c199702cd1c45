// Package cache provides the WAL-mode SQLite-backed local store of the
// feedsync client: the Local Event Cache, the DownloadRecord index and the
// cached user profiles.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that readers (UI
// driven loads) and the single writer (sync upserts, download bookkeeping)
// do not block each other.
//
// # Single writer
//
// The pool is limited to one connection. Every statement, including the
// "insert this event only if absent" upsert, is therefore serialised, and a
// duplicate check can never race another insert of the same id.
//
// # Ordering
//
// Events are stored with their timestamp as Unix milliseconds and indexed
// on (ts_ms DESC, id DESC), the same total order the remote source uses.
// Every range query and count uses that compound order.
package cache

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Cache is the SQLite-backed local store. It is safe for concurrent use.
type Cache struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
func New(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// ddl is idempotent (CREATE ... IF NOT EXISTS).
const ddl = `
CREATE TABLE IF NOT EXISTS events (
    id           TEXT    PRIMARY KEY,
    device_id    TEXT    NOT NULL,
    device_name  TEXT    NOT NULL,
    type         TEXT    NOT NULL,
    severity     TEXT    NOT NULL,
    message      TEXT    NOT NULL,
    ts_ms        INTEGER NOT NULL,
    location     TEXT    NOT NULL,
    download_url TEXT    NOT NULL DEFAULT '',
    cached_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_events_order
    ON events (ts_ms DESC, id DESC);

CREATE TABLE IF NOT EXISTS downloads (
    id              TEXT    PRIMARY KEY,
    event_id        TEXT    NOT NULL,
    download_url    TEXT    NOT NULL,
    remote_filename TEXT    NOT NULL,
    local_name      TEXT    NOT NULL,
    size_bytes      INTEGER,
    downloaded_ms   INTEGER NOT NULL,
    event_ts_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_recent
    ON downloads (downloaded_ms DESC, id DESC);

CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    username   TEXT NOT NULL,
    email      TEXT NOT NULL,
    name       TEXT NOT NULL,
    role       TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// Close closes the underlying database connection. Callers must not use the
// cache after Close returns.
func (c *Cache) Close() error {
	return c.db.Close()
}

// withTx runs fn inside a transaction, committing on success.
func (c *Cache) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit: %w", err)
	}
	return nil
}
