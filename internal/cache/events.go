package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
)

const insertEventSQL = `
INSERT INTO events (id, device_id, device_name, type, severity, message, ts_ms, location, download_url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

const eventColumns = `id, device_id, device_name, type, severity, message, ts_ms, location, download_url`

// execer is the subset of *sql.DB and *sql.Tx used by insertEvent.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, ex execer, e model.Event) (bool, error) {
	res, err := ex.ExecContext(ctx, insertEventSQL,
		e.ID, e.DeviceID, e.DeviceName, e.Type, string(e.Severity), e.Message,
		e.TimestampMillis(), e.Location, e.DownloadURL,
	)
	if err != nil {
		return false, fmt.Errorf("cache: insert event %q: %w", e.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertEventIfAbsent stores e unless an event with the same id is already
// cached. Existing rows are never updated. It reports whether a row was
// inserted.
func (c *Cache) InsertEventIfAbsent(ctx context.Context, e model.Event) (bool, error) {
	return insertEvent(ctx, c.db, e)
}

// InsertEvents upserts events in one transaction with the same
// insert-if-absent rule and returns the number of new rows.
func (c *Cache) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	inserted := 0
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			ok, err := insertEvent(ctx, tx, e)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetEvent returns the cached event with id, or errs.ErrNotFound.
func (c *Cache) GetEvent(ctx context.Context, id string) (model.Event, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("cache: event %q: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("cache: get event %q: %w", id, err)
	}
	return e, nil
}

// HasEvent reports whether an event with id is cached.
func (c *Cache) HasEvent(ctx context.Context, id string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: has event %q: %w", id, err)
	}
	return true, nil
}

// Newest returns up to limit events in feed order, newest first. If
// limit <= 0, Newest returns nil without querying the database.
func (c *Cache) Newest(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	return c.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY ts_ms DESC, id DESC LIMIT ?`, limit)
}

// OlderThan returns up to limit events strictly after cur in feed order.
func (c *Cache) OlderThan(ctx context.Context, cur model.Cursor, limit int) ([]model.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	return c.queryEvents(ctx,
		`SELECT `+eventColumns+`
		 FROM   events
		 WHERE  ts_ms < ? OR (ts_ms = ? AND id < ?)
		 ORDER  BY ts_ms DESC, id DESC
		 LIMIT  ?`,
		cur.TimestampMillis, cur.TimestampMillis, cur.EventID, limit)
}

// Count returns the number of cached events.
func (c *Cache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count events: %w", err)
	}
	return n, nil
}

// CountOlderThan returns the number of cached events strictly after cur.
func (c *Cache) CountOlderThan(ctx context.Context, cur model.Cursor) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE ts_ms < ? OR (ts_ms = ? AND id < ?)`,
		cur.TimestampMillis, cur.TimestampMillis, cur.EventID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cache: count older events: %w", err)
	}
	return n, nil
}

func (c *Cache) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: event rows: %w", err)
	}
	return events, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (model.Event, error) {
	var (
		e        model.Event
		severity string
		tsMillis int64
	)
	if err := s.Scan(&e.ID, &e.DeviceID, &e.DeviceName, &e.Type, &severity,
		&e.Message, &tsMillis, &e.Location, &e.DownloadURL); err != nil {
		return model.Event{}, err
	}
	e.Severity = model.ParseSeverity(severity)
	e.Timestamp = time.UnixMilli(tsMillis).UTC()
	return e, nil
}
