package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
)

const downloadColumns = `id, event_id, download_url, remote_filename, local_name, size_bytes, downloaded_ms, event_ts_ms`

// PutDownload persists rec, replacing any record with the same id.
func (c *Cache) PutDownload(ctx context.Context, rec model.DownloadRecord) error {
	var size sql.NullInt64
	if rec.SizeBytes != nil {
		size = sql.NullInt64{Int64: *rec.SizeBytes, Valid: true}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO downloads (`+downloadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     event_id        = excluded.event_id,
		     download_url    = excluded.download_url,
		     remote_filename = excluded.remote_filename,
		     local_name      = excluded.local_name,
		     size_bytes      = excluded.size_bytes,
		     downloaded_ms   = excluded.downloaded_ms,
		     event_ts_ms     = excluded.event_ts_ms`,
		rec.ID, rec.EventID, rec.DownloadURL, rec.RemoteFilename, rec.LocalName,
		size, rec.DownloadedAt.UnixMilli(), rec.EventTimestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache: put download %q: %w", rec.ID, err)
	}
	return nil
}

// GetDownload returns the record with id, or errs.ErrNotFound.
func (c *Cache) GetDownload(ctx context.Context, id string) (model.DownloadRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	rec, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DownloadRecord{}, fmt.Errorf("cache: download %q: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return model.DownloadRecord{}, fmt.Errorf("cache: get download %q: %w", id, err)
	}
	return rec, nil
}

// ListDownloads returns every record, most recently downloaded first.
func (c *Cache) ListDownloads(ctx context.Context) ([]model.DownloadRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads ORDER BY downloaded_ms DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("cache: list downloads: %w", err)
	}
	defer rows.Close()

	var recs []model.DownloadRecord
	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scan download: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: download rows: %w", err)
	}
	return recs, nil
}

// DeleteDownload removes the record with id. It returns errs.ErrNotFound
// when no such record exists.
func (c *Cache) DeleteDownload(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cache: delete download %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cache: delete download %q: %w", id, errs.ErrNotFound)
	}
	return nil
}

// DeleteDownloads removes all records in ids with a single statement. Unknown
// ids are ignored.
func (c *Cache) DeleteDownloads(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM downloads WHERE id IN (%s)`, placeholders), args...); err != nil {
		return fmt.Errorf("cache: delete downloads: %w", err)
	}
	return nil
}

func scanDownload(s scanner) (model.DownloadRecord, error) {
	var (
		rec          model.DownloadRecord
		size         sql.NullInt64
		downloadedMs int64
		eventTsMs    int64
	)
	if err := s.Scan(&rec.ID, &rec.EventID, &rec.DownloadURL, &rec.RemoteFilename,
		&rec.LocalName, &size, &downloadedMs, &eventTsMs); err != nil {
		return model.DownloadRecord{}, err
	}
	if size.Valid {
		v := size.Int64
		rec.SizeBytes = &v
	}
	rec.DownloadedAt = time.UnixMilli(downloadedMs).UTC()
	rec.EventTimestamp = time.UnixMilli(eventTsMs).UTC()
	return rec, nil
}
