package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ioteventfeed/feedsync/internal/model"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint
// violation.
const uniqueViolation = "23505"

// PostgresStore is the PostgreSQL-backed event and account store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection to connStr, pings the
// database and applies the schema.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// InsertEvents sends all events in a single pgx.Batch round-trip. Rows
// that conflict on the primary key are ignored. It returns the number of
// rows inserted.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	const query = `
		INSERT INTO events
			(id, device_id, device_name, type, severity, message, ts_ms, location, download_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		b.Queue(query,
			e.ID, e.DeviceID, e.DeviceName, e.Type, string(e.Severity),
			e.Message, e.TimestampMillis(), e.Location, nullableStr(e.DownloadURL),
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	n := 0
	for range events {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("batch exec event: %w", err)
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

// AddEvent stores e unless its id is already present.
func (s *PostgresStore) AddEvent(ctx context.Context, e model.Event) error {
	_, err := s.InsertEvents(ctx, []model.Event{e})
	return err
}

const eventColumns = `id, device_id, device_name, type, severity, message, ts_ms, location, download_url`

// ListEvents returns one page of events in feed order. One extra row is
// fetched to decide HasNext.
func (s *PostgresStore) ListEvents(ctx context.Context, q Query) (model.EventPage, error) {
	limit := model.ClampLimit(q.Limit)

	args := []any{limit + 1}
	where := ""
	if q.After != nil {
		args = append(args, q.After.TimestampMillis, q.After.EventID)
		where = fmt.Sprintf("WHERE (ts_ms, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	if q.Before != nil {
		args = append(args, q.Before.TimestampMillis, q.Before.EventID)
		cond := fmt.Sprintf("(ts_ms, id) > ($%d, $%d)", len(args)-1, len(args))
		if where == "" {
			where = "WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	sql := fmt.Sprintf(`
		SELECT %s
		FROM   events
		%s
		ORDER  BY ts_ms DESC, id DESC
		LIMIT  $1`, eventColumns, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return model.EventPage{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return model.EventPage{}, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return model.EventPage{}, fmt.Errorf("query events: %w", err)
	}

	page := model.EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasNext = true
		c := model.CursorOf(page.Events[limit-1])
		page.NextCursor = &c
	}
	return page, nil
}

// GetEvent returns the event with id.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (model.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// CountNewer counts events strictly newer than after.
func (s *PostgresStore) CountNewer(ctx context.Context, after time.Time) (model.NewEventsCount, error) {
	var n model.NewEventsCount
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE severity = 'critical')
		FROM   events
		WHERE  ts_ms > $1`, after.UnixMilli()).Scan(&n.TotalCount, &n.CriticalCount)
	if err != nil {
		return model.NewEventsCount{}, fmt.Errorf("count new events: %w", err)
	}
	return n, nil
}

// --- Accounts ---

// CreateAccount inserts a new account.
func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, username, email, name, role, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Username, a.Email, a.Name, a.Role, a.PasswordHash,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("create account %s: %w", a.Username, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.Username, err)
	}
	return nil
}

// AccountByUsername returns the account named username.
func (s *PostgresStore) AccountByUsername(ctx context.Context, username string) (Account, error) {
	return s.account(ctx, "username", username)
}

// AccountByID returns the account with id.
func (s *PostgresStore) AccountByID(ctx context.Context, id string) (Account, error) {
	return s.account(ctx, "id", id)
}

func (s *PostgresStore) account(ctx context.Context, column, value string) (Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email, name, role, password_hash
		FROM   accounts
		WHERE  `+column+` = $1`, value).
		Scan(&a.ID, &a.Username, &a.Email, &a.Name, &a.Role, &a.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return Account{}, fmt.Errorf("account %s: %w", value, err)
	}
	return a, nil
}

// SeedIfEmpty loads the demo accounts and events when the accounts table is
// empty.
func (s *PostgresStore) SeedIfEmpty(ctx context.Context, now time.Time, filesDir string) (bool, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&n); err != nil {
		return false, fmt.Errorf("count accounts: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	accounts, err := SeedAccounts()
	if err != nil {
		return false, err
	}
	for _, a := range accounts {
		if err := s.CreateAccount(ctx, a); err != nil {
			return false, err
		}
	}
	if _, err := s.InsertEvents(ctx, SeedEvents(now, LogFiles(filesDir))); err != nil {
		return false, err
	}
	return true, nil
}

// --- Scan helpers ---

func scanEvent(row pgx.Row) (model.Event, error) {
	var (
		e        model.Event
		severity string
		tsMillis int64
		url      *string
	)
	err := row.Scan(&e.ID, &e.DeviceID, &e.DeviceName, &e.Type, &severity,
		&e.Message, &tsMillis, &e.Location, &url)
	if err != nil {
		return model.Event{}, err
	}
	e.Severity = model.ParseSeverity(severity)
	e.Timestamp = time.UnixMilli(tsMillis).UTC()
	if url != nil {
		e.DownloadURL = *url
	}
	return e, nil
}

// nullableStr returns nil for an empty string so that PostgreSQL stores NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
