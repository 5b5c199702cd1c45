// Package feed implements the event sync engine: it merges the
// cursor-paginated remote event stream with the local cache, keeps an
// ordered, deduplicated in-memory view, resolves gaps on refresh, and polls
// for the number of events newer than the newest one loaded.
//
// # Busy flags
//
// LoadInitial, LoadMore and RefreshNewEvents are serialised by the
// IsLoading and IsLoadingMore flags. A call made while any of the three is
// running returns immediately without doing anything; calls are rejected,
// never queued.
//
// # Errors
//
// Engine operations never return remote or cache errors. Failures are
// recorded in State.LastError and, for loads, the engine falls back to the
// cache so stale data is preferred over an empty view. Polling failures are
// only logged.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ioteventfeed/feedsync/internal/errs"
	"github.com/ioteventfeed/feedsync/internal/model"
	"github.com/ioteventfeed/feedsync/internal/observe"
	"github.com/ioteventfeed/feedsync/internal/transport"
)

const (
	// DefaultPageSize is the number of events loaded per page.
	DefaultPageSize = 20
	// DefaultPollInterval is the delay between new-event count polls.
	DefaultPollInterval = 30 * time.Second
)

// Remote is the subset of the remote event API used by the engine. It is
// satisfied by *transport.Client.
type Remote interface {
	ListEvents(ctx context.Context, q transport.EventQuery) (model.EventPage, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	NewEventsCount(ctx context.Context, after time.Time) (model.NewEventsCount, error)
}

// Store is the local event cache. It is satisfied by *cache.Cache.
type Store interface {
	InsertEvents(ctx context.Context, events []model.Event) (int, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	Newest(ctx context.Context, limit int) ([]model.Event, error)
	OlderThan(ctx context.Context, cur model.Cursor, limit int) ([]model.Event, error)
	Count(ctx context.Context) (int, error)
	CountOlderThan(ctx context.Context, cur model.Cursor) (int, error)
}

// Connectivity reports whether the remote source is reachable. It is
// satisfied by every connectivity.Monitor.
type Connectivity interface {
	Online() bool
}

// State is a snapshot of the engine. Events is a copy and may be retained
// by the caller.
type State struct {
	Events     []model.Event
	HasMore    bool
	NextCursor *model.Cursor
	// FirstEventTimestamp is the timestamp of the newest loaded event; zero
	// until something has been loaded.
	FirstEventTimestamp time.Time
	NewEventsCount      int
	NewCriticalCount    int
	IsLoading           bool
	IsLoadingMore       bool
	IsPolling           bool
	LastError           error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the page size. Values <= 0 are ignored.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithPollInterval sets the polling interval. Values <= 0 are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is the event sync engine. It is safe for concurrent use. Create
// one per feed session with New and release it with Close.
type Engine struct {
	remote       Remote
	store        Store
	net          Connectivity
	pageSize     int
	pollInterval time.Duration
	logger       *slog.Logger

	mu sync.Mutex
	st state

	// pollStop is closed to stop the current polling loop; nil when idle.
	pollStop chan struct{}

	b *observe.Broadcaster[State]

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// state is the mutable engine state guarded by Engine.mu.
type state struct {
	events         []model.Event
	ids            map[string]struct{}
	hasMore        bool
	nextCursor     *model.Cursor
	firstTimestamp time.Time
	newCount       int
	newCritical    int
	isLoading      bool
	isLoadingMore  bool
	lastError      error
}

// New returns an Engine that reads from remote, persists to store and
// consults net before any remote call.
func New(remote Remote, store Store, net Connectivity, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		remote:       remote,
		store:        store,
		net:          net,
		pageSize:     DefaultPageSize,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		b:            observe.New[State](8),
		baseCtx:      ctx,
		baseCancel:   cancel,
	}
	e.st.hasMore = true
	e.st.ids = make(map[string]struct{})
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe delivers a snapshot after every change until ctx is cancelled.
func (e *Engine) Subscribe(ctx context.Context) <-chan State {
	return e.b.Subscribe(ctx)
}

// Close stops polling, waits for any in-flight poll to finish, and ends all
// subscriptions.
func (e *Engine) Close() {
	e.StopPolling()
	e.baseCancel()
	e.wg.Wait()
	e.b.Close()
}

func (e *Engine) snapshotLocked() State {
	s := State{
		Events:              append([]model.Event(nil), e.st.events...),
		HasMore:             e.st.hasMore,
		FirstEventTimestamp: e.st.firstTimestamp,
		NewEventsCount:      e.st.newCount,
		NewCriticalCount:    e.st.newCritical,
		IsLoading:           e.st.isLoading,
		IsLoadingMore:       e.st.isLoadingMore,
		IsPolling:           e.pollStop != nil,
		LastError:           e.st.lastError,
	}
	if e.st.nextCursor != nil {
		c := *e.st.nextCursor
		s.NextCursor = &c
	}
	return s
}

// commit applies fn under the lock and publishes the resulting snapshot.
func (e *Engine) commit(fn func(st *state)) State {
	e.mu.Lock()
	fn(&e.st)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.b.Publish(snap)
	return snap
}

func (e *Engine) online() bool {
	return e.net == nil || e.net.Online()
}

// ---------------------------------------------------------------------------
// View mutation helpers (Engine.mu held)
// ---------------------------------------------------------------------------

func (st *state) replace(events []model.Event) {
	st.events = st.events[:0:0]
	st.ids = make(map[string]struct{}, len(events))
	st.appendUnique(events)
}

func (st *state) appendUnique(events []model.Event) {
	for _, ev := range events {
		if _, dup := st.ids[ev.ID]; dup {
			continue
		}
		st.ids[ev.ID] = struct{}{}
		st.events = append(st.events, ev)
	}
}

func (st *state) prependUnique(events []model.Event) {
	fresh := make([]model.Event, 0, len(events)+len(st.events))
	for _, ev := range events {
		if _, dup := st.ids[ev.ID]; dup {
			continue
		}
		st.ids[ev.ID] = struct{}{}
		fresh = append(fresh, ev)
	}
	st.events = append(fresh, st.events...)
}

func (st *state) setNoMore() {
	st.hasMore = false
	st.nextCursor = nil
}

// pageCursor picks the older boundary for continuing after page: the
// server's cursor when given, else the last event of the page.
func pageCursor(page model.EventPage) *model.Cursor {
	if page.NextCursor != nil {
		c := *page.NextCursor
		return &c
	}
	if n := len(page.Events); n > 0 {
		c := model.CursorOf(page.Events[n-1])
		return &c
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loads
// ---------------------------------------------------------------------------

// LoadInitial loads the newest page. Online, it fetches from the remote
// source, caches the page, replaces the view and starts polling; on failure
// it records the error and falls back to the cache. Offline, it reads the
// cache only. It is a no-op while another load is running.
func (e *Engine) LoadInitial(ctx context.Context) State {
	e.mu.Lock()
	if e.st.isLoading || e.st.isLoadingMore {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		return snap
	}
	e.st.isLoading = true
	online := e.online()
	if online {
		e.st.lastError = nil
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.b.Publish(snap)

	if !online {
		e.logger.Info("events: loading initial events from cache (offline)")
		cached := e.readCachedNewest(ctx)
		return e.commit(func(st *state) {
			e.applyCachedPage(st, cached, true)
			st.isLoading = false
		})
	}

	e.logger.Info("events: loading initial events", slog.Int("limit", e.pageSize))
	page, err := e.remote.ListEvents(ctx, transport.EventQuery{Limit: e.pageSize})
	if err != nil {
		e.logger.Error("events: load initial events failed", slog.Any("error", err))
		cached := e.readCachedNewest(ctx)
		return e.commit(func(st *state) {
			st.lastError = err
			e.applyCachedPage(st, cached, true)
			st.isLoading = false
		})
	}

	e.cacheEvents(ctx, page.Events)

	e.commit(func(st *state) {
		st.replace(page.Events)
		st.hasMore = page.HasNext
		st.nextCursor = nil
		if page.HasNext {
			st.nextCursor = pageCursor(page)
		}
		if len(st.events) > 0 {
			st.firstTimestamp = st.events[0].Timestamp
		}
		st.isLoading = false
	})
	e.logger.Info("events: initial events loaded",
		slog.Int("count", len(page.Events)),
		slog.Bool("has_more", page.HasNext),
	)

	e.StartPolling()
	return e.State()
}

// cachedPage is one page read from the local cache together with the
// number of cached events from the start of that page onwards.
type cachedPage struct {
	events []model.Event
	total  int
	err    error
}

func (e *Engine) readCachedNewest(ctx context.Context) cachedPage {
	total, err := e.store.Count(ctx)
	if err != nil {
		return cachedPage{err: fmt.Errorf("feed: count cached events: %w", err)}
	}
	events, err := e.store.Newest(ctx, e.pageSize)
	if err != nil {
		return cachedPage{err: fmt.Errorf("feed: read cached events: %w", err)}
	}
	return cachedPage{events: events, total: total}
}

func (e *Engine) readCachedOlder(ctx context.Context, cur model.Cursor) cachedPage {
	total, err := e.store.CountOlderThan(ctx, cur)
	if err != nil {
		return cachedPage{err: fmt.Errorf("feed: count cached events: %w", err)}
	}
	events, err := e.store.OlderThan(ctx, cur, e.pageSize)
	if err != nil {
		return cachedPage{err: fmt.Errorf("feed: read cached events: %w", err)}
	}
	return cachedPage{events: events, total: total}
}

// applyCachedPage installs a cached page, replacing the view when replace
// is set and appending otherwise. More pages exist when the cache holds
// more than one page past the boundary.
func (e *Engine) applyCachedPage(st *state, p cachedPage, replace bool) {
	if p.err != nil {
		st.lastError = joinErr(st.lastError, p.err)
		return
	}
	if replace {
		st.replace(p.events)
		if len(p.events) > 0 {
			st.firstTimestamp = p.events[0].Timestamp
		}
	} else {
		st.appendUnique(p.events)
	}
	if p.total > e.pageSize && len(p.events) > 0 {
		c := model.CursorOf(p.events[len(p.events)-1])
		st.nextCursor = &c
		st.hasMore = true
	} else {
		st.setNoMore()
	}
}

// LoadMore appends the next older page. It is a no-op unless HasMore is
// set, a cursor is known, and no other load is running. Offline, or when
// the remote fetch fails, the page comes from the cache using the same
// cursor.
func (e *Engine) LoadMore(ctx context.Context) State {
	e.mu.Lock()
	if e.st.isLoadingMore || e.st.isLoading || !e.st.hasMore || e.st.nextCursor == nil {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		return snap
	}
	e.st.isLoadingMore = true
	cur := *e.st.nextCursor
	online := e.online()
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.b.Publish(snap)

	if !online {
		e.logger.Info("events: loading more events from cache (offline)")
		cached := e.readCachedOlder(ctx, cur)
		return e.commit(func(st *state) {
			e.applyCachedPage(st, cached, false)
			st.isLoadingMore = false
		})
	}

	e.logger.Info("events: loading more events",
		slog.Int64("after_timestamp", cur.TimestampMillis),
		slog.String("after_id", cur.EventID),
	)
	page, err := e.remote.ListEvents(ctx, transport.EventQuery{Limit: e.pageSize, After: &cur})
	if err != nil {
		e.logger.Error("events: load more events failed", slog.Any("error", err))
		cached := e.readCachedOlder(ctx, cur)
		return e.commit(func(st *state) {
			st.lastError = err
			e.applyCachedPage(st, cached, false)
			st.isLoadingMore = false
		})
	}

	e.cacheEvents(ctx, page.Events)

	e.logger.Info("events: more events loaded",
		slog.Int("count", len(page.Events)),
		slog.Bool("has_more", page.HasNext),
	)
	return e.commit(func(st *state) {
		st.appendUnique(page.Events)
		st.hasMore = page.HasNext
		st.nextCursor = nil
		if page.HasNext {
			st.nextCursor = pageCursor(page)
		}
		st.isLoadingMore = false
	})
}

// RefreshNewEvents fetches events strictly newer than the newest loaded
// one. When the server reports no further newer events the batch is
// prepended; when it reports more, contiguity with the loaded view cannot
// be guaranteed, so the view is replaced by the batch and paging continues
// from it. New-event counters are cleared. It is a no-op offline, while
// another load is running, or before anything has been loaded.
func (e *Engine) RefreshNewEvents(ctx context.Context) State {
	e.mu.Lock()
	if e.st.isLoading || e.st.isLoadingMore || !e.online() ||
		e.st.firstTimestamp.IsZero() || len(e.st.events) == 0 {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		return snap
	}
	e.st.isLoading = true
	e.st.lastError = nil
	cur := model.Cursor{
		TimestampMillis: e.st.firstTimestamp.UnixMilli(),
		EventID:         e.st.events[0].ID,
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.b.Publish(snap)

	e.logger.Info("events: refreshing new events",
		slog.Int64("before_timestamp", cur.TimestampMillis),
		slog.String("before_id", cur.EventID),
	)
	page, err := e.remote.ListEvents(ctx, transport.EventQuery{Limit: e.pageSize, Before: &cur})
	if err != nil {
		e.logger.Error("events: refresh failed", slog.Any("error", err))
		return e.commit(func(st *state) {
			st.lastError = err
			st.isLoading = false
		})
	}

	if len(page.Events) == 0 {
		e.logger.Info("events: refresh found no new events")
		return e.commit(func(st *state) {
			st.newCount, st.newCritical = 0, 0
			st.isLoading = false
		})
	}

	e.cacheEvents(ctx, page.Events)

	e.logger.Info("events: new events refreshed",
		slog.Int("count", len(page.Events)),
		slog.Bool("gap", page.HasNext),
	)
	return e.commit(func(st *state) {
		if !page.HasNext {
			st.prependUnique(page.Events)
		} else {
			st.replace(page.Events)
			st.hasMore = true
			st.nextCursor = pageCursor(page)
		}
		st.firstTimestamp = st.events[0].Timestamp
		st.newCount, st.newCritical = 0, 0
		st.isLoading = false
	})
}

// cacheEvents upserts fetched events. Cache failures are logged; the
// fetched page is still shown.
func (e *Engine) cacheEvents(ctx context.Context, events []model.Event) {
	if len(events) == 0 {
		return
	}
	n, err := e.store.InsertEvents(ctx, events)
	if err != nil {
		e.logger.Error("events: cache fetched events", slog.Any("error", err))
		return
	}
	e.logger.Debug("events: cached fetched events",
		slog.Int("fetched", len(events)),
		slog.Int("inserted", n),
	)
}

// Event returns the full detail of event id. Online, it is fetched from the
// remote source and cached; offline, or when the fetch fails, the cached
// copy is returned.
func (e *Engine) Event(ctx context.Context, id string) (model.Event, error) {
	var remoteErr error
	if e.online() {
		ev, err := e.remote.GetEvent(ctx, id)
		if err == nil {
			e.cacheEvents(ctx, []model.Event{ev})
			return ev, nil
		}
		remoteErr = err
		e.logger.Warn("events: fetch event detail failed, using cache",
			slog.String("event_id", id),
			slog.Any("error", err),
		)
	}

	ev, err := e.store.GetEvent(ctx, id)
	if err != nil {
		if remoteErr != nil && errors.Is(err, errs.ErrNotFound) {
			return model.Event{}, fmt.Errorf("feed: event %q: %w", id, remoteErr)
		}
		return model.Event{}, fmt.Errorf("feed: event %q: %w", id, err)
	}
	return ev, nil
}

// ClearNewEventCounts resets the new-event counters, e.g. once the user has
// seen the banner.
func (e *Engine) ClearNewEventCounts() {
	e.commit(func(st *state) { st.newCount, st.newCritical = 0, 0 })
}

func joinErr(prev, err error) error {
	if prev == nil {
		return err
	}
	return errors.Join(prev, err)
}
