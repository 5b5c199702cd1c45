// Package app contains the feedsync client orchestrator. It wires together
// the local cache, the secret store, the HTTP transport, the session, the
// connectivity monitor, the sync engine and the download manager, and
// manages their lifecycle through a shared context.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ioteventfeed/feedsync/internal/cache"
	"github.com/ioteventfeed/feedsync/internal/config"
	"github.com/ioteventfeed/feedsync/internal/connectivity"
	"github.com/ioteventfeed/feedsync/internal/download"
	"github.com/ioteventfeed/feedsync/internal/feed"
	"github.com/ioteventfeed/feedsync/internal/secret"
	"github.com/ioteventfeed/feedsync/internal/session"
	"github.com/ioteventfeed/feedsync/internal/transport"
)

// Layout of the data directory.
const (
	cacheFile    = "cache.db"
	secretsDir   = "secrets"
	downloadsDir = "downloads"
)

// App is the feedsync client. Build one with New, call Start before using
// the feed, and Stop when done.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	httpClient *http.Client
	secrets    secret.Store
	monitor    connectivity.Monitor

	cache     *cache.Cache
	client    *transport.Client
	session   *session.Session
	prober    *connectivity.Prober
	feed      *feed.Engine
	downloads *download.Manager

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// Option is a functional option for App construction.
type Option func(*App)

// WithHTTPClient sets the HTTP client used for every remote call.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// WithSecretStore replaces the encrypted file store under the data
// directory.
func WithSecretStore(s secret.Store) Option {
	return func(a *App) { a.secrets = s }
}

// WithMonitor replaces the connectivity prober. The monitor is used as is
// and never started or stopped by the App.
func WithMonitor(m connectivity.Monitor) Option {
	return func(a *App) { a.monitor = m }
}

// New opens the local stores under cfg.DataDir and builds every component.
// Nothing touches the network until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: create data dir %q: %w", cfg.DataDir, err)
	}

	c, err := cache.New(filepath.Join(cfg.DataDir, cacheFile))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.cache = c

	if a.secrets == nil {
		fs, err := secret.NewFileStore(filepath.Join(cfg.DataDir, secretsDir))
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.secrets = fs
	}

	topts := []transport.Option{
		transport.WithTimeout(cfg.RequestTimeout),
		transport.WithLogger(logger),
	}
	if a.httpClient != nil {
		topts = append(topts, transport.WithHTTPClient(a.httpClient))
	}
	client, err := transport.New(cfg.APIBaseURL, topts...)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.client = client

	a.session = session.New(client, a.secrets, c, logger)
	client.SetTokenSource(a.session)
	client.OnUnauthorized(a.session.HandleUnauthorized)

	if a.monitor == nil {
		if cfg.Connectivity.Disabled {
			a.monitor = connectivity.NewStatic(true)
		} else {
			a.prober = connectivity.NewProber(client, cfg.Connectivity.ProbePath,
				connectivity.WithInterval(cfg.Connectivity.ProbeInterval),
				connectivity.WithMaxBackoff(cfg.Connectivity.MaxBackoff),
				connectivity.WithLogger(logger),
			)
			a.monitor = a.prober
		}
	}

	a.feed = feed.New(client, c, a.monitor,
		feed.WithPageSize(cfg.PageSize),
		feed.WithPollInterval(cfg.PollInterval),
		feed.WithLogger(logger),
	)

	a.downloads, err = download.New(client, c, a.monitor, filepath.Join(cfg.DataDir, downloadsDir),
		download.WithLogger(logger))
	if err != nil {
		a.feed.Close()
		_ = c.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	return a, nil
}

// Cache returns the local cache.
func (a *App) Cache() *cache.Cache { return a.cache }

// Client returns the HTTP API client.
func (a *App) Client() *transport.Client { return a.client }

// Session returns the authentication state machine.
func (a *App) Session() *session.Session { return a.session }

// Feed returns the sync engine.
func (a *App) Feed() *feed.Engine { return a.feed }

// Downloads returns the download manager.
func (a *App) Downloads() *download.Manager { return a.downloads }

// Online reports the current connectivity signal.
func (a *App) Online() bool { return a.monitor.Online() }

// Start restores the persisted session, takes a first connectivity reading
// and begins supervising connectivity and session transitions. Polling is
// restarted whenever the remote becomes reachable again and stopped on
// logout.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting feedsync",
		slog.String("api_base_url", a.cfg.APIBaseURL),
		slog.String("data_dir", a.cfg.DataDir),
		slog.Int("page_size", a.cfg.PageSize),
		slog.Duration("poll_interval", a.cfg.PollInterval),
	)

	st, err := a.session.Restore(ctx)
	if err != nil {
		a.logger.Warn("app: session restore failed", slog.Any("error", err))
	}

	if a.prober != nil {
		if err := a.prober.Start(ctx); err != nil {
			cancel()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return fmt.Errorf("app: connectivity prober failed to start: %w", err)
		}
	}

	a.wg.Add(2)
	go a.watchConnectivity(ctx, a.monitor.Subscribe(ctx))
	go a.watchSession(ctx, a.session.Subscribe(ctx))

	a.logger.Info("feedsync started",
		slog.Bool("logged_in", st.LoggedIn),
		slog.Bool("online", a.monitor.Online()),
	)
	return nil
}

// Stop shuts every component down and closes the local stores. It is safe
// to call Stop multiple times.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.closeStores()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	if a.prober != nil {
		a.prober.Stop()
	}
	a.wg.Wait()

	a.closeStores()
	a.logger.Info("feedsync stopped")
}

func (a *App) closeStores() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cache == nil {
		return
	}
	a.feed.Close()
	a.downloads.Close()
	a.session.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("error closing cache", slog.Any("error", err))
	}
	a.cache = nil
}

// watchConnectivity restarts polling when the remote becomes reachable
// again after an outage, provided something has been loaded.
func (a *App) watchConnectivity(ctx context.Context, sub <-chan bool) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-sub:
			if !ok {
				return
			}
			if !online {
				a.logger.Warn("app: remote unreachable, serving cached events")
				continue
			}
			st := a.feed.State()
			if a.session.State().LoggedIn && !st.FirstEventTimestamp.IsZero() {
				a.logger.Info("app: remote reachable again, restarting polling")
				a.feed.StartPolling()
			}
		}
	}
}

// watchSession stops polling when the session ends, whether by explicit
// logout or by a rejected request.
func (a *App) watchSession(ctx context.Context, sub <-chan session.State) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sub:
			if !ok {
				return
			}
			if !st.LoggedIn {
				a.feed.StopPolling()
			}
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status          string  `json:"status"`
	UptimeS         float64 `json:"uptime_s"`
	Online          bool    `json:"online"`
	LoggedIn        bool    `json:"logged_in"`
	Username        string  `json:"username,omitempty"`
	LoadedEvents    int     `json:"loaded_events"`
	NewEvents       int     `json:"new_events"`
	NewCritical     int     `json:"new_critical"`
	Polling         bool    `json:"polling"`
	ActiveDownloads int     `json:"active_downloads"`
	LastError       string  `json:"last_error,omitempty"`
}

// Health returns a snapshot of the current client state.
func (a *App) Health() HealthStatus {
	a.mu.RLock()
	started := a.startTime
	a.mu.RUnlock()

	fs := a.feed.State()
	ss := a.session.State()
	h := HealthStatus{
		Status:          "ok",
		Online:          a.monitor.Online(),
		LoggedIn:        ss.LoggedIn,
		LoadedEvents:    len(fs.Events),
		NewEvents:       fs.NewEventsCount,
		NewCritical:     fs.NewCriticalCount,
		Polling:         fs.IsPolling,
		ActiveDownloads: a.downloads.ActiveCount(),
	}
	if !started.IsZero() {
		h.UptimeS = time.Since(started).Seconds()
	}
	if ss.LoggedIn {
		h.Username = ss.User.Username
	}
	if !h.Online {
		h.Status = "degraded"
	}
	if fs.LastError != nil {
		h.LastError = fs.LastError.Error()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the client's
// health status as a JSON object and HTTP 200.
func (a *App) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
