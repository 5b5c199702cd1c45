package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ioteventfeed/feedsync/internal/feed"
	"github.com/ioteventfeed/feedsync/internal/model"
	"github.com/ioteventfeed/feedsync/internal/session"
)

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func runLogin(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	password := fs.String("password", os.Getenv("FEEDSYNC_PASSWORD"), "password (defaults to $FEEDSYNC_PASSWORD, then a line from stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("username required")
	}
	pass := *password
	if pass == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(e.in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		pass = strings.TrimRight(line, "\r\n")
	}

	u, err := e.app.Session().Login(ctx, fs.Arg(0), pass)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "logged in as %s (%s)\n", u.Username, u.Name)
	return nil
}

func runLogout(_ context.Context, e *env, _ []string) error {
	if err := e.app.Session().Logout(); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "logged out")
	return nil
}

func runWhoami(ctx context.Context, e *env, _ []string) error {
	st := e.app.Session().State()
	if !st.LoggedIn {
		return session.ErrNotLoggedIn
	}
	u := st.User
	if e.app.Online() {
		if fresh, err := e.app.Session().RefreshProfile(ctx); err == nil {
			u = fresh
		} else {
			e.logger.Warn("auth: profile refresh failed", slog.Any("error", err))
		}
	}
	w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", u.ID)
	fmt.Fprintf(w, "username\t%s\n", u.Username)
	fmt.Fprintf(w, "name\t%s\n", u.Name)
	fmt.Fprintf(w, "email\t%s\n", u.Email)
	fmt.Fprintf(w, "role\t%s\n", u.Role)
	return w.Flush()
}

func requireLogin(e *env) error {
	if !e.app.Session().State().LoggedIn {
		return session.ErrNotLoggedIn
	}
	return nil
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

func runFeed(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("feed", flag.ContinueOnError)
	pages := fs.Int("pages", 1, "number of pages to load")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireLogin(e); err != nil {
		return err
	}
	st, err := loadPages(ctx, e.app.Feed(), max(*pages, 1))
	if err != nil {
		return err
	}
	printEvents(e.out, st.Events)
	printFooter(e, st)
	return nil
}

// runMore loads the first page and the one after it, printing only the
// second.
func runMore(ctx context.Context, e *env, _ []string) error {
	if err := requireLogin(e); err != nil {
		return err
	}
	eng := e.app.Feed()
	first := eng.LoadInitial(ctx)
	if first.LastError != nil && len(first.Events) == 0 {
		return first.LastError
	}
	if !first.HasMore {
		fmt.Fprintln(e.out, "no more events")
		return nil
	}
	st := eng.LoadMore(ctx)
	if len(st.Events) > len(first.Events) {
		printEvents(e.out, st.Events[len(first.Events):])
	}
	printFooter(e, st)
	return nil
}

func runRefresh(ctx context.Context, e *env, _ []string) error {
	if err := requireLogin(e); err != nil {
		return err
	}
	eng := e.app.Feed()
	before := eng.LoadInitial(ctx)
	if before.LastError != nil && len(before.Events) == 0 {
		return before.LastError
	}
	st := eng.RefreshNewEvents(ctx)
	if st.LastError != nil {
		return st.LastError
	}

	seen := make(map[string]bool, len(before.Events))
	for _, ev := range before.Events {
		seen[ev.ID] = true
	}
	var fresh []model.Event
	for _, ev := range st.Events {
		if !seen[ev.ID] {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) == 0 {
		fmt.Fprintln(e.out, "no new events")
		return nil
	}
	printEvents(e.out, fresh)
	fmt.Fprintf(e.out, "\n%d new event(s)\n", len(fresh))
	return nil
}

func runShow(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("event id required")
	}
	if err := requireLogin(e); err != nil {
		return err
	}
	ev, err := e.app.Feed().Event(ctx, args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", ev.ID)
	fmt.Fprintf(w, "time\t%s\n", ev.Timestamp.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "severity\t%s\n", ev.Severity)
	fmt.Fprintf(w, "type\t%s\n", ev.Type)
	fmt.Fprintf(w, "device\t%s (%s)\n", ev.DeviceName, ev.DeviceID)
	fmt.Fprintf(w, "location\t%s\n", ev.Location)
	fmt.Fprintf(w, "message\t%s\n", ev.Message)
	if ev.HasAttachment() {
		done, _ := e.app.Downloads().IsDownloaded(ctx, ev.ID, ev.DownloadURL)
		fmt.Fprintf(w, "attachment\t%s (downloaded: %v)\n", ev.DownloadURL, done)
	}
	return w.Flush()
}

// loadPages runs LoadInitial followed by LoadMore until n pages are loaded
// or the feed is exhausted.
func loadPages(ctx context.Context, eng *feed.Engine, n int) (feed.State, error) {
	st := eng.LoadInitial(ctx)
	if st.LastError != nil && len(st.Events) == 0 {
		return st, st.LastError
	}
	for i := 1; i < n && st.HasMore; i++ {
		st = eng.LoadMore(ctx)
	}
	return st, nil
}

func printEvents(out io.Writer, events []model.Event) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tDEVICE\tMESSAGE\tID\t")
	for _, ev := range events {
		mark := ""
		if ev.HasAttachment() {
			mark = "+file"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Severity, ev.DeviceName, ev.Message, ev.ID, mark)
	}
	_ = w.Flush()
}

func printFooter(e *env, st feed.State) {
	mode := "online"
	if !e.app.Online() {
		mode = "offline, cached"
	}
	fmt.Fprintf(e.out, "\n%d event(s) (%s)", len(st.Events), mode)
	if st.HasMore {
		fmt.Fprint(e.out, ", more available")
	}
	fmt.Fprintln(e.out)
	if st.LastError != nil {
		fmt.Fprintf(e.out, "last error: %v\n", st.LastError)
	}
}

// ---------------------------------------------------------------------------
// Downloads
// ---------------------------------------------------------------------------

func runDownload(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("event id required")
	}
	if err := requireLogin(e); err != nil {
		return err
	}
	ev, err := e.app.Feed().Event(ctx, args[0])
	if err != nil {
		return err
	}
	if !ev.HasAttachment() {
		return fmt.Errorf("event %s has no attachment", ev.ID)
	}

	mgr := e.app.Downloads()
	id := model.FileID(ev.ID, ev.DownloadURL)
	subCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		for p := range mgr.Subscribe(subCtx) {
			if p.FileID == id && !p.Done {
				fmt.Fprintf(os.Stderr, "\r%3.0f%%", p.Fraction*100)
			}
		}
	}()

	rec, err := mgr.Download(ctx, ev.ID, ev.DownloadURL, ev.Timestamp)
	fmt.Fprint(os.Stderr, "\r")
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, mgr.LocalPath(rec))
	return nil
}

func runDownloads(ctx context.Context, e *env, _ []string) error {
	mgr := e.app.Downloads()
	recs, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(e.out, "no downloads")
		return nil
	}
	w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOWNLOADED\tEVENT\tFILE\tSIZE\tPATH")
	for _, r := range recs {
		size := "?"
		if r.SizeBytes != nil {
			size = fmt.Sprintf("%d", *r.SizeBytes)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.DownloadedAt.Local().Format("2006-01-02 15:04:05"),
			r.EventID, r.RemoteFilename, size, mgr.LocalPath(r))
	}
	return w.Flush()
}

func runRemove(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("event id required")
	}
	mgr := e.app.Downloads()
	recs, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for _, r := range recs {
		if r.EventID != args[0] {
			continue
		}
		if err := mgr.Delete(ctx, r); err != nil {
			return err
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("no download for event %s", args[0])
	}
	fmt.Fprintf(e.out, "removed %d file(s)\n", removed)
	return nil
}

// ---------------------------------------------------------------------------
// Daemon
// ---------------------------------------------------------------------------

// runDaemon loads the feed, keeps polling and serves /healthz until ctx is
// cancelled by a signal.
func runDaemon(ctx context.Context, e *env, _ []string) error {
	if e.app.Session().State().LoggedIn {
		st := e.app.Feed().LoadInitial(ctx)
		e.logger.Info("events: feed loaded",
			slog.Int("events", len(st.Events)),
			slog.Bool("online", e.app.Online()),
		)
		if !st.IsPolling {
			e.app.Feed().StartPolling()
		}
	} else {
		e.logger.Warn("auth: not logged in, feed is idle until login")
	}

	go func() {
		last := -1
		for st := range e.app.Feed().Subscribe(ctx) {
			if st.NewEventsCount != last {
				last = st.NewEventsCount
				if last > 0 {
					e.logger.Info("events: new events available",
						slog.Int("total", st.NewEventsCount),
						slog.Int("critical", st.NewCriticalCount),
					)
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.app.HealthzHandler)
	healthServer := &http.Server{
		Addr:         e.cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("healthz server listening", slog.String("addr", e.cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		e.logger.Info("received shutdown signal")
	case serveErr = <-errCh:
		e.logger.Error("healthz server error", slog.Any("error", serveErr))
	}

	e.app.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	e.logger.Info("feedsync exited cleanly")
	return serveErr
}
