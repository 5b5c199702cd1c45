// Command feedsync is the offline-first client for the IoT event feed. It
// loads a YAML configuration file, opens the local cache and secret store
// under the data directory, and runs one subcommand:
//
//	feedsync [-config path] login <username>
//	feedsync [-config path] logout
//	feedsync [-config path] whoami
//	feedsync [-config path] feed [-pages n]
//	feedsync [-config path] more
//	feedsync [-config path] refresh
//	feedsync [-config path] show <event-id>
//	feedsync [-config path] download <event-id>
//	feedsync [-config path] downloads
//	feedsync [-config path] rm <event-id>
//	feedsync [-config path] run
//
// run keeps the client alive: it polls for new events, follows connectivity
// changes, serves /healthz, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/ioteventfeed/feedsync/internal/app"
	"github.com/ioteventfeed/feedsync/internal/config"
)

// command runs one subcommand against a started App.
type command struct {
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = map[string]command{
	"login":     {"login [-password p] <username>", runLogin},
	"logout":    {"logout", runLogout},
	"whoami":    {"whoami", runWhoami},
	"feed":      {"feed [-pages n]", runFeed},
	"more":      {"more", runMore},
	"refresh":   {"refresh", runRefresh},
	"show":      {"show <event-id>", runShow},
	"download":  {"download <event-id>", runDownload},
	"downloads": {"downloads", runDownloads},
	"rm":        {"rm <event-id>", runRemove},
	"run":       {"run", runDaemon},
}

// env is what every subcommand gets.
type env struct {
	app    *app.App
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	in     io.Reader
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the feedsync YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "feedsync: unknown command %q\n", name)
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedsync: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedsync: %v\n", err)
		os.Exit(1)
	}
	defer a.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "feedsync: %v\n", err)
		a.Stop()
		os.Exit(1)
	}

	e := &env{app: a, cfg: cfg, logger: logger, out: os.Stdout, in: os.Stdin}
	if err := cmd.run(ctx, e, flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "feedsync %s: %v\n", name, err)
		a.Stop()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: feedsync [-config path] <command> [args]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[n].usage)
	}
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

// defaultConfigPath prefers $FEEDSYNC_CONFIG, then feedsync.yaml in the
// working directory.
func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("FEEDSYNC_CONFIG")); p != "" {
		return p
	}
	return "feedsync.yaml"
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
