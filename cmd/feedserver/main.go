// Command feedserver is the development backend for feedsync. It loads a
// YAML configuration file, opens either a seeded in-memory store or a
// PostgreSQL store, optionally synthesizes a new event at a fixed interval,
// serves the REST API over HTTP, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ioteventfeed/feedsync/internal/config"
	"github.com/ioteventfeed/feedsync/internal/server/rest"
	"github.com/ioteventfeed/feedsync/internal/server/storage"
)

// store is what the server needs from either storage backend.
type store interface {
	rest.Store
	storage.EventAdder
}

func main() {
	configPath := flag.String("config", "feedserver.yaml", "path to the feed server YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "feedserver: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("feed server starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("files_dir", cfg.FilesDir),
		slog.Bool("postgres", cfg.DatabaseURL != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	var st store
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer pg.Close()
		seeded, err := pg.SeedIfEmpty(ctx, time.Now(), cfg.FilesDir)
		if err != nil {
			logger.Error("failed to seed storage", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("PostgreSQL storage connected", slog.Bool("seeded", seeded))
		st = pg
	} else {
		mem, err := storage.NewSeededMemoryStore(time.Now(), cfg.FilesDir)
		if err != nil {
			logger.Error("failed to seed storage", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("using in-memory storage")
		st = mem
	}

	if cfg.EmitInterval > 0 {
		em := storage.NewEmitter(st, cfg.EmitInterval, logger)
		em.Start()
		defer em.Stop()
		logger.Info("event emitter started", slog.Duration("interval", cfg.EmitInterval))
	}

	// ── REST API server ──────────────────────────────────────────────────────
	tokens := rest.NewTokens([]byte(cfg.JWTSecret), cfg.TokenTTL)
	srv := rest.NewServer(st, tokens, cfg.FilesDir, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(srv),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("feed server exited cleanly")
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
