package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/sessionsync/internal/api"
	"github.com/gyaneshwarpardhi/sessionsync/internal/collector"
	"github.com/gyaneshwarpardhi/sessionsync/internal/config"
	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
	"github.com/gyaneshwarpardhi/sessionsync/internal/engine"
	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
	"github.com/gyaneshwarpardhi/sessionsync/internal/syncer"
)

var version = "dev" // set via ldflags at build time

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	cfgPath := flag.String("config", "configs/sessionsync.yaml", "Path to YAML config")
	flag.Parse()

	var level slog.LevelVar
	slog.SetDefault(newLogger(os.Stdout, "text", &level))

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	lvl, _ := config.ParseLevel(cfg.Log.Level)
	level.Set(lvl)
	logger := newLogger(os.Stdout, cfg.Log.Format, &level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loader, cfg, &level, logger); err != nil {
		slog.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("goodbye")
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) error {
	// ── Storage ──────────────────────────────────────────────────────────────
	if err := medium.EnsureDir(cfg.Storage.Dir); err != nil {
		return err
	}
	secret, err := cfg.Storage.Secret()
	if err != nil {
		return err
	}
	credMedium, err := medium.NewSecure(medium.NewFileSystem(cfg.Storage.CredentialsDir()), secret, "credentials")
	if err != nil {
		return err
	}
	creds := credential.NewStore(credMedium, logger)

	prefs, err := medium.OpenPreferences(ctx, cfg.Storage.PreferencesPath(), "device")
	if err != nil {
		return err
	}
	defer func() { _ = prefs.Close() }()
	device, err := engine.LoadDeviceContext(ctx, prefs, version)
	if err != nil {
		return err
	}

	// ── Sessions ─────────────────────────────────────────────────────────────
	sessions, err := session.Open(ctx, cfg.Storage.SessionsDir(), session.Options{
		IdleTimeout:   cfg.Session.IdleTimeout(),
		QueueSize:     cfg.Session.QueueDepth,
		DeviceContext: func() map[string]event.Value { return device },
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// ── Sync ─────────────────────────────────────────────────────────────────
	col, err := collector.NewHTTP(collector.Options{
		BaseURL:            cfg.Collector.BaseURL,
		MaxEventsPerUpload: cfg.Collector.MaxEventsPerUpload,
		RequestsPerSecond:  cfg.Collector.RequestsPerSecond,
		Burst:              cfg.Collector.Burst,
		Client:             &http.Client{Timeout: cfg.Collector.Timeout()},
		UserAgent:          "sessionsync/" + version,
		Logger:             logger,
	}, creds)
	if err != nil {
		_ = sessions.Close(context.Background())
		return err
	}
	coord := syncer.New(syncer.Config{
		Collector:     col,
		Credentials:   creds,
		Sessions:      sessions,
		UploadTimeout: cfg.Sync.UploadTimeout(),
		Logger:        logger,
	})

	eng := engine.New(engine.Config{
		Sessions:       sessions,
		Credentials:    creds,
		Coordinator:    coord,
		TrackLifecycle: cfg.Session.TrackLifecycle,
		Logger:         logger,
	})

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if lvl, err := config.ParseLevel(newCfg.Log.Level); err == nil {
			level.Set(lvl)
		}
		coord.SetInterval(newCfg.Sync.Interval())
		slog.Info("config hot-reloaded", "log_level", newCfg.Log.Level, "sync_interval", newCfg.Sync.Interval())
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.New(eng),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		coord.Run(gctx, cfg.Sync.Interval())
		return nil
	})
	eng.AppForegrounded()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return eng.Shutdown(shutCtx)
	})

	return g.Wait()
}
