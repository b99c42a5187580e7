package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mikage/codex-pool/internal/account"
	"github.com/mikage/codex-pool/internal/balancer"
	"github.com/mikage/codex-pool/internal/config"
	"github.com/mikage/codex-pool/internal/events"
	"github.com/mikage/codex-pool/internal/server"
	"github.com/mikage/codex-pool/internal/store"
	"github.com/mikage/codex-pool/internal/transport"
	"github.com/mikage/codex-pool/internal/usage"
)

var version = "dev"

func main() {
	// .env is optional; deployments usually set the environment directly.
	godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	// Logging with ring buffer handler, optionally teed into a rotated file
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var logOut io.Writer = os.Stdout
	if cfg.LogFile != "" {
		logOut = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		})
	}
	logHandler := events.NewLogHandler(logOut, level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("codex-pool starting", "version", version)

	// SQLite store
	s, err := store.New(cfg.DatabaseURL, cfg.MigrationsFailFast)
	if err != nil {
		var merr *store.MigrationError
		if !errors.As(err, &merr) || s == nil {
			slog.Error("database init failed", "error", err)
			os.Exit(1)
		}
		slog.Warn("database migration incomplete, continuing", "error", merr)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DatabaseURL)

	// Token encryption (derives the key at startup)
	crypto, err := account.NewCrypto(cfg.EncryptionKey)
	if err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(200)
	oauth := account.NewOAuthClient(cfg.AuthBaseURL, cfg.OAuthClientID,
		cfg.OAuthRedirectURI, cfg.OAuthScope, cfg.OAuthTimeout)
	accounts := account.NewManager(s, crypto, oauth, bus, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Balancer seeded from stored accounts before any request arrives
	bal := balancer.New(s, bus, cfg)
	if err := bal.Sync(ctx); err != nil {
		slog.Error("initial balancer sync failed", "error", err)
		os.Exit(1)
	}

	// Per-account upstream transports (utls + optional proxy)
	tm := transport.NewManager(cfg)
	defer tm.Close()

	// Background usage sampling feeds the balancer and the dashboard
	fetcher := usage.NewFetcher(cfg.UsageAPIURL, tm)
	updater := usage.NewUpdater(s, fetcher, accounts, crypto, bal, bus, cfg)
	go updater.Run(ctx)

	srv := server.New(cfg, s, crypto, oauth, accounts, bal, tm, bus, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
