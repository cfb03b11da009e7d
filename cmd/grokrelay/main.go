package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/yansir/grok-relay/internal/config"
	"github.com/yansir/grok-relay/internal/events"
	"github.com/yansir/grok-relay/internal/secret"
	"github.com/yansir/grok-relay/internal/server"
	"github.com/yansir/grok-relay/internal/session"
	"github.com/yansir/grok-relay/internal/store"
	"github.com/yansir/grok-relay/internal/telemetry"
	"github.com/yansir/grok-relay/internal/upstream"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("grok-relay starting", "version", version)

	st, err := store.New(cfg.DBPath, store.Options{
		MinConns:  cfg.DBMinConns,
		MaxConns:  cfg.DBMaxConns,
		Retries:   cfg.StoreRetries,
		RetryWait: cfg.StoreRetryWait,
	})
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	crypto := secret.New(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("cookie"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.NewMetrics()
	bus := events.NewBus(200)

	pool := session.NewPool(st, crypto, session.ClassifierConfig{
		RotationThreshold: cfg.RotationThreshold,
		MaxAge:            cfg.MaxAge,
		FailureThreshold:  cfg.FailureThreshold,
		MinUsageForRate:   cfg.MinUsageForRate,
	}, cfg.AcquireWait, metrics, bus)
	if err := pool.Load(context.Background()); err != nil {
		slog.Error("session pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("session pool loaded", "stats", pool.Stats())

	egress := upstream.NewEgressPool(cfg.AttemptTimeout)
	defer egress.Close()

	srv := server.New(cfg, st, pool, egress, metrics, bus, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
