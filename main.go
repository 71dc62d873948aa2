// Session Router - multiplexes client connections onto agent conversations
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/session-router/internal/acp"
	"github.com/workspace/session-router/internal/approval"
	"github.com/workspace/session-router/internal/auth"
	"github.com/workspace/session-router/internal/autocommit"
	"github.com/workspace/session-router/internal/clock"
	"github.com/workspace/session-router/internal/config"
	"github.com/workspace/session-router/internal/logging"
	"github.com/workspace/session-router/internal/policy"
	"github.com/workspace/session-router/internal/query"
	"github.com/workspace/session-router/internal/registry"
	"github.com/workspace/session-router/internal/router"
	"github.com/workspace/session-router/internal/server"
	"github.com/workspace/session-router/internal/store"
	"github.com/workspace/session-router/internal/telemetry"
)

func main() {
	logging.Setup()
	slog.Info("Starting session router...")

	cfg, err := config.Load()
	if err != nil {
		fatal("Failed to load configuration", err)
	}

	// Persistence: reads go straight to SQLite, writes through the async writer.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		fatal("Failed to create database directory", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal("Failed to open store", err)
	}
	writer := store.NewAsyncWriter(st, cfg.StoreQueueSize, slog.Default())

	guard, err := policy.NewGuard(cfg.PolicyFile, slog.Default())
	if err != nil {
		fatal("Failed to load policy", err)
	}
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if cfg.PolicyFile != "" && cfg.PolicyWatch {
		if err := guard.Watch(watchCtx); err != nil {
			slog.Warn("Policy hot reload disabled", "error", err)
		}
	}

	var authn auth.Authenticator
	var jwtValidator *auth.JWTValidator
	if cfg.AuthDisabled {
		slog.Warn("Authentication disabled: every connection gets the default role", "role", cfg.DefaultRole)
		authn = auth.Anonymous{Role: cfg.DefaultRole}
	} else {
		jwtValidator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience, cfg.DefaultRole)
		if err != nil {
			fatal("Failed to create JWT validator", err)
		}
		authn = jwtValidator
	}

	tel, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:    cfg.TelemetryEnabled,
		Exporter:   cfg.TelemetryExporter,
		Endpoint:   cfg.TelemetryEndpoint,
		SampleRate: cfg.TelemetrySampleRate,
	})
	if err != nil {
		fatal("Failed to initialize telemetry", err)
	}
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		fatal("Failed to create metrics", err)
	}

	clk := clock.Real{}
	eng := acp.NewEngine(acp.Config{
		Command:     cfg.EngineCommand,
		Args:        cfg.EngineArgs,
		Env:         cfg.EngineEnv,
		InitTimeout: cfg.EngineInitTimeout,
		Logger:      slog.Default(),
	})
	queries := query.NewManager(eng, query.Config{
		MaxConcurrent: cfg.MaxConcurrentQueries,
		GracePeriod:   cfg.HandleGracePeriod,
		Clock:         clk,
		Logger:        slog.Default(),
	})
	gate := approval.NewGate(approval.Config{
		Timeout: cfg.QuestionTimeout,
		Clock:   clk,
		Logger:  slog.Default(),
	})

	var committer router.Committer
	if cfg.AutoCommit {
		committer = autocommit.New(cfg.WorkingDir, cfg.AutoCommitTimeout, slog.Default())
	}

	rt := router.New(router.Options{
		Registry:     registry.New(),
		Queries:      queries,
		Gate:         gate,
		Policy:       guard,
		Store:        writer,
		Committer:    committer,
		Clock:        clk,
		Logger:       slog.Default(),
		Tracer:       tel.Tracer,
		Metrics:      metrics,
		WorkingDir:   cfg.WorkingDir,
		HangTimeout:  cfg.HangTimeout,
		AskUserTool:  cfg.AskUserTool,
		SendBuffer:   cfg.WSSendBuffer,
		PingInterval: cfg.WSPingInterval,
		PongTimeout:  cfg.WSPongTimeout,
	})

	srv, err := server.New(cfg, server.Deps{
		Auth:    authn,
		Router:  rt,
		Queries: queries,
		Store:   st,
		Logger:  slog.Default(),
	})
	if err != nil {
		fatal("Failed to create server", err)
	}

	slog.Info("Configuration loaded", "port", cfg.Port, "workingDir", cfg.WorkingDir, "engine", cfg.EngineCommand, "maxConcurrentQueries", cfg.MaxConcurrentQueries)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		fatal("Server error", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}
	queries.Shutdown()
	writer.Shutdown()
	if err := st.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
	if jwtValidator != nil {
		jwtValidator.Close()
	}
	if err := tel.Shutdown(ctx); err != nil {
		slog.Warn("Failed to flush telemetry", "error", err)
	}

	slog.Info("Session router stopped")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
