package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/lucid-engine/internal/agent"
	"github.com/ashureev/lucid-engine/internal/api"
	"github.com/ashureev/lucid-engine/internal/auth"
	"github.com/ashureev/lucid-engine/internal/config"
	"github.com/ashureev/lucid-engine/internal/container"
	"github.com/ashureev/lucid-engine/internal/events"
	"github.com/ashureev/lucid-engine/internal/middleware"
	"github.com/ashureev/lucid-engine/internal/realtime"
	"github.com/ashureev/lucid-engine/internal/session"
	"github.com/ashureev/lucid-engine/internal/store"
	"github.com/ashureev/lucid-engine/internal/stream"
	"github.com/ashureev/lucid-engine/internal/workspace"
	"github.com/spf13/cobra"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(parent context.Context, cfg *config.Config) error {
	logger := slog.Default()
	slog.Info("Starting server", "port", cfg.Port, "mock_mode", cfg.MockMode(), "sandbox", cfg.Sandbox.Enabled)

	if err := os.MkdirAll(cfg.Workspace.BasePath, 0o755); err != nil {
		return fmt.Errorf("create workspace base %s: %w", cfg.Workspace.BasePath, err)
	}

	repo, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(parent); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	slog.Info("Database connected")

	// Sandboxes are optional: nil runs sessions in plain directories.
	var sandboxes container.Manager
	var docker *container.DockerManager
	if cfg.Sandbox.Enabled {
		docker, err = newSandboxManager(cfg)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(parent, 5*time.Second)
		err = docker.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("docker unavailable: %w", err)
		}
		sandboxes = docker

		cleanupCtx, cancel := context.WithTimeout(parent, 2*time.Minute)
		removed := docker.CleanupOrphaned(cleanupCtx)
		cancel()
		slog.Info("Orphaned sandbox cleanup complete", "removed", removed)
	}

	// Fall back to mock runners when the agent runner is unreachable.
	var grpcClient *agent.GrpcClient
	if cfg.Agent.RunnerAddr != "" {
		grpcClient, err = agent.NewGrpcClient(agent.DefaultGrpcClientConfig(cfg.Agent.RunnerAddr), logger)
		if err != nil {
			slog.Warn("Agent runner unavailable, falling back to mock mode", "error", err)
			grpcClient = nil
		} else {
			defer grpcClient.Close()
		}
	}
	factory := agent.NewFactory(cfg.Agent, grpcClient)
	if factory.MockMode() {
		slog.Info("Running in mock mode")
	}

	reg := session.NewRegistry()
	sessions := session.NewManager(reg, sandboxes, factory, session.Options{
		BasePath:      cfg.Workspace.BasePath,
		Retain:        cfg.Workspace.Retain,
		MountPath:     cfg.Sandbox.MountPath,
		QueueCapacity: cfg.Stream.QueueCapacity,
		Limits: events.Limits{
			ContentMaxChars: cfg.Stream.EventMaxChars,
			ThoughtMaxChars: cfg.Stream.ThoughtMaxChars,
		},
		DefaultProvider: cfg.Agent.DefaultProvider,
	})

	authn := auth.New(cfg.Auth)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	wsHandler := realtime.NewHandler(sessions, authn, repo, limiter, realtime.Config{
		HandshakeTimeout: cfg.Timeout.Handshake,
		RunTimeout:       cfg.Timeout.Run,
		TeardownTimeout:  cfg.Timeout.Teardown,
		Stream: stream.Config{
			BatchSize:     cfg.Stream.BatchSize,
			BatchInterval: cfg.Stream.BatchInterval,
			PollInterval:  cfg.Stream.PollInterval,
		},
		OriginPatterns: middleware.OriginPatterns(cfg.AllowedOrigins),
	}, logger)

	var sandboxStatus api.Sandboxes
	if docker != nil {
		sandboxStatus = docker
	}

	router := api.NewRouter(api.RouterDeps{
		Auth:           authn,
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		Health:         api.NewHealthHandler(repo, factory, sandboxStatus, reg, cfg.Agent.DefaultProvider),
		Sessions:       api.NewSessionHandler(sessions),
		Files:          api.NewFileHandler(workspace.NewResolver(reg, cfg.Workspace.BasePath)),
		Chats:          api.NewChatHandler(repo),
		Realtime:       wsHandler,
	})

	// No WriteTimeout: websocket connections stay open for the whole session.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.StartReaper(ctx, sessions, cfg.Timeout.SessionIdleTTL, cfg.Timeout.ReaperInterval)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Teardown+10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by srv.Shutdown, so the
	// handler waits for their teardown itself. Every transcript write happens
	// before the deferred store close.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("WebSocket teardown incomplete", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Session shutdown incomplete", "error", err)
	}
	if docker != nil {
		docker.DestroyAll(shutdownCtx)
	}

	slog.Info("Server stopped successfully")
	return nil
}
