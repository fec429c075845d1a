package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamgate/internal/auth"
	"github.com/pscheid92/streamgate/internal/broker"
	"github.com/pscheid92/streamgate/internal/config"
	"github.com/pscheid92/streamgate/internal/database"
	"github.com/pscheid92/streamgate/internal/directory"
	"github.com/pscheid92/streamgate/internal/logging"
	"github.com/pscheid92/streamgate/internal/server"
	"github.com/pscheid92/streamgate/internal/signaling"
	"github.com/pscheid92/streamgate/internal/stream"
	"github.com/pscheid92/streamgate/internal/tracker"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	// Use log before slog is initialized
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := broker.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, streamSrv *stream.Server, relay *signaling.Relay, viewerTracker *tracker.Tracker, eventBroker *broker.Broker) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		streamSrv.Stop()
		relay.Stop()
		viewerTracker.Stop()
		eventBroker.Stop()

		close(done)
	}()

	return done
}

func main() {
	_ = godotenv.Load()

	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(context.Background(), cfg)
	defer func() { _ = redisClient.Close() }()

	eventBroker := broker.New(redisClient)
	if err := eventBroker.Start(context.Background()); err != nil {
		slog.Error("Failed to start event broker", "error", err)
		os.Exit(1)
	}

	principals := database.NewPrincipalRepo(pool)
	liveDirectory := directory.New(redisClient, clock)
	authenticator := auth.NewClient(cfg.AuthURL)

	registry := stream.NewRegistry()
	streamSrv := stream.NewServer(registry, eventBroker, principals, clock)

	viewerTracker := tracker.New(eventBroker, liveDirectory, registry, clock, cfg.ReconcileInterval)
	streamSrv.RegisterPlugin(tracker.NewWatchPlugin(viewerTracker))
	viewerTracker.Start()

	relay := signaling.NewRelay(liveDirectory, clock)
	streamSrv.SetLiveHandler(relay)

	srv := server.NewServer(cfg, streamSrv, authenticator, principals, redisClient, pool)

	done := runGracefulShutdown(srv, streamSrv, relay, viewerTracker, eventBroker)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
