// FlowCatalyst Outbox Processor
//
// Standalone outbox processor binary for production deployments. Claims
// pending outbox rows and delivers them to the core API in FIFO order per
// message group.

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/dispatcher/internal/common/health"
	"go.flowcatalyst.tech/dispatcher/internal/common/leader"
	"go.flowcatalyst.tech/dispatcher/internal/config"
	"go.flowcatalyst.tech/dispatcher/internal/outbox"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting FlowCatalyst Outbox Processor",
		"version", version,
		"build_time", buildTime,
		"component", "outbox")

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := health.NewChecker()

	repoConfig := &outbox.RepositoryConfig{
		ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
		MaxRetries:        cfg.Outbox.MaxRetries,
		RetryDelay:        cfg.Outbox.RetryDelay,
	}

	repo, electorDB, cleanup, err := setupRepository(ctx, cfg, repoConfig, healthChecker)
	if err != nil {
		slog.Error("Failed to set up outbox store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := repo.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create outbox schema", "error", err)
		os.Exit(1)
	}

	deliverer := outbox.NewDeliverClient(&outbox.DeliverClientConfig{
		BaseURL:   cfg.Outbox.APIBaseURL,
		AuthToken: cfg.Outbox.APIAuthToken,
	})

	processorConfig := &outbox.ProcessorConfig{
		Enabled:             cfg.Outbox.Enabled,
		PollInterval:        cfg.Outbox.PollInterval,
		PollBatchSize:       cfg.Outbox.PollBatchSize,
		APIBatchSize:        cfg.Outbox.APIBatchSize,
		MaxConcurrentGroups: cfg.Outbox.MaxConcurrentGroups,
		GlobalBufferSize:    cfg.Outbox.GlobalBufferSize,
		RecoveryInterval:    cfg.Outbox.RecoveryInterval,
	}
	processor := outbox.NewProcessor(repo, deliverer, processorConfig)

	if cfg.Leader.Enabled {
		elector, err := setupElector(cfg, electorDB)
		if err != nil {
			slog.Error("Failed to set up leader election", "error", err)
			os.Exit(1)
		}
		processor.WithElector(elector)
		if err := elector.Start(ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
			os.Exit(1)
		}
		defer elector.Stop()
	}

	processor.Start()
	defer processor.Stop()

	slog.Info("Outbox processor started",
		"driver", cfg.Outbox.Driver,
		"apiBaseURL", cfg.Outbox.APIBaseURL,
		"pollInterval", processorConfig.PollInterval,
		"batchSize", processorConfig.PollBatchSize,
		"leaderElection", cfg.Leader.Enabled)

	// HTTP surface: health, metrics, and a processor status endpoint
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthChecker.HandleHealth)
	r.Get("/health/live", healthChecker.HandleLive)
	r.Get("/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/outbox/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(processor.GetStats())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}

	slog.Info("FlowCatalyst Outbox Processor stopped")
}

// setupRepository builds the outbox store for the configured driver.
// Returns the repository, the Mongo database when one was opened (for the
// mongo leader elector), and a cleanup function.
func setupRepository(
	ctx context.Context,
	cfg *config.Config,
	repoConfig *outbox.RepositoryConfig,
	healthChecker *health.Checker,
) (outbox.Repository, *mongo.Database, func(), error) {
	switch cfg.Outbox.Driver {
	case "postgres":
		slog.Info("Connecting to Postgres outbox store")
		db, err := sql.Open("pgx", cfg.Outbox.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		healthChecker.AddReadinessCheck(health.PostgresCheck(func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer pingCancel()
			return db.PingContext(pingCtx)
		}))
		cleanup := func() { db.Close() }
		return outbox.NewPostgresRepository(db, repoConfig), nil, cleanup, nil

	case "mongo":
		slog.Info("Connecting to MongoDB outbox store", "uri", maskURI(cfg.MongoDB.URI))
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(ctx)
			return nil, nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
			return client.Ping(ctx, nil)
		}))
		db := client.Database(cfg.MongoDB.Database)
		cleanup := func() { client.Disconnect(context.Background()) }
		return outbox.NewMongoRepository(db, repoConfig), db, cleanup, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown outbox driver: %s (use 'mongo' or 'postgres')", cfg.Outbox.Driver)
	}
}

// setupElector builds the configured leader elector. The mongo backend
// requires a Mongo connection, which the postgres driver doesn't open, so
// postgres deployments use the redis backend.
func setupElector(cfg *config.Config, db *mongo.Database) (leader.Elector, error) {
	electorCfg := leader.DefaultElectorConfig("outbox-processor-leader")
	if cfg.Leader.InstanceID != "" {
		electorCfg.InstanceID = cfg.Leader.InstanceID
	}
	if cfg.Leader.TTL > 0 {
		electorCfg.TTL = cfg.Leader.TTL
	}
	if cfg.Leader.RefreshInterval > 0 {
		electorCfg.RefreshInterval = cfg.Leader.RefreshInterval
	}

	switch cfg.Leader.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Leader.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return leader.NewRedisLeaderElector(client, &leader.RedisElectorConfig{
			InstanceID:      electorCfg.InstanceID,
			LockName:        electorCfg.LockName,
			TTL:             electorCfg.TTL,
			RefreshInterval: electorCfg.RefreshInterval,
		}), nil

	case "mongo":
		if db == nil {
			return nil, fmt.Errorf("mongo leader backend requires the mongo outbox driver")
		}
		return leader.NewLeaderElector(db, electorCfg), nil

	default:
		return nil, fmt.Errorf("unknown leader backend: %s (use 'mongo' or 'redis')", cfg.Leader.Backend)
	}
}

// maskURI masks sensitive parts of a MongoDB URI for logging
func maskURI(uri string) string {
	if len(uri) > 20 {
		return uri[:20] + "..."
	}
	return uri
}
