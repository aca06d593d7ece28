// FlowCatalyst Core API
//
// Core API binary for production deployments. Serves the outbox deliver
// endpoint, the postbox ingest endpoint and the dispatch processing
// callback, and runs the dispatch scheduler.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"go.flowcatalyst.tech/dispatcher/internal/common/health"
	"go.flowcatalyst.tech/dispatcher/internal/common/leader"
	"go.flowcatalyst.tech/dispatcher/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatcher/internal/common/secrets"
	"go.flowcatalyst.tech/dispatcher/internal/core/api"
	"go.flowcatalyst.tech/dispatcher/internal/core/postbox"
	"go.flowcatalyst.tech/dispatcher/internal/dispatch"
	"go.flowcatalyst.tech/dispatcher/internal/outbox"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	natsqueue "go.flowcatalyst.tech/dispatcher/internal/queue/nats"
	sqlitequeue "go.flowcatalyst.tech/dispatcher/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/dispatcher/internal/queue/sqs"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Core API",
		"version", version,
		"build_time", buildTime,
		"component", "core")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		NeedsMongoDB: true,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	cfg := app.Config

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	publisher, queueHealthCheck, err := setupPublisher(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.MongoClient.Ping(pingCtx, nil)
	}))
	if queueHealthCheck != nil {
		healthChecker.AddReadinessCheck(queueHealthCheck)
	}

	// Dispatch job store
	jobRepo := dispatch.NewInstrumentedRepository(dispatch.NewMongoRepository(app.DB))
	if err := jobRepo.EnsureIndexes(ctx); err != nil {
		slog.Error("Failed to create dispatch indexes", "error", err)
		os.Exit(1)
	}

	// Postbox writes into the outbox store; the processor picks rows up
	// from there
	outboxRepo := outbox.NewMongoRepository(app.DB, &outbox.RepositoryConfig{
		ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
		MaxRetries:        cfg.Outbox.MaxRetries,
		RetryDelay:        cfg.Outbox.RetryDelay,
	})
	if err := outboxRepo.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create outbox schema", "error", err)
		os.Exit(1)
	}

	// Credentials for outbound webhook auth
	secretsProvider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	resolver := dispatch.NewCredentialsResolver(secretsProvider, cfg.Dispatch.CredentialsCacheTTL)

	authService := dispatch.NewAuthService(cfg.Dispatch.AppKey)
	executor := dispatch.NewExecutor(&dispatch.ExecutorConfig{
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
	}, resolver)
	enqueuer := dispatch.NewEnqueuer(publisher, authService, &dispatch.EnqueuerConfig{
		ProcessingEndpoint: cfg.Dispatch.ProcessingEndpoint,
		DefaultPoolCode:    cfg.Dispatch.DefaultPoolCode,
		Subject:            cfg.Dispatch.Subject,
	})

	scheduler := dispatch.NewScheduler(jobRepo, enqueuer, &dispatch.SchedulerConfig{
		PollInterval:        cfg.Dispatch.Scheduler.PollInterval,
		BatchSize:           cfg.Dispatch.Scheduler.BatchSize,
		StaleThreshold:      cfg.Dispatch.Scheduler.StaleThreshold,
		MaintenanceInterval: cfg.Dispatch.Scheduler.MaintenanceInterval,
	})

	if cfg.Leader.Enabled {
		elector, err := setupElector(app, "dispatch-scheduler-leader")
		if err != nil {
			slog.Error("Failed to set up leader election", "error", err)
			os.Exit(1)
		}
		scheduler.WithElector(elector)
		if err := elector.Start(ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
			os.Exit(1)
		}
		defer elector.Stop()
	}

	scheduler.Start()
	defer scheduler.Stop()

	// HTTP surface
	serviceAuth := api.NewServiceAuth(cfg.Core.ServiceTokenSecret)
	if !serviceAuth.Enabled() {
		slog.Warn("CORE_SERVICE_TOKEN_SECRET not set - deliver and postbox endpoints are unauthenticated")
	}

	deliverHandler := api.NewDeliverHandler(jobRepo, publisher, enqueuer, &api.DeliverConfig{
		EventSubject:    cfg.Core.EventSubject,
		DefaultPoolCode: cfg.Dispatch.DefaultPoolCode,
	})
	processHandler := api.NewProcessHandler(jobRepo, authService, executor)
	postboxHandler := postbox.NewHandler(outboxRepo, &postbox.HandlerConfig{
		MaxPayloadBytes: cfg.Core.PostboxMaxPayloadBytes,
	})

	httpRouter := api.NewRouter(
		&api.ServerConfig{CORSOrigins: cfg.HTTP.CORSOrigins},
		serviceAuth,
		deliverHandler,
		processHandler,
		healthChecker,
		postboxHandler,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("Core API ready",
		"port", cfg.HTTP.Port,
		"queueType", cfg.Queue.Type,
		"eventSubject", cfg.Core.EventSubject,
		"leaderElection", cfg.Leader.Enabled)

	// ========================================
	// 4. RUN UNTIL SHUTDOWN
	// ========================================
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	if err := lifecycle.Run(ctx, httpService); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Core API stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupPublisher initializes the queue publisher based on configuration.
func setupPublisher(ctx context.Context, app *lifecycle.App) (queue.Publisher, health.CheckFunc, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "embedded":
		q, err := sqlitequeue.New(cfg.Dispatch.Subject, queue.SQLiteConfig{
			Path: filepath.Join(cfg.DataDir, "queue.db"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open embedded queue: %w", err)
		}
		app.AddCleanup(q.Close)
		return q, nil, nil

	case "nats":
		slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)
		natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
			URL:        cfg.Queue.NATS.URL,
			StreamName: "DISPATCH",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		app.AddCleanup(func() error {
			slog.Info("Disconnecting from NATS")
			return natsClient.Close()
		})
		healthCheck := health.NATSCheck(func() bool { return true })
		return natsClient.Publisher(), healthCheck, nil

	case "sqs":
		slog.Info("Connecting to AWS SQS",
			"region", cfg.Queue.SQS.Region,
			"queueURL", cfg.Queue.SQS.QueueURL)
		sqsClient, err := sqsqueue.NewClient(ctx, &queue.SQSConfig{
			QueueURL:            cfg.Queue.SQS.QueueURL,
			Region:              cfg.Queue.SQS.Region,
			WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
		}
		app.AddCleanup(func() error {
			slog.Info("Disconnecting from SQS")
			return sqsClient.Close()
		})
		healthCheck := health.SQSCheck(func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sqsClient.HealthCheck(checkCtx)
		})
		return sqsClient.Publisher(), healthCheck, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

// setupElector builds the leader elector for the scheduler. The core binary
// always has MongoDB, so the mongo backend needs no extra infrastructure.
func setupElector(app *lifecycle.App, lockName string) (leader.Elector, error) {
	cfg := app.Config

	electorCfg := leader.DefaultElectorConfig(lockName)
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
		return leader.NewRedisLeaderElector(redis.NewClient(opts), &leader.RedisElectorConfig{
			InstanceID:      electorCfg.InstanceID,
			LockName:        electorCfg.LockName,
			TTL:             electorCfg.TTL,
			RefreshInterval: electorCfg.RefreshInterval,
		}), nil

	case "mongo":
		return leader.NewLeaderElector(app.DB, electorCfg), nil

	default:
		return nil, fmt.Errorf("unknown leader backend: %s (use 'mongo' or 'redis')", cfg.Leader.Backend)
	}
}
