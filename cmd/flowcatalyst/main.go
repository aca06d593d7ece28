// FlowCatalyst
//
// Single-binary build: core API, dispatch scheduler, outbox processor and
// message router in one process, with an embedded queue by default. Intended
// for development and small deployments; production splits these into the
// core, outbox and router binaries.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/dispatcher/internal/common/health"
	"go.flowcatalyst.tech/dispatcher/internal/common/lifecycle"
	"go.flowcatalyst.tech/dispatcher/internal/common/secrets"
	"go.flowcatalyst.tech/dispatcher/internal/config"
	"go.flowcatalyst.tech/dispatcher/internal/core/api"
	"go.flowcatalyst.tech/dispatcher/internal/core/postbox"
	"go.flowcatalyst.tech/dispatcher/internal/dispatch"
	"go.flowcatalyst.tech/dispatcher/internal/outbox"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	natsqueue "go.flowcatalyst.tech/dispatcher/internal/queue/nats"
	sqlitequeue "go.flowcatalyst.tech/dispatcher/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/dispatcher/internal/queue/sqs"
	"go.flowcatalyst.tech/dispatcher/internal/router/manager"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
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

	slog.Info("Starting FlowCatalyst",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := lifecycle.NewManager()
	healthChecker := health.NewChecker()

	// MongoDB
	slog.Info("Connecting to MongoDB", "uri", maskURI(cfg.MongoDB.URI))
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	shutdown.RegisterDatabaseShutdown("mongodb", func(ctx context.Context) error {
		return mongoClient.Disconnect(ctx)
	})

	if err := mongoClient.Ping(ctx, nil); err != nil {
		slog.Error("Failed to ping MongoDB", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to MongoDB", "database", cfg.MongoDB.Database)

	healthChecker.AddReadinessCheck(health.MongoDBCheck(func() error {
		return mongoClient.Ping(ctx, nil)
	}))

	db := mongoClient.Database(cfg.MongoDB.Database)

	// Queue
	queuePublisher, queueConsumer, queueCloser, err := setupQueue(ctx, cfg, healthChecker)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}
	if queueCloser != nil {
		shutdown.RegisterQueueShutdown("queue", func(ctx context.Context) error {
			return queueCloser()
		})
	}

	// Dispatch jobs
	jobRepo := dispatch.NewInstrumentedRepository(dispatch.NewMongoRepository(db))
	if err := jobRepo.EnsureIndexes(ctx); err != nil {
		slog.Error("Failed to create dispatch indexes", "error", err)
		os.Exit(1)
	}

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
	enqueuer := dispatch.NewEnqueuer(queuePublisher, authService, &dispatch.EnqueuerConfig{
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
	scheduler.Start()
	shutdown.RegisterWorkerShutdown("dispatch-scheduler", func(ctx context.Context) error {
		scheduler.Stop()
		return nil
	})

	// Outbox store and in-process processor delivering to our own API
	outboxRepo := outbox.NewMongoRepository(db, &outbox.RepositoryConfig{
		ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
		MaxRetries:        cfg.Outbox.MaxRetries,
		RetryDelay:        cfg.Outbox.RetryDelay,
	})
	if err := outboxRepo.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create outbox schema", "error", err)
		os.Exit(1)
	}

	deliverer := outbox.NewDeliverClient(&outbox.DeliverClientConfig{
		BaseURL:   cfg.Outbox.APIBaseURL,
		AuthToken: cfg.Outbox.APIAuthToken,
	})
	outboxProcessor := outbox.NewProcessor(outboxRepo, deliverer, &outbox.ProcessorConfig{
		Enabled:             cfg.Outbox.Enabled,
		PollInterval:        cfg.Outbox.PollInterval,
		PollBatchSize:       cfg.Outbox.PollBatchSize,
		APIBatchSize:        cfg.Outbox.APIBatchSize,
		MaxConcurrentGroups: cfg.Outbox.MaxConcurrentGroups,
		GlobalBufferSize:    cfg.Outbox.GlobalBufferSize,
		RecoveryInterval:    cfg.Outbox.RecoveryInterval,
	})
	outboxProcessor.Start()
	shutdown.RegisterWorkerShutdown("outbox-processor", func(ctx context.Context) error {
		outboxProcessor.Stop()
		return nil
	})

	// Message router with pool config from the dispatch pool collection
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)
	messageRouter.Manager().WithConfigSync(dispatch.NewMongoPoolSource(db), nil)
	messageRouter.Start()
	shutdown.RegisterQueueShutdown("message-router", func(ctx context.Context) error {
		messageRouter.Stop()
		return nil
	})

	// Core API surface
	serviceAuth := api.NewServiceAuth(cfg.Core.ServiceTokenSecret)
	if !serviceAuth.Enabled() {
		slog.Warn("CORE_SERVICE_TOKEN_SECRET not set - deliver and postbox endpoints are unauthenticated")
	}

	deliverHandler := api.NewDeliverHandler(jobRepo, queuePublisher, enqueuer, &api.DeliverConfig{
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

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
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
	shutdown.RegisterHTTPShutdown("api", server.Shutdown)

	slog.Info("FlowCatalyst ready",
		"port", cfg.HTTP.Port,
		"queueType", cfg.Queue.Type,
		"outboxEnabled", cfg.Outbox.Enabled)

	// Blocks until SIGINT/SIGTERM, then drains in phase order:
	// HTTP, queue consumers, workers, database.
	if err := shutdown.Run(); err != nil {
		slog.Error("Graceful shutdown incomplete", "error", err)
	}

	slog.Info("FlowCatalyst stopped")
}

// setupQueue initializes the queue backend. The embedded SQLite queue serves
// both roles from one database; the broker backends return a publisher and a
// consumer over the same connection.
func setupQueue(ctx context.Context, cfg *config.Config, healthChecker *health.Checker) (queue.Publisher, queue.Consumer, func() error, error) {
	switch cfg.Queue.Type {
	case "embedded":
		q, err := sqlitequeue.New(cfg.Dispatch.Subject, queue.SQLiteConfig{
			Path: filepath.Join(cfg.DataDir, "queue.db"),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open embedded queue: %w", err)
		}
		slog.Info("Embedded SQLite queue started")
		return q, q, q.Close, nil

	case "embedded-nats":
		slog.Info("Starting embedded NATS server")
		natsCfg := natsqueue.DefaultEmbeddedConfig()
		if cfg.DataDir != "" {
			natsCfg.DataDir = filepath.Join(cfg.DataDir, "nats")
		} else if cfg.Queue.NATS.DataDir != "" {
			natsCfg.DataDir = cfg.Queue.NATS.DataDir
		}
		// Both pointer kinds flow through the single embedded stream
		natsCfg.Subjects = []string{
			cfg.Dispatch.Subject + ".>",
			cfg.Core.EventSubject + ".>",
		}

		embeddedNATS, err := natsqueue.NewEmbeddedServer(natsCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}

		// Empty filter: consume every subject on the stream
		consumer, err := embeddedNATS.CreateConsumer(ctx, "dispatch-consumer", "", nil)
		if err != nil {
			embeddedNATS.Close()
			return nil, nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
		}

		healthChecker.AddReadinessCheck(health.NATSCheck(func() bool {
			return embeddedNATS.Connection().IsConnected()
		}))

		slog.Info("Embedded NATS server started")
		return embeddedNATS.Publisher(), consumer, embeddedNATS.Close, nil

	case "nats":
		slog.Info("Connecting to external NATS server", "url", cfg.Queue.NATS.URL)
		natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
			URL:        cfg.Queue.NATS.URL,
			StreamName: "DISPATCH",
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		consumer, err := natsClient.CreateConsumer(ctx, "dispatch-consumer", cfg.Dispatch.Subject+".>")
		if err != nil {
			natsClient.Close()
			return nil, nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
		}

		healthChecker.AddReadinessCheck(health.NATSCheck(func() bool { return true }))

		slog.Info("Connected to external NATS server")
		return natsClient.Publisher(), consumer, natsClient.Close, nil

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
			return nil, nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
		}

		consumer := sqsClient.CreateConsumer("dispatch-consumer")

		healthChecker.AddReadinessCheck(health.SQSCheck(func() error {
			checkCtx, checkCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer checkCancel()
			return sqsClient.HealthCheck(checkCtx)
		}))

		slog.Info("Connected to AWS SQS")
		return sqsClient.Publisher(), consumer, sqsClient.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'embedded-nats', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

// maskURI masks sensitive parts of a MongoDB URI for logging
func maskURI(uri string) string {
	if len(uri) > 20 {
		return uri[:20] + "..."
	}
	return uri
}
