// Package config loads runtime configuration from environment variables,
// optionally layered over a TOML file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for FlowCatalyst
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Queue configuration (embedded, NATS or SQS)
	Queue QueueConfig

	// Outbox processor configuration
	Outbox OutboxConfig

	// Dispatch job configuration
	Dispatch DispatchConfig

	// Core API configuration
	Core CoreConfig

	// Leader election configuration
	Leader LeaderConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// OutboxConfig holds outbox processor configuration
type OutboxConfig struct {
	Enabled bool

	// Driver selects the outbox store: "postgres" or "mongo"
	Driver string

	// PostgresDSN is the connection string for the postgres driver
	PostgresDSN string

	// APIBaseURL is the core API base URL the processor delivers to
	APIBaseURL string

	// APIAuthToken is the service token sent on deliver requests
	APIAuthToken string

	PollInterval        time.Duration
	PollBatchSize       int
	APIBatchSize        int
	MaxConcurrentGroups int
	GlobalBufferSize    int
	RecoveryInterval    time.Duration
	ProcessingTimeout   time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
}

// DispatchConfig holds dispatch job configuration
type DispatchConfig struct {
	// AppKey signs per-job HMAC auth tokens
	AppKey string

	// ProcessingEndpoint is the core API URL routers call back into
	ProcessingEndpoint string

	// DefaultPoolCode is used for jobs without a pool
	DefaultPoolCode string

	// Subject is the queue subject prefix for dispatch pointers
	Subject string

	// DefaultTimeout bounds webhook execution when a job sets none
	DefaultTimeout time.Duration

	// CredentialsCacheTTL is how long resolved credentials are cached
	CredentialsCacheTTL time.Duration

	Scheduler SchedulerConfig
}

// SchedulerConfig holds dispatch scheduler configuration
type SchedulerConfig struct {
	PollInterval        time.Duration
	BatchSize           int
	StaleThreshold      time.Duration
	MaintenanceInterval time.Duration
}

// CoreConfig holds core API configuration
type CoreConfig struct {
	// ServiceTokenSecret is the HS256 secret for service tokens on the
	// deliver and postbox endpoints; empty disables enforcement
	ServiceTokenSecret string

	// EventSubject is the queue subject prefix for EVENT pointers
	EventSubject string

	// PostboxMaxPayloadBytes caps ingested payloads
	PostboxMaxPayloadBytes int
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// Backend selects the lock store: "mongo" or "redis"
	Backend string

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// RedisURL is the connection URL for the redis backend
	RedisURL string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", nil),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Outbox: OutboxConfig{
			Enabled:             getEnvBool("OUTBOX_ENABLED", true),
			Driver:              getEnv("OUTBOX_DRIVER", "mongo"),
			PostgresDSN:         getEnv("OUTBOX_POSTGRES_DSN", ""),
			APIBaseURL:          getEnv("OUTBOX_API_BASE_URL", "http://localhost:8080"),
			APIAuthToken:        getEnv("OUTBOX_API_AUTH_TOKEN", ""),
			PollInterval:        getEnvDuration("OUTBOX_POLL_INTERVAL", 1*time.Second),
			PollBatchSize:       getEnvInt("OUTBOX_POLL_BATCH_SIZE", 500),
			APIBatchSize:        getEnvInt("OUTBOX_API_BATCH_SIZE", 100),
			MaxConcurrentGroups: getEnvInt("OUTBOX_MAX_CONCURRENT_GROUPS", 10),
			GlobalBufferSize:    getEnvInt("OUTBOX_GLOBAL_BUFFER_SIZE", 1000),
			RecoveryInterval:    getEnvDuration("OUTBOX_RECOVERY_INTERVAL", 60*time.Second),
			ProcessingTimeout:   getEnvDuration("OUTBOX_PROCESSING_TIMEOUT", 300*time.Second),
			MaxRetries:          getEnvInt("OUTBOX_MAX_RETRIES", 3),
			RetryDelay:          getEnvDuration("OUTBOX_RETRY_DELAY", 60*time.Second),
		},

		Dispatch: DispatchConfig{
			AppKey:              getEnv("DISPATCH_APP_KEY", ""),
			ProcessingEndpoint:  getEnv("DISPATCH_PROCESSING_ENDPOINT", "http://localhost:8080/api/dispatch/process"),
			DefaultPoolCode:     getEnv("DISPATCH_DEFAULT_POOL", "DEFAULT-POOL"),
			Subject:             getEnv("DISPATCH_SUBJECT", "dispatch"),
			DefaultTimeout:      getEnvDuration("DISPATCH_DEFAULT_TIMEOUT", 30*time.Second),
			CredentialsCacheTTL: getEnvDuration("DISPATCH_CREDENTIALS_CACHE_TTL", 5*time.Minute),
			Scheduler: SchedulerConfig{
				PollInterval:        getEnvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
				BatchSize:           getEnvInt("SCHEDULER_BATCH_SIZE", 100),
				StaleThreshold:      getEnvDuration("SCHEDULER_STALE_THRESHOLD", 15*time.Minute),
				MaintenanceInterval: getEnvDuration("SCHEDULER_MAINTENANCE_INTERVAL", 60*time.Second),
			},
		},

		Core: CoreConfig{
			ServiceTokenSecret:     getEnv("CORE_SERVICE_TOKEN_SECRET", ""),
			EventSubject:           getEnv("CORE_EVENT_SUBJECT", "events"),
			PostboxMaxPayloadBytes: getEnvInt("POSTBOX_MAX_PAYLOAD_BYTES", 1<<20),
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			Backend:         getEnv("LEADER_BACKEND", "mongo"),
			InstanceID:      getEnv("HOSTNAME", ""),
			RedisURL:        getEnv("LEADER_REDIS_URL", "redis://localhost:6379"),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
