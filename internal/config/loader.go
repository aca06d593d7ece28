package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP     TOMLHTTPConfig     `toml:"http"`
	MongoDB  TOMLMongoDBConfig  `toml:"mongodb"`
	Queue    TOMLQueueConfig    `toml:"queue"`
	Outbox   TOMLOutboxConfig   `toml:"outbox"`
	Dispatch TOMLDispatchConfig `toml:"dispatch"`
	Core     TOMLCoreConfig     `toml:"core"`
	Leader   TOMLLeaderConfig   `toml:"leader"`
	DataDir  string             `toml:"data_dir"`
	DevMode  bool               `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type string         `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
	SQS  TOMLSQSConfig  `toml:"sqs"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLOutboxConfig represents outbox processor configuration in TOML
type TOMLOutboxConfig struct {
	Enabled             bool   `toml:"enabled"`
	Driver              string `toml:"driver"`
	PostgresDSN         string `toml:"postgres_dsn"`
	APIBaseURL          string `toml:"api_base_url"`
	APIAuthToken        string `toml:"api_auth_token"`
	PollInterval        string `toml:"poll_interval"`
	PollBatchSize       int    `toml:"poll_batch_size"`
	APIBatchSize        int    `toml:"api_batch_size"`
	MaxConcurrentGroups int    `toml:"max_concurrent_groups"`
	GlobalBufferSize    int    `toml:"global_buffer_size"`
	RecoveryInterval    string `toml:"recovery_interval"`
	ProcessingTimeout   string `toml:"processing_timeout"`
	MaxRetries          int    `toml:"max_retries"`
}

// TOMLDispatchConfig represents dispatch configuration in TOML
type TOMLDispatchConfig struct {
	AppKey              string              `toml:"app_key"`
	ProcessingEndpoint  string              `toml:"processing_endpoint"`
	DefaultPoolCode     string              `toml:"default_pool"`
	Subject             string              `toml:"subject"`
	DefaultTimeout      string              `toml:"default_timeout"`
	CredentialsCacheTTL string              `toml:"credentials_cache_ttl"`
	Scheduler           TOMLSchedulerConfig `toml:"scheduler"`
}

// TOMLSchedulerConfig represents dispatch scheduler configuration in TOML
type TOMLSchedulerConfig struct {
	PollInterval        string `toml:"poll_interval"`
	BatchSize           int    `toml:"batch_size"`
	StaleThreshold      string `toml:"stale_threshold"`
	MaintenanceInterval string `toml:"maintenance_interval"`
}

// TOMLCoreConfig represents core API configuration in TOML
type TOMLCoreConfig struct {
	ServiceTokenSecret     string `toml:"service_token_secret"`
	EventSubject           string `toml:"event_subject"`
	PostboxMaxPayloadBytes int    `toml:"postbox_max_payload_bytes"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	Backend         string `toml:"backend"`
	InstanceID      string `toml:"instance_id"`
	RedisURL        string `toml:"redis_url"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Outbox: OutboxConfig{
			Enabled:             tc.Outbox.Enabled,
			Driver:              tc.Outbox.Driver,
			PostgresDSN:         tc.Outbox.PostgresDSN,
			APIBaseURL:          tc.Outbox.APIBaseURL,
			APIAuthToken:        tc.Outbox.APIAuthToken,
			PollBatchSize:       tc.Outbox.PollBatchSize,
			APIBatchSize:        tc.Outbox.APIBatchSize,
			MaxConcurrentGroups: tc.Outbox.MaxConcurrentGroups,
			GlobalBufferSize:    tc.Outbox.GlobalBufferSize,
			MaxRetries:          tc.Outbox.MaxRetries,
		},
		Dispatch: DispatchConfig{
			AppKey:             tc.Dispatch.AppKey,
			ProcessingEndpoint: tc.Dispatch.ProcessingEndpoint,
			DefaultPoolCode:    tc.Dispatch.DefaultPoolCode,
			Subject:            tc.Dispatch.Subject,
			Scheduler: SchedulerConfig{
				BatchSize: tc.Dispatch.Scheduler.BatchSize,
			},
		},
		Core: CoreConfig{
			ServiceTokenSecret:     tc.Core.ServiceTokenSecret,
			EventSubject:           tc.Core.EventSubject,
			PostboxMaxPayloadBytes: tc.Core.PostboxMaxPayloadBytes,
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			Backend:    tc.Leader.Backend,
			InstanceID: tc.Leader.InstanceID,
			RedisURL:   tc.Leader.RedisURL,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	// Parse durations
	setDuration(&cfg.Outbox.PollInterval, tc.Outbox.PollInterval)
	setDuration(&cfg.Outbox.RecoveryInterval, tc.Outbox.RecoveryInterval)
	setDuration(&cfg.Outbox.ProcessingTimeout, tc.Outbox.ProcessingTimeout)
	setDuration(&cfg.Dispatch.DefaultTimeout, tc.Dispatch.DefaultTimeout)
	setDuration(&cfg.Dispatch.CredentialsCacheTTL, tc.Dispatch.CredentialsCacheTTL)
	setDuration(&cfg.Dispatch.Scheduler.PollInterval, tc.Dispatch.Scheduler.PollInterval)
	setDuration(&cfg.Dispatch.Scheduler.StaleThreshold, tc.Dispatch.Scheduler.StaleThreshold)
	setDuration(&cfg.Dispatch.Scheduler.MaintenanceInterval, tc.Dispatch.Scheduler.MaintenanceInterval)
	setDuration(&cfg.Leader.TTL, tc.Leader.TTL)
	setDuration(&cfg.Leader.RefreshInterval, tc.Leader.RefreshInterval)

	return cfg, nil
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}

// mergeConfigs merges two configs, with override taking precedence for
// values that differ from the environment defaults
func mergeConfigs(base, override *Config) *Config {
	defaults, _ := loadDefaults()
	result := *base

	// HTTP
	if override.HTTP.Port != defaults.HTTP.Port {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// MongoDB
	if override.MongoDB.URI != defaults.MongoDB.URI {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != defaults.MongoDB.Database {
		result.MongoDB.Database = override.MongoDB.Database
	}

	// Queue
	if override.Queue.Type != defaults.Queue.Type {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.NATS.URL != defaults.Queue.NATS.URL {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != defaults.Queue.SQS.Region {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}

	// Outbox
	if override.Outbox.Driver != defaults.Outbox.Driver {
		result.Outbox.Driver = override.Outbox.Driver
	}
	if override.Outbox.PostgresDSN != "" {
		result.Outbox.PostgresDSN = override.Outbox.PostgresDSN
	}
	if override.Outbox.APIBaseURL != defaults.Outbox.APIBaseURL {
		result.Outbox.APIBaseURL = override.Outbox.APIBaseURL
	}
	if override.Outbox.APIAuthToken != "" {
		result.Outbox.APIAuthToken = override.Outbox.APIAuthToken
	}

	// Dispatch
	if override.Dispatch.AppKey != "" {
		result.Dispatch.AppKey = override.Dispatch.AppKey
	}
	if override.Dispatch.ProcessingEndpoint != defaults.Dispatch.ProcessingEndpoint {
		result.Dispatch.ProcessingEndpoint = override.Dispatch.ProcessingEndpoint
	}

	// Core
	if override.Core.ServiceTokenSecret != "" {
		result.Core.ServiceTokenSecret = override.Core.ServiceTokenSecret
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.Backend != defaults.Leader.Backend {
		result.Leader.Backend = override.Leader.Backend
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}
	if override.Leader.RedisURL != defaults.Leader.RedisURL {
		result.Leader.RedisURL = override.Leader.RedisURL
	}

	// General
	if override.DataDir != defaults.DataDir {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// loadDefaults returns the baked-in defaults without env overrides, for
// the merge comparison
func loadDefaults() (*Config, error) {
	return &Config{
		HTTP:    HTTPConfig{Port: 8080},
		MongoDB: MongoDBConfig{URI: "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true", Database: "flowcatalyst"},
		Queue: QueueConfig{
			Type: "embedded",
			NATS: NATSConfig{URL: "nats://localhost:4222"},
			SQS:  SQSConfig{Region: "us-east-1"},
		},
		Outbox: OutboxConfig{
			Driver:     "mongo",
			APIBaseURL: "http://localhost:8080",
		},
		Dispatch: DispatchConfig{
			ProcessingEndpoint: "http://localhost:8080/api/dispatch/process",
		},
		Leader: LeaderConfig{
			Backend:  "mongo",
			RedisURL: "redis://localhost:6379",
		},
		DataDir: "./data",
	}, nil
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = []

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "flowcatalyst"

[queue]
type = "embedded"  # embedded, nats, or sqs

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[outbox]
enabled = true
driver = "mongo"  # mongo or postgres
postgres_dsn = ""
api_base_url = "http://localhost:8080"
api_auth_token = ""
poll_interval = "1s"
poll_batch_size = 500
api_batch_size = 100
max_concurrent_groups = 10
global_buffer_size = 1000
recovery_interval = "60s"
processing_timeout = "300s"
max_retries = 10

[dispatch]
app_key = ""
processing_endpoint = "http://localhost:8080/api/dispatch/process"
default_pool = "DEFAULT-POOL"
subject = "dispatch"
default_timeout = "30s"
credentials_cache_ttl = "5m"

[dispatch.scheduler]
poll_interval = "5s"
batch_size = 100
stale_threshold = "15m"
maintenance_interval = "60s"

[core]
service_token_secret = ""
event_subject = "events"
postbox_max_payload_bytes = 1048576

[leader]
enabled = false
backend = "mongo"  # mongo or redis
instance_id = ""
redis_url = "redis://localhost:6379"
ttl = "30s"
refresh_interval = "10s"

data_dir = "./data"
dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
