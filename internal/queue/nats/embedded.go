package nats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

// EmbeddedServer runs an in-process NATS server with JetStream, used by
// single-binary builds that want broker semantics without external
// infrastructure
type EmbeddedServer struct {
	server    *server.Server
	conn      *nats.Conn
	js        jetstream.JetStream
	dataDir   string
	publisher *Publisher
}

// EmbeddedConfig parameterizes the embedded server
type EmbeddedConfig struct {
	DataDir    string
	Host       string
	Port       int
	StreamName string
	Subjects   []string
	MaxAge     time.Duration
}

// DefaultEmbeddedConfig returns the single-binary defaults
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir:    "./data/nats",
		Host:       "127.0.0.1",
		Port:       4222,
		StreamName: defaultStreamName,
		Subjects:   []string{"dispatch.>"},
		MaxAge:     24 * time.Hour,
	}
}

// NewEmbeddedServer starts the server, connects to it and ensures the stream
func NewEmbeddedServer(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	ns, err := server.NewServer(&server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	slog.Info("Embedded NATS server started", "host", cfg.Host, "port", cfg.Port, "dataDir", cfg.DataDir)

	conn, err := nats.Connect(fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	e := &EmbeddedServer{
		server:  ns,
		conn:    conn,
		js:      js,
		dataDir: cfg.DataDir,
	}

	if err := e.ensureStream(context.Background(), cfg); err != nil {
		e.Close()
		return nil, err
	}

	e.publisher = &Publisher{js: js, stream: cfg.StreamName}
	slog.Info("JetStream stream configured", "stream", cfg.StreamName, "subjects", cfg.Subjects)
	return e, nil
}

func (e *EmbeddedServer) ensureStream(ctx context.Context, cfg *EmbeddedConfig) error {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    cfg.MaxAge,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
		MaxMsgs:   -1,
		MaxBytes:  -1,
	}

	if _, err := e.js.Stream(ctx, cfg.StreamName); err != nil {
		if _, err := e.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return nil
	}
	if _, err := e.js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

// CreateConsumer creates a durable consumer on the embedded stream
func (e *EmbeddedServer) CreateConsumer(ctx context.Context, name, filterSubject string, cfg *queue.NATSConfig) (*Consumer, error) {
	return createConsumer(ctx, e.js, name, filterSubject, cfg)
}

// Publisher returns the embedded server's publisher
func (e *EmbeddedServer) Publisher() queue.Publisher {
	return e.publisher
}

// Connection returns the NATS connection for health checks
func (e *EmbeddedServer) Connection() *nats.Conn {
	return e.conn
}

// Close shuts down the connection and the server
func (e *EmbeddedServer) Close() error {
	if e.conn != nil {
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}

	// A crashed process can leave the JetStream lock behind
	lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}
	return nil
}
