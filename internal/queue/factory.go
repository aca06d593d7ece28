package queue

// Type selects a queue backend
type Type string

const (
	// TypeSQLite is the embedded SQLite FIFO queue (developer build)
	TypeSQLite Type = "sqlite"
	// TypeNATS is JetStream, external or embedded
	TypeNATS Type = "nats"
	// TypeSQS is AWS SQS FIFO
	TypeSQS Type = "sqs"
)

// Factory inspects a Config and answers which backend to build. The actual
// constructors live in the backend packages; wiring happens in cmd.
type Factory struct {
	config *Config
}

// NewFactory creates a factory over the given configuration
func NewFactory(cfg *Config) *Factory {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Factory{config: cfg}
}

// Type returns the configured backend, defaulting to the embedded queue
func (f *Factory) Type() Type {
	if f.config.Type == "" {
		return TypeSQLite
	}
	return Type(f.config.Type)
}

// IsEmbedded reports whether the backend runs in-process
func (f *Factory) IsEmbedded() bool {
	return f.Type() == TypeSQLite
}

// Config returns the underlying configuration
func (f *Factory) Config() *Config {
	return f.config
}

// DefaultConfig returns the single-binary developer defaults
func DefaultConfig() *Config {
	return &Config{
		Type:    string(TypeSQLite),
		DataDir: "./data",
		SQLite: SQLiteConfig{
			Path: "./data/queue.db",
		},
		NATS: NATSConfig{
			StreamName:   "DISPATCH",
			ConsumerName: "flowcatalyst-router",
			Subjects:     []string{"dispatch.>"},
		},
		SQS: SQSConfig{
			WaitTimeSeconds:     20,
			VisibilityTimeout:   120,
			MaxNumberOfMessages: 10,
		},
	}
}
