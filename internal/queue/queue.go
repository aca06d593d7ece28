// Package queue defines the broker-agnostic contracts the router and the
// dispatch enqueuer are written against. Backends: SQS FIFO, NATS JetStream
// (external or embedded) and an embedded SQLite FIFO for single-binary
// developer builds.
package queue

import (
	"context"
	"time"
)

// Visibility settings shared by all backends that support per-message
// visibility control.
const (
	// FastFailVisibilitySeconds provokes rapid redelivery after an
	// admission rejection (pool full, rate limited)
	FastFailVisibilitySeconds = 1

	// DefaultVisibilitySeconds is the normal redelivery delay after a
	// processing failure
	DefaultVisibilitySeconds = 30

	// MaxVisibilitySeconds is the broker ceiling (12 hours)
	MaxVisibilitySeconds = 43200
)

// Message is a single delivery from a queue
type Message interface {
	// ID returns the broker-assigned delivery identifier
	ID() string

	// Data returns the message payload
	Data() []byte

	// Subject returns the subject/queue the message arrived on
	Subject() string

	// MessageGroup returns the FIFO partition key, if any
	MessageGroup() string

	// Ack acknowledges successful processing; the broker removes the message
	Ack() error

	// Nak signals failure; the message becomes redeliverable after the
	// default visibility timeout
	Nak() error

	// NakWithDelay signals failure with an explicit delay before redelivery.
	// A delay of FastFailVisibilitySeconds implements fast-fail visibility.
	NakWithDelay(delay time.Duration) error

	// InProgress extends the processing deadline while work continues.
	// Long-running workers call this periodically to keep the message
	// invisible to other consumers.
	InProgress() error

	// Metadata returns backend-specific message attributes
	Metadata() map[string]string
}

// ReceiptHandleUpdatable is implemented by messages whose ack token can be
// superseded by a redelivery. When the router detects a redelivery of a
// message that is still being processed, it swaps in the fresh handle so the
// eventual ack lands on a live receipt.
type ReceiptHandleUpdatable interface {
	UpdateReceiptHandle(newReceiptHandle string)
	GetReceiptHandle() string
}

// Publisher publishes messages to a queue
type Publisher interface {
	// Publish sends a message to the given subject
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithGroup sends a message carrying a FIFO partition key
	PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error

	// PublishWithDeduplication sends a message with a deduplication id.
	// Backends honor the id for a five-minute window; a duplicate publish
	// within the window is a silent no-op.
	PublishWithDeduplication(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error

	// Close releases publisher resources
	Close() error
}

// Consumer consumes messages from a queue. Consume blocks until the context
// is cancelled or the backend fails irrecoverably.
type Consumer interface {
	Consume(ctx context.Context, handler func(Message) error) error
	Close() error
}

// Queue combines Publisher and Consumer
type Queue interface {
	Publisher
	Consumer
}

// Config selects and parameterizes a backend
type Config struct {
	// Type is one of "sqlite", "nats", "sqs"
	Type string

	// DataDir holds embedded backend state (SQLite file, NATS store)
	DataDir string

	SQLite SQLiteConfig
	NATS   NATSConfig
	SQS    SQSConfig
}

// SQLiteConfig parameterizes the embedded FIFO queue
type SQLiteConfig struct {
	// Path of the database file; defaults to <DataDir>/queue.db
	Path string

	// VisibilityTimeout applied on dequeue (default 30s)
	VisibilityTimeout time.Duration

	// PollInterval between dequeue attempts when the queue is empty
	PollInterval time.Duration

	// DedupWindow is how long deduplication ids are honored (default 5m)
	DedupWindow time.Duration
}

// NATSConfig parameterizes the JetStream backend
type NATSConfig struct {
	URL          string
	StreamName   string
	ConsumerName string
	Subjects     []string
	MaxPending   int
	AckWait      time.Duration
	MaxDeliver   int
	MaxAge       time.Duration
}

// SQSConfig parameterizes the SQS FIFO backend
type SQSConfig struct {
	QueueURL            string
	Region              string
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32

	// MetricsPollIntervalSeconds controls backlog gauge refresh (default 300)
	MetricsPollIntervalSeconds int32
}
