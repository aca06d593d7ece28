// Package nats implements the queue contracts over NATS JetStream, either
// against an external broker or the embedded server used by single-binary
// builds. JetStream has no per-message visibility control; redelivery is
// governed by the consumer's ack wait, so NakWithDelay maps onto the
// broker's delayed nak and the fast-fail/extend calls degrade gracefully.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

const (
	headerMessageGroup = "Fc-Msg-Group"
	defaultStreamName  = "DISPATCH"
)

// Client wraps a NATS connection for publishing and consuming
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	consumers map[string]*Consumer
	config    *queue.NATSConfig
}

// NewClient connects to an external NATS server
func NewClient(cfg *queue.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}

	return &Client{
		conn:      conn,
		js:        js,
		publisher: &Publisher{js: js, stream: streamName},
		consumers: make(map[string]*Consumer),
		config:    cfg,
	}, nil
}

// Publisher returns the client's publisher
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates or updates a durable consumer on the stream
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	consumer, err := createConsumer(ctx, c.js, name, filterSubject, c.config)
	if err != nil {
		return nil, err
	}
	c.consumers[name] = consumer
	return consumer, nil
}

// Close closes all consumers and the connection
func (c *Client) Close() error {
	for _, consumer := range c.consumers {
		consumer.Close()
	}
	c.conn.Close()
	return nil
}

func createConsumer(ctx context.Context, js jetstream.JetStream, name, filterSubject string, cfg *queue.NATSConfig) (*Consumer, error) {
	ackWait := 2 * time.Minute
	maxDeliver := 5
	streamName := defaultStreamName
	if cfg != nil {
		if cfg.AckWait > 0 {
			ackWait = cfg.AckWait
		}
		if cfg.MaxDeliver > 0 {
			maxDeliver = cfg.MaxDeliver
		}
		if cfg.StreamName != "" {
			streamName = cfg.StreamName
		}
	}

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}

	return &Consumer{consumer: consumer, name: name}, nil
}

// Publisher publishes to a JetStream stream
type Publisher struct {
	js     jetstream.JetStream
	stream string
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publishMsg(ctx, subject, data, messageGroup, "")
}

// PublishWithDeduplication uses Nats-Msg-Id, which JetStream deduplicates
// within the stream's duplicate window (five minutes by default)
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error {
	return p.publishMsg(ctx, subject, data, messageGroup, deduplicationID)
}

func (p *Publisher) publishMsg(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  make(nats.Header),
	}
	if messageGroup != "" {
		msg.Header.Set(headerMessageGroup, messageGroup)
	}
	if deduplicationID != "" {
		msg.Header.Set(nats.MsgIdHdr, deduplicationID)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error { return nil }

// Consumer pulls from a durable JetStream consumer
type Consumer struct {
	consumer jetstream.Consumer
	name     string
}

// Consume iterates messages until the context is cancelled
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting NATS consumer", "consumer", c.name)

	iter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("create message iterator: %w", err)
	}
	defer iter.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			slog.Error("Error getting next message", "error", err, "consumer", c.name)
			continue
		}

		if err := handler(&Message{msg: msg}); err != nil {
			slog.Error("Message handler error", "error", err, "consumer", c.name, "subject", msg.Subject())
		}
	}
}

func (c *Consumer) Close() error { return nil }

// Message adapts a JetStream delivery to the queue.Message contract
type Message struct {
	msg jetstream.Msg
}

func (m *Message) ID() string {
	if id := m.msg.Headers().Get(nats.MsgIdHdr); id != "" {
		return id
	}
	if meta, err := m.msg.Metadata(); err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

func (m *Message) Data() []byte         { return m.msg.Data() }
func (m *Message) Subject() string      { return m.msg.Subject() }
func (m *Message) MessageGroup() string { return m.msg.Headers().Get(headerMessageGroup) }

func (m *Message) Ack() error { return m.msg.Ack() }
func (m *Message) Nak() error { return m.msg.Nak() }

func (m *Message) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

func (m *Message) InProgress() error { return m.msg.InProgress() }

func (m *Message) Metadata() map[string]string {
	result := make(map[string]string)
	for k, v := range m.msg.Headers() {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
