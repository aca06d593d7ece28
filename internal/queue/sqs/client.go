// Package sqs implements the queue contracts over AWS SQS FIFO queues.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

// API is the subset of the SQS client the adapter uses. Tests substitute a
// mock implementation.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Client owns an SQS connection and the consumers built on it
type Client struct {
	api       API
	config    *queue.SQSConfig
	consumers map[string]*Consumer
	mu        sync.RWMutex
}

// ClientOptions carries non-production knobs (localstack endpoint, static
// credentials) used by integration tests
type ClientOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient connects using the default AWS credential chain
func NewClient(ctx context.Context, cfg *queue.SQSConfig) (*Client, error) {
	return NewClientWithOptions(ctx, cfg, nil)
}

// NewClientWithOptions connects with an optional custom endpoint, used for
// localstack-backed tests
func NewClientWithOptions(ctx context.Context, cfg *queue.SQSConfig, opts *ClientOptions) (*Client, error) {
	applyDefaults(cfg)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if opts != nil && opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var api API
	if opts != nil && opts.Endpoint != "" {
		api = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	} else {
		api = sqs.NewFromConfig(awsCfg)
	}

	return newClientWithAPI(api, cfg), nil
}

// newClientWithAPI is the injection point for tests
func newClientWithAPI(api API, cfg *queue.SQSConfig) *Client {
	applyDefaults(cfg)
	return &Client{
		api:       api,
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}
}

func applyDefaults(cfg *queue.SQSConfig) {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 120
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10
	}
}

// Publisher returns a publisher bound to the configured queue URL
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{api: c.api, queueURL: c.config.QueueURL}
}

// CreateConsumer registers a named consumer for the queue
func (c *Client) CreateConsumer(name string) *Consumer {
	consumer := &Consumer{
		api:                 c.api,
		queueURL:            c.config.QueueURL,
		name:                name,
		waitTimeSeconds:     c.config.WaitTimeSeconds,
		visibilityTimeout:   c.config.VisibilityTimeout,
		maxNumberOfMessages: c.config.MaxNumberOfMessages,
		pendingDeletes:      make(map[string]struct{}),
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("SQS consumer created",
		"name", name,
		"queueURL", c.config.QueueURL,
		"maxMessages", c.config.MaxNumberOfMessages,
		"waitTime", c.config.WaitTimeSeconds)
	return consumer
}

// QueueURL returns the configured queue URL
func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// Depth returns the approximate number of visible messages
func (c *Client) Depth(ctx context.Context) (int64, error) {
	out, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, err
	}
	var n int64
	fmt.Sscanf(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], "%d", &n)
	return n, nil
}

// HealthCheck verifies the queue is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Depth(ctx)
	return err
}

// Close stops all consumers
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, consumer := range c.consumers {
		if err := consumer.Close(); err != nil {
			slog.Error("Error closing consumer", "error", err, "consumer", name)
		}
	}
	c.consumers = make(map[string]*Consumer)
	return nil
}

// Publisher sends messages to one SQS queue
type Publisher struct {
	api      API
	queueURL string
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.send(ctx, subject, data, "", "")
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.send(ctx, subject, data, messageGroup, "")
}

func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error {
	return p.send(ctx, subject, data, messageGroup, deduplicationID)
}

func (p *Publisher) send(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Subject": {DataType: aws.String("String"), StringValue: aws.String(subject)},
		},
	}
	if messageGroup != "" {
		input.MessageGroupId = aws.String(messageGroup)
	}
	if deduplicationID != "" {
		input.MessageDeduplicationId = aws.String(deduplicationID)
	}

	if _, err := p.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send SQS message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error { return nil }

// Consumer long-polls one SQS queue
type Consumer struct {
	api                 API
	queueURL            string
	name                string
	waitTimeSeconds     int32
	visibilityTimeout   int32
	maxNumberOfMessages int32

	// Message ids whose delete failed on an expired receipt handle. When
	// the broker redelivers them they are deleted immediately instead of
	// re-entering processing.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.RWMutex

	running bool
	mu      sync.Mutex
}

// Consume long-polls until the context is cancelled or Stop is called
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	slog.Info("Starting SQS consumer", "consumer", c.name, "queueURL", c.queueURL)

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		default:
		}

		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			slog.Info("SQS consumer stopped", "consumer", c.name)
			return nil
		}

		batchSize, err := c.poll(ctx, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Error polling SQS", "error", err, "consumer", c.name)
			time.Sleep(time.Second)
			continue
		}

		// Adaptive pacing: empty batch means the queue is likely drained,
		// a partial batch lets the broker accumulate, a full batch keeps
		// consuming at full speed.
		switch {
		case batchSize == 0:
			time.Sleep(time.Second)
		case batchSize < int(c.maxNumberOfMessages):
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func (c *Consumer) poll(ctx context.Context, handler func(queue.Message) error) (int, error) {
	result, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.maxNumberOfMessages,
		WaitTimeSeconds:       c.waitTimeSeconds,
		VisibilityTimeout:     c.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("receive messages: %w", err)
	}

	received := 0
	for i := range result.Messages {
		raw := result.Messages[i]
		brokerID := aws.ToString(raw.MessageId)

		c.pendingDeletesMu.RLock()
		_, pendingDelete := c.pendingDeletes[brokerID]
		c.pendingDeletesMu.RUnlock()

		if pendingDelete {
			// Already processed on a prior delivery; complete the delete now
			if err := c.deleteByHandle(ctx, raw.ReceiptHandle); err != nil {
				slog.Warn("Failed deferred delete", "error", err, "messageId", brokerID)
			} else {
				c.pendingDeletesMu.Lock()
				delete(c.pendingDeletes, brokerID)
				c.pendingDeletesMu.Unlock()
			}
			continue
		}

		wrapped := &Message{
			raw:               &raw,
			api:               c.api,
			queueURL:          c.queueURL,
			brokerID:          brokerID,
			receiptHandle:     aws.ToString(raw.ReceiptHandle),
			visibilityTimeout: c.visibilityTimeout,
			consumer:          c,
		}
		if err := handler(wrapped); err != nil {
			slog.Error("Message handler error", "error", err, "messageId", brokerID, "consumer", c.name)
		}
		received++
	}

	return received, nil
}

func (c *Consumer) deleteByHandle(ctx context.Context, receiptHandle *string) error {
	if receiptHandle == nil {
		return nil
	}
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	return err
}

func (c *Consumer) markForDeletion(brokerID string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[brokerID] = struct{}{}
	c.pendingDeletesMu.Unlock()
	slog.Info("SQS message marked for deletion on next poll", "messageId", brokerID)
}

// Stop halts the consume loop after the current poll
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Consumer) Close() error {
	c.Stop()
	return nil
}

// Message adapts one SQS delivery to the queue.Message contract
type Message struct {
	raw               *types.Message
	api               API
	queueURL          string
	brokerID          string
	receiptHandle     string
	visibilityTimeout int32
	consumer          *Consumer
}

func (m *Message) ID() string   { return m.brokerID }
func (m *Message) Data() []byte {
	if m.raw.Body != nil {
		return []byte(*m.raw.Body)
	}
	return nil
}

func (m *Message) Subject() string {
	if attr, ok := m.raw.MessageAttributes["Subject"]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}

func (m *Message) MessageGroup() string {
	return m.raw.Attributes["MessageGroupId"]
}

func (m *Message) Metadata() map[string]string {
	result := make(map[string]string, len(m.raw.MessageAttributes))
	for k, v := range m.raw.MessageAttributes {
		if v.StringValue != nil {
			result[k] = *v.StringValue
		}
	}
	return result
}

// Ack deletes the message. An expired receipt handle is tolerated: the
// message id is remembered and deleted when the broker redelivers it.
func (m *Message) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			m.consumer.markForDeletion(m.brokerID)
			return nil
		}
		return fmt.Errorf("delete SQS message: %w", err)
	}
	return nil
}

// Nak resets visibility to the default so the normal timeout governs the
// next attempt
func (m *Message) Nak() error {
	return m.changeVisibility(queue.DefaultVisibilitySeconds)
}

// NakWithDelay sets an explicit redelivery delay
func (m *Message) NakWithDelay(delay time.Duration) error {
	seconds := int32(delay.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	if seconds > queue.MaxVisibilitySeconds {
		seconds = queue.MaxVisibilitySeconds
	}
	return m.changeVisibility(seconds)
}

// InProgress extends visibility by one visibility timeout
func (m *Message) InProgress() error {
	return m.changeVisibility(m.visibilityTimeout)
}

// ExtendVisibility extends visibility by an explicit number of seconds
func (m *Message) ExtendVisibility(seconds int32) error {
	if seconds > queue.MaxVisibilitySeconds {
		seconds = queue.MaxVisibilitySeconds
	}
	return m.changeVisibility(seconds)
}

func (m *Message) changeVisibility(timeout int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(m.receiptHandle),
		VisibilityTimeout: timeout,
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			slog.Debug("Receipt handle expired, cannot change visibility", "messageId", m.brokerID)
			return nil
		}
		return fmt.Errorf("change message visibility: %w", err)
	}
	return nil
}

// UpdateReceiptHandle swaps the ack token after a redelivery was detected
func (m *Message) UpdateReceiptHandle(newReceiptHandle string) {
	slog.Info("Updating receipt handle after redelivery", "messageId", m.brokerID)
	m.receiptHandle = newReceiptHandle
}

// GetReceiptHandle returns the current receipt handle
func (m *Message) GetReceiptHandle() string {
	return m.receiptHandle
}

func isReceiptHandleExpired(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "receipt handle has expired") ||
		strings.Contains(msg, "ReceiptHandleIsInvalid")
}
