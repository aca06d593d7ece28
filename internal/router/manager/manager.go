// Package manager routes consumed messages to dispatch pools and owns the
// in-process pipeline: dual-ID deduplication, pool lifecycle and config
// sync, visibility extension and stale-entry cleanup.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/common/tsid"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/health"
	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
)

// Default pool sizing
const (
	DefaultPoolConcurrency         = 20
	DefaultQueueCapacityMultiplier = 2
	MinQueueCapacity               = 50
	DefaultPoolCode                = "DEFAULT-POOL"
)

// StandbyChecker reports whether this instance holds the primary role
type StandbyChecker interface {
	IsPrimary() bool
}

// WarningService collects operator-facing warnings
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// PoolConfig holds configuration for a processing pool
type PoolConfig struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// PoolDefinition is one pool's configuration as stored externally
type PoolDefinition struct {
	Code               string
	Concurrency        int
	QueueCapacity      int
	RateLimitPerMinute *int
}

// PoolConfigSource supplies enabled pool definitions, typically backed by
// the dispatch pool collection
type PoolConfigSource interface {
	FindAllEnabled(ctx context.Context) ([]PoolDefinition, error)
}

// ConfigSyncConfig holds configuration for pool config sync
type ConfigSyncConfig struct {
	Enabled bool
	// Interval between periodic syncs
	Interval time.Duration
	// InitialRetryAttempts bounds retries of the first sync
	InitialRetryAttempts int
	// InitialRetryDelay between initial retry attempts
	InitialRetryDelay time.Duration
	// FailOnInitialSyncError panics if the first sync never succeeds
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns sync defaults
func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                false,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PipelineCleanupConfig holds configuration for stale pipeline entry cleanup
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	// TTL after which a pipeline entry is considered stuck
	TTL time.Duration
}

// DefaultPipelineCleanupConfig returns cleanup defaults
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig holds configuration for visibility extension of
// messages that sit in the pipeline longer than the broker's timeout
type VisibilityExtenderConfig struct {
	Enabled bool
	// Interval between extension sweeps
	Interval time.Duration
	// Threshold age before a message is extended
	Threshold time.Duration
}

// DefaultVisibilityExtenderConfig returns extender defaults
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:   true,
		Interval:  55 * time.Second,
		Threshold: 50 * time.Second,
	}
}

// ConsumerHealthConfig holds configuration for consumer stall monitoring
type ConsumerHealthConfig struct {
	Enabled bool
	// CheckInterval between health checks
	CheckInterval time.Duration
	// StallThreshold of inactivity before the consumer counts as stalled
	StallThreshold time.Duration
	// MaxRestartAttempts before giving up
	MaxRestartAttempts int
	// RestartDelay between restart attempts
	RestartDelay time.Duration
}

// DefaultConsumerHealthConfig returns monitoring defaults
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig holds configuration for pipeline map leak detection
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns leak detection defaults
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// RouteOutcome is the routing decision for one consumed message
type RouteOutcome int

const (
	// RouteAccepted means a pool owns the message now
	RouteAccepted RouteOutcome = iota
	// RouteDuplicate means the message is already in the pipeline
	RouteDuplicate
	// RouteRejectedFull means the target pool's queue was full
	RouteRejectedFull
	// RouteRejectedRateLimited means admission was rate limited
	RouteRejectedRateLimited
	// RouteUnknownPool means no pool is configured for the pool code
	RouteUnknownPool
	// RouteNotRunning means the manager is stopped or draining
	RouteNotRunning
)

// trackedMessage is one in-pipeline message: the parsed pointer, the broker
// delivery it resolves against, and the redelivery delay the pool selected
type trackedMessage struct {
	pointer    *model.MessagePointer
	queueMsg   queue.Message
	enqueuedAt int64 // unix millis

	// delaySeconds is written by the single worker that owns the message
	// before it nacks; 0 means the queue default
	delaySeconds int
}

// QueueManager manages message routing to processing pools
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // map[string]*pool.ProcessPool

	// Dual-ID deduplication: pipelineKey is the broker message ID when the
	// backend provides one, else the application message ID
	inPipelineMap      sync.Map // pipelineKey -> *trackedMessage
	appIDToPipelineKey sync.Map // app message ID -> pipelineKey

	mediator        pool.Mediator
	messageCallback *MessageCallbackImpl
	running         bool
	runningMu       sync.Mutex
	initialized     bool

	standbyChecker StandbyChecker

	// Config sync
	poolSource PoolConfigSource
	syncConfig *ConfigSyncConfig
	syncCtx    context.Context
	syncCancel context.CancelFunc
	syncWg     sync.WaitGroup

	// Pipeline cleanup
	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	// Visibility extender
	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	// Leak detection
	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
	warningService      WarningService
}

// NewQueueManager creates a queue manager with an HTTP mediator
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	return NewQueueManagerWithMediator(mediator.NewHTTPMediator(mediatorCfg))
}

// NewQueueManagerWithMediator creates a queue manager around any mediator
func NewQueueManagerWithMediator(med pool.Mediator) *QueueManager {
	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		mediator:            med,
		syncConfig:          DefaultConfigSyncConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
	qm.messageCallback = &MessageCallbackImpl{manager: qm}
	return qm
}

// WithVisibilityExtender configures visibility extension
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithPipelineCleanup configures stale pipeline entry cleanup
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithConfigSync enables pool configuration sync from an external source.
// While sync is active, messages for pool codes the source does not define
// are nacked rather than routed to ad hoc pools.
func (m *QueueManager) WithConfigSync(source PoolConfigSource, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	m.poolSource = source
	m.syncConfig = cfg
	return m
}

// WithStandbyChecker sets the standby checker for HA deployments. Config
// sync only runs on the primary.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithLeakDetection configures pipeline map leak detection
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithWarningService sets the warning sink for operator-facing issues
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// Start starts the queue manager and its background loops
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true

	if m.syncConfig.Enabled && m.poolSource != nil {
		m.syncCtx, m.syncCancel = context.WithCancel(context.Background())
		m.syncWg.Add(1)
		go m.runConfigSync()
		slog.Info("Pool config sync started", "interval", m.syncConfig.Interval)
	}

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("Pipeline cleanup started",
			"interval", m.cleanupConfig.Interval,
			"ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("Visibility extender started",
			"interval", m.visibilityConfig.Interval,
			"threshold", m.visibilityConfig.Threshold)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("Pipeline leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("Queue manager started")
}

// Stop stops the queue manager and all pools
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.syncCancel != nil {
		m.syncCancel()
		m.syncWg.Wait()
	}
	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}
	if m.visibilityCancel != nil {
		m.visibilityCancel()
		m.visibilityWg.Wait()
	}
	if m.leakDetectionCancel != nil {
		m.leakDetectionCancel()
		m.leakDetectionWg.Wait()
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	for code, p := range m.pools {
		slog.Info("Shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// GetOrCreatePool gets or creates a processing pool
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[cfg.Code]; exists {
		return p
	}

	p := pool.NewProcessPool(
		cfg.Code,
		cfg.Concurrency,
		cfg.QueueCapacity,
		cfg.RateLimitPerMinute,
		m.mediator,
		m.messageCallback,
	)

	m.pools[cfg.Code] = p
	p.Start()

	slog.Info("Created new processing pool",
		"pool", cfg.Code,
		"concurrency", cfg.Concurrency,
		"queueCapacity", cfg.QueueCapacity)

	return p
}

// GetPool gets a pool by code
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// UpdatePool updates a pool's configuration
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	m.poolsMu.RLock()
	p, exists := m.pools[cfg.Code]
	m.poolsMu.RUnlock()

	if !exists {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		p.UpdateConcurrency(cfg.Concurrency, 60)
	}
	p.UpdateRateLimit(cfg.RateLimitPerMinute)

	return true
}

// RemovePool removes a pool
func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[code]; exists {
		p.Drain()
		p.Shutdown()
		delete(m.pools, code)
		slog.Info("Removed processing pool", "pool", code)
	}
}

func pipelineKeyFor(pointer *model.MessagePointer) string {
	if pointer.BrokerMessageID != "" {
		return pointer.BrokerMessageID
	}
	return pointer.ID
}

// RouteMessage routes one consumed message. The manager resolves the broker
// delivery itself: duplicates and rejections are acked or nacked here, and
// on RouteAccepted the owning pool resolves through the callback.
func (m *QueueManager) RouteMessage(pointer *model.MessagePointer, queueMsg queue.Message) RouteOutcome {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		nakSafely(queueMsg)
		return RouteNotRunning
	}

	pipelineKey := pipelineKeyFor(pointer)

	// Duplicate check 1: same broker ID means a visibility timeout
	// redelivery of a message still being processed. Refresh the stored
	// receipt handle so the eventual ack uses a valid one, then nack.
	if pointer.BrokerMessageID != "" {
		if existing, ok := m.inPipelineMap.Load(pointer.BrokerMessageID); ok {
			slog.Debug("Duplicate: visibility timeout redelivery",
				"brokerMessageId", pointer.BrokerMessageID,
				"messageId", pointer.ID)
			m.updateReceiptHandle(existing.(*trackedMessage), queueMsg, pointer.ID)
			nakSafely(queueMsg)
			return RouteDuplicate
		}
	}

	// Duplicate check 2: same application ID under a different broker ID
	// means an external requeue. Ack to permanently remove the copy.
	if existingKey, loaded := m.appIDToPipelineKey.Load(pointer.ID); loaded {
		if pointer.BrokerMessageID != "" && pointer.BrokerMessageID != existingKey.(string) {
			slog.Info("Requeued duplicate detected - acking to remove",
				"messageId", pointer.ID,
				"existingKey", existingKey,
				"newBrokerMessageId", pointer.BrokerMessageID)
			ackSafely(queueMsg)
			return RouteDuplicate
		}
		slog.Debug("Duplicate message detected, skipping", "messageId", pointer.ID)
		nakSafely(queueMsg)
		return RouteDuplicate
	}

	p := m.GetPool(pointer.PoolCode)
	if p == nil {
		if m.syncConfig.Enabled {
			// Pool codes are authoritative in the config source; an
			// unknown code is either propagation lag or a bad message
			slog.Warn("No pool configured for pool code, nacking",
				"pool", pointer.PoolCode,
				"messageId", pointer.ID)
			nakSafely(queueMsg)
			return RouteUnknownPool
		}
		p = m.GetOrCreatePool(&PoolConfig{
			Code:          pointer.PoolCode,
			Concurrency:   DefaultPoolConcurrency,
			QueueCapacity: max(DefaultPoolConcurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity),
		})
	}

	tracked := &trackedMessage{
		pointer:    pointer,
		queueMsg:   queueMsg,
		enqueuedAt: time.Now().UnixMilli(),
	}
	m.inPipelineMap.Store(pipelineKey, tracked)
	m.appIDToPipelineKey.Store(pointer.ID, pipelineKey)

	switch p.Submit(pointer) {
	case pool.SubmitAccepted:
		return RouteAccepted

	case pool.SubmitQueueFull:
		m.cleanupPipelineEntry(pointer.ID, pipelineKey)
		fastFailNak(queueMsg)
		return RouteRejectedFull

	case pool.SubmitRateLimited:
		m.cleanupPipelineEntry(pointer.ID, pipelineKey)
		fastFailNak(queueMsg)
		return RouteRejectedRateLimited

	default: // draining
		m.cleanupPipelineEntry(pointer.ID, pipelineKey)
		nakSafely(queueMsg)
		return RouteNotRunning
	}
}

func ackSafely(msg queue.Message) {
	if err := msg.Ack(); err != nil {
		slog.Error("Failed to ack message", "error", err, "messageId", msg.ID())
	}
}

func nakSafely(msg queue.Message) {
	if err := msg.Nak(); err != nil {
		slog.Error("Failed to nack message", "error", err, "messageId", msg.ID())
	}
}

// fastFailNak makes the message visible again almost immediately so another
// instance (or a freed-up pool) can pick it up
func fastFailNak(msg queue.Message) {
	if err := msg.NakWithDelay(queue.FastFailVisibilitySeconds * time.Second); err != nil {
		slog.Error("Failed to fast-fail nack message", "error", err, "messageId", msg.ID())
	}
}

// updateReceiptHandle copies the redelivered message's receipt handle onto
// the tracked delivery when the backend supports it
func (m *QueueManager) updateReceiptHandle(tracked *trackedMessage, newMsg queue.Message, messageID string) {
	updatable, ok := tracked.queueMsg.(queue.ReceiptHandleUpdatable)
	if !ok {
		return
	}
	source, ok := newMsg.(queue.ReceiptHandleUpdatable)
	if !ok {
		return
	}

	newHandle := source.GetReceiptHandle()
	if newHandle == "" {
		slog.Warn("New receipt handle is empty - cannot update", "messageId", messageID)
		return
	}

	oldHandle := updatable.GetReceiptHandle()
	updatable.UpdateReceiptHandle(newHandle)

	slog.Info("Updated receipt handle for in-pipeline message",
		"messageId", messageID,
		"oldHandle", truncateHandle(oldHandle),
		"newHandle", truncateHandle(newHandle))
}

func truncateHandle(handle string) string {
	if len(handle) <= 20 {
		return handle
	}
	return handle[:20] + "..."
}

// cleanupPipelineEntry removes a message from the pipeline tracking maps
func (m *QueueManager) cleanupPipelineEntry(messageID, pipelineKey string) {
	m.inPipelineMap.Delete(pipelineKey)
	m.appIDToPipelineKey.Delete(messageID)
}

// takeTracked removes and returns the tracked delivery for a pointer
func (m *QueueManager) takeTracked(pointer *model.MessagePointer) *trackedMessage {
	pipelineKey := pipelineKeyFor(pointer)
	value, loaded := m.inPipelineMap.LoadAndDelete(pipelineKey)
	m.appIDToPipelineKey.Delete(pointer.ID)
	if !loaded {
		return nil
	}
	return value.(*trackedMessage)
}

// loadTracked returns the tracked delivery without removing it
func (m *QueueManager) loadTracked(pointer *model.MessagePointer) *trackedMessage {
	value, ok := m.inPipelineMap.Load(pipelineKeyFor(pointer))
	if !ok {
		return nil
	}
	return value.(*trackedMessage)
}

// Ack acknowledges a message and releases its pipeline entry
func (m *QueueManager) Ack(msg *model.MessagePointer) {
	tracked := m.takeTracked(msg)
	if tracked == nil {
		slog.Warn("Ack for message not in pipeline", "messageId", msg.ID)
		return
	}
	ackSafely(tracked.queueMsg)
}

// Nack negative-acknowledges a message using the delay its pool selected
func (m *QueueManager) Nack(msg *model.MessagePointer) {
	tracked := m.takeTracked(msg)
	if tracked == nil {
		slog.Warn("Nack for message not in pipeline", "messageId", msg.ID)
		return
	}
	if tracked.delaySeconds > 0 {
		if err := tracked.queueMsg.NakWithDelay(time.Duration(tracked.delaySeconds) * time.Second); err != nil {
			slog.Error("Failed to nack message with delay",
				"error", err,
				"messageId", msg.ID,
				"delaySeconds", tracked.delaySeconds)
		}
		return
	}
	nakSafely(tracked.queueMsg)
}

// MessageCallbackImpl implements pool.MessageCallback against the manager's
// pipeline state
type MessageCallbackImpl struct {
	manager *QueueManager
}

func (c *MessageCallbackImpl) Ack(msg *model.MessagePointer) {
	c.manager.Ack(msg)
}

func (c *MessageCallbackImpl) Nack(msg *model.MessagePointer) {
	c.manager.Nack(msg)
}

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *model.MessagePointer, seconds int) {
	if seconds > queue.MaxVisibilitySeconds {
		seconds = queue.MaxVisibilitySeconds
	}
	if tracked := c.manager.loadTracked(msg); tracked != nil {
		tracked.delaySeconds = seconds
	}
}

func (c *MessageCallbackImpl) SetFastFailVisibility(msg *model.MessagePointer) {
	c.SetVisibilityDelay(msg, queue.FastFailVisibilitySeconds)
}

func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *model.MessagePointer) {
	if tracked := c.manager.loadTracked(msg); tracked != nil {
		tracked.delaySeconds = 0
	}
}

func (c *MessageCallbackImpl) InProgress(msg *model.MessagePointer) {
	tracked := c.manager.loadTracked(msg)
	if tracked == nil {
		return
	}
	if err := tracked.queueMsg.InProgress(); err != nil {
		slog.Warn("Failed to extend visibility", "error", err, "messageId", msg.ID)
	}
}

// Consumer consumes messages from the queue and routes them
type Consumer struct {
	manager  *QueueManager
	consumer queue.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lastActivity   atomic.Int64
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool
}

// NewConsumer creates a new consumer
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:  manager,
		consumer: queueConsumer,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

func (c *Consumer) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
}

// GetLastActivity returns the last activity timestamp
func (c *Consumer) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// IsStalled returns whether the consumer is considered stalled
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

// GetRestartCount returns the number of restart attempts
func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

// Start starts consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("Consumer started")
}

// Stop stops the consumer
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("Consumer stopped")
}

// consume processes messages from the queue
func (c *Consumer) consume() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()

		pointer, err := model.ParsePointer(msg.Data())
		if err != nil {
			slog.Error("Failed to parse message pointer", "error", err, "brokerMessageId", msg.ID())
			// Ack to prevent infinite redelivery of malformed messages
			ackSafely(msg)
			return nil
		}
		if err := pointer.Validate(); err != nil {
			slog.Error("Invalid message pointer", "error", err, "brokerMessageId", msg.ID())
			ackSafely(msg)
			return nil
		}
		pointer.BrokerMessageID = msg.ID()

		outcome := c.manager.RouteMessage(pointer, msg)
		switch outcome {
		case RouteRejectedFull, RouteRejectedRateLimited:
			slog.Warn("Pool rejected message, fast-fail nacked",
				"messageId", pointer.ID,
				"pool", pointer.PoolCode,
				"outcome", outcome)
		case RouteUnknownPool:
			slog.Warn("Unknown pool code, nacked",
				"messageId", pointer.ID,
				"pool", pointer.PoolCode)
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		slog.Error("Consumer error", "error", err)
	}
}

// ConsumerFactory creates new queue consumers for restart
type ConsumerFactory func() queue.Consumer

// Router ties together the queue manager and its consumer
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewRouter creates a new message router
func NewRouter(queueConsumer queue.Consumer, mediatorCfg *mediator.HTTPMediatorConfig) *Router {
	manager := NewQueueManager(mediatorCfg)

	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(manager, queueConsumer)
	}

	return &Router{
		manager:      manager,
		consumer:     consumer,
		healthConfig: DefaultConsumerHealthConfig(),
	}
}

// WithConsumerFactory sets a factory for creating new consumers on restart
func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

// WithConsumerHealthConfig configures consumer health monitoring
func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

// Start starts the router
func (r *Router) Start() {
	r.manager.Start()
	if r.consumer != nil {
		r.consumer.Start()
	}

	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
		slog.Info("Consumer health monitor started",
			"checkInterval", r.healthConfig.CheckInterval,
			"stallThreshold", r.healthConfig.StallThreshold,
			"maxRestarts", r.healthConfig.MaxRestartAttempts)
	}

	slog.Info("Message router started")
}

// Stop stops the router
func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}

	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	r.manager.Stop()
	slog.Info("Message router stopped")
}

// Manager returns the queue manager
func (r *Router) Manager() *QueueManager {
	return r.manager
}

// Consumer returns the current consumer
func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

// runConsumerHealthMonitor restarts the consumer when it stalls
func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthCtx.Done():
			slog.Info("Consumer health monitor stopped")
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer == nil {
		return
	}

	stalledDuration := time.Since(consumer.GetLastActivity())

	if stalledDuration < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			slog.Info("Consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()

	metrics.ConsumerStallEvents.Inc()

	slog.Warn("Consumer appears stalled",
		"stalledFor", stalledDuration,
		"restartAttempts", restartCount,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		slog.Error("Consumer exceeded max restart attempts - requires manual intervention",
			"attempts", restartCount)
		return
	}

	r.restartConsumer()
}

func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	oldConsumer := r.consumer
	if oldConsumer == nil {
		return
	}

	attempt := oldConsumer.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()

	slog.Info("Restarting stalled consumer",
		"attempt", attempt,
		"maxAttempts", r.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()
	time.Sleep(r.healthConfig.RestartDelay)

	if r.consumerFactory != nil {
		if newQueueConsumer := r.consumerFactory(); newQueueConsumer != nil {
			newConsumer := NewConsumer(r.manager, newQueueConsumer)
			newConsumer.restartCount = attempt
			newConsumer.Start()
			r.consumer = newConsumer
			slog.Info("Consumer restarted successfully", "attempt", attempt)
			return
		}
	}

	// Fallback: reuse the existing queue consumer, which may not recover if
	// the underlying connection is broken
	slog.Warn("No consumer factory available, attempting restart with existing consumer")
	newConsumer := NewConsumer(r.manager, oldConsumer.consumer)
	newConsumer.restartCount = attempt
	newConsumer.Start()
	r.consumer = newConsumer
}

// GenerateBatchID generates a new batch ID
func GenerateBatchID() string {
	return tsid.Generate()
}

// runConfigSync runs the pool configuration sync loop
func (m *QueueManager) runConfigSync() {
	defer m.syncWg.Done()

	if !m.doInitialSyncWithRetry() {
		if m.syncConfig.FailOnInitialSyncError {
			slog.Error("Initial pool config sync failed after all retries - shutting down")
			panic("initial pool config sync failed")
		}
		slog.Error("Initial pool config sync failed - continuing with empty config")
	}

	ticker := time.NewTicker(m.syncConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.syncCtx.Done():
			slog.Info("Pool config sync stopped")
			return
		case <-ticker.C:
			m.syncPoolConfig()
		}
	}
}

func (m *QueueManager) doInitialSyncWithRetry() bool {
	maxAttempts := m.syncConfig.InitialRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-m.syncCtx.Done():
			return false
		default:
		}

		if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
			slog.Info("In standby mode, waiting for primary lock before initial sync...",
				"attempt", attempt)
			time.Sleep(m.syncConfig.InitialRetryDelay)
			continue
		}

		if m.syncPoolConfigWithResult() {
			m.runningMu.Lock()
			m.initialized = true
			m.runningMu.Unlock()
			slog.Info("Initial pool config sync completed successfully", "attempt", attempt)
			return true
		}

		if attempt < maxAttempts {
			slog.Warn("Initial pool config sync failed, retrying...",
				"attempt", attempt,
				"maxAttempts", maxAttempts,
				"retryDelay", m.syncConfig.InitialRetryDelay)
			time.Sleep(m.syncConfig.InitialRetryDelay)
		}
	}

	slog.Error("Initial pool config sync failed after all retry attempts",
		"attempts", maxAttempts)
	return false
}

func (m *QueueManager) syncPoolConfig() {
	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		return
	}
	m.syncPoolConfigWithResult()
}

// syncPoolConfigWithResult reconciles running pools against the source:
// creates missing pools, updates changed ones, drains removed ones
func (m *QueueManager) syncPoolConfigWithResult() bool {
	ctx, cancel := context.WithTimeout(m.syncCtx, 30*time.Second)
	defer cancel()

	definitions, err := m.poolSource.FindAllEnabled(ctx)
	if err != nil {
		slog.Error("Failed to fetch pool configs", "error", err)
		return false
	}

	activeCodes := make(map[string]bool)

	for _, def := range definitions {
		activeCodes[def.Code] = true

		m.poolsMu.RLock()
		existing, exists := m.pools[def.Code]
		m.poolsMu.RUnlock()

		if exists {
			if def.Concurrency > 0 && def.Concurrency != existing.GetConcurrency() {
				existing.UpdateConcurrency(def.Concurrency, 60)
				slog.Debug("Updated pool concurrency",
					"pool", def.Code,
					"concurrency", def.Concurrency)
			}
			existing.UpdateRateLimit(def.RateLimitPerMinute)
			continue
		}

		poolCfg := &PoolConfig{
			Code:               def.Code,
			Concurrency:        def.Concurrency,
			QueueCapacity:      def.QueueCapacity,
			RateLimitPerMinute: def.RateLimitPerMinute,
		}
		if poolCfg.Concurrency <= 0 {
			poolCfg.Concurrency = DefaultPoolConcurrency
		}
		if poolCfg.QueueCapacity <= 0 {
			poolCfg.QueueCapacity = max(poolCfg.Concurrency*DefaultQueueCapacityMultiplier, MinQueueCapacity)
		}

		m.GetOrCreatePool(poolCfg)
		slog.Info("Created pool from config source",
			"pool", def.Code,
			"concurrency", poolCfg.Concurrency,
			"queueCapacity", poolCfg.QueueCapacity)
	}

	m.poolsMu.RLock()
	poolsToRemove := make([]string, 0)
	for code := range m.pools {
		if !activeCodes[code] && code != DefaultPoolCode {
			poolsToRemove = append(poolsToRemove, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range poolsToRemove {
		m.drainPool(code)
	}

	if len(definitions) > 0 || len(poolsToRemove) > 0 {
		slog.Debug("Pool config sync completed",
			"activeCount", len(definitions),
			"removedCount", len(poolsToRemove))
	}

	return true
}

// drainPool gracefully drains and removes a pool
func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)

	slog.Info("Draining pool (no longer configured)", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("Pool drained and removed", "pool", code)
	}()
}

// runPipelineCleanup removes pipeline entries older than the TTL
func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("Pipeline cleanup stopped")
			return
		case <-ticker.C:
			m.cleanupStalePipelineEntries()
		}
	}
}

func (m *QueueManager) cleanupStalePipelineEntries() {
	now := time.Now().UnixMilli()
	ttlMillis := m.cleanupConfig.TTL.Milliseconds()
	cleanedCount := 0

	m.inPipelineMap.Range(func(key, value interface{}) bool {
		tracked := value.(*trackedMessage)
		if now-tracked.enqueuedAt > ttlMillis {
			m.inPipelineMap.Delete(key)
			m.appIDToPipelineKey.Delete(tracked.pointer.ID)
			cleanedCount++
		}
		return true
	})

	if cleanedCount > 0 {
		slog.Warn("Cleaned up stale pipeline entries - messages may have been stuck",
			"count", cleanedCount,
			"ttl", m.cleanupConfig.TTL)
	}
}

// runVisibilityExtender keeps long-queued messages invisible. The pool
// heartbeat covers in-flight messages; this sweep covers messages still
// waiting in a pool queue.
func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.visibilityCtx.Done():
			slog.Info("Visibility extender stopped")
			return
		case <-ticker.C:
			m.extendLongRunningVisibility()
		}
	}
}

func (m *QueueManager) extendLongRunningVisibility() {
	now := time.Now().UnixMilli()
	thresholdMillis := m.visibilityConfig.Threshold.Milliseconds()
	extendedCount := 0

	m.inPipelineMap.Range(func(_, value interface{}) bool {
		tracked := value.(*trackedMessage)
		elapsedMillis := now - tracked.enqueuedAt
		if elapsedMillis < thresholdMillis {
			return true
		}

		if err := tracked.queueMsg.InProgress(); err != nil {
			slog.Warn("Failed to extend visibility for long-running message",
				"error", err,
				"messageId", tracked.pointer.ID,
				"elapsedMs", elapsedMillis)
		} else {
			extendedCount++
		}
		return true
	})

	if extendedCount > 0 {
		slog.Info("Extended visibility for long-running messages",
			"count", extendedCount,
			"threshold", m.visibilityConfig.Threshold)
	}
}

// runLeakDetection watches the pipeline map for growth beyond pool capacity
func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			slog.Info("Pipeline leak detection stopped")
			return
		case <-ticker.C:
			m.checkForMapLeaks()
		}
	}
}

// checkForMapLeaks warns when the pipeline map outgrows the total pool
// capacity, which means entries are not being released after processing
func (m *QueueManager) checkForMapLeaks() {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()

	if !running {
		return
	}

	pipelineSize := m.GetPipelineSize()
	totalCapacity := m.GetTotalPoolCapacity()
	if totalCapacity == 0 {
		totalCapacity = MinQueueCapacity
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("pipeline map size (%d) exceeds total pool capacity (%d) - possible leak",
			pipelineSize, totalCapacity)

		slog.Warn("LEAK DETECTION: "+message,
			"pipelineSize", pipelineSize,
			"totalCapacity", totalCapacity)

		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))
}

// GetPipelineSize returns the current size of the pipeline map
func (m *QueueManager) GetPipelineSize() int {
	size := 0
	m.inPipelineMap.Range(func(_, _ interface{}) bool {
		size++
		return true
	})
	return size
}

// GetInFlightMessages returns dashboard views of messages currently in the
// pipeline, newest first. An empty messageID matches everything.
func (m *QueueManager) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	now := time.Now().UnixMilli()
	messages := []*health.InFlightMessage{}

	m.inPipelineMap.Range(func(_, value interface{}) bool {
		tracked := value.(*trackedMessage)
		if messageID != "" && tracked.pointer.ID != messageID {
			return true
		}
		messages = append(messages, &health.InFlightMessage{
			MessageID:    tracked.pointer.ID,
			PoolCode:     tracked.pointer.PoolCode,
			MessageGroup: tracked.pointer.MessageGroupID,
			TargetURL:    tracked.pointer.MediationTarget,
			StartedAt:    time.UnixMilli(tracked.enqueuedAt),
			DurationMs:   now - tracked.enqueuedAt,
		})
		return true
	})

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].StartedAt.After(messages[j].StartedAt)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages
}

// GetTotalPoolCapacity returns the total queue capacity across all pools
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity()
	}
	return total
}
