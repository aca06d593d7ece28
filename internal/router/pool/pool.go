// Package pool implements the dispatch pool: a bounded FIFO queue with
// per-message-group single-flight, a concurrency permit semaphore and
// token-bucket rate limiting at admission.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// MediationResult classifies the outcome of one mediation attempt
type MediationResult string

const (
	MediationResultSuccess         MediationResult = "SUCCESS"
	MediationResultErrorConfig     MediationResult = "ERROR_CONFIG"     // non-retryable, ack
	MediationResultErrorProcess    MediationResult = "ERROR_PROCESS"    // retryable, nack
	MediationResultErrorServer     MediationResult = "ERROR_SERVER"     // retryable, nack
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION" // retryable, nack
)

// MediationOutcome is the result of mediation including an optional
// redelivery delay requested by the target
type MediationOutcome struct {
	Result      MediationResult
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool
}

// HasCustomDelay returns true if the target requested a specific delay
func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// GetEffectiveDelaySeconds returns the requested delay in seconds
func (o *MediationOutcome) GetEffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator delivers one message to its target
type Mediator interface {
	Process(msg *model.MessagePointer) *MediationOutcome
}

// MessageCallback resolves pool decisions back onto the broker message
type MessageCallback interface {
	Ack(msg *model.MessagePointer)
	Nack(msg *model.MessagePointer)
	SetVisibilityDelay(msg *model.MessagePointer, seconds int)
	SetFastFailVisibility(msg *model.MessagePointer)
	ResetVisibilityToDefault(msg *model.MessagePointer)
	InProgress(msg *model.MessagePointer)
}

// SubmitResult is the admission decision for one message
type SubmitResult int

const (
	// SubmitAccepted means the pool owns the message until an outcome is
	// resolved through the callback
	SubmitAccepted SubmitResult = iota
	// SubmitQueueFull means the bounded queue is at capacity
	SubmitQueueFull
	// SubmitRateLimited means a token bucket rejected the message
	SubmitRateLimited
	// SubmitDraining means the pool no longer accepts work
	SubmitDraining
)

// Pool is the dispatch pool contract used by the router manager
type Pool interface {
	Start()
	Drain()
	Submit(msg *model.MessagePointer) SubmitResult
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// ProcessPool implements Pool. Ordering guarantee: at most one message per
// message group is in flight, and queued messages of a group leave in
// arrival order.
type ProcessPool struct {
	poolCode      string
	concurrency   int32
	queueCapacity int
	semaphore     chan struct{}

	running atomic.Bool

	mu            sync.Mutex
	pending       []*model.MessagePointer
	groupInFlight map[string]struct{}
	keyLimiters   map[string]*rate.Limiter

	rateLimitMu        sync.RWMutex
	rateLimiter        *rate.Limiter
	rateLimitPerMinute *int

	mediator        Mediator
	messageCallback MessageCallback

	// Failed batch+group pairs fast-fail their remaining queued messages so
	// redelivery preserves arrival order
	failedBatchGroups      map[string]struct{}
	batchGroupMessageCount map[string]int

	heartbeatInterval time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

const (
	// MinHeartbeatInterval floors the visibility heartbeat period
	MinHeartbeatInterval = 15 * time.Second

	// DefaultVisibilityTimeoutSeconds matches the queue default
	DefaultVisibilityTimeoutSeconds = 30
)

// NewProcessPool creates a pool. rateLimitPerMinute nil disables the
// pool-wide limiter.
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator Mediator,
	messageCallback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	pool := &ProcessPool{
		poolCode:               poolCode,
		concurrency:            int32(concurrency),
		queueCapacity:          queueCapacity,
		semaphore:              make(chan struct{}, concurrency),
		groupInFlight:          make(map[string]struct{}),
		keyLimiters:            make(map[string]*rate.Limiter),
		failedBatchGroups:      make(map[string]struct{}),
		batchGroupMessageCount: make(map[string]int),
		mediator:               mediator,
		messageCallback:        messageCallback,
		rateLimitPerMinute:     rateLimitPerMinute,
		heartbeatInterval:      heartbeatInterval(DefaultVisibilityTimeoutSeconds),
		ctx:                    ctx,
		cancel:                 cancel,
		gaugeCtx:               gaugeCtx,
		gaugeCancel:            gaugeCancel,
	}

	for i := 0; i < concurrency; i++ {
		pool.semaphore <- struct{}{}
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		pool.rateLimiter = newMinuteLimiter(*rateLimitPerMinute)
		slog.Info("Created pool-level rate limiter",
			"pool", poolCode,
			"rateLimit", *rateLimitPerMinute)
	}

	return pool
}

// newMinuteLimiter builds a token bucket refilled at perMinute/60 per second
// with burst capacity of a full minute
func newMinuteLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
}

// heartbeatInterval derives the in-progress heartbeat period from the
// visibility timeout: a third of the timeout, floored at 15s
func heartbeatInterval(visibilityTimeoutSeconds int) time.Duration {
	interval := time.Duration(visibilityTimeoutSeconds) * time.Second / 3
	if interval < MinHeartbeatInterval {
		return MinHeartbeatInterval
	}
	return interval
}

// SetVisibilityTimeout adjusts the heartbeat period for the backing queue's
// visibility timeout. Call before Start.
func (p *ProcessPool) SetVisibilityTimeout(seconds int) {
	if seconds > 0 {
		p.heartbeatInterval = heartbeatInterval(seconds)
	}
}

// Start begins processing
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Starting process pool",
			"pool", p.poolCode,
			"concurrency", atomic.LoadInt32(&p.concurrency),
			"queueCapacity", p.queueCapacity)
	}
}

// Drain stops accepting new work but finishes what is queued
func (p *ProcessPool) Drain() {
	p.mu.Lock()
	queued := len(p.pending)
	p.mu.Unlock()
	slog.Info("Draining process pool", "pool", p.poolCode, "queued", queued)
	p.running.Store(false)
}

// Submit admits a message or rejects it. On SubmitAccepted the pool owns the
// message; all other results leave broker resolution to the caller.
func (p *ProcessPool) Submit(msg *model.MessagePointer) SubmitResult {
	if !p.running.Load() {
		return SubmitDraining
	}

	if p.shouldRateLimit(msg) {
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		slog.Warn("Rate limit exceeded, rejecting message",
			"pool", p.poolCode,
			"messageId", msg.ID)
		return SubmitRateLimited
	}

	p.mu.Lock()
	if len(p.pending) >= p.queueCapacity {
		p.mu.Unlock()
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"capacity", p.queueCapacity,
			"messageId", msg.ID)
		return SubmitQueueFull
	}

	p.pending = append(p.pending, msg)
	if key := batchGroupKey(msg); key != "" {
		p.batchGroupMessageCount[key]++
	}
	p.mu.Unlock()

	p.promote()
	return SubmitAccepted
}

// shouldRateLimit consults the pool-wide bucket and, when the message names
// a rate limit key, the per-key bucket
func (p *ProcessPool) shouldRateLimit(msg *model.MessagePointer) bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter != nil && !limiter.Allow() {
		return true
	}

	if msg.RateLimitKey != "" && msg.RateLimitPerMinute > 0 {
		p.mu.Lock()
		keyLimiter, ok := p.keyLimiters[msg.RateLimitKey]
		if !ok {
			keyLimiter = newMinuteLimiter(msg.RateLimitPerMinute)
			p.keyLimiters[msg.RateLimitKey] = keyLimiter
		}
		p.mu.Unlock()
		if !keyLimiter.Allow() {
			return true
		}
	}
	return false
}

// promote moves queued messages whose group is idle onto workers while
// permits are available
func (p *ProcessPool) promote() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) > 0 {
		idx := -1
		for i, m := range p.pending {
			if _, busy := p.groupInFlight[m.Group()]; !busy {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		select {
		case <-p.semaphore:
		default:
			return
		}

		msg := p.pending[idx]
		p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
		p.groupInFlight[msg.Group()] = struct{}{}

		p.wg.Add(1)
		go p.runWorker(msg)
	}
}

// runWorker processes one message then releases its permit and group slot
func (p *ProcessPool) runWorker(msg *model.MessagePointer) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message processing",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
			p.nackSafely(msg)
		}
		p.mu.Lock()
		delete(p.groupInFlight, msg.Group())
		p.semaphore <- struct{}{}
		p.mu.Unlock()
		p.promote()
	}()

	key := batchGroupKey(msg)
	if key != "" {
		p.mu.Lock()
		_, failed := p.failedBatchGroups[key]
		p.mu.Unlock()
		if failed {
			slog.Warn("Message from failed batch+group, fast-failing to preserve ordering",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"batchGroup", key)
			p.messageCallback.SetFastFailVisibility(msg)
			p.nackSafely(msg)
			p.releaseBatchGroup(key)
			return
		}
	}

	// Keep the broker visibility alive while mediation runs
	heartbeatDone := make(chan struct{})
	p.wg.Add(1)
	go p.runHeartbeat(msg, heartbeatDone)

	slog.Info("Processing message via mediator",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"target", msg.MediationTarget)

	startTime := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(startTime)

	close(heartbeatDone)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	slog.Info("Message processing completed",
		"pool", p.poolCode,
		"messageId", msg.ID,
		"result", resultLabel(outcome),
		"duration", duration)

	p.handleMediationOutcome(msg, outcome, key)
}

// runHeartbeat extends broker visibility until done closes
func (p *ProcessPool) runHeartbeat(msg *model.MessagePointer, done <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.messageCallback.InProgress(msg)
		}
	}
}

func resultLabel(outcome *MediationOutcome) string {
	if outcome == nil {
		return "nil"
	}
	return string(outcome.Result)
}

// handleMediationOutcome maps the mediation result onto broker resolution
func (p *ProcessPool) handleMediationOutcome(msg *model.MessagePointer, outcome *MediationOutcome, batchGroupKey string) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorProcess}
	}

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		p.messageCallback.Ack(msg)
		p.releaseBatchGroup(batchGroupKey)

	case MediationResultErrorConfig:
		// Misconfigured target: retrying cannot help, ack to stop redelivery
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "error_config").Inc()
		slog.Warn("Configuration error - ACKing to prevent retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"statusCode", outcome.StatusCode)
		p.messageCallback.Ack(msg)
		p.releaseBatchGroup(batchGroupKey)

	case MediationResultErrorProcess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "error_process").Inc()
		if outcome.HasCustomDelay() {
			delaySeconds := outcome.GetEffectiveDelaySeconds()
			slog.Warn("Transient error with custom delay - NACKing",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"delaySeconds", delaySeconds)
			p.messageCallback.SetVisibilityDelay(msg, delaySeconds)
		} else {
			slog.Warn("Transient error - NACKing for retry",
				"pool", p.poolCode,
				"messageId", msg.ID)
			p.messageCallback.ResetVisibilityToDefault(msg)
		}
		p.messageCallback.Nack(msg)
		p.failBatchGroup(batchGroupKey)

	case MediationResultErrorServer:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "error_server").Inc()
		slog.Warn("Server error - NACKing for retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"statusCode", outcome.StatusCode)
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.messageCallback.Nack(msg)
		p.failBatchGroup(batchGroupKey)

	case MediationResultErrorConnection:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "error_connection").Inc()
		slog.Warn("Connection error - NACKing for retry",
			"pool", p.poolCode,
			"messageId", msg.ID)
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.messageCallback.Nack(msg)
		p.failBatchGroup(batchGroupKey)

	default:
		slog.Warn("Unknown result - NACKing for retry",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"result", string(outcome.Result))
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.messageCallback.Nack(msg)
		p.failBatchGroup(batchGroupKey)
	}
}

func (p *ProcessPool) nackSafely(msg *model.MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

func batchGroupKey(msg *model.MessagePointer) string {
	if msg.BatchID == "" {
		return ""
	}
	return msg.BatchID + "|" + msg.Group()
}

// failBatchGroup marks the pair failed and releases this message's count
func (p *ProcessPool) failBatchGroup(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	p.failedBatchGroups[key] = struct{}{}
	p.mu.Unlock()
	p.releaseBatchGroup(key)
}

// releaseBatchGroup decrements the pair count, clearing failure state once
// every message of the pair is resolved
func (p *ProcessPool) releaseBatchGroup(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchGroupMessageCount[key]--
	if p.batchGroupMessageCount[key] <= 0 {
		delete(p.batchGroupMessageCount, key)
		delete(p.failedBatchGroups, key)
	}
}

// GetPoolCode returns the pool code
func (p *ProcessPool) GetPoolCode() string {
	return p.poolCode
}

// GetConcurrency returns the concurrency limit
func (p *ProcessPool) GetConcurrency() int {
	return int(atomic.LoadInt32(&p.concurrency))
}

// GetRateLimitPerMinute returns the pool-wide rate limit
func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

// IsFullyDrained reports whether no work is queued or in flight
func (p *ProcessPool) IsFullyDrained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0 && len(p.semaphore) == int(atomic.LoadInt32(&p.concurrency))
}

// Shutdown stops the pool and waits for workers
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the number of queued messages
func (p *ProcessPool) GetQueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// GetActiveWorkers returns the number of in-flight workers
func (p *ProcessPool) GetActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

// GetQueueCapacity returns the bounded queue capacity
func (p *ProcessPool) GetQueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity reports whether the pool can queue needed more messages
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited reports whether the pool-wide bucket is currently empty
func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency resizes the permit pool. Decreases block until permits
// are reclaimed or the timeout expires.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		diff := newLimit - current
		// Swap in a larger channel; in-flight workers release into the new
		// one, so carry over the idle permits and add the difference
		p.mu.Lock()
		newSem := make(chan struct{}, newLimit)
		drained := 0
		for {
			select {
			case <-p.semaphore:
				drained++
				continue
			default:
			}
			break
		}
		for i := 0; i < drained+diff; i++ {
			newSem <- struct{}{}
		}
		p.semaphore = newSem
		p.mu.Unlock()
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased",
			"pool", p.poolCode,
			"from", current,
			"to", newLimit)
		p.promote()
		return true
	}

	diff := current - newLimit
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	p.mu.Lock()
	sem := p.semaphore
	p.mu.Unlock()

	acquired := 0
	for acquired < diff {
		select {
		case <-sem:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				sem <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out",
				"pool", p.poolCode,
				"from", current,
				"to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased",
		"pool", p.poolCode,
		"from", current,
		"to", newLimit)
	return true
}

// UpdateRateLimit replaces the pool-wide limiter
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	p.rateLimiter = newMinuteLimiter(*newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated",
		"pool", p.poolCode,
		"rateLimit", *newRateLimitPerMinute)
}

// runGaugeUpdater refreshes the pool gauges every 500ms
func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers

	p.mu.Lock()
	queueSize := len(p.pending)
	groupCount := len(p.groupInFlight)
	p.mu.Unlock()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(groupCount))
}
