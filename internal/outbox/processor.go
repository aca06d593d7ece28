package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/leader"
	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
)

// ProcessorConfig holds configuration for the outbox processor
type ProcessorConfig struct {
	// Enabled controls whether the processor is active
	Enabled bool

	// PollInterval is how often to claim pending messages (default: 1s)
	PollInterval time.Duration

	// PollBatchSize is the maximum rows to claim per poll (default: 500)
	PollBatchSize int

	// APIBatchSize is the maximum rows per deliver call (default: 100)
	APIBatchSize int

	// MaxConcurrentGroups limits how many message groups deliver in
	// parallel (default: 10)
	MaxConcurrentGroups int

	// GlobalBufferSize is the capacity of the claim buffer between the
	// poller and the group workers (default: 1000)
	GlobalBufferSize int

	// RecoveryInterval is how often periodic stuck-row recovery runs
	// (default: 60s)
	RecoveryInterval time.Duration
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Enabled:             true,
		PollInterval:        time.Second,
		PollBatchSize:       500,
		APIBatchSize:        100,
		MaxConcurrentGroups: 10,
		GlobalBufferSize:    1000,
		RecoveryInterval:    60 * time.Second,
	}
}

func (c *ProcessorConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollBatchSize <= 0 {
		c.PollBatchSize = 500
	}
	if c.APIBatchSize <= 0 {
		c.APIBatchSize = 100
	}
	if c.MaxConcurrentGroups <= 0 {
		c.MaxConcurrentGroups = 10
	}
	if c.GlobalBufferSize <= 0 {
		c.GlobalBufferSize = 1000
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 60 * time.Second
	}
}

// ProcessorStats is a monitoring snapshot of the processor
type ProcessorStats struct {
	Running             bool  `json:"running"`
	Primary             bool  `json:"primary"`
	ActiveMessageGroups int   `json:"activeMessageGroups"`
	InFlight            int   `json:"inFlight"`
	BufferedMessages    int   `json:"bufferedMessages"`
	BufferCapacity      int   `json:"bufferCapacity"`
	TotalDelivered      int64 `json:"totalDelivered"`
	TotalRetried        int64 `json:"totalRetried"`
	TotalFailed         int64 `json:"totalFailed"`
}

// Processor drives the outbox: it claims PENDING rows, fans them out to
// per-group workers that deliver micro-batches in FIFO order, and
// reconciles each row's outcome back into the store.
type Processor struct {
	config    *ProcessorConfig
	repo      Repository
	deliverer Deliverer

	// Claimed rows waiting for a group worker
	buffer     chan *Message
	bufferSize int32

	// Rows claimed but not yet reconciled (buffer + group queues + in API)
	inFlightCount int32

	// Workers are created on demand and pruned once their queue drains,
	// so the table only holds groups with claimed rows outstanding
	groupMu        sync.Mutex
	groupWorkers   map[string]*groupWorker
	groupSemaphore chan struct{}

	// Leader election gates the poll and recovery loops
	elector   leader.Elector
	isPrimary atomic.Bool

	totalDelivered atomic.Int64
	totalRetried   atomic.Int64
	totalFailed    atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	pollMu    sync.Mutex
}

// NewProcessor creates an outbox processor
func NewProcessor(repo Repository, deliverer Deliverer, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	config.normalize()

	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		config:         config,
		repo:           repo,
		deliverer:      deliverer,
		buffer:         make(chan *Message, config.GlobalBufferSize),
		groupWorkers:   make(map[string]*groupWorker),
		groupSemaphore: make(chan struct{}, config.MaxConcurrentGroups),
		ctx:            ctx,
		cancel:         cancel,
	}

	// Single-instance mode until an elector is attached
	p.isPrimary.Store(true)

	return p
}

// WithElector attaches a leader elector. The processor only polls while it
// holds leadership; followers keep running recovery-free and idle.
func (p *Processor) WithElector(elector leader.Elector) *Processor {
	if elector == nil {
		return p
	}

	p.elector = elector
	p.isPrimary.Store(false)
	metrics.OutboxLeaderElectionState.Set(0)

	elector.OnBecomeLeader(func() {
		p.isPrimary.Store(true)
		metrics.OutboxLeaderElectionState.Set(1)
		slog.Info("Outbox processor became primary",
			"instanceId", elector.InstanceID())
	})
	elector.OnLoseLeadership(func() {
		p.isPrimary.Store(false)
		metrics.OutboxLeaderElectionState.Set(0)
		slog.Warn("Outbox processor lost primary status",
			"instanceId", elector.InstanceID())
	})

	return p
}

// Start starts the processor loops
func (p *Processor) Start() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return
	}
	p.running = true

	if !p.config.Enabled {
		slog.Info("Outbox processor is disabled")
		return
	}

	// Recover rows left in PROCESSING by a previous crash before anything
	// else touches the table
	p.doRecovery("startup")

	if p.elector != nil {
		if err := p.elector.Start(p.ctx); err != nil {
			slog.Error("Failed to start outbox leader election", "error", err)
		}
	}

	p.wg.Add(3)
	go p.runDistributor()
	go p.runPoller()
	go p.runPeriodicRecovery()

	slog.Info("Outbox processor started",
		"pollInterval", p.config.PollInterval,
		"pollBatchSize", p.config.PollBatchSize,
		"apiBatchSize", p.config.APIBatchSize,
		"maxConcurrentGroups", p.config.MaxConcurrentGroups,
		"isPrimary", p.isPrimary.Load())
}

// Stop stops the processor and releases any buffered claims so another
// instance can pick them up immediately
func (p *Processor) Stop() {
	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()

	p.cancel()
	p.wg.Wait()

	if p.elector != nil {
		p.elector.Stop()
	}

	slog.Info("Outbox processor stopped")
}

// IsPrimary returns whether this instance currently polls
func (p *Processor) IsPrimary() bool {
	return p.isPrimary.Load()
}

// GetStats returns a monitoring snapshot
func (p *Processor) GetStats() ProcessorStats {
	p.runningMu.Lock()
	running := p.running
	p.runningMu.Unlock()

	return ProcessorStats{
		Running:             running,
		Primary:             p.isPrimary.Load(),
		ActiveMessageGroups: p.countActiveGroups(),
		InFlight:            int(atomic.LoadInt32(&p.inFlightCount)),
		BufferedMessages:    int(atomic.LoadInt32(&p.bufferSize)),
		BufferCapacity:      p.config.GlobalBufferSize,
		TotalDelivered:      p.totalDelivered.Load(),
		TotalRetried:        p.totalRetried.Load(),
		TotalFailed:         p.totalFailed.Load(),
	}
}

func (p *Processor) countActiveGroups() int {
	p.groupMu.Lock()
	defer p.groupMu.Unlock()
	return len(p.groupWorkers)
}

// doRecovery returns stuck PROCESSING rows to PENDING
func (p *Processor) doRecovery(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recovered, err := p.repo.RecoverStuck(ctx)
	if err != nil {
		slog.Error("Outbox recovery failed", "error", err, "trigger", trigger)
		return
	}
	if recovered > 0 {
		metrics.OutboxRecoveredItems.WithLabelValues(trigger).Add(float64(recovered))
		slog.Info("Recovered stuck outbox rows",
			"count", recovered,
			"trigger", trigger)
	}
}

func (p *Processor) runPeriodicRecovery() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.isPrimary.Load() {
				continue
			}
			p.doRecovery("periodic")
		}
	}
}

func (p *Processor) runPoller() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.isPrimary.Load() {
				continue
			}
			p.doPoll()
		}
	}
}

// doPoll claims one batch and pushes it into the buffer.
// Backpressure: skip the poll entirely unless a full batch fits in the
// remaining in-flight capacity, so claims never pile up unprocessed.
func (p *Processor) doPoll() {
	if !p.pollMu.TryLock() {
		return
	}
	defer p.pollMu.Unlock()

	currentInFlight := int(atomic.LoadInt32(&p.inFlightCount))
	if p.config.GlobalBufferSize-currentInFlight < p.config.PollBatchSize {
		slog.Debug("Skipping outbox poll, insufficient in-flight capacity",
			"inFlight", currentInFlight,
			"pollBatchSize", p.config.PollBatchSize)
		return
	}

	startTime := time.Now()
	defer func() {
		metrics.OutboxPollDuration.Observe(time.Since(startTime).Seconds())
	}()

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	claimed, err := p.repo.ClaimPending(ctx, p.config.PollBatchSize)
	if err != nil {
		slog.Error("Failed to claim pending outbox rows", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	atomic.AddInt32(&p.inFlightCount, int32(len(claimed)))
	metrics.OutboxInFlightItems.Set(float64(atomic.LoadInt32(&p.inFlightCount)))

	slog.Debug("Claimed outbox rows", "count", len(claimed))

	for i, msg := range claimed {
		select {
		case p.buffer <- msg:
			atomic.AddInt32(&p.bufferSize, 1)
			metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&p.bufferSize)))
		case <-p.ctx.Done():
			// Shutdown mid-batch: release what never made it into the
			// buffer so another instance can claim it right away
			p.releaseUnbuffered(claimed[i:])
			return
		}
	}
}

// releaseUnbuffered returns never-buffered claims to PENDING during shutdown
func (p *Processor) releaseUnbuffered(msgs []*Message) {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.repo.Release(ctx, ids); err != nil {
		slog.Error("Failed to release claims during shutdown",
			"error", err, "count", len(ids))
		return
	}
	atomic.AddInt32(&p.inFlightCount, -int32(len(ids)))
	slog.Info("Released unbuffered claims during shutdown", "count", len(ids))
}

func (p *Processor) runDistributor() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainBuffer()
			return
		case msg := <-p.buffer:
			atomic.AddInt32(&p.bufferSize, -1)
			metrics.OutboxBufferSize.Set(float64(atomic.LoadInt32(&p.bufferSize)))
			p.distribute(msg)
		}
	}
}

// distribute routes a message to its group worker, creating one on demand.
// A message without a group gets its own singleton group keyed by ID so it
// never blocks behind unrelated messages. Enqueueing happens under groupMu
// so a worker is never retired with a message still queued.
func (p *Processor) distribute(msg *Message) {
	groupKey := msg.MessageGroup
	if groupKey == "" {
		groupKey = msg.ID
	}

	p.groupMu.Lock()
	worker, ok := p.groupWorkers[groupKey]
	if !ok {
		worker = &groupWorker{
			groupKey:  groupKey,
			queue:     make(chan *Message, p.config.APIBatchSize),
			processor: p,
		}
		p.groupWorkers[groupKey] = worker
	}

	select {
	case worker.queue <- msg:
		p.groupMu.Unlock()
		worker.tryStart()
	default:
		p.groupMu.Unlock()
		// Group queue full; release the claim and let the next poll retry
		slog.Warn("Outbox group queue full, releasing claim",
			"group", groupKey, "messageId", msg.ID)
		p.releaseUnbuffered([]*Message{msg})
	}
}

// drainBuffer empties the buffer during shutdown and releases the claims
func (p *Processor) drainBuffer() {
	var drained []*Message
	for {
		select {
		case msg := <-p.buffer:
			drained = append(drained, msg)
		default:
			if len(drained) > 0 {
				p.releaseUnbuffered(drained)
			}
			return
		}
	}
}

// groupWorker delivers one message group's rows in FIFO order
type groupWorker struct {
	groupKey  string
	queue     chan *Message
	processor *Processor

	processing bool
	mu         sync.Mutex
}

// tryStart launches the delivery loop unless one is already running
func (w *groupWorker) tryStart() {
	w.mu.Lock()
	if w.processing {
		w.mu.Unlock()
		return
	}
	w.processing = true
	w.mu.Unlock()

	go w.deliverLoop()
}

func (w *groupWorker) deliverLoop() {
	for {
		batch := w.collectBatch()
		if len(batch) == 0 {
			if w.retire() {
				return
			}
			continue
		}

		select {
		case w.processor.groupSemaphore <- struct{}{}:
		case <-w.processor.ctx.Done():
			w.processor.releaseUnbuffered(batch)
			w.retire()
			return
		}

		w.deliverBatch(batch)

		<-w.processor.groupSemaphore
	}
}

// retire removes a drained worker from the group table. It returns false
// when a message arrived between collectBatch and the lock, in which case
// the worker stays registered and the loop keeps going.
func (w *groupWorker) retire() bool {
	p := w.processor
	p.groupMu.Lock()
	defer p.groupMu.Unlock()

	if len(w.queue) > 0 && p.ctx.Err() == nil {
		return false
	}

	delete(p.groupWorkers, w.groupKey)
	w.mu.Lock()
	w.processing = false
	w.mu.Unlock()
	return true
}

// collectBatch takes up to APIBatchSize messages off the group queue
func (w *groupWorker) collectBatch() []*Message {
	batch := make([]*Message, 0, w.processor.config.APIBatchSize)
	for len(batch) < w.processor.config.APIBatchSize {
		select {
		case msg := <-w.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// deliverBatch sends one micro-batch and reconciles the per-item outcomes
func (w *groupWorker) deliverBatch(batch []*Message) {
	ctx, cancel := context.WithTimeout(w.processor.ctx, 60*time.Second)
	defer cancel()

	metrics.OutboxActiveProcessors.Inc()
	defer metrics.OutboxActiveProcessors.Dec()

	apiStart := time.Now()
	results, err := w.processor.deliverer.Deliver(ctx, batch)
	metrics.OutboxAPIDuration.WithLabelValues(batchType(batch)).
		Observe(time.Since(apiStart).Seconds())

	defer func() {
		atomic.AddInt32(&w.processor.inFlightCount, -int32(len(batch)))
		metrics.OutboxInFlightItems.Set(float64(atomic.LoadInt32(&w.processor.inFlightCount)))
	}()

	if err != nil {
		// Wholesale failure: nothing was processed, put the batch back
		// without consuming retries
		slog.Error("Outbox batch delivery failed",
			"error", err,
			"group", w.groupKey,
			"batchSize", len(batch))

		ids := make([]string, len(batch))
		for i, msg := range batch {
			ids[i] = msg.ID
		}
		if relErr := w.processor.repo.Release(ctx, ids); relErr != nil {
			slog.Error("Failed to release batch after delivery failure",
				"error", relErr, "group", w.groupKey)
		}
		metrics.OutboxItemsProcessed.
			WithLabelValues(batchType(batch), "released").
			Add(float64(len(batch)))
		return
	}

	w.reconcile(ctx, batch, results)
}

// reconcile applies per-item outcomes. Items the API did not report on are
// scheduled for retry: the API may have partially processed the batch, and
// a retry is safe because deliveries are idempotent on the API side.
func (w *groupWorker) reconcile(ctx context.Context, batch []*Message, results []ItemResult) {
	outcomeByID := make(map[string]ItemResult, len(results))
	for _, res := range results {
		outcomeByID[res.ID] = res
	}

	var completed, retry, failed []string
	var retryReason, failReason string

	for _, msg := range batch {
		res, ok := outcomeByID[msg.ID]
		if !ok {
			retry = append(retry, msg.ID)
			retryReason = "no outcome reported for message"
			continue
		}
		switch res.Outcome {
		case OutcomeCompleted:
			completed = append(completed, msg.ID)
		case OutcomeRetry:
			retry = append(retry, msg.ID)
			retryReason = res.Error
		case OutcomeFailed:
			failed = append(failed, msg.ID)
			failReason = res.Error
		default:
			retry = append(retry, msg.ID)
			retryReason = "unknown outcome: " + res.Outcome
		}
	}

	typeLabel := batchType(batch)

	if len(completed) > 0 {
		if err := w.processor.repo.MarkCompleted(ctx, completed); err != nil {
			slog.Error("Failed to mark outbox rows completed", "error", err)
		}
		w.processor.totalDelivered.Add(int64(len(completed)))
		metrics.OutboxItemsProcessed.WithLabelValues(typeLabel, "completed").
			Add(float64(len(completed)))
	}

	if len(retry) > 0 {
		if err := w.processor.repo.ScheduleRetry(ctx, retry, retryReason); err != nil {
			slog.Error("Failed to schedule outbox retries", "error", err)
		}
		w.processor.totalRetried.Add(int64(len(retry)))
		metrics.OutboxItemsProcessed.WithLabelValues(typeLabel, "retried").
			Add(float64(len(retry)))
	}

	if len(failed) > 0 {
		if err := w.processor.repo.MarkFailed(ctx, failed, failReason); err != nil {
			slog.Error("Failed to mark outbox rows failed", "error", err)
		}
		w.processor.totalFailed.Add(int64(len(failed)))
		metrics.OutboxItemsProcessed.WithLabelValues(typeLabel, "failed").
			Add(float64(len(failed)))
		slog.Warn("Outbox rows permanently failed",
			"group", w.groupKey,
			"count", len(failed),
			"reason", failReason)
	}

	slog.Debug("Outbox batch reconciled",
		"group", w.groupKey,
		"completed", len(completed),
		"retried", len(retry),
		"failed", len(failed))
}

// batchType returns the metric label for a batch. Batches are homogeneous
// in practice because groups rarely mix types; mixed batches are labeled
// by their first message.
func batchType(batch []*Message) string {
	if len(batch) == 0 {
		return ""
	}
	return string(batch[0].Type)
}
