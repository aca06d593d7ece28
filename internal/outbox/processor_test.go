package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockRepository implements Repository for testing
type mockRepository struct {
	mu            sync.Mutex
	pending       []*Message
	claimed       map[string]*Message
	completedIDs  []string
	failedIDs     []string
	retriedIDs    []string
	releasedIDs   []string
	recovered     int64
	claimErr      error
	recoveryCalls int
}

func newMockRepository() *mockRepository {
	return &mockRepository{claimed: make(map[string]*Message)}
}

func (m *mockRepository) addPending(msgs ...*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msgs...)
}

func (m *mockRepository) Insert(ctx context.Context, msg *Message, idempotencyKey string) error {
	m.addPending(msg)
	return nil
}

func (m *mockRepository) ClaimPending(ctx context.Context, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	n := limit
	if n > len(m.pending) {
		n = len(m.pending)
	}
	batch := m.pending[:n]
	m.pending = m.pending[n:]
	for _, msg := range batch {
		msg.Status = StatusProcessing
		m.claimed[msg.ID] = msg
	}
	return batch, nil
}

func (m *mockRepository) MarkCompleted(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedIDs = append(m.completedIDs, ids...)
	return nil
}

func (m *mockRepository) MarkFailed(ctx context.Context, ids []string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedIDs = append(m.failedIDs, ids...)
	return nil
}

func (m *mockRepository) ScheduleRetry(ctx context.Context, ids []string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retriedIDs = append(m.retriedIDs, ids...)
	return nil
}

func (m *mockRepository) Release(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releasedIDs = append(m.releasedIDs, ids...)
	return nil
}

func (m *mockRepository) RecoverStuck(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryCalls++
	n := m.recovered
	m.recovered = 0
	return n, nil
}

func (m *mockRepository) CountByStatus(ctx context.Context) (StatusCounts, error) {
	return StatusCounts{}, nil
}

func (m *mockRepository) CreateSchema(ctx context.Context) error { return nil }

func (m *mockRepository) snapshot() (completed, retried, failed, released []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.completedIDs...),
		append([]string(nil), m.retriedIDs...),
		append([]string(nil), m.failedIDs...),
		append([]string(nil), m.releasedIDs...)
}

// mockDeliverer implements Deliverer with scripted outcomes
type mockDeliverer struct {
	mu       sync.Mutex
	batches  [][]*Message
	outcome  func(msg *Message) ItemResult
	failWith error
}

func (d *mockDeliverer) Deliver(ctx context.Context, messages []*Message) ([]ItemResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, append([]*Message(nil), messages...))
	if d.failWith != nil {
		return nil, d.failWith
	}
	results := make([]ItemResult, 0, len(messages))
	for _, msg := range messages {
		if d.outcome != nil {
			results = append(results, d.outcome(msg))
		} else {
			results = append(results, ItemResult{ID: msg.ID, Outcome: OutcomeCompleted})
		}
	}
	return results, nil
}

func (d *mockDeliverer) deliveredIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, batch := range d.batches {
		for _, msg := range batch {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

func testProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Enabled:             true,
		PollInterval:        10 * time.Millisecond,
		PollBatchSize:       50,
		APIBatchSize:        10,
		MaxConcurrentGroups: 4,
		GlobalBufferSize:    200,
		RecoveryInterval:    time.Hour,
	}
}

func testMsg(id, group string) *Message {
	return &Message{
		ID:           id,
		TenantID:     "tenant-1",
		MessageGroup: group,
		Type:         TypeEvent,
		Payload:      fmt.Sprintf(`{"id":%q}`, id),
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestProcessorDeliversPendingMessages(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}

	for i := 0; i < 5; i++ {
		repo.addPending(testMsg(fmt.Sprintf("msg-%d", i), "group-a"))
	}

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		completed, _, _, _ := repo.snapshot()
		return len(completed) == 5
	})

	if got := len(deliverer.deliveredIDs()); got != 5 {
		t.Errorf("expected 5 delivered messages, got %d", got)
	}
}

func TestProcessorFIFOWithinGroup(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}

	const count = 20
	for i := 0; i < count; i++ {
		repo.addPending(testMsg(fmt.Sprintf("msg-%02d", i), "group-fifo"))
	}

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		completed, _, _, _ := repo.snapshot()
		return len(completed) == count
	})

	ids := deliverer.deliveredIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("FIFO order violated within group: %s before %s", ids[i-1], ids[i])
		}
	}
}

func TestProcessorPrunesIdleGroupWorkers(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}

	// Ungrouped messages each get a singleton group; their workers must
	// not accumulate after delivery.
	const count = 200
	for i := 0; i < count; i++ {
		repo.addPending(testMsg(fmt.Sprintf("msg-%03d", i), ""))
	}

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	waitUntil(t, 5*time.Second, func() bool {
		completed, _, _, _ := repo.snapshot()
		return len(completed) == count
	})

	waitUntil(t, 2*time.Second, func() bool {
		return p.countActiveGroups() == 0
	})
}

func TestProcessorReusesGroupWorkerAcrossBatches(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	// Two waves into the same group, with a gap long enough for the
	// first worker to drain and retire in between.
	for i := 0; i < 10; i++ {
		repo.addPending(testMsg(fmt.Sprintf("wave1-%02d", i), "group-a"))
	}
	waitUntil(t, 2*time.Second, func() bool {
		completed, _, _, _ := repo.snapshot()
		return len(completed) == 10
	})
	waitUntil(t, 2*time.Second, func() bool {
		return p.countActiveGroups() == 0
	})

	for i := 0; i < 10; i++ {
		repo.addPending(testMsg(fmt.Sprintf("wave2-%02d", i), "group-a"))
	}
	waitUntil(t, 2*time.Second, func() bool {
		completed, _, _, _ := repo.snapshot()
		return len(completed) == 20
	})

	ids := deliverer.deliveredIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("FIFO order violated across worker generations: %s before %s", ids[i-1], ids[i])
		}
	}
}

func TestProcessorReconcilesMixedOutcomes(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{
		outcome: func(msg *Message) ItemResult {
			switch msg.ID {
			case "msg-retry":
				return ItemResult{ID: msg.ID, Outcome: OutcomeRetry, Error: "downstream busy"}
			case "msg-fail":
				return ItemResult{ID: msg.ID, Outcome: OutcomeFailed, Error: "bad payload"}
			default:
				return ItemResult{ID: msg.ID, Outcome: OutcomeCompleted}
			}
		},
	}

	repo.addPending(
		testMsg("msg-ok", "g1"),
		testMsg("msg-retry", "g2"),
		testMsg("msg-fail", "g3"),
	)

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		completed, retried, failed, _ := repo.snapshot()
		return len(completed) == 1 && len(retried) == 1 && len(failed) == 1
	})

	completed, retried, failed, _ := repo.snapshot()
	if completed[0] != "msg-ok" {
		t.Errorf("expected msg-ok completed, got %v", completed)
	}
	if retried[0] != "msg-retry" {
		t.Errorf("expected msg-retry retried, got %v", retried)
	}
	if failed[0] != "msg-fail" {
		t.Errorf("expected msg-fail failed, got %v", failed)
	}
}

func TestProcessorReleasesBatchOnWholesaleFailure(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{failWith: errors.New("connection refused")}

	repo.addPending(testMsg("msg-1", "g1"), testMsg("msg-2", "g1"))

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		_, _, _, released := repo.snapshot()
		return len(released) >= 2
	})

	_, retried, failed, _ := repo.snapshot()
	if len(retried) != 0 {
		t.Errorf("wholesale failure must not consume retries, got retried=%v", retried)
	}
	if len(failed) != 0 {
		t.Errorf("wholesale failure must not fail messages, got failed=%v", failed)
	}
}

func TestProcessorRetriesUnreportedMessages(t *testing.T) {
	repo := newMockRepository()
	// Report only on the first message of each batch
	deliverer := &mockDeliverer{
		outcome: func(msg *Message) ItemResult {
			if msg.ID == "msg-0" {
				return ItemResult{ID: msg.ID, Outcome: OutcomeCompleted}
			}
			return ItemResult{ID: "unrelated", Outcome: OutcomeCompleted}
		},
	}

	repo.addPending(testMsg("msg-0", "g1"), testMsg("msg-1", "g1"))

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		completed, retried, _, _ := repo.snapshot()
		return len(completed) == 1 && len(retried) >= 1
	})
}

func TestProcessorMicroBatchSize(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}

	cfg := testProcessorConfig()
	cfg.APIBatchSize = 3

	for i := 0; i < 10; i++ {
		repo.addPending(testMsg(fmt.Sprintf("msg-%02d", i), "group-a"))
	}

	p := NewProcessor(repo, deliverer, cfg)
	p.Start()
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		completed, _, _, _ := repo.snapshot()
		return len(completed) == 10
	})

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	for _, batch := range deliverer.batches {
		if len(batch) > 3 {
			t.Errorf("batch exceeded APIBatchSize: %d messages", len(batch))
		}
	}
}

func TestProcessorStartupRecovery(t *testing.T) {
	repo := newMockRepository()
	repo.recovered = 7

	p := NewProcessor(repo, &mockDeliverer{}, testProcessorConfig())
	p.Start()
	defer p.Stop()

	repo.mu.Lock()
	calls := repo.recoveryCalls
	repo.mu.Unlock()
	if calls < 1 {
		t.Error("expected startup recovery to run before polling")
	}
}

func TestProcessorDisabled(t *testing.T) {
	repo := newMockRepository()
	repo.addPending(testMsg("msg-1", "g1"))

	cfg := testProcessorConfig()
	cfg.Enabled = false

	p := NewProcessor(repo, &mockDeliverer{}, cfg)
	p.Start()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)

	completed, _, _, _ := repo.snapshot()
	if len(completed) != 0 {
		t.Errorf("disabled processor must not deliver, got %v", completed)
	}
}

func TestProcessorStats(t *testing.T) {
	repo := newMockRepository()
	deliverer := &mockDeliverer{}

	repo.addPending(testMsg("msg-1", "g1"), testMsg("msg-2", "g2"))

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		return p.GetStats().TotalDelivered == 2
	})

	stats := p.GetStats()
	if !stats.Running {
		t.Error("expected running")
	}
	if !stats.Primary {
		t.Error("expected primary in single-instance mode")
	}
	if stats.BufferCapacity != 200 {
		t.Errorf("expected buffer capacity 200, got %d", stats.BufferCapacity)
	}
}

func TestProcessorSeparateGroupsRunConcurrently(t *testing.T) {
	repo := newMockRepository()

	started := make(chan string, 2)
	release := make(chan struct{})
	deliverer := &blockingDeliverer{started: started, release: release}

	repo.addPending(testMsg("msg-a", "group-a"), testMsg("msg-b", "group-b"))

	p := NewProcessor(repo, deliverer, testProcessorConfig())
	p.Start()
	defer p.Stop()

	// Both groups must reach the deliverer while the first is still blocked
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case g := <-started:
			seen[g] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d group(s) started delivery", len(seen))
		}
	}
	close(release)

	if !seen["group-a"] || !seen["group-b"] {
		t.Errorf("expected both groups delivering, got %v", seen)
	}
}

// blockingDeliverer signals which group entered Deliver, then blocks until
// released
type blockingDeliverer struct {
	started chan string
	release chan struct{}
}

func (d *blockingDeliverer) Deliver(ctx context.Context, messages []*Message) ([]ItemResult, error) {
	d.started <- messages[0].MessageGroup
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	results := make([]ItemResult, len(messages))
	for i, msg := range messages {
		results[i] = ItemResult{ID: msg.ID, Outcome: OutcomeCompleted}
	}
	return results, nil
}
