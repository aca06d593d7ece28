package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/router/mediator"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
)

// createTestMediator builds an HTTP mediator with short timeouts and the
// circuit breaker disabled so individual tests control failure behavior
func createTestMediator(timeoutMs int) *mediator.HTTPMediator {
	cfg := mediator.DevHTTPMediatorConfig()
	cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
	cfg.MaxRetries = 1
	cfg.BaseBackoff = 50 * time.Millisecond
	cfg.MaxJitter = 0
	cfg.CircuitBreakerEnabled = false
	return mediator.NewHTTPMediator(cfg)
}

// recordingCallback tracks ack/nack decisions for verification
type recordingCallback struct {
	mu       sync.Mutex
	ackList  []string
	nackList []string
	acked    map[string]bool
	nacked   map[string]bool
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{
		acked:  make(map[string]bool),
		nacked: make(map[string]bool),
	}
}

func (c *recordingCallback) Ack(msg *model.MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked[msg.ID] = true
	c.ackList = append(c.ackList, msg.ID)
}

func (c *recordingCallback) Nack(msg *model.MessagePointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked[msg.ID] = true
	c.nackList = append(c.nackList, msg.ID)
}

func (c *recordingCallback) SetVisibilityDelay(msg *model.MessagePointer, seconds int) {}
func (c *recordingCallback) SetFastFailVisibility(msg *model.MessagePointer)           {}
func (c *recordingCallback) ResetVisibilityToDefault(msg *model.MessagePointer)        {}
func (c *recordingCallback) InProgress(msg *model.MessagePointer)                      {}

func (c *recordingCallback) isAcked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked[id]
}

func (c *recordingCallback) isNacked(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nacked[id]
}

func (c *recordingCallback) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ackList)
}

func (c *recordingCallback) nackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nackList)
}

// waitFor polls until cond holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func testMessage(id, group, target string) *model.MessagePointer {
	return &model.MessagePointer{
		ID:              id,
		PoolCode:        "test-pool",
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: target,
		MessageGroupID:  group,
	}
}

func TestEndToEndSuccessResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "success"})
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	processPool.Submit(testMessage("msg-success", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return callback.isAcked("msg-success") }) {
		t.Error("Expected message acked on 200 response")
	}
}

func TestEndToEndServerError(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer server.Close()

			callback := newRecordingCallback()
			processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
			processPool.Start()
			defer processPool.Shutdown()

			id := fmt.Sprintf("msg-%d", status)
			processPool.Submit(testMessage(id, "group-1", server.URL))

			if !waitFor(t, 2*time.Second, func() bool { return callback.isNacked(id) }) {
				t.Errorf("Expected message nacked on %d response", status)
			}
		})
	}
}

func TestEndToEndBadRequestNacked(t *testing.T) {
	// 400 means the content may be fixed upstream; redeliver
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	processPool.Submit(testMessage("msg-400", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return callback.isNacked("msg-400") }) {
		t.Error("Expected message nacked on 400 response")
	}
}

func TestEndToEndConfigErrorAcked(t *testing.T) {
	// 401/403/404 cannot be fixed by retrying; ack to stop redelivery
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		t.Run(fmt.Sprintf("status_%d", status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer server.Close()

			callback := newRecordingCallback()
			processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
			processPool.Start()
			defer processPool.Shutdown()

			id := fmt.Sprintf("msg-%d", status)
			processPool.Submit(testMessage(id, "group-1", server.URL))

			if !waitFor(t, 2*time.Second, func() bool { return callback.isAcked(id) }) {
				t.Errorf("Expected message acked on %d response", status)
			}
			if callback.isNacked(id) {
				t.Errorf("Expected no nack on %d response", status)
			}
		})
	}
}

func TestEndToEndTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timeout test in short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(300), callback)
	processPool.Start()
	defer processPool.Shutdown()

	processPool.Submit(testMessage("msg-timeout", "group-1", server.URL))

	if !waitFor(t, 3*time.Second, func() bool { return callback.isNacked("msg-timeout") }) {
		t.Error("Expected message nacked on timeout")
	}
}

func TestEndToEndBearerToken(t *testing.T) {
	var authHeader atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	msg := testMessage("msg-auth", "group-1", server.URL)
	msg.AuthToken = "test-token"
	processPool.Submit(msg)

	if !waitFor(t, 2*time.Second, func() bool { return callback.isAcked("msg-auth") }) {
		t.Fatal("Expected message acked")
	}
	if got := authHeader.Load(); got != "Bearer test-token" {
		t.Errorf("Expected Bearer auth header, got %v", got)
	}
}

func TestEndToEndBatchAllSuccess(t *testing.T) {
	var requestCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	batchSize := 10
	for i := 0; i < batchSize; i++ {
		// Distinct groups allow parallel processing
		msg := testMessage(fmt.Sprintf("batch-msg-%d", i), fmt.Sprintf("group-%d", i), server.URL)
		processPool.Submit(msg)
	}

	if !waitFor(t, 3*time.Second, func() bool { return callback.ackCount() == batchSize }) {
		t.Errorf("Expected %d acks, got %d", batchSize, callback.ackCount())
	}
	if int(requestCount.Load()) != batchSize {
		t.Errorf("Expected %d HTTP requests, got %d", batchSize, requestCount.Load())
	}
}

func TestEndToEndBatchMixedResults(t *testing.T) {
	var requestCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestCount.Add(1)%3 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	batchSize := 9
	for i := 0; i < batchSize; i++ {
		msg := testMessage(fmt.Sprintf("mixed-msg-%d", i), fmt.Sprintf("group-%d", i), server.URL)
		processPool.Submit(msg)
	}

	if !waitFor(t, 3*time.Second, func() bool {
		return callback.ackCount()+callback.nackCount() == batchSize
	}) {
		t.Fatalf("Expected %d resolved messages, got ack=%d nack=%d",
			batchSize, callback.ackCount(), callback.nackCount())
	}
	if callback.nackCount() == 0 {
		t.Error("Expected some nacks for failed requests")
	}
}

func TestEndToEndFIFOWithinGroup(t *testing.T) {
	var mu sync.Mutex
	var processOrder []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)

		mu.Lock()
		processOrder = append(processOrder, payload["messageId"])
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	// Generous concurrency: the group serialization must come from the pool,
	// not from worker scarcity
	processPool := pool.NewProcessPool("test-pool", 10, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	count := 5
	for i := 0; i < count; i++ {
		processPool.Submit(testMessage(fmt.Sprintf("fifo-%d", i), "fifo-group", server.URL))
	}

	if !waitFor(t, 3*time.Second, func() bool { return callback.ackCount() == count }) {
		t.Fatalf("Expected %d acks, got %d", count, callback.ackCount())
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < count; i++ {
		expected := fmt.Sprintf("fifo-%d", i)
		if processOrder[i] != expected {
			t.Errorf("Position %d: expected %s, got %s", i, expected, processOrder[i])
		}
	}
}

func TestEndToEndConcurrencyLimit(t *testing.T) {
	var processingCount atomic.Int32
	var maxConcurrent atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := processingCount.Add(1)
		for {
			max := maxConcurrent.Load()
			if current <= max || maxConcurrent.CompareAndSwap(max, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		processingCount.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	concurrency := 5
	processPool := pool.NewProcessPool("test-pool", concurrency, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	total := 20
	for i := 0; i < total; i++ {
		processPool.Submit(testMessage(fmt.Sprintf("concurrent-%d", i), fmt.Sprintf("group-%d", i), server.URL))
	}

	if !waitFor(t, 5*time.Second, func() bool { return callback.ackCount() == total }) {
		t.Errorf("Expected %d acks, got %d", total, callback.ackCount())
	}
	if maxConcurrent.Load() > int32(concurrency) {
		t.Errorf("Max concurrent %d exceeded limit %d", maxConcurrent.Load(), concurrency)
	}
}

func TestEndToEndRecoveryAfterTransientFailure(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("test-pool", 5, 100, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	processPool.Submit(testMessage("transient-1", "group-1", server.URL))
	if !waitFor(t, 2*time.Second, func() bool { return callback.isNacked("transient-1") }) {
		t.Fatal("Expected first message nacked while target is down")
	}

	failing.Store(false)

	processPool.Submit(testMessage("transient-2", "group-2", server.URL))
	if !waitFor(t, 2*time.Second, func() bool { return callback.isAcked("transient-2") }) {
		t.Error("Expected second message acked after recovery")
	}
}

func TestEndToEndQueueOverflow(t *testing.T) {
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	queueCapacity := 5
	processPool := pool.NewProcessPool("test-pool", 1, queueCapacity, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	accepted := 0
	rejected := 0
	for i := 0; i < 20; i++ {
		msg := testMessage(fmt.Sprintf("overflow-%d", i), fmt.Sprintf("group-%d", i), server.URL)
		switch processPool.Submit(msg) {
		case pool.SubmitAccepted:
			accepted++
		case pool.SubmitQueueFull:
			rejected++
		default:
			t.Fatal("Unexpected submit result")
		}
	}

	if rejected == 0 {
		t.Error("Expected rejections once the bounded queue filled")
	}

	close(release)

	if !waitFor(t, 5*time.Second, func() bool {
		return callback.ackCount()+callback.nackCount() == accepted
	}) {
		t.Errorf("Expected %d resolved messages, got %d",
			accepted, callback.ackCount()+callback.nackCount())
	}
}

func TestEndToEndRateLimitRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	// Burst capacity of 2 per minute: the third submit in quick succession
	// must be rejected
	rateLimit := 2
	processPool := pool.NewProcessPool("test-pool", 5, 100, &rateLimit, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	results := make([]pool.SubmitResult, 3)
	for i := range results {
		results[i] = processPool.Submit(testMessage(fmt.Sprintf("rate-%d", i), fmt.Sprintf("group-%d", i), server.URL))
	}

	if results[0] != pool.SubmitAccepted || results[1] != pool.SubmitAccepted {
		t.Errorf("Expected first two submits accepted, got %v %v", results[0], results[1])
	}
	if results[2] != pool.SubmitRateLimited {
		t.Errorf("Expected third submit rate limited, got %v", results[2])
	}
}

func BenchmarkEndToEndMessage(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callback := newRecordingCallback()
	processPool := pool.NewProcessPool("bench-pool", 10, 1000, nil, createTestMediator(5000), callback)
	processPool.Start()
	defer processPool.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg := testMessage(fmt.Sprintf("bench-%d", i), fmt.Sprintf("group-%d", i%10), server.URL)
		for processPool.Submit(msg) == pool.SubmitQueueFull {
			time.Sleep(time.Millisecond)
		}
	}
}
