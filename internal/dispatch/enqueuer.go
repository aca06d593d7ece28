package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.flowcatalyst.tech/dispatcher/internal/common/tsid"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// EnqueuerConfig holds pointer construction settings
type EnqueuerConfig struct {
	// ProcessingEndpoint is the core API URL the router calls back to,
	// e.g. "http://localhost:8080/api/dispatch/process"
	ProcessingEndpoint string

	// DefaultPoolCode is used when a job has no pool (default: DEFAULT-POOL)
	DefaultPoolCode string

	// Subject is the queue subject prefix; the pool code is appended
	// (default: dispatch)
	Subject string
}

// DefaultEnqueuerConfig returns sensible defaults
func DefaultEnqueuerConfig() *EnqueuerConfig {
	return &EnqueuerConfig{
		ProcessingEndpoint: "http://localhost:8080/api/dispatch/process",
		DefaultPoolCode:    "DEFAULT-POOL",
		Subject:            "dispatch",
	}
}

// Enqueuer turns claimed jobs into MessagePointers and publishes them.
// Each publish carries the job's message group and a deduplication id so a
// scheduler retry inside the broker dedup window cannot double-enqueue.
type Enqueuer struct {
	config    *EnqueuerConfig
	publisher queue.Publisher
	auth      *AuthService
}

// NewEnqueuer creates an enqueuer
func NewEnqueuer(publisher queue.Publisher, auth *AuthService, config *EnqueuerConfig) *Enqueuer {
	if config == nil {
		config = DefaultEnqueuerConfig()
	}
	if config.DefaultPoolCode == "" {
		config.DefaultPoolCode = "DEFAULT-POOL"
	}
	if config.Subject == "" {
		config.Subject = "dispatch"
	}
	return &Enqueuer{config: config, publisher: publisher, auth: auth}
}

// EnqueueBatch publishes pointers for a batch of claimed jobs, stamping
// them all with one TSID batch id. Returns the ids that were published.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, jobs []*Job) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	batchID := tsid.Generate()
	published := make([]string, 0, len(jobs))

	for _, job := range jobs {
		if err := e.enqueue(ctx, job, batchID); err != nil {
			slog.Error("Failed to enqueue dispatch job",
				"error", err, "jobId", job.ID, "batchId", batchID)
			continue
		}
		published = append(published, job.ID)
	}

	slog.Debug("Enqueued dispatch batch",
		"batchId", batchID,
		"published", len(published),
		"total", len(jobs))

	return published, nil
}

func (e *Enqueuer) enqueue(ctx context.Context, job *Job, batchID string) error {
	authToken, err := e.auth.GenerateToken(job.ID)
	if err != nil {
		// Without an app key the router cannot authenticate the callback;
		// enqueue anyway so single-tenant dev setups keep working
		slog.Warn("Enqueuing dispatch job without auth token",
			"jobId", job.ID, "error", err)
		authToken = ""
	}

	poolCode := job.PoolCode
	if poolCode == "" {
		poolCode = e.config.DefaultPoolCode
	}

	pointer := &model.MessagePointer{
		ID:              job.ID,
		PoolCode:        poolCode,
		AuthToken:       authToken,
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: e.config.ProcessingEndpoint,
		MessageGroupID:  job.MessageGroup,
		BatchID:         batchID,
	}

	data, err := json.Marshal(pointer)
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}

	subject := e.config.Subject + "." + poolCode
	group := job.MessageGroup
	if group == "" {
		group = job.ID
	}

	// Dedup on the job id: re-enqueueing the same job within the broker
	// window is a no-op
	return e.publisher.PublishWithDeduplication(ctx, subject, data, group, job.ID)
}
