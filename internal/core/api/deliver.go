package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/common/tsid"
	"go.flowcatalyst.tech/dispatcher/internal/dispatch"
	"go.flowcatalyst.tech/dispatcher/internal/outbox"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// DeliverConfig holds deliver endpoint settings
type DeliverConfig struct {
	// EventSubject is the queue subject prefix for EVENT pointers; the
	// pool code is appended (default: events)
	EventSubject string

	// DefaultPoolCode is used when a pointer names no pool
	DefaultPoolCode string
}

// DefaultDeliverConfig returns sensible defaults
func DefaultDeliverConfig() *DeliverConfig {
	return &DeliverConfig{
		EventSubject:    "events",
		DefaultPoolCode: "DEFAULT-POOL",
	}
}

// CreateJobRequest is the payload of a DISPATCH_JOB outbox item
type CreateJobRequest struct {
	TenantID           string            `json:"tenantId"`
	TargetURL          string            `json:"targetUrl"`
	Headers            map[string]string `json:"headers,omitempty"`
	Payload            json.RawMessage   `json:"payload"`
	PayloadContentType string            `json:"payloadContentType,omitempty"`
	CredentialsID      string            `json:"credentialsId,omitempty"`
	MaxRetries         int               `json:"maxRetries,omitempty"`
	TimeoutSeconds     int               `json:"timeoutSeconds,omitempty"`
	ScheduledFor       time.Time         `json:"scheduledFor,omitempty"`
	ExpiresAt          time.Time         `json:"expiresAt,omitempty"`
	MessageGroup       string            `json:"messageGroup,omitempty"`
	Sequence           int               `json:"sequence,omitempty"`
	PoolCode           string            `json:"poolCode,omitempty"`
}

// DeliverHandler ingests micro-batches from the outbox processor.
//
// EVENT items carry a ready-made MessagePointer that goes straight onto
// the queue. DISPATCH_JOB items create a dispatch job (idempotent on the
// outbox item id) which the scheduler then enqueues when due. Outcomes are
// reported per item so the processor can complete, retry, or fail each
// outbox row independently.
type DeliverHandler struct {
	config    *DeliverConfig
	jobs      dispatch.Repository
	publisher queue.Publisher
	enqueuer  *dispatch.Enqueuer
}

// NewDeliverHandler creates the deliver endpoint handler
func NewDeliverHandler(
	jobs dispatch.Repository,
	publisher queue.Publisher,
	enqueuer *dispatch.Enqueuer,
	config *DeliverConfig,
) *DeliverHandler {
	if config == nil {
		config = DefaultDeliverConfig()
	}
	if config.EventSubject == "" {
		config.EventSubject = "events"
	}
	if config.DefaultPoolCode == "" {
		config.DefaultPoolCode = "DEFAULT-POOL"
	}
	return &DeliverHandler{
		config:    config,
		jobs:      jobs,
		publisher: publisher,
		enqueuer:  enqueuer,
	}
}

// RegisterRoutes mounts the deliver endpoint
func (h *DeliverHandler) RegisterRoutes(r chi.Router) {
	r.Post("/outbox/deliver", h.Deliver)
}

// Deliver handles POST /outbox/deliver
func (h *DeliverHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	var items []outbox.DeliverItem
	if err := DecodeJSON(r, &items); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	results := make([]outbox.ItemResult, 0, len(items))
	dueJobs := make([]*dispatch.Job, 0)

	for _, item := range items {
		switch item.Type {
		case outbox.TypeEvent:
			results = append(results, h.deliverEvent(r.Context(), item))
		case outbox.TypeDispatchJob:
			result, job := h.deliverDispatchJob(r.Context(), item)
			results = append(results, result)
			if job != nil {
				dueJobs = append(dueJobs, job)
			}
		default:
			results = append(results, outbox.ItemResult{
				ID:      item.ID,
				Outcome: outbox.OutcomeFailed,
				Error:   "unknown message type: " + string(item.Type),
			})
		}
	}

	// Best effort: due jobs go on the queue immediately instead of waiting
	// for the next scheduler poll. The jobs are already persisted, so a
	// publish failure only delays them until the scheduler picks them up.
	if len(dueJobs) > 0 {
		if _, err := h.enqueuer.EnqueueBatch(r.Context(), dueJobs); err != nil {
			slog.Warn("Failed to fast-path enqueue delivered jobs", "error", err)
		}
	}

	WriteJSON(w, http.StatusOK, outbox.DeliverResponse{Results: results})
}

// deliverEvent publishes an EVENT item's MessagePointer onto the queue
func (h *DeliverHandler) deliverEvent(ctx context.Context, item outbox.DeliverItem) outbox.ItemResult {
	var pointer model.MessagePointer
	if err := json.Unmarshal(item.Payload, &pointer); err != nil {
		return outbox.ItemResult{
			ID:      item.ID,
			Outcome: outbox.OutcomeFailed,
			Error:   "malformed event payload: " + err.Error(),
		}
	}
	if pointer.MediationTarget == "" {
		return outbox.ItemResult{
			ID:      item.ID,
			Outcome: outbox.OutcomeFailed,
			Error:   "event payload missing mediationTarget",
		}
	}

	if pointer.ID == "" {
		pointer.ID = item.ID
	}
	if pointer.MediationType == "" {
		pointer.MediationType = model.MediationTypeHTTP
	}
	if pointer.PoolCode == "" {
		pointer.PoolCode = h.config.DefaultPoolCode
	}
	if pointer.MessageGroupID == "" {
		pointer.MessageGroupID = item.MessageGroup
	}

	data, err := json.Marshal(&pointer)
	if err != nil {
		return outbox.ItemResult{
			ID:      item.ID,
			Outcome: outbox.OutcomeFailed,
			Error:   "marshal pointer: " + err.Error(),
		}
	}

	subject := h.config.EventSubject + "." + pointer.PoolCode
	group := pointer.MessageGroupID
	if group == "" {
		group = pointer.ID
	}

	// Dedup on the outbox item id: the processor retries unreported items,
	// so the same item may arrive twice within the broker window
	if err := h.publisher.PublishWithDeduplication(ctx, subject, data, group, item.ID); err != nil {
		slog.Warn("Failed to publish event pointer",
			"error", err, "itemId", item.ID, "subject", subject)
		return outbox.ItemResult{
			ID:      item.ID,
			Outcome: outbox.OutcomeRetry,
			Error:   "publish failed: " + err.Error(),
		}
	}

	return outbox.ItemResult{ID: item.ID, Outcome: outbox.OutcomeCompleted}
}

// deliverDispatchJob creates a dispatch job from a DISPATCH_JOB item. The
// outbox item id doubles as the idempotency key, so retried deliveries
// land on the existing aggregate. Returns the job when it is due now and
// should be fast-path enqueued.
func (h *DeliverHandler) deliverDispatchJob(ctx context.Context, item outbox.DeliverItem) (outbox.ItemResult, *dispatch.Job) {
	var req CreateJobRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return outbox.ItemResult{
			ID:      item.ID,
			Outcome: outbox.OutcomeFailed,
			Error:   "malformed dispatch job payload: " + err.Error(),
		}, nil
	}
	if req.TargetURL == "" {
		return outbox.ItemResult{
			ID:      item.ID,
			Outcome: outbox.OutcomeFailed,
			Error:   "dispatch job payload missing targetUrl",
		}, nil
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	messageGroup := req.MessageGroup
	if messageGroup == "" {
		messageGroup = item.MessageGroup
	}

	job := &dispatch.Job{
		ID:                 tsid.Generate(),
		TenantID:           req.TenantID,
		TargetURL:          req.TargetURL,
		Protocol:           dispatch.ProtocolHTTPWebhook,
		Headers:            req.Headers,
		Payload:            string(req.Payload),
		PayloadContentType: req.PayloadContentType,
		CredentialsID:      req.CredentialsID,
		Status:             dispatch.StatusPending,
		MaxRetries:         maxRetries,
		TimeoutSeconds:     req.TimeoutSeconds,
		ScheduledFor:       req.ScheduledFor,
		ExpiresAt:          req.ExpiresAt,
		MessageGroup:       messageGroup,
		Sequence:           req.Sequence,
		PoolCode:           req.PoolCode,
		IdempotencyKey:     item.ID,
	}

	created, err := h.jobs.Insert(ctx, job)
	if err != nil {
		slog.Warn("Failed to insert dispatch job", "error", err, "itemId", item.ID)
		return outbox.ItemResult{
			ID:      item.ID,
			Outcome: outbox.OutcomeRetry,
			Error:   "insert failed: " + err.Error(),
		}, nil
	}

	if created.Status == dispatch.StatusPending && !created.NotYetDue() {
		return outbox.ItemResult{ID: item.ID, Outcome: outbox.OutcomeCompleted}, created
	}
	return outbox.ItemResult{ID: item.ID, Outcome: outbox.OutcomeCompleted}, nil
}
