// Package postbox is the write-side ingest endpoint: tenant backends POST
// messages here and the handler stores them as outbox rows, from where the
// outbox processor picks them up. The postbox is the only ingest path into
// the delivery pipeline.
package postbox

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/common/tsid"
	"go.flowcatalyst.tech/dispatcher/internal/core/api"
	"go.flowcatalyst.tech/dispatcher/internal/outbox"
)

// DefaultMaxPayloadBytes caps ingested payloads at 1 MiB
const DefaultMaxPayloadBytes = 1 << 20

// IngestRequest is the postbox ingest body. ID is optional; when present
// it doubles as the idempotency key, so resubmitting the same id within
// the dedup window is a no-op.
type IngestRequest struct {
	ID          string            `json:"id,omitempty"`
	TenantID    string            `json:"tenantId"`
	PartitionID string            `json:"partitionId"`
	Type        string            `json:"type"`
	Payload     json.RawMessage   `json:"payload"`
	PayloadSize int               `json:"payloadSize,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// IngestResponse is returned on successful ingest
type IngestResponse struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	PayloadSize int       `json:"payload_size"`
}

// HandlerConfig holds ingest settings
type HandlerConfig struct {
	// MaxPayloadBytes rejects larger payloads with 413
	// (default: DefaultMaxPayloadBytes)
	MaxPayloadBytes int
}

// Handler serves the postbox ingest endpoint
type Handler struct {
	config *HandlerConfig
	repo   outbox.Repository
}

// NewHandler creates a postbox ingest handler
func NewHandler(repo outbox.Repository, config *HandlerConfig) *Handler {
	if config == nil {
		config = &HandlerConfig{}
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Handler{config: config, repo: repo}
}

// RegisterRoutes mounts the ingest endpoint
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/postbox/ingest", h.Ingest)
}

// Ingest handles POST /api/v1/postbox/ingest
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "Invalid request body")
		return
	}

	if req.TenantID == "" {
		api.WriteBadRequest(w, "tenantId is required")
		return
	}
	if req.PartitionID == "" {
		api.WriteBadRequest(w, "partitionId is required")
		return
	}
	msgType := outbox.MessageType(req.Type)
	if !msgType.Valid() {
		api.WriteBadRequest(w, "type must be EVENT or DISPATCH_JOB")
		return
	}
	if len(req.Payload) == 0 {
		api.WriteBadRequest(w, "payload is required")
		return
	}
	if len(req.Payload) > h.config.MaxPayloadBytes {
		api.WriteError(w, http.StatusRequestEntityTooLarge,
			"payload_too_large", "payload exceeds the configured maximum")
		return
	}

	payload, err := h.applyHeaders(msgType, req.Payload, req.Headers)
	if err != nil {
		api.WriteBadRequest(w, "payload must be a JSON object when headers are given")
		return
	}

	id := req.ID
	if id == "" {
		id = tsid.Generate()
	}

	msg := &outbox.Message{
		ID:           id,
		TenantID:     req.TenantID,
		MessageGroup: req.PartitionID,
		Type:         msgType,
		Payload:      string(payload),
		PayloadSize:  len(payload),
		Status:       outbox.StatusPending,
		CreatedAt:    time.Now(),
	}

	// A client-supplied id is also the dedup key; generated ids skip dedup
	err = h.repo.Insert(r.Context(), msg, req.ID)
	if err == outbox.ErrDuplicate {
		slog.Debug("Postbox ingest suppressed duplicate",
			"id", id, "tenantId", req.TenantID)
		api.WriteJSON(w, http.StatusOK, IngestResponse{
			ID:          id,
			CreatedAt:   msg.CreatedAt,
			PayloadSize: msg.PayloadSize,
		})
		return
	}
	if err != nil {
		slog.Error("Postbox ingest failed", "error", err, "tenantId", req.TenantID)
		api.WriteInternalError(w, "Failed to store message")
		return
	}

	api.WriteJSON(w, http.StatusCreated, IngestResponse{
		ID:          id,
		CreatedAt:   msg.CreatedAt,
		PayloadSize: msg.PayloadSize,
	})
}

// applyHeaders folds request headers into a DISPATCH_JOB payload, where
// they become the webhook headers. Headers on EVENT payloads have no
// destination and are ignored.
func (h *Handler) applyHeaders(msgType outbox.MessageType, payload json.RawMessage, headers map[string]string) (json.RawMessage, error) {
	if len(headers) == 0 || msgType != outbox.TypeDispatchJob {
		return payload, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	if _, exists := doc["headers"]; !exists {
		encoded, err := json.Marshal(headers)
		if err != nil {
			return nil, err
		}
		doc["headers"] = encoded
	}
	return json.Marshal(doc)
}
