package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/dispatch"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
)

// ProcessHandler is the internal dispatch processing endpoint the router
// calls back into. The bearer token is the per-job HMAC dispatch token
// stamped into the pointer, not a service token.
type ProcessHandler struct {
	repo     dispatch.Repository
	auth     *dispatch.AuthService
	executor *dispatch.Executor
}

// NewProcessHandler creates a dispatch processing handler
func NewProcessHandler(
	repo dispatch.Repository,
	auth *dispatch.AuthService,
	executor *dispatch.Executor,
) *ProcessHandler {
	return &ProcessHandler{
		repo:     repo,
		auth:     auth,
		executor: executor,
	}
}

// RegisterRoutes mounts the processing endpoint
func (h *ProcessHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/dispatch/process", h.Process)
}

// Process handles POST /api/dispatch/process. The response tells the
// router whether to ack the pointer or nack it, optionally with a delay.
func (h *ProcessHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessRequest
	if err := DecodeJSON(r, &req); err != nil {
		slog.Warn("Failed to parse dispatch process request", "error", err)
		WriteJSON(w, http.StatusBadRequest, model.NewNackResponse("Invalid request body"))
		return
	}

	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		slog.Warn("Dispatch process request missing Authorization header",
			"messageId", req.MessageID)
		WriteJSON(w, http.StatusUnauthorized, model.NewNackResponse("Missing Authorization header"))
		return
	}
	if err := h.auth.ValidateToken(req.MessageID, token); err != nil {
		slog.Warn("Dispatch process auth failed", "messageId", req.MessageID)
		WriteJSON(w, http.StatusUnauthorized, model.NewNackResponse("Invalid auth token"))
		return
	}

	result, err := h.processJob(r.Context(), req.MessageID)
	if err != nil {
		slog.Error("Error processing dispatch job",
			"error", err, "messageId", req.MessageID)
		WriteJSON(w, http.StatusInternalServerError, model.NewNackResponse(err.Error()))
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// processJob runs one attempt for the job and decides ack or nack
func (h *ProcessHandler) processJob(ctx context.Context, jobID string) (*model.ProcessResponse, error) {
	job, err := h.repo.FindByID(ctx, jobID)
	if err != nil {
		if err == dispatch.ErrNotFound {
			// Nothing to process; redelivering would never succeed
			slog.Warn("Dispatch job not found", "jobId", jobID)
			return model.NewAckResponse("Cannot find record."), nil
		}
		return nil, err
	}

	if job.IsTerminal() {
		slog.Info("Job already in terminal state",
			"jobId", jobID, "status", string(job.Status))
		return model.NewAckResponse("Job already completed"), nil
	}

	if job.IsExpired() {
		slog.Info("Job has expired", "jobId", jobID)
		if err := h.repo.MarkExpired(ctx, jobID); err != nil {
			slog.Warn("Failed to mark job expired", "error", err, "jobId", jobID)
		}
		return model.NewAckResponse("Job expired"), nil
	}

	if job.NotYetDue() {
		delaySeconds := int(time.Until(job.ScheduledFor).Seconds())
		if delaySeconds > model.MaxDelaySeconds {
			delaySeconds = model.MaxDelaySeconds
		}
		if delaySeconds < 1 {
			delaySeconds = 1
		}
		slog.Info("Job not ready yet",
			"jobId", jobID, "delaySeconds", delaySeconds)
		return model.NewNackWithDelayResponse("notBefore time not reached", delaySeconds), nil
	}

	attempt, execErr := h.executor.Execute(ctx, job)
	if err := h.repo.RecordAttempt(ctx, jobID, attempt); err != nil {
		return nil, err
	}
	attempts := job.AttemptCount + 1

	if attempt.Status == dispatch.AttemptSuccess {
		if err := h.repo.MarkSucceeded(ctx, jobID, attempt.DurationMillis); err != nil {
			return nil, err
		}
		return model.NewAckResponse("Success"), nil
	}

	if execErr != nil {
		slog.Warn("Dispatch attempt failed before reaching the target",
			"error", execErr, "jobId", jobID)
	}

	if attempts >= job.MaxRetries {
		if err := h.repo.MarkFailed(ctx, jobID, attempt.ErrorMessage); err != nil {
			return nil, err
		}
		slog.Warn("Max retries reached, marking as FAILED",
			"jobId", jobID, "attempts", attempts)
		return model.NewAckResponse("Max retries exceeded"), nil
	}

	delay := dispatch.BackoffDelay(attempts)
	if err := h.repo.ResetToPending(ctx, jobID, time.Now().Add(delay)); err != nil {
		return nil, err
	}

	slog.Info("Attempt failed, will retry",
		"jobId", jobID,
		"attempt", attempts,
		"maxRetries", job.MaxRetries,
		"delaySeconds", int(delay.Seconds()))

	return model.NewNackWithDelayResponse(attempt.ErrorMessage, int(delay.Seconds())), nil
}
