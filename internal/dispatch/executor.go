package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/common/tsid"
)

const (
	// maxResponseBytes caps how much of the target's response body is
	// recorded on the attempt
	maxResponseBytes = 64 * 1024

	// backoffBase is the first retry delay
	backoffBase = 5 * time.Second

	// backoffCap bounds the exponential retry delay (12 hours)
	backoffCap = 43200 * time.Second
)

// ExecutorConfig holds webhook execution settings
type ExecutorConfig struct {
	// DefaultTimeout applies when a job has no TimeoutSeconds (default: 30s)
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns sensible defaults
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{DefaultTimeout: 30 * time.Second}
}

// Executor delivers a dispatch job's payload to its webhook target and
// classifies the outcome as an Attempt
type Executor struct {
	config     *ExecutorConfig
	httpClient *http.Client
	signer     *Signer
	resolver   *CredentialsResolver
}

// NewExecutor creates a webhook executor. The resolver may be nil when no
// credential store is configured; jobs with a credentialsId then fail.
func NewExecutor(config *ExecutorConfig, resolver *CredentialsResolver) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	return &Executor{
		config:     config,
		httpClient: &http.Client{},
		signer:     NewSigner(),
		resolver:   resolver,
	}
}

// Execute performs one delivery attempt. The returned Attempt is always
// populated; err is non-nil only for pre-flight failures (credential
// resolution, request construction) where no HTTP exchange happened.
func (e *Executor) Execute(ctx context.Context, job *Job) (Attempt, error) {
	attempt := Attempt{
		ID:            tsid.Generate(),
		AttemptNumber: job.AttemptCount + 1,
		AttemptedAt:   time.Now(),
	}

	var creds *Credentials
	if job.CredentialsID != "" {
		if e.resolver == nil {
			attempt.Status = AttemptConnectionError
			attempt.ErrorMessage = "no credentials resolver configured"
			return attempt, errors.New("dispatch: no credentials resolver configured")
		}
		var err error
		creds, err = e.resolver.Resolve(ctx, job.CredentialsID)
		if err != nil {
			attempt.Status = AttemptConnectionError
			attempt.ErrorMessage = err.Error()
			return attempt, err
		}
	} else {
		creds = &Credentials{}
	}

	timeout := e.config.DefaultTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		job.TargetURL, strings.NewReader(job.Payload))
	if err != nil {
		attempt.Status = AttemptConnectionError
		attempt.ErrorMessage = err.Error()
		return attempt, err
	}

	contentType := job.PayloadContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for key, value := range job.Headers {
		req.Header.Set(key, value)
	}
	if creds.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.BearerToken)
	}
	if creds.HMACSecret != "" {
		req.Header.Set(SignatureHeader, e.signer.Sign(job.Payload, creds.HMACSecret))
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	attempt.DurationMillis = time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			attempt.Status = AttemptTimeout
		} else {
			attempt.Status = AttemptConnectionError
		}
		attempt.ErrorMessage = err.Error()
		metrics.DispatchAttempts.WithLabelValues(attemptMetricLabel(attempt.Status)).Inc()
		slog.Warn("Webhook delivery failed",
			"jobId", job.ID,
			"target", job.TargetURL,
			"status", string(attempt.Status),
			"error", err)
		return attempt, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	attempt.ResponseCode = resp.StatusCode
	attempt.ResponseBody = string(body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		attempt.Status = AttemptSuccess
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		attempt.Status = AttemptClientError
		attempt.ErrorMessage = "target returned " + resp.Status
	default:
		attempt.Status = AttemptServerError
		attempt.ErrorMessage = "target returned " + resp.Status
	}

	metrics.DispatchAttempts.WithLabelValues(attemptMetricLabel(attempt.Status)).Inc()

	slog.Debug("Webhook delivery attempt finished",
		"jobId", job.ID,
		"target", job.TargetURL,
		"responseCode", resp.StatusCode,
		"status", string(attempt.Status),
		"durationMs", attempt.DurationMillis)

	return attempt, nil
}

// BackoffDelay returns the retry delay after the given attempt count:
// (1 << attempt) * 5s, capped at 12 hours
func BackoffDelay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	// Shifting past 13 already exceeds the cap
	if attemptCount > 13 {
		return backoffCap
	}
	delay := backoffBase * (1 << attemptCount)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

func attemptMetricLabel(status AttemptStatus) string {
	return strings.ToLower(string(status))
}
