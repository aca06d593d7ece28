// Package dispatch owns the dispatch-job aggregate: webhook delivery jobs
// created from outbox messages, scheduled onto the queue, executed against
// customer endpoints, and tracked attempt by attempt.
package dispatch

import (
	"time"
)

// Status is the lifecycle state of a dispatch job
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Protocol is the delivery protocol for a job's target
type Protocol string

const (
	ProtocolHTTPWebhook Protocol = "HTTP_WEBHOOK"
)

// AttemptStatus classifies a single delivery attempt
type AttemptStatus string

const (
	AttemptSuccess         AttemptStatus = "SUCCESS"
	AttemptClientError     AttemptStatus = "CLIENT_ERROR" // 4xx
	AttemptServerError     AttemptStatus = "SERVER_ERROR" // 5xx
	AttemptTimeout         AttemptStatus = "TIMEOUT"
	AttemptConnectionError AttemptStatus = "CONNECTION_ERROR"
)

// DefaultSequence is the ordering slot for jobs that don't specify one.
// Lower sequences dispatch first within a message group.
const DefaultSequence = 99

// Job is a dispatch job document.
// Collection: dispatch_jobs
type Job struct {
	ID       string `bson:"_id" json:"id"`
	TenantID string `bson:"tenantId" json:"tenantId"`

	// Target
	TargetURL          string            `bson:"targetUrl" json:"targetUrl"`
	Protocol           Protocol          `bson:"protocol" json:"protocol"`
	Headers            map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	Payload            string            `bson:"payload" json:"payload"`
	PayloadContentType string            `bson:"payloadContentType" json:"payloadContentType"`
	CredentialsID      string            `bson:"credentialsId,omitempty" json:"credentialsId,omitempty"`

	// Execution
	Status         Status    `bson:"status" json:"status"`
	MaxRetries     int       `bson:"maxRetries" json:"maxRetries"`
	RetryStrategy  string    `bson:"retryStrategy,omitempty" json:"retryStrategy,omitempty"`
	TimeoutSeconds int       `bson:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	ScheduledFor   time.Time `bson:"scheduledFor,omitempty" json:"scheduledFor,omitempty"`
	ExpiresAt      time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	AttemptCount   int       `bson:"attemptCount" json:"attemptCount"`
	LastAttemptAt  time.Time `bson:"lastAttemptAt,omitempty" json:"lastAttemptAt,omitempty"`
	CompletedAt    time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMillis int64     `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	LastError      string    `bson:"lastError,omitempty" json:"lastError,omitempty"`

	// Ordering
	MessageGroup string `bson:"messageGroup,omitempty" json:"messageGroup,omitempty"`
	Sequence     int    `bson:"sequence,omitempty" json:"sequence,omitempty"`
	PoolCode     string `bson:"poolCode,omitempty" json:"poolCode,omitempty"`

	// IdempotencyKey makes job creation idempotent: re-submitting the same
	// key returns the existing aggregate
	IdempotencyKey string `bson:"idempotencyKey,omitempty" json:"idempotencyKey,omitempty"`

	Attempts  []Attempt `bson:"attempts,omitempty" json:"attempts,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Attempt records one delivery attempt against the target
type Attempt struct {
	ID             string        `bson:"id" json:"id"`
	AttemptNumber  int           `bson:"attemptNumber" json:"attemptNumber"`
	AttemptedAt    time.Time     `bson:"attemptedAt" json:"attemptedAt"`
	DurationMillis int64         `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	Status         AttemptStatus `bson:"status" json:"status"`
	ResponseCode   int           `bson:"responseCode,omitempty" json:"responseCode,omitempty"`
	ResponseBody   string        `bson:"responseBody,omitempty" json:"responseBody,omitempty"`
	ErrorMessage   string        `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	return j.Status == StatusSucceeded ||
		j.Status == StatusFailed ||
		j.Status == StatusExpired
}

// IsExpired reports whether the job is past its expiry deadline
func (j *Job) IsExpired() bool {
	if j.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(j.ExpiresAt)
}

// NotYetDue reports whether the job's scheduledFor is still in the future
func (j *Job) NotYetDue() bool {
	if j.ScheduledFor.IsZero() {
		return false
	}
	return time.Now().Before(j.ScheduledFor)
}

// CanRetry reports whether another attempt is allowed
func (j *Job) CanRetry() bool {
	return !j.IsTerminal() && j.AttemptCount < j.MaxRetries
}

// EffectiveSequence returns the job's sequence, defaulting to
// DefaultSequence when unset
func (j *Job) EffectiveSequence() int {
	if j.Sequence <= 0 {
		return DefaultSequence
	}
	return j.Sequence
}

// LastAttempt returns the most recent attempt, or nil
func (j *Job) LastAttempt() *Attempt {
	if len(j.Attempts) == 0 {
		return nil
	}
	return &j.Attempts[len(j.Attempts)-1]
}
