// Package model defines the records exchanged between the queue, the router
// and the mediation targets.
package model

import (
	"encoding/json"
	"fmt"
)

const (
	// MaxDelaySeconds is the broker ceiling for visibility delays (12 hours)
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is the default visibility timeout applied on nack
	DefaultDelaySeconds = 30

	// FastFailDelaySeconds provokes rapid redelivery after an admission
	// rejection without counting as a processing failure
	FastFailDelaySeconds = 1

	// DefaultSequence is the tie-break used when a job carries no explicit
	// sequence within its message group
	DefaultSequence = 99
)

// MediationType identifies the protocol a pointer is mediated over
type MediationType string

const (
	MediationTypeHTTP MediationType = "HTTP"
)

// MessagePointer is the compact record carried through the queue. It
// identifies a dispatch job by id plus the minimum information needed to
// route and authenticate. Pointers are immutable in transit; all state
// lives in the dispatch job store.
type MessagePointer struct {
	ID              string        `json:"id"`
	PoolCode        string        `json:"poolCode"`
	AuthToken       string        `json:"authToken,omitempty"`
	MediationType   MediationType `json:"mediationType"`
	MediationTarget string        `json:"mediationTarget"`
	MessageGroupID  string        `json:"messageGroupId,omitempty"`

	// Optional fine-grained rate limiting. When RateLimitKey is set the
	// pool applies a dedicated token bucket for that key in addition to
	// the pool-wide limiter.
	RateLimitPerMinute int    `json:"rateLimitPerMinute,omitempty"`
	RateLimitKey       string `json:"rateLimitKey,omitempty"`

	// Payload is optional inline data for targets that accept it. Most
	// deployments dispatch by id only.
	Payload []byte `json:"payload,omitempty"`

	// BatchID correlates pointers enqueued by the same producer batch.
	// Not serialized to targets.
	BatchID string `json:"batchId,omitempty"`

	// BrokerMessageID is the broker-assigned delivery id, populated by the
	// consumer on receive. Used for in-process deduplication across
	// visibility-timeout redeliveries.
	BrokerMessageID string `json:"-"`
}

// Validate checks the fields the router cannot work without
func (p *MessagePointer) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("message pointer missing id")
	}
	if p.PoolCode == "" {
		return fmt.Errorf("message pointer %s missing poolCode", p.ID)
	}
	if p.MediationType != MediationTypeHTTP {
		return fmt.Errorf("message pointer %s has unknown mediation type %q", p.ID, p.MediationType)
	}
	if p.MediationTarget == "" {
		return fmt.Errorf("message pointer %s missing mediationTarget", p.ID)
	}
	return nil
}

// Group returns the FIFO key, falling back to the pointer id so ungrouped
// pointers never serialize behind each other
func (p *MessagePointer) Group() string {
	if p.MessageGroupID != "" {
		return p.MessageGroupID
	}
	return p.ID
}

// ParsePointer decodes a queue payload into a MessagePointer
func ParsePointer(data []byte) (*MessagePointer, error) {
	var p MessagePointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed message pointer: %w", err)
	}
	return &p, nil
}

// ProcessRequest is the body the mediator posts to a mediation target
type ProcessRequest struct {
	MessageID string `json:"messageId"`
}

// ProcessResponse is returned by mediation targets. Ack=true permits the
// queue ack; Ack=false triggers a nack, optionally with a suggested delay.
type ProcessResponse struct {
	Ack          bool   `json:"ack"`
	Message      string `json:"message,omitempty"`
	Details      string `json:"details,omitempty"`
	DelaySeconds int    `json:"delaySeconds,omitempty"`
}

// NewAckResponse builds a ProcessResponse that acks the message
func NewAckResponse(message string) *ProcessResponse {
	return &ProcessResponse{Ack: true, Message: message}
}

// NewNackResponse builds a ProcessResponse that nacks with default visibility
func NewNackResponse(message string) *ProcessResponse {
	return &ProcessResponse{Ack: false, Message: message}
}

// NewNackWithDelayResponse builds a ProcessResponse that nacks and asks the
// broker to delay redelivery
func NewNackWithDelayResponse(message string, delaySeconds int) *ProcessResponse {
	if delaySeconds > MaxDelaySeconds {
		delaySeconds = MaxDelaySeconds
	}
	return &ProcessResponse{Ack: false, Message: message, DelaySeconds: delaySeconds}
}
