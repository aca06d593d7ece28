package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Outcome values the deliver endpoint may report per item
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// DeliverItem is one message in a deliver request
type DeliverItem struct {
	ID           string          `json:"id"`
	Type         MessageType     `json:"type"`
	MessageGroup string          `json:"messageGroup"`
	Payload      json.RawMessage `json:"payload"`
}

// ItemResult is the per-item outcome reported by the API
type ItemResult struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// DeliverResponse is the deliver endpoint's response body
type DeliverResponse struct {
	Results []ItemResult `json:"results"`
}

// Deliverer sends a micro-batch to the core API and returns per-item
// outcomes. A non-nil error means the whole batch failed wholesale and
// the caller should release the messages back to PENDING.
type Deliverer interface {
	Deliver(ctx context.Context, messages []*Message) ([]ItemResult, error)
}

// DeliverClientConfig holds configuration for the deliver client
type DeliverClientConfig struct {
	// BaseURL is the core API base URL (required)
	BaseURL string

	// AuthToken is the optional Bearer token for authentication
	AuthToken string

	// RequestTimeout is the per-request timeout (default: 30s)
	RequestTimeout time.Duration
}

// DefaultDeliverClientConfig returns sensible defaults
func DefaultDeliverClientConfig() *DeliverClientConfig {
	return &DeliverClientConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// DeliverClient posts outbox micro-batches to the core API deliver endpoint
type DeliverClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewDeliverClient creates a deliver client
func NewDeliverClient(config *DeliverClientConfig) *DeliverClient {
	if config == nil {
		config = DefaultDeliverClientConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	return &DeliverClient{
		baseURL:   config.BaseURL,
		authToken: config.AuthToken,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
	}
}

// Deliver posts the batch to POST {baseURL}/outbox/deliver.
// Any transport error, non-2xx status, or unparseable response is a
// wholesale failure: the error is returned and no results are produced.
func (c *DeliverClient) Deliver(ctx context.Context, messages []*Message) ([]ItemResult, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	items := make([]DeliverItem, len(messages))
	for i, msg := range messages {
		items[i] = DeliverItem{
			ID:           msg.ID,
			Type:         msg.Type,
			MessageGroup: msg.MessageGroup,
			Payload:      json.RawMessage(msg.Payload),
		}
	}

	body, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal deliver batch: %w", err)
	}

	url := c.baseURL + "/outbox/deliver"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create deliver request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	slog.Debug("Delivering outbox batch", "batchSize", len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("Deliver request rejected",
			"statusCode", resp.StatusCode,
			"response", truncate(string(respBody), 512))
		return nil, fmt.Errorf("deliver endpoint returned status %d", resp.StatusCode)
	}

	var parsed DeliverResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse deliver response: %w", err)
	}

	slog.Debug("Outbox batch delivered",
		"batchSize", len(messages),
		"results", len(parsed.Results))

	return parsed.Results, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
