// Package mediator delivers messages to their targets over HTTP.
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/pool"
)

// HTTPMediator mediates messages via HTTP webhooks
type HTTPMediator struct {
	client         *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	maxRetries     int
	baseBackoff    time.Duration
	maxJitter      time.Duration
	timeout        time.Duration
}

// HTTPVersion selects the HTTP protocol version
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

const responseBodyLimit = 64 * 1024

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout is the overall per-request deadline
	Timeout time.Duration

	// ConnectTimeout bounds dialing the target
	ConnectTimeout time.Duration

	// HTTPVersion controls which HTTP version to use.
	// HTTP_2 in production, HTTP_1_1 recommended for dev.
	HTTPVersion HTTPVersion

	// MaxRetries bounds attempts for connection errors. Only connection
	// errors are retried in place; everything else resolves through the
	// queue redelivery cycle.
	MaxRetries int

	// BaseBackoff for retry backoff (multiplied by attempt number)
	BaseBackoff time.Duration

	// MaxJitter is added to each backoff to decorrelate retries
	MaxJitter time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerInterval    time.Duration // stats window
	CircuitBreakerRatio       float64       // failure ratio to trip
	CircuitBreakerTimeout     time.Duration // time in open state before half-open
	CircuitBreakerMinRequests uint32        // request volume before evaluating ratio
	CircuitBreakerMaxHalfOpen uint32        // probe requests allowed in half-open
}

// DefaultHTTPMediatorConfig returns production defaults. The 900s timeout
// accommodates long-running webhook targets.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:                   900 * time.Second,
		ConnectTimeout:            30 * time.Second,
		HTTPVersion:               HTTPVersion2,
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		MaxJitter:                 500 * time.Millisecond,
		CircuitBreakerEnabled:     true,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
		CircuitBreakerMaxHalfOpen: 3,
	}
}

// DevHTTPMediatorConfig returns config suitable for development
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	mediator := &HTTPMediator{
		client:      client,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxJitter:   cfg.MaxJitter,
		timeout:     cfg.Timeout,
	}

	if cfg.CircuitBreakerEnabled {
		mediator.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "http-mediator",
			MaxRequests: cfg.CircuitBreakerMaxHalfOpen,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("Circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String())

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return mediator
}

// Process delivers one message to its mediation target
func (m *HTTPMediator) Process(msg *model.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("nil message"),
		}
	}

	targetURL := msg.MediationTarget
	if targetURL == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("no target URL"),
		}
	}

	if m.circuitBreaker != nil {
		result, err := m.circuitBreaker.Execute(func() (interface{}, error) {
			return m.executeWithRetry(msg)
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				slog.Warn("Circuit breaker open",
					"messageId", msg.ID,
					"target", targetURL)
				return &pool.MediationOutcome{
					Result: pool.MediationResultErrorConnection,
					Error:  err,
				}
			}
		}

		if outcome, ok := result.(*pool.MediationOutcome); ok {
			return outcome
		}
	}

	outcome, _ := m.executeWithRetry(msg)
	return outcome
}

// executeWithRetry retries connection errors in place; all other outcomes
// resolve immediately. The error return feeds the circuit breaker.
func (m *HTTPMediator) executeWithRetry(msg *model.MessagePointer) (*pool.MediationOutcome, error) {
	var lastOutcome *pool.MediationOutcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		outcome := m.executeOnce(msg, attempt)
		lastOutcome = outcome

		if outcome.Result != pool.MediationResultErrorConnection {
			break
		}

		if attempt < m.maxRetries {
			backoff := time.Duration(attempt)*m.baseBackoff + m.jitter()
			slog.Info("Retrying after backoff",
				"messageId", msg.ID,
				"attempt", attempt,
				"backoff", backoff)
			time.Sleep(backoff)
		}
	}

	if lastOutcome.Result == pool.MediationResultErrorConnection ||
		lastOutcome.Result == pool.MediationResultErrorServer {
		return lastOutcome, lastOutcome.Error
	}
	return lastOutcome, nil
}

func (m *HTTPMediator) jitter() time.Duration {
	if m.maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(m.maxJitter)))
}

// executeOnce performs a single POST of {"messageId":"<id>"} with Bearer auth
func (m *HTTPMediator) executeOnce(msg *model.MessagePointer, attempt int) *pool.MediationOutcome {
	targetURL := msg.MediationTarget

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	payload := fmt.Sprintf(`{"messageId":"%s"}`, msg.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(payload))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}

	slog.Debug("Executing HTTP request",
		"messageId", msg.ID,
		"target", targetURL,
		"attempt", attempt)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	metrics.MediatorHTTPDuration.WithLabelValues(targetURL).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))

	slog.Debug("HTTP response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	return m.handleResponse(msg, resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

// handleError classifies transport-level failures
func (m *HTTPMediator) handleError(msg *model.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout",
			"messageId", msg.ID,
			"error", err)
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error",
			"messageId", msg.ID,
			"error", err,
			"timeout", netErr.Timeout())
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dial tcp") {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	return &pool.MediationOutcome{
		Result: pool.MediationResultErrorProcess,
		Error:  err,
	}
}

// handleResponse classifies HTTP status codes:
//
//	2xx            -> SUCCESS, unless the body carries ack=false
//	400            -> ERROR_PROCESS (malformed for now, content may be fixed)
//	429            -> ERROR_PROCESS honoring Retry-After
//	other 4xx      -> ERROR_CONFIG, retrying cannot help
//	5xx            -> ERROR_SERVER
func (m *HTTPMediator) handleResponse(msg *model.MessagePointer, statusCode int, retryAfter string, body []byte) *pool.MediationOutcome {
	if statusCode >= 200 && statusCode < 300 {
		ack := m.parseAckFromResponse(body)

		if ack != nil && !*ack {
			// ack=false means "not ready, try again later"
			delay := m.parseDelayFromResponse(body)
			slog.Info("Response ack=false, will retry",
				"messageId", msg.ID,
				"statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
			}
		}

		return &pool.MediationOutcome{
			Result:     pool.MediationResultSuccess,
			StatusCode: statusCode,
		}
	}

	if statusCode == http.StatusBadRequest {
		slog.Warn("Bad request - will retry through redelivery",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
		}
	}

	if statusCode == http.StatusTooManyRequests {
		delay := m.parseRetryAfter(retryAfter, body)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Delay:      delay,
		}
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error - will not retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
		}
	}

	if statusCode >= 500 {
		slog.Warn("Server error - will retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorServer,
			StatusCode: statusCode,
		}
	}

	return &pool.MediationOutcome{
		Result:     pool.MediationResultErrorProcess,
		StatusCode: statusCode,
	}
}

// parseAckFromResponse parses the ack field from a JSON response
func (m *HTTPMediator) parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		Ack *bool `json:"ack"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	return response.Ack
}

// parseDelayFromResponse parses the delaySeconds field from a JSON response
func (m *HTTPMediator) parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}

	return nil
}

// parseRetryAfter resolves the delay for a 429: the Retry-After header wins,
// then a delaySeconds body field, then a 5s default
func (m *HTTPMediator) parseRetryAfter(retryAfter string, body []byte) *time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			d := time.Duration(seconds) * time.Second
			return &d
		}
		if when, err := http.ParseTime(retryAfter); err == nil {
			if until := time.Until(when); until > 0 {
				return &until
			}
		}
	}

	if delay := m.parseDelayFromResponse(body); delay != nil {
		return delay
	}

	d := 5 * time.Second
	return &d
}
