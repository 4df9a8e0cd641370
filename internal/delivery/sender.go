// Package delivery posts webhook messages to the endpoint configured for
// their operation id.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/retrier/internal/metrics"
	"github.com/vietddude/retrier/internal/retry/classifier"
)

// Failure categories reported by StatusError.
const (
	CategoryClient    classifier.Category = "client"
	CategoryThrottled classifier.Category = "throttled"
	CategoryServer    classifier.Category = "server"
)

// ErrUnknownOperation is returned for operation ids without an endpoint.
var ErrUnknownOperation = errors.New("no endpoint for operation")

// maxErrorBody bounds the response body kept in a StatusError.
const maxErrorBody = 1024

// Message is the argument persisted for every webhook delivery.
type Message struct {
	Event   string            `json:"event"             msgpack:"event"`
	Body    json.RawMessage   `json:"body"              msgpack:"body"`
	Headers map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
}

// Endpoint is where messages of one operation id are delivered.
type Endpoint struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// RetryCategory classifies the response: 408 and 429 are throttling, other
// 4xx are client errors and everything else is a server error.
func (e *StatusError) RetryCategory() classifier.Category {
	switch {
	case e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests:
		return CategoryThrottled
	case e.Code >= 400 && e.Code < 500:
		return CategoryClient
	default:
		return CategoryServer
	}
}

// ClassifierRules marks client errors and unknown operations as permanent.
// It is meant for policy.Config.Build.
func ClassifierRules(cl *classifier.Classifier) {
	cl.SetCategory(CategoryClient, false)
	cl.AddMatcher(func(err error) bool { return errors.Is(err, ErrUnknownOperation) }, false)
}

type target struct {
	endpoint Endpoint
	limiter  *rate.Limiter
}

// Sender delivers messages over HTTP.
type Sender struct {
	client  *http.Client
	targets map[string]target
	logger  *slog.Logger
}

// NewSender creates a Sender for the given operation ids. client may be nil.
func NewSender(endpoints map[string]Endpoint, client *http.Client, logger *slog.Logger) *Sender {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	targets := make(map[string]target, len(endpoints))
	for id, ep := range endpoints {
		t := target{endpoint: ep}
		if ep.RateLimit > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(ep.RateLimit), max(ep.Burst, 1))
		}
		targets[id] = t
	}
	return &Sender{client: client, targets: targets, logger: logger.With("component", "delivery")}
}

// OperationIDs returns the configured operation ids.
func (s *Sender) OperationIDs() []string {
	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	return ids
}

// Send posts msg to the endpoint of operationID. idempotencyKey is sent in
// the Idempotency-Key header so receivers can drop redeliveries.
func (s *Sender) Send(ctx context.Context, operationID, idempotencyKey string, msg Message) error {
	t, ok := s.targets[operationID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownOperation, operationID)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	if t.endpoint.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.endpoint.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(map[string]any{
		"event": msg.Event,
		"data":  msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.DeliveryLatency.WithLabelValues(operationID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DeliveryRequests.WithLabelValues(operationID, "error").Inc()
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	metrics.DeliveryRequests.WithLabelValues(operationID, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	s.logger.Debug("Webhook rejected", "operation_id", operationID, "status", resp.StatusCode)
	return &StatusError{Code: resp.StatusCode, Body: string(data)}
}
