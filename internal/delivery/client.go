// Package delivery wraps the downstream message-delivery HTTP API with the
// protections the pipeline requires: per-call timeouts, bounded retry with
// exponential backoff, a circuit breaker, and client-side rate limiting.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"wellwisher/internal/config"
	"wellwisher/internal/types"
)

// Request is the payload sent to the delivery API for one message.
type Request struct {
	IdempotencyKey string `json:"idempotency_key"`
	Address        string `json:"address"`
	MessageType    string `json:"message_type"`
	Message        string `json:"message"`
}

// Sender is the worker-facing delivery interface.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// Client sends messages to the delivery API. All calls share one circuit
// breaker and one rate limiter, so every worker goroutine observes the
// same view of downstream health.
type Client struct {
	httpClient *http.Client
	apiURL     string
	apiToken   types.SecretString

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
	logger  *slog.Logger

	// sleepFunc is swapped in tests to avoid real backoff waits.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a delivery client from configuration.
func NewClient(cfg config.Delivery, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	breakerSettings := gobreaker.Settings{
		Name: "delivery-api",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.BreakerMinCalls) {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= cfg.FailureRate
		},
		Timeout: cfg.Cooldown,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("delivery circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}

	limit := rate.Inf
	burst := 1
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
		burst = int(cfg.SendRate)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		apiURL:      cfg.APIURL,
		apiToken:    cfg.APIToken,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		breaker:     gobreaker.NewCircuitBreaker[struct{}](breakerSettings),
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
		sleepFunc:   sleepContext,
	}
}

// WithSleepFunc overrides the backoff sleep, for tests.
func (c *Client) WithSleepFunc(f func(ctx context.Context, d time.Duration) error) *Client {
	c.sleepFunc = f
	return c
}

// Send delivers one message, retrying transient failures up to MaxRetries
// additional attempts with exponential backoff. The error it returns
// carries a typed code:
//
//   - ErrCodeDeliveryPermanent: the API rejected the request (4xx); do
//     not retry at any layer.
//   - ErrCodeDeliveryBreaker: the breaker is open and the call was never
//     attempted; retry later via redelivery.
//   - ErrCodeDeliveryTransient: timeouts and 5xx exhausted the local
//     retry budget; retry later via redelivery.
func (c *Client) Send(ctx context.Context, req Request) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffFor(attempt)
			c.logger.InfoContext(ctx, "retrying delivery after transient failure",
				"idempotency_key", req.IdempotencyKey,
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", lastErr,
			)
			if err := c.sleepFunc(ctx, backoff); err != nil {
				return types.NewAppError(types.ErrCodeDeliveryTransient, "delivery aborted by shutdown", err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return types.NewAppError(types.ErrCodeDeliveryTransient, "delivery aborted waiting for rate limiter", err)
		}

		_, err := c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.doSend(ctx, req)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Do not burn local retries against an open breaker; queue
			// redelivery provides the longer-horizon retry.
			return types.NewAppError(types.ErrCodeDeliveryBreaker, "delivery circuit breaker open", err)
		}

		if types.CodeOf(err) == types.ErrCodeDeliveryPermanent {
			return err
		}

		lastErr = err
	}

	return types.NewAppError(types.ErrCodeDeliveryTransient,
		fmt.Sprintf("delivery failed after %d attempts", c.maxRetries+1), lastErr)
}

// doSend performs a single HTTP call and classifies the outcome.
func (c *Client) doSend(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeDeliveryPermanent, "failed to marshal delivery request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeDeliveryPermanent, "failed to build delivery request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken.Unmask())
	// The downstream can use this to dedupe at-least-once duplicates.
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and client timeouts are transient.
		return types.NewAppError(types.ErrCodeDeliveryTransient, "delivery request failed", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail := readErrorDetail(resp.Body)
		return types.NewAppError(types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("delivery rejected with status %d: %s", resp.StatusCode, detail), nil)
	default:
		return types.NewAppError(types.ErrCodeDeliveryTransient,
			fmt.Sprintf("delivery failed with status %d", resp.StatusCode), nil)
	}
}

// backoffFor computes the wait before retry attempt n (1-based), doubling
// from the base and capped, with up to 25% jitter to avoid retry herds.
func (c *Client) backoffFor(attempt int) time.Duration {
	backoff := c.baseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.maxBackoff {
			backoff = c.maxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	return backoff + jitter
}

// readErrorDetail extracts a short error string from a response body.
func readErrorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}
	return string(raw)
}

// sleepContext sleeps for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Sender = (*Client)(nil)
