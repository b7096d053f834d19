package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/internal/observability"
	"go.uber.org/zap"
)

// ErrRetriesExhausted is returned when every attempt failed with a retryable error
var ErrRetriesExhausted = errors.New("retries exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// StatusError is a non-2xx response from an HTTP dependency
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// FromStatus classifies an HTTP status. 4xx other than 408 and 429 are permanent.
func FromStatus(code int, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	if len(body) > 256 {
		body = body[:256]
	}
	err := &StatusError{Code: code, Body: strings.TrimSpace(body)}
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// Policy bounds the attempts made for one call
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, applied symmetrically
	CallTimeout time.Duration
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		CallTimeout: 30 * time.Second,
	}
}

// PolicyFromConfig builds a Policy from configuration
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,
		CallTimeout: cfg.CallTimeout,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
// r is a uniform sample in [0, 1).
func (p Policy) Backoff(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*r-1)
	}
	return time.Duration(delay)
}

// Coordinator runs calls to external dependencies under a retry policy and a per-key breaker
type Coordinator struct {
	policy   Policy
	breakers *Breakers
	metrics  *observability.Metrics
	logger   *zap.Logger

	after func(time.Duration) <-chan time.Time
	rand  func() float64
}

// NewCoordinator creates a new Coordinator instance
func NewCoordinator(policy Policy, breakers *Breakers, metrics *observability.Metrics, logger *zap.Logger) *Coordinator {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	c := &Coordinator{
		policy:   policy,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
		after:    time.After,
		rand:     rand.Float64,
	}
	if metrics != nil {
		breakers.OnChange(func(key string, s State) {
			metrics.CircuitState.WithLabelValues(key).Set(s.GaugeValue())
		})
	}
	return c
}

// Breakers returns the coordinator's breaker registry
func (c *Coordinator) Breakers() *Breakers {
	return c.breakers
}

// Do calls fn until it succeeds, returns a permanent error, exhausts the policy or ctx ends.
// It returns the number of attempts that reached fn.
func (c *Coordinator) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (int, error) {
	breaker := c.breakers.Get(key)
	dependency := dependencyKind(key)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}
		if err := breaker.Allow(); err != nil {
			c.record(dependency, "circuit_open")
			if lastErr != nil {
				return attempts, fmt.Errorf("%w: %w", ErrCircuitOpen, lastErr)
			}
			return attempts, fmt.Errorf("%s: %w", key, ErrCircuitOpen)
		}

		err := c.call(ctx, fn)
		attempts++

		switch {
		case err == nil:
			breaker.Success()
			c.record(dependency, "success")
			return attempts, nil
		case IsPermanent(err):
			breaker.Success()
			c.record(dependency, "permanent")
			return attempts, err
		case ctx.Err() != nil:
			// Abandoned by the caller; the dependency's health is unknown
			breaker.Release()
			c.record(dependency, "abandoned")
			return attempts, ctx.Err()
		}

		breaker.Failure()
		c.record(dependency, "failure")
		lastErr = err

		if attempt == c.policy.MaxAttempts {
			break
		}

		delay := c.policy.Backoff(attempt, c.rand())
		c.logger.Warn("dependency call failed, retrying",
			zap.String("dependency", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-c.after(delay):
		}
	}

	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.policy.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

func (c *Coordinator) record(dependency, result string) {
	if c.metrics != nil {
		c.metrics.RetryAttempts.WithLabelValues(dependency, result).Inc()
	}
}

// dependencyKind strips the tenant suffix from keys like "llm/<tenant>"
func dependencyKind(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return key
}
