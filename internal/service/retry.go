package service

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultMaxAttempts  = 6
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

var (
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeBaseDelay   = errors.New("base delay must not be negative")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

var conflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "library_conflict_retries_total",
	Help: "Transactions retried after an optimistic concurrency conflict",
}, []string{"operation", "outcome"})

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	jitterFactor float64
}

// RetryOption configures retryOnConflict.
type RetryOption func(*retryConfig) error

func WithMaxAttempts(attempts int) RetryOption {
	return func(c *retryConfig) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		c.maxAttempts = attempts
		return nil
	}
}

// WithBaseDelay sets the first backoff; later ones double.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) error {
		if d < 0 {
			return ErrNegativeBaseDelay
		}
		c.baseDelay = d
		return nil
	}
}

func WithJitterFactor(f float64) RetryOption {
	return func(c *retryConfig) error {
		if f < 0.0 || f > 1.0 {
			return ErrInvalidJitterFactor
		}
		c.jitterFactor = f
		return nil
	}
}

// retryOnConflict runs fn until it succeeds, fails with anything other than
// ErrConflict, or runs out of attempts. Delays are baseDelay * 2^(n-1) plus
// jitter. The last ErrConflict is returned to the caller as-is.
func retryOnConflict(ctx context.Context, operation string, fn func(ctx context.Context) error, options ...RetryOption) error {
	cfg := &retryConfig{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		jitterFactor: defaultJitterFactor,
	}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.baseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * cfg.jitterFactor //nolint:gosec // jitter only
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				conflictRetries.WithLabelValues(operation, "recovered").Inc()
			}
			return nil
		}
		if !errors.Is(lastErr, ErrConflict) {
			return lastErr
		}
		conflictRetries.WithLabelValues(operation, "retried").Inc()
	}

	conflictRetries.WithLabelValues(operation, "exhausted").Inc()
	return lastErr
}
