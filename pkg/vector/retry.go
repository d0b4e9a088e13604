package vector

import (
	"context"
	"fmt"
	"time"
)

// RetryExhaustedError is raised when WithRetry exhausts its retry budget.
// It wraps the last error seen so callers can still inspect the root cause
// with errors.As/errors.Unwrap.
type RetryExhaustedError struct {
	OperationName string
	Attempts      int
	LastErr       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("vector: retry exhausted for %s after %d attempts: %v", e.OperationName, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// RetryConfig controls WithRetry's backoff schedule.
type RetryConfig struct {
	// MaxRetries is the maximum number of attempts (including the first).
	MaxRetries int

	// Backoff is the base delay; after failed attempt N, WithRetry waits
	// Backoff * 2^(N-1) before retrying (exponential backoff).
	Backoff time.Duration

	// OperationName labels the operation in RetryExhaustedError and any
	// retry logging.
	OperationName string
}

// DefaultRetryConfig returns the engine-wide default retry policy: 3
// attempts, 200ms base delay doubled after each failed attempt.
func DefaultRetryConfig(operationName string) RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		Backoff:       200 * time.Millisecond,
		OperationName: operationName,
	}
}

// WithRetry runs op, retrying transient failures with exponential backoff until
// cfg.MaxRetries is exhausted or ctx is cancelled. Every durability-touching
// code path in agentdb (file writes, relational transactions, index
// persistence) goes through this helper.
func WithRetry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt < cfg.MaxRetries {
			wait := cfg.Backoff << (attempt - 1)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return &RetryExhaustedError{
		OperationName: cfg.OperationName,
		Attempts:      cfg.MaxRetries,
		LastErr:       lastErr,
	}
}
