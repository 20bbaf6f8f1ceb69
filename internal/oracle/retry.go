package oracle

import (
	"context"
	"fmt"
	"time"

	"mendloop/internal/logging"
)

// RetryConfig bounds the transport retry decorator.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig returns the standard transport retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second}
}

type retryOracle struct {
	inner Oracle
	cfg   RetryConfig
}

// WithRetry wraps inner with exponential-backoff retries on retryable
// transport failures. A nil cfg uses DefaultRetryConfig. Non-transport
// errors and non-retryable statuses surface immediately.
func WithRetry(inner Oracle, cfg *RetryConfig) Oracle {
	c := DefaultRetryConfig()
	if cfg != nil {
		c = *cfg
	}
	return &retryOracle{inner: inner, cfg: c}
}

func (r *retryOracle) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for i := 0; i <= r.cfg.MaxRetries; i++ {
		if i > 0 {
			// Backoff doubles per attempt: base, 2x, 4x.
			delay := r.cfg.BaseDelay << uint(i-1)
			logging.OracleDebug("retry %d/%d for %s in %v: %v", i, r.cfg.MaxRetries, req.Purpose, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("oracle: retries exhausted: %w", lastErr)
}
