package access

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tunaaoguzhann/paygate/core"
)

// RetryConfig bounds how often a consume attempt is re-sent with the same request id.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}
}

// retryableError marks an attempt that may be repeated.
type retryableError struct {
	err error
}

func (e retryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.err)
}

func (e retryableError) Unwrap() error {
	return e.err
}

func isRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

// withRetry runs operation with exponential backoff while it returns retryable errors.
// The last error is returned unwrapped from its retry marker.
func withRetry(ctx context.Context, cfg RetryConfig, operation func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", core.ErrConnectivity, ctx.Err())
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	var r retryableError
	if errors.As(lastErr, &r) {
		return r.err
	}
	return lastErr
}
