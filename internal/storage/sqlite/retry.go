package sqlite

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns 5 retries from a 25ms base with 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  25 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock retries fn while SQLite reports the database locked or busy.
// It stops early when ctx is done and returns the last error seen.
func RetryOnDBLock(ctx context.Context, fn func() error) error {
	return retryOnDBLockInternal(ctx, DefaultRetryConfig(), fn, sleepCtx)
}

func RetryOnDBLockWithConfig(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryOnDBLockInternal(ctx, cfg, fn, sleepCtx)
}

func retryOnDBLockInternal(ctx context.Context, cfg RetryConfig, fn func() error, sleepFn func(context.Context, time.Duration) error) error {
	err := fn()
	if err == nil || !isDBLocked(err) {
		return err
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		if sleepErr := sleepFn(ctx, delay+jitter); sleepErr != nil {
			return err
		}

		err = fn()
		if err == nil || !isDBLocked(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
