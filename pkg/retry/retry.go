// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config bounds the retry loop. MaxAttempts counts retries, not the
// initial call.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry calls fn until it succeeds, the attempt budget runs out or the
// context is cancelled. The last error is wrapped in the final result.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(cfg.delay(attempt)):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

func (c Config) delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	d := time.Duration(delay)
	if c.Jitter && d > 0 {
		// +/-25% spread so synchronized callers fan out.
		jitter := d / 4
		d = d - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
	}
	return d
}
