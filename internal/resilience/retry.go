package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig bounds retries of a single provider call.
type RetryConfig struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// JitterFraction spreads each delay by ±fraction.
	JitterFraction float64

	// ShouldRetry classifies an error as retryable. Defaults to IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs before the sleep preceding attempt number `attempt`+1.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the policy used for provider calls when nothing
// is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or ctx is done.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that produce a value. The last error is returned
// unchanged so callers can classify it.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}

		delay := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// Backoff returns the delay after the given failed attempt (1-based):
// InitialBackoff × Multiplier^(attempt-1), capped at MaxBackoff, then jittered.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(c.MaxBackoff))
	if c.JitterFraction > 0 {
		d += d * c.JitterFraction * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(d, 0))
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.JitterFraction > 1 {
		c.JitterFraction = 1
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// RetryLogger returns an OnRetry hook that logs through the global logger.
func RetryLogger(provider, model string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying provider call",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
}
