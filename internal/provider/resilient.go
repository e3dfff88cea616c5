package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/visibility-engine/internal/resilience"
)

// ResilienceOptions configures a Resilient provider. Zero fields disable the
// corresponding guard, except Retry which falls back to the resilience
// defaults.
type ResilienceOptions struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker *resilience.CircuitBreaker
	Limiter *rate.Limiter
}

// Resilient decorates a Provider with a per-attempt timeout, bounded
// retries of transient failures, a circuit breaker and request pacing.
type Resilient struct {
	inner Provider
	opts  ResilienceOptions
}

// NewResilient wraps inner.
func NewResilient(inner Provider, opts ResilienceOptions) *Resilient {
	return &Resilient{inner: inner, opts: opts}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) Models() []string { return r.inner.Models() }

// Invoke retries transient and timeout failures within the retry budget.
// The returned error is always an *Error.
func (r *Resilient) Invoke(ctx context.Context, model, prompt string) (*Completion, error) {
	policy := r.opts.Retry
	policy.ShouldRetry = func(err error) bool { return KindOf(err).Retryable() }
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger(r.Name(), model)
	}

	c, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (*Completion, error) {
		return r.attempt(ctx, model, prompt)
	})
	if err != nil {
		return nil, Classify(r.Name(), model, err)
	}
	return c, nil
}

func (r *Resilient) attempt(ctx context.Context, model, prompt string) (*Completion, error) {
	if r.opts.Limiter != nil {
		if err := r.opts.Limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, Classify(r.Name(), model, ctx.Err())
			}
			return nil, &Error{Kind: KindTransient, Provider: r.Name(), Model: model, Err: eris.Wrap(err, "provider: rate limit wait")}
		}
	}

	if r.opts.Breaker == nil {
		return r.call(ctx, model, prompt)
	}
	c, err := resilience.ExecuteVal(ctx, r.opts.Breaker, func(ctx context.Context) (*Completion, error) {
		return r.call(ctx, model, prompt)
	})
	if err != nil {
		return nil, Classify(r.Name(), model, err)
	}
	return c, nil
}

func (r *Resilient) call(ctx context.Context, model, prompt string) (*Completion, error) {
	callCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	c, err := r.inner.Invoke(callCtx, model, prompt)
	if err == nil {
		return c, nil
	}

	// The attempt deadline fired while the caller is still waiting: report a
	// timeout whatever the client made of it.
	if ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
		return nil, &Error{Kind: KindTimeout, Provider: r.Name(), Model: model, Err: eris.Wrapf(err, "provider: attempt exceeded %s", r.opts.Timeout)}
	}
	return nil, Classify(r.Name(), model, err)
}

// BreakerConfig adapts a breaker config so that only retryable provider
// failures count towards opening the circuit.
func BreakerConfig(cfg resilience.CircuitBreakerConfig) resilience.CircuitBreakerConfig {
	cfg.ShouldTrip = func(err error) bool { return KindOf(err).Retryable() }
	return cfg
}

// NewLimiter returns a pacing limiter for rps requests per second, or nil
// when rps is not positive.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
