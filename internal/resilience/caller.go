package resilience

import "context"

// Caller composes the breaker as the outermost gate around the whole call,
// with the retry loop inside it: the breaker decides once, cheaply,
// whether this call may proceed at all; the retry loop then absorbs
// transient faults within that single breaker-gated attempt. A circuit-open
// denial short-circuits before the retry loop ever runs.
type Caller struct {
	breaker *CircuitBreaker
	retry   RetryConfig
}

func NewCaller(breaker *CircuitBreaker, retry RetryConfig) *Caller {
	return &Caller{breaker: breaker, retry: retry}
}

// Call runs fn through the breaker; while admitted, fn is retried up to
// MaxAttempts times with backoff. fn should itself enforce the per-attempt
// timeout (e.g. via the RPC transport's total deadline).
func (c *Caller) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.breaker.Execute(func() error {
		return Do(ctx, c.retry, func() error {
			return fn(ctx)
		})
	})
}
