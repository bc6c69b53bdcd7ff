package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
)

// RetryConfig shapes the exponential backoff: delay for attempt n is
// min(BaseDelay * Backoff^n, MaxDelay), then jittered uniformly into
// [0.5*d, 1.5*d).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     float64
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, Backoff: 2.0, MaxDelay: 30 * time.Second}
}

// Do runs fn up to cfg.MaxAttempts times. It only retries failures
// orcherrors.IsRetryable reports as transient; a circuit-open error is
// never retried (it already encodes "wait"), and neither is any other
// non-transient failure — such an error is returned verbatim. When every
// attempt fails transiently, the last error is returned wrapped in a
// transient CallError (op "retry.exhausted") that unwraps to it.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if orcherrors.IsCircuitOpen(lastErr) {
			return lastErr
		}
		if !orcherrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(cfg, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return orcherrors.NewCallError(orcherrors.KindTransient, "retry.exhausted", lastErr)
}

// backoffDelay computes min(BaseDelay * Backoff^attempt, MaxDelay) and
// applies uniform jitter across [0.5d, 1.5d).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Backoff, float64(attempt))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	jittered := d * (0.5 + rand.Float64())
	return time.Duration(jittered)
}
