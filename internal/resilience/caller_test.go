package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerRetriesWithinASingleBreakerGatedCall(t *testing.T) {
	cbCfg := DefaultCircuitBreakerConfig("agent")
	cbCfg.FailureThreshold = 5
	cb := NewCircuitBreaker(cbCfg)
	retryCfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Backoff: 1.0, MaxDelay: time.Millisecond}
	caller := NewCaller(cb, retryCfg)

	attempts := 0
	err := caller.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		return transientErr()
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts, "retry loop should exhaust MaxAttempts inside one breaker-gated call")
	// One aggregate failure recorded against the breaker for the whole call.
	assert.Equal(t, StateClosed, cb.State())
}

func TestCallerOpensBreakerAcrossRepeatedCalls(t *testing.T) {
	cbCfg := DefaultCircuitBreakerConfig("agent")
	cbCfg.FailureThreshold = 2
	cb := NewCircuitBreaker(cbCfg)
	retryCfg := RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, Backoff: 1.0, MaxDelay: time.Millisecond}
	caller := NewCaller(cb, retryCfg)

	caller.Call(context.Background(), func(ctx context.Context) error { return transientErr() })
	caller.Call(context.Background(), func(ctx context.Context) error { return transientErr() })

	require.Equal(t, StateOpen, cb.State())

	called := false
	err := caller.Call(context.Background(), func(ctx context.Context) error { called = true; return nil })
	assert.False(t, called, "breaker open must fail fast before the retry loop ever invokes fn")
	assert.Error(t, err)
}

func TestCallerSucceedsWithoutExhaustingRetries(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("agent"))
	retryCfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Backoff: 1.0, MaxDelay: time.Millisecond}
	caller := NewCaller(cb, retryCfg)

	attempts := 0
	err := caller.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 2 {
			return nil
		}
		return transientErr()
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, StateClosed, cb.State())
}
