package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
)

func TestDoRetriesTransientFailuresUpToMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Backoff: 1.0, MaxDelay: time.Millisecond}
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return transientErr()
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnFirstSuccess(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Backoff: 1.0, MaxDelay: time.Millisecond}
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts == 2 {
			return nil
		}
		return transientErr()
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoDoesNotRetryDomainFailure(t *testing.T) {
	cfg := DefaultRetryConfig()
	attempts := 0
	domainErr := orcherrors.NewCallError(orcherrors.KindDomain, "test", errors.New("bad input"))
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return domainErr
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoDoesNotRetryCircuitOpen(t *testing.T) {
	cfg := DefaultRetryConfig()
	attempts := 0
	circuitErr := orcherrors.NewCallError(orcherrors.KindCircuit, "test", orcherrors.ErrCircuitOpen)
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return circuitErr
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, Backoff: 10.0, MaxDelay: 2 * time.Second}
	d := backoffDelay(cfg, 5)
	assert.LessOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*1.5))
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := DefaultRetryConfig()
	err := Do(ctx, cfg, func() error { return transientErr() })
	assert.Error(t, err)
}
