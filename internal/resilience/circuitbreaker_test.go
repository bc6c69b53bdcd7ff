package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
)

func newTestBreaker() *CircuitBreaker {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 2
	cfg.OpenTimeout = 20 * time.Millisecond
	cfg.HalfOpenMaxCalls = 1
	return NewCircuitBreaker(cfg)
}

func transientErr() error {
	return orcherrors.NewCallError(orcherrors.KindTransient, "test.call", errors.New("boom"))
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker()
	assert.Error(t, cb.Execute(func() error { return transientErr() }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Error(t, cb.Execute(func() error { return transientErr() }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestOpenBreakerFailsFastWithoutCallingFn(t *testing.T) {
	cb := newTestBreaker()
	cb.Execute(func() error { return transientErr() })
	cb.Execute(func() error { return transientErr() })
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, orcherrors.IsCircuitOpen(err))
}

func TestBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	cb := newTestBreaker()
	cb.Execute(func() error { return transientErr() })
	cb.Execute(func() error { return transientErr() })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(25 * time.Millisecond)

	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb := newTestBreaker()
	cb.Execute(func() error { return transientErr() })
	cb.Execute(func() error { return transientErr() })
	time.Sleep(25 * time.Millisecond)

	err := cb.Execute(func() error { return transientErr() })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestDomainFailureDoesNotCountAgainstBreaker(t *testing.T) {
	cb := newTestBreaker()
	domainErr := orcherrors.NewCallError(orcherrors.KindDomain, "test.call", errors.New("bad request"))
	cb.Execute(func() error { return domainErr })
	cb.Execute(func() error { return domainErr })
	cb.Execute(func() error { return domainErr })
	assert.Equal(t, StateClosed, cb.State())
}
