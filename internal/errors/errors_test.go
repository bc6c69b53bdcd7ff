package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallErrorUnwrapsToUnderlyingError(t *testing.T) {
	underlying := errors.New("boom")
	ce := NewCallError(KindTransient, "test.op", underlying)
	assert.ErrorIs(t, ce, underlying)
}

func TestIsRetryableOnlyTrueForTransient(t *testing.T) {
	assert.True(t, IsRetryable(NewCallError(KindTransient, "op", ErrConnectFailed)))
	assert.False(t, IsRetryable(NewCallError(KindDomain, "op", ErrNon2xxStatus)))
	assert.False(t, IsRetryable(NewCallError(KindCircuit, "op", ErrCircuitOpen)))
}

func TestIsCircuitOpenOnlyTrueForCircuitKind(t *testing.T) {
	assert.True(t, IsCircuitOpen(NewCallError(KindCircuit, "op", ErrCircuitOpen)))
	assert.False(t, IsCircuitOpen(NewCallError(KindTransient, "op", ErrConnectFailed)))
}

func TestCallErrorMessageIncludesOpAndDetail(t *testing.T) {
	ce := NewCallError(KindDomain, "agentclient.dispatch", ErrNon2xxStatus)
	assert.Contains(t, ce.Error(), "agentclient.dispatch")
}
