// Package resilience implements the per-endpoint circuit breaker, the
// retry strategy with exponential backoff and jitter, and the resilient
// caller that composes both around the RPC transport.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/logger"
)

// State is one of the three circuit breaker states.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig tunes a single breaker instance.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenMaxCalls int
	Logger           logger.Logger
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenMaxCalls: 3,
		Logger:           logger.Noop{},
	}
}

// CircuitBreaker is a per-endpoint three-state gate. Breakers are never
// shared across endpoints: the Service Registry keeps one instance per
// RegisteredAgent so a failing endpoint cannot trip requests to a healthy
// one. All transitions and counter mutations happen under mu, so "exclusive
// access per breaker instance" holds even under concurrent callers.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenInUse   int32 // atomic: concurrent half-open trials in flight
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Logger == nil {
		cfg.Logger = logger.Noop{}
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call may proceed right now, and if so reserves a
// half-open trial slot when the breaker is transitioning out of open. The
// caller must invoke RecordSuccess or RecordFailure exactly once afterward.
func (cb *CircuitBreaker) Allow() (bool, State) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true, StateClosed

	case StateOpen:
		if time.Since(cb.lastFailureTime) < cb.cfg.OpenTimeout {
			return false, StateOpen
		}
		// Open timeout elapsed: admit a trial and move to half-open.
		cb.transition(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if int(atomic.LoadInt32(&cb.halfOpenInUse)) >= cb.cfg.HalfOpenMaxCalls {
			return false, StateHalfOpen
		}
		atomic.AddInt32(&cb.halfOpenInUse, 1)
		return true, StateHalfOpen
	}
	return false, cb.state
}

// RecordSuccess reports a successful call. In half-open, the first success
// closes the breaker and resets its counters.
func (cb *CircuitBreaker) RecordSuccess(observedState State) {
	if observedState == StateHalfOpen {
		atomic.AddInt32(&cb.halfOpenInUse, -1)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.failureCount = 0
}

// RecordFailure reports a failed call. Domain-level failures (4xx,
// validation) must not reach here at all — the caller only records
// transient/protocol failures, per the breaker's "excluded failures" rule.
func (cb *CircuitBreaker) RecordFailure(observedState State) {
	if observedState == StateHalfOpen {
		atomic.AddInt32(&cb.halfOpenInUse, -1)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen {
		cb.transition(StateOpen)
		return
	}

	cb.failureCount++
	if cb.state == StateClosed && cb.failureCount >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failureCount = 0
	}
	if to == StateOpen {
		cb.lastFailureTime = time.Now()
	}
	cb.cfg.Logger.Info("circuit breaker transition", map[string]interface{}{
		"breaker": cb.cfg.Name,
		"from":    from.String(),
		"to":      to.String(),
	})
}

// State returns the breaker's current state (for introspection/metrics).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the breaker allows it, recording the outcome. It
// returns orcherrors.ErrCircuitOpen immediately without invoking fn when
// the breaker is open or the half-open trial budget is exhausted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	allowed, observed := cb.Allow()
	if !allowed {
		return orcherrors.NewCallError(orcherrors.KindCircuit, cb.cfg.Name, orcherrors.ErrCircuitOpen)
	}

	err := fn()
	if err == nil {
		cb.RecordSuccess(observed)
		return nil
	}

	// A CallError counts against the breaker only when transient or
	// protocol, so domain (4xx) failures pass through without tripping it;
	// an error that is not a CallError always counts.
	var ce *orcherrors.CallError
	countsAgainstBreaker := true
	if asCallError(err, &ce) {
		countsAgainstBreaker = ce.Kind == orcherrors.KindTransient || ce.Kind == orcherrors.KindProtocol
	}

	if countsAgainstBreaker {
		cb.RecordFailure(observed)
	} else {
		// Still must release the half-open slot even though it doesn't count.
		if observed == StateHalfOpen {
			atomic.AddInt32(&cb.halfOpenInUse, -1)
		}
	}
	return err
}

func asCallError(err error, target **orcherrors.CallError) bool {
	ce, ok := err.(*orcherrors.CallError)
	if ok {
		*target = ce
	}
	return ok
}
