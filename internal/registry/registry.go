// Package registry implements the Service Registry: capability-indexed
// agent bookkeeping, health probing, load-balancing strategy selection,
// and atomic snapshot persistence. Grounded on the Redis-backed registry
// in itsneelabh-gomind's core/redis_registry.go, adapted here to a
// capability-to-agent index plus a pluggable load balancer instead of a
// generic tool-hosting discovery service.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/logger"
	"github.com/agentmesh/orchestrator/internal/plan"
	"github.com/agentmesh/orchestrator/internal/resilience"
	"github.com/agentmesh/orchestrator/internal/transport"
)

// Status is an agent's current health.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Metrics tracks per-agent call outcomes used by the weighted-inverse-latency
// load balancer and surfaced for observability.
type Metrics struct {
	TotalCalls     int64         `json:"total_calls"`
	FailedCalls    int64         `json:"failed_calls"`
	ActiveCalls    int64         `json:"active_calls"`
	AvgLatency     time.Duration `json:"avg_latency"`
	LastLatency    time.Duration `json:"last_latency"`
}

// Agent is a registered remote agent: its endpoint, the capabilities it
// advertises, and its live health/metrics state.
type Agent struct {
	Name             string          `json:"name"`
	Kind             plan.AgentKind  `json:"kind"`
	Endpoint         string          `json:"endpoint"`
	Description      string          `json:"description"`
	Capabilities     []string        `json:"capabilities"`
	Status           Status          `json:"status"`
	LastHealthCheck  time.Time       `json:"last_health_check"`
	RegistrationTime time.Time       `json:"registration_time"`
	Metrics          Metrics         `json:"metrics"`

	mu      sync.Mutex
	breaker *resilience.CircuitBreaker
}

func (a *Agent) snapshot() Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Agent{
		Name:             a.Name,
		Kind:             a.Kind,
		Endpoint:         a.Endpoint,
		Description:      a.Description,
		Capabilities:     append([]string(nil), a.Capabilities...),
		Status:           a.Status,
		LastHealthCheck:  a.LastHealthCheck,
		RegistrationTime: a.RegistrationTime,
		Metrics:          a.Metrics,
	}
}

// Strategy selects one healthy candidate from several.
type Strategy string

const (
	RoundRobin           Strategy = "round_robin"
	LeastConnections     Strategy = "least_connections"
	WeightedInverseLatency Strategy = "weighted_inverse_latency"
)

// Registry holds all registered agents, indexed by capability, and probes
// their health on an interval. Persistence is atomic (temp file + rename)
// so a crash mid-write never leaves a corrupt snapshot on disk.
type Registry struct {
	log       logger.Logger
	transport *transport.Transport
	strategy  Strategy

	mu           sync.RWMutex
	agents       map[string]*Agent   // name -> agent
	byCapability map[string][]string // capability -> agent names
	rrCursor     map[string]int      // capability -> round-robin cursor

	snapshotPath string
	healthTimeout time.Duration
}

// Config controls registry construction.
type Config struct {
	Strategy      Strategy
	SnapshotPath  string
	HealthTimeout time.Duration
}

func New(t *transport.Transport, log logger.Logger, cfg Config) *Registry {
	if cfg.Strategy == "" {
		cfg.Strategy = RoundRobin
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	return &Registry{
		log:           log,
		transport:     t,
		strategy:      cfg.Strategy,
		agents:        make(map[string]*Agent),
		byCapability:  make(map[string][]string),
		rrCursor:      make(map[string]int),
		snapshotPath:  cfg.SnapshotPath,
		healthTimeout: cfg.HealthTimeout,
	}
}

// Register adds or replaces an agent and (re)indexes its capabilities.
// Breaker state for a re-registered agent under the same name is reset,
// mirroring a fresh deployment of that endpoint. Status starts unknown
// until the first health probe classifies it.
func (r *Registry) Register(a *Agent) error {
	if a.Name == "" || a.Endpoint == "" {
		return fmt.Errorf("%w: name and endpoint required", orcherrors.ErrInvalidConfiguration)
	}
	a.RegistrationTime = time.Now()
	a.Status = StatusUnknown
	a.LastHealthCheck = time.Now()
	a.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(a.Name))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.Name]; exists {
		r.unindexLocked(a.Name)
	}
	r.agents[a.Name] = a
	for _, cap := range a.Capabilities {
		r.byCapability[cap] = append(r.byCapability[cap], a.Name)
	}
	r.log.Info("agent registered", map[string]interface{}{"agent": a.Name, "endpoint": a.Endpoint})
	return nil
}

func (r *Registry) unindexLocked(name string) {
	for cap, names := range r.byCapability {
		filtered := names[:0]
		for _, n := range names {
			if n != name {
				filtered = append(filtered, n)
			}
		}
		r.byCapability[cap] = filtered
	}
}

// Get returns a copy of the named agent's current state.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return Agent{}, orcherrors.ErrAgentNotFound
	}
	return a.snapshot(), nil
}

// Breaker returns the live breaker instance for an agent, used by the
// agent client to gate calls. Never shared across agents.
func (r *Registry) Breaker(name string) (*resilience.CircuitBreaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, orcherrors.ErrAgentNotFound
	}
	return a.breaker, nil
}

// FindByCapability returns the names of online agents advertising cap.
// Load balancers only ever see online agents; error/offline/unknown
// agents are excluded until a probe brings them back online.
func (r *Registry) FindByCapability(cap string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.byCapability[cap] {
		if a, ok := r.agents[name]; ok && a.snapshot().Status == StatusOnline {
			out = append(out, name)
		}
	}
	return out
}

// SelectForTask picks the best agent for a capability using the
// configured load-balancing strategy among online candidates.
func (r *Registry) SelectForTask(cap string) (*Agent, error) {
	candidates := r.FindByCapability(cap)
	if len(candidates) == 0 {
		return nil, orcherrors.ErrNoHealthyAgent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.strategy {
	case LeastConnections:
		return r.pickLeastConnectionsLocked(candidates), nil
	case WeightedInverseLatency:
		return r.pickWeightedInverseLatencyLocked(candidates), nil
	default:
		return r.pickRoundRobinLocked(cap, candidates), nil
	}
}

func (r *Registry) pickRoundRobinLocked(cap string, candidates []string) *Agent {
	idx := r.rrCursor[cap] % len(candidates)
	r.rrCursor[cap] = idx + 1
	return r.agents[candidates[idx]]
}

func (r *Registry) pickLeastConnectionsLocked(candidates []string) *Agent {
	var best *Agent
	var bestActive int64 = -1
	for _, name := range candidates {
		a := r.agents[name]
		active := a.snapshot().Metrics.ActiveCalls
		if bestActive == -1 || active < bestActive {
			best, bestActive = a, active
		}
	}
	return best
}

func (r *Registry) pickWeightedInverseLatencyLocked(candidates []string) *Agent {
	var best *Agent
	var bestLatency time.Duration = -1
	for _, name := range candidates {
		a := r.agents[name]
		lat := a.snapshot().Metrics.AvgLatency
		if lat == 0 {
			return a // never-called agent gets first chance
		}
		if bestLatency == -1 || lat < bestLatency {
			best, bestLatency = a, lat
		}
	}
	return best
}

// RecordCallStart/RecordCallEnd maintain per-agent metrics used by the
// least-connections and weighted-inverse-latency strategies.
func (r *Registry) RecordCallStart(name string) {
	r.mu.RLock()
	a, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	a.mu.Lock()
	a.Metrics.ActiveCalls++
	a.Metrics.TotalCalls++
	a.mu.Unlock()
}

func (r *Registry) RecordCallEnd(name string, latency time.Duration, failed bool) {
	r.mu.RLock()
	a, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	a.mu.Lock()
	a.Metrics.ActiveCalls--
	a.Metrics.LastLatency = latency
	if a.Metrics.AvgLatency == 0 {
		a.Metrics.AvgLatency = latency
	} else {
		a.Metrics.AvgLatency = (a.Metrics.AvgLatency + latency) / 2
	}
	if failed {
		a.Metrics.FailedCalls++
	}
	a.mu.Unlock()
}

// HealthProbeAll probes every registered agent, one at a time, through
// healthProbeOne and updates its status. Every status transition is
// logged; called on an interval by the process's background loop.
func (r *Registry) HealthProbeAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.healthProbeOne(ctx, name)
	}
}

// healthProbeOne issues GET endpoint/a2a/agent-card and updates the
// agent's status from the kind of failure (if any), not its previous
// status: a successful probe always goes online, refreshes the
// capability manifest and re-indexes the agent under exactly its current
// capabilities; a protocol error (reachable but malformed) goes
// error; a connect failure or timeout goes offline.
func (r *Registry) healthProbeOne(ctx context.Context, name string) {
	r.mu.RLock()
	a, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	card, err := r.transport.GetAgentCard(ctx, a.Endpoint, r.healthTimeout)

	a.mu.Lock()
	prev := a.Status
	a.LastHealthCheck = time.Now()
	if err != nil {
		var ce *orcherrors.CallError
		if errors.As(err, &ce) && ce.Kind == orcherrors.KindProtocol {
			a.Status = StatusError
		} else {
			a.Status = StatusOffline
		}
	} else {
		a.Status = StatusOnline
		if card.Capabilities != nil {
			a.Capabilities = card.Capabilities
		}
	}
	next := a.Status
	caps := append([]string(nil), a.Capabilities...)
	a.mu.Unlock()

	if next == StatusOnline {
		r.mu.Lock()
		r.unindexLocked(name)
		for _, cap := range caps {
			if !containsName(r.byCapability[cap], name) {
				r.byCapability[cap] = append(r.byCapability[cap], name)
			}
		}
		r.mu.Unlock()
	}

	if prev != next {
		r.log.Warn("agent health transition", map[string]interface{}{
			"agent": name, "from": string(prev), "to": string(next),
		})
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Snapshot is the on-disk persisted form of the registry.
type Snapshot struct {
	Agents []Agent `json:"agents"`
}

// Save persists the registry atomically: write to a temp file in the same
// directory, then rename over the target so readers never observe a
// partially-written snapshot.
func (r *Registry) Save() error {
	if r.snapshotPath == "" {
		return nil
	}
	r.mu.RLock()
	snap := Snapshot{Agents: make([]Agent, 0, len(r.agents))}
	for _, a := range r.agents {
		snap.Agents = append(snap.Agents, a.snapshot())
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(r.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, r.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load restores agents from a previously saved snapshot, if present.
func (r *Registry) Load() error {
	if r.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	for i := range snap.Agents {
		a := snap.Agents[i]
		if err := r.Register(&a); err != nil {
			r.log.Warn("skipping invalid snapshot entry", map[string]interface{}{"agent": a.Name, "error": err.Error()})
		}
	}
	return nil
}
