package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/internal/logger"
	"github.com/agentmesh/orchestrator/internal/plan"
	"github.com/agentmesh/orchestrator/internal/transport"
)

func newTestRegistry() *Registry {
	return New(nil, logger.Noop{}, Config{Strategy: RoundRobin})
}

// setOnline forces an already-registered agent online without a real
// probe, for tests exercising indexing/selection rather than health.
func setOnline(r *Registry, name string) {
	r.mu.RLock()
	a := r.agents[name]
	r.mu.RUnlock()
	a.mu.Lock()
	a.Status = StatusOnline
	a.mu.Unlock()
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	err := r.Register(&Agent{Name: "salesforce", Kind: plan.AgentSalesforce, Endpoint: "http://sf:8080", Capabilities: []string{"crm_operations"}})
	require.NoError(t, err)

	a, err := r.Get("salesforce")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, a.Status)
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	r := newTestRegistry()
	err := r.Register(&Agent{Name: "sf"})
	assert.Error(t, err)
}

func TestIdempotentRegistration(t *testing.T) {
	r := newTestRegistry()
	a := &Agent{Name: "jira", Kind: plan.AgentJira, Endpoint: "http://jira:8080", Capabilities: []string{"ticketing"}}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(a))
	setOnline(r, "jira")

	names := r.FindByCapability("ticketing")
	assert.Len(t, names, 1)
}

func TestFindByCapabilityOnlyReturnsAdvertisingAgents(t *testing.T) {
	r := newTestRegistry()
	r.Register(&Agent{Name: "jira", Kind: plan.AgentJira, Endpoint: "http://jira:8080", Capabilities: []string{"ticketing"}})
	r.Register(&Agent{Name: "sf", Kind: plan.AgentSalesforce, Endpoint: "http://sf:8080", Capabilities: []string{"crm_operations"}})
	setOnline(r, "jira")
	setOnline(r, "sf")

	assert.ElementsMatch(t, []string{"jira"}, r.FindByCapability("ticketing"))
	assert.Empty(t, r.FindByCapability("unknown_capability"))
}

func TestFindByCapabilityExcludesUnknownAndError(t *testing.T) {
	r := newTestRegistry()
	r.Register(&Agent{Name: "jira", Kind: plan.AgentJira, Endpoint: "http://jira:8080", Capabilities: []string{"ticketing"}})
	assert.Empty(t, r.FindByCapability("ticketing"))
}

func TestSelectForTaskRoundRobin(t *testing.T) {
	r := newTestRegistry()
	r.Register(&Agent{Name: "sf-1", Endpoint: "http://sf1:8080", Capabilities: []string{"crm_operations"}})
	r.Register(&Agent{Name: "sf-2", Endpoint: "http://sf2:8080", Capabilities: []string{"crm_operations"}})
	setOnline(r, "sf-1")
	setOnline(r, "sf-2")

	first, err := r.SelectForTask("crm_operations")
	require.NoError(t, err)
	second, err := r.SelectForTask("crm_operations")
	require.NoError(t, err)
	assert.NotEqual(t, first.Name, second.Name)
}

func TestSelectForTaskReturnsErrorWhenNoneHealthy(t *testing.T) {
	r := newTestRegistry()
	_, err := r.SelectForTask("nonexistent_capability")
	assert.Error(t, err)
}

func TestHealthProbeOneGoesOnlineAndRefreshesCapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/a2a/agent-card", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"name": "sf", "capabilities": []string{"crm_operations", "billing"},
		})
	}))
	defer srv.Close()

	tr := transport.New(transport.PoolConfig{MaxTotal: 4, MaxPerHost: 4, KeepAlive: time.Second})
	r := New(tr, logger.Noop{}, Config{Strategy: RoundRobin, HealthTimeout: 2 * time.Second})
	require.NoError(t, r.Register(&Agent{Name: "sf", Endpoint: srv.URL, Capabilities: []string{"crm_operations"}}))

	r.healthProbeOne(context.Background(), "sf")

	a, err := r.Get("sf")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, a.Status)
	assert.ElementsMatch(t, []string{"crm_operations", "billing"}, a.Capabilities)
	assert.ElementsMatch(t, []string{"sf"}, r.FindByCapability("billing"))
}

func TestHealthProbeOneGoesOfflineOnConnectFailure(t *testing.T) {
	tr := transport.New(transport.PoolConfig{MaxTotal: 4, MaxPerHost: 4, KeepAlive: time.Second})
	r := New(tr, logger.Noop{}, Config{Strategy: RoundRobin, HealthTimeout: 200 * time.Millisecond})
	require.NoError(t, r.Register(&Agent{Name: "sf", Endpoint: "http://127.0.0.1:1", Capabilities: []string{"crm_operations"}}))

	r.healthProbeOne(context.Background(), "sf")

	a, err := r.Get("sf")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, a.Status)
}

func TestHealthProbeOneGoesErrorOnMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	tr := transport.New(transport.PoolConfig{MaxTotal: 4, MaxPerHost: 4, KeepAlive: time.Second})
	r := New(tr, logger.Noop{}, Config{Strategy: RoundRobin, HealthTimeout: 2 * time.Second})
	require.NoError(t, r.Register(&Agent{Name: "sf", Endpoint: srv.URL, Capabilities: []string{"crm_operations"}}))

	r.healthProbeOne(context.Background(), "sf")

	a, err := r.Get("sf")
	require.NoError(t, err)
	assert.Equal(t, StatusError, a.Status)
}

func TestBreakerIsPerAgentNotShared(t *testing.T) {
	r := newTestRegistry()
	r.Register(&Agent{Name: "a", Endpoint: "http://a:8080", Capabilities: []string{"c"}})
	r.Register(&Agent{Name: "b", Endpoint: "http://b:8080", Capabilities: []string{"c"}})

	ba, _ := r.Breaker("a")
	bb, _ := r.Breaker("b")
	assert.NotSame(t, ba, bb)
}
