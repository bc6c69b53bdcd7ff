// Package agentclient builds and dispatches A2A task calls against a
// registered agent, applying the resilient caller around the transport and
// folding the result back into registry metrics. Grounded on
// itsneelabh-gomind's pkg/communication/k8s_communicator.go
// (CallAgentWithTimeout's span/header/retry shape), generalized from a
// Kubernetes-service-discovery-specific caller into one that dispatches
// against whatever endpoint the Service Registry selected.
package agentclient

import (
	"context"
	"time"

	"github.com/agentmesh/orchestrator/internal/a2a"
	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/logger"
	"github.com/agentmesh/orchestrator/internal/plan"
	"github.com/agentmesh/orchestrator/internal/registry"
	"github.com/agentmesh/orchestrator/internal/resilience"
	"github.com/agentmesh/orchestrator/internal/transport"
)

// Outcome is the tri-state result of dispatching one task.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
)

// Result is what the orchestrator's Agent node does with a dispatched task.
type Result struct {
	Outcome        Outcome
	Artifacts      []a2a.Artifact
	InterruptData  map[string]interface{}
	FailureReason  string
}

// Client dispatches tasks to registered agents.
type Client struct {
	registry  *registry.Registry
	transport *transport.Transport
	log       logger.Logger
	timeout   time.Duration
}

func New(reg *registry.Registry, t *transport.Transport, log logger.Logger, timeout time.Duration) *Client {
	return &Client{registry: reg, transport: t, log: log, timeout: timeout}
}

// Dispatch sends task to the given agent, wrapped in the per-endpoint
// circuit breaker and retry policy, and classifies the outcome.
func (c *Client) Dispatch(ctx context.Context, agentName string, task *plan.Task, threadCtx a2a.TaskContext, requestID int64) Result {
	agent, err := c.registry.Get(agentName)
	if err != nil {
		return Result{Outcome: OutcomeFailed, FailureReason: err.Error()}
	}
	breaker, err := c.registry.Breaker(agentName)
	if err != nil {
		return Result{Outcome: OutcomeFailed, FailureReason: err.Error()}
	}

	caller := resilience.NewCaller(breaker, resilience.DefaultRetryConfig())

	req := a2a.NewProcessTaskRequest(requestID, a2a.TaskPayload{
		ID:          task.TaskID,
		Instruction: task.Description,
		Context:     threadCtx,
	})

	var resp *a2a.Response
	start := time.Now()
	c.registry.RecordCallStart(agentName)

	callErr := caller.Call(ctx, func(ctx context.Context) error {
		r, err := c.transport.PostJSON(ctx, agent.Endpoint+"/a2a", req, c.timeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	latency := time.Since(start)
	c.registry.RecordCallEnd(agentName, latency, callErr != nil)

	if callErr != nil {
		c.log.Warn("agent dispatch failed", map[string]interface{}{
			"agent": agentName, "task": task.TaskID, "error": callErr.Error(),
		})
		return Result{Outcome: OutcomeFailed, FailureReason: callErr.Error()}
	}

	return interpretResponse(resp)
}

func interpretResponse(resp *a2a.Response) Result {
	if resp.Error != nil {
		return Result{Outcome: OutcomeFailed, FailureReason: resp.Error.Error()}
	}
	if resp.Result == nil {
		return Result{Outcome: OutcomeFailed, FailureReason: orcherrors.ErrMalformedJSON.Error()}
	}

	switch resp.Result.Status {
	case a2a.StatusCompleted:
		return Result{Outcome: OutcomeCompleted, Artifacts: resp.Result.Artifacts}
	case a2a.StatusInterrupted:
		// metadata.interrupted_workflow is always present on an interrupted
		// result, so the caller can deterministically clear local workflow
		// state even if the payload itself is empty.
		data := resp.Result.Metadata.InterruptedWorkflow
		if data == nil {
			data = map[string]interface{}{}
		}
		return Result{Outcome: OutcomeInterrupted, InterruptData: data}
	default:
		reason := "agent reported failure"
		if resp.Result.Error != nil {
			reason = *resp.Result.Error
		}
		return Result{Outcome: OutcomeFailed, FailureReason: reason}
	}
}
