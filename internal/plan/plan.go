// Package plan defines the Task/ExecutionPlan data model and the DAG
// validation the Planner node applies before accepting a plan: every
// depends_on must reference an existing task id and the graph must be
// acyclic.
package plan

import (
	"fmt"
	"time"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
)

// AgentKind is the tagged variant of remote agent a task may be routed to.
// Unknown kinds are rejected by Validate, not at dispatch time.
type AgentKind string

const (
	AgentSalesforce   AgentKind = "salesforce"
	AgentJira         AgentKind = "jira"
	AgentServiceNow   AgentKind = "servicenow"
	AgentOrchestrator AgentKind = "orchestrator"
)

func (k AgentKind) valid() bool {
	switch k {
	case AgentSalesforce, AgentJira, AgentServiceNow, AgentOrchestrator:
		return true
	}
	return false
}

// TaskStatus is a task's lifecycle state. Completed, Failed, and Skipped
// are terminal: a task never transitions out of a terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Task is one plan step. Result is written exactly once, on the
// transition into a terminal state.
type Task struct {
	TaskID      string                 `json:"task_id"`
	Description string                 `json:"description"`
	Agent       AgentKind              `json:"agent"`
	DependsOn   []string               `json:"depends_on"`
	Status      TaskStatus             `json:"status"`
	Result      interface{}            `json:"result,omitempty"`
	Attempts    int                    `json:"attempts"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionPlan is the validated DAG of tasks produced by the Planner.
type ExecutionPlan struct {
	Description     string    `json:"description"`
	OriginalRequest string    `json:"original_request"`
	SuccessCriteria string    `json:"success_criteria"`
	CreatedAt       time.Time `json:"created_at"`
	Tasks           []*Task   `json:"tasks"`
	Summary         string    `json:"summary,omitempty"`
}

// TaskByID returns the task with the given id, or nil.
func (p *ExecutionPlan) TaskByID(id string) *Task {
	for _, t := range p.Tasks {
		if t.TaskID == id {
			return t
		}
	}
	return nil
}

// Validate checks the DAG invariant: every depends_on references an
// existing task id, every agent kind is recognized, and the dependency
// graph is acyclic. Called once, at plan-acceptance time — not re-checked
// on every task transition.
func (p *ExecutionPlan) Validate() error {
	ids := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if ids[t.TaskID] {
			return fmt.Errorf("%w: duplicate task id %q", orcherrors.ErrPlanCyclic, t.TaskID)
		}
		ids[t.TaskID] = true
		if !t.Agent.valid() {
			return fmt.Errorf("%w: %q", orcherrors.ErrUnknownAgentKind, t.Agent)
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: task %q depends on unknown id %q", orcherrors.ErrUnknownDependency, t.TaskID, dep)
			}
		}
	}
	return detectCycle(p.Tasks)
}

func detectCycle(tasks []*Task) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("%w: cycle through %q", orcherrors.ErrPlanCyclic, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.TaskID] == white {
			if err := visit(t.TaskID); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsComplete reports whether every task in the plan is in a terminal state.
func IsComplete(p *ExecutionPlan) bool {
	for _, t := range p.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// NextExecutable implements get_next_executable_task: the first task, in
// plan order, whose status is pending and whose dependencies are all
// completed or skipped. Returns nil if none is ready.
func NextExecutable(p *ExecutionPlan) *Task {
	for _, t := range p.Tasks {
		if t.Status != TaskPending {
			continue
		}
		if allDepsSatisfied(p, t) {
			return t
		}
	}
	return nil
}

func allDepsSatisfied(p *ExecutionPlan, t *Task) bool {
	for _, dep := range t.DependsOn {
		d := p.TaskByID(dep)
		if d == nil || !(d.Status == TaskCompleted || d.Status == TaskSkipped) {
			return false
		}
	}
	return true
}

// ResumeInterrupted resets the single task left in TaskExecuting (the one
// that returned interrupted on a prior turn) back to pending, so
// NextExecutable selects it again. A plan never has more than one task
// executing at a time, since the loop is strictly serial.
func ResumeInterrupted(p *ExecutionPlan) *Task {
	for _, t := range p.Tasks {
		if t.Status == TaskExecuting {
			t.Status = TaskPending
			return t
		}
	}
	return nil
}

// ResolveUnreachable marks pending tasks whose dependency chain includes a
// failed task as skipped, per the policy resolving the spec's open
// question: "a task whose dep is failed becomes skipped". Called by the
// Replan node before it decides completion.
func ResolveUnreachable(p *ExecutionPlan) {
	unreachable := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for _, t := range p.Tasks {
			if t.Status != TaskPending {
				continue
			}
			for _, dep := range t.DependsOn {
				d := p.TaskByID(dep)
				if d != nil && (d.Status == TaskFailed || unreachable[dep]) {
					t.Status = TaskSkipped
					unreachable[t.TaskID] = true
					changed = true
					break
				}
			}
		}
	}
}
