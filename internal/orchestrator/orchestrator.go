// Package orchestrator implements the plan-and-execute state machine:
// Planner, Agent, Replan, and Summary nodes wired around a per-thread
// execution loop, plus the façade that runs a thread from an incoming
// message to a final response. Grounded on itsneelabh-gomind's
// pkg/orchestration/executor.go (the per-step timeout/retry/dependency-group
// loop) and pkg/orchestration/synthesizer.go (the results-to-response
// synthesis step), generalized from a parallel DAG executor into the
// spec's serial, interruptible, single-task-selection loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/internal/a2a"
	"github.com/agentmesh/orchestrator/internal/agentclient"
	"github.com/agentmesh/orchestrator/internal/aiadapter"
	"github.com/agentmesh/orchestrator/internal/conversation"
	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/logger"
	"github.com/agentmesh/orchestrator/internal/memory"
	"github.com/agentmesh/orchestrator/internal/plan"
	"github.com/agentmesh/orchestrator/internal/registry"
	"github.com/agentmesh/orchestrator/internal/telemetry"
)

// Event is emitted as the orchestrator progresses a thread, for streaming
// to whatever surfaced the original request.
type Event struct {
	ThreadID string                 `json:"thread_id"`
	Kind     string                 `json:"kind"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

const (
	EventMessageAppended = "message_appended"
	EventTaskStarted     = "task_started"
	EventTaskCompleted    = "task_completed"
	EventPlanCompleted    = "plan_completed"
	EventInterrupted      = "interrupted"
	EventError            = "error"
)

// Planner turns a user instruction into a validated ExecutionPlan. A real
// deployment backs this with an LLM call (see aiadapter) that returns a
// structured plan. runPlanner runs Validate on the returned plan before
// accepting it.
type Planner interface {
	Plan(ctx context.Context, instruction string, summary string, entities map[string][]conversation.EntityRecord) (*plan.ExecutionPlan, error)
}

// Config tunes the orchestrator's thresholds.
type Config struct {
	MaxTaskAttempts      int
	TaskTimeout          time.Duration
	SummaryMsgThreshold  int
	MemoryToolThreshold  int
}

// Orchestrator wires the registry, agent client, conversation store,
// entity memory, planner, and summarizer/extractor around the
// plan-and-execute loop for one thread at a time.
type Orchestrator struct {
	log        logger.Logger
	store      *conversation.Store
	registry   *registry.Registry
	client     *agentclient.Client
	planner    Planner
	summarizer aiadapter.Summarizer
	extractor  aiadapter.Extractor
	memory     *memory.Store
	cfg        Config

	turns sync.Map // thread id -> *sync.Mutex held for a whole HandleMessage turn
}

func New(
	log logger.Logger,
	store *conversation.Store,
	reg *registry.Registry,
	client *agentclient.Client,
	planner Planner,
	summarizer aiadapter.Summarizer,
	extractor aiadapter.Extractor,
	mem *memory.Store,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		log: log, store: store, registry: reg, client: client,
		planner: planner, summarizer: summarizer, extractor: extractor,
		memory: mem, cfg: cfg,
	}
}

// HandleMessage runs one turn of the plan-and-execute loop for threadID:
// append the user message, build or resume a plan, drive it to completion
// or interruption, and emit progress events via emit. Execution for a
// single thread is always serial — a second concurrent call for the same
// threadID blocks on a per-thread turn lock until the first call returns.
func (o *Orchestrator) HandleMessage(ctx context.Context, threadID, userMessage string, emit func(Event)) error {
	if emit == nil {
		emit = func(Event) {}
	}
	turn, _ := o.turns.LoadOrStore(threadID, &sync.Mutex{})
	turn.(*sync.Mutex).Lock()
	defer turn.(*sync.Mutex).Unlock()

	if err := o.store.AppendMessage(ctx, threadID, a2a.Message{Role: "user", Content: userMessage}); err != nil {
		return err
	}
	emit(Event{ThreadID: threadID, Kind: EventMessageAppended})

	ts, err := o.store.Load(ctx, threadID)
	if err != nil {
		return err
	}

	if ts.Plan == nil || plan.IsComplete(ts.Plan) {
		p, err := o.runPlanner(ctx, threadID, userMessage, ts)
		if err != nil {
			// The thread pauses on a recoverable interrupt; no plan is written.
			data := map[string]interface{}{"type": "ERROR_RECOVERY", "recoverable": true, "error": err.Error()}
			if serr := o.store.SetInterrupted(ctx, threadID, true, data); serr != nil {
				return serr
			}
			emit(Event{ThreadID: threadID, Kind: EventInterrupted, Data: data})
			return nil
		}
		ts.Plan = p
		if err := o.store.StartNewPlan(ctx, threadID, p); err != nil {
			return err
		}
		ts.Interrupted = false
		ts.InterruptData = nil
	} else if ts.Interrupted {
		// Resumption re-enters the Agent node with the same task: the user's
		// reply (already appended above) rides along as recent-message
		// context, plus the original interrupt payload so the agent can
		// correlate its own question with this answer.
		resumed := plan.ResumeInterrupted(ts.Plan)
		if resumed != nil {
			if resumed.Metadata == nil {
				resumed.Metadata = map[string]interface{}{}
			}
			resumed.Metadata["resume_interrupt_data"] = ts.InterruptData
		}
		if err := o.store.SetInterrupted(ctx, threadID, false, nil); err != nil {
			return err
		}
		ts.Interrupted = false
		ts.InterruptData = nil
		if err := o.store.SetPlan(ctx, threadID, ts.Plan); err != nil {
			return err
		}
	}

	for {
		if plan.IsComplete(ts.Plan) {
			break
		}

		task := plan.NextExecutable(ts.Plan)
		if task == nil {
			// No task is ready but the plan isn't complete: every remaining
			// task is blocked on a failed dependency. Resolve those to
			// skipped so the loop can terminate instead of spinning.
			plan.ResolveUnreachable(ts.Plan)
			if err := o.store.SetPlan(ctx, threadID, ts.Plan); err != nil {
				return err
			}
			continue
		}

		task.Status = plan.TaskExecuting
		emit(Event{ThreadID: threadID, Kind: EventTaskStarted, Data: map[string]interface{}{"task_id": task.TaskID}})

		taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
		result := o.client.Dispatch(taskCtx, string(task.Agent), task, o.buildTaskContext(ts, task), time.Now().UnixNano())
		cancel()

		if err := o.store.RecordAgentCall(ctx, threadID); err != nil {
			o.log.Warn("recording agent call failed", map[string]interface{}{"thread": threadID, "error": err.Error()})
		} else {
			ts.ToolCallsSinceMemory++
			ts.AgentCallsSinceMemory++
		}

		switch result.Outcome {
		case agentclient.OutcomeCompleted:
			delete(task.Metadata, "resume_interrupt_data")
			task.Status = plan.TaskCompleted
			task.Result = result.Artifacts
			if err := o.store.RecordTaskResult(ctx, threadID, task.TaskID, plan.TaskCompleted, result.Artifacts); err != nil {
				return err
			}
			emit(Event{ThreadID: threadID, Kind: EventTaskCompleted, Data: map[string]interface{}{"task_id": task.TaskID}})

		case agentclient.OutcomeInterrupted:
			task.Status = plan.TaskExecuting
			if err := o.store.RecordTaskResult(ctx, threadID, task.TaskID, plan.TaskExecuting, nil); err != nil {
				return err
			}
			if err := o.store.SetInterrupted(ctx, threadID, true, result.InterruptData); err != nil {
				return err
			}
			emit(Event{ThreadID: threadID, Kind: EventInterrupted, Data: result.InterruptData})
			return nil

		case agentclient.OutcomeFailed:
			delete(task.Metadata, "resume_interrupt_data")
			task.Attempts++
			if task.Attempts >= o.cfg.MaxTaskAttempts {
				task.Status = plan.TaskFailed
				if err := o.store.RecordTaskResult(ctx, threadID, task.TaskID, plan.TaskFailed, result.FailureReason); err != nil {
					return err
				}
			} else {
				task.Status = plan.TaskPending
			}
		}

		o.maybeSummarize(ctx, threadID, ts)
		o.maybeExtract(ctx, threadID, ts)
	}

	summary, err := o.runSummaryNode(ctx, ts)
	if err != nil {
		return err
	}
	ts.Plan.Summary = summary
	if err := o.store.SetPlan(ctx, threadID, ts.Plan); err != nil {
		return err
	}
	if err := o.store.AppendMessage(ctx, threadID, a2a.Message{Role: "assistant", Content: summary}); err != nil {
		return err
	}
	emit(Event{ThreadID: threadID, Kind: EventPlanCompleted, Data: map[string]interface{}{"summary": summary}})
	return nil
}

func (o *Orchestrator) buildTaskContext(ts *conversation.ThreadState, task *plan.Task) a2a.TaskContext {
	taskCtx := a2a.TaskContext{
		SessionID:           ts.ThreadID,
		ConversationSummary: ts.Summary,
		RecentMessages:      ts.Messages,
	}
	if resumeData, ok := task.Metadata["resume_interrupt_data"]; ok {
		taskCtx.TaskContext = map[string]interface{}{"resume_interrupt_data": resumeData}
	}
	return taskCtx
}

// runPlanner invokes the Planner and validates its output before accepting
// it as the thread's active plan. A planning failure is reported as a
// recoverable interrupt rather than a hard error, per the orchestrator's
// error-recovery classification.
func (o *Orchestrator) runPlanner(ctx context.Context, threadID, instruction string, ts *conversation.ThreadState) (*plan.ExecutionPlan, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.plan")
	defer span.End()

	p, err := o.planner.Plan(ctx, instruction, ts.Summary, ts.Entities)
	if err != nil {
		return nil, orcherrors.NewCallError(orcherrors.KindPlanner, "orchestrator.plan", err)
	}
	for i, t := range p.Tasks {
		if t.TaskID == "" {
			t.TaskID = fmt.Sprintf("task-%d", i+1)
		}
		if t.Status == "" {
			t.Status = plan.TaskPending
		}
	}
	p.CreatedAt = time.Now()
	p.OriginalRequest = instruction
	if err := p.Validate(); err != nil {
		return nil, orcherrors.NewCallError(orcherrors.KindValidation, "orchestrator.plan.validate", err)
	}
	return p, nil
}

// runSummaryNode produces the final response: a single-task plan's lone
// artifact is surfaced directly, multi-task plans are synthesized through
// the summarizer over every task's result.
func (o *Orchestrator) runSummaryNode(ctx context.Context, ts *conversation.ThreadState) (string, error) {
	if len(ts.Plan.Tasks) == 1 {
		return resultText(ts.Plan.Tasks[0].Result), nil
	}

	input := []a2a.Message{
		{Role: "user", Content: ts.Plan.OriginalRequest},
		{Role: "system", Content: "Plan: " + ts.Plan.Description},
		{Role: "assistant", Content: describePlanResults(ts.Plan)},
	}
	sum, err := o.summarizer.Summarize(ctx, input, ts.Summary)
	if err != nil {
		o.log.Warn("summary node fallback", map[string]interface{}{"thread": ts.ThreadID, "error": err.Error()})
		return describePlanResults(ts.Plan), nil
	}
	return sum.Summary, nil
}

func describePlanResults(p *plan.ExecutionPlan) string {
	out := ""
	for _, t := range p.Tasks {
		out += fmt.Sprintf("%s: %s -> %s\n", t.TaskID, t.Status, resultText(t.Result))
	}
	return out
}

// resultText renders a task result for a summary: artifacts as JSON,
// anything else with %v.
func resultText(v interface{}) string {
	if arts, ok := v.([]a2a.Artifact); ok {
		if b, err := json.Marshal(arts); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}

// maybeSummarize runs the background summarization task once the message
// count crosses the configured threshold. Failure is logged only — a
// stale summary never blocks plan execution.
func (o *Orchestrator) maybeSummarize(ctx context.Context, threadID string, ts *conversation.ThreadState) {
	if len(ts.Messages) <= o.cfg.SummaryMsgThreshold {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := o.summarizer.Summarize(sctx, ts.Messages, ts.Summary)
	if err != nil {
		o.log.Warn("background summarize failed", map[string]interface{}{"thread": threadID, "error": err.Error()})
		return
	}
	if err := o.store.SetSummary(ctx, threadID, result.Summary, result.PreserveTail); err != nil {
		o.log.Warn("persisting summary failed", map[string]interface{}{"thread": threadID, "error": err.Error()})
		return
	}
	ts.Summary = result.Summary
	ts.Messages = result.PreserveTail
}

// maybeExtract runs the background entity-extraction task once the
// thread's tool_calls_since_memory counter reaches the configured
// threshold. Same best-effort semantics as maybeSummarize.
func (o *Orchestrator) maybeExtract(ctx context.Context, threadID string, ts *conversation.ThreadState) {
	if ts.ToolCallsSinceMemory < o.cfg.MemoryToolThreshold {
		return
	}

	ectx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	extracted, err := o.extractor.ExtractEntities(ectx, ts.Messages)
	if err != nil {
		o.log.Warn("background extraction failed", map[string]interface{}{"thread": threadID, "error": err.Error()})
		return
	}
	for entityType, records := range extracted {
		recs := make([]conversation.EntityRecord, 0, len(records))
		for _, r := range records {
			key, _ := r["key"].(string)
			if key == "" {
				key = uuid.NewString()
			}
			recs = append(recs, conversation.EntityRecord{Key: key, Attributes: r, ExtractedAt: time.Now()})
		}
		o.memory.Merge(ts.Entities, entityType, recs)
	}
	ts.ToolCallsSinceMemory = 0
	ts.AgentCallsSinceMemory = 0
	if err := o.store.WithThreadLock(threadID, func() error { return o.store.Save(ctx, ts) }); err != nil {
		o.log.Warn("persisting entities failed", map[string]interface{}{"thread": threadID, "error": err.Error()})
	}
}
