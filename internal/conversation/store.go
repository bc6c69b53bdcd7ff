// Package conversation implements per-thread conversation state: message
// history, the active execution plan, and checkpointed persistence. Grounded
// on itsneelabh-gomind's internal/conversation/manager.go (the
// ConversationSession/mutex-per-session pattern), adapted from a chat
// session manager into a durable, Redis-backed ThreadState store with one
// writer per thread.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/orchestrator/internal/a2a"
	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/plan"
)

// ThreadState is everything persisted for one conversation thread.
type ThreadState struct {
	ThreadID              string                    `json:"thread_id"`
	Messages              []a2a.Message             `json:"messages"`
	Summary               string                    `json:"summary,omitempty"`
	Plan                  *plan.ExecutionPlan       `json:"plan,omitempty"`
	PlanHistory           []*plan.ExecutionPlan     `json:"plan_history,omitempty"`
	Entities              map[string][]EntityRecord `json:"entities,omitempty"`
	Interrupted           bool                      `json:"interrupted"`
	InterruptData         map[string]interface{}    `json:"interrupt_data,omitempty"`
	ToolCallsSinceMemory  int                       `json:"tool_calls_since_memory"`
	AgentCallsSinceMemory int                       `json:"agent_calls_since_memory"`
	UpdatedAt             time.Time                 `json:"updated_at"`
	Version               int                       `json:"version"`
}

// EntityRecord is one extracted entity, keyed by a caller-supplied natural
// key so re-extraction of the same entity overwrites rather than duplicates.
type EntityRecord struct {
	Key        string                 `json:"key"`
	Attributes map[string]interface{} `json:"attributes"`
	ExtractedAt time.Time             `json:"extracted_at"`
}

func redisKey(threadID string) string {
	return "orchestrator:thread:" + threadID
}

// Store persists ThreadState in Redis, serializing writes per thread so
// two goroutines never interleave a read-modify-write on the same thread.
type Store struct {
	client *redis.Client

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(client *redis.Client) *Store {
	return &Store{client: client, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[threadID] = l
	}
	return l
}

// Load fetches the thread's state, or a fresh empty one if it doesn't exist.
func (s *Store) Load(ctx context.Context, threadID string) (*ThreadState, error) {
	raw, err := s.client.Get(ctx, redisKey(threadID)).Bytes()
	if err == redis.Nil {
		return &ThreadState{ThreadID: threadID, Entities: make(map[string][]EntityRecord)}, nil
	}
	if err != nil {
		return nil, orcherrors.NewCallError(orcherrors.KindTransient, "conversation.load", err)
	}
	var ts ThreadState
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, orcherrors.NewCallError(orcherrors.KindProtocol, "conversation.decode", err)
	}
	if ts.Entities == nil {
		ts.Entities = make(map[string][]EntityRecord)
	}
	return &ts, nil
}

// Save writes the thread's state atomically, bumping its version. Callers
// must hold the thread lock (run Save inside WithThreadLock) for the whole
// load-mutate-save sequence to avoid racing another writer on the thread.
func (s *Store) Save(ctx context.Context, ts *ThreadState) error {
	ts.UpdatedAt = time.Now()
	ts.Version++
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal thread state: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(ts.ThreadID), data, 0).Err(); err != nil {
		return orcherrors.NewCallError(orcherrors.KindTransient, "conversation.save", err)
	}
	return nil
}

// WithThreadLock runs fn while holding the thread's single-writer lock. All
// mutation of a ThreadState (append message, set plan, record result) must
// go through this to enforce one writer per thread at a time.
func (s *Store) WithThreadLock(threadID string, fn func() error) error {
	l := s.lockFor(threadID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// AppendMessage loads, appends, and saves a message under the thread lock.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg a2a.Message) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		ts.Messages = append(ts.Messages, msg)
		return s.Save(ctx, ts)
	})
}

// SetPlan checkpoints the thread's active plan in place (task status
// transitions, resolved-unreachable updates, the final summary). It does
// not touch plan_history or interruption fields — use StartNewPlan when
// the Planner node produces a brand new plan.
func (s *Store) SetPlan(ctx context.Context, threadID string, p *plan.ExecutionPlan) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		ts.Plan = p
		return s.Save(ctx, ts)
	})
}

// StartNewPlan installs a freshly planned ExecutionPlan, archiving any
// prior plan to plan_history and clearing interruption fields, per the
// Planner node's entry actions.
func (s *Store) StartNewPlan(ctx context.Context, threadID string, p *plan.ExecutionPlan) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		if ts.Plan != nil {
			ts.PlanHistory = append(ts.PlanHistory, ts.Plan)
		}
		ts.Plan = p
		ts.Interrupted = false
		ts.InterruptData = nil
		return s.Save(ctx, ts)
	})
}

// SetInterrupted records that the active task returned an interrupted
// outcome (or clears that flag once the resumed task completes).
func (s *Store) SetInterrupted(ctx context.Context, threadID string, interrupted bool, data map[string]interface{}) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		ts.Interrupted = interrupted
		ts.InterruptData = data
		return s.Save(ctx, ts)
	})
}

// RecordAgentCall increments the per-thread tool/agent call counters that
// drive the Extractor's activation threshold.
func (s *Store) RecordAgentCall(ctx context.Context, threadID string) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		ts.ToolCallsSinceMemory++
		ts.AgentCallsSinceMemory++
		return s.Save(ctx, ts)
	})
}

// ResetMemoryCounters zeroes the call counters after a successful
// extraction pass.
func (s *Store) ResetMemoryCounters(ctx context.Context, threadID string) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		ts.ToolCallsSinceMemory = 0
		ts.AgentCallsSinceMemory = 0
		return s.Save(ctx, ts)
	})
}

// RecordTaskResult updates one task's status and result within the thread's
// active plan and checkpoints it, so a crash mid-execution resumes with
// exactly the tasks already completed still marked completed.
func (s *Store) RecordTaskResult(ctx context.Context, threadID, taskID string, status plan.TaskStatus, result interface{}) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		if ts.Plan == nil {
			return orcherrors.ErrThreadNotFound
		}
		t := ts.Plan.TaskByID(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", orcherrors.ErrUnknownDependency, taskID)
		}
		t.Status = status
		t.Result = result
		return s.Save(ctx, ts)
	})
}

// SetSummary replaces the thread's rolling summary and message list, as
// produced by the background summarization pass once the message history
// crosses its threshold.
func (s *Store) SetSummary(ctx context.Context, threadID, summary string, keepTail []a2a.Message) error {
	return s.WithThreadLock(threadID, func() error {
		ts, err := s.Load(ctx, threadID)
		if err != nil {
			return err
		}
		ts.Summary = summary
		ts.Messages = keepTail
		return s.Save(ctx, ts)
	})
}
