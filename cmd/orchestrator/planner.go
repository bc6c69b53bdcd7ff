package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/orchestrator/internal/aiadapter"
	"github.com/agentmesh/orchestrator/internal/conversation"
	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/plan"
)

// llmPlanner asks the AI adapter's underlying model for a structured plan
// and converts its JSON shape into plan.ExecutionPlan. The model is
// instructed to emit exactly the wire shape planStructured decodes.
type llmPlanner struct {
	adapter *aiadapter.BedrockAdapter
	modelID string
}

type planStructured struct {
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
	Tasks           []struct {
		TaskID      string   `json:"task_id"`
		Description string   `json:"description"`
		Agent       string   `json:"agent"`
		DependsOn   []string `json:"depends_on"`
	} `json:"tasks"`
}

const plannerInstruction = "You are a task planner. Given a user request, a conversation summary, " +
	"and known entities, produce a JSON object with \"description\", \"success_criteria\", and \"tasks\" " +
	"(each task has task_id, description, agent one of salesforce/jira/servicenow/orchestrator, and " +
	"depends_on, an array of prior task_ids). Respond with JSON only, no prose."

func (p *llmPlanner) Plan(ctx context.Context, instruction, summary string, entities map[string][]conversation.EntityRecord) (*plan.ExecutionPlan, error) {
	prompt := plannerInstruction + "\n\nUser request:\n" + instruction
	if summary != "" {
		prompt += "\n\nConversation summary:\n" + summary
	}
	if len(entities) > 0 {
		if b, err := json.Marshal(entities); err == nil {
			prompt += "\n\nKnown entities:\n" + string(b)
		}
	}

	text, err := p.adapter.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var structured planStructured
	if err := json.Unmarshal([]byte(text), &structured); err != nil {
		return nil, fmt.Errorf("%w: %v", orcherrors.ErrMalformedJSON, err)
	}

	out := &plan.ExecutionPlan{
		Description:     structured.Description,
		SuccessCriteria: structured.SuccessCriteria,
		Tasks:           make([]*plan.Task, 0, len(structured.Tasks)),
	}
	for _, t := range structured.Tasks {
		out.Tasks = append(out.Tasks, &plan.Task{
			TaskID:      t.TaskID,
			Description: t.Description,
			Agent:       plan.AgentKind(t.Agent),
			DependsOn:   t.DependsOn,
			Status:      plan.TaskPending,
		})
	}
	return out, nil
}
