// Package aiadapter defines the Summarizer and Extractor ports the
// orchestrator's Summary node and background entity-extraction task
// depend on, plus a concrete AWS Bedrock-backed implementation. Grounded
// on itsneelabh-gomind's ai/interfaces.go (the AIClient/GenerateResponse
// contract) and ai/providers/bedrock/client.go (request/response shaping
// for the Bedrock Converse API), neither of which shipped in this tree —
// the provider-specific clients were out of scope for an orchestrator
// that only needs a narrow summarize/extract port, not a general chat
// client.
package aiadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentmesh/orchestrator/internal/a2a"
	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
	"github.com/agentmesh/orchestrator/internal/logger"
)

// SummaryResult is the Summary node's output: a rolling summary plus the
// tail of recent messages kept verbatim alongside it.
type SummaryResult struct {
	Summary     string        `json:"summary"`
	PreserveTail []a2a.Message `json:"preserve_tail"`
}

// ExtractionResult maps entity type to the records found for it in a batch
// of messages.
type ExtractionResult map[string][]map[string]interface{}

// Summarizer condenses a message history, optionally building on a prior
// summary, into a new rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []a2a.Message, priorSummary string) (SummaryResult, error)
}

// Extractor pulls structured entities out of a message batch.
type Extractor interface {
	ExtractEntities(ctx context.Context, messages []a2a.Message) (ExtractionResult, error)
}

// BedrockAdapter implements both Summarizer and Extractor over a Bedrock
// Converse-API model. Both operations are best-effort background tasks:
// callers are expected to bound them with a short timeout and log rather
// than fail the calling plan step on error.
type BedrockAdapter struct {
	client  *bedrockruntime.Client
	modelID string
	log     logger.Logger
}

func NewBedrockAdapter(client *bedrockruntime.Client, modelID string, log logger.Logger) *BedrockAdapter {
	return &BedrockAdapter{client: client, modelID: modelID, log: log}
}

const summarizeInstruction = "Summarize the conversation below in under 200 words. " +
	"If a prior summary is given, fold it in rather than starting over. " +
	"Respond with plain text only."

func (b *BedrockAdapter) Summarize(ctx context.Context, messages []a2a.Message, priorSummary string) (SummaryResult, error) {
	prompt := summarizeInstruction
	if priorSummary != "" {
		prompt += "\n\nPrior summary:\n" + priorSummary
	}
	prompt += "\n\nConversation:\n" + renderTranscript(messages)

	text, err := b.converse(ctx, prompt)
	if err != nil {
		return SummaryResult{}, err
	}

	tail := messages
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	return SummaryResult{Summary: text, PreserveTail: tail}, nil
}

const extractInstruction = "Extract named entities from the conversation below as a JSON object " +
	"mapping entity_type to an array of objects, each with a \"key\" field holding a stable " +
	"natural identifier for the entity. Respond with JSON only, no prose."

func (b *BedrockAdapter) ExtractEntities(ctx context.Context, messages []a2a.Message) (ExtractionResult, error) {
	prompt := extractInstruction + "\n\nConversation:\n" + renderTranscript(messages)

	text, err := b.converse(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var result ExtractionResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, orcherrors.NewCallError(orcherrors.KindProtocol, "aiadapter.extract.decode", err)
	}
	return result, nil
}

// Generate runs an arbitrary prompt through the model and returns its raw
// text response. Used by the planner, which needs a structured-JSON
// completion that doesn't fit the Summarizer/Extractor shapes.
func (b *BedrockAdapter) Generate(ctx context.Context, prompt string) (string, error) {
	return b.converse(ctx, prompt)
}

func (b *BedrockAdapter) converse(ctx context.Context, prompt string) (string, error) {
	out, err := b.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		Messages: []types.Message{
			{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
			},
		},
	})
	if err != nil {
		b.log.Warn("bedrock converse failed", map[string]interface{}{"error": err.Error()})
		return "", orcherrors.NewCallError(orcherrors.KindTransient, "aiadapter.converse", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || len(msg.Value.Content) == 0 {
		return "", fmt.Errorf("%w: empty bedrock response", orcherrors.ErrMalformedJSON)
	}
	block, ok := msg.Value.Content[0].(*types.ContentBlockMemberText)
	if !ok {
		return "", fmt.Errorf("%w: non-text bedrock response", orcherrors.ErrMalformedJSON)
	}
	return block.Value, nil
}

func renderTranscript(messages []a2a.Message) string {
	out := ""
	for _, m := range messages {
		out += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return out
}
