package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessTaskRequestShape(t *testing.T) {
	req := NewProcessTaskRequest(1, TaskPayload{ID: "task-1", Instruction: "do the thing"})
	assert.Equal(t, JSONRPCVersion, req.JSONRPC)
	assert.Equal(t, MethodProcessTask, req.Method)
	assert.Equal(t, "task-1", req.Params.Task.ID)
}

func TestResultMetadataAlwaysPresentOnMarshal(t *testing.T) {
	result := Result{
		Status:   StatusCompleted,
		Metadata: ResultMetadata{InterruptedWorkflow: nil},
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	metadata, ok := decoded["metadata"].(map[string]interface{})
	require.True(t, ok, "metadata must be present even when interrupted_workflow is null")
	_, hasKey := metadata["interrupted_workflow"]
	assert.True(t, hasKey)
}

func TestRPCErrorImplementsError(t *testing.T) {
	var err error = &RPCError{Code: CodeInvalidParams, Message: "bad params"}
	assert.Equal(t, "bad params", err.Error())
}
