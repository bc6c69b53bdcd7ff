package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentmesh/orchestrator/internal/logger"
	"github.com/agentmesh/orchestrator/internal/orchestrator"
	"github.com/agentmesh/orchestrator/internal/telemetry"
)

type messageRequest struct {
	Message string `json:"message"`
}

type messageResponse struct {
	Events []orchestrator.Event `json:"events"`
}

// newThreadHandler serves POST /threads/{thread_id}/messages: it runs one
// turn of the plan-and-execute loop and returns every event emitted during
// that turn. A production surface would stream these over SSE/websocket;
// batching them into one response keeps this entrypoint's transport
// concerns out of the orchestrator itself.
func newThreadHandler(orch *orchestrator.Orchestrator, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		threadID := extractThreadID(r.URL.Path)
		if threadID == "" {
			http.Error(w, "missing thread id", http.StatusBadRequest)
			return
		}

		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		ctx := telemetry.WithThreadID(r.Context(), threadID)
		ctx = telemetry.WithRequestID(ctx, "")

		var events []orchestrator.Event
		err := orch.HandleMessage(ctx, threadID, req.Message, func(e orchestrator.Event) {
			events = append(events, e)
		})
		if err != nil {
			log.Error("handle message failed", map[string]interface{}{"thread_id": threadID, "error": err.Error()})
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse{Events: events})
	}
}

func extractThreadID(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/threads/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
