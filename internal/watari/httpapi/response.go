package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// agentResponseSchema validates pushed agent responses before any of the
// payload is trusted.
const agentResponseSchema = `{
	"type": "object",
	"required": ["event_id", "agent_id", "text"],
	"properties": {
		"event_id": {"type": "string", "minLength": 1},
		"agent_id": {"type": "string", "minLength": 1},
		"room_id":  {"type": "string"},
		"reply_to": {"type": "string"},
		"text":     {"type": "string", "minLength": 1}
	}
}`

var compiledResponseSchema = jsonschema.MustCompileString("agent-response.json", agentResponseSchema)

type agentResponseRequest struct {
	EventID string `json:"event_id"`
	AgentID string `json:"agent_id"`
	RoomID  string `json:"room_id"`
	ReplyTo string `json:"reply_to"`
	Text    string `json:"text"`
}

// handleAgentResponse accepts a response pushed by the agent service and
// posts it into the agent's room. Delivery is idempotent: retried webhooks
// with an already-seen event_id succeed without posting again.
func (s *Server) handleAgentResponse(w http.ResponseWriter, r *http.Request) {
	var raw interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}
	if err := compiledResponseSchema.Validate(raw); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "payload failed validation"})
		return
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}
	var req agentResponseRequest
	if err := json.Unmarshal(encoded, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	// The seen-set is shared with the sync ingestor; the prefix keeps webhook
	// IDs from ever colliding with Matrix event IDs.
	isNew, err := s.dedupe.Record(r.Context(), "webhook:"+req.EventID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	if !isNew {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already delivered"})
		return
	}

	if err := s.poster.PostAgentResponse(r.Context(), req.AgentID, req.RoomID, req.ReplyTo, req.Text); err != nil {
		slog.Error("failed to deliver webhook response",
			"agent", req.AgentID, "event", req.EventID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "delivery failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
