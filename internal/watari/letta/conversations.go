package letta

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/ajisai/watari/internal/watari/fault"
)

// CreateConversation opens an isolated conversation context for an agent.
// Each (room, agent) pair in the bridge gets its own conversation so context
// from one room never leaks into another.
func (c *Client) CreateConversation(ctx context.Context, agentID string, isolatedBlockLabels []string) (string, error) {
	req := struct {
		AgentID             string   `json:"agent_id"`
		IsolatedBlockLabels []string `json:"isolated_block_labels,omitempty"`
	}{
		AgentID:             agentID,
		IsolatedBlockLabels: isolatedBlockLabels,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/v1/conversations", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fault.Newf(fault.KindMalformedInput, "letta.create_conversation",
			"service returned empty conversation id for agent %s", agentID)
	}
	slog.Debug("created agent conversation", "agent", agentID, "conversation", resp.ID)
	return resp.ID, nil
}

// VerifyConversation reports whether a conversation still exists upstream.
// A NotFound fault means the binding is stale and should be dropped.
func (c *Client) VerifyConversation(ctx context.Context, conversationID string) error {
	return c.getJSON(ctx, "/v1/conversations/"+url.PathEscape(conversationID), nil)
}
