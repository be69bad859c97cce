package router

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/internal/watari/stream"
)

// PostAgentResponse delivers a webhook-pushed response into the agent's room
// under the agent's identity. roomID overrides the mapped room when set;
// replyTo threads the response under an existing event.
func (r *Router) PostAgentResponse(ctx context.Context, agentID, roomID, replyTo, text string) error {
	mapping, err := r.store.GetByAgentID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("router: mapping for %s: %w", agentID, err)
	}
	if roomID == "" {
		if !mapping.RoomID.Valid || mapping.RoomID.String == "" {
			return fmt.Errorf("router: agent %s has no room", agentID)
		}
		roomID = mapping.RoomID.String
	}

	return r.streamer.PostFinal(ctx, stream.Delivery{
		RoomID:        id.RoomID(roomID),
		AgentUser:     id.UserID(mapping.MatrixUserID),
		AgentPassword: mapping.MatrixPassword,
		UserEventID:   id.EventID(replyTo),
	}, text)
}
