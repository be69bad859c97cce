package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ajisai/watari/internal/watari/ingest"
	"github.com/ajisai/watari/internal/watari/store"
)

// perUserIsolation names the memory blocks the agent service keeps separate
// between per-user conversations in the same room.
var perUserIsolation = []string{"human"}

// conversationFor resolves the binding a message belongs to, creating an
// upstream conversation lazily on first contact. The returned userKey is the
// binding's user dimension: the sender MXID for per-user bindings, "" for
// per-room ones.
func (r *Router) conversationFor(ctx context.Context, req ingest.RouteRequest, mapping *store.AgentMapping) (convID, userKey string, err error) {
	strategy := r.strategyFor(ctx, req)
	if strategy == store.StrategyPerUser {
		userKey = req.Event.Sender.String()
	}

	binding, err := r.store.GetConversation(ctx, req.RoomID.String(), req.AgentID, userKey)
	if err == nil {
		return binding.ConversationID, userKey, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", "", err
	}

	// Pins are advisory and come from outside; verify before trusting one.
	if pinned, ok := r.pins.take(req.RoomID.String(), req.AgentID, userKey); ok {
		if verr := r.service.VerifyConversation(ctx, pinned); verr == nil {
			slog.Info("binding to pinned conversation",
				"room", req.RoomID, "agent", req.AgentID, "conversation", pinned)
			convID = pinned
		} else {
			slog.Warn("pinned conversation failed verification, creating fresh",
				"room", req.RoomID, "agent", req.AgentID, "error", verr)
		}
	}
	if convID == "" {
		var labels []string
		if strategy == store.StrategyPerUser {
			labels = perUserIsolation
		}
		convID, err = r.service.CreateConversation(ctx, req.AgentID, labels)
		if err != nil {
			return "", "", err
		}
		slog.Info("created conversation",
			"room", req.RoomID, "agent", req.AgentID, "strategy", strategy)
	}

	err = r.store.SetConversation(ctx, &store.ConversationBinding{
		RoomID:         req.RoomID.String(),
		AgentID:        req.AgentID,
		UserMXID:       userKey,
		ConversationID: convID,
		Strategy:       strategy,
	})
	if err != nil {
		return "", "", err
	}
	return convID, userKey, nil
}

// strategyFor picks per-user isolation for DM rooms (exactly two joined
// members) and per-room sharing otherwise. A membership lookup failure falls
// back to per-room, the safer shared default.
func (r *Router) strategyFor(ctx context.Context, req ingest.RouteRequest) string {
	members, err := r.matrix.JoinedMembers(ctx, req.RoomID)
	if err != nil {
		slog.Warn("failed to count room members, assuming shared room",
			"room", req.RoomID, "error", err)
		return store.StrategyPerRoom
	}
	if len(members) == 2 {
		return store.StrategyPerUser
	}
	return store.StrategyPerRoom
}
