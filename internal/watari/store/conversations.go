package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Conversation binding strategies. DM rooms (exactly two members) isolate
// context per user; larger rooms share one conversation per room.
const (
	StrategyPerRoom = "per-room"
	StrategyPerUser = "per-user"
)

// ConversationBinding links a (room, agent[, user]) triple to an
// agent-service conversation ID. UserMXID is empty for per-room bindings.
type ConversationBinding struct {
	RoomID         string
	AgentID        string
	UserMXID       string
	ConversationID string
	Strategy       string
	CreatedAt      time.Time
	LastMessageAt  time.Time
}

// GetConversation returns the binding for the triple, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, roomID, agentID, userMXID string) (*ConversationBinding, error) {
	b := &ConversationBinding{}
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, agent_id, user_mxid, conversation_id, strategy, created_at, last_message_at
		FROM conversation_bindings
		WHERE room_id = ? AND agent_id = ? AND user_mxid = ?
	`, roomID, agentID, userMXID).Scan(
		&b.RoomID, &b.AgentID, &b.UserMXID, &b.ConversationID,
		&b.Strategy, &b.CreatedAt, &b.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation binding: %w", err)
	}
	return b, nil
}

// SetConversation inserts or replaces the binding for its triple.
func (s *Store) SetConversation(ctx context.Context, b *ConversationBinding) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.LastMessageAt.IsZero() {
		b.LastMessageAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_bindings
			(room_id, agent_id, user_mxid, conversation_id, strategy, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, agent_id, user_mxid) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			strategy        = excluded.strategy,
			last_message_at = excluded.last_message_at
	`, b.RoomID, b.AgentID, b.UserMXID, b.ConversationID, b.Strategy, b.CreatedAt, b.LastMessageAt)
	if err != nil {
		return fmt.Errorf("failed to set conversation binding: %w", err)
	}
	return nil
}

// TouchConversation bumps last_message_at for an existing binding.
func (s *Store) TouchConversation(ctx context.Context, roomID, agentID, userMXID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_bindings SET last_message_at = ?
		WHERE room_id = ? AND agent_id = ? AND user_mxid = ?
	`, time.Now(), roomID, agentID, userMXID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation binding: %w", err)
	}
	return nil
}

// DropConversation removes the binding for the triple. Dropping a missing
// binding is not an error: a 404 from the agent service and a concurrent
// purge may race.
func (s *Store) DropConversation(ctx context.Context, roomID, agentID, userMXID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_bindings
		WHERE room_id = ? AND agent_id = ? AND user_mxid = ?
	`, roomID, agentID, userMXID)
	if err != nil {
		return fmt.Errorf("failed to drop conversation binding: %w", err)
	}
	return nil
}

// PurgeStaleConversations deletes bindings with no traffic since the cutoff
// and returns how many were removed.
func (s *Store) PurgeStaleConversations(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_bindings WHERE last_message_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale conversations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged conversations: %w", err)
	}
	return n, nil
}
