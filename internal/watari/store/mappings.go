package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AgentMapping is the durable record tying one agent to its Matrix identity
// and room. The Matrix user ID is derived from the immutable agent ID, never
// from the mutable name, so renames cannot orphan users or rooms.
type AgentMapping struct {
	AgentID        string
	AgentName      string
	MatrixUserID   string
	MatrixPassword string
	RoomID         sql.NullString
	RoomCreated    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RemovedAt      sql.NullTime
}

// MappingSummary is the password-free projection of an AgentMapping used by
// every listing reachable from the HTTP control plane.
type MappingSummary struct {
	AgentID      string    `json:"agent_id"`
	AgentName    string    `json:"agent_name"`
	MatrixUserID string    `json:"matrix_user_id"`
	RoomID       string    `json:"room_id,omitempty"`
	RoomCreated  bool      `json:"room_created"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Invitation join states recorded per (agent, invitee).
const (
	InviteStatusPending = "pending"
	InviteStatusJoined  = "joined"
	InviteStatusFailed  = "failed"
)

const mappingColumns = `agent_id, agent_name, matrix_user_id, matrix_password,
	room_id, room_created, created_at, updated_at, removed_at`

func scanMapping(row interface{ Scan(...any) error }) (*AgentMapping, error) {
	m := &AgentMapping{}
	err := row.Scan(&m.AgentID, &m.AgentName, &m.MatrixUserID, &m.MatrixPassword,
		&m.RoomID, &m.RoomCreated, &m.CreatedAt, &m.UpdatedAt, &m.RemovedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}
	return m, nil
}

// GetByAgentID retrieves the mapping for an agent, including soft-deleted rows.
func (s *Store) GetByAgentID(ctx context.Context, agentID string) (*AgentMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM agent_mappings WHERE agent_id = ?`, agentID)
	return scanMapping(row)
}

// GetByMatrixUser retrieves the mapping owning a Matrix user ID.
func (s *Store) GetByMatrixUser(ctx context.Context, mxid string) (*AgentMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM agent_mappings WHERE matrix_user_id = ?`, mxid)
	return scanMapping(row)
}

// GetByRoom retrieves the mapping owning a room ID.
func (s *Store) GetByRoom(ctx context.Context, roomID string) (*AgentMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM agent_mappings WHERE room_id = ?`, roomID)
	return scanMapping(row)
}

// ListActive returns all mappings that are not soft-deleted, oldest first.
// Ordering by created_at makes the duplicate-room tie-break deterministic:
// the first-created mapping wins.
func (s *Store) ListActive(ctx context.Context) ([]*AgentMapping, error) {
	return s.listWhere(ctx, "removed_at IS NULL")
}

// ListAll returns every mapping, soft-deleted included, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]*AgentMapping, error) {
	return s.listWhere(ctx, "1=1")
}

func (s *Store) listWhere(ctx context.Context, where string, args ...any) ([]*AgentMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM agent_mappings WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*AgentMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

// ListRemovedBefore returns soft-deleted mappings whose removed_at is older
// than t. These are the hard-delete candidates after the grace window.
func (s *Store) ListRemovedBefore(ctx context.Context, t time.Time) ([]*AgentMapping, error) {
	return s.listWhere(ctx, "removed_at IS NOT NULL AND removed_at < ?", t)
}

// ListSummaries returns the password-free projection of all active mappings.
func (s *Store) ListSummaries(ctx context.Context) ([]MappingSummary, error) {
	mappings, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]MappingSummary, 0, len(mappings))
	for _, m := range mappings {
		summaries = append(summaries, MappingSummary{
			AgentID:      m.AgentID,
			AgentName:    m.AgentName,
			MatrixUserID: m.MatrixUserID,
			RoomID:       m.RoomID.String,
			RoomCreated:  m.RoomCreated,
			CreatedAt:    m.CreatedAt,
			UpdatedAt:    m.UpdatedAt,
		})
	}
	return summaries, nil
}

// Upsert inserts the mapping or updates its mutable fields (name, room,
// room_created, removed_at). A UNIQUE violation on room_id propagates to the
// caller unchanged so reconciliation can halt on it — it is corrupted data,
// not a recoverable conflict.
func (s *Store) Upsert(ctx context.Context, m *AgentMapping) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_mappings
			(agent_id, agent_name, matrix_user_id, matrix_password,
			 room_id, room_created, created_at, updated_at, removed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_name   = excluded.agent_name,
			room_id      = excluded.room_id,
			room_created = excluded.room_created,
			updated_at   = excluded.updated_at,
			removed_at   = excluded.removed_at
	`, m.AgentID, m.AgentName, m.MatrixUserID, m.MatrixPassword,
		m.RoomID, m.RoomCreated, m.CreatedAt, m.UpdatedAt, m.RemovedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping %s: %w", m.AgentID, err)
	}
	return nil
}

// SoftDelete stamps removed_at on an active mapping. Already-removed rows
// keep their original timestamp.
func (s *Store) SoftDelete(ctx context.Context, agentID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings
		SET removed_at = ?, updated_at = ?
		WHERE agent_id = ? AND removed_at IS NULL
	`, at, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete mapping %s: %w", agentID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Undelete clears removed_at after an agent is rediscovered within the grace
// window. The rest of the row is untouched.
func (s *Store) Undelete(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_mappings
		SET removed_at = NULL, updated_at = ?
		WHERE agent_id = ? AND removed_at IS NOT NULL
	`, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to undelete mapping %s: %w", agentID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDelete removes the mapping row and, via foreign key cascade, its
// invitation records. Conversation bindings are dropped explicitly since they
// are keyed by room, not by foreign key.
func (s *Store) HardDelete(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin hard-delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_bindings WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to drop conversations for %s: %w", agentID, err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM agent_mappings WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to hard-delete mapping %s: %w", agentID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// CountProvisioning returns the number of active mappings and how many of
// them have a room. Used by the provisioning health endpoint.
func (s *Store) CountProvisioning(ctx context.Context) (total, withRoom int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN room_id IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM agent_mappings WHERE removed_at IS NULL
	`).Scan(&total, &withRoom)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return total, withRoom, nil
}

// GetInvitation returns the recorded join status for an invitee in an agent's
// room, or ErrNotFound when no attempt has been recorded yet.
func (s *Store) GetInvitation(ctx context.Context, agentID, inviteeMXID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM invitation_status
		WHERE agent_id = ? AND invitee_mxid = ?
	`, agentID, inviteeMXID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get invitation: %w", err)
	}
	return status, nil
}

// SetInvitation records the latest invite/join outcome for an invitee.
func (s *Store) SetInvitation(ctx context.Context, agentID, inviteeMXID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitation_status (agent_id, invitee_mxid, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, invitee_mxid) DO UPDATE SET
			status = excluded.status, updated_at = excluded.updated_at
	`, agentID, inviteeMXID, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set invitation: %w", err)
	}
	return nil
}

// GetSpace returns the canonical space room ID, or ErrNotFound before the
// space has been created.
func (s *Store) GetSpace(ctx context.Context) (string, error) {
	var roomID string
	err := s.db.QueryRowContext(ctx,
		`SELECT space_room_id FROM space_descriptor WHERE id = 1`).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get space descriptor: %w", err)
	}
	return roomID, nil
}

// SetSpace records the canonical space room. There is exactly one.
func (s *Store) SetSpace(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_descriptor (id, space_room_id, created_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET space_room_id = excluded.space_room_id
	`, roomID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set space descriptor: %w", err)
	}
	return nil
}
