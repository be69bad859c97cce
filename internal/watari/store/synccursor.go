package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSyncCursor returns the persisted next_batch token, or "" before the
// first successful sync.
func (s *Store) GetSyncCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT next_batch FROM sync_state WHERE id = 1`).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return cursor, nil
}

// SetSyncCursor persists the next_batch token after a batch is fully
// processed, so a restart resumes instead of replaying.
func (s *Store) SetSyncCursor(ctx context.Context, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, next_batch, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			next_batch = excluded.next_batch, updated_at = excluded.updated_at
	`, cursor, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}
