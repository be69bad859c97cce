// Package dedupe implements the process- and cross-process-safe seen-set for
// Matrix event IDs. The homeserver may deliver the same event in several sync
// batches (and several bridge processes may share one database file), so the
// insert must be atomic: exactly one caller observes "new", everyone else
// within the TTL observes "duplicate".
package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is how long an event ID stays in the seen-set.
const DefaultTTL = time.Hour

// Store is the event dedupe table. It shares the bridge's SQLite connection
// so its writes serialize with mapping writes (WAL + busy timeout make it
// safe across processes too).
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// New creates a dedupe store over db. TTL defaults to DefaultTTL when zero.
func New(db *sql.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Record atomically inserts eventID into the seen-set. It returns true when
// this caller is the first to see the event ("new"), false when the event is
// already recorded within the TTL ("duplicate").
//
// An expired row counts as unseen: the insert takes over the row and the
// event is treated as new again. Store errors propagate — the caller must
// treat them as fatal, because a silently dropped dedupe risks a response
// storm.
func (s *Store) Record(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("dedupe: empty event id")
	}
	now := s.now().Unix()
	cutoff := s.now().Add(-s.ttl).Unix()

	// Single statement so concurrent callers race inside SQLite, not in Go:
	// the conflict branch only steals the row when the previous sighting has
	// expired.
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO event_dedupe (event_id, inserted_at) VALUES (?, ?)
		ON CONFLICT(event_id) DO UPDATE SET inserted_at = excluded.inserted_at
		WHERE event_dedupe.inserted_at < ?
	`, eventID, now, cutoff)
	if err != nil {
		return false, fmt.Errorf("dedupe: record %s: %w", eventID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedupe: rows affected: %w", err)
	}
	return n > 0, nil
}

// Sweep removes entries older than the TTL and returns how many were evicted.
// It runs from the maintenance scheduler; callers of Record never need to
// invoke it.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).Unix()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM event_dedupe WHERE inserted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dedupe: sweep: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dedupe: sweep count: %w", err)
	}
	if n > 0 {
		slog.Debug("dedupe sweep evicted entries", "count", n)
	}
	return n, nil
}
