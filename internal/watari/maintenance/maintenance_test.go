package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ajisai/watari/internal/watari/dedupe"
	"github.com/ajisai/watari/internal/watari/store"
)

func newJanitor(t *testing.T) (*Janitor, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "maintenance-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	d := dedupe.New(s.DB(), time.Hour)
	return New(d, s, time.Hour), s
}

func TestSweepDedupe(t *testing.T) {
	j, s := newJanitor(t)

	// Seed entries well past the dedupe TTL, plus one fresh sighting.
	old := time.Now().Add(-2 * time.Hour).Unix()
	for _, id := range []string{"$a:x", "$b:x"} {
		if _, err := s.DB().Exec(
			`INSERT INTO event_dedupe (event_id, inserted_at) VALUES (?, ?)`, id, old); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := j.dedupe.Record(context.Background(), "$fresh:x"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	j.sweepDedupe()

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM event_dedupe`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("%d entries remain, want only the fresh one", count)
	}
}

func TestPurgeConversations(t *testing.T) {
	j, s := newJanitor(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, &store.AgentMapping{
		AgentID: "agent-A", AgentName: "A",
		MatrixUserID: "@agent_agent_A:example.org",
		RoomID:       sql.NullString{String: "!r:x", Valid: true},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	stale := &store.ConversationBinding{
		RoomID: "!r:x", AgentID: "agent-A",
		ConversationID: "conv-old", Strategy: store.StrategyPerRoom,
		CreatedAt:     time.Now().Add(-60 * 24 * time.Hour),
		LastMessageAt: time.Now().Add(-60 * 24 * time.Hour),
	}
	if err := s.SetConversation(ctx, stale); err != nil {
		t.Fatalf("SetConversation: %v", err)
	}

	j.purgeConversations()

	_, err := s.GetConversation(ctx, "!r:x", "agent-A", "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale binding survived: %v", err)
	}
}
