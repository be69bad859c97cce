package dedupe_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ajisai/watari/internal/watari/dedupe"
	"github.com/ajisai/watari/internal/watari/store"
)

func newTestDedupe(t *testing.T, ttl time.Duration) *dedupe.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "dedupe-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return dedupe.New(s.DB(), ttl)
}

func TestRecord_FirstIsNewRestAreDuplicates(t *testing.T) {
	d := newTestDedupe(t, time.Hour)
	ctx := context.Background()

	isNew, err := d.Record(ctx, "$abc:server")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !isNew {
		t.Fatal("first sighting must be new")
	}

	for i := 0; i < 3; i++ {
		isNew, err := d.Record(ctx, "$abc:server")
		if err != nil {
			t.Fatalf("Record replay %d: %v", i, err)
		}
		if isNew {
			t.Fatalf("replay %d reported new", i)
		}
	}
}

func TestRecord_DistinctEventsAreIndependent(t *testing.T) {
	d := newTestDedupe(t, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"$a:server", "$b:server", "$c:server"} {
		isNew, err := d.Record(ctx, id)
		if err != nil {
			t.Fatalf("Record %s: %v", id, err)
		}
		if !isNew {
			t.Errorf("%s reported duplicate on first sighting", id)
		}
	}
}

func TestRecord_SingleWinnerUnderConcurrency(t *testing.T) {
	d := newTestDedupe(t, time.Hour)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, err := d.Record(ctx, "$contested:server")
			if err != nil {
				t.Errorf("Record: %v", err)
				return
			}
			results <- isNew
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for isNew := range results {
		if isNew {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}

func TestRecord_ExpiredEntryIsNewAgain(t *testing.T) {
	d := newTestDedupe(t, 1*time.Millisecond)
	ctx := context.Background()

	if _, err := d.Record(ctx, "$exp:server"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// inserted_at has second granularity; wait past a full second.
	time.Sleep(1100 * time.Millisecond)

	isNew, err := d.Record(ctx, "$exp:server")
	if err != nil {
		t.Fatalf("Record after expiry: %v", err)
	}
	if !isNew {
		t.Error("expired event should be treated as new")
	}
}

func TestSweep(t *testing.T) {
	d := newTestDedupe(t, 1*time.Millisecond)
	ctx := context.Background()

	for _, id := range []string{"$1:server", "$2:server"} {
		if _, err := d.Record(ctx, id); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	time.Sleep(1100 * time.Millisecond)

	n, err := d.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d, want 2", n)
	}
}

func TestRecord_EmptyEventID(t *testing.T) {
	d := newTestDedupe(t, time.Hour)
	if _, err := d.Record(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty event id")
	}
}
