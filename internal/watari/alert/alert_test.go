package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestPusher_SendsToTopic(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var bodies []string
	var titles []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		titles = append(titles, r.Header.Get("Title"))
		mu.Unlock()
	}))
	defer srv.Close()

	p := NewPusher(srv.URL, "bridge-alerts")
	p.Alert(context.Background(), "reconcile-fatal", "reconciler halted")

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/bridge-alerts" {
		t.Errorf("paths = %v", paths)
	}
	if bodies[0] != "reconciler halted" {
		t.Errorf("body = %q", bodies[0])
	}
	if titles[0] != "watari: reconcile-fatal" {
		t.Errorf("title = %q", titles[0])
	}
}

func TestPusher_DedupesWithinWindow(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	p := NewPusher(srv.URL, "t")
	base := time.Now()
	p.now = func() time.Time { return base }

	p.Alert(context.Background(), "k", "first")
	p.Alert(context.Background(), "k", "suppressed")
	p.Alert(context.Background(), "other", "independent key")
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}

	// Past the window the key fires again.
	p.now = func() time.Time { return base.Add(dedupeWindow + time.Second) }
	p.Alert(context.Background(), "k", "after window")
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPusher_DeliveryFailureDoesNotPanic(t *testing.T) {
	p := NewPusher("http://127.0.0.1:1", "t")
	p.Alert(context.Background(), "k", "unreachable endpoint")
}
