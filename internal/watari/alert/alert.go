// Package alert delivers operator alerts to an external push endpoint.
//
// Alerts are keyed: repeated alerts with the same key inside the dedupe
// window are suppressed so a flapping subsystem cannot flood the operator.
// Implementations never block the caller beyond a short HTTP timeout and
// never propagate send failures.
package alert

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// dedupeWindow is how long a key suppresses repeats.
const dedupeWindow = 5 * time.Minute

// Notifier sends operator alerts. Implementations MUST dedupe by key and
// log, not propagate, send failures.
type Notifier interface {
	Alert(ctx context.Context, key, message string)
}

// Nop is used when no alert endpoint is configured.
type Nop struct{}

// Alert does nothing.
func (Nop) Alert(context.Context, string, string) {}

// Pusher posts alerts to an ntfy-style endpoint: a plain-text POST to
// <url>/<topic> with the alert key as title.
type Pusher struct {
	url   string
	topic string
	http  *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewPusher creates a push notifier for url and topic.
func NewPusher(url, topic string) *Pusher {
	return &Pusher{
		url:      strings.TrimRight(url, "/"),
		topic:    topic,
		http:     &http.Client{Timeout: 5 * time.Second},
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Alert sends the message unless the same key fired within the dedupe window.
func (p *Pusher) Alert(ctx context.Context, key, message string) {
	if !p.shouldSend(key) {
		slog.Debug("alert suppressed by dedupe window", "key", key)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.url+"/"+p.topic, strings.NewReader(message))
	if err != nil {
		slog.Warn("alert request build failed", "key", key, "error", err)
		return
	}
	req.Header.Set("Title", "watari: "+key)
	req.Header.Set("Priority", "high")

	resp, err := p.http.Do(req)
	if err != nil {
		slog.Warn("alert delivery failed", "key", key, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("alert endpoint rejected alert", "key", key, "status", resp.StatusCode)
		return
	}
	slog.Info("alert sent", "key", key)
}

func (p *Pusher) shouldSend(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if last, ok := p.lastSent[key]; ok && now.Sub(last) < dedupeWindow {
		return false
	}
	p.lastSent[key] = now
	return true
}
