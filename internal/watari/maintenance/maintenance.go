// Package maintenance runs the bridge's background housekeeping on a cron
// schedule: sweeping expired dedupe entries and purging conversation bindings
// with no recent traffic.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ajisai/watari/internal/watari/dedupe"
	"github.com/ajisai/watari/internal/watari/store"
)

// DefaultConversationRetention is how long an idle conversation binding
// survives before it is purged and the next message starts fresh.
const DefaultConversationRetention = 30 * 24 * time.Hour

const jobTimeout = time.Minute

// Janitor owns the cron scheduler.
type Janitor struct {
	cron      *cron.Cron
	dedupe    *dedupe.Store
	store     *store.Store
	retention time.Duration
}

// New creates a janitor. A zero retention takes the default.
func New(d *dedupe.Store, s *store.Store, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultConversationRetention
	}
	return &Janitor{
		cron:      cron.New(),
		dedupe:    d,
		store:     s,
		retention: retention,
	}
}

// Start schedules the jobs and starts the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@hourly", j.sweepDedupe); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@daily", j.purgeConversations); err != nil {
		return err
	}
	j.cron.Start()
	slog.Info("maintenance jobs scheduled", "conversation_retention", j.retention)
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweepDedupe() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := j.dedupe.Sweep(ctx)
	if err != nil {
		slog.Warn("dedupe sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("swept expired dedupe entries", "count", n)
	}
}

func (j *Janitor) purgeConversations() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	n, err := j.store.PurgeStaleConversations(ctx, time.Now().Add(-j.retention))
	if err != nil {
		slog.Warn("conversation purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("purged stale conversation bindings", "count", n)
	}
}
