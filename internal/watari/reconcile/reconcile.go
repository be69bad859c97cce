// Package reconcile runs the agent lifecycle control loop: the agent-service
// registry is the source of truth, the mapping store mirrors it, and each
// pass converges the mirror by provisioning, renaming, soft-deleting and
// eventually hard-deleting mappings.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/common/trace"
	"github.com/ajisai/watari/internal/watari/fault"
	"github.com/ajisai/watari/internal/watari/letta"
	"github.com/ajisai/watari/internal/watari/store"
)

// Defaults for the loop's timing knobs.
const (
	DefaultInterval = 60 * time.Second
	DefaultGrace    = 2 * time.Hour
)

// failureAlertThreshold is how many consecutive failed passes for one agent
// raise an alert.
const failureAlertThreshold = 3

// Registry lists the authoritative agent fleet.
type Registry interface {
	ListAgents(ctx context.Context) ([]letta.Agent, error)
}

// Provisioner completes a mapping idempotently.
type Provisioner interface {
	Provision(ctx context.Context, m *store.AgentMapping) error
}

// MatrixAPI is the slice of the Matrix adapter the reconciler needs for
// renames and teardown.
type MatrixAPI interface {
	EnsureDisplayName(ctx context.Context, userID id.UserID, password, want string) error
	SetRoomName(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, name string) error
	SetRoomTopic(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, topic string) error
	LeaveRoomAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID) error
	RemoveSpaceChild(ctx context.Context, space, room id.RoomID) error
}

// Alerter receives operator alerts. Implementations dedupe by key.
type Alerter interface {
	Alert(ctx context.Context, key, message string)
}

// Namer maps an agent name to the room name and topic. Split out so the
// provisioner and reconciler cannot drift.
type Namer interface {
	RoomName(agentName string) string
	RoomTopic(agentName string) string
}

// Config holds reconciler settings.
type Config struct {
	Interval time.Duration
	Grace    time.Duration
	// DisabledAgentIDs are skipped entirely: never provisioned, never
	// soft-deleted.
	DisabledAgentIDs map[string]bool
}

// Reconciler owns the serialized reconcile loop.
type Reconciler struct {
	cfg         Config
	registry    Registry
	store       *store.Store
	provisioner Provisioner
	matrix      MatrixAPI
	alerter     Alerter
	namer       Namer

	// trigger coalesces webhook-driven runs; at most one is pending.
	trigger chan struct{}
	// failures counts consecutive failed passes per agent.
	failures map[string]int
	now      func() time.Time
}

// New creates a reconciler. Zero durations take defaults.
func New(cfg Config, registry Registry, s *store.Store, p Provisioner, m MatrixAPI, a Alerter, n Namer) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Reconciler{
		cfg:         cfg,
		registry:    registry,
		store:       s,
		provisioner: p,
		matrix:      m,
		alerter:     a,
		namer:       n,
		trigger:     make(chan struct{}, 1),
		failures:    make(map[string]int),
		now:         time.Now,
	}
}

// Trigger requests an immediate pass. Non-blocking; triggers arriving while
// a pass is queued coalesce into one.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx is cancelled or a data-integrity fault halts
// the subsystem. Passes are strictly serialized.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			if fault.IsFatal(err) {
				r.alerter.Alert(ctx, "reconcile-fatal",
					"reconciler halted on data integrity error")
				slog.Error("reconciler halted", "error", err)
				return err
			}
			slog.Error("reconcile pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}
	}
}

// RunOnce performs a single reconcile pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	started := r.now()

	agents, err := r.registry.ListAgents(ctx)
	if err != nil {
		// Without a full listing nothing may be soft-deleted: a partial view
		// is indistinguishable from vanished agents.
		r.alerter.Alert(ctx, "registry-unreachable", "agent registry listing failed")
		return fmt.Errorf("reconcile: list agents: %w", err)
	}

	mappings, err := r.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load mappings: %w", err)
	}
	if err := r.checkRoomIntegrity(ctx, mappings); err != nil {
		return err
	}

	byID := make(map[string]*store.AgentMapping, len(mappings))
	for _, m := range mappings {
		byID[m.AgentID] = m
	}
	inRegistry := make(map[string]letta.Agent, len(agents))
	for _, a := range agents {
		if !r.cfg.DisabledAgentIDs[a.ID] {
			inRegistry[a.ID] = a
		}
	}

	var counters struct {
		provisioned, renamed, undeleted, softDeleted, hardDeleted, failed int
	}

	for _, a := range inRegistry {
		m, known := byID[a.ID]
		if !known {
			m = &store.AgentMapping{AgentID: a.ID, AgentName: a.Name}
		}
		if known && m.RemovedAt.Valid {
			if err := r.store.Undelete(ctx, a.ID); err != nil {
				r.recordFailure(ctx, a.ID, err)
				counters.failed++
				continue
			}
			m.RemovedAt = sql.NullTime{}
			counters.undeleted++
		}
		if known && m.AgentName != a.Name {
			if err := r.rename(ctx, m, a.Name); err != nil {
				r.recordFailure(ctx, a.ID, err)
				counters.failed++
				continue
			}
			counters.renamed++
		}

		fullyProvisioned := m.MatrixUserID != "" && m.RoomID.Valid
		if err := r.provisioner.Provision(ctx, m); err != nil {
			if fault.IsFatal(err) || store.IsUniqueViolation(err, "room_id") {
				return fault.New(fault.KindFatal, "reconcile.provision", err)
			}
			r.recordFailure(ctx, a.ID, err)
			counters.failed++
			continue
		}
		if !fullyProvisioned {
			counters.provisioned++
		}
		delete(r.failures, a.ID)
	}

	for _, m := range mappings {
		if _, present := inRegistry[m.AgentID]; present || r.cfg.DisabledAgentIDs[m.AgentID] {
			continue
		}
		switch {
		case !m.RemovedAt.Valid:
			if err := r.store.SoftDelete(ctx, m.AgentID, r.now()); err != nil {
				r.recordFailure(ctx, m.AgentID, err)
				counters.failed++
				continue
			}
			slog.Info("agent vanished from registry, soft-deleted",
				"agent", m.AgentID, "trace", trace.FromContext(ctx))
			counters.softDeleted++
		case r.now().Sub(m.RemovedAt.Time) > r.cfg.Grace:
			if err := r.hardDelete(ctx, m); err != nil {
				r.recordFailure(ctx, m.AgentID, err)
				counters.failed++
				continue
			}
			counters.hardDeleted++
		}
	}

	slog.Info("reconcile pass complete",
		"agents", len(inRegistry),
		"provisioned", counters.provisioned,
		"renamed", counters.renamed,
		"undeleted", counters.undeleted,
		"soft_deleted", counters.softDeleted,
		"hard_deleted", counters.hardDeleted,
		"failed", counters.failed,
		"elapsed", r.now().Sub(started).Round(time.Millisecond),
		"trace", trace.FromContext(ctx))
	return nil
}

// checkRoomIntegrity halts the loop when two mappings claim one room. The
// first-created mapping is the legitimate owner; the collision is corrupted
// data that an operator must resolve, never auto-repaired.
func (r *Reconciler) checkRoomIntegrity(ctx context.Context, mappings []*store.AgentMapping) error {
	owners := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if !m.RoomID.Valid {
			continue
		}
		if first, dup := owners[m.RoomID.String]; dup {
			slog.Error("two mappings share one room",
				"room", m.RoomID.String, "owner", first, "duplicate", m.AgentID)
			return fault.Newf(fault.KindFatal, "reconcile.integrity",
				"room %s claimed by both %s and %s", m.RoomID.String, first, m.AgentID)
		}
		owners[m.RoomID.String] = m.AgentID
	}
	return nil
}

// rename propagates a registry-side name change: store row, display name,
// room name, topic. The Matrix user ID and room ID never change.
func (r *Reconciler) rename(ctx context.Context, m *store.AgentMapping, newName string) error {
	old := m.AgentName
	m.AgentName = newName
	if err := r.store.Upsert(ctx, m); err != nil {
		return err
	}

	agentUser := id.UserID(m.MatrixUserID)
	if m.MatrixUserID != "" {
		if err := r.matrix.EnsureDisplayName(ctx, agentUser, m.MatrixPassword, newName); err != nil {
			return err
		}
	}
	if m.RoomID.Valid {
		roomID := id.RoomID(m.RoomID.String)
		if err := r.matrix.SetRoomName(ctx, agentUser, m.MatrixPassword, roomID, r.namer.RoomName(newName)); err != nil {
			return err
		}
		if err := r.matrix.SetRoomTopic(ctx, agentUser, m.MatrixPassword, roomID, r.namer.RoomTopic(newName)); err != nil {
			return err
		}
	}
	slog.Info("agent renamed", "agent", m.AgentID, "from", old, "to", newName)
	return nil
}

// hardDelete tears down an expired mapping: the agent leaves its room, the
// space link is removed, and the row (with its conversations) is deleted.
func (r *Reconciler) hardDelete(ctx context.Context, m *store.AgentMapping) error {
	if m.RoomID.Valid {
		roomID := id.RoomID(m.RoomID.String)
		agentUser := id.UserID(m.MatrixUserID)

		if spaceID, err := r.store.GetSpace(ctx); err == nil {
			if err := r.matrix.RemoveSpaceChild(ctx, id.RoomID(spaceID), roomID); err != nil {
				return err
			}
		}
		if err := r.matrix.LeaveRoomAsUser(ctx, agentUser, m.MatrixPassword, roomID); err != nil {
			if fault.KindOf(err) != fault.KindNotFound {
				return err
			}
		}
	}
	if err := r.store.HardDelete(ctx, m.AgentID); err != nil {
		return err
	}
	slog.Info("agent hard-deleted after grace window",
		"agent", m.AgentID, "removed_at", m.RemovedAt.Time)
	return nil
}

func (r *Reconciler) recordFailure(ctx context.Context, agentID string, err error) {
	r.failures[agentID]++
	slog.Warn("reconcile failed for agent",
		"agent", agentID, "consecutive", r.failures[agentID], "error", err)
	if r.failures[agentID] == failureAlertThreshold {
		r.alerter.Alert(ctx, "reconcile-agent-"+agentID,
			fmt.Sprintf("agent %s failed %d consecutive reconcile passes", agentID, failureAlertThreshold))
	}
}
