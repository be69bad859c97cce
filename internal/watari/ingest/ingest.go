// Package ingest runs the bridge bot's sync loop and decides which Matrix
// events reach the router. The filter chain is a strict total order; an
// accepted event has passed every filter in sequence, so downstream code
// never re-checks origin, age or mapping.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/common/envelope"
	"github.com/ajisai/watari/common/trace"
	"github.com/ajisai/watari/internal/watari/fault"
	"github.com/ajisai/watari/internal/watari/matrix"
	"github.com/ajisai/watari/internal/watari/store"
)

// MatrixAPI is the slice of the Matrix adapter the ingestor needs.
type MatrixAPI interface {
	Sync(ctx context.Context, since string) (*mautrix.RespSync, error)
	JoinRoomAsBot(ctx context.Context, room id.RoomID) error
	BotUserID() id.UserID
	AdminUserID() id.UserID
}

// Deduper is the event-ID seen-set.
type Deduper interface {
	Record(ctx context.Context, eventID string) (bool, error)
}

// RouteRequest is an accepted event handed to the router.
type RouteRequest struct {
	RoomID     id.RoomID
	Event      *event.Event
	AgentID    string
	SenderType envelope.SenderType
	// SourceAgent is set when SenderType is other_agent.
	SourceAgent *envelope.SourceAgent
}

// Router receives accepted events. Enqueue must not block on downstream
// processing; rejection (queue full) is the router's concern, not the
// ingestor's.
type Router interface {
	Enqueue(ctx context.Context, req RouteRequest) error
}

// Ingestor owns the long-poll loop and the filter chain.
type Ingestor struct {
	matrix MatrixAPI
	dedupe Deduper
	store  *store.Store
	router Router

	// bootTS guards against replay storms: events older than process start
	// are never routed, whatever the cursor says.
	bootTS time.Time
	now    func() time.Time
}

// New creates an ingestor. bootTS is stamped at construction.
func New(m MatrixAPI, d Deduper, s *store.Store, r Router) *Ingestor {
	return &Ingestor{
		matrix: m,
		dedupe: d,
		store:  s,
		router: r,
		bootTS: time.Now(),
		now:    time.Now,
	}
}

// Run loops sync batches until ctx is cancelled. Transient sync errors back
// off and continue; dedupe store errors are fatal and stop the loop, since a
// broken seen-set risks a response storm.
func (i *Ingestor) Run(ctx context.Context) error {
	since, err := i.store.GetSyncCursor(ctx)
	if err != nil {
		return fmt.Errorf("ingest: load cursor: %w", err)
	}
	slog.Info("sync ingestor starting", "resume", since != "")

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := i.matrix.Sync(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("sync failed, backing off", "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := i.processBatch(ctx, resp); err != nil {
			return err
		}
		since = resp.NextBatch
		if err := i.store.SetSyncCursor(ctx, since); err != nil {
			return fmt.Errorf("ingest: persist cursor: %w", err)
		}
	}
}

func (i *Ingestor) processBatch(ctx context.Context, resp *mautrix.RespSync) error {
	batchCtx := trace.WithTraceID(ctx, trace.GenerateID())

	i.handleInvites(batchCtx, resp)

	for roomID, events := range matrix.TimelineEvents(resp) {
		for _, evt := range events {
			if err := i.processEvent(batchCtx, roomID, evt); err != nil {
				if fault.IsFatal(err) {
					return err
				}
				slog.Warn("event processing failed",
					"room", roomID, "event", evt.ID, "error", err)
			}
		}
	}
	return nil
}

// processEvent applies the filter chain in order and forwards survivors.
func (i *Ingestor) processEvent(ctx context.Context, roomID id.RoomID, evt *event.Event) error {
	if evt.Type != event.EventMessage {
		return nil
	}

	// 1. Dedupe. Store failure is fatal to the whole loop.
	isNew, err := i.dedupe.Record(ctx, evt.ID.String())
	if err != nil {
		return fault.New(fault.KindFatal, "ingest.dedupe", err)
	}
	if !isNew {
		return nil
	}

	// 2. The bot's own events.
	if evt.Sender == i.matrix.BotUserID() {
		return nil
	}

	// 3. Imported history.
	if rawFlag(evt, matrix.FlagHistorical) {
		return nil
	}

	// 4. Anything the bridge itself posted.
	if rawFlag(evt, matrix.FlagBridgeOriginated) {
		return nil
	}

	// 5. Events predating this process.
	if time.UnixMilli(evt.Timestamp).Before(i.bootTS) {
		return nil
	}

	// 6 (own-agent echo) needs the room's mapping, so the unmapped-room
	// check (7) runs first. The swap never changes which events survive:
	// an unmapped room has no agent whose echo could be dropped.
	mapping, err := i.store.GetByRoom(ctx, roomID.String())
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("event in unmapped room dropped", "room", roomID, "event", evt.ID)
		return nil
	}
	if err != nil {
		return err
	}

	senderMapping, err := i.store.GetByMatrixUser(ctx, evt.Sender.String())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	targetAgent := mapping.AgentID
	// 6. The room's own agent talking in its own room is an echo, unless it
	// mentions another mapped agent, which makes it an inter-agent message
	// routed to the mentioned agent.
	if evt.Sender.String() == mapping.MatrixUserID {
		mentioned, err := i.findMentionedAgent(ctx, evt, mapping.AgentID)
		if err != nil {
			return err
		}
		if mentioned == nil {
			return nil
		}
		targetAgent = mentioned.AgentID
	}

	req := RouteRequest{
		RoomID:     roomID,
		Event:      evt,
		AgentID:    targetAgent,
		SenderType: envelope.DetectSenderType(evt.Sender.String(), senderMapping != nil),
	}
	if senderMapping != nil {
		req.SourceAgent = &envelope.SourceAgent{
			ID:   senderMapping.AgentID,
			Name: senderMapping.AgentName,
		}
	}

	if err := i.router.Enqueue(ctx, req); err != nil {
		slog.Warn("router rejected event",
			"room", roomID, "event", evt.ID, "error", err)
	}
	return nil
}

// rawFlag reads a boolean custom-content key from the event's raw content.
func rawFlag(evt *event.Event, key string) bool {
	v, ok := evt.Content.Raw[key].(bool)
	return ok && v
}

// findMentionedAgent returns the first mapped agent other than exceptAgentID
// that the event mentions, via m.mentions or an @Name / @localpart token in
// the body. Name matching ignores non-alphanumeric characters so "@MeridianV2"
// reaches the agent named "Meridian-v2".
func (i *Ingestor) findMentionedAgent(ctx context.Context, evt *event.Event, exceptAgentID string) (*store.AgentMapping, error) {
	mappings, err := i.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	content, _ := evt.Content.Parsed.(*event.MessageEventContent)
	var body string
	var mentionIDs map[string]bool
	if content != nil {
		body = content.Body
		if content.Mentions != nil {
			mentionIDs = make(map[string]bool, len(content.Mentions.UserIDs))
			for _, u := range content.Mentions.UserIDs {
				mentionIDs[u.String()] = true
			}
		}
	}

	for _, m := range mappings {
		if m.AgentID == exceptAgentID || m.MatrixUserID == "" {
			continue
		}
		if mentionIDs[m.MatrixUserID] {
			return m, nil
		}
		if mentionsByText(body, m) {
			return m, nil
		}
	}
	return nil, nil
}

// handleInvites auto-joins rooms the bot was invited to by the admin;
// invitations from anyone else are ignored.
func (i *Ingestor) handleInvites(ctx context.Context, resp *mautrix.RespSync) {
	bot := i.matrix.BotUserID()
	admin := i.matrix.AdminUserID()

	for roomID, room := range resp.Rooms.Invite {
		var inviter id.UserID
		for _, evt := range room.State.Events {
			if evt.Type == event.StateMember && evt.GetStateKey() == bot.String() {
				inviter = evt.Sender
			}
		}
		if inviter != admin {
			slog.Debug("ignoring room invitation", "room", roomID, "inviter", inviter)
			continue
		}
		if err := i.matrix.JoinRoomAsBot(ctx, roomID); err != nil {
			slog.Warn("failed to accept admin invitation", "room", roomID, "error", err)
			continue
		}
		slog.Info("joined room on admin invitation", "room", roomID)
	}
}
