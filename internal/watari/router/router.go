// Package router owns per-(room, agent) task slots: it serializes message
// processing within a pair, queues bounded bursts FIFO, builds the context
// envelope, dispatches to the agent service and hands the response stream to
// the streamer. Different pairs run fully in parallel.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/common/envelope"
	"github.com/ajisai/watari/internal/watari/alert"
	"github.com/ajisai/watari/internal/watari/fault"
	"github.com/ajisai/watari/internal/watari/ingest"
	"github.com/ajisai/watari/internal/watari/letta"
	"github.com/ajisai/watari/internal/watari/store"
	"github.com/ajisai/watari/internal/watari/stream"
)

// Defaults for the router's knobs.
const (
	DefaultMaxQueue     = 8
	DefaultIdleTimeout  = 120 * time.Second
	DefaultTotalTimeout = 120 * time.Second
	// queueNoticeInterval throttles the "yours is queued" room notice.
	queueNoticeInterval = time.Minute
	// drainTimeout bounds how long Shutdown waits for in-flight tasks.
	drainTimeout = 10 * time.Second
)

// AgentService is the slice of the agent-service adapter the router needs.
type AgentService interface {
	CreateConversation(ctx context.Context, agentID string, isolatedBlockLabels []string) (string, error)
	VerifyConversation(ctx context.Context, conversationID string) error
	SendStreaming(ctx context.Context, agentID, conversationID, text string) (<-chan letta.StreamEvent, error)
	SendNonStreaming(ctx context.Context, agentID, conversationID, text string) (string, error)
}

// MatrixAPI is what the router needs for room notices, DM detection and
// envelope sender names.
type MatrixAPI interface {
	SendNoticeAsBot(ctx context.Context, room id.RoomID, body string) error
	JoinedMembers(ctx context.Context, room id.RoomID) ([]id.UserID, error)
	DisplayName(ctx context.Context, userID id.UserID) (string, error)
}

// Streamer delivers agent output into the room.
type Streamer interface {
	Consume(ctx context.Context, d stream.Delivery, events <-chan letta.StreamEvent) error
	PostFinal(ctx context.Context, d stream.Delivery, text string) error
	PostError(ctx context.Context, d stream.Delivery, message string)
}

// Config holds router settings.
type Config struct {
	MaxQueue     int
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
	// Streaming selects streaming submission; when false every request uses
	// the non-streaming fallback.
	Streaming bool
}

type slotKey struct {
	room  id.RoomID
	agent string
}

// task is one accepted event waiting for or undergoing processing.
type task struct {
	req      ingest.RouteRequest
	received time.Time
}

// slot serializes tasks for one (room, agent) pair.
type slot struct {
	queue      []*task
	busy       bool
	lastNotice time.Time
}

// Router implements ingest.Router.
type Router struct {
	cfg      Config
	service  AgentService
	matrix   MatrixAPI
	streamer Streamer
	store    *store.Store
	alerter  alert.Notifier
	pins     *pinTable
	names    *nameCache

	mu    sync.Mutex
	slots map[slotKey]*slot
	wg    sync.WaitGroup
	// base is the lifecycle context all tasks derive from; Shutdown cancels
	// it after the drain window.
	base     context.Context
	baseStop context.CancelFunc
	draining bool
}

// New creates a router. Zero config fields take defaults.
func New(cfg Config, service AgentService, m MatrixAPI, st Streamer, s *store.Store, a alert.Notifier) *Router {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = DefaultTotalTimeout
	}
	base, stop := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg,
		service:  service,
		matrix:   m,
		streamer: st,
		store:    s,
		alerter:  a,
		pins:     newPinTable(),
		names:    newNameCache(),
		slots:    make(map[slotKey]*slot),
		base:     base,
		baseStop: stop,
	}
}

// Enqueue accepts an event for processing. The slot starts immediately when
// free, queues FIFO when busy, and rejects visibly when the queue is full.
func (r *Router) Enqueue(ctx context.Context, req ingest.RouteRequest) error {
	key := slotKey{room: req.RoomID, agent: req.AgentID}
	t := &task{req: req, received: time.Now()}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return fmt.Errorf("router: shutting down")
	}
	s, ok := r.slots[key]
	if !ok {
		s = &slot{}
		r.slots[key] = s
	}

	if !s.busy {
		s.busy = true
		r.wg.Add(1)
		r.mu.Unlock()
		go r.drainSlot(key, t)
		return nil
	}

	if len(s.queue) >= r.cfg.MaxQueue {
		r.mu.Unlock()
		r.rejectFull(req)
		return fmt.Errorf("router: queue full for %s in %s", req.AgentID, req.RoomID)
	}
	s.queue = append(s.queue, t)
	notify := time.Since(s.lastNotice) >= queueNoticeInterval
	if notify {
		s.lastNotice = time.Now()
	}
	r.mu.Unlock()

	if notify {
		if err := r.matrix.SendNoticeAsBot(ctx, req.RoomID,
			"Still processing the previous message; yours is queued."); err != nil {
			slog.Warn("queue notice failed", "room", req.RoomID, "error", err)
		}
	}
	return nil
}

func (r *Router) rejectFull(req ingest.RouteRequest) {
	slog.Warn("slot queue full, rejecting message",
		"room", req.RoomID, "agent", req.AgentID, "event", req.Event.ID)
	if err := r.matrix.SendNoticeAsBot(context.Background(), req.RoomID,
		"Too many messages waiting for this agent; please retry in a moment."); err != nil {
		slog.Warn("rejection notice failed", "room", req.RoomID, "error", err)
	}
	r.alerter.Alert(context.Background(), "queue-full-"+req.AgentID,
		fmt.Sprintf("message queue full for agent %s in %s", req.AgentID, req.RoomID))
}

// drainSlot processes t and then everything queued behind it, strictly in
// arrival order, before releasing the slot.
func (r *Router) drainSlot(key slotKey, t *task) {
	defer r.wg.Done()
	for t != nil {
		r.processTask(t)

		r.mu.Lock()
		s := r.slots[key]
		if len(s.queue) > 0 {
			t = s.queue[0]
			s.queue = s.queue[1:]
		} else {
			delete(r.slots, key)
			t = nil
		}
		r.mu.Unlock()
	}
}

func (r *Router) processTask(t *task) {
	ctx, cancel := context.WithTimeout(r.base, r.cfg.TotalTimeout)
	defer cancel()

	if err := r.process(ctx, t.req); err != nil {
		r.reportFailure(ctx, t.req, err)
	}
}

// process runs one task end to end: binding, envelope, submission, delivery.
func (r *Router) process(ctx context.Context, req ingest.RouteRequest) error {
	mapping, err := r.store.GetByAgentID(ctx, req.AgentID)
	if err != nil {
		return fmt.Errorf("router: mapping for %s: %w", req.AgentID, err)
	}

	body := eventBody(req.Event)
	if body == "" {
		return nil
	}
	rendered, err := r.buildEnvelope(ctx, req, body)
	if err != nil {
		return fault.New(fault.KindMalformedInput, "router.envelope", err)
	}

	delivery := stream.Delivery{
		RoomID:        req.RoomID,
		AgentUser:     id.UserID(mapping.MatrixUserID),
		AgentPassword: mapping.MatrixPassword,
		UserEventID:   req.Event.ID,
		SenderMXID:    req.Event.Sender,
	}

	convID, userKey, err := r.conversationFor(ctx, req, mapping)
	if err != nil {
		return err
	}

	err = r.dispatch(ctx, req, delivery, convID, rendered)
	// A stale conversation upstream: drop the binding and retry once with a
	// fresh one.
	if fault.KindOf(err) == fault.KindNotFound {
		slog.Info("conversation vanished upstream, rebinding",
			"agent", req.AgentID, "room", req.RoomID)
		if derr := r.store.DropConversation(ctx, req.RoomID.String(), req.AgentID, userKey); derr != nil {
			return derr
		}
		convID, _, err = r.conversationFor(ctx, req, mapping)
		if err != nil {
			return err
		}
		err = r.dispatch(ctx, req, delivery, convID, rendered)
	}
	if err == nil {
		if terr := r.store.TouchConversation(ctx, req.RoomID.String(), req.AgentID, userKey); terr != nil {
			slog.Warn("failed to touch conversation", "error", terr)
		}
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, req ingest.RouteRequest, d stream.Delivery, convID, rendered string) error {
	if r.cfg.Streaming {
		events, err := r.service.SendStreaming(ctx, req.AgentID, convID, rendered)
		if err != nil {
			return err
		}
		// The idle guard cancels streamCtx when the stream stalls; the
		// cause tells a stall apart from shutdown or the total deadline.
		streamCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		err = r.streamer.Consume(streamCtx, d, withIdleTimeout(streamCtx, events, r.cfg.IdleTimeout, cancel))
		if cause := context.Cause(streamCtx); errors.Is(cause, errStreamIdle) {
			return cause
		}
		return err
	}

	text, err := r.service.SendNonStreaming(ctx, req.AgentID, convID, rendered)
	if err != nil {
		return err
	}
	return r.streamer.PostFinal(ctx, d, text)
}

// buildEnvelope renders the structured preamble plus user body.
func (r *Router) buildEnvelope(ctx context.Context, req ingest.RouteRequest, body string) (string, error) {
	trigger := envelope.TriggerUserMessage
	if req.SenderType == envelope.SenderOtherAgent {
		trigger = envelope.TriggerAgentMessage
	}
	meta := envelope.New(
		req.RoomID.String(),
		req.Event.ID.String(),
		envelope.Sender{
			UserID: req.Event.Sender.String(),
			Name:   r.displayName(ctx, req.Event.Sender),
			Type:   req.SenderType,
		},
		time.UnixMilli(req.Event.Timestamp),
		"markdown",
		trigger,
	)
	meta.SourceAgent = req.SourceAgent
	return envelope.Render(meta, body)
}

// reportFailure turns an internal error into a bounded room message and an
// alert. Errors never stop the router.
func (r *Router) reportFailure(ctx context.Context, req ingest.RouteRequest, err error) {
	// Use a fresh context: the task context is usually the thing that
	// expired.
	postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var msg string
	switch {
	case errors.Is(err, errStreamIdle):
		msg = fmt.Sprintf("Agent stopped responding; no activity for %d seconds.", int(r.cfg.IdleTimeout.Seconds()))
	case errors.Is(err, context.DeadlineExceeded):
		msg = fmt.Sprintf("Request timed out after %d seconds.", int(r.cfg.TotalTimeout.Seconds()))
	case errors.Is(err, context.Canceled):
		msg = "Bridge restarting; please resend your message."
	default:
		msg = fault.UserMessage(err, "agent service", "request failed")
	}

	slog.Error("message processing failed",
		"room", req.RoomID, "agent", req.AgentID, "event", req.Event.ID, "error", err)
	if nerr := r.matrix.SendNoticeAsBot(postCtx, req.RoomID, msg); nerr != nil {
		slog.Warn("failure notice failed", "room", req.RoomID, "error", nerr)
	}
	r.alerter.Alert(postCtx, "route-failure-"+req.AgentID,
		fmt.Sprintf("message processing failed for agent %s: %s", req.AgentID, fault.KindOf(err)))
}

// Shutdown stops accepting work, cancels in-flight tasks after the bounded
// drain window, and waits for slots to finish.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		slog.Warn("router drain window expired, cancelling in-flight tasks")
		r.baseStop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		r.baseStop()
		return ctx.Err()
	}
	r.baseStop()
	return nil
}

// eventBody extracts the plain body of a message event.
func eventBody(evt *event.Event) string {
	if content, ok := evt.Content.Parsed.(*event.MessageEventContent); ok {
		return content.Body
	}
	return ""
}

// errStreamIdle marks a stream cancelled for inactivity. It unwraps to
// context.DeadlineExceeded so generic timeout handling still applies.
var errStreamIdle = fmt.Errorf("agent stream idle: %w", context.DeadlineExceeded)

// withIdleTimeout wraps an event stream so that a gap longer than idle
// between events ends it: the wrapper cancels the stream context with
// errStreamIdle and closes the channel, which stops the consumer and lets
// the caller report the stall instead of treating it as a clean finish.
func withIdleTimeout(ctx context.Context, in <-chan letta.StreamEvent, idle time.Duration, cancel context.CancelCauseFunc) <-chan letta.StreamEvent {
	out := make(chan letta.StreamEvent)
	go func() {
		defer close(out)
		timer := time.NewTimer(idle)
		defer timer.Stop()
		for {
			select {
			case evt, ok := <-in:
				if !ok {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(idle)
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			case <-timer.C:
				slog.Warn("agent stream idle timeout", "idle", idle)
				cancel(errStreamIdle)
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
