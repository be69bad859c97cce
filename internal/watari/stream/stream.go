// Package stream turns an agent-service response stream into Matrix room
// output under the agent's own identity. Two delivery modes exist: live-edit
// keeps one working message updated in place via debounced m.replace edits,
// progress-then-delete posts transient progress notices that are redacted as
// they are superseded. In both modes the final assistant text becomes a
// permanent reply to the triggering event.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/internal/watari/letta"
	"github.com/ajisai/watari/internal/watari/matrix"
)

// DefaultEditDebounce spaces live-edit updates so a chatty stream does not
// hammer the homeserver with one edit per token.
const DefaultEditDebounce = 500 * time.Millisecond

// maxErrorLen bounds room-visible error text.
const maxErrorLen = 200

// Sender is the slice of the Matrix adapter the streamer writes through.
type Sender interface {
	SendAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, msg matrix.Message) (id.EventID, error)
	EditAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, target id.EventID, msg matrix.Message) (id.EventID, error)
	RedactAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, target id.EventID) error
}

// Delivery identifies where output goes and which identity authors it.
type Delivery struct {
	RoomID        id.RoomID
	AgentUser     id.UserID
	AgentPassword string
	// UserEventID is the triggering event; the final response replies to it.
	UserEventID id.EventID
	// SenderMXID is mentioned in the final response so the original sender
	// is notified.
	SenderMXID id.UserID
}

// Config selects the delivery mode.
type Config struct {
	// LiveEdit enables in-place edits instead of progress-then-delete.
	LiveEdit     bool
	EditDebounce time.Duration
}

// Streamer renders agent streams into rooms.
type Streamer struct {
	cfg    Config
	matrix Sender
}

// New creates a streamer. A zero EditDebounce takes the default.
func New(cfg Config, m Sender) *Streamer {
	if cfg.EditDebounce <= 0 {
		cfg.EditDebounce = DefaultEditDebounce
	}
	return &Streamer{cfg: cfg, matrix: m}
}

// Consume drains events into the room until the stream ends or ctx expires.
func (s *Streamer) Consume(ctx context.Context, d Delivery, events <-chan letta.StreamEvent) error {
	if s.cfg.LiveEdit {
		return s.consumeLiveEdit(ctx, d, events)
	}
	return s.consumeProgress(ctx, d, events)
}

// PostFinal sends a complete response as a permanent reply. The non-streaming
// path uses this directly.
func (s *Streamer) PostFinal(ctx context.Context, d Delivery, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	msg := matrix.Message{
		Body:     text,
		Markdown: true,
		ReplyTo:  d.UserEventID,
	}
	if d.SenderMXID != "" {
		msg.Mentions = []id.UserID{d.SenderMXID}
	}
	_, err := s.matrix.SendAsUser(ctx, d.AgentUser, d.AgentPassword, d.RoomID, msg)
	return err
}

// PostError posts a single bounded error notice under the agent identity.
func (s *Streamer) PostError(ctx context.Context, d Delivery, message string) {
	if len(message) > maxErrorLen {
		message = message[:maxErrorLen-1] + "…"
	}
	_, err := s.matrix.SendAsUser(ctx, d.AgentUser, d.AgentPassword, d.RoomID, matrix.Message{
		Body:   message,
		Notice: true,
	})
	if err != nil {
		slog.Warn("failed to post error notice", "room", d.RoomID, "error", err)
	}
}

// consumeProgress posts transient tool-progress notices, redacting each when
// the next supersedes it, then posts the assistant text as a fresh permanent
// message.
func (s *Streamer) consumeProgress(ctx context.Context, d Delivery, events <-chan letta.StreamEvent) error {
	var (
		final      strings.Builder
		progressID id.EventID
		lastTool   string
		thinking   bool
	)

	clearProgress := func() {
		if progressID == "" {
			return
		}
		if err := s.matrix.RedactAsUser(ctx, d.AgentUser, d.AgentPassword, d.RoomID, progressID); err != nil {
			slog.Warn("failed to redact progress message",
				"room", d.RoomID, "event", progressID, "error", err)
		}
		progressID = ""
	}
	postProgress := func(body string) {
		clearProgress()
		eventID, err := s.matrix.SendAsUser(ctx, d.AgentUser, d.AgentPassword, d.RoomID,
			matrix.Message{Body: body, Notice: true})
		if err != nil {
			slog.Warn("failed to post progress message", "room", d.RoomID, "error", err)
			return
		}
		progressID = eventID
	}

	for evt := range events {
		if ctx.Err() != nil {
			break
		}
		switch evt.Type {
		case letta.EventPing, letta.EventUsage:
		case letta.EventReasoning:
			if !thinking && lastTool == "" {
				postProgress("thinking…")
				thinking = true
			}
		case letta.EventToolCall:
			lastTool = evt.ToolName
			postProgress(evt.ToolName + "…")
		case letta.EventToolReturn:
			mark := "✓"
			if !evt.ToolOK {
				mark = "✗"
			}
			if lastTool != "" {
				postProgress(mark + " " + lastTool)
			}
		case letta.EventAssistant:
			final.WriteString(evt.Text)
		case letta.EventApprovalRequest:
			clearProgress()
			s.postApproval(ctx, d, evt.Message)
			return nil
		case letta.EventError:
			clearProgress()
			return fmt.Errorf("stream: agent error: %s", evt.Message)
		case letta.EventStop:
		}
	}
	clearProgress()

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.PostFinal(ctx, d, final.String())
}

// consumeLiveEdit maintains one working message, debouncing edits. The final
// assistant text lands as the last edit and the message stays.
func (s *Streamer) consumeLiveEdit(ctx context.Context, d Delivery, events <-chan letta.StreamEvent) error {
	var (
		final     strings.Builder
		status    string
		workingID id.EventID
		dirty     bool
	)

	render := func() string {
		body := final.String()
		if status != "" {
			if body != "" {
				body += "\n\n"
			}
			body += "_" + status + "_"
		}
		return body
	}
	flush := func() {
		body := render()
		if body == "" {
			return
		}
		if workingID == "" {
			eventID, err := s.matrix.SendAsUser(ctx, d.AgentUser, d.AgentPassword, d.RoomID,
				matrix.Message{
					Body:     body,
					Markdown: true,
					ReplyTo:  d.UserEventID,
					Mentions: []id.UserID{d.SenderMXID},
				})
			if err != nil {
				slog.Warn("failed to post working message", "room", d.RoomID, "error", err)
				return
			}
			workingID = eventID
			return
		}
		if _, err := s.matrix.EditAsUser(ctx, d.AgentUser, d.AgentPassword, d.RoomID, workingID,
			matrix.Message{Body: body, Markdown: true}); err != nil {
			slog.Warn("failed to edit working message",
				"room", d.RoomID, "event", workingID, "error", err)
		}
	}

	debounce := time.NewTimer(s.cfg.EditDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	touch := func() {
		if !dirty {
			debounce.Reset(s.cfg.EditDebounce)
			dirty = true
		}
	}

loop:
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				break loop
			}
			switch evt.Type {
			case letta.EventPing, letta.EventUsage:
			case letta.EventReasoning:
				if final.Len() == 0 && status == "" {
					status = "thinking…"
					touch()
				}
			case letta.EventToolCall:
				status = evt.ToolName + "…"
				touch()
			case letta.EventToolReturn:
				status = ""
				touch()
			case letta.EventAssistant:
				final.WriteString(evt.Text)
				status = ""
				touch()
			case letta.EventApprovalRequest:
				status = ""
				flush()
				s.postApproval(ctx, d, evt.Message)
				return nil
			case letta.EventError:
				return fmt.Errorf("stream: agent error: %s", evt.Message)
			case letta.EventStop:
			}
		case <-debounce.C:
			dirty = false
			flush()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	status = ""
	if final.Len() > 0 {
		flush()
	}
	return nil
}

// postApproval surfaces an approval request. The bridge has no approval UI;
// the stream ends here and the operator acts through the agent service.
func (s *Streamer) postApproval(ctx context.Context, d Delivery, prompt string) {
	body := "The agent is requesting approval before continuing"
	if prompt != "" {
		body += ": " + prompt
	}
	if len(body) > maxErrorLen {
		body = body[:maxErrorLen-1] + "…"
	}
	if _, err := s.matrix.SendAsUser(ctx, d.AgentUser, d.AgentPassword, d.RoomID,
		matrix.Message{Body: body, Notice: true}); err != nil {
		slog.Warn("failed to post approval request", "room", d.RoomID, "error", err)
	}
}
