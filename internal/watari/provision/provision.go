// Package provision takes an agent mapping to completion: Matrix account,
// display name, dedicated room, space linkage, core-user membership, and a
// bounded history import. Every step checks current state before acting, so
// a partially provisioned mapping converges on the next pass.
package provision

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/internal/watari/fault"
	"github.com/ajisai/watari/internal/watari/letta"
	"github.com/ajisai/watari/internal/watari/matrix"
	"github.com/ajisai/watari/internal/watari/store"
)

// SpaceName is the display name of the canonical space containing all agent
// rooms.
const SpaceName = "Letta Agents"

// defaultHistoryLimit bounds the history import posted into a fresh room.
const defaultHistoryLimit = 10

// MatrixAPI is the slice of the Matrix adapter the provisioner needs.
type MatrixAPI interface {
	RegisterAgent(ctx context.Context, localpart, password, displayName string) (id.UserID, error)
	EnsureDisplayName(ctx context.Context, userID id.UserID, password, want string) error
	CreateAgentRoom(ctx context.Context, agentUser id.UserID, password, name, topic string, invite []id.UserID) (id.RoomID, error)
	CreateSpace(ctx context.Context, name, topic string) (id.RoomID, error)
	EnsureSpaceChild(ctx context.Context, space, room id.RoomID) error
	InviteAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, target id.UserID) error
	JoinRoomAsBot(ctx context.Context, room id.RoomID) error
	JoinRoomAsAdmin(ctx context.Context, room id.RoomID) error
	JoinedMembers(ctx context.Context, room id.RoomID) ([]id.UserID, error)
	SendAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, msg matrix.Message) (id.EventID, error)
	BotUserID() id.UserID
	AdminUserID() id.UserID
}

// HistorySource supplies an agent's recent messages for the import.
type HistorySource interface {
	RecentMessages(ctx context.Context, agentID string, limit int) ([]letta.HistoryMessage, error)
}

// Config holds provisioner settings.
type Config struct {
	// CoreUsers are additional MXIDs invited into every agent room (human
	// operators, auxiliary bridges). The bot and admin are always included.
	CoreUsers []id.UserID
	// HistoryLimit is the number of recent agent messages imported into a
	// fresh room. Zero means defaultHistoryLimit; negative disables.
	HistoryLimit int
}

// Provisioner drives a single mapping to its fully provisioned state.
type Provisioner struct {
	cfg     Config
	matrix  MatrixAPI
	history HistorySource
	store   *store.Store
}

// New creates a provisioner. history may be nil to disable the import.
func New(cfg Config, m MatrixAPI, history HistorySource, s *store.Store) *Provisioner {
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Provisioner{cfg: cfg, matrix: m, history: history, store: s}
}

// invalidLocalpartChars matches everything outside the character set allowed
// in derived localparts. Case is preserved so distinct agent IDs that differ
// only by case stay distinct.
var invalidLocalpartChars = regexp.MustCompile(`[^a-zA-Z0-9._]`)

// UsernameForAgent derives the Matrix localpart from the immutable agent ID.
// Renames never touch it: "agent-A1" maps to "agent_agent_A1" forever,
// whatever the agent is called.
func UsernameForAgent(agentID string) (string, error) {
	sanitized := invalidLocalpartChars.ReplaceAllString(agentID, "_")
	if sanitized == "" {
		return "", fmt.Errorf("provision: agent id %q produces empty localpart", agentID)
	}
	return "agent_" + sanitized, nil
}

// RoomNameForAgent returns the room display name for an agent name.
func RoomNameForAgent(agentName string) string {
	return agentName + " - Letta Agent Chat"
}

// RoomTopicForAgent returns the room topic for an agent name.
func RoomTopicForAgent(agentName string) string {
	return "Private chat with the Letta agent " + agentName
}

func generatePassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random password: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Provision completes the given mapping and persists each milestone as it
// lands, so a crash mid-way leaves a row the next pass can resume from.
// The mapping is mutated in place.
func (p *Provisioner) Provision(ctx context.Context, m *store.AgentMapping) error {
	if m.AgentID == "" {
		return fmt.Errorf("provision: mapping has no agent id")
	}

	if m.MatrixUserID == "" {
		if err := p.registerAccount(ctx, m); err != nil {
			return err
		}
	}

	agentUser := id.UserID(m.MatrixUserID)
	if err := p.matrix.EnsureDisplayName(ctx, agentUser, m.MatrixPassword, m.AgentName); err != nil {
		return fmt.Errorf("provision %s: display name: %w", m.AgentID, err)
	}

	freshRoom := false
	if !m.RoomID.Valid {
		if err := p.createRoom(ctx, m); err != nil {
			return err
		}
		freshRoom = true
	}
	roomID := id.RoomID(m.RoomID.String)

	if err := p.ensureSpaceLink(ctx, roomID); err != nil {
		return fmt.Errorf("provision %s: space linkage: %w", m.AgentID, err)
	}
	if err := p.ensureCoreMembers(ctx, m, roomID); err != nil {
		return fmt.Errorf("provision %s: core members: %w", m.AgentID, err)
	}

	if freshRoom {
		p.importHistory(ctx, m, roomID)
	}
	return nil
}

func (p *Provisioner) registerAccount(ctx context.Context, m *store.AgentMapping) error {
	localpart, err := UsernameForAgent(m.AgentID)
	if err != nil {
		return err
	}
	password, err := generatePassword()
	if err != nil {
		return err
	}
	userID, err := p.matrix.RegisterAgent(ctx, localpart, password, m.AgentName)
	if err != nil {
		return fmt.Errorf("provision %s: register: %w", m.AgentID, err)
	}

	m.MatrixUserID = userID.String()
	m.MatrixPassword = password
	if err := p.store.Upsert(ctx, m); err != nil {
		return fmt.Errorf("provision %s: persist identity: %w", m.AgentID, err)
	}
	return nil
}

func (p *Provisioner) createRoom(ctx context.Context, m *store.AgentMapping) error {
	agentUser := id.UserID(m.MatrixUserID)
	roomID, err := p.matrix.CreateAgentRoom(ctx, agentUser, m.MatrixPassword,
		RoomNameForAgent(m.AgentName), RoomTopicForAgent(m.AgentName), p.inviteList())
	if err != nil {
		return fmt.Errorf("provision %s: create room: %w", m.AgentID, err)
	}

	m.RoomID = sql.NullString{String: roomID.String(), Valid: true}
	m.RoomCreated = true
	if err := p.store.Upsert(ctx, m); err != nil {
		return fmt.Errorf("provision %s: persist room: %w", m.AgentID, err)
	}
	return nil
}

func (p *Provisioner) inviteList() []id.UserID {
	seen := map[id.UserID]bool{}
	var list []id.UserID
	for _, u := range append([]id.UserID{p.matrix.BotUserID(), p.matrix.AdminUserID()}, p.cfg.CoreUsers...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		list = append(list, u)
	}
	return list
}

// ensureSpaceLink makes sure the canonical space exists and contains roomID.
func (p *Provisioner) ensureSpaceLink(ctx context.Context, roomID id.RoomID) error {
	spaceID, err := p.store.GetSpace(ctx)
	if errors.Is(err, store.ErrNotFound) {
		created, cerr := p.matrix.CreateSpace(ctx, SpaceName,
			"All agent rooms managed by the bridge")
		if cerr != nil {
			return cerr
		}
		if serr := p.store.SetSpace(ctx, created.String()); serr != nil {
			return serr
		}
		spaceID = created.String()
	} else if err != nil {
		return err
	}
	return p.matrix.EnsureSpaceChild(ctx, id.RoomID(spaceID), roomID)
}

// ensureCoreMembers invites and joins the configured core users, consulting
// InvitationStatus first so already-joined users never trigger another login
// or invite.
func (p *Provisioner) ensureCoreMembers(ctx context.Context, m *store.AgentMapping, roomID id.RoomID) error {
	var joined map[id.UserID]bool
	agentUser := id.UserID(m.MatrixUserID)

	for _, invitee := range p.inviteList() {
		status, err := p.store.GetInvitation(ctx, m.AgentID, invitee.String())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if status == store.InviteStatusJoined {
			continue
		}

		// Membership from the homeserver is the source of truth; the local
		// status record is only a shortcut.
		if joined == nil {
			members, merr := p.matrix.JoinedMembers(ctx, roomID)
			if merr != nil {
				return merr
			}
			joined = make(map[id.UserID]bool, len(members))
			for _, u := range members {
				joined[u] = true
			}
		}
		if joined[invitee] {
			if err := p.store.SetInvitation(ctx, m.AgentID, invitee.String(), store.InviteStatusJoined); err != nil {
				return err
			}
			continue
		}

		if err := p.inviteAndJoin(ctx, m, agentUser, roomID, invitee); err != nil {
			slog.Warn("core user invitation failed",
				"agent", m.AgentID, "invitee", invitee, "error", err)
			if serr := p.store.SetInvitation(ctx, m.AgentID, invitee.String(), store.InviteStatusFailed); serr != nil {
				return serr
			}
			continue
		}
	}
	return nil
}

func (p *Provisioner) inviteAndJoin(ctx context.Context, m *store.AgentMapping, agentUser id.UserID, roomID id.RoomID, invitee id.UserID) error {
	if err := p.matrix.InviteAsUser(ctx, agentUser, m.MatrixPassword, roomID, invitee); err != nil {
		// Already invited or already a member reports a conflict; both mean
		// the invite side is done.
		if !isAbsorbableInviteError(err) {
			return err
		}
	}

	status := store.InviteStatusPending
	switch invitee {
	case p.matrix.BotUserID():
		if err := p.matrix.JoinRoomAsBot(ctx, roomID); err != nil {
			return err
		}
		status = store.InviteStatusJoined
	case p.matrix.AdminUserID():
		if err := p.matrix.JoinRoomAsAdmin(ctx, roomID); err != nil {
			return err
		}
		status = store.InviteStatusJoined
	}
	return p.store.SetInvitation(ctx, m.AgentID, invitee.String(), status)
}

// isAbsorbableInviteError reports whether an invite failure means the invite
// already happened (already invited, already a member).
func isAbsorbableInviteError(err error) bool {
	return fault.KindOf(err) == fault.KindConflict
}

// importHistory posts the agent's recent context into the fresh room, marked
// historical so the ingestor never routes it back. Failures only log; history
// is a convenience, not state.
func (p *Provisioner) importHistory(ctx context.Context, m *store.AgentMapping, roomID id.RoomID) {
	if p.history == nil || p.cfg.HistoryLimit < 0 {
		return
	}
	msgs, err := p.history.RecentMessages(ctx, m.AgentID, p.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("history import failed", "agent", m.AgentID, "error", err)
		return
	}
	agentUser := id.UserID(m.MatrixUserID)
	for _, msg := range msgs {
		if msg.Role != "assistant" || msg.Text == "" {
			continue
		}
		if _, err := p.matrix.SendAsUser(ctx, agentUser, m.MatrixPassword, roomID, matrix.Message{
			Body:       msg.Text,
			Markdown:   true,
			Historical: true,
		}); err != nil {
			slog.Warn("history import send failed", "agent", m.AgentID, "error", err)
			return
		}
	}
	if len(msgs) > 0 {
		slog.Info("imported agent history", "agent", m.AgentID, "messages", len(msgs))
	}
}
