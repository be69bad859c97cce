package matrix

import (
	"context"
	"errors"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/common/retry"
)

// CreateAgentRoom creates the dedicated chat room for an agent, as the agent's
// own Matrix user, and invites the given users. The trusted_private_chat
// preset grants invitees the same power level as the creator so human
// operators can manage the room.
func (c *Client) CreateAgentRoom(ctx context.Context, agentUser id.UserID, password, name, topic string, invite []id.UserID) (id.RoomID, error) {
	var roomID id.RoomID
	err := c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		resp, err := cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility: "private",
			Preset:     "trusted_private_chat",
			Name:       name,
			Topic:      topic,
			Invite:     invite,
		})
		if err != nil {
			return classify("matrix.create_room", err)
		}
		roomID = resp.RoomID
		return nil
	})
	if err != nil {
		return "", err
	}
	slog.Info("created agent room", "room", roomID, "agent", agentUser)
	return roomID, nil
}

// CreateSpace creates the top-level space grouping all agent rooms. The
// bridge bot owns the space.
func (c *Client) CreateSpace(ctx context.Context, name, topic string) (id.RoomID, error) {
	resp, err := c.bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       name,
		Topic:      topic,
		CreationContent: map[string]interface{}{
			"type": "m.space",
		},
	})
	if err != nil {
		return "", classify("matrix.create_space", err)
	}
	slog.Info("created agent space", "space", resp.RoomID)
	return resp.RoomID, nil
}

// EnsureSpaceChild links room under space with bidirectional state events.
// The call is idempotent: when the child link already points at the room it
// is left alone.
func (c *Client) EnsureSpaceChild(ctx context.Context, space, room id.RoomID) error {
	var existing event.SpaceChildEventContent
	err := c.bot.StateEvent(ctx, space, event.StateSpaceChild, room.String(), &existing)
	if err == nil && len(existing.Via) > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return classify("matrix.space_child", err)
	}

	_, err = c.bot.SendStateEvent(ctx, space, event.StateSpaceChild, room.String(),
		&event.SpaceChildEventContent{
			Via:       []string{c.serverName},
			Suggested: true,
		})
	if err != nil {
		return classify("matrix.space_child", err)
	}
	// The parent pointer is advisory; a failure here leaves the hierarchy
	// usable, so it only logs.
	_, err = c.bot.SendStateEvent(ctx, room, event.StateSpaceParent, space.String(),
		&event.SpaceParentEventContent{
			Via:       []string{c.serverName},
			Canonical: true,
		})
	if err != nil {
		slog.Warn("failed to set space parent pointer", "room", room, "space", space, "error", err)
	}
	slog.Info("linked room into space", "room", room, "space", space)
	return nil
}

// RemoveSpaceChild unlinks room from space by clearing the child state event.
func (c *Client) RemoveSpaceChild(ctx context.Context, space, room id.RoomID) error {
	_, err := c.bot.SendStateEvent(ctx, space, event.StateSpaceChild, room.String(),
		&event.SpaceChildEventContent{})
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return classify("matrix.space_child", err)
	}
	return nil
}

// SetRoomName updates the m.room.name state event when the current name
// differs. Performed as the agent user, the room's creator.
func (c *Client) SetRoomName(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, name string) error {
	return c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		var current event.RoomNameEventContent
		err := cli.StateEvent(ctx, room, event.StateRoomName, "", &current)
		if err == nil && current.Name == name {
			return nil
		}
		if err != nil && !errors.Is(err, mautrix.MNotFound) {
			return classify("matrix.room_name", err)
		}
		if _, err := cli.SendStateEvent(ctx, room, event.StateRoomName, "",
			&event.RoomNameEventContent{Name: name}); err != nil {
			return classify("matrix.room_name", err)
		}
		slog.Info("renamed agent room", "room", room, "name", name)
		return nil
	})
}

// SetRoomTopic updates the room topic when it differs from want.
func (c *Client) SetRoomTopic(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, topic string) error {
	return c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		var current event.TopicEventContent
		err := cli.StateEvent(ctx, room, event.StateTopic, "", &current)
		if err == nil && current.Topic == topic {
			return nil
		}
		if err != nil && !errors.Is(err, mautrix.MNotFound) {
			return classify("matrix.room_topic", err)
		}
		if _, err := cli.SendStateEvent(ctx, room, event.StateTopic, "",
			&event.TopicEventContent{Topic: topic}); err != nil {
			return classify("matrix.room_topic", err)
		}
		return nil
	})
}

// InviteAsUser invites target into room using the agent user's session.
// Inviting an already-joined or already-invited user reports a conflict,
// which callers treat as success.
func (c *Client) InviteAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, target id.UserID) error {
	return c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		_, err := cli.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: target})
		if err != nil {
			return classify("matrix.invite", err)
		}
		return nil
	})
}

// JoinRoomAsBot accepts an invitation (or joins an open room) as the bridge
// bot, with rate-limit backoff.
func (c *Client) JoinRoomAsBot(ctx context.Context, room id.RoomID) error {
	return retry.Do(ctx, sendRetryConfig, func() error {
		_, err := c.bot.JoinRoomByID(ctx, room)
		return classify("matrix.join", err)
	})
}

// JoinRoomAsAdmin accepts an invitation as the homeserver admin user.
func (c *Client) JoinRoomAsAdmin(ctx context.Context, room id.RoomID) error {
	return retry.Do(ctx, sendRetryConfig, func() error {
		_, err := c.admin.JoinRoomByID(ctx, room)
		return classify("matrix.join", err)
	})
}

// LeaveRoomAsUser leaves room under the agent user's identity.
func (c *Client) LeaveRoomAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID) error {
	return c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		if _, err := cli.LeaveRoom(ctx, room); err != nil {
			return classify("matrix.leave", err)
		}
		return nil
	})
}

// JoinedMembers lists the users currently joined to room, as seen by the bot.
func (c *Client) JoinedMembers(ctx context.Context, room id.RoomID) ([]id.UserID, error) {
	resp, err := c.bot.JoinedMembers(ctx, room)
	if err != nil {
		return nil, classify("matrix.joined_members", err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}
