package matrix

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Sync performs one long-poll against /sync under the bot's identity and
// returns the raw response. The caller owns the next_batch token; passing the
// previous token back in produces an incremental batch, an empty token a full
// initial one.
func (c *Client) Sync(ctx context.Context, since string) (*mautrix.RespSync, error) {
	timeoutMS := int(c.cfg.SyncTimeout.Milliseconds())
	resp, err := c.bot.SyncRequest(ctx, timeoutMS, since, "", false, event.PresenceOnline)
	if err != nil {
		return nil, classify("matrix.sync", err)
	}
	return resp, nil
}

// TimelineEvents flattens a sync response's joined-room timelines into
// (room, event) pairs, parsing each event's typed content. Events whose
// content fails to parse are kept: the ingest filters work off the raw
// content map and decide for themselves.
func TimelineEvents(resp *mautrix.RespSync) map[id.RoomID][]*event.Event {
	out := make(map[id.RoomID][]*event.Event, len(resp.Rooms.Join))
	for roomID, room := range resp.Rooms.Join {
		if room == nil || len(room.Timeline.Events) == 0 {
			continue
		}
		events := make([]*event.Event, 0, len(room.Timeline.Events))
		for _, evt := range room.Timeline.Events {
			evt.RoomID = roomID
			_ = evt.Content.ParseRaw(evt.Type)
			events = append(events, evt)
		}
		out[roomID] = events
	}
	return out
}

// InvitedRooms lists the rooms the bot holds a pending invitation to.
func InvitedRooms(resp *mautrix.RespSync) []id.RoomID {
	rooms := make([]id.RoomID, 0, len(resp.Rooms.Invite))
	for roomID := range resp.Rooms.Invite {
		rooms = append(rooms, roomID)
	}
	return rooms
}
