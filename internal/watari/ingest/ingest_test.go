package ingest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/common/envelope"
	"github.com/ajisai/watari/internal/watari/dedupe"
	"github.com/ajisai/watari/internal/watari/matrix"
	"github.com/ajisai/watari/internal/watari/store"
)

type fakeMatrixSync struct {
	joined []id.RoomID
}

func (f *fakeMatrixSync) Sync(ctx context.Context, since string) (*mautrix.RespSync, error) {
	return &mautrix.RespSync{}, nil
}

func (f *fakeMatrixSync) JoinRoomAsBot(ctx context.Context, room id.RoomID) error {
	f.joined = append(f.joined, room)
	return nil
}

func (f *fakeMatrixSync) BotUserID() id.UserID   { return "@watari:example.org" }
func (f *fakeMatrixSync) AdminUserID() id.UserID { return "@admin:example.org" }

type fakeRouter struct {
	requests []RouteRequest
}

func (f *fakeRouter) Enqueue(ctx context.Context, req RouteRequest) error {
	f.requests = append(f.requests, req)
	return nil
}

type fixture struct {
	ingestor *Ingestor
	matrix   *fakeMatrixSync
	router   *fakeRouter
	store    *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ingest-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fx := &fixture{
		matrix: &fakeMatrixSync{},
		router: &fakeRouter{},
		store:  s,
	}
	fx.ingestor = New(fx.matrix, dedupe.New(s.DB(), time.Hour), s, fx.router)
	// Events in tests are stamped after boot unless a test says otherwise.
	fx.ingestor.bootTS = time.Now().Add(-time.Minute)
	return fx
}

func (fx *fixture) addMapping(t *testing.T, agentID, mxid, roomID string) {
	t.Helper()
	err := fx.store.Upsert(context.Background(), &store.AgentMapping{
		AgentID:      agentID,
		AgentName:    agentID,
		MatrixUserID: mxid,
		RoomID:       sql.NullString{String: roomID, Valid: true},
		RoomCreated:  true,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func makeEvent(eventID, sender string, body string, raw map[string]interface{}) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		Sender:    id.UserID(sender),
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
			Raw:    raw,
		},
	}
}

func TestProcessEvent_AcceptedHumanMessage(t *testing.T) {
	fx := newFixture(t)
	fx.addMapping(t, "agent-A1", "@agent_agent_A1:example.org", "!roomA:example.org")

	evt := makeEvent("$e1:x", "@alice:example.org", "hello agent", nil)
	if err := fx.ingestor.processEvent(context.Background(), "!roomA:example.org", evt); err != nil {
		t.Fatalf("processEvent: %v", err)
	}

	if len(fx.router.requests) != 1 {
		t.Fatalf("routed %d requests, want 1", len(fx.router.requests))
	}
	req := fx.router.requests[0]
	if req.AgentID != "agent-A1" || req.SenderType != envelope.SenderHuman {
		t.Errorf("request: %+v", req)
	}
}

func TestProcessEvent_DuplicateDropped(t *testing.T) {
	fx := newFixture(t)
	fx.addMapping(t, "agent-A1", "@agent_agent_A1:example.org", "!roomA:example.org")
	ctx := context.Background()

	// The homeserver replays the same event across batches.
	for i := 0; i < 3; i++ {
		evt := makeEvent("$abc:server", "@alice:example.org", "hello", nil)
		if err := fx.ingestor.processEvent(ctx, "!roomA:example.org", evt); err != nil {
			t.Fatalf("processEvent %d: %v", i, err)
		}
	}
	if len(fx.router.requests) != 1 {
		t.Errorf("routed %d requests, want exactly 1", len(fx.router.requests))
	}
}

func TestProcessEvent_FilterChain(t *testing.T) {
	cases := []struct {
		name string
		evt  func(fx *fixture) *event.Event
		room string
	}{
		{
			name: "bot self event",
			evt: func(fx *fixture) *event.Event {
				return makeEvent("$self:x", "@watari:example.org", "bot talk", nil)
			},
			room: "!roomA:example.org",
		},
		{
			name: "historical import",
			evt: func(fx *fixture) *event.Event {
				return makeEvent("$hist:x", "@alice:example.org", "old",
					map[string]interface{}{matrix.FlagHistorical: true})
			},
			room: "!roomA:example.org",
		},
		{
			name: "bridge originated",
			evt: func(fx *fixture) *event.Event {
				return makeEvent("$bo:x", "@agent_agent_A1:example.org", "reply",
					map[string]interface{}{matrix.FlagBridgeOriginated: true})
			},
			room: "!roomA:example.org",
		},
		{
			name: "pre-boot event",
			evt: func(fx *fixture) *event.Event {
				evt := makeEvent("$old:x", "@alice:example.org", "stale", nil)
				evt.Timestamp = fx.ingestor.bootTS.Add(-time.Hour).UnixMilli()
				return evt
			},
			room: "!roomA:example.org",
		},
		{
			name: "own agent echo without mention",
			evt: func(fx *fixture) *event.Event {
				return makeEvent("$echo:x", "@agent_agent_A1:example.org", "talking to myself", nil)
			},
			room: "!roomA:example.org",
		},
		{
			name: "unmapped room",
			evt: func(fx *fixture) *event.Event {
				return makeEvent("$um:x", "@alice:example.org", "hello", nil)
			},
			room: "!nowhere:example.org",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.addMapping(t, "agent-A1", "@agent_agent_A1:example.org", "!roomA:example.org")

			err := fx.ingestor.processEvent(context.Background(), id.RoomID(tc.room), tc.evt(fx))
			if err != nil {
				t.Fatalf("processEvent: %v", err)
			}
			if len(fx.router.requests) != 0 {
				t.Errorf("filtered event was routed: %+v", fx.router.requests)
			}
		})
	}
}

func TestProcessEvent_InterAgentInOtherAgentsRoom(t *testing.T) {
	fx := newFixture(t)
	fx.addMapping(t, "agent-A", "@agent_agent_A:example.org", "!roomA:example.org")
	fx.addMapping(t, "agent-B", "@agent_agent_B:example.org", "!roomB:example.org")

	// Agent A posts in agent B's room.
	evt := makeEvent("$x1:x", "@agent_agent_A:example.org", "please look at this", nil)
	if err := fx.ingestor.processEvent(context.Background(), "!roomB:example.org", evt); err != nil {
		t.Fatalf("processEvent: %v", err)
	}

	if len(fx.router.requests) != 1 {
		t.Fatalf("routed %d requests", len(fx.router.requests))
	}
	req := fx.router.requests[0]
	if req.AgentID != "agent-B" {
		t.Errorf("target agent = %q, want agent-B", req.AgentID)
	}
	if req.SenderType != envelope.SenderOtherAgent {
		t.Errorf("sender type = %q", req.SenderType)
	}
	if req.SourceAgent == nil || req.SourceAgent.ID != "agent-A" {
		t.Errorf("source agent: %+v", req.SourceAgent)
	}
}

func TestProcessEvent_EchoWithMentionRoutesToMentionedAgent(t *testing.T) {
	fx := newFixture(t)
	fx.addMapping(t, "agent-A", "@agent_agent_A:example.org", "!roomA:example.org")
	err := fx.store.Upsert(context.Background(), &store.AgentMapping{
		AgentID: "agent-B", AgentName: "Meridian-v2",
		MatrixUserID: "@agent_agent_B:example.org",
		RoomID:       sql.NullString{String: "!roomB:example.org", Valid: true},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Agent A in its own room, mentioning agent B by normalized name.
	evt := makeEvent("$m1:x", "@agent_agent_A:example.org",
		"please look at this, @MeridianV2", nil)
	if err := fx.ingestor.processEvent(context.Background(), "!roomA:example.org", evt); err != nil {
		t.Fatalf("processEvent: %v", err)
	}

	if len(fx.router.requests) != 1 {
		t.Fatalf("routed %d requests", len(fx.router.requests))
	}
	if fx.router.requests[0].AgentID != "agent-B" {
		t.Errorf("target = %q, want the mentioned agent", fx.router.requests[0].AgentID)
	}
}

func TestProcessEvent_OpenCodeSenderClassified(t *testing.T) {
	fx := newFixture(t)
	fx.addMapping(t, "agent-A1", "@agent_agent_A1:example.org", "!roomA:example.org")

	evt := makeEvent("$oc:x", "@oc_dev:example.org", "from opencode", nil)
	if err := fx.ingestor.processEvent(context.Background(), "!roomA:example.org", evt); err != nil {
		t.Fatalf("processEvent: %v", err)
	}
	if len(fx.router.requests) != 1 || fx.router.requests[0].SenderType != envelope.SenderOpenCodeUser {
		t.Errorf("requests: %+v", fx.router.requests)
	}
}

func TestHandleInvites_OnlyAdminInvitesAccepted(t *testing.T) {
	fx := newFixture(t)

	stateFor := func(inviter string) mautrix.SyncEventsList {
		botMXID := "@watari:example.org"
		return mautrix.SyncEventsList{Events: []*event.Event{{
			Type:     event.StateMember,
			Sender:   id.UserID(inviter),
			StateKey: &botMXID,
		}}}
	}

	resp := &mautrix.RespSync{}
	resp.Rooms.Invite = map[id.RoomID]*mautrix.SyncInvitedRoom{
		"!fromadmin:example.org":  {State: stateFor("@admin:example.org")},
		"!fromrandom:example.org": {State: stateFor("@mallory:example.org")},
	}
	fx.ingestor.handleInvites(context.Background(), resp)

	if len(fx.matrix.joined) != 1 || fx.matrix.joined[0] != "!fromadmin:example.org" {
		t.Errorf("joined: %v", fx.matrix.joined)
	}
}

func TestMentionsByText(t *testing.T) {
	m := &store.AgentMapping{
		AgentName:    "Meridian-v2",
		MatrixUserID: "@agent_agent_B:example.org",
	}
	cases := []struct {
		body string
		want bool
	}{
		{"please look at this, @MeridianV2", true},
		{"ping @meridian-v2 now", true},
		{"ping @agent_agent_B directly", true},
		{"no mention here", false},
		{"email me at bob@example.org", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := mentionsByText(tc.body, m); got != tc.want {
			t.Errorf("mentionsByText(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}
