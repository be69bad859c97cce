package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ajisai/watari/internal/watari/store"
)

type fakeReconciler struct{ triggers int }

func (f *fakeReconciler) Trigger() { f.triggers++ }

type pinnedConv struct{ room, agent, user, conv string }

type fakePinner struct{ pins []pinnedConv }

func (f *fakePinner) PinConversation(room, agent, user, conv string) {
	f.pins = append(f.pins, pinnedConv{room, agent, user, conv})
}

type fakeDeduper struct{ seen map[string]bool }

func (f *fakeDeduper) Record(ctx context.Context, eventID string) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

type postedResponse struct{ agentID, roomID, replyTo, text string }

type fakePoster struct {
	posted []postedResponse
	err    error
}

func (f *fakePoster) PostAgentResponse(ctx context.Context, agentID, roomID, replyTo, text string) error {
	if f.err != nil {
		return f.err
	}
	f.posted = append(f.posted, postedResponse{agentID, roomID, replyTo, text})
	return nil
}

type fixture struct {
	server     *Server
	store      *store.Store
	reconciler *fakeReconciler
	pinner     *fakePinner
	poster     *fakePoster
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "httpapi-test-*.db")
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
		store:      s,
		reconciler: &fakeReconciler{},
		pinner:     &fakePinner{},
		poster:     &fakePoster{},
	}
	fx.server = New("127.0.0.1:0", secret, s, fx.reconciler, fx.pinner, &fakeDeduper{}, fx.poster)
	return fx
}

func (fx *fixture) addMapping(t *testing.T, agentID, roomID string) {
	t.Helper()
	m := &store.AgentMapping{
		AgentID:        agentID,
		AgentName:      agentID,
		MatrixUserID:   "@agent_" + agentID + ":example.org",
		MatrixPassword: "hunter2-" + agentID,
	}
	if roomID != "" {
		m.RoomID = sql.NullString{String: roomID, Valid: true}
		m.RoomCreated = true
	}
	if err := fx.store.Upsert(context.Background(), m); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func (fx *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	fx := newFixture(t, "")
	rec := fx.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestProvisioningHealth(t *testing.T) {
	cases := []struct {
		name       string
		withRoom   int
		missing    int
		wantStatus string
		wantCode   int
	}{
		{"all provisioned", 3, 0, "healthy", http.StatusOK},
		{"a few missing", 2, 2, "degraded", http.StatusOK},
		{"many missing", 1, 4, "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, "")
			for i := 0; i < tc.withRoom; i++ {
				fx.addMapping(t, fmt.Sprintf("ok-%d", i), fmt.Sprintf("!r%d:example.org", i))
			}
			for i := 0; i < tc.missing; i++ {
				fx.addMapping(t, fmt.Sprintf("pending-%d", i), "")
			}

			rec := fx.do(http.MethodGet, "/health/provisioning", "", nil)
			if rec.Code != tc.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			var resp provisioningResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tc.wantStatus || resp.Missing != tc.missing {
				t.Errorf("response: %+v", resp)
			}
		})
	}
}

func TestMappings_CredentialsRedacted(t *testing.T) {
	fx := newFixture(t, "")
	fx.addMapping(t, "agent-A", "!roomA:example.org")

	rec := fx.do(http.MethodGet, "/agents/mappings", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "agent-A") {
		t.Errorf("mapping missing from listing: %s", body)
	}
	if strings.Contains(body, "hunter2") {
		t.Errorf("credentials leaked into listing: %s", body)
	}
}

func TestAgentRoom(t *testing.T) {
	fx := newFixture(t, "")
	fx.addMapping(t, "agent-A", "!roomA:example.org")
	fx.addMapping(t, "agent-pending", "")

	rec := fx.do(http.MethodGet, "/agents/agent-A/room", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp agentRoomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RoomID != "!roomA:example.org" {
		t.Errorf("room = %q", resp.RoomID)
	}

	if rec := fx.do(http.MethodGet, "/agents/nobody/room", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d", rec.Code)
	}
	if rec := fx.do(http.MethodGet, "/agents/agent-pending/room", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("roomless agent status = %d", rec.Code)
	}
}

func signBody(secret, body string, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + body))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestNewAgentWebhook_Signature(t *testing.T) {
	fx := newFixture(t, "topsecret")
	now := time.Now()
	fx.server.now = func() time.Time { return now }
	body := `{"agent_id":"agent-new"}`

	rec := fx.do(http.MethodPost, "/webhook/new-agent", body, map[string]string{
		"X-Signature": signBody("topsecret", body, now),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if fx.reconciler.triggers != 1 {
		t.Errorf("triggers = %d", fx.reconciler.triggers)
	}

	cases := map[string]string{
		"missing signature": "",
		"wrong secret":      signBody("wrong", body, now),
		"stale timestamp":   signBody("topsecret", body, now.Add(-10*time.Minute)),
		"future timestamp":  signBody("topsecret", body, now.Add(10*time.Minute)),
		"garbage header":    "nonsense",
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			headers := map[string]string{}
			if sig != "" {
				headers["X-Signature"] = sig
			}
			rec := fx.do(http.MethodPost, "/webhook/new-agent", body, headers)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestNewAgentWebhook_NoSecretSkipsVerification(t *testing.T) {
	fx := newFixture(t, "")
	rec := fx.do(http.MethodPost, "/webhook/new-agent", `{}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if fx.reconciler.triggers != 1 {
		t.Errorf("triggers = %d", fx.reconciler.triggers)
	}
}

func TestAgentResponseWebhook_Idempotent(t *testing.T) {
	fx := newFixture(t, "")
	fx.addMapping(t, "agent-A", "!roomA:example.org")
	body := `{"event_id":"evt-1","agent_id":"agent-A","text":"done"}`

	rec := fx.do(http.MethodPost, "/webhooks/agent-response", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	// Retried delivery of the same event succeeds without posting twice.
	rec = fx.do(http.MethodPost, "/webhooks/agent-response", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}

	if len(fx.poster.posted) != 1 {
		t.Fatalf("posted %d times, want 1", len(fx.poster.posted))
	}
	p := fx.poster.posted[0]
	if p.agentID != "agent-A" || p.text != "done" {
		t.Errorf("posted: %+v", p)
	}
}

func TestAgentResponseWebhook_RejectsInvalidPayload(t *testing.T) {
	fx := newFixture(t, "")
	cases := map[string]string{
		"missing text":     `{"event_id":"e","agent_id":"a"}`,
		"empty event id":   `{"event_id":"","agent_id":"a","text":"x"}`,
		"wrong text type":  `{"event_id":"e","agent_id":"a","text":42}`,
		"not even an object": `[1,2,3]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := fx.do(http.MethodPost, "/webhooks/agent-response", body, nil)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", rec.Code)
			}
		})
	}
	if len(fx.poster.posted) != 0 {
		t.Errorf("invalid payloads were delivered: %+v", fx.poster.posted)
	}
}

func TestRegisterConversation(t *testing.T) {
	fx := newFixture(t, "")
	body := `{"room_id":"!r:x","agent_id":"agent-A","user_mxid":"@alice:x","conversation_id":"conv-9"}`

	rec := fx.do(http.MethodPost, "/conversations/register", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(fx.pinner.pins) != 1 {
		t.Fatalf("pins = %+v", fx.pinner.pins)
	}
	pin := fx.pinner.pins[0]
	if pin.room != "!r:x" || pin.agent != "agent-A" || pin.user != "@alice:x" || pin.conv != "conv-9" {
		t.Errorf("pin = %+v", pin)
	}

	rec = fx.do(http.MethodPost, "/conversations/register", `{"room_id":"!r:x"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete body status = %d", rec.Code)
	}
}
