package letta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/ajisai/watari/internal/watari/fault"
)

// fakeRegistry serves a paginated agent list the way the service does:
// limit/after query parameters, short page terminates.
func fakeRegistry(t *testing.T, total int) *httptest.Server {
	t.Helper()
	agents := make([]Agent, total)
	for i := range agents {
		agents[i] = Agent{ID: fmt.Sprintf("agent-%04d", i), Name: fmt.Sprintf("Agent %d", i)}
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/agents/" {
			http.NotFound(w, r)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		after := r.URL.Query().Get("after")

		start := 0
		if after != "" {
			for i, a := range agents {
				if a.ID == after {
					start = i + 1
					break
				}
			}
		}
		end := start + limit
		if end > len(agents) {
			end = len(agents)
		}
		json.NewEncoder(w).Encode(agents[start:end])
	}))
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url, Token: "test-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestListAgents_PaginationBoundaries(t *testing.T) {
	for _, total := range []int{0, 49, 50, 51, 500} {
		t.Run(strconv.Itoa(total), func(t *testing.T) {
			srv := fakeRegistry(t, total)
			defer srv.Close()

			agents, err := newTestClient(t, srv.URL).ListAgents(context.Background())
			if err != nil {
				t.Fatalf("ListAgents: %v", err)
			}
			if len(agents) != total {
				t.Errorf("enumerated %d agents, want %d", len(agents), total)
			}
		})
	}
}

func TestListAgents_PageFailureAborts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		agents := make([]Agent, pageSize)
		for i := range agents {
			agents[i] = Agent{ID: fmt.Sprintf("a-%d", i), Name: "x"}
		}
		json.NewEncoder(w).Encode(agents)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).ListAgents(context.Background()); err == nil {
		t.Fatal("partial listing must fail, not return a short fleet")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   fault.Kind
	}{
		{http.StatusNotFound, fault.KindNotFound},
		{http.StatusConflict, fault.KindConflict},
		{http.StatusTooManyRequests, fault.KindRateLimited},
		{http.StatusUnauthorized, fault.KindAuthExpired},
		{http.StatusUnprocessableEntity, fault.KindMalformedInput},
		{http.StatusBadGateway, fault.KindTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			err := newTestClient(t, srv.URL).VerifyConversation(context.Background(), "conv-1")
			if got := fault.KindOf(err); got != tc.want {
				t.Errorf("kind = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.AgentID != "agent-A1" {
			t.Errorf("agent_id = %q", req.AgentID)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("authorization = %q", auth)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "conv-42"})
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv.URL).CreateConversation(context.Background(), "agent-A1", nil)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if id != "conv-42" {
		t.Errorf("conversation id = %q", id)
	}
}

func TestSendNonStreaming_BusyThenSuccess(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "agent busy", http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{
				{"message_type": "tool_call_message", "content": "searching"},
				{"message_type": "assistant_message", "content": "done"},
			},
		})
	}))
	defer srv.Close()

	text, err := newTestClient(t, srv.URL).SendNonStreaming(context.Background(), "agent-A1", "conv-1", "hi")
	if err != nil {
		t.Fatalf("SendNonStreaming: %v", err)
	}
	if text != "done" {
		t.Errorf("text = %q, want final assistant message", text)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want busy retry", calls)
	}
}
