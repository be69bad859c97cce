package letta

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDecodeStreamEvent(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want StreamEvent
		ok   bool
	}{
		{
			name: "assistant",
			raw:  "event: assistant\ndata: {\"content\":\"hello there\"}",
			want: StreamEvent{Type: EventAssistant, Text: "hello there"},
			ok:   true,
		},
		{
			name: "tool call",
			raw:  "event: tool_call\ndata: {\"tool_name\":\"web_search\"}",
			want: StreamEvent{Type: EventToolCall, ToolName: "web_search"},
			ok:   true,
		},
		{
			name: "tool return ok",
			raw:  "event: tool_return\ndata: {\"tool_name\":\"web_search\",\"status\":\"success\"}",
			want: StreamEvent{Type: EventToolReturn, ToolName: "web_search", ToolOK: true},
			ok:   true,
		},
		{
			name: "tool return failed",
			raw:  "event: tool_return\ndata: {\"tool_name\":\"web_search\",\"status\":\"error\"}",
			want: StreamEvent{Type: EventToolReturn, ToolName: "web_search", ToolOK: false},
			ok:   true,
		},
		{
			name: "error",
			raw:  "event: error\ndata: {\"error\":\"model overloaded\"}",
			want: StreamEvent{Type: EventError, Message: "model overloaded"},
			ok:   true,
		},
		{
			name: "approval request",
			raw:  "event: approval_request\ndata: {\"prompt\":\"allow shell access?\"}",
			want: StreamEvent{Type: EventApprovalRequest, Message: "allow shell access?"},
			ok:   true,
		},
		{
			name: "ping without data",
			raw:  "event: ping",
			want: StreamEvent{Type: EventPing},
			ok:   true,
		},
		{
			name: "nameless block skipped",
			raw:  "data: {\"content\":\"orphan\"}",
			ok:   false,
		},
		{
			name: "unknown type skipped",
			raw:  "event: telemetry\ndata: {}",
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := decodeStreamEvent([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Errorf("event = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSendStreaming_EventSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("accept = %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, block := range []string{
			"event: reasoning\ndata: {\"content\":\"thinking\"}\n\n",
			"event: tool_call\ndata: {\"tool_name\":\"lookup\"}\n\n",
			"event: assistant\ndata: {\"content\":\"the answer\"}\n\n",
			"event: stop\ndata: {}\n\n",
		} {
			fmt.Fprint(w, block)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	events, err := newTestClient(t, srv.URL).SendStreaming(context.Background(), "agent-A1", "conv-1", "question")
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}

	var types []EventType
	for evt := range events {
		types = append(types, evt.Type)
	}
	want := []EventType{EventReasoning, EventToolCall, EventAssistant, EventStop}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestSendStreaming_ErrorEventTerminates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"backend exploded\"}\n\n")
		fmt.Fprint(w, "event: assistant\ndata: {\"content\":\"should never arrive\"}\n\n")
	}))
	defer srv.Close()

	events, err := newTestClient(t, srv.URL).SendStreaming(context.Background(), "agent-A1", "", "q")
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}

	var got []StreamEvent
	for evt := range events {
		got = append(got, evt)
	}
	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("events after error: %+v", got)
	}
	if got[0].Message != "backend exploded" {
		t.Errorf("error message = %q", got[0].Message)
	}
}

func TestSendStreaming_ContextCancelClosesStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := newTestClient(t, srv.URL).SendStreaming(ctx, "agent-A1", "", "q")
	if err != nil {
		t.Fatalf("SendStreaming: %v", err)
	}

	<-events // ping
	cancel()

	select {
	case _, open := <-events:
		if open {
			// One buffered event may slip through; the channel must still close.
			select {
			case _, open = <-events:
				if open {
					t.Fatal("stream channel stayed open after cancel")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("stream channel did not close after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel did not close after cancel")
	}
}
