package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/r3labs/sse/v2"

	"github.com/ajisai/watari/internal/watari/fault"
)

// EventType enumerates the stream event taxonomy from the agent service.
type EventType string

const (
	EventPing            EventType = "ping"
	EventReasoning       EventType = "reasoning"
	EventToolCall        EventType = "tool_call"
	EventToolReturn      EventType = "tool_return"
	EventAssistant       EventType = "assistant"
	EventStop            EventType = "stop"
	EventUsage           EventType = "usage"
	EventError           EventType = "error"
	EventApprovalRequest EventType = "approval_request"
)

// StreamEvent is one decoded event from a streaming submission.
type StreamEvent struct {
	Type EventType
	// Text carries assistant or reasoning content.
	Text string
	// ToolName and ToolOK describe tool_call / tool_return events.
	ToolName string
	ToolOK   bool
	// Message carries error detail or an approval prompt.
	Message string
}

// streamPayload is the wire shape of an event's data field. The service
// varies field names by event type; unknown fields are ignored.
type streamPayload struct {
	Content  string `json:"content"`
	Text     string `json:"text"`
	ToolName string `json:"tool_name"`
	Status   string `json:"status"`
	Error    string `json:"error"`
	Prompt   string `json:"prompt"`
}

// maxEventSize bounds a single SSE event block.
const maxEventSize = 1 << 20

// SendStreaming submits a user message and returns a channel of decoded
// stream events. The channel closes when the service sends stop or error,
// the stream ends, or ctx is cancelled. A busy agent (409) is retried with
// backoff before the stream is established; once streaming starts there are
// no retries.
func (c *Client) SendStreaming(ctx context.Context, agentID, conversationID, text string) (<-chan StreamEvent, error) {
	body, err := json.Marshal(sendRequest(conversationID, text))
	if err != nil {
		return nil, fmt.Errorf("letta: marshal send: %w", err)
	}

	var resp *http.Response
	err = doWithBusyRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/agents/"+url.PathEscape(agentID)+"/messages/stream",
			bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("letta: build stream request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		r, err := c.streamHTTP.Do(req)
		if err != nil {
			return classifyTransport("letta.stream", err)
		}
		if r.StatusCode >= 400 {
			defer r.Body.Close()
			return c.classifyStatus("letta.stream", r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go c.consumeStream(ctx, resp.Body, events)
	return events, nil
}

func (c *Client) consumeStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	reader := sse.NewEventStreamReader(body, maxEventSize)
	for {
		raw, err := reader.ReadEvent()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Warn("agent stream ended abnormally", "error", err)
				c.emit(ctx, events, StreamEvent{
					Type:    EventError,
					Message: "stream connection lost",
				})
			}
			return
		}

		evt, ok := decodeStreamEvent(raw)
		if !ok {
			continue
		}
		if !c.emit(ctx, events, evt) {
			return
		}
		if evt.Type == EventStop || evt.Type == EventError {
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, events chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeStreamEvent parses one raw SSE block (the "event:" and "data:" lines)
// into a StreamEvent. Blocks with no recognizable event name are skipped.
func decodeStreamEvent(raw []byte) (StreamEvent, bool) {
	var name string
	var data []byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = bytes.TrimSpace(line[len("data:"):])
		}
	}
	if name == "" {
		return StreamEvent{}, false
	}

	var payload streamPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Debug("undecodable stream payload", "event", name)
		}
	}

	evt := StreamEvent{Type: EventType(name)}
	switch evt.Type {
	case EventPing, EventUsage, EventStop:
		// No payload of interest.
	case EventReasoning, EventAssistant:
		evt.Text = payload.Content
		if evt.Text == "" {
			evt.Text = payload.Text
		}
	case EventToolCall:
		evt.ToolName = payload.ToolName
	case EventToolReturn:
		evt.ToolName = payload.ToolName
		evt.ToolOK = payload.Status != "error"
	case EventError:
		evt.Message = payload.Error
		if evt.Message == "" {
			evt.Message = payload.Content
		}
	case EventApprovalRequest:
		evt.Message = payload.Prompt
		if evt.Message == "" {
			evt.Message = payload.Content
		}
	default:
		slog.Debug("unknown stream event type", "event", name)
		return StreamEvent{}, false
	}
	return evt, true
}

// SendNonStreaming submits a message and blocks for the final assistant text.
// Used when streaming is disabled by configuration.
func (c *Client) SendNonStreaming(ctx context.Context, agentID, conversationID, text string) (string, error) {
	var resp struct {
		Messages []struct {
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"messages"`
	}
	err := doWithBusyRetry(ctx, func() error {
		return c.postJSON(ctx,
			"/v1/agents/"+url.PathEscape(agentID)+"/messages",
			sendRequest(conversationID, text), &resp)
	})
	if err != nil {
		return "", err
	}

	// The final assistant message wins; tool chatter precedes it.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		if resp.Messages[i].MessageType == "assistant_message" {
			return resp.Messages[i].Content, nil
		}
	}
	return "", fault.Newf(fault.KindMalformedInput, "letta.send",
		"response contained no assistant message")
}

func sendRequest(conversationID, text string) map[string]interface{} {
	req := map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": text}},
	}
	if conversationID != "" {
		req["conversation_id"] = conversationID
	}
	return req
}
