// Package envelope defines the context envelope prepended to every message
// the bridge forwards to the agent service. The envelope is a structured
// JSON preamble followed by the raw user body; it tells the agent where the
// message came from (room, event, sender) and how to treat it (trigger type,
// formatting, reply instructions).
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// SenderType classifies who authored the Matrix event being forwarded.
type SenderType string

const (
	// SenderHuman is a regular Matrix user.
	SenderHuman SenderType = "human"
	// SenderOtherAgent is another bridged agent's Matrix user.
	SenderOtherAgent SenderType = "other_agent"
	// SenderOpenCodeUser is a user bridged in from an OpenCode frontend,
	// recognised by the "@oc_" MXID localpart prefix.
	SenderOpenCodeUser SenderType = "opencode_user"
)

// Trigger identifies why the message is being forwarded.
type Trigger string

const (
	TriggerUserMessage  Trigger = "user_message"
	TriggerAgentMessage Trigger = "agent_message"
	TriggerPollVote     Trigger = "poll_vote"
)

// Sender describes the Matrix user who authored the forwarded event.
type Sender struct {
	UserID string     `json:"user_id"`
	Name   string     `json:"name,omitempty"`
	Type   SenderType `json:"type"`
}

// SourceAgent is present when the sender is another bridged agent, so the
// receiving agent can treat the content as collaboration rather than a user
// request.
type SourceAgent struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Metadata is the structured preamble carried ahead of the user body.
type Metadata struct {
	Channel          string       `json:"channel"`
	ChatID           string       `json:"chat_id"`
	MessageID        string       `json:"message_id"`
	Sender           Sender       `json:"sender"`
	Timestamp        time.Time    `json:"timestamp"`
	Format           string       `json:"format"`
	Trigger          Trigger      `json:"trigger"`
	ReplyInstruction string       `json:"reply_instruction,omitempty"`
	SourceAgent      *SourceAgent `json:"source_agent,omitempty"`
}

// openCodeReplyInstruction is attached when the sender is an OpenCode user so
// the agent's reply can be routed back through the OpenCode bridge.
const openCodeReplyInstruction = "The sender is bridged from OpenCode; include their @mention at the start of your reply so it is routed back to them."

// New builds a Metadata with the fixed channel field and the current rules
// applied: OpenCode senders get the reply instruction, timestamps are
// normalised to UTC.
func New(chatID, messageID string, sender Sender, ts time.Time, format string, trigger Trigger) Metadata {
	m := Metadata{
		Channel:   "matrix",
		ChatID:    chatID,
		MessageID: messageID,
		Sender:    sender,
		Timestamp: ts.UTC(),
		Format:    format,
		Trigger:   trigger,
	}
	if sender.Type == SenderOpenCodeUser {
		m.ReplyInstruction = openCodeReplyInstruction
	}
	return m
}

// Validate checks the envelope invariants before it is rendered.
func (m *Metadata) Validate() error {
	if m.Channel != "matrix" {
		return fmt.Errorf("channel must be %q, got %q", "matrix", m.Channel)
	}
	if m.ChatID == "" {
		return fmt.Errorf("chat_id must not be empty")
	}
	if m.MessageID == "" {
		return fmt.Errorf("message_id must not be empty")
	}
	if m.Sender.UserID == "" {
		return fmt.Errorf("sender.user_id must not be empty")
	}
	switch m.Sender.Type {
	case SenderHuman, SenderOtherAgent, SenderOpenCodeUser:
	default:
		return fmt.Errorf("unknown sender type %q", m.Sender.Type)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp must not be zero")
	}
	switch m.Format {
	case "markdown", "plain":
	default:
		return fmt.Errorf("format must be markdown or plain, got %q", m.Format)
	}
	if m.Sender.Type == SenderOtherAgent && m.SourceAgent == nil {
		return fmt.Errorf("source_agent is required when sender type is other_agent")
	}
	return nil
}

// Render serialises the metadata block followed by the user body:
//
//	[message metadata]
//	{ ...json... }
//	[/message metadata]
//
//	<body>
//
// The markers keep the preamble trivially strippable for agents that want the
// bare body.
func Render(m Metadata, body string) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("envelope: %w", err)
	}
	meta, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("envelope marshal: %w", err)
	}
	return "[message metadata]\n" + string(meta) + "\n[/message metadata]\n\n" + body, nil
}

// DetectSenderType classifies an MXID. isAgent reports whether the MXID
// belongs to a bridged agent's Matrix user.
func DetectSenderType(mxid string, isAgent bool) SenderType {
	if isAgent {
		return SenderOtherAgent
	}
	if len(mxid) > 4 && mxid[:4] == "@oc_" {
		return SenderOpenCodeUser
	}
	return SenderHuman
}
