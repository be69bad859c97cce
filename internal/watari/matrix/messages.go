package matrix

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/common/retry"
)

// Custom content keys stamped on every bridge-authored event. The sync
// ingestor drops events carrying FlagBridgeOriginated so the bridge never
// reacts to its own output.
const (
	FlagBridgeOriginated = "m.bridge_originated"
	FlagHistorical       = "m.letta_historical"
)

// Message is a room message to be authored by an agent's Matrix user.
type Message struct {
	Body string
	// Markdown renders Body to HTML for the formatted_body field.
	Markdown bool
	// Notice sends an m.notice instead of m.text (progress and status lines).
	Notice bool
	// ReplyTo threads the message under an existing event.
	ReplyTo id.EventID
	// Mentions populates the m.mentions block.
	Mentions []id.UserID
	// Historical marks backfilled context that readers should not treat as a
	// fresh response.
	Historical bool
}

// buildContent assembles the event content with the bridge's custom flags.
// Raw keys merge over the parsed content at marshal time.
func buildContent(msg Message) *event.Content {
	parsed := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    msg.Body,
	}
	if msg.Notice {
		parsed.MsgType = event.MsgNotice
	}
	if msg.Markdown {
		parsed.Format = event.FormatHTML
		parsed.FormattedBody = renderMarkdown(msg.Body)
	}
	if msg.ReplyTo != "" {
		parsed.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: msg.ReplyTo},
		}
	}
	if len(msg.Mentions) > 0 {
		parsed.Mentions = &event.Mentions{UserIDs: msg.Mentions}
	}

	raw := map[string]interface{}{FlagBridgeOriginated: true}
	if msg.Historical {
		raw[FlagHistorical] = true
	}
	return &event.Content{Parsed: parsed, Raw: raw}
}

// SendAsUser sends a message into room as the agent's Matrix user and returns
// the event ID. The transaction ID is fixed before the retry loop so a
// response that was sent but not acknowledged is not duplicated on retry.
func (c *Client) SendAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, msg Message) (id.EventID, error) {
	content := buildContent(msg)
	txnID := "watari-" + uuid.NewString()

	var eventID id.EventID
	err := c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		return retry.Do(ctx, sendRetryConfig, func() error {
			resp, err := cli.SendMessageEvent(ctx, room, event.EventMessage, content,
				mautrix.ReqSendEvent{TransactionID: txnID})
			if err != nil {
				return classify("matrix.send", err)
			}
			eventID = resp.EventID
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// EditAsUser replaces the body of a previously sent event in place. Clients
// that do not understand replacements see the fallback body prefixed with
// an asterisk per convention.
func (c *Client) EditAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, target id.EventID, msg Message) (id.EventID, error) {
	inner := buildContent(msg)
	newContent, _ := inner.Parsed.(*event.MessageEventContent)

	fallback := &event.MessageEventContent{
		MsgType:    newContent.MsgType,
		Body:       "* " + newContent.Body,
		NewContent: newContent,
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: target,
		},
	}
	if newContent.Format == event.FormatHTML {
		fallback.Format = event.FormatHTML
		fallback.FormattedBody = "* " + newContent.FormattedBody
	}
	content := &event.Content{
		Parsed: fallback,
		Raw:    map[string]interface{}{FlagBridgeOriginated: true},
	}
	txnID := "watari-" + uuid.NewString()

	var eventID id.EventID
	err := c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		return retry.Do(ctx, sendRetryConfig, func() error {
			resp, err := cli.SendMessageEvent(ctx, room, event.EventMessage, content,
				mautrix.ReqSendEvent{TransactionID: txnID})
			if err != nil {
				return classify("matrix.edit", err)
			}
			eventID = resp.EventID
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// RedactAsUser removes a previously sent event (the progress-then-delete
// streaming mode uses this to retire interim messages).
func (c *Client) RedactAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, target id.EventID) error {
	return c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		return retry.Do(ctx, sendRetryConfig, func() error {
			_, err := cli.RedactEvent(ctx, room, target, mautrix.ReqRedact{
				TxnID: "watari-" + uuid.NewString(),
			})
			return classify("matrix.redact", err)
		})
	})
}

// SendNoticeAsBot posts an m.notice under the bridge bot's identity. Used for
// operator-facing status lines that should not look like agent output.
func (c *Client) SendNoticeAsBot(ctx context.Context, room id.RoomID, body string) error {
	content := &event.Content{
		Parsed: &event.MessageEventContent{MsgType: event.MsgNotice, Body: body},
		Raw:    map[string]interface{}{FlagBridgeOriginated: true},
	}
	return retry.Do(ctx, sendRetryConfig, func() error {
		_, err := c.bot.SendMessageEvent(ctx, room, event.EventMessage, content,
			mautrix.ReqSendEvent{TransactionID: "watari-" + uuid.NewString()})
		return classify("matrix.notice", err)
	})
}

// SendMediaAsUser uploads data to the content repository and sends it as a
// file or image message under the agent user's identity.
func (c *Client) SendMediaAsUser(ctx context.Context, agentUser id.UserID, password string, room id.RoomID, filename, mimeType string, data []byte) (id.EventID, error) {
	msgType := event.MsgFile
	if strings.HasPrefix(mimeType, "image/") {
		msgType = event.MsgImage
	}
	txnID := "watari-" + uuid.NewString()

	var eventID id.EventID
	err := c.asUser(ctx, userLocalpart(agentUser), password, func(cli *mautrix.Client) error {
		upload, err := cli.UploadBytes(ctx, data, mimeType)
		if err != nil {
			return classify("matrix.upload", err)
		}
		content := &event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: msgType,
				Body:    filename,
				URL:     upload.ContentURI.CUString(),
				Info: &event.FileInfo{
					MimeType: mimeType,
					Size:     len(data),
				},
			},
			Raw: map[string]interface{}{FlagBridgeOriginated: true},
		}
		return retry.Do(ctx, sendRetryConfig, func() error {
			resp, err := cli.SendMessageEvent(ctx, room, event.EventMessage, content,
				mautrix.ReqSendEvent{TransactionID: txnID})
			if err != nil {
				return classify("matrix.send_media", err)
			}
			eventID = resp.EventID
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return eventID, nil
}
