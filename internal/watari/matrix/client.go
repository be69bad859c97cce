// Package matrix wraps the mautrix client-server API for the bridge.
//
// The bridge speaks to the homeserver under many identities: the bridge bot
// (sync loop, invitations), the homeserver admin (registration), and one
// Matrix user per agent (all agent-authored messages). Client owns the
// long-lived bot and admin sessions plus a lazy per-user session cache; every
// room-visible message is sent under the identity that owns it, never under
// the bot.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/common/retry"
	"github.com/ajisai/watari/internal/watari/fault"
)

// Config holds Matrix client configuration.
type Config struct {
	// Homeserver is the base URL, e.g. "https://matrix.example.org".
	Homeserver string
	// BotUser / BotPassword are the bridge bot credentials. The bot runs the
	// sync loop and administrative room operations but never authors agent
	// messages.
	BotUser     string
	BotPassword string
	// AdminUser / AdminPassword are homeserver admin credentials used for
	// account registration.
	AdminUser     string
	AdminPassword string
	// SharedSecret enables Synapse shared-secret registration when set.
	// Without it the standard dummy-auth registration flow is used.
	SharedSecret string
	// SyncTimeout is the long-poll timeout per sync call. Defaults to 30s.
	SyncTimeout time.Duration
}

// Client is the bridge's Matrix API surface.
type Client struct {
	cfg      Config
	bot      *mautrix.Client
	admin    *mautrix.Client
	sessions *sessionCache
	// serverName is the homeserver's name part (derived from the bot MXID
	// after login), used for via hints in space state events.
	serverName string
}

// New creates the client. No network calls happen until Start.
func New(cfg Config) (*Client, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("matrix: Homeserver is required")
	}
	if cfg.BotUser == "" || cfg.BotPassword == "" {
		return nil, fmt.Errorf("matrix: bot credentials are required")
	}
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil, fmt.Errorf("matrix: admin credentials are required")
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		sessions: newSessionCache(cfg.Homeserver),
	}, nil
}

// Start logs in the bot and admin sessions and derives the server name.
func (c *Client) Start(ctx context.Context) error {
	bot, err := c.sessions.login(ctx, c.cfg.BotUser, c.cfg.BotPassword)
	if err != nil {
		return fmt.Errorf("matrix: bot login: %w", err)
	}
	admin, err := c.sessions.login(ctx, c.cfg.AdminUser, c.cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("matrix: admin login: %w", err)
	}
	c.bot = bot
	c.admin = admin

	parts := strings.SplitN(bot.UserID.String(), ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("matrix: malformed bot user id %q", bot.UserID)
	}
	c.serverName = parts[1]

	slog.Info("matrix sessions established",
		"bot", bot.UserID, "admin", admin.UserID, "server", c.serverName)
	return nil
}

// BotUserID returns the bridge bot's MXID. Valid after Start.
func (c *Client) BotUserID() id.UserID {
	if c.bot == nil {
		return ""
	}
	return c.bot.UserID
}

// AdminUserID returns the homeserver admin's MXID. Valid after Start.
func (c *Client) AdminUserID() id.UserID {
	if c.admin == nil {
		return ""
	}
	return c.admin.UserID
}

// ServerName returns the homeserver name part. Valid after Start.
func (c *Client) ServerName() string { return c.serverName }

// Whoami resolves the user owning a session; used to lazily re-validate
// cached tokens.
func (c *Client) Whoami(ctx context.Context, userID string) (id.UserID, error) {
	cli, err := c.sessions.get(ctx, userID, "")
	if err != nil {
		return "", err
	}
	resp, err := cli.Whoami(ctx)
	if err != nil {
		return "", classify("matrix.whoami", err)
	}
	return resp.UserID, nil
}

// classify maps a mautrix error into the bridge's fault kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, mautrix.MLimitExceeded):
		return fault.New(fault.KindRateLimited, op, err)
	case errors.Is(err, mautrix.MUnknownToken), errors.Is(err, mautrix.MMissingToken):
		return fault.New(fault.KindAuthExpired, op, err)
	case errors.Is(err, mautrix.MNotFound):
		return fault.New(fault.KindNotFound, op, err)
	case errors.Is(err, mautrix.MUserInUse), errors.Is(err, mautrix.MRoomInUse):
		return fault.New(fault.KindConflict, op, err)
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Response != nil && httpErr.Response.StatusCode >= 500 {
			return fault.New(fault.KindTransientNetwork, op, err)
		}
		return fault.New(fault.KindUnknown, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.KindTransientNetwork, op, err)
	}
	return fault.New(fault.KindUnknown, op, err)
}

// retryAfter extracts the homeserver's retry_after_ms hint from a rate-limit
// error, or -1 when absent.
func retryAfter(err error) time.Duration {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.RespError == nil {
		return -1
	}
	if ms, ok := httpErr.RespError.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return -1
}

// sendRetryConfig is the backoff policy for homeserver writes: exponential
// with jitter, capped, honouring retry_after_ms on 429s.
var sendRetryConfig = retry.Config{
	MaxAttempts:  4,
	InitialDelay: time.Second,
	MaxDelay:     8 * time.Second,
	Jitter:       true,
	ShouldRetry:  func(err error) bool { return fault.Retryable(fault.KindOf(err)) },
	DelayFor:     retryAfter,
}
