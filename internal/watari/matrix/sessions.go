package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/internal/watari/fault"
)

// sessionCache holds one logged-in mautrix client per Matrix user. Agent
// sessions are created lazily on first use and reused for the lifetime of the
// process; a session whose token the homeserver rejects is dropped and
// re-established once.
type sessionCache struct {
	homeserver string

	mu       sync.Mutex
	sessions map[string]*mautrix.Client
}

func newSessionCache(homeserver string) *sessionCache {
	return &sessionCache{
		homeserver: homeserver,
		sessions:   make(map[string]*mautrix.Client),
	}
}

// get returns the cached session for user, logging in when password is
// provided and no session exists yet.
func (sc *sessionCache) get(ctx context.Context, user, password string) (*mautrix.Client, error) {
	sc.mu.Lock()
	cli, ok := sc.sessions[user]
	sc.mu.Unlock()
	if ok {
		return cli, nil
	}
	if password == "" {
		return nil, fault.Newf(fault.KindAuthExpired, "matrix.session",
			"no cached session for %s", user)
	}
	return sc.login(ctx, user, password)
}

// login establishes a fresh session and caches it, replacing any previous one.
func (sc *sessionCache) login(ctx context.Context, user, password string) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(sc.homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("matrix: new client: %w", err)
	}
	_, err = cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: user,
		},
		Password:                 password,
		InitialDeviceDisplayName: "watari-bridge",
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, classify("matrix.login", err)
	}

	sc.mu.Lock()
	sc.sessions[user] = cli
	sc.mu.Unlock()
	slog.Debug("matrix session opened", "user", cli.UserID)
	return cli, nil
}

// invalidate drops a cached session so the next use re-authenticates.
func (sc *sessionCache) invalidate(user string) {
	sc.mu.Lock()
	delete(sc.sessions, user)
	sc.mu.Unlock()
}

// asUser runs fn with the user's session. When the homeserver reports the
// token as unknown (homeserver restart, admin-side logout) the session is
// re-established once and fn retried; any other error passes through.
func (c *Client) asUser(ctx context.Context, user, password string, fn func(cli *mautrix.Client) error) error {
	cli, err := c.sessions.get(ctx, user, password)
	if err != nil {
		return err
	}
	err = fn(cli)
	if fault.KindOf(classify("", err)) != fault.KindAuthExpired {
		return err
	}

	slog.Warn("matrix session token rejected, re-authenticating", "user", user)
	c.sessions.invalidate(user)
	cli, err = c.sessions.login(ctx, user, password)
	if err != nil {
		return err
	}
	return fn(cli)
}

// userLocalpart returns the localpart of an MXID string like
// "@agent_x:server". Full MXIDs and bare localparts are both accepted by the
// login identifier, so callers pass either through unchanged.
func userLocalpart(userID id.UserID) string {
	local, _, err := userID.Parse()
	if err != nil {
		return string(userID)
	}
	return local
}
