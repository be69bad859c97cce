package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// nameTTL bounds how long a resolved display name is reused before the
// profile is read again, so renames show up within a few minutes.
const nameTTL = 5 * time.Minute

type nameEntry struct {
	name string
	at   time.Time
}

// nameCache memoizes profile display names per sender.
type nameCache struct {
	mu      sync.Mutex
	entries map[id.UserID]nameEntry
	now     func() time.Time
}

func newNameCache() *nameCache {
	return &nameCache{
		entries: make(map[id.UserID]nameEntry),
		now:     time.Now,
	}
}

func (c *nameCache) get(user id.UserID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[user]
	if !ok || c.now().Sub(e.at) > nameTTL {
		delete(c.entries, user)
		return "", false
	}
	return e.name, true
}

func (c *nameCache) put(user id.UserID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[user] = nameEntry{name: name, at: c.now()}
}

// displayName resolves the sender's profile name for the envelope, falling
// back to the MXID localpart when the profile is empty or unreadable.
func (r *Router) displayName(ctx context.Context, user id.UserID) string {
	if name, ok := r.names.get(user); ok {
		return name
	}
	name, err := r.matrix.DisplayName(ctx, user)
	if err != nil {
		slog.Warn("display name lookup failed", "user", user, "error", err)
	}
	if name == "" {
		name = user.Localpart()
	}
	r.names.put(user, name)
	return name
}
