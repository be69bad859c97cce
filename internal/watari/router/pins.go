package router

import (
	"sync"
	"time"
)

// pinTTL bounds how long an advisory conversation pin is honoured.
const pinTTL = 300 * time.Second

type pinKey struct {
	room  string
	agent string
	user  string
}

type pinEntry struct {
	conversationID string
	expires        time.Time
}

// pinTable holds advisory conversation pins registered over HTTP. A pin tells
// the router which upstream conversation to bind the next message to instead
// of creating a fresh one. Pins are consumed on use and expire after pinTTL.
type pinTable struct {
	mu   sync.Mutex
	pins map[pinKey]pinEntry
	now  func() time.Time
}

func newPinTable() *pinTable {
	return &pinTable{pins: make(map[pinKey]pinEntry), now: time.Now}
}

func (p *pinTable) set(room, agent, user, conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[pinKey{room, agent, user}] = pinEntry{
		conversationID: conversationID,
		expires:        p.now().Add(pinTTL),
	}
}

// take returns and removes the pin for the triple, if one exists and has not
// expired.
func (p *pinTable) take(room, agent, user string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pinKey{room, agent, user}
	entry, ok := p.pins[key]
	if !ok {
		return "", false
	}
	delete(p.pins, key)
	if p.now().After(entry.expires) {
		return "", false
	}
	return entry.conversationID, true
}

// PinConversation registers an advisory pin, typically on behalf of the
// conversations-register endpoint.
func (r *Router) PinConversation(room, agent, user, conversationID string) {
	r.pins.set(room, agent, user, conversationID)
}
