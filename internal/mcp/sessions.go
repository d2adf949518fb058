package mcp

import (
	"container/list"
	"net/http"
	"sync"
	"time"
)

// SessionHeader is the transport header carrying the MCP session identifier.
const SessionHeader = "mcp-session-id"

const (
	defaultIdleTTL     = 5 * time.Minute
	defaultMaxSessions = 100
)

type session struct {
	id         string
	createdAt  time.Time
	lastAccess time.Time
}

// SessionTracker maintains the live MCP session set: entries idle past the
// TTL are evicted lazily on access, and the total count is hard-capped with
// LRU eviction. The transport owns session issuance; the tracker admits ids
// from initialize responses and gates every later request on them.
type SessionTracker struct {
	idleTTL time.Duration
	max     int

	mu       sync.Mutex
	order    *list.List // front = most recently used
	sessions map[string]*list.Element

	now func() time.Time
}

// NewSessionTracker creates a tracker. Zero values select the defaults
// (5-minute idle TTL, 100-session cap).
func NewSessionTracker(idleTTL time.Duration, maxSessions int) *SessionTracker {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &SessionTracker{
		idleTTL:  idleTTL,
		max:      maxSessions,
		order:    list.New(),
		sessions: make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Touch records activity for a session, admitting it if new. Idle entries are
// evicted first; if the tracker is still full, the least recently used
// session makes room.
func (t *SessionTracker) Touch(id string) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.evictIdleLocked(now)

	if el, ok := t.sessions[id]; ok {
		el.Value.(*session).lastAccess = now
		t.order.MoveToFront(el)
		return
	}

	for t.order.Len() >= t.max {
		t.removeLocked(t.order.Back())
	}
	t.sessions[id] = t.order.PushFront(&session{id: id, createdAt: now, lastAccess: now})
}

// Active reports whether a session is tracked and not idle-expired.
func (t *SessionTracker) Active(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictIdleLocked(t.now())
	_, ok := t.sessions[id]
	return ok
}

// Refresh records activity for an already-tracked session. It reports false
// when the id is idle-expired, LRU-evicted, or was never issued.
func (t *SessionTracker) Refresh(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.evictIdleLocked(now)
	el, ok := t.sessions[id]
	if !ok {
		return false
	}
	el.Value.(*session).lastAccess = now
	t.order.MoveToFront(el)
	return true
}

// Remove drops a session (DELETE on the transport).
func (t *SessionTracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.sessions[id]; ok {
		t.removeLocked(el)
	}
}

// Len returns the tracked session count after idle eviction.
func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictIdleLocked(t.now())
	return t.order.Len()
}

func (t *SessionTracker) evictIdleLocked(now time.Time) {
	cutoff := now.Add(-t.idleTTL)
	for {
		back := t.order.Back()
		if back == nil {
			break
		}
		// The back of the list is the least recently used; once it is fresh,
		// everything in front of it is too.
		if !back.Value.(*session).lastAccess.Before(cutoff) {
			break
		}
		t.removeLocked(back)
	}
}

func (t *SessionTracker) removeLocked(el *list.Element) {
	delete(t.sessions, el.Value.(*session).id)
	t.order.Remove(el)
}

// TrackSessions wraps the MCP transport handler, enforcing the idle TTL and
// LRU cap. A request carrying a session id the tracker no longer knows is
// answered 404 without reaching the transport, so the client re-initialises.
// New ids are admitted from the session header the transport sets on the
// initialize response.
func (t *SessionTracker) TrackSessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		switch {
		case id == "":
			next.ServeHTTP(w, r)
			if issued := w.Header().Get(SessionHeader); issued != "" {
				t.Touch(issued)
			}
		case r.Method == http.MethodDelete:
			t.Remove(id)
			next.ServeHTTP(w, r)
		case t.Refresh(id):
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "session expired or unknown; re-initialize", http.StatusNotFound)
		}
	})
}
