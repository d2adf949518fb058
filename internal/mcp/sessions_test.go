package mcp

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func trackerAt(idleTTL time.Duration, max int, start time.Time) (*SessionTracker, *time.Time) {
	t := NewSessionTracker(idleTTL, max)
	now := start
	t.now = func() time.Time { return now }
	return t, &now
}

func TestTrackerIdleEviction(t *testing.T) {
	tr, now := trackerAt(5*time.Minute, 100, time.Unix(1_700_000_000, 0))

	tr.Touch("a")
	tr.Touch("b")
	assert.Equal(t, 2, tr.Len())

	// Keep b alive past a's expiry.
	*now = now.Add(4 * time.Minute)
	tr.Touch("b")
	*now = now.Add(2 * time.Minute)

	assert.False(t, tr.Active("a"), "idle past 5 minutes")
	assert.True(t, tr.Active("b"))
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerLRUCap(t *testing.T) {
	tr, _ := trackerAt(time.Hour, 3, time.Unix(1_700_000_000, 0))

	tr.Touch("a")
	tr.Touch("b")
	tr.Touch("c")
	tr.Touch("a") // a becomes most recent
	tr.Touch("d") // evicts b, the LRU

	assert.True(t, tr.Active("a"))
	assert.False(t, tr.Active("b"))
	assert.True(t, tr.Active("c"))
	assert.True(t, tr.Active("d"))
	assert.Equal(t, 3, tr.Len())
}

func TestTrackerCapDefaults(t *testing.T) {
	tr := NewSessionTracker(0, 0)
	assert.Equal(t, defaultIdleTTL, tr.idleTTL)
	assert.Equal(t, defaultMaxSessions, tr.max)
}

func TestTrackerHardCapUnderChurn(t *testing.T) {
	tr, _ := trackerAt(time.Hour, 100, time.Unix(1_700_000_000, 0))
	for i := 0; i < 250; i++ {
		tr.Touch(fmt.Sprintf("sess-%d", i))
	}
	assert.Equal(t, 100, tr.Len())
	assert.True(t, tr.Active("sess-249"))
	assert.False(t, tr.Active("sess-0"))
}

// initHandler mimics the transport's initialize path: it issues a session id
// on the response header.
func initHandler(id string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if id != "" {
			w.Header().Set(SessionHeader, id)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func sessionRequest(method, id string) *http.Request {
	req := httptest.NewRequest(method, "/mcp", nil)
	if id != "" {
		req.Header.Set(SessionHeader, id)
	}
	return req
}

func TestTrackSessionsAdmitsIssuedSession(t *testing.T) {
	tr, _ := trackerAt(time.Hour, 10, time.Unix(1_700_000_000, 0))
	handler := tr.TrackSessions(initHandler("sess-1"))

	// Initialize: no request header, the transport issues the id.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(http.MethodPost, ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, tr.Active("sess-1"))

	// Follow-up request with the issued id passes through.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(http.MethodPost, "sess-1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// No header and no issued id: nothing tracked.
	handler.ServeHTTP(httptest.NewRecorder(), sessionRequest(http.MethodPost, ""))
	assert.Equal(t, 1, tr.Len())
}

func TestTrackSessionsRejectsUnknownSession(t *testing.T) {
	tr, _ := trackerAt(time.Hour, 10, time.Unix(1_700_000_000, 0))
	reached := false
	handler := tr.TrackSessions(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(http.MethodPost, "never-issued"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, reached, "transport must not see unknown sessions")
	assert.Equal(t, 0, tr.Len(), "rejection must not admit the id")
}

func TestTrackSessionsRejectsIdleExpiredSession(t *testing.T) {
	tr, now := trackerAt(5*time.Minute, 10, time.Unix(1_700_000_000, 0))
	handler := tr.TrackSessions(initHandler("sess-1"))

	handler.ServeHTTP(httptest.NewRecorder(), sessionRequest(http.MethodPost, ""))
	assert.True(t, tr.Active("sess-1"))

	// Idle past the TTL: the next request must 404 and must not quietly
	// re-admit the id.
	*now = now.Add(10 * time.Minute)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(http.MethodPost, "sess-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, tr.Active("sess-1"))
	assert.Equal(t, 0, tr.Len())

	// Re-initializing issues a fresh admission.
	handler.ServeHTTP(httptest.NewRecorder(), sessionRequest(http.MethodPost, ""))
	assert.True(t, tr.Active("sess-1"))
}

func TestTrackSessionsDeleteTerminates(t *testing.T) {
	tr, _ := trackerAt(time.Hour, 10, time.Unix(1_700_000_000, 0))
	handler := tr.TrackSessions(initHandler("sess-1"))

	handler.ServeHTTP(httptest.NewRecorder(), sessionRequest(http.MethodPost, ""))
	assert.True(t, tr.Active("sess-1"))

	handler.ServeHTTP(httptest.NewRecorder(), sessionRequest(http.MethodDelete, "sess-1"))
	assert.False(t, tr.Active("sess-1"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, sessionRequest(http.MethodPost, "sess-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefresh(t *testing.T) {
	tr, now := trackerAt(5*time.Minute, 10, time.Unix(1_700_000_000, 0))

	assert.False(t, tr.Refresh("missing"))

	tr.Touch("a")
	*now = now.Add(4 * time.Minute)
	assert.True(t, tr.Refresh("a"), "refresh within the TTL")

	// The refresh restarted the idle clock.
	*now = now.Add(4 * time.Minute)
	assert.True(t, tr.Active("a"))

	*now = now.Add(6 * time.Minute)
	assert.False(t, tr.Refresh("a"), "idle-expired sessions do not refresh")
}
