package assets

import (
	"net/http"
	"sync"
	"time"
)

// Timeline records every URL the process has fetched successfully through
// an instrumented transport, regardless of which code path issued it.
type Timeline struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

var defaultTimeline = NewTimeline()

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{seen: make(map[string]time.Time)}
}

// DefaultTimeline returns the process-wide timeline.
func DefaultTimeline() *Timeline {
	return defaultTimeline
}

// Record marks url as fetched.
func (t *Timeline) Record(url string) {
	t.mu.Lock()
	t.seen[url] = time.Now()
	t.mu.Unlock()
}

// Seen reports whether url has been fetched.
func (t *Timeline) Seen(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[url]
	return ok
}

// FetchedAt returns when url was last fetched.
func (t *Timeline) FetchedAt(url string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.seen[url]
	return at, ok
}

// Len returns the number of recorded URLs.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}

// Transport wraps base so that successful responses are recorded. A nil
// base means http.DefaultTransport.
func (t *Timeline) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &recordingTransport{base: base, timeline: t}
}

type recordingTransport struct {
	base     http.RoundTripper
	timeline *Timeline
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.base.RoundTrip(req)
	if err == nil && resp.StatusCode < http.StatusBadRequest {
		rt.timeline.Record(req.URL.String())
	}
	return resp, err
}
