package types

import (
	"time"
)

// Entry is the canonical cached value for one key. Payload is opaque to the
// cache; only callers know how to decode it.
type Entry struct {
	Key           string    `json:"key"`
	Payload       []byte    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
}

// Age returns how long ago the entry was written, relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Clone returns a deep copy so holders never share the payload slice.
func (e Entry) Clone() Entry {
	c := e
	if e.Payload != nil {
		c.Payload = make([]byte, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return c
}

// Freshness classifies a cached value.
type Freshness int

const (
	// Absent means no usable value exists for the key.
	Absent Freshness = iota
	// Fresh means the value is within its namespace TTL.
	Fresh
	// Stale means the value is served but a background refresh is due.
	Stale
)

// String returns string representation of freshness
func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Result is what a consumer sees for a key: the best value available right
// now plus the state of any revalidation.
type Result struct {
	Key        string
	Data       []byte
	Found      bool
	IsStale    bool
	IsFetching bool
	Err        error
	Timestamp  time.Time
}

// Loading reports the cold-start case: nothing cached and a fetch running.
// Consumers should show a spinner only when this is true.
func (r Result) Loading() bool {
	return !r.Found && r.IsFetching
}

// Range is a half-open interval [Offset, Offset+Count) of remote positions.
type Range struct {
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// End returns the first position after the range.
func (r Range) End() int {
	return r.Offset + r.Count
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	Size      int64   `json:"size"`
	HitRate   float64 `json:"hit_rate"`
}

// ServiceStats aggregates per-tier statistics for a cache service.
type ServiceStats struct {
	Memory         CacheStats `json:"memory"`
	Persistent     CacheStats `json:"persistent"`
	InFlight       int        `json:"in_flight"`
	PersistFailure uint64     `json:"persist_failures"`
	MemoryOnly     bool       `json:"memory_only"`
}
