package types

import (
	"context"
	"time"
)

// FetchFunc retrieves the full payload for a key from the remote source.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ChunkSource is the ranged remote-source contract. Ordering must be stable
// for a given key across calls made during one load session.
type ChunkSource[T any] interface {
	Fetch(ctx context.Context, offset, limit int) ([]T, error)
}

// Counter is the optional cheap count-only query used for drift detection.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(ctx context.Context) (int, error)

// Count implements Counter.
func (f CounterFunc) Count(ctx context.Context) (int, error) {
	return f(ctx)
}

// Clock abstracts time for staleness decisions.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}
