package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// MutateFunc computes a new payload from the current one. found is false
// when neither tier holds a value.
type MutateFunc func(current []byte, found bool) ([]byte, error)

// CoordinatorConfig configures a FetchCoordinator.
type CoordinatorConfig struct {
	// FetchTimeout bounds a single physical fetch. Zero disables the timer.
	FetchTimeout time.Duration

	// SchemaVersion is stamped on every committed entry.
	SchemaVersion int

	// Persist receives every committed entry after the memory tier is written.
	Persist func(types.Entry)

	// Lookup reads the persistent copy of a key for Update.
	Lookup func(ctx context.Context, key string) (types.Entry, bool)

	Clock   types.Clock
	Logger  logrus.FieldLogger
	Metrics metrics.Recorder
}

// FetchCoordinator guarantees at most one in-flight fetch per key and is the
// single writer of the memory tier.
type FetchCoordinator struct {
	group    singleflight.Group
	memory   *MemoryTier
	config   CoordinatorConfig
	locks    keyLocks
	inflight atomic.Int64

	hookMu    sync.RWMutex
	onSuccess []func(types.Entry)
	onFailure []func(key string, err error)
}

// NewFetchCoordinator creates a coordinator writing into memory.
func NewFetchCoordinator(memory *MemoryTier, config CoordinatorConfig) *FetchCoordinator {
	if config.Clock == nil {
		config.Clock = types.SystemClock{}
	}
	if config.Persist == nil {
		config.Persist = func(types.Entry) {}
	}
	if config.Lookup == nil {
		config.Lookup = func(context.Context, string) (types.Entry, bool) { return types.Entry{}, false }
	}
	config.Metrics = metrics.OrNop(config.Metrics)
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &FetchCoordinator{
		memory: memory,
		config: config,
		locks:  keyLocks{locks: make(map[string]*keyLock)},
	}
}

// OnSuccess registers a hook run after both tiers are written and before any
// waiter resumes.
func (c *FetchCoordinator) OnSuccess(fn func(types.Entry)) {
	c.hookMu.Lock()
	c.onSuccess = append(c.onSuccess, fn)
	c.hookMu.Unlock()
}

// OnFailure registers a hook run once per failed physical fetch.
func (c *FetchCoordinator) OnFailure(fn func(key string, err error)) {
	c.hookMu.Lock()
	c.onFailure = append(c.onFailure, fn)
	c.hookMu.Unlock()
}

// FetchOrJoin runs fetch for key unless a fetch is already in flight, in
// which case it waits for that fetch. Every waiter sees the same outcome.
//
// The fetch runs detached from ctx: a caller whose ctx ends stops waiting
// with OPERATION_CANCELED while the fetch completes for everyone else.
func (c *FetchCoordinator) FetchOrJoin(ctx context.Context, key string, fetch types.FetchFunc) (types.Entry, error) {
	if fetch == nil {
		return types.Entry{}, errors.NewError(errors.ErrCodeNoFetcher, "no fetch function").WithKey(key)
	}

	detached := context.WithoutCancel(ctx)
	var led bool
	ch := c.group.DoChan(key, func() (interface{}, error) {
		led = true
		return c.fetchAndCommit(detached, key, fetch)
	})

	select {
	case res := <-ch:
		if !led {
			c.config.Metrics.RecordFetchJoin()
		}
		if res.Err != nil {
			return types.Entry{}, res.Err
		}
		return res.Val.(types.Entry).Clone(), nil
	case <-ctx.Done():
		return types.Entry{}, errors.NewCanceled(key, ctx.Err())
	}
}

// InFlight returns the number of physical fetches currently running.
func (c *FetchCoordinator) InFlight() int {
	return int(c.inflight.Load())
}

// Update applies mutate to the current payload of key and commits the
// result. It holds the same per-key lock as fetch commits, so one key never
// has two writes in progress.
func (c *FetchCoordinator) Update(ctx context.Context, key string, mutate MutateFunc) (types.Entry, error) {
	if mutate == nil {
		return types.Entry{}, errors.NewInvalidArgument("mutate function is required")
	}

	unlock := c.locks.lock(key)
	current, found := c.memory.peek(key)
	if !found {
		current, found = c.config.Lookup(ctx, key)
	}

	payload, err := mutate(current.Clone().Payload, found)
	if err != nil {
		unlock()
		return types.Entry{}, err
	}
	entry := c.commitLocked(key, payload)
	unlock()

	c.runSuccessHooks(entry)
	return entry.Clone(), nil
}

// Store commits payload for key directly, bypassing the remote source.
func (c *FetchCoordinator) Store(key string, payload []byte) types.Entry {
	unlock := c.locks.lock(key)
	entry := c.commitLocked(key, payload)
	unlock()

	c.runSuccessHooks(entry)
	return entry.Clone()
}

// hydrate copies a persisted entry into memory unless memory already holds
// something at least as new.
func (c *FetchCoordinator) hydrate(entry types.Entry) {
	unlock := c.locks.lock(entry.Key)
	defer unlock()

	if cur, ok := c.memory.peek(entry.Key); ok && !cur.Timestamp.Before(entry.Timestamp) {
		return
	}
	c.memory.put(entry)
}

// exclusive runs fn under the key lock. No commit of key starts or finishes
// while fn runs.
func (c *FetchCoordinator) exclusive(key string, fn func()) {
	unlock := c.locks.lock(key)
	defer unlock()
	fn()
}

func (c *FetchCoordinator) fetchAndCommit(ctx context.Context, key string, fetch types.FetchFunc) (types.Entry, error) {
	c.config.Metrics.SetInFlight(int(c.inflight.Add(1)))
	defer func() { c.config.Metrics.SetInFlight(int(c.inflight.Add(-1))) }()

	start := time.Now()
	payload, err := c.runFetch(ctx, key, fetch)
	if err != nil {
		err = errors.NewFetchFailure(key, err)
		c.config.Metrics.RecordFetch("failure", time.Since(start))
		c.config.Logger.WithFields(logrus.Fields{
			"component": "coordinator",
			"key":       key,
			"code":      errors.GetCode(err),
		}).WithError(err).Warn("Fetch failed")
		c.runFailureHooks(key, err)
		return types.Entry{}, err
	}
	c.config.Metrics.RecordFetch("success", time.Since(start))

	unlock := c.locks.lock(key)
	entry := c.commitLocked(key, payload)
	unlock()

	c.runSuccessHooks(entry)
	return entry, nil
}

// runFetch races fetch against the configured timeout. When the timer wins
// the late result is discarded.
func (c *FetchCoordinator) runFetch(ctx context.Context, key string, fetch types.FetchFunc) ([]byte, error) {
	if c.config.FetchTimeout <= 0 {
		return fetch(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	type outcome struct {
		payload []byte
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		payload, err := fetch(ctx)
		done <- outcome{payload, err}
	}()

	select {
	case o := <-done:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, errors.NewError(errors.ErrCodeFetchTimeout, "remote fetch timed out").
			WithKey(key).WithCause(ctx.Err())
	}
}

// commitLocked stamps one timestamp and writes memory, then persistence.
// Timestamps for a key are strictly increasing so the persistent tier's
// newest-wins rule matches commit order.
func (c *FetchCoordinator) commitLocked(key string, payload []byte) types.Entry {
	now := c.config.Clock.Now()
	if cur, ok := c.memory.peek(key); ok && !now.After(cur.Timestamp) {
		now = cur.Timestamp.Add(time.Nanosecond)
	}

	entry := types.Entry{
		Key:           key,
		Payload:       payload,
		Timestamp:     now,
		SchemaVersion: c.config.SchemaVersion,
	}
	c.memory.put(entry)
	c.config.Persist(entry.Clone())
	return entry
}

func (c *FetchCoordinator) runSuccessHooks(entry types.Entry) {
	c.hookMu.RLock()
	hooks := c.onSuccess
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(entry.Clone())
	}
}

func (c *FetchCoordinator) runFailureHooks(key string, err error) {
	c.hookMu.RLock()
	hooks := c.onFailure
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(key, err)
	}
}

// keyLocks hands out one mutex per key, dropped when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
