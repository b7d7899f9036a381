package progressive

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/objectfs/tiercache/internal/drift"
	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/logging"
	"github.com/objectfs/tiercache/pkg/types"
)

// State is the phase of a progressive load.
type State int

const (
	Idle State = iota
	LoadingInitial
	LoadingBackground
	Paused
	Complete
	Error
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LoadingInitial:
		return "loading_initial"
	case LoadingBackground:
		return "loading_background"
	case Paused:
		return "paused"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ChunkFunc adapts a function to types.ChunkSource.
type ChunkFunc[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// Fetch implements types.ChunkSource.
func (f ChunkFunc[T]) Fetch(ctx context.Context, offset, limit int) ([]T, error) {
	return f(ctx, offset, limit)
}

// Store persists collection records. *cache.Namespace satisfies it.
type Store interface {
	Peek(ctx context.Context, key string) (types.Entry, types.Freshness)
	Put(ctx context.Context, key string, payload []byte) (types.Entry, error)
}

// DriftChecker is run after a complete record is served from cache.
type DriftChecker interface {
	CheckForDrift(ctx context.Context, key string, cachedCount int, reloader drift.Reloader) (drift.Outcome, error)
}

// Options configures a Loader.
type Options[T any] struct {
	InitialChunkSize    int
	BackgroundChunkSize int
	ChunkDelay          time.Duration

	// Identity returns the stable identity of an item. Required.
	Identity func(T) string
	// Less is the domain order reapplied after every chunk. Optional.
	Less func(a, b T) bool
	// Counter, when set, is asked for the remote total before a fresh load
	// so progress can be reported early.
	Counter types.Counter

	Store   Store
	Drift   DriftChecker
	Logger  logrus.FieldLogger
	Metrics metrics.Recorder
	Clock   types.Clock
}

// Snapshot is what a consumer renders.
type Snapshot[T any] struct {
	Key              string
	Items            []T
	State            State
	Total            int
	IsLoadingInitial bool
	IsLoadingMore    bool
	ProgressPercent  int
	IsComplete       bool
	Reloading        bool
	Err              error
	Session          string
}

// Loader fetches a large collection in chunks, serving what it has so far.
type Loader[T any] struct {
	key     string
	source  types.ChunkSource[T]
	opts    Options[T]
	limiter *rate.Limiter
	logger  logrus.FieldLogger
	metrics metrics.Recorder

	mu      sync.Mutex
	state   State
	visible *accumulation[T]
	target  *accumulation[T]
	err     error
	session string
	cancel  context.CancelFunc
	done    chan struct{}
	resume  chan struct{}
	// starting is held while Start reads the persisted record.
	starting bool

	active sync.WaitGroup

	subMu  sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Snapshot[T])
}

// New validates opts and creates an idle Loader.
func New[T any](key string, source types.ChunkSource[T], opts Options[T]) (*Loader[T], error) {
	switch {
	case key == "":
		return nil, errors.NewInvalidArgument("collection key is required")
	case source == nil:
		return nil, errors.NewInvalidArgument("chunk source is required")
	case opts.Identity == nil:
		return nil, errors.NewInvalidArgument("identity function is required")
	case opts.InitialChunkSize <= 0:
		return nil, errors.NewInvalidArgument("initial chunk size must be positive, got %d", opts.InitialChunkSize)
	case opts.BackgroundChunkSize <= 0:
		return nil, errors.NewInvalidArgument("background chunk size must be positive, got %d", opts.BackgroundChunkSize)
	case opts.ChunkDelay < 0:
		return nil, errors.NewInvalidArgument("chunk delay must not be negative")
	}

	limit := rate.Inf
	if opts.ChunkDelay > 0 {
		limit = rate.Every(opts.ChunkDelay)
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock{}
	}

	acc := newAccumulation[T]()
	return &Loader[T]{
		key:     key,
		source:  source,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.OrDiscard(opts.Logger).WithFields(logrus.Fields{"component": "progressive", "key": key}),
		metrics: metrics.OrNop(opts.Metrics),
		visible: acc,
		target:  acc,
		subs:    make(map[uint64]func(Snapshot[T])),
	}, nil
}

// Use creates a Loader and starts it.
func Use[T any](ctx context.Context, key string, source types.ChunkSource[T], opts Options[T]) (*Loader[T], error) {
	l, err := New(key, source, opts)
	if err != nil {
		return nil, err
	}
	if err := l.Start(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Key returns the collection key.
func (l *Loader[T]) Key() string {
	return l.key
}

// Start serves the persisted record, if any, and loads whatever is missing.
// A complete fresh record is served as is and checked for drift; a stale one
// is served while a reload runs. Start does nothing unless the loader is Idle.
func (l *Loader[T]) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != Idle || l.done != nil || l.starting {
		l.mu.Unlock()
		return nil
	}
	l.starting = true
	l.mu.Unlock()

	acc, complete, fresh, found := l.restore(ctx)

	l.mu.Lock()
	l.starting = false
	if l.state != Idle || l.done != nil {
		l.mu.Unlock()
		return nil
	}
	switch {
	case found && complete:
		l.visible, l.target = acc, acc
		l.state = Complete
		l.mu.Unlock()
		l.notify()
		l.logger.WithField("items", len(acc.items)).Debug("Serving complete collection from cache")
		if !fresh {
			return l.Reload(ctx)
		}
		l.checkDrift(ctx, acc.total)
		return nil
	case found:
		l.visible, l.target = acc, acc
		offset := acc.ranges.ContiguousEnd()
		if offset == 0 {
			l.startLocked(ctx, LoadingInitial, 0, true)
		} else {
			l.startLocked(ctx, LoadingBackground, offset, true)
		}
		l.logger.WithField("offset", offset).Info("Resuming partial collection")
	default:
		acc = newAccumulation[T]()
		l.visible, l.target = acc, acc
		l.startLocked(ctx, LoadingInitial, 0, true)
	}
	l.mu.Unlock()
	l.notify()
	return nil
}

// Cancel stops the running load before its next chunk. Chunks already
// applied stay persisted as incomplete. The loader returns to Idle.
func (l *Loader[T]) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// Pause suspends a background load between chunks. It reports whether the
// loader was paused.
func (l *Loader[T]) Pause() bool {
	l.mu.Lock()
	if l.state != LoadingBackground {
		l.mu.Unlock()
		return false
	}
	l.state = Paused
	l.resume = make(chan struct{})
	l.mu.Unlock()
	l.notify()
	return true
}

// Resume continues a paused load.
func (l *Loader[T]) Resume() bool {
	l.mu.Lock()
	if l.state != Paused {
		l.mu.Unlock()
		return false
	}
	l.state = LoadingBackground
	close(l.resume)
	l.resume = nil
	l.mu.Unlock()
	l.notify()
	return true
}

// Retry continues a failed load from the next unfetched offset within the
// same session.
func (l *Loader[T]) Retry(ctx context.Context) error {
	l.mu.Lock()
	defer l.notify()
	defer l.mu.Unlock()

	if l.state != Error {
		return nil
	}
	offset := l.target.ranges.ContiguousEnd()
	if offset == 0 {
		l.startLocked(ctx, LoadingInitial, 0, false)
	} else {
		l.startLocked(ctx, LoadingBackground, offset, false)
	}
	return nil
}

// Reload restarts the collection from scratch. The current items remain in
// snapshots until the new load completes.
func (l *Loader[T]) Reload(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		done := l.done
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.NewCanceled(l.key, ctx.Err())
		}
		l.mu.Lock()
	}

	l.state = Idle
	l.target = newAccumulation[T]()
	l.startLocked(ctx, LoadingInitial, 0, true)
	l.mu.Unlock()

	l.logger.Info("Reloading collection")
	l.notify()
	return nil
}

// Snapshot returns the current view.
func (l *Loader[T]) Snapshot() Snapshot[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// State returns the current state.
func (l *Loader[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Subscribe registers fn for every state or item change.
func (l *Loader[T]) Subscribe(fn func(Snapshot[T])) (unsubscribe func()) {
	l.subMu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[id] = fn
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

// Wait blocks until no load or drift check is running, or ctx is done.
func (l *Loader[T]) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader[T]) startLocked(ctx context.Context, state State, offset int, newSession bool) {
	runCtx, cancel := context.WithCancel(ctx)
	if newSession || l.session == "" {
		l.session = uuid.NewString()
	}
	l.state = state
	l.err = nil
	l.cancel = cancel
	l.done = make(chan struct{})
	l.resume = nil

	l.active.Add(1)
	go l.run(runCtx, l.target, offset, state == LoadingInitial, l.session, l.done)
}

func (l *Loader[T]) run(ctx context.Context, target *accumulation[T], offset int, initial bool, session string, done chan struct{}) {
	defer l.active.Done()
	defer close(done)

	logger := l.logger.WithField("session", session)
	if initial && l.opts.Counter != nil {
		l.learnTotal(ctx, target, logger)
	}

	for {
		if err := ctx.Err(); err != nil {
			l.finishCanceled(target, done, logger)
			return
		}
		if err := l.waitIfPaused(ctx); err != nil {
			l.finishCanceled(target, done, logger)
			return
		}
		if err := l.limiter.Wait(ctx); err != nil {
			l.finishCanceled(target, done, logger)
			return
		}

		size := l.opts.BackgroundChunkSize
		if initial {
			size = l.opts.InitialChunkSize
		}
		chunk, err := l.source.Fetch(ctx, offset, size)
		if err != nil {
			if ctx.Err() != nil {
				l.finishCanceled(target, done, logger)
				return
			}
			l.finishError(errors.NewFetchFailure(l.key, err), done, logger)
			return
		}
		l.metrics.RecordChunk(len(chunk))

		l.mu.Lock()
		added := target.merge(chunk, offset, l.opts.Identity, l.opts.Less)
		offset += len(chunk)
		complete := len(chunk) < size
		if complete {
			target.total = target.ranges.ContiguousEnd()
			complete = target.ranges.Covers(0, target.total)
		}
		l.mu.Unlock()

		logger.WithFields(logrus.Fields{
			"offset": offset - len(chunk),
			"chunk":  len(chunk),
			"added":  added,
		}).Debug("Chunk applied")

		l.persist(ctx, target, complete, session, logger)

		l.mu.Lock()
		if complete {
			l.visible = target
			l.state = Complete
			l.releaseLocked(done)
		} else if l.state != Paused {
			l.state = LoadingBackground
		}
		l.mu.Unlock()
		l.notify()

		if complete {
			logger.WithField("items", len(target.items)).Info("Collection complete")
			return
		}
		initial = false
	}
}

func (l *Loader[T]) learnTotal(ctx context.Context, target *accumulation[T], logger logrus.FieldLogger) {
	n, err := l.opts.Counter.Count(ctx)
	if err != nil {
		logger.WithError(err).Debug("Remote count unavailable")
		return
	}
	l.mu.Lock()
	target.total = n
	l.mu.Unlock()
}

func (l *Loader[T]) waitIfPaused(ctx context.Context) error {
	l.mu.Lock()
	ch := l.resume
	l.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist writes the record even if the run was canceled, so applied chunks
// survive.
func (l *Loader[T]) persist(ctx context.Context, target *accumulation[T], complete bool, session string, logger logrus.FieldLogger) {
	if l.opts.Store == nil {
		return
	}
	l.mu.Lock()
	payload, err := target.encode(complete, session, l.opts.Clock.Now())
	l.mu.Unlock()
	if err != nil {
		logger.WithError(err).Warn("Failed to encode collection record")
		return
	}
	if _, err := l.opts.Store.Put(context.WithoutCancel(ctx), l.key, payload); err != nil {
		logger.WithError(err).Warn("Failed to persist collection record")
	}
}

// releaseLocked cancels the run context of the run owning done and clears
// the run handles.
func (l *Loader[T]) releaseLocked(done chan struct{}) {
	if l.done != done {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = nil
	l.done = nil
}

func (l *Loader[T]) finishCanceled(target *accumulation[T], done chan struct{}, logger logrus.FieldLogger) {
	l.mu.Lock()
	l.state = Idle
	l.releaseLocked(done)
	l.resume = nil
	if target != l.visible {
		l.target = l.visible
	}
	l.mu.Unlock()
	logger.Info("Collection load canceled")
	l.notify()
}

func (l *Loader[T]) finishError(err error, done chan struct{}, logger logrus.FieldLogger) {
	l.mu.Lock()
	l.state = Error
	l.err = err
	l.releaseLocked(done)
	l.mu.Unlock()
	logger.WithError(err).Warn("Collection load failed")
	l.notify()
}

func (l *Loader[T]) restore(ctx context.Context) (acc *accumulation[T], complete, fresh, found bool) {
	if l.opts.Store == nil {
		return nil, false, false, false
	}
	entry, freshness := l.opts.Store.Peek(ctx, l.key)
	if freshness == types.Absent {
		return nil, false, false, false
	}
	acc, complete, err := decodeRecord(entry.Payload, l.opts.Identity, l.opts.Less)
	if err != nil {
		l.logger.WithError(err).Warn("Discarding unreadable collection record")
		return nil, false, false, false
	}
	return acc, complete, freshness == types.Fresh, true
}

func (l *Loader[T]) checkDrift(ctx context.Context, cachedCount int) {
	if l.opts.Drift == nil {
		return
	}
	l.active.Add(1)
	go func() {
		defer l.active.Done()
		_, _ = l.opts.Drift.CheckForDrift(ctx, l.key, cachedCount, l)
	}()
}

func (l *Loader[T]) snapshotLocked() Snapshot[T] {
	items := l.visible.snapshotItems()
	s := Snapshot[T]{
		Key:        l.key,
		Items:      items,
		State:      l.state,
		Total:      l.visible.total,
		IsComplete: l.state == Complete,
		Reloading:  l.target != l.visible,
		Err:        l.err,
		Session:    l.session,
	}
	loading := l.state == LoadingInitial || l.state == LoadingBackground || l.state == Paused
	s.IsLoadingInitial = l.state == LoadingInitial && len(items) == 0
	s.IsLoadingMore = loading && !s.IsLoadingInitial

	switch {
	case s.IsComplete:
		s.ProgressPercent = 100
	case l.target.total > 0:
		p := l.target.ranges.ContiguousEnd() * 100 / l.target.total
		if p > 99 {
			p = 99
		}
		s.ProgressPercent = p
	}
	return s
}

func (l *Loader[T]) notify() {
	snap := l.Snapshot()

	l.subMu.RLock()
	listeners := make([]func(Snapshot[T]), 0, len(l.subs))
	for _, fn := range l.subs {
		listeners = append(listeners, fn)
	}
	l.subMu.RUnlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func sortStable[T any](items []T, less func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}
