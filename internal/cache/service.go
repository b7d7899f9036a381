package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/objectfs/tiercache/internal/config"
	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/logging"
	"github.com/objectfs/tiercache/pkg/types"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// StaleAfter is the default freshness window.
	StaleAfter time.Duration

	// Namespaces overrides StaleAfter per namespace.
	Namespaces map[string]time.Duration

	// FetchTimeout bounds each physical fetch. Zero disables the timer.
	FetchTimeout time.Duration

	// SchemaVersion is stamped on entries and checked on persistent reads.
	SchemaVersion int

	// Store configures the persistent tier. Nil runs memory-only.
	Store *StoreConfig
}

// ConfigFrom derives a ServiceConfig from the application configuration.
func ConfigFrom(cfg *config.Configuration) ServiceConfig {
	sc := ServiceConfig{
		StaleAfter:    cfg.Cache.StaleAfter,
		FetchTimeout:  cfg.Cache.FetchTimeout,
		SchemaVersion: cfg.Persistent.SchemaVersion,
		Namespaces:    make(map[string]time.Duration, len(cfg.Cache.Namespaces)),
	}
	for name, ttl := range cfg.Cache.Namespaces {
		sc.Namespaces[name] = ttl.StaleAfter
	}
	if cfg.Persistent.Enabled {
		sc.Store = &StoreConfig{
			Directory:       cfg.Persistent.Directory,
			HardExpiry:      cfg.Persistent.HardExpiry,
			SchemaVersion:   cfg.Persistent.SchemaVersion,
			Compression:     cfg.Persistent.Compression,
			CleanupInterval: cfg.Persistent.CleanupInterval,
			SyncInterval:    cfg.Persistent.SyncInterval,
		}
	}
	return sc
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(s *Service) { s.metrics = recorder }
}

// WithClock sets the clock used for staleness decisions and timestamps.
func WithClock(clock types.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithStore uses an already opened store. The service does not close it.
func WithStore(store *Store) Option {
	return func(s *Service) { s.store = store }
}

// Service is the process-wide cache instance: one memory tier, one
// persistent store, and one fetch coordinator shared by all namespaces.
type Service struct {
	memory    *MemoryTier
	store     *Store
	ownsStore bool
	coord     *FetchCoordinator
	policies  Policies
	subs      *subscribers

	mu       sync.Mutex
	fetchers map[string]types.FetchFunc
	lastErr  map[string]error
	closed   bool

	wg              sync.WaitGroup
	pending         pendingWrites
	persistFailures atomic.Uint64

	logger  logrus.FieldLogger
	metrics metrics.Recorder
	clock   types.Clock
}

// NewService creates a cache service. A store that cannot be opened is
// logged and the service runs memory-only.
func NewService(cfg ServiceConfig, opts ...Option) (*Service, error) {
	if cfg.StaleAfter < 0 || cfg.FetchTimeout < 0 {
		return nil, errors.NewInvalidArgument("durations must not be negative")
	}

	s := &Service{
		memory:   NewMemoryTier(),
		subs:     newSubscribers(),
		fetchers: make(map[string]types.FetchFunc),
		lastErr:  make(map[string]error),
		policies: Policies{
			Default:    StalenessPolicy{StaleAfter: cfg.StaleAfter},
			Namespaces: make(map[string]StalenessPolicy, len(cfg.Namespaces)),
		},
	}
	for name, ttl := range cfg.Namespaces {
		if ttl < 0 {
			return nil, errors.NewInvalidArgument("namespace %s: stale_after must not be negative", name)
		}
		s.policies.Namespaces[name] = StalenessPolicy{StaleAfter: ttl}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).WithField("component", "cache")
	s.metrics = metrics.OrNop(s.metrics)
	if s.clock == nil {
		s.clock = types.SystemClock{}
	}

	if s.store == nil && cfg.Store != nil {
		store, err := OpenStore(*cfg.Store)
		if err != nil {
			s.logger.WithError(err).Warn("Persistent tier unavailable, running memory-only")
		} else {
			s.store = store
			s.ownsStore = true
			if store.Wiped() {
				s.logger.WithField("directory", store.Directory()).Info("Discarded store with incompatible layout")
			}
		}
	}

	s.coord = NewFetchCoordinator(s.memory, CoordinatorConfig{
		FetchTimeout:  cfg.FetchTimeout,
		SchemaVersion: cfg.SchemaVersion,
		Persist:       s.persistAsync,
		Lookup:        s.lookupPersistent,
		Clock:         s.clock,
		Logger:        s.logger,
		Metrics:       s.metrics,
	})
	s.coord.OnSuccess(s.onCommit)
	s.coord.OnFailure(s.onFailure)

	return s, nil
}

// Namespace returns a handle for one key space.
func (s *Service) Namespace(name string) (*Namespace, error) {
	if err := validateNamespace(name); err != nil {
		return nil, err
	}
	return &Namespace{svc: s, name: name, policy: s.policies.For(name)}, nil
}

// Entries returns the generic entries namespace.
func (s *Service) Entries() *Namespace {
	return &Namespace{svc: s, name: NamespaceEntries, policy: s.policies.For(NamespaceEntries)}
}

// Get reads key from the entries namespace. See Namespace.Get.
func (s *Service) Get(ctx context.Context, key string, fetch types.FetchFunc) types.Result {
	return s.Entries().Get(ctx, key, fetch)
}

// Load reads key from the entries namespace. See Namespace.Load.
func (s *Service) Load(ctx context.Context, key string, fetch types.FetchFunc) types.Result {
	return s.Entries().Load(ctx, key, fetch)
}

// Refresh revalidates key in the entries namespace. See Namespace.Refresh.
func (s *Service) Refresh(ctx context.Context, key string) types.Result {
	return s.Entries().Refresh(ctx, key)
}

// Invalidate removes key from the entries namespace. See Namespace.Invalidate.
func (s *Service) Invalidate(ctx context.Context, key string) error {
	return s.Entries().Invalidate(ctx, key)
}

// InvalidatePersistent removes the persisted copy of key in the entries
// namespace. See Namespace.InvalidatePersistent.
func (s *Service) InvalidatePersistent(ctx context.Context, key string) error {
	return s.Entries().InvalidatePersistent(ctx, key)
}

// Patch mutates key in the entries namespace. See Namespace.Patch.
func (s *Service) Patch(ctx context.Context, key string, mutate MutateFunc) types.Result {
	return s.Entries().Patch(ctx, key, mutate)
}

// Subscribe listens on key in the entries namespace.
func (s *Service) Subscribe(key string, fn func(types.Result)) (unsubscribe func()) {
	return s.Entries().Subscribe(key, fn)
}

// Store returns the persistent store, or nil when running memory-only.
func (s *Service) Store() *Store {
	return s.store
}

// MemoryOnly reports whether the persistent tier is unavailable.
func (s *Service) MemoryOnly() bool {
	return s.store == nil
}

// Flush waits for background revalidations and pending persistent writes.
func (s *Service) Flush() {
	s.wg.Wait()
}

// Close flushes pending work and closes the store if the service opened it.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Flush()
	if s.store != nil && s.ownsStore {
		return s.store.Close()
	}
	return nil
}

// Stats returns per-tier statistics.
func (s *Service) Stats() types.ServiceStats {
	stats := types.ServiceStats{
		Memory:         s.memory.Stats(),
		InFlight:       s.coord.InFlight(),
		PersistFailure: s.persistFailures.Load(),
		MemoryOnly:     s.store == nil,
	}
	if s.store != nil {
		stats.Persistent = s.store.Stats()
	}
	return stats
}

func (s *Service) tier(namespace string) *PersistentTier {
	if s.store == nil {
		return nil
	}
	tier, err := s.store.Namespace(namespace)
	if err != nil {
		s.logger.WithError(err).WithField("namespace", namespace).Warn("Namespace unavailable, serving from memory")
		return nil
	}
	return tier
}

func (s *Service) persistAsync(entry types.Entry) {
	namespace, local := splitKey(entry.Key)
	tier := s.tier(namespace)
	if tier == nil {
		return
	}

	qualified := entry.Key
	entry.Key = local
	s.wg.Add(1)
	w := s.pending.add(qualified)
	go func() {
		defer s.wg.Done()
		defer s.pending.done(qualified, w)
		if err := tier.Put(context.Background(), entry); err != nil {
			s.persistFailures.Add(1)
			s.metrics.RecordPersistFailure()
			s.logger.WithFields(logrus.Fields{
				"namespace": namespace,
				"key":       local,
			}).WithError(err).Warn("Persistent write failed")
		}
	}()
}

// deletePersisted waits out queued writes of key before deleting it, so an
// earlier commit cannot land after the delete. Callers hold the key lock,
// which keeps new commits from queueing meanwhile.
func (s *Service) deletePersisted(ctx context.Context, qualified string) error {
	namespace, local := splitKey(qualified)
	tier := s.tier(namespace)
	if tier == nil {
		return nil
	}
	s.pending.wait(qualified)
	return tier.Delete(ctx, local)
}

func (s *Service) lookupPersistent(ctx context.Context, qualified string) (types.Entry, bool) {
	namespace, local := splitKey(qualified)
	tier := s.tier(namespace)
	if tier == nil {
		return types.Entry{}, false
	}
	entry, found, err := tier.Get(ctx, local)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"namespace": namespace,
			"key":       local,
			"code":      errors.GetCode(err),
		}).WithError(err).Warn("Persistent read discarded")
	}
	if !found {
		return types.Entry{}, false
	}
	entry.Key = qualified
	return entry, true
}

// read consults memory, then the persistent tier, hydrating memory on a
// persistent hit.
func (s *Service) read(ctx context.Context, qualified string) (types.Entry, bool) {
	if entry, ok := s.memory.Get(qualified); ok {
		s.metrics.RecordTierHit("memory")
		return entry, true
	}
	if entry, ok := s.lookupPersistent(ctx, qualified); ok {
		s.metrics.RecordTierHit("persistent")
		s.coord.hydrate(entry)
		return entry, true
	}
	s.metrics.RecordTierMiss()
	return types.Entry{}, false
}

func (s *Service) revalidate(qualified string, fetch types.FetchFunc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _ = s.coord.FetchOrJoin(context.Background(), qualified, fetch)
	}()
}

func (s *Service) onCommit(entry types.Entry) {
	namespace, local := splitKey(entry.Key)
	s.setError(entry.Key, nil)
	policy := s.policies.For(namespace)
	s.subs.notify(entry.Key, types.Result{
		Key:       local,
		Data:      entry.Payload,
		Found:     true,
		IsStale:   policy.Classify(entry, s.clock.Now()) == types.Stale,
		Timestamp: entry.Timestamp,
	})
}

func (s *Service) onFailure(qualified string, err error) {
	namespace, local := splitKey(qualified)
	s.setError(qualified, err)

	res := types.Result{Key: local, Err: err}
	if entry, ok := s.memory.peek(qualified); ok {
		res.Data = entry.Clone().Payload
		res.Found = true
		res.Timestamp = entry.Timestamp
		res.IsStale = s.policies.For(namespace).Classify(entry, s.clock.Now()) == types.Stale
	}
	s.subs.notify(qualified, res)
}

func (s *Service) setFetcher(qualified string, fetch types.FetchFunc) {
	s.mu.Lock()
	s.fetchers[qualified] = fetch
	s.mu.Unlock()
}

func (s *Service) fetcher(qualified string) types.FetchFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchers[qualified]
}

func (s *Service) setError(qualified string, err error) {
	s.mu.Lock()
	if err == nil {
		delete(s.lastErr, qualified)
	} else {
		s.lastErr[qualified] = err
	}
	s.mu.Unlock()
}

func (s *Service) lastError(qualified string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr[qualified]
}

func qualify(namespace, key string) string {
	return namespace + "/" + key
}

func splitKey(qualified string) (namespace, key string) {
	namespace, key, _ = strings.Cut(qualified, "/")
	return namespace, key
}

// Namespace is a consumer handle on one key space of a Service.
type Namespace struct {
	svc    *Service
	name   string
	policy StalenessPolicy
}

// Name returns the namespace name.
func (n *Namespace) Name() string {
	return n.name
}

// Policy returns the staleness policy of the namespace.
func (n *Namespace) Policy() StalenessPolicy {
	return n.policy
}

// Get returns the best value available right now and never waits on the
// remote source. If the value is stale or absent a background fetch starts
// (or joins one already running); subscribers see the value when it lands.
//
// fetch is remembered as the key's fetcher for Refresh. A nil fetch reuses
// the last registered one, if any.
func (n *Namespace) Get(ctx context.Context, key string, fetch types.FetchFunc) types.Result {
	res, fetch := n.lookup(ctx, key, fetch)
	if res.IsFetching {
		n.svc.revalidate(qualify(n.name, key), fetch)
	}
	return res
}

// Load is Get, except that on a cold start it waits for the first fetch.
// It never waits when any value, stale or not, is cached.
func (n *Namespace) Load(ctx context.Context, key string, fetch types.FetchFunc) types.Result {
	res, fetch := n.lookup(ctx, key, fetch)
	if !res.IsFetching {
		return res
	}
	qualified := qualify(n.name, key)
	if res.Found {
		n.svc.revalidate(qualified, fetch)
		return res
	}

	entry, err := n.svc.coord.FetchOrJoin(ctx, qualified, fetch)
	if err != nil {
		return types.Result{Key: key, Err: err}
	}
	return n.resultFor(key, entry)
}

// lookup reads key and reports in IsFetching whether a fetch is due.
func (n *Namespace) lookup(ctx context.Context, key string, fetch types.FetchFunc) (types.Result, types.FetchFunc) {
	qualified := qualify(n.name, key)
	if fetch != nil {
		n.svc.setFetcher(qualified, fetch)
	} else {
		fetch = n.svc.fetcher(qualified)
	}

	res := types.Result{Key: key}
	if entry, ok := n.svc.read(ctx, qualified); ok {
		res = n.resultFor(key, entry)
	}
	res.Err = n.svc.lastError(qualified)
	res.IsFetching = (!res.Found || res.IsStale) && fetch != nil
	return res, fetch
}

// Refresh forces a fetch with the key's last registered fetch function and
// waits for it. The current value stays visible if the fetch fails.
func (n *Namespace) Refresh(ctx context.Context, key string) types.Result {
	qualified := qualify(n.name, key)
	fetch := n.svc.fetcher(qualified)
	if fetch == nil {
		res := n.current(key)
		res.Err = errors.NewError(errors.ErrCodeNoFetcher, "no fetch function registered").WithKey(key)
		return res
	}

	entry, err := n.svc.coord.FetchOrJoin(ctx, qualified, fetch)
	if err != nil {
		res := n.current(key)
		res.Err = err
		return res
	}
	return n.resultFor(key, entry)
}

// Invalidate removes key from both tiers and notifies subscribers with an
// absent result.
func (n *Namespace) Invalidate(ctx context.Context, key string) error {
	qualified := qualify(n.name, key)

	var err error
	n.svc.coord.exclusive(qualified, func() {
		n.svc.memory.delete(qualified)
		err = n.svc.deletePersisted(ctx, qualified)
	})
	n.svc.setError(qualified, nil)
	n.svc.subs.notify(qualified, types.Result{Key: key})
	return err
}

// InvalidatePersistent removes only the persisted copy of key. Memory keeps
// serving until the value is replaced.
func (n *Namespace) InvalidatePersistent(ctx context.Context, key string) error {
	qualified := qualify(n.name, key)

	var err error
	n.svc.coord.exclusive(qualified, func() {
		err = n.svc.deletePersisted(ctx, qualified)
	})
	return err
}

// Patch applies a read-modify-write to key through the coordinator.
func (n *Namespace) Patch(ctx context.Context, key string, mutate MutateFunc) types.Result {
	entry, err := n.svc.coord.Update(ctx, qualify(n.name, key), mutate)
	if err != nil {
		res := n.current(key)
		res.Err = err
		return res
	}
	return n.resultFor(key, entry)
}

// Put commits payload for key without consulting the remote source.
func (n *Namespace) Put(ctx context.Context, key string, payload []byte) (types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return types.Entry{}, errors.NewCanceled(key, err)
	}
	entry := n.svc.coord.Store(qualify(n.name, key), payload)
	entry.Key = key
	return entry, nil
}

// Peek reads key from memory or the persistent tier without starting a fetch.
func (n *Namespace) Peek(ctx context.Context, key string) (types.Entry, types.Freshness) {
	entry, ok := n.svc.read(ctx, qualify(n.name, key))
	if !ok {
		return types.Entry{}, types.Absent
	}
	entry.Key = key
	return entry, n.policy.Classify(entry, n.svc.clock.Now())
}

// Subscribe registers fn for results on key.
func (n *Namespace) Subscribe(key string, fn func(types.Result)) (unsubscribe func()) {
	return n.svc.subs.add(qualify(n.name, key), fn)
}

func (n *Namespace) resultFor(key string, entry types.Entry) types.Result {
	return types.Result{
		Key:       key,
		Data:      entry.Payload,
		Found:     true,
		IsStale:   n.policy.Classify(entry, n.svc.clock.Now()) == types.Stale,
		Timestamp: entry.Timestamp,
	}
}

// current returns the memory value of key without touching statistics.
func (n *Namespace) current(key string) types.Result {
	entry, ok := n.svc.memory.peek(qualify(n.name, key))
	if !ok {
		return types.Result{Key: key}
	}
	return n.resultFor(key, entry.Clone())
}

// pendingWrites tracks queued persistent writes per qualified key.
type pendingWrites struct {
	mu   sync.Mutex
	keys map[string]*keyWrites
}

type keyWrites struct {
	wg sync.WaitGroup
	n  int
}

func (p *pendingWrites) add(key string) *keyWrites {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keys == nil {
		p.keys = make(map[string]*keyWrites)
	}
	w, ok := p.keys[key]
	if !ok {
		w = &keyWrites{}
		p.keys[key] = w
	}
	w.n++
	w.wg.Add(1)
	return w
}

func (p *pendingWrites) done(key string, w *keyWrites) {
	p.mu.Lock()
	w.n--
	if w.n == 0 && p.keys[key] == w {
		delete(p.keys, key)
	}
	p.mu.Unlock()
	w.wg.Done()
}

func (p *pendingWrites) wait(key string) {
	p.mu.Lock()
	w := p.keys[key]
	p.mu.Unlock()
	if w != nil {
		w.wg.Wait()
	}
}
