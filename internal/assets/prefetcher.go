// Package assets prefetches large objects such as images so later renders
// do not download them again. Prefetching is best-effort: failures are
// remembered for the session and never reported as errors.
package assets

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/logging"
)

const (
	outcomeLoaded  = "loaded"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

// Config configures a Prefetcher.
type Config struct {
	Loader      Loader
	Timeline    *Timeline
	Concurrency int
	// Timeout bounds each load. Zero means no limit.
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Metrics metrics.Recorder
}

// Summary describes one Prefetch call.
type Summary struct {
	Loaded  []string
	Skipped []string
	Failed  []string
}

// Prefetcher warms asset URLs in parallel.
type Prefetcher struct {
	loader      Loader
	timeline    *Timeline
	concurrency int
	timeout     time.Duration
	group       singleflight.Group

	mu     sync.RWMutex
	marked map[string]struct{}
	failed map[string]error

	logger  logrus.FieldLogger
	metrics metrics.Recorder
}

// New creates a Prefetcher. Loader is required.
func New(cfg Config) (*Prefetcher, error) {
	if cfg.Loader == nil {
		return nil, errors.NewInvalidArgument("asset prefetcher requires a loader")
	}
	if cfg.Concurrency < 0 || cfg.Timeout < 0 {
		return nil, errors.NewInvalidArgument("concurrency and timeout must not be negative")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeline == nil {
		cfg.Timeline = DefaultTimeline()
	}
	return &Prefetcher{
		loader:      cfg.Loader,
		timeline:    cfg.Timeline,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		marked:      make(map[string]struct{}),
		failed:      make(map[string]error),
		logger:      logging.OrDiscard(cfg.Logger).WithField("component", "assets"),
		metrics:     metrics.OrNop(cfg.Metrics),
	}, nil
}

// IsPrefetched reports whether url is already available, first from the
// in-process marker and then from the timeline.
func (p *Prefetcher) IsPrefetched(url string) bool {
	p.mu.RLock()
	_, ok := p.marked[url]
	p.mu.RUnlock()
	if ok {
		return true
	}
	return p.timeline.Seen(url)
}

// MarkPrefetched records url as available.
func (p *Prefetcher) MarkPrefetched(url string) {
	p.mu.Lock()
	p.marked[url] = struct{}{}
	delete(p.failed, url)
	p.mu.Unlock()
}

// Failure returns the error recorded for url this session, or nil.
func (p *Prefetcher) Failure(url string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failed[url]
}

// Prefetch loads every url that is neither available nor failed earlier in
// this session. The returned channel receives one Summary when all loads have
// settled and is then closed. URLs not started before ctx is done are
// reported as skipped.
func (p *Prefetcher) Prefetch(ctx context.Context, urls []string) <-chan Summary {
	out := make(chan Summary, 1)

	go func() {
		defer close(out)

		var (
			mu      sync.Mutex
			summary Summary
		)
		add := func(outcome, url string) {
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeLoaded:
				summary.Loaded = append(summary.Loaded, url)
			case outcomeFailed:
				summary.Failed = append(summary.Failed, url)
			default:
				summary.Skipped = append(summary.Skipped, url)
			}
		}

		var g errgroup.Group
		g.SetLimit(p.concurrency)

		seen := make(map[string]struct{}, len(urls))
		for _, url := range urls {
			if _, dup := seen[url]; dup || url == "" {
				continue
			}
			seen[url] = struct{}{}

			if ctx.Err() != nil || p.IsPrefetched(url) {
				p.metrics.RecordAsset(outcomeSkipped)
				add(outcomeSkipped, url)
				continue
			}
			if p.Failure(url) != nil {
				p.metrics.RecordAsset(outcomeSkipped)
				add(outcomeSkipped, url)
				continue
			}

			g.Go(func() error {
				add(p.load(ctx, url), url)
				return nil
			})
		}
		_ = g.Wait()

		sort.Strings(summary.Loaded)
		sort.Strings(summary.Skipped)
		sort.Strings(summary.Failed)
		p.logger.WithFields(logrus.Fields{
			"loaded":  len(summary.Loaded),
			"skipped": len(summary.Skipped),
			"failed":  len(summary.Failed),
		}).Debug("Prefetch settled")
		out <- summary
	}()

	return out
}

// load runs one load per url at a time. Concurrent callers share the outcome.
func (p *Prefetcher) load(ctx context.Context, url string) string {
	v, _, _ := p.group.Do(url, func() (interface{}, error) {
		if p.IsPrefetched(url) {
			return outcomeSkipped, nil
		}

		lctx := context.WithoutCancel(ctx)
		if p.timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, p.timeout)
			defer cancel()
		}

		if err := p.loader.Load(lctx, url); err != nil {
			p.mu.Lock()
			p.failed[url] = err
			p.mu.Unlock()
			p.logger.WithField("url", url).WithError(err).Debug("Asset prefetch failed")
			return outcomeFailed, nil
		}
		p.MarkPrefetched(url)
		return outcomeLoaded, nil
	})

	outcome := v.(string)
	p.metrics.RecordAsset(outcome)
	return outcome
}
