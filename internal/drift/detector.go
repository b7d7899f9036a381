// Package drift detects when a cached collection no longer matches its
// remote source and triggers a reload.
package drift

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/logging"
	"github.com/objectfs/tiercache/pkg/retry"
	"github.com/objectfs/tiercache/pkg/types"
)

// Outcome is the result of a drift check.
type Outcome int

const (
	// Unchanged means the remote count matches the cached count.
	Unchanged Outcome = iota
	// Changed means the remote dataset grew or shrank.
	Changed
)

// String returns string representation of the outcome
func (o Outcome) String() string {
	if o == Changed {
		return "changed"
	}
	return "unchanged"
}

// Invalidator removes the persisted copy of a collection.
type Invalidator interface {
	InvalidatePersistent(ctx context.Context, key string) error
}

// Reloader restarts a collection load while the current items stay visible.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Config configures a Detector.
type Config struct {
	Counter     types.Counter
	Invalidator Invalidator
	Retry       retry.Config
	Logger      logrus.FieldLogger
	Metrics     metrics.Recorder
}

// Report is delivered by CheckAsync.
type Report struct {
	Key         string
	Outcome     Outcome
	RemoteCount int
	Err         error
}

// Detector compares a cached item count against a cheap remote count query.
type Detector struct {
	counter     types.Counter
	invalidator Invalidator
	retryer     *retry.Retryer
	logger      logrus.FieldLogger
	metrics     metrics.Recorder
}

// New creates a Detector. Counter is required.
func New(cfg Config) (*Detector, error) {
	if cfg.Counter == nil {
		return nil, errors.NewInvalidArgument("drift detector requires a counter")
	}
	return &Detector{
		counter:     cfg.Counter,
		invalidator: cfg.Invalidator,
		retryer:     retry.New(cfg.Retry),
		logger:      logging.OrDiscard(cfg.Logger).WithField("component", "drift"),
		metrics:     metrics.OrNop(cfg.Metrics),
	}, nil
}

// CheckForDrift queries the remote count for key. When it differs from
// cachedCount the persisted collection is invalidated and reloader, if not
// nil, is asked to reload. A failed count query is returned but changes
// nothing.
func (d *Detector) CheckForDrift(ctx context.Context, key string, cachedCount int, reloader Reloader) (Outcome, error) {
	outcome, _, err := d.check(ctx, key, cachedCount, reloader)
	return outcome, err
}

// CheckAsync runs CheckForDrift on its own goroutine. The channel receives
// one Report and is then closed.
func (d *Detector) CheckAsync(ctx context.Context, key string, cachedCount int, reloader Reloader) <-chan Report {
	out := make(chan Report, 1)
	go func() {
		defer close(out)
		outcome, remote, err := d.check(ctx, key, cachedCount, reloader)
		out <- Report{Key: key, Outcome: outcome, RemoteCount: remote, Err: err}
	}()
	return out
}

func (d *Detector) check(ctx context.Context, key string, cachedCount int, reloader Reloader) (Outcome, int, error) {
	remote, err := d.count(ctx, key)
	if err != nil {
		d.metrics.RecordDrift("error")
		d.logger.WithField("key", key).WithError(err).Warn("Drift check failed")
		return Unchanged, -1, err
	}

	entry := d.logger.WithFields(logrus.Fields{
		"key":    key,
		"cached": cachedCount,
		"remote": remote,
	})
	if remote == cachedCount {
		d.metrics.RecordDrift(Unchanged.String())
		entry.Debug("Collection unchanged")
		return Unchanged, remote, nil
	}

	d.metrics.RecordDrift(Changed.String())
	entry.Info("Collection drifted, reloading")

	if d.invalidator != nil {
		if err := d.invalidator.InvalidatePersistent(ctx, key); err != nil {
			entry.WithError(err).Warn("Failed to invalidate persisted collection")
		}
	}
	if reloader != nil {
		if err := reloader.Reload(ctx); err != nil {
			return Changed, remote, err
		}
	}
	return Changed, remote, nil
}

func (d *Detector) count(ctx context.Context, key string) (int, error) {
	var n int
	err := d.retryer.Do(ctx, func(ctx context.Context) error {
		v, err := d.counter.Count(ctx)
		if err != nil {
			return errors.NewFetchFailure(key, err)
		}
		n = v
		return nil
	})
	return n, err
}
