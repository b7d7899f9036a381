package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Recorder is the narrow interface cache components report through.
type Recorder interface {
	RecordTierHit(tier string)
	RecordTierMiss()
	RecordFetch(result string, duration time.Duration)
	RecordFetchJoin()
	SetInFlight(n int)
	RecordPersistFailure()
	RecordChunk(items int)
	RecordDrift(outcome string)
	RecordAsset(outcome string)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordTierHit(string) {}
func (Nop) RecordTierMiss() {}
func (Nop) RecordFetch(string, time.Duration) {}
func (Nop) RecordFetchJoin() {}
func (Nop) SetInFlight(int) {}
func (Nop) RecordPersistFailure() {}
func (Nop) RecordChunk(int) {}
func (Nop) RecordDrift(string) {}
func (Nop) RecordAsset(string) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector exports cache measurements as Prometheus metrics
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   logrus.FieldLogger

	tierHits        *prometheus.CounterVec
	tierMisses      prometheus.Counter
	fetches         *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	fetchJoins      prometheus.Counter
	inFlight        prometheus.Gauge
	persistFailures prometheus.Counter
	chunkItems      prometheus.Counter
	chunks          prometheus.Counter
	driftChecks     *prometheus.CounterVec
	assets          *prometheus.CounterVec

	server *http.Server
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger logrus.FieldLogger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "tiercache",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger.WithField("component", "metrics"),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// Registry exposes the private registry, mainly for tests and embedding.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the scrape handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint until Stop is called or ctx is done
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.WithError(err).Error("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(shutdownCtx)
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordTierHit records a hit served by the named tier
func (c *Collector) RecordTierHit(tier string) {
	c.tierHits.With(prometheus.Labels{"tier": tier}).Inc()
}

// RecordTierMiss records a lookup that found nothing in any tier
func (c *Collector) RecordTierMiss() {
	c.tierMisses.Inc()
}

// RecordFetch records a completed physical fetch
func (c *Collector) RecordFetch(result string, duration time.Duration) {
	c.fetches.With(prometheus.Labels{"result": result}).Inc()
	c.fetchDuration.Observe(duration.Seconds())
}

// RecordFetchJoin records a caller that joined an in-flight fetch
func (c *Collector) RecordFetchJoin() {
	c.fetchJoins.Inc()
}

// SetInFlight updates the in-flight fetch gauge
func (c *Collector) SetInFlight(n int) {
	c.inFlight.Set(float64(n))
}

// RecordPersistFailure records a failed persistent-tier operation
func (c *Collector) RecordPersistFailure() {
	c.persistFailures.Inc()
}

// RecordChunk records one progressive chunk and its item count
func (c *Collector) RecordChunk(items int) {
	c.chunks.Inc()
	c.chunkItems.Add(float64(items))
}

// RecordDrift records a change-detection outcome
func (c *Collector) RecordDrift(outcome string) {
	c.driftChecks.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordAsset records an asset prefetch outcome
func (c *Collector) RecordAsset(outcome string) {
	c.assets.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.tierHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "tier_hits_total",
		Help: "Lookups served from a cache tier",
	}, []string{"tier"})

	c.tierMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "tier_misses_total",
		Help: "Lookups that found no entry in any tier",
	})

	c.fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "fetches_total",
		Help: "Physical remote fetches by result",
	}, []string{"result"})

	c.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Name: "fetch_duration_seconds",
		Help:    "Duration of physical remote fetches",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	c.fetchJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "fetch_joins_total",
		Help: "Callers that joined an in-flight fetch instead of issuing one",
	})

	c.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Name: "inflight_fetches",
		Help: "Fetches currently in flight",
	})

	c.persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "persist_failures_total",
		Help: "Failed persistent tier operations",
	})

	c.chunks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "chunks_loaded_total",
		Help: "Progressive chunks applied",
	})

	c.chunkItems = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "chunk_items_total",
		Help: "Items received across progressive chunks",
	})

	c.driftChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "drift_checks_total",
		Help: "Change detection checks by outcome",
	}, []string{"outcome"})

	c.assets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "asset_prefetch_total",
		Help: "Asset prefetch outcomes",
	}, []string{"outcome"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.tierHits,
		c.tierMisses,
		c.fetches,
		c.fetchDuration,
		c.fetchJoins,
		c.inFlight,
		c.persistFailures,
		c.chunks,
		c.chunkItems,
		c.driftChecks,
		c.assets,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
