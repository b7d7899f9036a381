package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/objectfs/tiercache/internal/assets"
	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/drift"
	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/internal/progressive"
	"github.com/objectfs/tiercache/internal/remote"
)

type warmOptions struct {
	key           string
	prefetchField string
}

func (o *warmOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.key, "key", "", "collection key (defaults to remote.path)")
	cmd.Flags().StringVar(&o.prefetchField, "prefetch-field", "", "gjson path of an asset URL in each item to prefetch")
}

func newWarmCommand(a *app) *cobra.Command {
	opts := &warmOptions{}
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Load the remote collection into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.warm(cmd.Context(), opts, nil)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func newMetricsCommand(a *app) *cobra.Command {
	opts := &warmOptions{}
	var port int
	var once bool

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics while warming the collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			mc := a.cfg.Metrics
			if port > 0 {
				mc.Port = port
			}
			collector, err := metrics.NewCollector(&metrics.Config{
				Enabled:   true,
				Port:      mc.Port,
				Path:      mc.Path,
				Namespace: mc.Namespace,
			}, a.logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := collector.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = collector.Stop(context.Background()) }()
			a.logger.WithFields(logrus.Fields{"port": mc.Port, "path": mc.Path}).Info("Serving metrics")

			if err := a.warm(ctx, opts, collector); err != nil {
				return err
			}
			if once {
				return nil
			}
			<-ctx.Done()
			return nil
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().IntVar(&port, "port", 0, "metrics port (overrides metrics.port)")
	cmd.Flags().BoolVar(&once, "once", false, "exit after warming instead of serving until interrupted")
	return cmd
}

func (a *app) warm(ctx context.Context, opts *warmOptions, recorder metrics.Recorder) error {
	rc := a.cfg.Remote
	if rc.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required to warm")
	}
	key := opts.key
	if key == "" {
		key = rc.Path
	}

	svc, err := cache.NewService(cache.ConfigFrom(a.cfg), cache.WithLogger(a.logger), cache.WithMetrics(recorder))
	if err != nil {
		return err
	}
	defer svc.Close()

	collections, err := svc.Namespace(cache.NamespaceCollections)
	if err != nil {
		return err
	}

	remoteCfg := remote.Config{
		BaseURL:   rc.BaseURL,
		Path:      rc.Path,
		CountPath: rc.CountPath,
		ItemsPath: rc.ItemsPath,
		CountJSON: rc.CountJSON,
		Timeout:   rc.Timeout,
	}
	if rc.Breaker.Enabled {
		remoteCfg.Breaker = circuit.New(circuit.Config{
			Name:             rc.BaseURL,
			FailureThreshold: rc.Breaker.FailureThreshold,
			Cooldown:         rc.Breaker.Cooldown,
			Logger:           a.logger,
		})
	}
	src, err := remote.NewHTTPSource[json.RawMessage](remoteCfg)
	if err != nil {
		return err
	}

	loaderOpts := progressive.Options[json.RawMessage]{
		InitialChunkSize:    a.cfg.Progressive.InitialChunkSize,
		BackgroundChunkSize: a.cfg.Progressive.BackgroundChunkSize,
		ChunkDelay:          a.cfg.Progressive.ChunkDelay,
		Identity:            remote.FieldIdentity(rc.IDField),
		Store:               collections,
		Logger:              a.logger,
		Metrics:             recorder,
	}
	if rc.CountPath != "" {
		loaderOpts.Counter = src
		if a.cfg.Drift.Enabled {
			detector, err := drift.New(drift.Config{
				Counter:     src,
				Invalidator: collections,
				Retry:       a.cfg.Drift.Retry,
				Logger:      a.logger,
				Metrics:     recorder,
			})
			if err != nil {
				return err
			}
			loaderOpts.Drift = detector
		}
	}

	loader, err := progressive.New[json.RawMessage](key, src, loaderOpts)
	if err != nil {
		return err
	}
	defer loader.Subscribe(func(s progressive.Snapshot[json.RawMessage]) {
		a.logger.WithFields(logrus.Fields{
			"key":      key,
			"state":    s.State.String(),
			"items":    len(s.Items),
			"progress": s.ProgressPercent,
		}).Info("Warm progress")
	})()

	if err := loader.Start(ctx); err != nil {
		return err
	}
	if err := loader.Wait(ctx); err != nil {
		loader.Cancel()
		return err
	}

	snap := loader.Snapshot()
	if snap.Err != nil {
		return snap.Err
	}
	if opts.prefetchField != "" {
		return a.prefetch(ctx, snap.Items, opts.prefetchField, recorder)
	}
	return nil
}

func (a *app) prefetch(ctx context.Context, items []json.RawMessage, field string, recorder metrics.Recorder) error {
	urls := make([]string, 0, len(items))
	for _, item := range items {
		if u := gjson.GetBytes(item, field).String(); u != "" {
			urls = append(urls, u)
		}
	}

	ac := a.cfg.Assets
	timeline := assets.DefaultTimeline()
	httpLoader := assets.NewHTTPLoader(assets.HTTPConfig{Timeout: ac.Timeout, UserAgent: ac.UserAgent}, timeline)
	router := assets.NewRouter().Handle("http", httpLoader).Handle("https", httpLoader)

	if ac.S3.Region != "" || ac.S3.Endpoint != "" {
		client, err := assets.NewS3Client(ctx, assets.S3Config{
			Region:          ac.S3.Region,
			Endpoint:        ac.S3.Endpoint,
			ForcePathStyle:  ac.S3.ForcePathStyle,
			AccessKeyID:     ac.S3.AccessKeyID,
			SecretAccessKey: ac.S3.SecretAccessKey,
		})
		if err != nil {
			return err
		}
		router.Handle("s3", assets.NewS3Loader(client, timeline))
	}

	prefetcher, err := assets.New(assets.Config{
		Loader:      router,
		Timeline:    timeline,
		Concurrency: ac.Concurrency,
		Timeout:     ac.Timeout,
		Logger:      a.logger,
		Metrics:     recorder,
	})
	if err != nil {
		return err
	}

	summary := <-prefetcher.Prefetch(ctx, urls)
	a.logger.WithFields(logrus.Fields{
		"loaded":  len(summary.Loaded),
		"skipped": len(summary.Skipped),
		"failed":  len(summary.Failed),
	}).Info("Prefetched assets")
	return nil
}
