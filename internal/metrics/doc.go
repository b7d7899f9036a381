/*
Package metrics exports tiercache measurements to Prometheus.

Components depend on the small Recorder interface rather than on Prometheus
types, so a cache built without metrics simply receives Nop. The Collector
keeps its own registry and can serve it over HTTP:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "tiercache",
	}, logger)
	if err != nil {
		log.Fatal(err)
	}
	_ = collector.Start(ctx)

Exported series:

	tier_hits_total{tier}         memory or persistent hits
	tier_misses_total             lookups that found nothing
	fetches_total{result}         success, failure, timeout
	fetch_duration_seconds        physical fetch latency
	fetch_joins_total             callers deduplicated onto an in-flight fetch
	inflight_fetches              current in-flight fetches
	persist_failures_total        failed persistent tier writes or reads
	chunks_loaded_total           progressive chunks applied
	chunk_items_total             items received in chunks
	drift_checks_total{outcome}   unchanged, changed, error
	asset_prefetch_total{outcome} loaded, skipped, failed
*/
package metrics
