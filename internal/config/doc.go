/*
Package config provides configuration management for tiercache with multi-source support.

Configuration is layered: compiled-in defaults from NewDefault, then a YAML
file, then TIERCACHE_* environment variables. Validate must be called after
loading; it rejects settings that would violate cache invariants, such as a
hard expiry that is not longer than the soft staleness TTL, or non-positive
chunk sizes.

# Usage Examples

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/tiercache/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Example file:

	global:
	  log_level: DEBUG
	  log_format: json
	cache:
	  stale_after: 5m
	  fetch_timeout: 30s
	  namespaces:
	    collections:
	      stale_after: 1h
	persistent:
	  enabled: true
	  directory: /var/cache/tiercache
	  hard_expiry: 168h
	  schema_version: 3
	  compression: true
	progressive:
	  initial_chunk_size: 50
	  background_chunk_size: 500
	  chunk_delay: 250ms
	drift:
	  enabled: true
	  retry:
	    max_attempts: 3
	    initial_delay: 200ms
	assets:
	  concurrency: 6
	  timeout: 20s

# Environment Variables

	TIERCACHE_LOG_LEVEL       global.log_level
	TIERCACHE_LOG_FORMAT      global.log_format
	TIERCACHE_LOG_FILE        global.log_file
	TIERCACHE_STALE_AFTER     cache.stale_after
	TIERCACHE_FETCH_TIMEOUT   cache.fetch_timeout
	TIERCACHE_DIR             persistent.directory
	TIERCACHE_PERSISTENT      persistent.enabled
	TIERCACHE_SCHEMA_VERSION  persistent.schema_version
	TIERCACHE_REMOTE_URL      remote.base_url
	TIERCACHE_METRICS_PORT    metrics.port
	AWS_REGION                assets.s3.region (when unset)
*/
package config
