package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/tiercache/pkg/retry"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Cache       CacheConfig       `yaml:"cache"`
	Persistent  PersistentConfig  `yaml:"persistent"`
	Progressive ProgressiveConfig `yaml:"progressive"`
	Drift       DriftConfig       `yaml:"drift"`
	Assets      AssetsConfig      `yaml:"assets"`
	Remote      RemoteConfig      `yaml:"remote"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// CacheConfig represents staleness and fetch settings
type CacheConfig struct {
	StaleAfter   time.Duration            `yaml:"stale_after"`
	FetchTimeout time.Duration            `yaml:"fetch_timeout"`
	Namespaces   map[string]NamespaceTTL `yaml:"namespaces"`
}

// NamespaceTTL overrides staleness for one cache namespace
type NamespaceTTL struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// PersistentConfig represents persistent tier settings
type PersistentConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Directory       string        `yaml:"directory"`
	HardExpiry      time.Duration `yaml:"hard_expiry"`
	SchemaVersion   int           `yaml:"schema_version"`
	Compression     bool          `yaml:"compression"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// ProgressiveConfig represents chunked loading settings
type ProgressiveConfig struct {
	InitialChunkSize    int           `yaml:"initial_chunk_size"`
	BackgroundChunkSize int           `yaml:"background_chunk_size"`
	ChunkDelay          time.Duration `yaml:"chunk_delay"`
}

// DriftConfig represents change detection settings
type DriftConfig struct {
	Enabled bool         `yaml:"enabled"`
	Retry   retry.Config `yaml:"retry"`
}

// AssetsConfig represents asset prefetch settings
type AssetsConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
	S3          S3Config      `yaml:"s3"`
}

// S3Config represents settings for s3:// asset URLs
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// RemoteConfig represents the HTTP remote source
type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Path      string        `yaml:"path"`
	CountPath string        `yaml:"count_path"`
	ItemsPath string        `yaml:"items_path"`
	CountJSON string        `yaml:"count_json"`
	IDField   string        `yaml:"id_field"`
	Timeout   time.Duration `yaml:"timeout"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// BreakerConfig represents the circuit breaker guarding the remote source
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			StaleAfter:   5 * time.Minute,
			FetchTimeout: 30 * time.Second,
			Namespaces:   map[string]NamespaceTTL{},
		},
		Persistent: PersistentConfig{
			Enabled:         true,
			Directory:       defaultDirectory(),
			HardExpiry:      7 * 24 * time.Hour,
			SchemaVersion:   1,
			Compression:     true,
			CleanupInterval: 10 * time.Minute,
			SyncInterval:    30 * time.Second,
		},
		Progressive: ProgressiveConfig{
			InitialChunkSize:    50,
			BackgroundChunkSize: 500,
			ChunkDelay:          250 * time.Millisecond,
		},
		Drift: DriftConfig{
			Enabled: true,
			Retry:   retry.DefaultConfig(),
		},
		Assets: AssetsConfig{
			Concurrency: 6,
			Timeout:     20 * time.Second,
			UserAgent:   "tiercache-prefetch/1.0",
		},
		Remote: RemoteConfig{
			Path:      "/items",
			CountPath: "/items/count",
			CountJSON: "count",
			IDField:   "id",
			Timeout:   30 * time.Second,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9464,
			Path:      "/metrics",
			Namespace: "tiercache",
		},
	}
}

func defaultDirectory() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tiercache")
	}
	return filepath.Join(os.TempDir(), "tiercache")
}

// StaleAfterFor returns the staleness TTL for a namespace
func (c *Configuration) StaleAfterFor(namespace string) time.Duration {
	if ns, ok := c.Cache.Namespaces[namespace]; ok && ns.StaleAfter > 0 {
		return ns.StaleAfter
	}
	return c.Cache.StaleAfter
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("TIERCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("TIERCACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("TIERCACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	if val := os.Getenv("TIERCACHE_STALE_AFTER"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid TIERCACHE_STALE_AFTER: %w", err)
		}
		c.Cache.StaleAfter = duration
	}
	if val := os.Getenv("TIERCACHE_FETCH_TIMEOUT"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid TIERCACHE_FETCH_TIMEOUT: %w", err)
		}
		c.Cache.FetchTimeout = duration
	}

	if val := os.Getenv("TIERCACHE_DIR"); val != "" {
		c.Persistent.Directory = val
	}
	if val := os.Getenv("TIERCACHE_PERSISTENT"); val != "" {
		c.Persistent.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("TIERCACHE_SCHEMA_VERSION"); val != "" {
		v, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid TIERCACHE_SCHEMA_VERSION: %w", err)
		}
		c.Persistent.SchemaVersion = v
	}

	if val := os.Getenv("TIERCACHE_REMOTE_URL"); val != "" {
		c.Remote.BaseURL = val
	}
	if val := os.Getenv("TIERCACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	if val := os.Getenv("AWS_REGION"); val != "" && c.Assets.S3.Region == "" {
		c.Assets.S3.Region = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Cache.StaleAfter < 0 {
		return fmt.Errorf("cache.stale_after must not be negative")
	}
	for name, ns := range c.Cache.Namespaces {
		if ns.StaleAfter < 0 {
			return fmt.Errorf("cache.namespaces.%s.stale_after must not be negative", name)
		}
	}

	if c.Persistent.Enabled {
		if c.Persistent.Directory == "" {
			return fmt.Errorf("persistent.directory is required when the persistent tier is enabled")
		}
		if c.Persistent.HardExpiry > 0 && c.Persistent.HardExpiry <= c.Cache.StaleAfter {
			return fmt.Errorf("persistent.hard_expiry (%v) must be longer than cache.stale_after (%v)",
				c.Persistent.HardExpiry, c.Cache.StaleAfter)
		}
		if c.Persistent.SchemaVersion < 0 {
			return fmt.Errorf("persistent.schema_version must not be negative")
		}
	}

	if c.Progressive.InitialChunkSize <= 0 {
		return fmt.Errorf("progressive.initial_chunk_size must be greater than 0")
	}
	if c.Progressive.BackgroundChunkSize <= 0 {
		return fmt.Errorf("progressive.background_chunk_size must be greater than 0")
	}
	if c.Progressive.ChunkDelay < 0 {
		return fmt.Errorf("progressive.chunk_delay must not be negative")
	}

	if c.Assets.Concurrency <= 0 {
		return fmt.Errorf("assets.concurrency must be greater than 0")
	}

	if c.Remote.Breaker.Enabled && c.Remote.Breaker.Cooldown < 0 {
		return fmt.Errorf("remote.breaker.cooldown must not be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	return nil
}
