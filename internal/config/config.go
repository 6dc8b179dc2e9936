// Package config loads and validates engine configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Mode      string          `mapstructure:"mode"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Results   ResultsConfig   `mapstructure:"results"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Scrapers  ScrapersConfig  `mapstructure:"scrapers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs admission, polling and stale recovery.
type SchedulerConfig struct {
	// Granularity is "type" or "name".
	Granularity         string  `mapstructure:"granularity"`
	PollIntervalMs      int     `mapstructure:"poll_interval_ms"`
	// MaxBackoffMs and Jitter shape idle polling on workers only.
	MaxBackoffMs        int     `mapstructure:"max_backoff_ms"`
	Jitter              float64 `mapstructure:"jitter"`
	MaxBatch            int     `mapstructure:"max_batch"`
	AbortIntervalMs     int     `mapstructure:"abort_interval_ms"`
	StaleSweepSeconds   int     `mapstructure:"stale_sweep_seconds"`
	StaleTimeoutSeconds int     `mapstructure:"stale_timeout_seconds"`
	// Limits caps concurrent tasks per admission key value.
	Limits map[string]int `mapstructure:"limits"`
	// StaleTimeouts overrides StaleTimeoutSeconds per admission key value.
	StaleTimeouts map[string]int `mapstructure:"stale_timeouts"`
}

// WorkerConfig configures worker mode.
type WorkerConfig struct {
	MasterURL             string `mapstructure:"master_url"`
	ID                    string `mapstructure:"id"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	MaxRetries            int    `mapstructure:"max_retries"`
	BackoffInitialMs      int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int    `mapstructure:"backoff_max_ms"`
}

// ResultsConfig sets where result files, the cache and the id counter live.
type ResultsConfig struct {
	Dir                  string `mapstructure:"dir"`
	CacheDir             string `mapstructure:"cache_dir"`
	CounterFile          string `mapstructure:"counter_file"`
	LargeThresholdMB     int64  `mapstructure:"large_threshold_mb"`
	LowMemoryThresholdMB int64  `mapstructure:"low_memory_threshold_mb"`
}

// StoreConfig selects and configures the task store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// ArchiveConfig controls uploads of finished root results.
type ArchiveConfig struct {
	// Backend is "none", "discard", "memory", "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for lifecycle notifications.
type PubSubConfig struct {
	// Backend is "none", "memory" or "gcp".
	Backend   string   `mapstructure:"backend"`
	ProjectID string   `mapstructure:"project_id"`
	TopicName string   `mapstructure:"topic_name"`
	Stages    []string `mapstructure:"stages"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// ScrapersConfig toggles the bundled task definitions.
type ScrapersConfig struct {
	HTTP    HTTPScraperConfig    `mapstructure:"http"`
	Browser BrowserScraperConfig `mapstructure:"browser"`
	// RateLimitRPS throttles requests per host across both scrapers. Zero
	// disables throttling.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// HTTPScraperConfig configures the colly-backed page fetch task.
type HTTPScraperConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Name           string `mapstructure:"name"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Limit          int    `mapstructure:"limit"`
}

// BrowserScraperConfig configures the headless rendering task.
type BrowserScraperConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Name              string `mapstructure:"name"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	Limit             int    `mapstructure:"limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name. Empty keeps the zap default for the profile.
	Level string `mapstructure:"level"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("taskengine")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskengine/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "standalone")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("scheduler.granularity", "type")
	v.SetDefault("scheduler.poll_interval_ms", 1000)
	v.SetDefault("scheduler.max_backoff_ms", 30000)
	v.SetDefault("scheduler.jitter", 0.1)
	v.SetDefault("scheduler.max_batch", 10)
	v.SetDefault("scheduler.abort_interval_ms", 0)
	v.SetDefault("scheduler.stale_sweep_seconds", 60)
	v.SetDefault("scheduler.stale_timeout_seconds", 8*60*60)
	v.SetDefault("worker.request_timeout_seconds", 60)
	v.SetDefault("worker.max_retries", 6)
	v.SetDefault("worker.backoff_initial_ms", 1000)
	v.SetDefault("worker.backoff_max_ms", 60000)
	v.SetDefault("results.dir", "data/results")
	v.SetDefault("results.counter_file", "data/task_id")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.table", "tasks")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.migrate", true)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "results")
	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.topic_name", "task-events")
	v.SetDefault("scrapers.http.enabled", true)
	v.SetDefault("scrapers.http.name", "page")
	v.SetDefault("scrapers.http.user_agent", "taskengine/0.1")
	v.SetDefault("scrapers.http.timeout_seconds", 15)
	v.SetDefault("scrapers.browser.enabled", false)
	v.SetDefault("scrapers.browser.name", "rendered-page")
	v.SetDefault("scrapers.rate_limit_burst", 1)
	v.SetDefault("scrapers.browser.nav_timeout_seconds", 25)
	v.SetDefault("scrapers.browser.limit", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "taskengine")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Mode {
	case "standalone", "master", "worker":
	default:
		return fmt.Errorf("mode must be standalone, master or worker, got %q", c.Mode)
	}
	if c.Server.Port <= 0 && c.Mode != "worker" {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Scheduler.Granularity {
	case "type", "name":
	default:
		return fmt.Errorf("scheduler.granularity must be type or name, got %q", c.Scheduler.Granularity)
	}
	if c.Scheduler.PollIntervalMs <= 0 {
		return fmt.Errorf("scheduler.poll_interval_ms must be > 0")
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		return fmt.Errorf("scheduler.jitter must be in [0, 1)")
	}
	for key, limit := range c.Scheduler.Limits {
		if limit <= 0 {
			return fmt.Errorf("scheduler.limits.%s must be > 0", key)
		}
	}
	for key, secs := range c.Scheduler.StaleTimeouts {
		if secs <= 0 {
			return fmt.Errorf("scheduler.stale_timeouts.%s must be > 0", key)
		}
	}
	if c.Mode == "worker" && strings.TrimSpace(c.Worker.MasterURL) == "" {
		return fmt.Errorf("worker.master_url is required in worker mode")
	}
	if c.Results.Dir == "" {
		return fmt.Errorf("results.dir is required")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	switch c.Archive.Backend {
	case "none", "discard", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, discard, memory, local or gcs, got %q", c.Archive.Backend)
	}
	switch c.PubSub.Backend {
	case "none", "memory":
	case "gcp":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the gcp backend")
		}
	default:
		return fmt.Errorf("pubsub.backend must be none, memory or gcp, got %q", c.PubSub.Backend)
	}
	if c.Scrapers.HTTP.Limit < 0 {
		return fmt.Errorf("scrapers.http.limit must be >= 0")
	}
	if c.Scrapers.Browser.Enabled && c.Scrapers.Browser.Limit <= 0 {
		return fmt.Errorf("scrapers.browser.limit must be > 0 when the browser scraper is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInterval converts the configured poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalMs) * time.Millisecond
}

// MaxBackoff converts the configured poll backoff cap.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Scheduler.MaxBackoffMs) * time.Millisecond
}

// AbortInterval converts the configured abort check interval. Zero lets the
// runner pick the default for its mode.
func (c Config) AbortInterval() time.Duration {
	return time.Duration(c.Scheduler.AbortIntervalMs) * time.Millisecond
}

// StaleTimeout converts the default stale timeout.
func (c Config) StaleTimeout() time.Duration {
	return time.Duration(c.Scheduler.StaleTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
