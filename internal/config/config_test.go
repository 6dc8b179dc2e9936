package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
mode: master
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  granularity: name
  poll_interval_ms: 250
  stale_timeout_seconds: 600
  limits:
    feed: 2
  stale_timeouts:
    feed: 120
store:
  driver: postgres
  dsn: postgres://localhost/tasks
archive:
  backend: gcs
  gcs_bucket: bucket
pubsub:
  backend: gcp
  project_id: proj
  topic_name: events
  stages: [completed, failed]
scrapers:
  browser:
    enabled: true
    limit: 3
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != "master" || cfg.Server.Port != 9090 {
		t.Fatalf("expected master on 9090, got %q on %d", cfg.Mode, cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Scheduler.Granularity != "name" || cfg.Scheduler.Limits["feed"] != 2 {
		t.Fatalf("expected scheduler overrides to apply: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.StaleTimeouts["feed"] != 120 {
		t.Fatalf("expected stale timeout override: %+v", cfg.Scheduler.StaleTimeouts)
	}
	if got := cfg.PollInterval(); got != 250*time.Millisecond {
		t.Fatalf("expected poll interval 250ms, got %v", got)
	}
	if got := cfg.StaleTimeout(); got != 10*time.Minute {
		t.Fatalf("expected stale timeout 10m, got %v", got)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.Table != "tasks" {
		t.Fatalf("expected postgres store with default table: %+v", cfg.Store)
	}
	if len(cfg.PubSub.Stages) != 2 || cfg.PubSub.Stages[1] != "failed" {
		t.Fatalf("expected pubsub stages to be loaded: %+v", cfg.PubSub)
	}
	if !cfg.Scrapers.HTTP.Enabled || cfg.Scrapers.Browser.Limit != 3 {
		t.Fatalf("expected scraper settings: %+v", cfg.Scrapers)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != "standalone" || cfg.Scheduler.Granularity != "type" {
		t.Fatalf("unexpected defaults: mode=%q granularity=%q", cfg.Mode, cfg.Scheduler.Granularity)
	}
	if got := cfg.StaleTimeout(); got != 8*time.Hour {
		t.Fatalf("expected 8h stale timeout, got %v", got)
	}
	if got := cfg.MaxBackoff(); got != 30*time.Second {
		t.Fatalf("expected 30s max backoff, got %v", got)
	}
	if cfg.AbortInterval() != 0 {
		t.Fatalf("expected abort interval left to the runner")
	}
	if cfg.Store.Driver != "memory" || cfg.Archive.Backend != "none" || cfg.PubSub.Backend != "none" {
		t.Fatalf("expected in-process backends by default: %+v %+v %+v", cfg.Store, cfg.Archive, cfg.PubSub)
	}
	if got := cfg.ShutdownTimeout(); got != 30*time.Second {
		t.Fatalf("expected 30s shutdown timeout, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Mode:      "standalone",
		Server:    ServerConfig{Port: 8080},
		Scheduler: SchedulerConfig{Granularity: "type", PollIntervalMs: 100},
		Results:   ResultsConfig{Dir: "results"},
		Store:     StoreConfig{Driver: "memory"},
		Archive:   ArchiveConfig{Backend: "none"},
		PubSub:    PubSubConfig{Backend: "none"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{name: "invalid mode", mut: func(c *Config) { c.Mode = "cluster" }, want: "mode"},
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid granularity", mut: func(c *Config) { c.Scheduler.Granularity = "host" }, want: "scheduler.granularity"},
		{name: "invalid poll interval", mut: func(c *Config) { c.Scheduler.PollIntervalMs = 0 }, want: "scheduler.poll_interval_ms"},
		{name: "invalid jitter", mut: func(c *Config) { c.Scheduler.Jitter = 1 }, want: "scheduler.jitter"},
		{name: "non-positive limit", mut: func(c *Config) { c.Scheduler.Limits = map[string]int{"http": 0} }, want: "scheduler.limits.http"},
		{name: "non-positive stale timeout", mut: func(c *Config) { c.Scheduler.StaleTimeouts = map[string]int{"http": -1} }, want: "scheduler.stale_timeouts.http"},
		{name: "worker without master", mut: func(c *Config) { c.Mode = "worker" }, want: "worker.master_url"},
		{name: "missing results dir", mut: func(c *Config) { c.Results.Dir = "" }, want: "results.dir"},
		{name: "postgres without dsn", mut: func(c *Config) { c.Store.Driver = "postgres" }, want: "store.dsn"},
		{name: "unknown store", mut: func(c *Config) { c.Store.Driver = "sqlite" }, want: "store.driver"},
		{name: "local archive without dir", mut: func(c *Config) { c.Archive.Backend = "local" }, want: "archive.local_dir"},
		{name: "gcs archive without bucket", mut: func(c *Config) { c.Archive.Backend = "gcs" }, want: "archive.gcs_bucket"},
		{name: "gcp pubsub without project", mut: func(c *Config) { c.PubSub.Backend = "gcp" }, want: "pubsub.project_id"},
		{name: "browser missing limit", mut: func(c *Config) { c.Scrapers.Browser.Enabled = true }, want: "scrapers.browser.limit"},
		{name: "auth missing api key", mut: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWorkerModeSkipsPortCheck(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Mode:      "worker",
		Scheduler: SchedulerConfig{Granularity: "name", PollIntervalMs: 100},
		Worker:    WorkerConfig{MasterURL: "http://master:8080"},
		Results:   ResultsConfig{Dir: "results"},
		Store:     StoreConfig{Driver: "memory"},
		Archive:   ArchiveConfig{Backend: "none"},
		PubSub:    PubSubConfig{Backend: "none"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("worker config should be valid: %v", err)
	}
}
