package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/sitepulse-crawler/internal/healing"
	"github.com/JakeFAU/sitepulse-crawler/internal/lease"
	"github.com/JakeFAU/sitepulse-crawler/internal/progress"
	"github.com/JakeFAU/sitepulse-crawler/internal/schedule"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Lease.QueueKey != lease.DefaultQueueKey {
		t.Fatalf("expected default queue key, got %q", cfg.Lease.QueueKey)
	}
	if cfg.Worker.LeaseDuration != time.Minute || cfg.Worker.Concurrency != 4 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	policy := cfg.Retry.Policy()
	if policy.MaxRetries != 5 || policy.BaseDelay != 5*time.Second || policy.Multiplier != 2 || policy.MaxDelay != time.Hour {
		t.Fatalf("unexpected retry policy: %+v", policy)
	}
	if cfg.Schedule != schedule.DefaultConfig() {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	if len(cfg.Healing.Repair.Blacklist) != len(healing.DefaultBlacklist()) {
		t.Fatalf("expected default blacklist, got %v", cfg.Healing.Repair.Blacklist)
	}
	if cfg.DB.DSN != "" || cfg.Storage.Backend != StorageNone {
		t.Fatalf("expected memory store and no snapshots by default")
	}
	if !cfg.Progress.Enabled || cfg.Progress.Hub != progress.DefaultConfig() {
		t.Fatalf("unexpected progress defaults: %+v", cfg.Progress)
	}
	if cfg.Telemetry.ServiceName != "crawlworker" || cfg.Telemetry.SampleRatio != 0.1 {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
redis:
  addr: redis:6379
db:
  dsn: postgres://crawler@db/crawler
worker:
  concurrency: 12
  lease_duration: 90s
retry:
  max_retries: 3
  base_delay: 2s
fetch:
  user_agent: custom-bot
  timeout: 20s
headless:
  enabled: true
  chromedp:
    max_parallel: 4
healing:
  enabled: true
  repair:
    llm_rps: 2
llm:
  provider: gemini
  gemini:
    api_key: g-key
schedule:
  archive: ""
storage:
  backend: gcs
  gcs_bucket: snapshots
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Worker.Concurrency != 12 || cfg.Worker.LeaseDuration != 90*time.Second {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Worker.RescheduleWait != 5*time.Second {
		t.Fatalf("expected untouched worker keys to keep defaults: %+v", cfg.Worker)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay != 2*time.Second {
		t.Fatalf("expected retry overrides: %+v", cfg.Retry)
	}
	if cfg.Fetch.UserAgent != "custom-bot" || cfg.Fetch.Timeout != 20*time.Second || !cfg.Fetch.RespectRobots {
		t.Fatalf("unexpected fetch config: %+v", cfg.Fetch)
	}
	if cfg.Headless.Chromedp.MaxParallel != 4 {
		t.Fatalf("expected headless override, got %+v", cfg.Headless.Chromedp)
	}
	if cfg.Healing.Repair.LLMRPS != 2 || cfg.Healing.Repair.BatchSize != 5 {
		t.Fatalf("unexpected healing config: %+v", cfg.Healing.Repair)
	}
	if cfg.LLM.Provider != ProviderGemini || cfg.LLM.Gemini.APIKey != "g-key" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Schedule.Archive != "" || cfg.Schedule.Heal == "" {
		t.Fatalf("expected archive disabled and heal kept: %+v", cfg.Schedule)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRAWLER_SERVER_PORT", "7070")
	t.Setenv("CRAWLER_REDIS_ADDR", "cache:6380")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Redis.Addr != "cache:6380" {
		t.Fatalf("expected env overrides, got port=%d addr=%q", cfg.Server.Port, cfg.Redis.Addr)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Retry:  RetryConfig{MaxRetries: 5, BaseDelay: time.Second},
		LLM:    LLMConfig{Provider: ProviderAnthropic},
	}
	base.Telemetry.ServiceName = "crawlworker"
	base.Worker.Concurrency = 1
	base.Worker.LeaseDuration = time.Minute
	base.Fetch.Timeout = time.Second
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "missing redis", mutate: func(c *Config) { c.Redis.Addr = "" }, want: "redis.addr"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, want: "worker.concurrency"},
		{name: "invalid lease", mutate: func(c *Config) { c.Worker.LeaseDuration = 0 }, want: "worker.lease_duration"},
		{name: "invalid base delay", mutate: func(c *Config) { c.Retry.BaseDelay = 0 }, want: "retry.base_delay"},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Retry.Multiplier = 0.5 }, want: "retry.multiplier"},
		{name: "invalid fetch timeout", mutate: func(c *Config) { c.Fetch.Timeout = 0 }, want: "fetch.timeout"},
		{
			name:   "headless missing max parallel",
			mutate: func(c *Config) { c.Headless.Enabled = true },
			want:   "headless.chromedp.max_parallel",
		},
		{name: "unknown provider", mutate: func(c *Config) { c.LLM.Provider = "oracle" }, want: "llm.provider"},
		{
			name:   "healing without anthropic key",
			mutate: func(c *Config) { c.Healing.Enabled = true },
			want:   "llm.anthropic.api_key",
		},
		{
			name: "healing without gemini key",
			mutate: func(c *Config) {
				c.Healing.Enabled = true
				c.LLM.Provider = ProviderGemini
			},
			want: "llm.gemini.api_key",
		},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = StorageGCS }, want: "storage.gcs_bucket"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Backend = StorageLocal }, want: "storage.local_dir"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{name: "telemetry without service", mutate: func(c *Config) { c.Telemetry.ServiceName = "" }, want: "telemetry"},
		{name: "telemetry ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 }, want: "sample ratio"},
		{name: "negative progress buffer", mutate: func(c *Config) { c.Progress.Hub.BufferSize = -1 }, want: "progress.buffer_size"},
		{
			name:   "pubsub without topic",
			mutate: func(c *Config) { c.PubSub.ProjectID = "proj" },
			want:   "pubsub.topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
