// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/dedup"
	collyfetcher "github.com/JakeFAU/sitepulse-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitepulse-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitepulse-crawler/internal/headless/detector"
	"github.com/JakeFAU/sitepulse-crawler/internal/healing"
	"github.com/JakeFAU/sitepulse-crawler/internal/lease"
	"github.com/JakeFAU/sitepulse-crawler/internal/llm/anthropic"
	"github.com/JakeFAU/sitepulse-crawler/internal/llm/gemini"
	"github.com/JakeFAU/sitepulse-crawler/internal/logging"
	"github.com/JakeFAU/sitepulse-crawler/internal/progress"
	"github.com/JakeFAU/sitepulse-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitepulse-crawler/internal/schedule"
	"github.com/JakeFAU/sitepulse-crawler/internal/telemetry"
	"github.com/JakeFAU/sitepulse-crawler/internal/worker"
)

// LLM providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Blob store backends.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig        `mapstructure:"server"`
	Auth        AuthConfig          `mapstructure:"auth"`
	Logging     logging.Config      `mapstructure:"logging"`
	Redis       RedisConfig         `mapstructure:"redis"`
	DB          DBConfig            `mapstructure:"db"`
	Lease       LeaseConfig         `mapstructure:"lease"`
	Worker      worker.Config       `mapstructure:"worker"`
	Retry       RetryConfig         `mapstructure:"retry"`
	Dedup       DedupConfig         `mapstructure:"dedup"`
	Fetch       collyfetcher.Config `mapstructure:"fetch"`
	Headless    HeadlessConfig      `mapstructure:"headless"`
	Healing     HealingConfig       `mapstructure:"healing"`
	LLM         LLMConfig           `mapstructure:"llm"`
	Schedule    schedule.Config     `mapstructure:"schedule"`
	Maintenance MaintenanceConfig   `mapstructure:"maintenance"`
	PubSub      pubsub.Config       `mapstructure:"pubsub"`
	Storage     StorageConfig       `mapstructure:"storage"`
	Rotation    RotationConfig      `mapstructure:"rotation"`
	Progress    ProgressConfig      `mapstructure:"progress"`
	Telemetry   telemetry.Config    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RedisConfig points at the Redis holding leases, dedup bitmaps and locks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig controls access to the relational database. An empty DSN runs
// against the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// LeaseConfig names the lease index keys.
type LeaseConfig struct {
	QueueKey    string `mapstructure:"queue_key"`
	MetadataKey string `mapstructure:"metadata_key"`
}

// RetryConfig is the backoff applied to retryable task failures.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// Policy converts the section into a crawler.RetryPolicy.
func (r RetryConfig) Policy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay,
		Multiplier: r.Multiplier,
		MaxDelay:   r.MaxDelay,
	}
}

// DedupConfig sizes the bloom bitmaps and their monthly buckets.
type DedupConfig struct {
	BitmapSize int64         `mapstructure:"bitmap_size"`
	HashCount  int           `mapstructure:"hash_count"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	Retention  time.Duration `mapstructure:"retention"`
}

// HeadlessConfig toggles the browser fetcher and its promotion heuristic.
type HeadlessConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Chromedp headless.Config `mapstructure:"chromedp"`
	Detector detector.Config `mapstructure:"detector"`
}

// HealingConfig toggles the repair loop.
type HealingConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Repair  healing.Config `mapstructure:"repair"`
}

// LLMConfig selects the selector recommender.
type LLMConfig struct {
	Provider  string           `mapstructure:"provider"`
	Anthropic anthropic.Config `mapstructure:"anthropic"`
	Gemini    gemini.Config    `mapstructure:"gemini"`
}

// MaintenanceConfig tunes the stuck sweep and archive jobs.
type MaintenanceConfig struct {
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
	ArchiveAfter   time.Duration `mapstructure:"archive_after"`
}

// StorageConfig selects where broken-page snapshots go.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	Compress  bool   `mapstructure:"compress"`
}

// ProgressConfig controls task lifecycle events and the sinks fed by them.
type ProgressConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Hub     progress.Config `mapstructure:",squash"`
}

// RotationConfig toggles user-agent and proxy rotation.
type RotationConfig struct {
	UserAgents bool `mapstructure:"user_agents"`
	Proxies    bool `mapstructure:"proxies"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.sampling", true)
	v.SetDefault("logging.worker_field", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("lease.queue_key", lease.DefaultQueueKey)
	v.SetDefault("lease.metadata_key", lease.DefaultMetadataKey)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.batch_size", 5)
	v.SetDefault("worker.lease_duration", "60s")
	v.SetDefault("worker.fallback_delay", "1s")
	v.SetDefault("worker.default_timeout", "60s")
	v.SetDefault("worker.default_rate_limit", "1s")
	v.SetDefault("worker.busy_backoff", "100ms")
	v.SetDefault("worker.idle_backoff", "1s")
	v.SetDefault("worker.reschedule_wait", "5s")
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay", "5s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "1h")
	v.SetDefault("dedup.bitmap_size", dedup.DefaultBitmapSize)
	v.SetDefault("dedup.hash_count", dedup.DefaultHashCount)
	v.SetDefault("dedup.key_prefix", dedup.DefaultKeyPrefix)
	v.SetDefault("dedup.retention", "1440h")
	v.SetDefault("fetch.user_agent", "sitepulse-bot/1.0")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.robots_ttl", "1h")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_body_size", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.chromedp.max_parallel", 2)
	v.SetDefault("headless.chromedp.navigation_timeout", "25s")
	v.SetDefault("headless.chromedp.settle_delay", "500ms")
	v.SetDefault("headless.chromedp.ready_selector", "body")
	v.SetDefault("headless.chromedp.block_resources", true)
	v.SetDefault("headless.chromedp.exec_path", "")
	v.SetDefault("headless.detector.min_body_bytes", 2048)
	v.SetDefault("headless.detector.script_percent", 25)
	v.SetDefault("headless.detector.keywords", []string{"enable javascript", "please enable js"})
	v.SetDefault("healing.enabled", false)
	v.SetDefault("healing.repair.batch_size", 5)
	v.SetDefault("healing.repair.concurrency", 2)
	v.SetDefault("healing.repair.min_body_runes", 30)
	v.SetDefault("healing.repair.blacklist", healing.DefaultBlacklist())
	v.SetDefault("healing.repair.llm_rps", 0.5)
	v.SetDefault("healing.repair.llm_burst", 1)
	v.SetDefault("llm.provider", ProviderAnthropic)
	v.SetDefault("llm.anthropic.model", anthropic.DefaultModel)
	v.SetDefault("llm.anthropic.max_tokens", 512)
	v.SetDefault("llm.anthropic.timeout", "30s")
	v.SetDefault("llm.gemini.model", gemini.DefaultModel)
	v.SetDefault("llm.gemini.timeout", "30s")
	schedules := schedule.DefaultConfig()
	v.SetDefault("schedule.lease_sync", schedules.LeaseSync)
	v.SetDefault("schedule.sweep_stuck", schedules.SweepStuck)
	v.SetDefault("schedule.archive", schedules.Archive)
	v.SetDefault("schedule.heal", schedules.Heal)
	v.SetDefault("schedule.user_agents", schedules.UserAgents)
	v.SetDefault("maintenance.stall_threshold", "30m")
	v.SetDefault("maintenance.archive_after", "168h")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "crawled-items")
	v.SetDefault("pubsub.ordering", true)
	v.SetDefault("pubsub.publish_timeout", "10s")
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.prefix", "broken")
	v.SetDefault("storage.local_dir", "snapshots")
	v.SetDefault("storage.compress", true)
	v.SetDefault("rotation.user_agents", true)
	v.SetDefault("rotation.proxies", false)
	hub := progress.DefaultConfig()
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", hub.BufferSize)
	v.SetDefault("progress.max_batch_events", hub.MaxBatchEvents)
	v.SetDefault("progress.max_batch_wait", hub.MaxBatchWait.String())
	v.SetDefault("progress.sink_timeout", hub.SinkTimeout.String())
	v.SetDefault("telemetry.service_name", "crawlworker")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be > 0")
	}
	if c.Worker.LeaseDuration <= 0 {
		return errors.New("worker.lease_duration must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if c.Retry.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be > 0")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if c.Dedup.BitmapSize < 0 || c.Dedup.HashCount < 0 {
		return errors.New("dedup.bitmap_size and dedup.hash_count must not be negative")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.Chromedp.MaxParallel <= 0 {
		return errors.New("headless.chromedp.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "", StorageNone:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Progress.Hub.BufferSize < 0 || c.Progress.Hub.MaxBatchEvents < 0 {
		return errors.New("progress.buffer_size and progress.max_batch_events must not be negative")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return errors.New("pubsub.topic is required when pubsub.project_id is set")
	}
	return nil
}

func (c Config) validateLLM() error {
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderGemini:
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	if !c.Healing.Enabled {
		return nil
	}
	if c.LLM.Provider == ProviderAnthropic && c.LLM.Anthropic.APIKey == "" {
		return errors.New("llm.anthropic.api_key must be set when healing is enabled")
	}
	if c.LLM.Provider == ProviderGemini && c.LLM.Gemini.APIKey == "" {
		return errors.New("llm.gemini.api_key must be set when healing is enabled")
	}
	return nil
}
