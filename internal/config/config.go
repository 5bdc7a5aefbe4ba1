// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/logging"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
	"github.com/JakeFAU/manga-crawl-engine/internal/scheduler"
	"github.com/JakeFAU/manga-crawl-engine/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. MANGACRAWLER_SERVER_PORT.
const EnvPrefix = "MANGACRAWLER"

// Backend kinds accepted by the pluggable sections.
const (
	KindMemory   = "memory"
	KindNone     = "none"
	KindLocal    = "local"
	KindGCS      = "gcs"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindAsynq    = "asynq"
	KindKafka    = "kafka"
	KindPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Logging    logging.Config        `mapstructure:"logging"`
	Mode       crawler.ExecutionMode `mapstructure:"mode"`
	Pipeline   PipelineConfig        `mapstructure:"pipeline"`
	Paginate   PaginateConfig        `mapstructure:"paginate"`
	Dispatcher DispatcherConfig      `mapstructure:"dispatcher"`
	Tracker    TrackerConfig         `mapstructure:"tracker"`
	Progress   ProgressConfig        `mapstructure:"progress"`
	Broker     BrokerConfig          `mapstructure:"broker"`
	Claims     ClaimsConfig          `mapstructure:"claims"`
	Database   DatabaseConfig        `mapstructure:"database"`
	Storage    StorageConfig         `mapstructure:"storage"`
	Fetch      FetchConfig           `mapstructure:"fetch"`
	Headless   HeadlessConfig        `mapstructure:"headless"`
	Notify     NotifyConfig          `mapstructure:"notify"`
	Telemetry  telemetry.Config      `mapstructure:"telemetry"`
	Schedule   []scheduler.Entry     `mapstructure:"schedule"`
	Targets    []crawler.CrawlTarget `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	APIKey          string        `mapstructure:"api_key"`
	// RunConsumers makes serve also consume stage queues in distributed mode.
	RunConsumers bool `mapstructure:"run_consumers"`
}

// PipelineConfig sizes both pipeline engines. Concurrency keys are stage
// names (list, manga, chapter, page).
type PipelineConfig struct {
	Local       LocalPipelineConfig       `mapstructure:"local"`
	Distributed DistributedPipelineConfig `mapstructure:"distributed"`
}

// LocalPipelineConfig sizes the in-process engine.
type LocalPipelineConfig struct {
	Concurrency map[string]int `mapstructure:"concurrency"`
	Buffer      int            `mapstructure:"buffer"`
	StoreSlots  int            `mapstructure:"store_slots"`
}

// DistributedPipelineConfig sizes the broker-backed engine.
type DistributedPipelineConfig struct {
	Concurrency   map[string]int `mapstructure:"concurrency"`
	FlushInterval time.Duration  `mapstructure:"flush_interval"`
	JobCacheTTL   time.Duration  `mapstructure:"job_cache_ttl"`
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
}

// PaginateConfig governs list-page fan-out and per-fetch retries.
type PaginateConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryStep   time.Duration `mapstructure:"retry_step"`
}

// DispatcherConfig sizes the local job queue and its workers.
type DispatcherConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// TrackerConfig controls counter flushing and finish notifications.
type TrackerConfig struct {
	FlushEvery    int           `mapstructure:"flush_every"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
}

// ProgressConfig sizes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// BrokerConfig selects the distributed message bus.
type BrokerConfig struct {
	Kind        string        `mapstructure:"kind"`
	Prefix      string        `mapstructure:"prefix"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
	PubSub      PubSubConfig  `mapstructure:"pubsub"`
}

// RedisConfig addresses a Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig addresses a Kafka cluster.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// ClaimsConfig selects the delivery-claim store.
type ClaimsConfig struct {
	Kind  string        `mapstructure:"kind"`
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

// DatabaseConfig selects the system of record.
type DatabaseConfig struct {
	Kind            string        `mapstructure:"kind"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where mirrored page images go.
type StorageConfig struct {
	Kind    string `mapstructure:"kind"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// FetchConfig configures the plain HTTP fetcher and default politeness.
type FetchConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodySize   int           `mapstructure:"max_body_size"`
	DefaultRPS    float64       `mapstructure:"default_rps"`
	DefaultBurst  int           `mapstructure:"default_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	WaitSelector  string        `mapstructure:"wait_selector"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	ExecPath      string        `mapstructure:"exec_path"`
	ScrollSteps   int           `mapstructure:"scroll_steps"`
	MinTextLength int           `mapstructure:"min_text_length"`
}

// NotifyConfig selects where job completion notices are published.
type NotifyConfig struct {
	Kind      string `mapstructure:"kind"`
	Topic     string `mapstructure:"topic"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.run_consumers", true)
	// Empty defaults make secrets overridable from the environment.
	v.SetDefault("server.api_key", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("claims.redis.password", "")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("mode", string(crawler.ModeLocal))

	v.SetDefault("pipeline.local.concurrency", map[string]int{
		"list": 1, "manga": 4, "chapter": 4, "page": 8,
	})
	v.SetDefault("pipeline.local.buffer", 64)
	v.SetDefault("pipeline.local.store_slots", 4)
	v.SetDefault("pipeline.distributed.concurrency", map[string]int{
		"list": 1, "manga": 4, "chapter": 4, "page": 8,
	})
	v.SetDefault("pipeline.distributed.flush_interval", 2*time.Second)
	v.SetDefault("pipeline.distributed.job_cache_ttl", 5*time.Second)
	v.SetDefault("pipeline.distributed.poll_interval", 5*time.Second)

	v.SetDefault("paginate.concurrency", 4)
	v.SetDefault("paginate.max_attempts", 3)
	v.SetDefault("paginate.retry_step", 500*time.Millisecond)

	v.SetDefault("dispatcher.workers", 2)
	v.SetDefault("dispatcher.queue_depth", 64)

	v.SetDefault("tracker.flush_every", 25)
	v.SetDefault("tracker.notify_timeout", 5*time.Second)

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 2*time.Second)

	v.SetDefault("broker.kind", KindMemory)
	v.SetDefault("broker.prefix", "mangacrawler")
	v.SetDefault("broker.max_attempts", 5)
	v.SetDefault("broker.retry_delay", 5*time.Second)
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.kafka.group_id", "mangacrawler")

	v.SetDefault("claims.kind", KindMemory)
	v.SetDefault("claims.ttl", 24*time.Hour)
	v.SetDefault("claims.redis.addr", "localhost:6379")

	v.SetDefault("database.kind", KindMemory)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)

	v.SetDefault("storage.kind", KindNone)
	v.SetDefault("storage.base_dir", "data/pages")
	v.SetDefault("storage.prefix", "pages")

	v.SetDefault("fetch.user_agent", "manga-crawl-engine/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_body_size", 32<<20)
	v.SetDefault("fetch.default_rps", 2.0)
	v.SetDefault("fetch.default_burst", 2)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.scroll_steps", 4)
	v.SetDefault("headless.min_text_length", 200)

	v.SetDefault("notify.kind", KindNone)
	v.SetDefault("notify.topic", "crawl-jobs")

	v.SetDefault("telemetry.service_name", "mangacrawler")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Mode == crawler.ModeLocal || c.Mode == crawler.ModeDistributed,
		"mode must be local or distributed, got %q", c.Mode)
	check(c.Pipeline.Local.Buffer >= 0, "pipeline.local.buffer must be >= 0")
	check(c.Pipeline.Local.StoreSlots > 0, "pipeline.local.store_slots must be > 0")
	errs = append(errs, validStages("pipeline.local.concurrency", c.Pipeline.Local.Concurrency)...)
	errs = append(errs, validStages("pipeline.distributed.concurrency", c.Pipeline.Distributed.Concurrency)...)
	check(c.Paginate.Concurrency > 0, "paginate.concurrency must be > 0")
	check(c.Paginate.MaxAttempts > 0, "paginate.max_attempts must be > 0")
	check(c.Dispatcher.Workers > 0, "dispatcher.workers must be > 0")
	check(c.Dispatcher.QueueDepth > 0, "dispatcher.queue_depth must be > 0")
	check(c.Fetch.Timeout > 0, "fetch.timeout must be > 0")
	check(c.Fetch.DefaultRPS >= 0, "fetch.default_rps must be >= 0")

	check(oneOf(c.Broker.Kind, KindMemory, KindAsynq, KindKafka, KindPubSub),
		"broker.kind %q is not supported", c.Broker.Kind)
	if c.Broker.Kind == KindKafka {
		check(len(c.Broker.Kafka.Brokers) > 0, "broker.kafka.brokers must be set for kafka")
	}
	if c.Broker.Kind == KindPubSub {
		check(c.Broker.PubSub.ProjectID != "", "broker.pubsub.project_id must be set for pubsub")
	}
	check(oneOf(c.Claims.Kind, KindMemory, KindRedis), "claims.kind %q is not supported", c.Claims.Kind)
	check(c.Claims.TTL > 0, "claims.ttl must be > 0")

	check(oneOf(c.Database.Kind, KindMemory, KindPostgres), "database.kind %q is not supported", c.Database.Kind)
	if c.Database.Kind == KindPostgres {
		check(c.Database.DSN != "", "database.dsn must be set for postgres")
	}
	check(oneOf(c.Storage.Kind, KindNone, KindMemory, KindLocal, KindGCS),
		"storage.kind %q is not supported", c.Storage.Kind)
	if c.Storage.Kind == KindGCS {
		check(c.Storage.Bucket != "", "storage.bucket must be set for gcs")
	}
	if c.Storage.Kind == KindLocal {
		check(c.Storage.BaseDir != "", "storage.base_dir must be set for local")
	}
	if c.Headless.Enabled {
		check(c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	}
	check(oneOf(c.Notify.Kind, KindNone, KindMemory, KindPubSub), "notify.kind %q is not supported", c.Notify.Kind)
	if c.Notify.Kind == KindPubSub {
		check(c.Notify.ProjectID != "", "notify.project_id must be set for pubsub")
	}
	return errors.Join(errs...)
}

// Stages converts stage-name keyed concurrency into pipeline stages.
func Stages(raw map[string]int) map[pipeline.Stage]int {
	out := make(map[pipeline.Stage]int, len(raw))
	for name, n := range raw {
		out[pipeline.Stage(strings.ToLower(name))] = n
	}
	return out
}

func validStages(key string, raw map[string]int) []error {
	var errs []error
	for name, n := range raw {
		if !pipeline.Stage(strings.ToLower(name)).Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown stage %q", key, name))
			continue
		}
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s.%s must be > 0", key, name))
		}
	}
	return errs
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
