package internal

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shipnotes/pkg/auth"
	"shipnotes/pkg/cache"
	"shipnotes/pkg/storage"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		// UserHeader carries the caller identity set by the upstream proxy.
		UserHeader string `yaml:"user_header"`
	} `yaml:"server"`
	GitHub    auth.ProviderConfig `yaml:"github"`
	Storage   storage.Config      `yaml:"storage"`
	Cache     CacheConfig         `yaml:"cache"`
	Queue     QueueConfig         `yaml:"queue"`
	Worker    WorkerConfig        `yaml:"worker"`
	Quota     QuotaConfig         `yaml:"quota"`
	Stream    StreamConfig        `yaml:"stream"`
	Generator GeneratorConfig     `yaml:"generator"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// CacheConfig selects the TTL store backing tokens, quotas and dedup keys.
type CacheConfig struct {
	Driver string            `yaml:"driver"`
	Redis  cache.RedisConfig `yaml:"redis"`
}

// QueueConfig selects the intake queue backend.
type QueueConfig struct {
	Driver    string          `yaml:"driver"`
	Topic     string          `yaml:"topic"`
	Watermill WatermillConfig `yaml:"watermill"`
	River     RiverConfig     `yaml:"river"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
	// DedupTTLMS bounds how long a published delivery id blocks re-publishing.
	DedupTTLMS int64 `yaml:"dedup_ttl_ms"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub. Workers
// connect as ClientID+ClientIDSuffix so they never clash with the server.
type NATSConfig struct {
	ClusterID      string `yaml:"cluster_id"`
	ClientID       string `yaml:"client_id"`
	ClientIDSuffix string `yaml:"client_id_suffix"`
	URL            string `yaml:"url"`
	Durable        string `yaml:"durable"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	ConsumerGroup        string `yaml:"consumer_group"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// RiverConfig holds configuration for the river job queue.
type RiverConfig struct {
	DSN         string   `yaml:"dsn"`
	Queue       string   `yaml:"queue"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
	Migrate     bool     `yaml:"migrate"`
}

// WorkerConfig tunes job consumption.
type WorkerConfig struct {
	Concurrency     int   `yaml:"concurrency"`
	MaxAttempts     int   `yaml:"max_attempts"`
	RetryBaseMS     int64 `yaml:"retry_base_ms"`
	RetryMaxMS      int64 `yaml:"retry_max_ms"`
	JobTimeoutMS    int64 `yaml:"job_timeout_ms"`
	RemoteTimeoutMS int64 `yaml:"remote_timeout_ms"`
}

// QuotaConfig holds the daily generation limit.
type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit"`
}

// StreamConfig tunes the live stream.
type StreamConfig struct {
	RefreshIntervalMS int64  `yaml:"refresh_interval_ms"`
	RecentLimit       int    `yaml:"recent_limit"`
	Buffer            int    `yaml:"buffer"`
	RedisChannel      string `yaml:"redis_channel"`
}

// GeneratorConfig configures the text completion backend.
type GeneratorConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	TimeoutMS int64  `yaml:"timeout_ms"`
}

// RefreshInterval returns the stream refresh period.
func (c StreamConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// LoadConfig reads the YAML file at path with ${VAR} references expanded,
// fills defaults and validates the rules.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.AppConfig.setDefaults()
	if cfg.Rules, err = normalizeRules(cfg.Rules); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *log.Logger
}

// RulesConfig extracts the rule settings.
func (c Config) RulesConfig() RulesConfig {
	return RulesConfig{Rules: c.Rules, Strict: c.RulesStrict}
}

// orDefault assigns def when *field holds the zero value.
func orDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

func (c *AppConfig) setDefaults() {
	srv := &c.Server
	orDefault(&srv.Port, 8080)
	orDefault(&srv.ReadTimeoutMS, 5000)
	orDefault(&srv.WriteTimeoutMS, 10000)
	orDefault(&srv.IdleTimeoutMS, 60000)
	orDefault(&srv.ReadHeaderMS, 5000)
	orDefault(&srv.MaxBodyBytes, 5<<20)
	orDefault(&srv.MetricsPath, "/metrics")
	orDefault(&srv.UserHeader, "X-User-Id")
	orDefault(&c.GitHub.Path, "/webhooks/github")

	if c.Storage.Driver == "" && c.Storage.Dialect == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		// local file database, created on first start
		c.Storage.DSN = "shipnotes.db"
		c.Storage.AutoMigrate = true
	}
	orDefault(&c.Cache.Driver, "memory")
	orDefault(&c.Cache.Redis.Prefix, "shipnotes:")

	orDefault(&c.Queue.Driver, "watermill")
	orDefault(&c.Queue.Topic, "shipnotes.events")
	c.Queue.Watermill.setDefaults()
	orDefault(&c.Queue.River.Queue, "default")
	orDefault(&c.Queue.River.MaxAttempts, 5)

	c.Worker.setDefaults(c.Queue.River.MaxAttempts)
	orDefault(&c.Quota.DailyLimit, 5)

	orDefault(&c.Stream.RefreshIntervalMS, 30000)
	orDefault(&c.Stream.RecentLimit, 20)
	orDefault(&c.Stream.Buffer, 16)
	orDefault(&c.Stream.RedisChannel, "shipnotes:stream")

	orDefault(&c.Generator.Model, "gpt-4o-mini")
	orDefault(&c.Generator.MaxTokens, 800)
	orDefault(&c.Generator.TimeoutMS, 30000)
}

func (c *WatermillConfig) setDefaults() {
	if c.Driver == "" && len(c.Drivers) == 0 {
		c.Driver = defaultDriver
	}
	orDefault(&c.GoChannel.OutputChannelBuffer, 64)
	// consumers of the same deployment share offsets
	orDefault(&c.Kafka.ConsumerGroup, "shipnotes-worker")
	orDefault(&c.SQL.ConsumerGroup, "shipnotes-worker")
	orDefault(&c.NATS.ClientIDSuffix, "-worker")
	orDefault(&c.HTTP.Mode, "topic_url")
	orDefault(&c.PublishRetry.Attempts, 3)
	orDefault(&c.PublishRetry.DelayMS, 500)
	orDefault(&c.DedupTTLMS, (7 * 24 * time.Hour).Milliseconds())
}

// setDefaults falls back to the river attempt budget so both queue
// backends retry the same number of times.
func (c *WorkerConfig) setDefaults(maxAttempts int) {
	orDefault(&c.Concurrency, 4)
	orDefault(&c.MaxAttempts, maxAttempts)
	orDefault(&c.RetryBaseMS, 1000)
	orDefault(&c.RetryMaxMS, 60000)
	orDefault(&c.JobTimeoutMS, 60000)
	orDefault(&c.RemoteTimeoutMS, 15000)
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Emit = strings.TrimSpace(rule.Emit)
		if rule.When == "" || rule.Emit == "" {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		out = append(out, rule)
	}
	return out, nil
}
