// Package config loads and validates tracker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	DB           DBConfig           `mapstructure:"db"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Poller       PollerConfig       `mapstructure:"poller"`
	Platforms    PlatformsConfig    `mapstructure:"platforms"`
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

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig names the service in emitted spans.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// RetryConfig configures the shared upstream client.
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Jitter           bool          `mapstructure:"jitter"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

// ProvidersConfig locates the scraper API and its rate limits.
type ProvidersConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	// BaseURLs overrides BaseURL per platform.
	BaseURLs map[string]string `mapstructure:"base_urls"`
	RPS      float64           `mapstructure:"rps"`
	Burst    int               `mapstructure:"burst"`
}

// OrchestratorConfig locates the job orchestration service.
type OrchestratorConfig struct {
	BaseURL    string            `mapstructure:"base_url"`
	Token      string            `mapstructure:"token"`
	Actors     map[string]string `mapstructure:"actors"`
	MaxItems   int               `mapstructure:"max_items"`
	WebhookURL string            `mapstructure:"webhook_url"`
}

// WebhookConfig secures the completion callback.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
	// Insecure accepts unsigned callbacks when no secret is configured. Local use only.
	Insecure     bool          `mapstructure:"insecure"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	ReplayTTL    time.Duration `mapstructure:"replay_ttl"`
	Archive      bool          `mapstructure:"archive"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects where raw webhook payloads are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects the terminal-transition notification backend.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
	Topic   string `mapstructure:"topic"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds Kafka broker settings.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	ClientID     string        `mapstructure:"client_id"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// RedisConfig backs the webhook replay guard. An empty Addr keeps the guard in memory.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PollerConfig tunes the watch command.
type PollerConfig struct {
	ActiveInterval time.Duration `mapstructure:"active_interval"`
	RecentInterval time.Duration `mapstructure:"recent_interval"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
	RecentWindow   time.Duration `mapstructure:"recent_window"`
	StuckAfter     time.Duration `mapstructure:"stuck_after"`
}

// PlatformsConfig decides how sounds are indexed per platform.
type PlatformsConfig struct {
	Async      []string      `mapstructure:"async"`
	ClipLimit  int           `mapstructure:"clip_limit"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendPubSub = "pubsub"
	BackendKafka  = "kafka"
	BackendNone   = "none"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "realtime-sound-tracker")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", false)
	v.SetDefault("retry.timeout", 30*time.Second)
	v.SetDefault("retry.max_response_bytes", 10<<20)
	v.SetDefault("providers.rps", 5.0)
	v.SetDefault("providers.burst", 5)
	v.SetDefault("orchestrator.max_items", 100)
	v.SetDefault("webhook.max_body_bytes", 16<<20)
	v.SetDefault("webhook.replay_ttl", 24*time.Hour)
	v.SetDefault("webhook.archive", true)
	v.SetDefault("webhook.insecure", false)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "tracker")
	v.SetDefault("publisher.backend", BackendNone)
	v.SetDefault("publisher.topic", "item-events")
	v.SetDefault("kafka.client_id", "realtime-sound-tracker")
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("redis.key_prefix", "tracker:dedupe:")
	v.SetDefault("poller.active_interval", 2*time.Second)
	v.SetDefault("poller.recent_interval", 5*time.Second)
	v.SetDefault("poller.idle_interval", 30*time.Second)
	v.SetDefault("poller.recent_window", 60*time.Second)
	v.SetDefault("poller.stuck_after", 10*time.Minute)
	v.SetDefault("platforms.async", []string{"tiktok"})
	v.SetDefault("platforms.clip_limit", 100)
	v.SetDefault("platforms.stale_after", 10*time.Minute)

	// Empty defaults register these keys for AutomaticEnv.
	for _, key := range []string{
		"auth.api_key", "providers.base_url", "providers.api_key",
		"orchestrator.base_url", "orchestrator.token", "orchestrator.webhook_url",
		"webhook.secret", "db.dsn", "storage.local_dir", "storage.gcs_bucket",
		"pubsub.project_id", "redis.addr", "redis.password",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Timeout <= 0 {
		return fmt.Errorf("retry.timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Webhook.Secret == "" && !c.Webhook.Insecure {
		return fmt.Errorf("webhook.secret must be set unless webhook.insecure is enabled")
	}
	if c.Platforms.ClipLimit <= 0 {
		return fmt.Errorf("platforms.clip_limit must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Publisher.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the pubsub publisher")
		}
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must be set for the kafka publisher")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	if c.Publisher.Backend != BackendNone && c.Publisher.Topic == "" {
		return fmt.Errorf("publisher.topic must be set")
	}
	return nil
}
