package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"candle-engine/internal/model"
)

// Config holds all application configuration. Values come from an optional
// YAML file and are then overridden by environment variables.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Sink    SinkConfig    `yaml:"sink"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Source  SourceConfig  `yaml:"source"`
	Alerts  AlertConfig   `yaml:"alerts"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// EngineConfig controls aggregation, lateness and sharding.
type EngineConfig struct {
	// AllowedLateness is subtracted from the max observed event time to
	// produce the watermark. Sized to cover transport delay and clock skew.
	AllowedLateness time.Duration `yaml:"allowed_lateness" validate:"gte=0"`
	// GraceWindow is how long past its end a closed bucket may still be
	// reopened and republished. Must exceed AllowedLateness.
	GraceWindow time.Duration    `yaml:"grace_window" validate:"gtfield=AllowedLateness"`
	Intervals   []model.Interval `yaml:"intervals" validate:"min=1,dive,required"`

	Shards         int           `yaml:"shards" validate:"min=1,max=1024"`
	ShardBuffer    int           `yaml:"shard_buffer" validate:"min=1"`
	ScanInterval   time.Duration `yaml:"scan_interval" validate:"gt=0"`
	TradeBatchSize int           `yaml:"trade_batch_size" validate:"min=1"`
	EvictOnFlush   bool          `yaml:"evict_on_flush"`

	// Retention is the raw-trade retention horizon; buckets older than
	// watermark-Retention are permanently closed. 0 disables the check.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
	// IdleAdvance moves an idle shard's watermark with wall-clock time
	// after this much inactivity. 0 disables it.
	IdleAdvance time.Duration `yaml:"idle_advance" validate:"gte=0"`
	// MaxFutureSkew rejects trades whose event time is further than this
	// ahead of the wall clock. 0 disables it.
	MaxFutureSkew time.Duration `yaml:"max_future_skew" validate:"gte=0"`
}

// SinkConfig controls storage write retries.
type SinkConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	MaxRetryElapsed time.Duration `yaml:"max_retry_elapsed" validate:"gt=0"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff      time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	BreakerFailures int           `yaml:"breaker_failures" validate:"min=1"`
	BreakerReset    time.Duration `yaml:"breaker_reset" validate:"gt=0"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=postgres sqlite memory"`
	DSN           string `yaml:"dsn" validate:"required_unless=Driver memory"`
	RunMigrations bool   `yaml:"run_migrations"`
}

// RedisConfig configures the trade stream and the hot candle tier.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db" validate:"gte=0"`
	Stream     string `yaml:"stream"`
	Group      string `yaml:"group"`
	Consumer   string `yaml:"consumer"`
	LateStream string `yaml:"late_stream"`
	// RejectStream receives records the decoder refused.
	RejectStream string `yaml:"reject_stream"`
	// LatestTTL bounds how long the hot tier keeps a series' latest candle.
	LatestTTL time.Duration `yaml:"latest_ttl" validate:"gte=0"`
}

// SourceConfig selects where trades come from: the Redis stream or an
// NDJSON file replay.
type SourceConfig struct {
	Kind  string  `yaml:"kind" validate:"oneof=redis file"`
	File  string  `yaml:"file" validate:"required_if=Kind file"`
	Speed float64 `yaml:"speed" validate:"gte=0"` // 0 = as fast as possible
}

// AlertConfig configures escalation channels. Empty values disable a channel.
type AlertConfig struct {
	WebhookURL    string `yaml:"webhook_url" validate:"omitempty,url"`
	TelegramToken string `yaml:"telegram_token"`
	TelegramChat  string `yaml:"telegram_chat"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			AllowedLateness: 2 * time.Minute,
			GraceWindow:     time.Hour,
			Intervals:       append([]model.Interval(nil), model.DefaultIntervals...),
			Shards:          8,
			ShardBuffer:     4096,
			ScanInterval:    time.Second,
			TradeBatchSize:  256,
			MaxFutureSkew:   time.Hour,
		},
		Sink: SinkConfig{
			WriteTimeout:    5 * time.Second,
			MaxRetryElapsed: 2 * time.Minute,
			InitialBackoff:  100 * time.Millisecond,
			MaxBackoff:      10 * time.Second,
			BreakerFailures: 5,
			BreakerReset:    10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			DSN:           "data/candles.db",
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Stream:       "trades",
			Group:        "candle-engine",
			Consumer:     "worker-1",
			LateStream:   "late:trades",
			RejectStream: "rejected:trades",
			LatestTTL:    30 * time.Minute,
		},
		Source: SourceConfig{
			Kind: "redis",
		},
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// Load reads the YAML file at path (skipped when empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, including grace_window > allowed_lateness.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("config: %w", err)
	}
	for _, iv := range c.Engine.Intervals {
		if !iv.Valid() {
			return fmt.Errorf("config: unsupported interval %q", iv)
		}
	}
	if r := c.Engine.Retention; r > 0 && r < c.Engine.GraceWindow {
		return fmt.Errorf("config: retention %v shorter than grace_window %v", r, c.Engine.GraceWindow)
	}
	return nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() error {
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	str := func(key string, dst *string) {
		*dst = getEnv(key, *dst)
	}

	dur("ALLOWED_LATENESS", &c.Engine.AllowedLateness)
	dur("GRACE_WINDOW", &c.Engine.GraceWindow)
	dur("SCAN_INTERVAL", &c.Engine.ScanInterval)
	dur("RETENTION", &c.Engine.Retention)
	dur("IDLE_ADVANCE", &c.Engine.IdleAdvance)
	dur("MAX_FUTURE_SKEW", &c.Engine.MaxFutureSkew)
	num("SHARDS", &c.Engine.Shards)
	num("SHARD_BUFFER", &c.Engine.ShardBuffer)
	num("TRADE_BATCH_SIZE", &c.Engine.TradeBatchSize)
	if v := os.Getenv("EVICT_ON_FLUSH"); v != "" {
		c.Engine.EvictOnFlush = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("INTERVALS"); v != "" {
		c.Engine.Intervals = ParseIntervals(v)
	}

	dur("SINK_WRITE_TIMEOUT", &c.Sink.WriteTimeout)
	dur("SINK_MAX_RETRY_ELAPSED", &c.Sink.MaxRetryElapsed)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_DSN", &c.Storage.DSN)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_STREAM", &c.Redis.Stream)
	str("REDIS_GROUP", &c.Redis.Group)
	str("REDIS_CONSUMER", &c.Redis.Consumer)

	str("SOURCE_KIND", &c.Source.Kind)
	str("SOURCE_FILE", &c.Source.File)
	if v := os.Getenv("SOURCE_SPEED"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: SOURCE_SPEED: %w", err))
		} else {
			c.Source.Speed = f
		}
	}

	str("ALERT_WEBHOOK_URL", &c.Alerts.WebhookURL)
	str("TELEGRAM_TOKEN", &c.Alerts.TelegramToken)
	str("TELEGRAM_CHAT", &c.Alerts.TelegramChat)

	str("HTTP_ADDR", &c.HTTPAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

// ParseIntervals parses a comma-separated interval list, e.g. "30m,1h,4h,1d".
// Invalid entries are skipped with a warning.
func ParseIntervals(s string) []model.Interval {
	parts := strings.Split(s, ",")
	out := make([]model.Interval, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		iv, err := model.ParseInterval(p)
		if err != nil {
			slog.Warn("skipping invalid interval", "component", "config", "value", p)
			continue
		}
		out = append(out, iv)
	}
	return out
}

// FormatIntervals is the inverse of ParseIntervals.
func FormatIntervals(ivs []model.Interval) string {
	parts := make([]string, len(ivs))
	for i, iv := range ivs {
		parts[i] = string(iv)
	}
	return strings.Join(parts, ",")
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
