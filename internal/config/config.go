package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	RefPrice RefPriceConfig `mapstructure:"refprice"`
	DLQ      DLQConfig      `mapstructure:"dlq"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RefPriceConfig struct {
	MaxLookback        int           `mapstructure:"max_lookback"`
	BucketMax          int           `mapstructure:"bucket_max"`
	BucketRefillPerSec float64       `mapstructure:"bucket_refill_per_sec"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	GroupSize          int           `mapstructure:"group_size"`
	BatchBudget        time.Duration `mapstructure:"batch_budget"`
}

type DLQConfig struct {
	Cap int `mapstructure:"cap"`
}

type AuditConfig struct {
	Schedule       string        `mapstructure:"schedule"`
	AutoFix        bool          `mapstructure:"auto_fix"`
	FixLimit       int           `mapstructure:"fix_limit"`
	FixBudget      time.Duration `mapstructure:"fix_budget"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	LogoDir        string        `mapstructure:"logo_dir"`
}

type IngestConfig struct {
	Generator     bool          `mapstructure:"generator"`
	Symbols       []string      `mapstructure:"symbols"`
	Interval      time.Duration `mapstructure:"interval"`
	Workers       int           `mapstructure:"workers"`
	Buffer        int           `mapstructure:"buffer"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from defaults, an optional YAML file, and
// RANKD_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RANKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("upstream.base_url", "https://api.polygon.io")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", "10s")

	v.SetDefault("refprice.max_lookback", 10)
	// Sized for the worst case of one on-demand miss falling back to
	// day-by-day fetches (max_lookback calls).
	v.SetDefault("refprice.bucket_max", 30)
	v.SetDefault("refprice.bucket_refill_per_sec", 0.5)
	v.SetDefault("refprice.lock_ttl", "30s")
	v.SetDefault("refprice.cache_ttl", "24h")
	v.SetDefault("refprice.group_size", 5)
	v.SetDefault("refprice.batch_budget", "25s")

	v.SetDefault("dlq.cap", 500)

	v.SetDefault("audit.schedule", "@every 30m")
	v.SetDefault("audit.auto_fix", false)
	v.SetDefault("audit.fix_limit", 25)
	v.SetDefault("audit.fix_budget", "20s")
	v.SetDefault("audit.stale_threshold", "15m")
	v.SetDefault("audit.logo_dir", "")

	v.SetDefault("ingest.generator", false)
	v.SetDefault("ingest.symbols", []string{"AAPL", "MSFT", "NVDA", "AMZN", "TSLA"})
	v.SetDefault("ingest.interval", "1s")
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.buffer", 4096)
	v.SetDefault("ingest.batch_size", 200)
	v.SetDefault("ingest.flush_interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.RefPrice.MaxLookback < 1 || c.RefPrice.MaxLookback > 30 {
		return fmt.Errorf("refprice.max_lookback must be between 1 and 30")
	}
	if c.RefPrice.BucketMax < c.RefPrice.MaxLookback {
		return fmt.Errorf("refprice.bucket_max must cover one full day-by-day fallback (>= max_lookback)")
	}
	if c.RefPrice.BucketRefillPerSec <= 0 {
		return fmt.Errorf("refprice.bucket_refill_per_sec must be positive")
	}
	if c.RefPrice.GroupSize < 1 {
		return fmt.Errorf("refprice.group_size must be at least 1")
	}
	if c.DLQ.Cap < 1 {
		return fmt.Errorf("dlq.cap must be at least 1")
	}
	if c.Audit.FixLimit < 0 {
		return fmt.Errorf("audit.fix_limit must not be negative")
	}
	if c.Audit.StaleThreshold <= 0 {
		return fmt.Errorf("audit.stale_threshold must be positive")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1")
	}
	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be at least 1")
	}
	return nil
}
