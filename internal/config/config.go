package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-pulse-bot/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Market     MarketConfig     `mapstructure:"market"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Dedupe     DedupeConfig     `mapstructure:"dedupe"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Persistence is
// optional; an empty DSN disables the audit store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// MarketConfig covers the CoinGecko market data source.
type MarketConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	VsCurrency     string        `mapstructure:"vs_currency"`
	CoinIDs        []string      `mapstructure:"coin_ids"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AnalysisConfig covers the Claude inference provider.
type AnalysisConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APIVersion     string        `mapstructure:"api_version"`
	Model          string        `mapstructure:"model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PublishConfig defines output channels and post text constraints.
type PublishConfig struct {
	Channels     []string       `mapstructure:"channels"`
	MinLength    int            `mapstructure:"min_length"`
	TargetLength int            `mapstructure:"target_length"`
	HardLimit    int            `mapstructure:"hard_limit"`
	Hashtags     string         `mapstructure:"hashtags"`
	Twitter      TwitterConfig  `mapstructure:"twitter"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TwitterConfig 描述浏览器发帖参数。登录会话由外部准备（user data dir）。
type TwitterConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Username    string        `mapstructure:"username"`
	RemoteURL   string        `mapstructure:"remote_url"`
	UserDataDir string        `mapstructure:"user_data_dir"`
	Headless    bool          `mapstructure:"headless"`
	PageTimeout time.Duration `mapstructure:"page_timeout"`
}

// TelegramConfig 描述 Telegram 发布通道参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DedupeConfig tunes duplicate suppression of published posts.
type DedupeConfig struct {
	MinChangePct float64       `mapstructure:"min_change_pct"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	Retention    int           `mapstructure:"retention"`
}

// ResilienceConfig groups retry policy and per-service guards.
type ResilienceConfig struct {
	Retry    RetryConfig        `mapstructure:"retry"`
	Market   ServiceGuardConfig `mapstructure:"market"`
	Analysis ServiceGuardConfig `mapstructure:"analysis"`
	Publish  ServiceGuardConfig `mapstructure:"publish"`
}

// RetryConfig bounds retry attempts and waiting.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	AdmitWait   time.Duration `mapstructure:"admit_wait"`
}

// ServiceGuardConfig bounds one external dependency.
type ServiceGuardConfig struct {
	RateWindow       time.Duration `mapstructure:"rate_window"`
	RateLimit        int           `mapstructure:"rate_limit"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerRecovery  time.Duration `mapstructure:"breaker_recovery"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PULSEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pulsebot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70756c73))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("market.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.vs_currency", "usd")
	v.SetDefault("market.coin_ids", []string{"bitcoin", "ethereum"})
	v.SetDefault("market.request_timeout", "90s")
	v.SetDefault("market.user_agent", "pulsebot/1.0")

	v.SetDefault("analysis.base_url", "https://api.anthropic.com")
	v.SetDefault("analysis.api_version", "2023-06-01")
	v.SetDefault("analysis.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("analysis.max_tokens", 1500)
	v.SetDefault("analysis.request_timeout", "60s")

	v.SetDefault("publish.channels", []string{"log"})
	v.SetDefault("publish.min_length", 220)
	v.SetDefault("publish.target_length", 270)
	v.SetDefault("publish.hard_limit", 280)
	v.SetDefault("publish.hashtags", "#Crypto #ETH #BTC")
	v.SetDefault("publish.twitter.enabled", false)
	v.SetDefault("publish.twitter.headless", true)
	v.SetDefault("publish.twitter.page_timeout", "45s")
	v.SetDefault("publish.telegram.enabled", false)
	v.SetDefault("publish.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("dedupe.min_change_pct", 0.5)
	v.SetDefault("dedupe.min_interval", "30s")
	v.SetDefault("dedupe.retention", 10)

	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.base_delay", "2s")
	v.SetDefault("resilience.retry.max_delay", "30s")
	v.SetDefault("resilience.retry.admit_wait", "10s")

	v.SetDefault("resilience.market.rate_window", "1m")
	v.SetDefault("resilience.market.rate_limit", 30)
	v.SetDefault("resilience.market.breaker_threshold", 5)
	v.SetDefault("resilience.market.breaker_recovery", "60s")
	v.SetDefault("resilience.market.call_timeout", "90s")

	v.SetDefault("resilience.analysis.rate_window", "1m")
	v.SetDefault("resilience.analysis.rate_limit", 10)
	v.SetDefault("resilience.analysis.breaker_threshold", 5)
	v.SetDefault("resilience.analysis.breaker_recovery", "120s")
	v.SetDefault("resilience.analysis.call_timeout", "60s")

	// The publish surface carries the highest abuse risk, so its window is
	// the most conservative of the three.
	v.SetDefault("resilience.publish.rate_window", "15m")
	v.SetDefault("resilience.publish.rate_limit", 3)
	v.SetDefault("resilience.publish.breaker_threshold", 3)
	v.SetDefault("resilience.publish.breaker_recovery", "5m")
	v.SetDefault("resilience.publish.call_timeout", "45s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Market.CoinIDs) < 2 {
		return fmt.Errorf("market.coin_ids must name at least two assets")
	}
	if c.Publish.MinLength <= 0 || c.Publish.TargetLength < c.Publish.MinLength || c.Publish.HardLimit < c.Publish.TargetLength {
		return fmt.Errorf("publish length bounds must satisfy 0 < min <= target <= hard limit")
	}
	if c.Dedupe.MinChangePct < 0 {
		return fmt.Errorf("dedupe.min_change_pct cannot be negative")
	}
	if c.Dedupe.Retention <= 0 {
		return fmt.Errorf("dedupe.retention must be greater than zero")
	}
	if c.Resilience.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("resilience.retry.max_attempts must be greater than zero")
	}
	for _, guard := range []struct {
		name string
		cfg  ServiceGuardConfig
	}{
		{"resilience.market", c.Resilience.Market},
		{"resilience.analysis", c.Resilience.Analysis},
		{"resilience.publish", c.Resilience.Publish},
	} {
		if guard.cfg.RateWindow <= 0 || guard.cfg.RateLimit <= 0 {
			return fmt.Errorf("%s rate window/limit must be greater than zero", guard.name)
		}
		if guard.cfg.BreakerThreshold <= 0 || guard.cfg.BreakerRecovery <= 0 {
			return fmt.Errorf("%s breaker threshold/recovery must be greater than zero", guard.name)
		}
	}
	if c.Publish.Twitter.Enabled && c.Publish.Twitter.Username == "" {
		return fmt.Errorf("publish.twitter.username 必须配置")
	}
	if c.Publish.Telegram.Enabled {
		if c.Publish.Telegram.BotToken == "" {
			return fmt.Errorf("publish.telegram.bot_token 必须配置")
		}
		if c.Publish.Telegram.ChatID == "" {
			return fmt.Errorf("publish.telegram.chat_id 必须配置")
		}
	}
	return nil
}
