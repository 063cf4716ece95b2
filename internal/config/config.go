package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/imokokok/Insight-beta-sub000/internal/fetcher"
	"github.com/imokokok/Insight-beta-sub000/internal/logging"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig          `mapstructure:"app"`
	Logging    logging.Config     `mapstructure:"logging"`
	Database   storage.PoolConfig `mapstructure:"database"`
	Symbols    []string           `mapstructure:"symbols"`
	Cache      CacheConfig        `mapstructure:"cache"`
	HTTP       HTTPConfig         `mapstructure:"http"`
	Chainlink  ChainlinkConfig    `mapstructure:"chainlink"`
	Publishers []PublisherConfig  `mapstructure:"publishers"`
	Reference  ReferenceConfig    `mapstructure:"reference"`
	Health     HealthConfig       `mapstructure:"health"`
	Detector   DetectorConfig     `mapstructure:"detector"`
	Alerting   AlertingConfig     `mapstructure:"alerting"`
	Export     ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// CacheConfig governs the shared observation cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// HTTPConfig tunes the shared upstream HTTP client.
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	RequestsPerSec  int           `mapstructure:"requests_per_sec"`
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed"`
}

// ChainlinkConfig covers the on-chain aggregator source.
type ChainlinkConfig struct {
	Enabled        bool                          `mapstructure:"enabled"`
	SourceID       string                        `mapstructure:"source_id"`
	RPCURLs        []string                      `mapstructure:"rpc_urls"`
	RequestTimeout time.Duration                 `mapstructure:"request_timeout"`
	Feeds          map[string]fetcher.FeedConfig `mapstructure:"feeds"`
}

// PublisherConfig describes one off-chain publisher source.
type PublisherConfig struct {
	SourceID  string   `mapstructure:"source_id"`
	BaseURLs  []string `mapstructure:"base_urls"`
	UserAgent string   `mapstructure:"user_agent"`
}

// ReferenceConfig locates the external reference price endpoint.
type ReferenceConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
}

// HealthConfig sets health-check thresholds.
type HealthConfig struct {
	Lookback        time.Duration `mapstructure:"lookback"`
	MaxRows         int           `mapstructure:"max_rows"`
	MaxPriceAge     time.Duration `mapstructure:"max_price_age"`
	MinDataPoints   int           `mapstructure:"min_data_points"`
	MaxDeviationPct float64       `mapstructure:"max_deviation_pct"`
}

// DetectorConfig governs detection cadence and suppression.
type DetectorConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	SuppressionWindow time.Duration `mapstructure:"suppression_window"`
	CycleTimeout      time.Duration `mapstructure:"cycle_timeout"`
	Channels          []string      `mapstructure:"channels"`
}

// AlertingConfig defines notification channel routing.
type AlertingConfig struct {
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// WebhookConfig 描述 webhook 告警通道参数。
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEWATCH")
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
	v.SetDefault("app.name", "oraclewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("symbols", []string{"ETH/USD", "BTC/USD"})

	v.SetDefault("cache.ttl", "30s")

	v.SetDefault("http.timeout", "10s")
	v.SetDefault("http.requests_per_sec", 5)
	v.SetDefault("http.max_retry_elapsed", "15s")

	v.SetDefault("chainlink.enabled", false)
	v.SetDefault("chainlink.source_id", "chainlink")
	v.SetDefault("chainlink.request_timeout", "10s")

	v.SetDefault("reference.enabled", false)
	v.SetDefault("reference.user_agent", "oraclewatch/1.0")

	v.SetDefault("health.lookback", "1h")
	v.SetDefault("health.max_rows", 500)
	v.SetDefault("health.max_price_age", "5m")
	v.SetDefault("health.min_data_points", 3)
	v.SetDefault("health.max_deviation_pct", 0.02)

	v.SetDefault("detector.interval", "60s")
	v.SetDefault("detector.suppression_window", "15m")
	v.SetDefault("detector.channels", []string{"webhook"})

	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.email.enabled", false)
	v.SetDefault("alerting.email.port", 587)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if c.Detector.Interval <= 0 {
		return fmt.Errorf("detector.interval must be greater than zero")
	}
	if c.Health.MaxDeviationPct < 0 {
		return fmt.Errorf("health.max_deviation_pct cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when the webhook channel is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Email.Enabled {
		if c.Alerting.Email.Host == "" || len(c.Alerting.Email.To) == 0 {
			return fmt.Errorf("alerting.email.host and alerting.email.to are required when email is enabled")
		}
	}
	for _, publisher := range c.Publishers {
		if publisher.SourceID == "" || len(publisher.BaseURLs) == 0 {
			return fmt.Errorf("each publisher needs source_id and base_urls")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
