package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Auth   AuthConfig   `mapstructure:"auth"`

	Identity IdentityConfig `mapstructure:"identity"`

	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Sessions   []SessionConfig  `mapstructure:"sessions"`
	Routing    []RouteConfig    `mapstructure:"routing"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Risk       RiskConfig       `mapstructure:"risk"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// IdentityConfig is the fallback routing identity for runs triggered
// outside an authenticated request, e.g. scheduled evaluations.
type IdentityConfig struct {
	DefaultRegion string `mapstructure:"default_region"`
	DefaultMode   string `mapstructure:"default_mode"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	EvalTimeout   time.Duration `mapstructure:"eval_timeout"`
}

type QueueConfig struct {
	BatchGranularityMinutes int           `mapstructure:"batch_granularity_minutes"`
	ReleaseInterval         time.Duration `mapstructure:"release_interval"`
}

type ExecutionConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	SubmitRate    float64       `mapstructure:"submit_rate"`
	SubmitBurst   int           `mapstructure:"submit_burst"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

type MonitorConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

type MarketDataConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	StreamURL    string        `mapstructure:"stream_url"`
	StreamEnable bool          `mapstructure:"stream_enable"`
	MaxSymbols   int           `mapstructure:"max_symbols"`
}

// SessionConfig describes the trading session window for one region,
// wall-clock in the region's exchange timezone.
type SessionConfig struct {
	Region   string   `mapstructure:"region"`
	Timezone string   `mapstructure:"timezone"`
	Open     string   `mapstructure:"open"`
	Close    string   `mapstructure:"close"`
	Days     []string `mapstructure:"days"`
}

// RouteConfig is one row of the region x mode routing table.
type RouteConfig struct {
	Region  string `mapstructure:"region"`
	Mode    string `mapstructure:"mode"`
	Broker  string `mapstructure:"broker"`
	BaseURL string `mapstructure:"base_url"`
	Live    bool   `mapstructure:"live"`
}

type BacktestConfig struct {
	MaxRangeDays int `mapstructure:"max_range_days"`
}

type RiskConfig struct {
	MaxDailyLoss   float64 `mapstructure:"max_daily_loss"`
	DefaultMaxOpen int     `mapstructure:"default_max_open"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("auth.issuer", "algotrader")
	v.SetDefault("identity.default_region", "US")
	v.SetDefault("identity.default_mode", "paper")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.eval_timeout", "30s")

	v.SetDefault("queue.batch_granularity_minutes", 5)
	v.SetDefault("queue.release_interval", "5s")

	v.SetDefault("execution.max_attempts", 3)
	v.SetDefault("execution.retry_backoff", "2s")
	v.SetDefault("execution.submit_rate", 5)
	v.SetDefault("execution.submit_burst", 10)
	v.SetDefault("execution.submit_timeout", "15s")

	v.SetDefault("monitor.sweep_interval", "5s")
	v.SetDefault("monitor.poll_timeout", "10s")

	v.SetDefault("market_data.base_url", "")
	v.SetDefault("market_data.timeout", "10s")
	v.SetDefault("market_data.stream_enable", false)
	v.SetDefault("market_data.max_symbols", 500)

	v.SetDefault("backtest.max_range_days", 1830)

	v.SetDefault("risk.max_daily_loss", 0)
	v.SetDefault("risk.default_max_open", 10)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
