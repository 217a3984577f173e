// Package config loads the service configuration from an optional YAML file
// and SETTLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Tick       TickConfig       `mapstructure:"tick"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
	Claims     ClaimsConfig     `mapstructure:"claims"`
	CopyTrade  CopyTradeConfig  `mapstructure:"copytrade"`
	Allocation AllocationConfig `mapstructure:"allocation"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DBConfig struct {
	DSN      string `mapstructure:"dsn"` // empty selects the in-memory store
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	RouteTTL time.Duration `mapstructure:"route_ttl"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type TickConfig struct {
	Secret    string        `mapstructure:"secret"`
	Schedule  string        `mapstructure:"schedule"`
	InProcess bool          `mapstructure:"in_process"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	Seed      int64         `mapstructure:"seed"` // 0 seeds from the clock
}

type WebhooksConfig struct {
	NowPayments           NowPaymentsConfig `mapstructure:"nowpayments"`
	Cryptomus             CryptomusConfig   `mapstructure:"cryptomus"`
	InsecureSkipSignature bool              `mapstructure:"insecure_skip_signature"`
}

type NowPaymentsConfig struct {
	IPNSecret string `mapstructure:"ipn_secret"`
}

type CryptomusConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type ClaimsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// CopyTradeConfig keeps its rates as strings so they reach decimal.Decimal
// without a float round trip.
type CopyTradeConfig struct {
	SettlementAsset    string `mapstructure:"settlement_asset"`
	LiquidationRatio   string `mapstructure:"liquidation_ratio"`
	PerformanceFeeRate string `mapstructure:"performance_fee_rate"`
}

type AllocationConfig struct {
	Min        string `mapstructure:"min"`
	Max        string `mapstructure:"max"`
	MaxPerUser string `mapstructure:"max_per_user"`
}

// Load reads path (skipped when empty) over the defaults, applies SETTLE_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.route_ttl", "30s")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "SETTLEMENT_NOTIFY")
	v.SetDefault("tick.secret", "")
	v.SetDefault("tick.schedule", "@every 5m")
	v.SetDefault("tick.in_process", true)
	v.SetDefault("tick.lock_ttl", "4m")
	v.SetDefault("tick.seed", 0)
	v.SetDefault("webhooks.nowpayments.ipn_secret", "")
	v.SetDefault("webhooks.cryptomus.api_key", "")
	v.SetDefault("webhooks.insecure_skip_signature", false)
	v.SetDefault("claims.base_url", "http://localhost:3000/claim")
	v.SetDefault("claims.ttl", "24h")
	v.SetDefault("copytrade.settlement_asset", "USDT")
	v.SetDefault("copytrade.liquidation_ratio", "0.1")
	v.SetDefault("copytrade.performance_fee_rate", "0.2")
	v.SetDefault("allocation.min", "10")
	v.SetDefault("allocation.max", "100000")
	v.SetDefault("allocation.max_per_user", "0")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that have no safe fallback.
func (c Config) Validate() error {
	var errs []error
	if c.Claims.TTL <= 0 {
		errs = append(errs, fmt.Errorf("claims.ttl must be positive, got %s", c.Claims.TTL))
	}
	if c.CopyTrade.SettlementAsset == "" {
		errs = append(errs, errors.New("copytrade.settlement_asset is required"))
	}
	ratio, err := decimal.NewFromString(c.CopyTrade.LiquidationRatio)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("copytrade.liquidation_ratio: %w", err))
	case !ratio.IsPositive() || ratio.GreaterThanOrEqual(decimal.NewFromInt(1)):
		errs = append(errs, fmt.Errorf("copytrade.liquidation_ratio must be in (0,1), got %s", ratio))
	}
	fee, err := decimal.NewFromString(c.CopyTrade.PerformanceFeeRate)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("copytrade.performance_fee_rate: %w", err))
	case fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(1)):
		errs = append(errs, fmt.Errorf("copytrade.performance_fee_rate must be in [0,1], got %s", fee))
	}
	for key, s := range map[string]string{
		"allocation.min":          c.Allocation.Min,
		"allocation.max":          c.Allocation.Max,
		"allocation.max_per_user": c.Allocation.MaxPerUser,
	} {
		if d, err := decimal.NewFromString(s); err != nil || d.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must be a non-negative decimal, got %q", key, s))
		}
	}
	if c.Tick.InProcess && c.Tick.Schedule == "" {
		errs = append(errs, errors.New("tick.schedule is required when tick.in_process is set"))
	}
	return errors.Join(errs...)
}

// Decimal parses a value already accepted by Validate.
func Decimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
