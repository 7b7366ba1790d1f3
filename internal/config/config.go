// Package config loads server settings from an optional config file and
// EXCHANGE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Accounts AccountsConfig `mapstructure:"accounts"`
	Matching MatchingConfig `mapstructure:"matching"`
	Events   EventsConfig   `mapstructure:"events"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type AuthConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	InternalJobSecret string        `mapstructure:"internal_job_secret"`
}

type AccountsConfig struct {
	SignupBalance string `mapstructure:"signup_balance"`
}

type MatchingConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MatchOnPlace  bool          `mapstructure:"match_on_place"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.internal_job_secret", "")
	v.SetDefault("accounts.signup_balance", "0")
	v.SetDefault("matching.workers", 2)
	v.SetDefault("matching.queue_size", 256)
	v.SetDefault("matching.sweep_interval", 30*time.Second)
	v.SetDefault("matching.match_on_place", true)
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel_prefix", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "exchange.events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads config.yaml from path when present, then applies environment
// overrides such as EXCHANGE_DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(path)
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if _, err := c.SignupBalance(); err != nil {
		return err
	}
	if c.Matching.Workers < 1 {
		return errors.New("matching.workers must be at least 1")
	}
	if c.Matching.QueueSize < 0 || c.Events.Buffer < 0 {
		return errors.New("queue sizes cannot be negative")
	}
	return nil
}

// SignupBalance is the USD balance credited to new accounts
func (c *Config) SignupBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Accounts.SignupBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid accounts.signup_balance: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("accounts.signup_balance cannot be negative")
	}
	return d, nil
}

// NewLogger builds the process logger
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
