// Package config loads service configuration from an optional YAML file and
// COACHLEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. COACHLEDGER_DB_DSN.
const EnvPrefix = "COACHLEDGER"

// Config is the complete service configuration.
type Config struct {
	HTTPAddr    string   `mapstructure:"http_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`

	StripeSecretKey  string `mapstructure:"stripe_secret_key"`
	StripeBackendURL string `mapstructure:"stripe_backend_url"`
	Currency         string `mapstructure:"currency"`

	GatewayRPS     float64       `mapstructure:"gateway_rps"`
	GatewayBurst   int           `mapstructure:"gateway_burst"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`

	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	StuckAfter   time.Duration `mapstructure:"stuck_after"`
	AbandonAfter time.Duration `mapstructure:"abandon_after"`
	BatchSize    int           `mapstructure:"batch_size"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`

	InitialTermMonths int    `mapstructure:"initial_term_months"`
	PayrollAnchor     string `mapstructure:"payroll_anchor"`
	PayoutDelayDays   int    `mapstructure:"payout_delay_days"`

	SettingsTTL time.Duration `mapstructure:"settings_ttl"`
	RedisURL    string        `mapstructure:"redis_url"`

	// JobSecretHash is a bcrypt hash of the X-Job-Secret header value.
	// Empty leaves the job endpoints open.
	JobSecretHash string        `mapstructure:"job_secret_hash"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTTTL        time.Duration `mapstructure:"jwt_ttl"`

	SMTPHost     string   `mapstructure:"smtp_host"`
	SMTPPort     int      `mapstructure:"smtp_port"`
	SMTPUsername string   `mapstructure:"smtp_username"`
	SMTPPassword string   `mapstructure:"smtp_password"`
	AlertFrom    string   `mapstructure:"alert_from"`
	AlertTo      []string `mapstructure:"alert_to"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		DBDriver:          "sqlite",
		DBDSN:             "data/coachledger.db",
		Currency:          "usd",
		GatewayRPS:        10,
		GatewayBurst:      1,
		GatewayTimeout:    30 * time.Second,
		MaxAttempts:       3,
		RetryBackoff:      72 * time.Hour,
		StuckAfter:        15 * time.Minute,
		AbandonAfter:      7 * 24 * time.Hour,
		BatchSize:         100,
		JobTimeout:        5 * time.Minute,
		InitialTermMonths: 12,
		PayrollAnchor:     "2024-01-01",
		PayoutDelayDays:   5,
		SettingsTTL:       time.Minute,
		JWTTTL:            24 * time.Hour,
		SMTPPort:          587,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv-style lookups also work for
// keys that appear in no config file.
func bindEnv(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DBDriver == "sqlite" || c.DBDriver == "postgres", "db_driver must be sqlite or postgres, got %q", c.DBDriver)
	check(c.DBDSN != "", "db_dsn is required")
	check(len(c.Currency) == 3, "currency must be a 3-letter code, got %q", c.Currency)
	check(c.GatewayRPS >= 0, "gateway_rps cannot be negative")
	check(c.GatewayBurst > 0, "gateway_burst must be positive")
	check(c.GatewayTimeout > 0, "gateway_timeout must be positive")
	check(c.MaxAttempts > 0, "max_attempts must be positive")
	check(c.RetryBackoff > 0, "retry_backoff must be positive")
	check(c.StuckAfter > c.GatewayTimeout, "stuck_after (%s) must exceed gateway_timeout (%s)", c.StuckAfter, c.GatewayTimeout)
	check(c.AbandonAfter > 0, "abandon_after must be positive")
	check(c.BatchSize > 0, "batch_size must be positive")
	check(c.JobTimeout > 0, "job_timeout must be positive")
	check(c.InitialTermMonths > 0, "initial_term_months must be positive")
	check(c.PayoutDelayDays >= 0, "payout_delay_days cannot be negative")
	check(c.SettingsTTL > 0, "settings_ttl must be positive")
	check(c.LogFormat == "text" || c.LogFormat == "json", "log_format must be text or json, got %q", c.LogFormat)
	if _, err := c.Anchor(); err != nil {
		errs = append(errs, err)
	}
	if c.SMTPHost != "" {
		check(c.AlertFrom != "" && len(c.AlertTo) > 0, "alert_from and alert_to are required when smtp_host is set")
	}

	return errors.Join(errs...)
}

// Anchor parses PayrollAnchor.
func (c *Config) Anchor() (time.Time, error) {
	t, err := time.Parse(time.DateOnly, c.PayrollAnchor)
	if err != nil {
		return time.Time{}, fmt.Errorf("payroll_anchor must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}
