// Package config loads the gateway configuration from environment variables
// with koanf, on top of compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/otp-gateway/internal/domain"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreDynamo   = "dynamodb"
)

// SMS providers.
const (
	SMSMelipayamak = "melipayamak"
	SMSSNS         = "sns"
	SMSLog         = "log"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	OTP         OTPConfig         `koanf:"otp"`
	HTTP        HTTPConfig        `koanf:"http"`
	Store       StoreConfig       `koanf:"store"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Redis       RedisConfig       `koanf:"redis"`
	DynamoDB    DynamoDBConfig    `koanf:"dynamodb"`
	SMS         SMSConfig         `koanf:"sms"`
	Melipayamak MelipayamakConfig `koanf:"melipayamak"`
	SNS         SNSConfig         `koanf:"sns"`
	AWS         AWSConfig         `koanf:"aws"`
	OTEL        OTELConfig        `koanf:"otel"`
}

// OTPConfig holds the issuance policy.
type OTPConfig struct {
	TTLMinutes         int           `koanf:"ttl_minutes"`
	DailyLimit         int           `koanf:"daily_limit"`
	MinIntervalSeconds int           `koanf:"min_interval_seconds"`
	Length             int           `koanf:"length"`
	Timezone           string        `koanf:"timezone"` // "Local", "UTC" or an IANA name
	Locale             string        `koanf:"locale"`
	TemplateID         int           `koanf:"template_id"`
	DispatchTimeout    time.Duration `koanf:"dispatch_timeout"`
}

// HTTPConfig holds the HTTP port configuration.
type HTTPConfig struct {
	Port int `koanf:"port"`
	// ExposeCode returns the issued code in the response body. Local only.
	ExposeCode    bool   `koanf:"expose_code"`
	DefaultRegion string `koanf:"default_region"`
}

// StoreConfig selects the OTP store backend.
type StoreConfig struct {
	Driver string `koanf:"driver"`
}

// PostgresConfig holds Postgres configuration.
type PostgresConfig struct {
	URL      domain.SecretString `koanf:"url"`
	MaxConns int32               `koanf:"max_conns"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr      string              `koanf:"addr"`
	Password  domain.SecretString `koanf:"password"`
	DB        int                 `koanf:"db"`
	Timeout   time.Duration       `koanf:"timeout"`
	LockTTL   time.Duration       `koanf:"lock_ttl"`
	Retention time.Duration       `koanf:"retention"`
}

// DynamoDBConfig holds the DynamoDB store settings. The endpoint, region
// and timeout come from AWSConfig.
type DynamoDBConfig struct {
	Table     string        `koanf:"table"`
	LockTTL   time.Duration `koanf:"lock_ttl"`
	Retention time.Duration `koanf:"retention"`
}

// SMSConfig selects the Notifier.
type SMSConfig struct {
	Provider string `koanf:"provider"`
}

// MelipayamakConfig holds the SOAP gateway settings. Credentials come
// either inline or from one of the AWS secret stores.
type MelipayamakConfig struct {
	Endpoint             string              `koanf:"endpoint"`
	Username             string              `koanf:"username"`
	Password             domain.SecretString `koanf:"password"`
	CredentialsSecret    string              `koanf:"credentials_secret"`
	CredentialsParameter string              `koanf:"credentials_parameter"`
	Timeout              time.Duration       `koanf:"timeout"`
}

// SNSConfig holds SNS SMS settings.
type SNSConfig struct {
	MessageFormat string `koanf:"message_format"`
	SenderID      string `koanf:"sender_id"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string        `koanf:"region"`
	Endpoint string        `koanf:"endpoint"` // LocalStack endpoint for development
	Timeout  time.Duration `koanf:"timeout"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
	// Insecure sends OTLP in plaintext, for a collector on localhost.
	Insecure       bool          `koanf:"insecure"`
	SampleRatio    float64       `koanf:"sample_ratio"`
	MetricInterval time.Duration `koanf:"metric_interval"`
}

// sections are the env var prefixes that map to nested keys:
// OTP_TTL_MINUTES → otp.ttl_minutes.
var sections = map[string]bool{
	"otp":         true,
	"http":        true,
	"store":       true,
	"postgres":    true,
	"redis":       true,
	"dynamodb":    true,
	"sms":         true,
	"melipayamak": true,
	"sns":         true,
	"aws":         true,
	"otel":        true,
}

var topLevel = map[string]bool{
	"environment": true,
	"log_level":   true,
	"log_format":  true,
}

// envKey maps an environment variable name to a koanf key. Names that are
// not configuration return "" and are skipped.
func envKey(name string) string {
	key := strings.ToLower(name)
	if section, rest, ok := strings.Cut(key, "_"); ok && sections[section] {
		return section + "." + rest
	}
	if topLevel[key] {
		return key
	}
	return ""
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		OTP: OTPConfig{
			TTLMinutes:         int(domain.DefaultOTPTTL / time.Minute),
			DailyLimit:         domain.DefaultDailyLimit,
			MinIntervalSeconds: int(domain.DefaultMinInterval / time.Second),
			Length:             domain.DefaultOTPLength,
			Timezone:           "Local",
			Locale:             string(domain.LocaleFA),
			TemplateID:         domain.DefaultOTPTemplateID,
			DispatchTimeout:    domain.DefaultDispatchTimeout,
		},
		HTTP: HTTPConfig{
			Port:          8080,
			DefaultRegion: "IR",
		},
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Timeout:   domain.RedisTimeout,
			LockTTL:   domain.DefaultLockTTL,
			Retention: domain.DefaultRetention,
		},
		DynamoDB: DynamoDBConfig{
			Table:     domain.DefaultOTPTable,
			LockTTL:   domain.DefaultLockTTL,
			Retention: domain.DefaultRetention,
		},
		SMS: SMSConfig{
			Provider: SMSLog,
		},
		Melipayamak: MelipayamakConfig{
			Timeout: domain.DefaultDispatchTimeout,
		},
		AWS: AWSConfig{
			Region:  "eu-central-1",
			Timeout: 5 * time.Second,
		},
		OTEL: OTELConfig{
			ServiceName:    "otp-gateway",
			SampleRatio:    1,
			MetricInterval: time.Minute,
		},
	}
}

// Load loads configuration with the precedence:
//  1. Environment variables (highest)
//  2. Compiled defaults (lowest)
//
// Invalid or missing required keys fail startup.
func Load(_ context.Context) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and required keys for the selected backends.
func (c *Config) Validate() error {
	if err := c.OTP.validate(); err != nil {
		return err
	}
	if len(c.HTTP.DefaultRegion) != 2 {
		return fmt.Errorf("%w: http.default_region must be a two-letter region", domain.ErrConfigRequired)
	}

	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return fmt.Errorf("%w: otel.sample_ratio must be in [0, 1]", domain.ErrConfigRequired)
	}
	if c.OTEL.MetricInterval <= 0 {
		return fmt.Errorf("%w: otel.metric_interval must be positive", domain.ErrConfigRequired)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres.URL.IsEmpty() {
			return fmt.Errorf("%w: postgres.url", domain.ErrConfigRequired)
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
		}
		if err := validateLockTTL("redis.lock_ttl", c.Redis.LockTTL, domain.RedisTimeout); err != nil {
			return err
		}
	case StoreDynamo:
		if c.DynamoDB.Table == "" {
			return fmt.Errorf("%w: dynamodb.table", domain.ErrConfigRequired)
		}
		if err := validateLockTTL("dynamodb.lock_ttl", c.DynamoDB.LockTTL, domain.DynamoTimeout); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: store.driver %q is not one of memory, postgres, redis, dynamodb", domain.ErrConfigRequired, c.Store.Driver)
	}

	switch c.SMS.Provider {
	case SMSLog, SMSSNS:
	case SMSMelipayamak:
		inline := c.Melipayamak.Username != "" && !c.Melipayamak.Password.IsEmpty()
		if !inline && c.Melipayamak.CredentialsSecret == "" && c.Melipayamak.CredentialsParameter == "" {
			return fmt.Errorf("%w: melipayamak.username and melipayamak.password, or melipayamak.credentials_secret", domain.ErrConfigRequired)
		}
	default:
		return fmt.Errorf("%w: sms.provider %q is not one of melipayamak, sns, log", domain.ErrConfigRequired, c.SMS.Provider)
	}

	if c.IsProd() {
		switch {
		case c.Store.Driver == StoreMemory:
			return fmt.Errorf("%w: store.driver memory is not allowed in prod", domain.ErrConfigRequired)
		case c.SMS.Provider == SMSLog:
			return fmt.Errorf("%w: sms.provider log is not allowed in prod", domain.ErrConfigRequired)
		case c.HTTP.ExposeCode:
			return fmt.Errorf("%w: http.expose_code is not allowed in prod", domain.ErrConfigRequired)
		}
	}

	return nil
}

// validateLockTTL requires a lease that outlives a whole request unit of
// work plus the store's retried commit.
func validateLockTTL(key string, ttl, commitTimeout time.Duration) error {
	if minTTL := domain.DefaultOperationTimeout + commitTimeout; ttl <= minTTL {
		return fmt.Errorf("%w: %s must be longer than %s", domain.ErrConfigRequired, key, minTTL)
	}
	return nil
}

func (o OTPConfig) validate() error {
	switch {
	case o.TTLMinutes <= 0:
		return fmt.Errorf("%w: otp.ttl_minutes must be positive", domain.ErrConfigRequired)
	case o.DailyLimit <= 0:
		return fmt.Errorf("%w: otp.daily_limit must be positive", domain.ErrConfigRequired)
	case o.MinIntervalSeconds <= 0:
		return fmt.Errorf("%w: otp.min_interval_seconds must be positive", domain.ErrConfigRequired)
	case o.Length < domain.MinOTPLength || o.Length > domain.MaxOTPLength:
		return fmt.Errorf("%w: otp.length must be in [%d, %d]", domain.ErrConfigRequired, domain.MinOTPLength, domain.MaxOTPLength)
	case o.DispatchTimeout <= 0:
		return fmt.Errorf("%w: otp.dispatch_timeout must be positive", domain.ErrConfigRequired)
	}
	if _, err := domain.ParseLocale(o.Locale); err != nil {
		return fmt.Errorf("%w: otp.locale: %v", domain.ErrConfigRequired, err)
	}
	if _, err := o.Location(); err != nil {
		return fmt.Errorf("%w: otp.timezone: %v", domain.ErrConfigRequired, err)
	}
	return nil
}

// TTL returns the code lifetime.
func (o OTPConfig) TTL() time.Duration {
	return time.Duration(o.TTLMinutes) * time.Minute
}

// MinInterval returns the minimum gap between two codes for one mobile.
func (o OTPConfig) MinInterval() time.Duration {
	return time.Duration(o.MinIntervalSeconds) * time.Second
}

// Location resolves Timezone.
func (o OTPConfig) Location() (*time.Location, error) {
	return time.LoadLocation(o.Timezone)
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
