package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

type Config struct {
	Port           int
	Backend        string
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	AllowedOrigins string
	AdminToken     string
	LogProduction  bool

	Telegram TelegramConfig
	Economy  EconomyConfig
	Jobs     JobsConfig
	R2       R2Config
}

type TelegramConfig struct {
	Token     string
	ChatID    int64
	Endpoint  string
	Timeout   time.Duration
	PerMinute int
}

// Enabled reports whether an operator channel is configured.
func (t TelegramConfig) Enabled() bool { return t.Token != "" && t.ChatID != 0 }

type EconomyConfig struct {
	ConversionRate  decimal.Decimal
	MinConversion   int64
	MinWithdrawal   decimal.Decimal
	AdReward        int64
	StartingAdQuota int
	ReferralBonus   int64
}

type JobsConfig struct {
	AdQuotaResetEvery    time.Duration
	PendingWithdrawalTTL time.Duration
	ArchiveEvery         time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	CDNBaseURL      string
}

// Enabled reports whether the archive bucket is configured.
func (r R2Config) Enabled() bool { return r.Bucket != "" && r.AccountID != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 5200)
	v.SetDefault("LEDGER_BACKEND", BackendPostgres)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("ADMIN_TOKEN", "")
	v.SetDefault("LOG_PRODUCTION", false)

	v.SetDefault("TG_TOKEN", "")
	v.SetDefault("TG_CHAT", 0)
	v.SetDefault("TG_API_ENDPOINT", "")
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_PER_MINUTE", 20)

	v.SetDefault("CONVERSION_RATE", "0.0005")
	v.SetDefault("MIN_CONVERSION", 10000)
	v.SetDefault("MIN_WITHDRAWAL", "0.5")
	v.SetDefault("AD_REWARD", 50)
	v.SetDefault("STARTING_AD_QUOTA", 30)
	v.SetDefault("REFERRAL_BONUS", 10000)

	v.SetDefault("AD_QUOTA_RESET_EVERY", "3h")
	v.SetDefault("PENDING_WITHDRAWAL_TTL", "15m")
	v.SetDefault("ARCHIVE_EVERY", "24h")

	v.SetDefault("CLOUDFLARE_ACCOUNT_ID", "")
	v.SetDefault("R2_ACCESS_KEY_ID", "")
	v.SetDefault("R2_ACCESS_KEY_SECRET", "")
	v.SetDefault("R2_BUCKET_NAME", "")
	v.SetDefault("CDN_BASE_URL", "")
}

// Load reads .env (if present), then an optional config.yaml, then the
// environment. Environment values win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from v with environment overrides applied.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	rate, err := decimal.NewFromString(v.GetString("CONVERSION_RATE"))
	if err != nil {
		return nil, fmt.Errorf("CONVERSION_RATE: %w", err)
	}
	minWithdrawal, err := decimal.NewFromString(v.GetString("MIN_WITHDRAWAL"))
	if err != nil {
		return nil, fmt.Errorf("MIN_WITHDRAWAL: %w", err)
	}

	cfg := &Config{
		Port:           v.GetInt("PORT"),
		Backend:        strings.ToLower(strings.TrimSpace(v.GetString("LEDGER_BACKEND"))),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		RedisDB:        v.GetInt("REDIS_DB"),
		AllowedOrigins: normalizeOrigins(v.GetString("ALLOWED_ORIGINS")),
		AdminToken:     v.GetString("ADMIN_TOKEN"),
		LogProduction:  v.GetBool("LOG_PRODUCTION"),
		Telegram: TelegramConfig{
			Token:     v.GetString("TG_TOKEN"),
			ChatID:    v.GetInt64("TG_CHAT"),
			Endpoint:  v.GetString("TG_API_ENDPOINT"),
			Timeout:   v.GetDuration("NOTIFY_TIMEOUT"),
			PerMinute: v.GetInt("NOTIFY_PER_MINUTE"),
		},
		Economy: EconomyConfig{
			ConversionRate:  rate,
			MinConversion:   v.GetInt64("MIN_CONVERSION"),
			MinWithdrawal:   minWithdrawal,
			AdReward:        v.GetInt64("AD_REWARD"),
			StartingAdQuota: v.GetInt("STARTING_AD_QUOTA"),
			ReferralBonus:   v.GetInt64("REFERRAL_BONUS"),
		},
		Jobs: JobsConfig{
			AdQuotaResetEvery:    v.GetDuration("AD_QUOTA_RESET_EVERY"),
			PendingWithdrawalTTL: v.GetDuration("PENDING_WITHDRAWAL_TTL"),
			ArchiveEvery:         v.GetDuration("ARCHIVE_EVERY"),
		},
		R2: R2Config{
			AccountID:       v.GetString("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     v.GetString("R2_ACCESS_KEY_ID"),
			AccessKeySecret: v.GetString("R2_ACCESS_KEY_SECRET"),
			Bucket:          v.GetString("R2_BUCKET_NAME"),
			CDNBaseURL:      v.GetString("CDN_BASE_URL"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL environment variable not set")
		}
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("LEDGER_BACKEND %q is not one of postgres, memory, redis", c.Backend)
	}
	if !c.Economy.ConversionRate.IsPositive() {
		return errors.New("CONVERSION_RATE must be positive")
	}
	if c.Economy.MinConversion <= 0 {
		return errors.New("MIN_CONVERSION must be positive")
	}
	if c.Economy.MinWithdrawal.IsNegative() {
		return errors.New("MIN_WITHDRAWAL must not be negative")
	}
	if c.Economy.AdReward < 0 || c.Economy.ReferralBonus < 0 || c.Economy.StartingAdQuota < 0 {
		return errors.New("AD_REWARD, REFERRAL_BONUS and STARTING_AD_QUOTA must not be negative")
	}
	if c.Telegram.Timeout <= 0 {
		return errors.New("NOTIFY_TIMEOUT must be positive")
	}
	if c.Jobs.PendingWithdrawalTTL <= 0 {
		return errors.New("PENDING_WITHDRAWAL_TTL must be positive")
	}
	// a request stays pending while its notice is in flight
	if c.Jobs.PendingWithdrawalTTL < 2*c.Telegram.Timeout {
		return fmt.Errorf("PENDING_WITHDRAWAL_TTL (%s) must be at least twice NOTIFY_TIMEOUT (%s)",
			c.Jobs.PendingWithdrawalTTL, c.Telegram.Timeout)
	}
	return nil
}

// normalizeOrigins trims the comma-separated CORS origin list.
func normalizeOrigins(raw string) string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return "*"
	}
	return strings.Join(out, ",")
}
