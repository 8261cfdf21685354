// Package config loads broker settings from BROKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/dukerupert/acctbroker/internal/allocator"
	"github.com/dukerupert/acctbroker/internal/switchlimit"
	"github.com/dukerupert/acctbroker/internal/verifier"
)

const prefix = "BROKER"

type Config struct {
	Port     string `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	DBPath   string `envconfig:"DB_PATH" default:"acctbroker.db" validate:"required"`
	Timezone string `envconfig:"TIMEZONE" default:"Local" validate:"required"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	// Switch limits. A negative daily cap means unlimited.
	MinSwitchIntervalMinutes int  `envconfig:"MIN_SWITCH_INTERVAL_MINUTES" default:"2" validate:"min=0"`
	MaxDailySwitches         int  `envconfig:"MAX_DAILY_SWITCHES" default:"8" validate:"min=-1"`
	SwitchLimitEnabled       bool `envconfig:"SWITCH_LIMIT_ENABLED" default:"true"`

	// Account verification.
	AcceptIneligibleTierAsUsable bool     `envconfig:"ACCEPT_INELIGIBLE_TIER_AS_USABLE" default:"false"`
	AcceptedTiers                []string `envconfig:"ACCEPTED_TIERS" default:"pro,free_trial" validate:"min=1,dive,required"`
	CheckQuotaOnCurrentAccount   bool     `envconfig:"CHECK_QUOTA_ON_CURRENT_ACCOUNT" default:"true"`
	EnableMembershipVerification bool     `envconfig:"ENABLE_MEMBERSHIP_VERIFICATION" default:"true"`
	EnableQuotaVerification      bool     `envconfig:"ENABLE_QUOTA_VERIFICATION" default:"true"`
	QuotaRecheckIntervalHours    int      `envconfig:"QUOTA_RECHECK_INTERVAL_HOURS" default:"1" validate:"min=1"`
	MaxCandidates                int      `envconfig:"MAX_CANDIDATES" default:"10" validate:"min=1,max=100"`

	VerifierURL           string        `envconfig:"VERIFIER_URL" default:"https://cursor.com" validate:"required,url"`
	VerifierTimeout       time.Duration `envconfig:"VERIFIER_TIMEOUT" default:"10s" validate:"min=1s"`
	VerifierRetries       uint64        `envconfig:"VERIFIER_RETRIES" default:"2" validate:"max=10"`
	VerifierRatePerSecond float64       `envconfig:"VERIFIER_RATE_PER_SECOND" default:"5" validate:"gte=0"`
	VerifierBurst         int           `envconfig:"VERIFIER_BURST" default:"5" validate:"min=1"`
	QuotaCapCents         int64         `envconfig:"QUOTA_CAP_CENTS" default:"1000" validate:"min=1"`

	// Background re-verification. Zero disables the sweeper.
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h" validate:"gte=0"`
	SweepConcurrency int           `envconfig:"SWEEP_CONCURRENCY" default:"4" validate:"min=1,max=64"`

	// RedisURL switches the per-license lock from in-process to Redis so
	// several instances can share one database.
	RedisURL     string        `envconfig:"REDIS_URL"`
	RedisLockTTL time.Duration `envconfig:"REDIS_LOCK_TTL" default:"30s" validate:"min=1s"`

	AdminTokenHash string   `envconfig:"ADMIN_TOKEN_HASH"`
	EventOrigins   []string `envconfig:"EVENT_ORIGINS"`

	PublicRatePerMinute float64 `envconfig:"PUBLIC_RATE_PER_MINUTE" default:"30" validate:"gt=0"`
	PublicRateBurst     int     `envconfig:"PUBLIC_RATE_BURST" default:"10" validate:"min=1"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location is the zone calendar days are counted in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) Limiter() switchlimit.Limiter {
	enabled := c.SwitchLimitEnabled && c.MaxDailySwitches >= 0
	return switchlimit.New(c.MinSwitchIntervalMinutes, c.MaxDailySwitches, enabled)
}

func (c *Config) AllocatorOptions() allocator.Options {
	opts := allocator.DefaultOptions()
	opts.EnableMembership = c.EnableMembershipVerification
	opts.EnableQuota = c.EnableQuotaVerification
	opts.CheckCurrentLive = c.CheckQuotaOnCurrentAccount
	opts.AcceptedTiers = c.AcceptedTiers
	opts.AcceptFreeTier = c.AcceptIneligibleTierAsUsable
	opts.QuotaRecheckInterval = time.Duration(c.QuotaRecheckIntervalHours) * time.Hour
	opts.MaxCandidates = c.MaxCandidates
	opts.SweepConcurrency = c.SweepConcurrency
	return opts
}

func (c *Config) Verifier() verifier.Config {
	return verifier.Config{
		BaseURL:       c.VerifierURL,
		Timeout:       c.VerifierTimeout,
		Retries:       c.VerifierRetries,
		RetryBase:     200 * time.Millisecond,
		RatePerSecond: c.VerifierRatePerSecond,
		Burst:         c.VerifierBurst,
		QuotaCapCents: c.QuotaCapCents,
	}
}
