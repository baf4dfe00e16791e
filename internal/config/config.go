// Package config loads runtime configuration from the environment, per
// §6.4. It mirrors the viper AutomaticEnv + defaults pattern used across
// the retrieved pack's smaller services rather than hand-rolling
// os.Getenv parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	UpstreamBaseURL      string `mapstructure:"UPSTREAM_BASE_URL"`
	UpstreamClientID     string `mapstructure:"UPSTREAM_CLIENT_ID"`
	UpstreamClientSecret string `mapstructure:"UPSTREAM_CLIENT_SECRET"`
	UpstreamRedirectURI  string `mapstructure:"UPSTREAM_REDIRECT_URI"`

	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RateLimitPerDay    int `mapstructure:"RATE_LIMIT_PER_DAY"`

	FreshnessThresholdRecoverySeconds int `mapstructure:"FRESHNESS_THRESHOLD_RECOVERY_SECONDS"`
	FreshnessThresholdSleepSeconds    int `mapstructure:"FRESHNESS_THRESHOLD_SLEEP_SECONDS"`
	FreshnessThresholdCycleSeconds    int `mapstructure:"FRESHNESS_THRESHOLD_CYCLE_SECONDS"`
	FreshnessThresholdWorkoutSeconds  int `mapstructure:"FRESHNESS_THRESHOLD_WORKOUT_SECONDS"`

	InitialBackfillDays int `mapstructure:"INITIAL_BACKFILL_DAYS"`
	HTTPTimeoutSeconds  int `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	OAuthStateTTLSeconds int `mapstructure:"OAUTH_STATE_TTL_SECONDS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	ListenAddr  string `mapstructure:"LISTEN_ADDR"`

	JWTHS256Secret string `mapstructure:"JWT_HS256_SECRET"`
	JWTIssuer      string `mapstructure:"JWT_ISSUER"`
	JWTJWKSURL     string `mapstructure:"JWT_JWKS_URL"`
	JWTAudience    string `mapstructure:"JWT_AUDIENCE"`
	DevMode        bool   `mapstructure:"DEV_MODE"`
}

// Load reads configuration from the process environment, applying the
// defaults listed in §6.4. It never reads a config file: every retrieved
// deployment surface for this pack injects configuration purely via
// environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("UPSTREAM_BASE_URL", "https://api.prod.whoop.com/developer/v1/")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 80)
	v.SetDefault("RATE_LIMIT_PER_DAY", 8000)
	v.SetDefault("FRESHNESS_THRESHOLD_RECOVERY_SECONDS", int((2 * time.Hour).Seconds()))
	v.SetDefault("FRESHNESS_THRESHOLD_SLEEP_SECONDS", int((2 * time.Hour).Seconds()))
	v.SetDefault("FRESHNESS_THRESHOLD_CYCLE_SECONDS", int((2 * time.Hour).Seconds()))
	v.SetDefault("FRESHNESS_THRESHOLD_WORKOUT_SECONDS", int((1 * time.Hour).Seconds()))
	v.SetDefault("INITIAL_BACKFILL_DAYS", 30)
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 30)
	v.SetDefault("OAUTH_STATE_TTL_SECONDS", 600)
	v.SetDefault("LISTEN_ADDR", ":8080")

	for _, key := range []string{
		"UPSTREAM_BASE_URL", "UPSTREAM_CLIENT_ID", "UPSTREAM_CLIENT_SECRET", "UPSTREAM_REDIRECT_URI",
		"RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_PER_DAY",
		"FRESHNESS_THRESHOLD_RECOVERY_SECONDS", "FRESHNESS_THRESHOLD_SLEEP_SECONDS",
		"FRESHNESS_THRESHOLD_CYCLE_SECONDS", "FRESHNESS_THRESHOLD_WORKOUT_SECONDS",
		"INITIAL_BACKFILL_DAYS", "HTTP_TIMEOUT_SECONDS", "OAUTH_STATE_TTL_SECONDS",
		"DATABASE_URL", "LISTEN_ADDR", "JWT_HS256_SECRET", "JWT_ISSUER", "JWT_JWKS_URL", "JWT_AUDIENCE", "DEV_MODE",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.UpstreamClientID == "" {
		missing = append(missing, "UPSTREAM_CLIENT_ID")
	}
	if c.UpstreamClientSecret == "" {
		missing = append(missing, "UPSTREAM_CLIENT_SECRET")
	}
	if c.UpstreamRedirectURI == "" {
		missing = append(missing, "UPSTREAM_REDIRECT_URI")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) FreshnessThresholdRecovery() time.Duration {
	return time.Duration(c.FreshnessThresholdRecoverySeconds) * time.Second
}

func (c Config) FreshnessThresholdSleep() time.Duration {
	return time.Duration(c.FreshnessThresholdSleepSeconds) * time.Second
}

func (c Config) FreshnessThresholdCycle() time.Duration {
	return time.Duration(c.FreshnessThresholdCycleSeconds) * time.Second
}

func (c Config) FreshnessThresholdWorkout() time.Duration {
	return time.Duration(c.FreshnessThresholdWorkoutSeconds) * time.Second
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c Config) OAuthStateTTL() time.Duration {
	return time.Duration(c.OAuthStateTTLSeconds) * time.Second
}
