// config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the single configuration object handed to every engine at construction.
// Values are resolved as: defaults → optional YAML file (CONFIG_FILE) → environment.
type Config struct {
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	ListenAddr  string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// AllowedOrigins is the comma-separated CORS allow list.
	AllowedOrigins string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// TemplateBundle is an optional local zip of template YAML files imported at startup.
	TemplateBundle string `yaml:"template_bundle" env:"TEMPLATE_BUNDLE"`

	// GatewayToken authenticates the bot/admin collaborators calling the HTTP adapter.
	GatewayToken string `yaml:"gateway_token" env:"GAME_SERVICE_TOKEN"`
	// StreamSigningKey signs short-lived notification stream tokens.
	StreamSigningKey string        `yaml:"stream_signing_key" env:"STREAM_SIGNING_KEY"`
	StreamTokenTTL   time.Duration `yaml:"stream_token_ttl" env:"STREAM_TOKEN_TTL"`

	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Economy  EconomyConfig  `yaml:"economy" envPrefix:"ECONOMY_"`
	Missions MissionsConfig `yaml:"missions" envPrefix:"MISSIONS_"`
	Streaks  StreaksConfig  `yaml:"streaks" envPrefix:"STREAKS_"`
	Sweepers SweepersConfig `yaml:"sweepers" envPrefix:"SWEEPERS_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	R2       R2Config       `yaml:"r2" envPrefix:"R2_"`
	Timezone string         `yaml:"timezone" env:"TIMEZONE"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" env:"MODE"` // "dev" or "prod"
	File       string `yaml:"file" env:"FILE"` // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// EconomyConfig controls how many besitos each action tag is worth.
type EconomyConfig struct {
	DefaultActionReward int64            `yaml:"default_action_reward" env:"DEFAULT_ACTION_REWARD"`
	ActionRewards       map[string]int64 `yaml:"action_rewards" env:"ACTION_REWARDS" envSeparator:"," envKeyValSeparator:"="`
	RetryMaxAttempts    uint             `yaml:"retry_max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	RetryInitialBackoff time.Duration    `yaml:"retry_initial_backoff" env:"RETRY_INITIAL_BACKOFF"`
}

// MissionsConfig holds the reset boundaries for periodic missions.
type MissionsConfig struct {
	DailyResetCron  string `yaml:"daily_reset_cron" env:"DAILY_RESET_CRON"`
	WeeklyResetCron string `yaml:"weekly_reset_cron" env:"WEEKLY_RESET_CRON"`
}

type StreaksConfig struct {
	InactivityThreshold time.Duration `yaml:"inactivity_threshold" env:"INACTIVITY_THRESHOLD"`
	MaxGapDays          int           `yaml:"max_gap_days" env:"MAX_GAP_DAYS"`
	Milestones          []int         `yaml:"milestones" env:"MILESTONES" envSeparator:","`
}

type SweepersConfig struct {
	Enabled             bool          `yaml:"enabled" env:"ENABLED"`
	BatchSize           int           `yaml:"batch_size" env:"BATCH_SIZE"`
	ProgressionInterval time.Duration `yaml:"progression_interval" env:"PROGRESSION_INTERVAL"`
	StreakInterval      time.Duration `yaml:"streak_interval" env:"STREAK_INTERVAL"`
	MissionInterval     time.Duration `yaml:"mission_interval" env:"MISSION_INTERVAL"`
}

type RedisConfig struct {
	URL     string `yaml:"url" env:"URL"`
	Channel string `yaml:"channel" env:"CHANNEL"`
}

// R2Config points at an optional bucket of template YAML files.
type R2Config struct {
	AccountID       string `yaml:"account_id" env:"ACCOUNT_ID"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	AccessKeySecret string `yaml:"access_key_secret" env:"ACCESS_KEY_SECRET"`
	Bucket          string `yaml:"bucket" env:"BUCKET_NAME"`
	TemplatePrefix  string `yaml:"template_prefix" env:"TEMPLATE_PREFIX"`
}

// Enabled reports whether enough R2 settings are present to open a client.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.Bucket != "" && c.AccessKeyID != ""
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		DatabaseURL:    "file:besitos.db",
		ListenAddr:     ":5200",
		AllowedOrigins: "http://localhost:3000",
		StreamTokenTTL: 10 * time.Minute,
		Log: LogConfig{
			Mode:       "dev",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Economy: EconomyConfig{
			DefaultActionReward: 10,
			ActionRewards:       map[string]int64{},
			RetryMaxAttempts:    5,
			RetryInitialBackoff: 20 * time.Millisecond,
		},
		Missions: MissionsConfig{
			DailyResetCron:  "0 0 * * *",
			WeeklyResetCron: "0 0 * * 1",
		},
		Streaks: StreaksConfig{
			InactivityThreshold: 48 * time.Hour,
			MaxGapDays:          1,
			Milestones:          []int{3, 7, 14, 30, 100},
		},
		Sweepers: SweepersConfig{
			Enabled:             true,
			BatchSize:           200,
			ProgressionInterval: 10 * time.Minute,
			StreakInterval:      time.Hour,
			MissionInterval:     15 * time.Minute,
		},
		Redis: RedisConfig{
			Channel: "besitos:notifications",
		},
		R2: R2Config{
			TemplatePrefix: "templates/",
		},
		Timezone: "UTC",
	}
}

// Load resolves the configuration from CONFIG_FILE (if set) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the engines cannot work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Economy.DefaultActionReward < 0 {
		return fmt.Errorf("config: default action reward must be >= 0")
	}
	for action, amount := range c.Economy.ActionRewards {
		if amount < 0 {
			return fmt.Errorf("config: action reward for %q must be >= 0", action)
		}
	}
	if c.Streaks.MaxGapDays < 1 {
		return fmt.Errorf("config: streak max gap days must be >= 1")
	}
	if c.Sweepers.BatchSize <= 0 {
		return fmt.Errorf("config: sweeper batch size must be > 0")
	}
	return nil
}

// Location returns the time zone used for day/week boundaries.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// ActionReward returns the besitos granted for an action tag.
func (c EconomyConfig) ActionReward(action string) int64 {
	if amount, ok := c.ActionRewards[strings.TrimSpace(action)]; ok {
		return amount
	}
	return c.DefaultActionReward
}
