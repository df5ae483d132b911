package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken       string           `yaml:"discord_token"`
	DatabasePath       string           `yaml:"database_path"`
	LogLevel           string           `yaml:"log_level"`
	SecurityLogChannel string           `yaml:"security_log_channel"`
	AdminRoleID        string           `yaml:"admin_role_id"`
	RetentionDays      int              `yaml:"retention_days"`
	Health             HealthConfig     `yaml:"health"`
	Thresholds         Thresholds       `yaml:"thresholds"`
	Heuristics         HeuristicsConfig `yaml:"heuristics"`
	RaidMode           RaidModeConfig   `yaml:"raid_mode"`
	Moderation         ModerationConfig `yaml:"moderation"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Thresholds are rate triggers for raid-mode activation. The defaults are
// starting points, not derived values; tune them per community.
type Thresholds struct {
	RaidJoins               int `yaml:"raid_joins"`
	RaidWindowSeconds       int `yaml:"raid_window_seconds"`
	SuspiciousJoins         int `yaml:"suspicious_joins"`
	SuspiciousWindowSeconds int `yaml:"suspicious_window_seconds"`
}

type HeuristicsConfig struct {
	MinSignals        int `yaml:"min_signals"`
	MinAccountAgeDays int `yaml:"min_account_age_days"`
}

type RaidModeConfig struct {
	DurationMinutes int `yaml:"duration_minutes"`
}

type ModerationConfig struct {
	MentionLimit      int `yaml:"mention_limit"`
	WarningTTLSeconds int `yaml:"warning_ttl_seconds"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath:       "/data/warden.db",
		LogLevel:           "info",
		SecurityLogChannel: "security-logs",
		RetentionDays:      14,
		Health:             HealthConfig{Enabled: false, Addr: ":8080"},
		Thresholds: Thresholds{
			RaidJoins:               8,
			RaidWindowSeconds:       60,
			SuspiciousJoins:         3,
			SuspiciousWindowSeconds: 120,
		},
		Heuristics: HeuristicsConfig{
			MinSignals:        2,
			MinAccountAgeDays: 2,
		},
		RaidMode:   RaidModeConfig{DurationMinutes: 15},
		Moderation: ModerationConfig{MentionLimit: 5, WarningTTLSeconds: 10},
	}
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.SecurityLogChannel = envString("SECURITY_LOG_CHANNEL", cfg.SecurityLogChannel)
	cfg.AdminRoleID = envString("ADMIN_ROLE_ID", cfg.AdminRoleID)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Thresholds.RaidJoins = envInt("RAID_JOINS", cfg.Thresholds.RaidJoins)
	cfg.Thresholds.RaidWindowSeconds = envInt("RAID_WINDOW_SECONDS", cfg.Thresholds.RaidWindowSeconds)
	cfg.Thresholds.SuspiciousJoins = envInt("SUSPICIOUS_JOINS", cfg.Thresholds.SuspiciousJoins)
	cfg.Thresholds.SuspiciousWindowSeconds = envInt("SUSPICIOUS_WINDOW_SECONDS", cfg.Thresholds.SuspiciousWindowSeconds)
	cfg.Heuristics.MinSignals = envInt("HEURISTIC_MIN_SIGNALS", cfg.Heuristics.MinSignals)
	cfg.Heuristics.MinAccountAgeDays = envInt("HEURISTIC_MIN_ACCOUNT_AGE_DAYS", cfg.Heuristics.MinAccountAgeDays)
	cfg.RaidMode.DurationMinutes = envInt("RAID_MODE_DURATION_MINUTES", cfg.RaidMode.DurationMinutes)
	cfg.Moderation.MentionLimit = envInt("MENTION_LIMIT", cfg.Moderation.MentionLimit)
	cfg.Moderation.WarningTTLSeconds = envInt("WARNING_TTL_SECONDS", cfg.Moderation.WarningTTLSeconds)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
