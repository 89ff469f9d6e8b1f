package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"forcesub-bot/internal/driver/telegram"
	"forcesub-bot/internal/relay"
	"forcesub-bot/internal/store/sqlstore"
	"forcesub-bot/internal/subscription"
	"forcesub-bot/internal/userstate"
)

const (
	envConfigFile             = "FORCESUB_CONFIG_FILE"
	defaultConfigFilePath     = "config/bot.json"
	alternateConfigFilePath   = "bin/config/bot.json"
	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
	defaultDatabaseDSN        = "data/forcesub.db"
)

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	telegram telegram.Config
	database sqlstore.Config

	natsURL           string
	natsSubjectPrefix string

	adminIDs      []int64
	metricsListen string

	stateTTL               time.Duration
	membershipTTL          time.Duration
	membershipSweep        time.Duration
	membershipCheckTimeout time.Duration

	linkLength int
}

type fileConfig struct {
	LogLevel   string               `json:"log_level"`
	Kernel     fileKernelConfig     `json:"kernel"`
	Telegram   json.RawMessage      `json:"telegram"`
	Database   fileDatabaseConfig   `json:"database"`
	NATS       fileNATSConfig       `json:"nats"`
	AdminIDs   []int64              `json:"admin_ids"`
	Metrics    fileMetricsConfig    `json:"metrics"`
	State      fileStateConfig      `json:"state"`
	Membership fileMembershipConfig `json:"membership"`
	Links      fileLinksConfig      `json:"links"`
}

type fileKernelConfig struct {
	ModuleHookTimeout   string `json:"module_hook_timeout"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
	SubscriptionBuffer  *int   `json:"subscription_buffer"`
	SubscriptionWorkers *int   `json:"subscription_workers"`
}

type fileDatabaseConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    *int   `json:"max_open_conns"`
	MaxIdleConns    *int   `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
}

type fileNATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

type fileMetricsConfig struct {
	Listen string `json:"listen"`
}

type fileStateConfig struct {
	TTL string `json:"ttl"`
}

type fileMembershipConfig struct {
	TTL           string `json:"ttl"`
	SweepInterval string `json:"sweep_interval"`
	CheckTimeout  string `json:"check_timeout"`
}

type fileLinksConfig struct {
	Length *int `json:"length"`
}

// envOverrides carries secrets and deployment settings that take precedence
// over the config file.
type envOverrides struct {
	ConfigFile       string  `env:"FORCESUB_CONFIG_FILE"`
	LogLevel         string  `env:"FORCESUB_LOG_LEVEL"`
	BotToken         string  `env:"FORCESUB_BOT_TOKEN"`
	AppID            int     `env:"FORCESUB_APP_ID"`
	AppHash          string  `env:"FORCESUB_APP_HASH"`
	StorageChannelID int64   `env:"FORCESUB_STORAGE_CHANNEL_ID"`
	DatabaseDriver   string  `env:"FORCESUB_DATABASE_DRIVER"`
	DatabaseDSN      string  `env:"FORCESUB_DATABASE_DSN"`
	NATSURL          string  `env:"FORCESUB_NATS_URL"`
	AdminIDs         []int64 `env:"FORCESUB_ADMIN_IDS" envSeparator:","`
	MetricsListen    string  `env:"FORCESUB_METRICS_LISTEN"`
}

// loadConfig reads and validates everything needed to run the bot.
func loadConfig() (appConfig, error) {
	cfg, configFile, err := readConfig()
	if err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

// readConfig merges defaults, the config file and the environment without
// checking Telegram credentials, which migrations do not need.
func readConfig() (appConfig, string, error) {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return appConfig{}, "", fmt.Errorf("parse environment: %w", err)
	}

	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(overrides.ConfigFile)
	if err != nil {
		return appConfig{}, "", err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, "", err
	}
	if err := applyEnvOverrides(&cfg, overrides); err != nil {
		return appConfig{}, "", err
	}

	return cfg, configFile, nil
}

func resolveConfigFilePath(explicit string) (string, error) {
	if configFile := strings.TrimSpace(explicit); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,

		database: sqlstore.Config{
			Dialect: sqlstore.DialectSQLite,
			DSN:     defaultDatabaseDSN,
		},
		natsSubjectPrefix: relay.DefaultSubjectPrefix,

		stateTTL:               userstate.DefaultTTL,
		membershipTTL:          subscription.DefaultTTL,
		membershipSweep:        subscription.DefaultSweepInterval,
		membershipCheckTimeout: subscription.DefaultCheckTimeout,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	durations := []struct {
		name      string
		raw       string
		value     *time.Duration
		allowZero bool
	}{
		{name: "kernel.module_hook_timeout", raw: parsed.Kernel.ModuleHookTimeout, value: &cfg.moduleHookTimeout},
		{name: "kernel.shutdown_timeout", raw: parsed.Kernel.ShutdownTimeout, value: &cfg.shutdownTimeout},
		{name: "database.conn_max_lifetime", raw: parsed.Database.ConnMaxLifetime, value: &cfg.database.ConnMaxLifetime},
		{name: "state.ttl", raw: parsed.State.TTL, value: &cfg.stateTTL, allowZero: true},
		{name: "membership.ttl", raw: parsed.Membership.TTL, value: &cfg.membershipTTL},
		{name: "membership.sweep_interval", raw: parsed.Membership.SweepInterval, value: &cfg.membershipSweep},
		{name: "membership.check_timeout", raw: parsed.Membership.CheckTimeout, value: &cfg.membershipCheckTimeout},
	}
	for _, duration := range durations {
		if err := parseDuration(duration.name, duration.raw, duration.allowZero, duration.value); err != nil {
			return err
		}
	}

	counts := []struct {
		name  string
		raw   *int
		value *int
	}{
		{name: "kernel.subscription_buffer", raw: parsed.Kernel.SubscriptionBuffer, value: &cfg.subscriptionBuffer},
		{name: "kernel.subscription_workers", raw: parsed.Kernel.SubscriptionWorkers, value: &cfg.subscriptionWorkers},
		{name: "database.max_open_conns", raw: parsed.Database.MaxOpenConns, value: &cfg.database.MaxOpenConns},
		{name: "database.max_idle_conns", raw: parsed.Database.MaxIdleConns, value: &cfg.database.MaxIdleConns},
		{name: "links.length", raw: parsed.Links.Length, value: &cfg.linkLength},
	}
	for _, count := range counts {
		if count.raw == nil {
			continue
		}
		if *count.raw <= 0 {
			return fmt.Errorf("parse %s: must be > 0", count.name)
		}
		*count.value = *count.raw
	}

	telegramConfig, err := telegram.ParseConfig(parsed.Telegram)
	if err != nil {
		return fmt.Errorf("parse telegram: %w", err)
	}
	cfg.telegram = telegramConfig

	if rawDriver := strings.TrimSpace(parsed.Database.Driver); rawDriver != "" {
		dialect, err := parseDialect(rawDriver)
		if err != nil {
			return fmt.Errorf("parse database.driver: %w", err)
		}
		cfg.database.Dialect = dialect
	}
	if dsn := strings.TrimSpace(parsed.Database.DSN); dsn != "" {
		cfg.database.DSN = dsn
	}

	cfg.natsURL = strings.TrimSpace(parsed.NATS.URL)
	if prefix := strings.TrimSpace(parsed.NATS.SubjectPrefix); prefix != "" {
		cfg.natsSubjectPrefix = prefix
	}
	cfg.adminIDs = append([]int64(nil), parsed.AdminIDs...)
	cfg.metricsListen = strings.TrimSpace(parsed.Metrics.Listen)

	return nil
}

func applyEnvOverrides(cfg *appConfig, overrides envOverrides) error {
	if rawLevel := strings.TrimSpace(overrides.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse FORCESUB_LOG_LEVEL: %w", err)
		}
		cfg.logLevel = level
	}
	if token := strings.TrimSpace(overrides.BotToken); token != "" {
		cfg.telegram.BotToken = token
	}
	if overrides.AppID != 0 {
		cfg.telegram.AppID = overrides.AppID
	}
	if hash := strings.TrimSpace(overrides.AppHash); hash != "" {
		cfg.telegram.AppHash = hash
	}
	if overrides.StorageChannelID != 0 {
		cfg.telegram.StorageChannelID = overrides.StorageChannelID
	}
	if rawDriver := strings.TrimSpace(overrides.DatabaseDriver); rawDriver != "" {
		dialect, err := parseDialect(rawDriver)
		if err != nil {
			return fmt.Errorf("parse FORCESUB_DATABASE_DRIVER: %w", err)
		}
		cfg.database.Dialect = dialect
	}
	if dsn := strings.TrimSpace(overrides.DatabaseDSN); dsn != "" {
		cfg.database.DSN = dsn
	}
	if url := strings.TrimSpace(overrides.NATSURL); url != "" {
		cfg.natsURL = url
	}
	if len(overrides.AdminIDs) > 0 {
		cfg.adminIDs = append([]int64(nil), overrides.AdminIDs...)
	}
	if listen := strings.TrimSpace(overrides.MetricsListen); listen != "" {
		cfg.metricsListen = listen
	}

	return nil
}

func validateAppConfig(cfg appConfig) error {
	if err := cfg.telegram.Validate(); err != nil {
		return err
	}
	if len(cfg.adminIDs) == 0 {
		return fmt.Errorf("admin_ids requires at least one user id")
	}
	for index, id := range cfg.adminIDs {
		if id <= 0 {
			return fmt.Errorf("admin_ids[%d]: %d is not a user id", index, id)
		}
	}
	if cfg.membershipSweep > cfg.membershipTTL {
		return fmt.Errorf("membership.sweep_interval %s exceeds membership.ttl %s", cfg.membershipSweep, cfg.membershipTTL)
	}

	return nil
}

// parseDuration leaves target untouched for empty input. Zero is accepted only
// when allowZero is set, where it means "disabled".
func parseDuration(name, raw string, allowZero bool, target *time.Duration) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	value, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	switch {
	case value < 0:
		return fmt.Errorf("parse %s: must be >= 0", name)
	case value == 0 && !allowZero:
		return fmt.Errorf("parse %s: must be > 0", name)
	}
	*target = value

	return nil
}

func parseDialect(raw string) (sqlstore.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqlite", "sqlite3":
		return sqlstore.DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return sqlstore.DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
