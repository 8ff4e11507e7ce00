// Package config provides configuration management using viper.
// It supports loading from YAML files, a .env file and environment variable overrides.
// The Config is built once at startup and passed explicitly; nothing mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Bot       BotConfig       `mapstructure:"bot"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
	Ranking   RankingConfig   `mapstructure:"ranking"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// StorageConfig selects the store implementation.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// EventPageSize is the keyset page size used when streaming score history.
	EventPageSize int `mapstructure:"event_page_size"`
}

// HTTPConfig holds the HTTP API configuration.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
}

// BotConfig holds Telegram bot configuration. An empty token disables the bot.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// AdminConfig holds admin credentials for both front ends.
type AdminConfig struct {
	IDs    []int64 `mapstructure:"ids"`
	APIKey string  `mapstructure:"api_key"`
}

// WhitelistConfig holds chat whitelist configuration.
type WhitelistConfig struct {
	Chats []int64 `mapstructure:"chats"`
}

// RankingConfig holds aggregation and recomputation tuning.
type RankingConfig struct {
	// Debounce is the quiet period after a submission before its scope is reordered.
	Debounce time.Duration `mapstructure:"debounce"`
	// MaxDelay bounds how long a pending reorder can be pushed back by new submissions.
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Workers           int           `mapstructure:"workers"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ConflictRetries   int           `mapstructure:"conflict_retries"`
	StreakGap         time.Duration `mapstructure:"streak_gap"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	// RunTimeout bounds one scheduled reorder.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslMode,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in configPath, the working directory and ./config.
func Load(configPath string) (*Config, error) {
	// A missing .env is fine; the real environment still applies.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., DATABASE_HOST, RANKING_DEBOUNCE, BOT_TOKEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "leaderboard")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "leaderboard")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.event_page_size", 100)

	// HTTP defaults
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.rate_limit", 20)
	v.SetDefault("http.rate_burst", 40)
	v.SetDefault("http.default_page_size", 50)
	v.SetDefault("http.max_page_size", 200)

	// Ranking defaults
	v.SetDefault("ranking.debounce", "2s")
	v.SetDefault("ranking.max_delay", "10s")
	v.SetDefault("ranking.workers", 4)
	v.SetDefault("ranking.reconcile_interval", "10m")
	v.SetDefault("ranking.conflict_retries", 5)
	v.SetDefault("ranking.streak_gap", "24h")
	v.SetDefault("ranking.lock_timeout", "5s")
	v.SetDefault("ranking.run_timeout", "1m")

	// Registered so AutomaticEnv can see BOT_TOKEN and ADMIN_API_KEY
	v.SetDefault("bot.token", "")
	v.SetDefault("admin.api_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Storage.Driver != DriverPostgres && c.Storage.Driver != DriverMemory {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Ranking.Workers < 1 {
		return fmt.Errorf("ranking.workers must be at least 1, got %d", c.Ranking.Workers)
	}
	if c.Ranking.ConflictRetries < 0 {
		return fmt.Errorf("ranking.conflict_retries cannot be negative")
	}
	if c.Ranking.MaxDelay > 0 && c.Ranking.MaxDelay < c.Ranking.Debounce {
		return fmt.Errorf("ranking.max_delay (%s) must not be shorter than ranking.debounce (%s)",
			c.Ranking.MaxDelay, c.Ranking.Debounce)
	}
	return nil
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	return slices.Contains(c.Admin.IDs, userID)
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Whitelist.Chats) == 0 {
		return true
	}
	return slices.Contains(c.Whitelist.Chats, chatID)
}
