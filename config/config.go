package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Automation AutomationConfig `mapstructure:"automation"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AuthToken    string        `mapstructure:"auth_token"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RateLimitConfig governs the per-worker poll limiter and Store retry backoff.
type RateLimitConfig struct {
	PollPerSecond    float64 `mapstructure:"poll_per_second"`
	PollBurst        int     `mapstructure:"poll_burst"`
	MaxRetries       int     `mapstructure:"max_retries"`
	InitialBackoffMs int     `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `mapstructure:"max_backoff_ms"`
}

// AutomationConfig carries the loop-bound and default prompt knobs for the
// automation engine.
type AutomationConfig struct {
	DefaultMaxLoopCount int    `mapstructure:"default_max_loop_count"`
	DefaultPromptPath   string `mapstructure:"default_prompt_path"`
}

// RegistryConfig carries the worker liveness sweeper thresholds.
type RegistryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	OfflineAfter  time.Duration `mapstructure:"offline_after"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

var globalConfig *Config

// Load loads the configuration from file, .env, and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := loadEnvFile(v); err != nil {
		log.Warn().Err(err).Msg("no .env file loaded")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

func loadEnvFile(v *viper.Viper) error {
	envPaths := []string{".", "../..", "./config"}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")
	v.BindEnv("server.auth_token", "AUTH_TOKEN")
	v.BindEnv("logging.level", "LOG_LEVEL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("rate_limit.poll_per_second", 1.0)
	v.SetDefault("rate_limit.poll_burst", 1)
	v.SetDefault("rate_limit.max_retries", 5)
	v.SetDefault("rate_limit.initial_backoff_ms", 10)
	v.SetDefault("rate_limit.max_backoff_ms", 160)

	v.SetDefault("automation.default_max_loop_count", 3)
	v.SetDefault("automation.default_prompt_path", "")

	v.SetDefault("registry.sweep_interval", 30*time.Second)
	v.SetDefault("registry.stale_after", 90*time.Second)
	v.SetDefault("registry.offline_after", 300*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)
}

// Get returns the global configuration.
func Get() *Config {
	return globalConfig
}

// GetDatabaseURL returns the database URL from config or environment.
func GetDatabaseURL() string {
	if cfg := Get(); cfg != nil && cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	return os.Getenv("DATABASE_URL")
}
