package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	DiscordToken   string
	DatabaseDriver string
	DatabaseDSN    string
	RedisURL       string // optional; enables the open-session mirror
	MetricsAddr    string // optional; enables the Prometheus listener
	LogLevel       string
	CommandPrefix  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// .env file is optional, continue with environment variables
	_ = godotenv.Load()

	config := &Config{
		DiscordToken:   os.Getenv("DISCORD_TOKEN"),
		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),
		RedisURL:       os.Getenv("REDIS_URL"),
		MetricsAddr:    os.Getenv("METRICS_ADDR"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		CommandPrefix:  getEnv("COMMAND_PREFIX", "!"),
	}

	if config.DiscordToken == "" {
		return nil, &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}

	if config.DatabaseDSN == "" {
		return nil, &ConfigError{Field: "DATABASE_DSN", Message: "DATABASE_DSN is required"}
	}

	if config.DatabaseDriver != "postgres" && config.DatabaseDriver != "sqlite3" {
		return nil, &ConfigError{Field: "DATABASE_DRIVER", Message: "DATABASE_DRIVER must be postgres or sqlite3"}
	}

	return config, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
