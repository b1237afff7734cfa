// Package config reads server configuration from the environment.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	JWTSecret   string

	MaxConnsPerIP int
	AuthPerMinute int
}

// Load reads configuration from environment variables, pulling a .env
// file in first when present. Production refuses to start without a
// database and a signing secret.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "3567"),
		Env:           getEnv("ENV", "development"),
		DatabaseURL:   getEnv("DATABASE_URL", "postgres://localhost/veia?sslmode=disable"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		MaxConnsPerIP: getEnvInt("MAX_CONNECTIONS_PER_IP", 10),
		AuthPerMinute: getEnvInt("AUTH_ATTEMPTS_PER_MIN", 5),
	}

	if cfg.Env == "production" {
		if os.Getenv("DATABASE_URL") == "" {
			panic("DATABASE_URL is required in production")
		}
		if os.Getenv("JWT_SECRET") == "" {
			panic("JWT_SECRET is required in production")
		}
	}

	return cfg
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
