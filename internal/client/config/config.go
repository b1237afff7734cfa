// Package config reads client configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything the client needs to reach its servers.
type Config struct {
	Host      string // chat server host
	Port      string // chat server port; empty means wss on 443
	ImageHost string // avatar upload endpoint
	Profile   string // session profile name
	Instance  int    // disambiguates state files of concurrent clients
	Debug     bool
}

// Load reads configuration, pulling a .env file in first when present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Host:      getEnv("VEIA_HOST", "localhost"),
		Port:      os.Getenv("VEIA_PORT"),
		ImageHost: os.Getenv("VEIA_IMAGE_HOST"),
		Profile:   getEnv("VEIA_PROFILE", "default"),
		Debug:     getEnv("VEIA_DEBUG", "false") == "true",
	}

	if v := os.Getenv("VEIA_INSTANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Instance = n
		}
	}

	return cfg
}

// ServerURL builds the websocket URL. With a port we assume a local or
// in-network server over plain ws; without one, TLS on the default port.
func (c *Config) ServerURL() string {
	if c.Port != "" {
		return fmt.Sprintf("ws://%s:%s/", c.Host, c.Port)
	}
	return fmt.Sprintf("wss://%s/", c.Host)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
