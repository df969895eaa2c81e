package config

import (
	"fmt"
	"os"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL  string
	Port         string
	JWTSecret    string
	AuthSalt     string
	GeminiAPIKey string
	DevMode      bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port: "8080", // default port
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	// AUTH_SALT salts both password hashes and OTP hashes.
	authSalt := os.Getenv("AUTH_SALT")
	if authSalt == "" {
		return nil, fmt.Errorf("AUTH_SALT environment variable is required")
	}
	cfg.AuthSalt = authSalt

	// GEMINI_API_KEY is optional: when unset the verdict oracle runs in
	// deterministic simulation mode.
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	return cfg, nil
}

// SimulationMode reports whether the verdict oracle should simulate responses
// instead of calling the remote service.
func (c *Config) SimulationMode() bool {
	return c.GeminiAPIKey == ""
}
