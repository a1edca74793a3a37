// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port          int
	SecureCookies bool

	// Database
	DatabaseURL string

	// Completion API
	Model                string
	APIKey               string
	OpenAIBaseURL        string
	CompletionTimeout    time.Duration
	CompletionMaxRetries int

	// Google sign-in; disabled when GoogleClientID is empty
	GoogleClientID     string
	GoogleClientSecret string
	GoogleCallbackURL  string

	// Sessions
	JWTSecret string
	// JWTSecretGenerated is set when JWT_SECRET was missing and a random
	// key was made up. Sessions then do not survive a restart.
	JWTSecretGenerated bool

	// Chat
	TrustClientHistory bool
	MaxContextMessages int

	// Per-client request limiter
	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel slog.Level
}

// Load builds the Config. Every malformed or missing required value is
// reported in the returned error.
func Load() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", "sqlite://data/chatdesk.db"),
		Model:              getEnvOrDefault("MODEL", "gpt-4o-mini"),
		APIKey:             os.Getenv("API_KEY"),
		OpenAIBaseURL:      getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
	}

	var err error
	cfg.Port, err = getEnvAsIntOrDefault("PORT", 8080)
	collect(err)
	cfg.SecureCookies, err = getEnvAsBoolOrDefault("COOKIE_SECURE", false)
	collect(err)
	cfg.CompletionTimeout, err = getEnvAsDurationOrDefault("COMPLETION_TIMEOUT", 60*time.Second)
	collect(err)
	cfg.CompletionMaxRetries, err = getEnvAsIntOrDefault("COMPLETION_MAX_RETRIES", 3)
	collect(err)
	cfg.TrustClientHistory, err = getEnvAsBoolOrDefault("CHAT_TRUST_CLIENT_HISTORY", false)
	collect(err)
	cfg.MaxContextMessages, err = getEnvAsIntOrDefault("CHAT_MAX_CONTEXT_MESSAGES", 40)
	collect(err)
	cfg.RateLimitRPS, err = getEnvAsFloatOrDefault("RATE_LIMIT_RPS", 5)
	collect(err)
	cfg.RateLimitBurst, err = getEnvAsIntOrDefault("RATE_LIMIT_BURST", 10)
	collect(err)
	cfg.LogLevel, err = parseLevel(getEnvOrDefault("LOG_LEVEL", "info"))
	collect(err)

	cfg.GoogleCallbackURL = getEnvOrDefault("GOOGLE_CALLBACK_URL",
		fmt.Sprintf("http://localhost:%d/auth/google/callback", cfg.Port))

	if cfg.APIKey == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", cfg.Port))
	}
	if cfg.CompletionTimeout <= 0 {
		errs = append(errs, errors.New("COMPLETION_TIMEOUT must be positive"))
	}
	if cfg.CompletionMaxRetries < 0 {
		errs = append(errs, errors.New("COMPLETION_MAX_RETRIES must not be negative"))
	}
	if cfg.MaxContextMessages < 0 {
		errs = append(errs, errors.New("CHAT_MAX_CONTEXT_MESSAGES must not be negative"))
	}
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret == "" {
		errs = append(errs, errors.New("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set"))
	}

	switch {
	case cfg.JWTSecret == "":
		secret, err := randomSecret()
		if err != nil {
			errs = append(errs, err)
		}
		cfg.JWTSecret = secret
		cfg.JWTSecretGenerated = true
	case len(cfg.JWTSecret) < 16:
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %q is not an integer", key, val)
	}
	return n, nil
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 {
		return defaultVal, fmt.Errorf("%s: %q is not a positive number", key, val)
	}
	return f, nil
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %q is not a boolean", key, val)
	}
	return b, nil
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %q is not a duration", key, val)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
