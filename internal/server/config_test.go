package server

import (
	"log/slog"
	"time"

	"github.com/sakif/chatdesk/internal/config"
)

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		Port:                 0,
		DatabaseURL:          ":memory:",
		Model:                "gpt-4o-mini",
		APIKey:               "sk-test",
		OpenAIBaseURL:        apiURL,
		CompletionTimeout:    5 * time.Second,
		CompletionMaxRetries: 0,
		JWTSecret:            "test-secret-at-least-16-chars!!",
		MaxContextMessages:   40,
		RateLimitRPS:         1000,
		RateLimitBurst:       1000,
		LogLevel:             slog.LevelError,
	}
}
