package openai

import "time"

// Config holds the settings of the OpenAI-compatible client.
type Config struct {
	// APIKey is sent as a Bearer token. Required.
	APIKey string
	// BaseURL is the API root without the /v1 path.
	BaseURL string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxRetries is how many times a transient failure is retried.
	MaxRetries int
	// BaseBackoff is the wait before the first retry; it doubles per retry.
	BaseBackoff time.Duration
	// RateLimit and Burst throttle outgoing calls across all users.
	RateLimit float64
	Burst     int
}

// DefaultConfig returns settings suitable for api.openai.com.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.openai.com",
		Timeout:     60 * time.Second,
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		RateLimit:   10,
		Burst:       20,
	}
}
