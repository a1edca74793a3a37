// Package openai implements completion.Completer against the OpenAI
// /v1/chat/completions endpoint (or any API that speaks the same JSON).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/chatdesk/internal/completion"
	"github.com/sakif/chatdesk/internal/metrics"
	"github.com/sakif/chatdesk/internal/model"
)

// maxErrorBody caps how much of an error response is kept for logs.
const maxErrorBody = 512

// maxRetryAfter caps a server's Retry-After so one answer cannot stall a
// chat turn past its write timeout.
const maxRetryAfter = 30 * time.Second

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      model.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai: API error (%d): %s", e.StatusCode, e.Message)
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err        error
	retryAfter time.Duration // from the Retry-After header, 0 if absent
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// backoffFor is the wait before attempt n (n >= 1): exponential from
// base, but never shorter than the server asked for.
func (c *Client) backoffFor(attempt int, lastErr error) time.Duration {
	backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
	var r *retryableError
	if errors.As(lastErr, &r) && r.retryAfter > backoff {
		backoff = r.retryAfter
	}
	return backoff
}

// parseRetryAfter reads a Retry-After value in either delay-seconds or
// HTTP-date form, capped at maxRetryAfter.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	}
	if d < 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// Client is safe for concurrent use.
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
}

var _ completion.Completer = (*Client)(nil)

// New validates cfg, filling unset fields from DefaultConfig.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key required")
	}

	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		logger:      logger,
	}, nil
}

// Complete sends req, retrying transient failures up to maxRetries times
// with exponential backoff (base, 2*base, 4*base, ...). A Retry-After
// header on a 429 or 5xx raises the wait to what the server asked for.
func (c *Client) Complete(ctx context.Context, req completion.Request) (*completion.Result, error) {
	start := time.Now()
	res, err := c.complete(ctx, req)
	metrics.ObserveCompletion(err, time.Since(start))
	return res, err
}

func (c *Client) complete(ctx context.Context, req completion.Request) (*completion.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("openai: rate limiter: %w", err)
	}

	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffFor(attempt, lastErr)
			c.logger.Warn("retrying chat completion",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()),
			)
			metrics.CompletionRetriesTotal.Inc()

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		res, err := c.doRequest(ctx, body)
		if err == nil {
			res.Attempts = attempt + 1
			return res, nil
		}

		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, body chatRequest) (*completion.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// covers DNS, connection resets and the per-attempt client timeout
		return nil, &retryableError{err: fmt.Errorf("openai: request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("openai: reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &retryableError{err: se, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
		}
		return nil, se
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("openai: parsing response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, completion.ErrEmptyReply
	}

	choice := parsed.Choices[0]
	return &completion.Result{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		PromptTokens: parsed.Usage.PromptTokens,
		ReplyTokens:  parsed.Usage.CompletionTokens,
	}, nil
}

func errorMessage(raw []byte) string {
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return strings.TrimSpace(string(raw))
}
