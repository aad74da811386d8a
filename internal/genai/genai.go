// Package genai provides the language-completion client for StagePipe,
// built on the OpenAI API.
//
// The client is synchronous from the caller's point of view and applies a
// bounded retry policy internally: transient provider failures (network
// errors, rate limits, 5xx) are retried with exponential backoff, and
// exhaustion surfaces as *models.CompletionError. Whether that error is
// fatal is the caller's decision, not the client's.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stagepipe/stagepipe/internal/models"
)

// Default completion parameters.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
	// DefaultMaxAttempts bounds the retry budget for one Complete call.
	DefaultMaxAttempts = 3
	// DefaultRetryBaseDelay is the first backoff interval; it doubles per
	// attempt.
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// ErrNoChoicesReturned indicates the provider returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for client construction.
type Opts struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	MaxTokens      int64
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option configures client construction.
type Option func(*Opts)

// WithAPIKey sets the API key, overriding the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at a different completion endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithMaxAttempts sets the bounded retry budget per call.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithRetryBaseDelay sets the initial backoff interval.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryBaseDelay = d }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat           chatService
	model          string
	temperature    float64
	maxTokens      int64
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewClient initializes a completion client. The API key comes from options
// or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		Temperature:    DefaultTemperature,
		MaxTokens:      DefaultMaxTokens,
		MaxAttempts:    DefaultMaxAttempts,
		RetryBaseDelay: DefaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	// The SDK's own retries are disabled; this client applies its retry
	// policy explicitly so attempts are observable and bounded.
	reqOpts = append(reqOpts, option.WithMaxRetries(0))
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: created completion client", "model", cfg.Model, "maxAttempts", cfg.MaxAttempts)
	return &Client{
		chat:           &cli.Chat.Completions,
		model:          cfg.Model,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		maxAttempts:    cfg.MaxAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
	}, nil
}

// Complete sends a rendered prompt (plus optional system prompt) and returns
// the raw completion text. On persistent failure after the retry budget it
// returns *models.CompletionError.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.chat.New(ctx, params)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", &models.CompletionError{Attempts: attempt, Err: ErrNoChoicesReturned}
			}
			if attempt > 1 {
				slog.Debug("genai.Complete: succeeded after retry", "attempt", attempt)
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if !isRetryable(err) {
			slog.Warn("genai.Complete: non-retryable provider error", "error", err, "attempt", attempt)
			return "", &models.CompletionError{Attempts: attempt, Err: err}
		}
		if attempt == c.maxAttempts {
			break
		}
		delay := c.retryBaseDelay << (attempt - 1)
		slog.Warn("genai.Complete: provider error, backing off", "error", err, "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", &models.CompletionError{Attempts: attempt, Err: ctx.Err()}
		}
	}
	slog.Error("genai.Complete: retry budget exhausted", "attempts", c.maxAttempts, "error", lastErr)
	return "", &models.CompletionError{Attempts: c.maxAttempts, Err: lastErr}
}

// isRetryable reports whether an error is worth another attempt: rate
// limits, provider 5xx, and transport-level failures.
func isRetryable(err error) bool {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusTooManyRequests || apierr.StatusCode >= 500
	}
	return true
}
