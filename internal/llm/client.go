// Package llm adapts langchaingo chat models for text generation and
// tool-calling extraction.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrEmptyResponse is returned when the model answers with no choices.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrInvalidConfig indicates an unusable client configuration.
	ErrInvalidConfig = errors.New("llm: invalid configuration")
)

// Config selects an OpenAI-compatible chat endpoint.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Retry       RetryConfig

	// RequestsPerMinute limits requests to the endpoint, each retry and
	// agent iteration counting once. Zero means unlimited.
	RequestsPerMinute float64
	Burst             int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryConfig()
	}
}

// RetryConfig holds retry configuration for model requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per request.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns retry defaults for model requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// NewOpenAIModel creates a langchaingo model for an OpenAI-compatible API
// such as LM Studio, vLLM or OpenAI itself.
func NewOpenAIModel(cfg Config) (llms.Model, error) {
	cfg.ApplyDefaults()
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	// Local servers accept any token, but the client insists on one.
	token := cfg.APIKey
	if token == "" && cfg.BaseURL != "" {
		token = "not-needed"
	}
	if token != "" {
		opts = append(opts, openai.WithToken(token))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return m, nil
}

// Client wraps a model with call options, rate limiting and retry.
type Client struct {
	model   llms.Model
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewClient creates a client around model.
func NewClient(model llms.Model, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), max(cfg.Burst, 1))
	}
	return &Client{model: model, cfg: cfg, limiter: limiter, logger: logger, sleep: sleepCtx}
}

// Generate sends a single user prompt and returns the answer text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	choice, err := c.Complete(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(choice.Content), nil
}

// Complete runs one chat completion, retrying failures other than context
// cancellation.
func (c *Client) Complete(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentChoice, error) {
	callOpts := c.callOptions(opts)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		resp, err := c.model.GenerateContent(ctx, messages, callOpts...)
		if err == nil {
			if resp == nil || len(resp.Choices) == 0 {
				err = ErrEmptyResponse
			} else {
				return resp.Choices[0], nil
			}
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if attempt < c.cfg.Retry.MaxAttempts {
			backoff := c.backoff(attempt)
			c.logger.Debug("model request failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.Retry.MaxAttempts),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("model request failed after %d attempts: %w", c.cfg.Retry.MaxAttempts, lastErr)
}

func (c *Client) callOptions(extra []llms.CallOption) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(c.cfg.Temperature)}
	if c.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.cfg.MaxTokens))
	}
	return append(opts, extra...)
}

// backoff computes exponential backoff with jitter.
func (c *Client) backoff(attempt int) time.Duration {
	r := c.cfg.Retry
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= r.BackoffMultiplier
	}
	d := time.Duration(float64(r.BackoffBase) * multiplier)
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
