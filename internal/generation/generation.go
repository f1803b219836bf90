// Package generation talks to the code generation service that produces
// revised artifacts from repair prompts.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/refine/internal/artifact"
	"github.com/fyrsmithlabs/refine/internal/config"
	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/fyrsmithlabs/refine/internal/secrets"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseBackoff = 1 * time.Second

	// placeholderToken lets langchaingo talk to local OpenAI-compatible
	// servers that do not check credentials.
	placeholderToken = "unused"
)

// ErrEmptyResponse is returned when the service answers with no text.
var ErrEmptyResponse = errors.New("empty response from generation service")

// Request asks for a revision of Target.
type Request struct {
	Prompt    string
	Target    artifact.Identity
	MaxTokens int
}

// Response carries the raw reply and the extracted program. Code is empty
// and Found is false when the reply had no fenced code block.
type Response struct {
	Text  string
	Code  string
	Found bool
}

// Generator produces revised programs.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Client implements Generator over a langchaingo model.
type Client struct {
	model       llms.Model
	limiter     *rate.Limiter
	maxRetries  int
	maxTokens   int
	temperature float64
	baseBackoff time.Duration
	scrubber    *secrets.Scrubber
	logger      *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithScrubber redacts secrets from prompts before they are sent.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(c *Client) { c.scrubber = s }
}

// WithBackoff overrides the base retry backoff.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.baseBackoff = d }
}

// NewClient builds a Client for an OpenAI-compatible endpoint.
func NewClient(cfg config.GenerationConfig, opts ...Option) (*Client, error) {
	token := cfg.APIKey.Value()
	if token == "" {
		token = placeholderToken
	}

	llmOpts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation model: %w", err)
	}

	if cfg.ScrubSecrets {
		s, err := secrets.NewScrubber(cfg.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
		}
		opts = append([]Option{WithScrubber(s)}, opts...)
	}

	return NewClientWithModel(llm, cfg, opts...), nil
}

// NewClientWithModel builds a Client around an existing model.
func NewClientWithModel(model llms.Model, cfg config.GenerationConfig, opts ...Option) *Client {
	c := &Client{
		model:       model,
		limiter:     NewLimiter(cfg.RateLimit, cfg.Burst),
		maxRetries:  cfg.MaxRetries,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		baseBackoff: defaultBaseBackoff,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewLimiter returns a limiter for perSecond requests. Zero means unlimited.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Generate sends the prompt and extracts the largest fenced code block
// from the reply.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	prompt := req.Prompt
	if c.scrubber != nil {
		scrubbed, findings := c.scrubber.Scrub(prompt)
		if len(findings) > 0 {
			c.logger.Warn(ctx, "redacted secrets from repair prompt",
				zap.String("target", req.Target.Key()),
				zap.Int("findings", len(findings)))
		}
		prompt = scrubbed
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	callOpts := []llms.CallOption{llms.WithTemperature(c.temperature)}
	if maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(maxTokens))
	}

	text, err := c.complete(ctx, prompt, callOpts)
	if err != nil {
		return Response{}, err
	}

	code, found := LargestCodeBlock(text)
	if !found {
		c.logger.Warn(ctx, "generation reply had no code block", zap.String("target", req.Target.Key()))
	}
	return Response{Text: text, Code: code, Found: found}, nil
}

// complete calls the model with rate limiting and exponential backoff.
func (c *Client) complete(ctx context.Context, prompt string, opts []llms.CallOption) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, opts...)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyResponse
		}
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		c.logger.Debug(ctx, "generation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
