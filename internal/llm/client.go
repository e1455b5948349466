package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/devcrew/internal/llm"

const defaultBaseBackoff = 500 * time.Millisecond

// ErrTransport marks failures talking to the model endpoint.
var ErrTransport = errors.New("model transport failure")

// Tier names a model binding.
type Tier string

const (
	TierFast     Tier = "fast"
	TierPrecise  Tier = "precise"
	TierReasoner Tier = "reasoner"
	TierMemory   Tier = "memory"
)

// Binding is the model, temperature and output cap used for a tier.
type Binding struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generator is the part of a langchaingo model the client needs.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Client issues tiered chat completions.
type Client struct {
	gen        Generator
	bindings   map[Tier]Binding
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter overrides the request limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithRetries sets the retry count and base backoff.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = n
		c.backoff = backoff
	}
}

// NewClient wraps gen with the given tier bindings.
func NewClient(gen Generator, bindings map[Tier]Binding, opts ...Option) *Client {
	c := &Client{
		gen:      gen,
		bindings: bindings,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		backoff:  defaultBaseBackoff,
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New builds a Client against the OpenAI-compatible endpoint in cfg.
func New(cfg config.ModelsConfig) (*Client, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("models.api_key is required (or set XAI_API_KEY)")
	}
	gen, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Precise.Model),
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithHTTPClient(newHTTPClient(cfg.Timeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return NewClient(gen, BindingsFromConfig(cfg),
		WithLimiter(rate.NewLimiter(limit, burst)),
		WithRetries(cfg.MaxRetries, defaultBaseBackoff),
	), nil
}

// BindingsFromConfig maps the configured tiers.
func BindingsFromConfig(cfg config.ModelsConfig) map[Tier]Binding {
	conv := func(t config.ModelTier) Binding {
		return Binding{Model: t.Model, Temperature: t.Temperature, MaxTokens: t.MaxTokens}
	}
	return map[Tier]Binding{
		TierFast:     conv(cfg.Fast),
		TierPrecise:  conv(cfg.Precise),
		TierReasoner: conv(cfg.Reasoner),
		TierMemory:   conv(cfg.Memory),
	}
}

// Binding returns the binding for tier.
func (c *Client) Binding(tier Tier) (Binding, bool) {
	b, ok := c.bindings[tier]
	return b, ok
}

// Generate sends messages at the given tier and returns the first choice.
// Tools, when non-empty, are offered to the model for calling.
func (c *Client) Generate(ctx context.Context, tier Tier, messages []llms.MessageContent, tools []llms.Tool) (*llms.ContentChoice, error) {
	b, ok := c.bindings[tier]
	if !ok {
		return nil, fmt.Errorf("unknown model tier %q", tier)
	}

	ctx, span := c.tracer.Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.tier", string(tier)),
		attribute.String("llm.model", b.Model),
		attribute.Int("llm.messages", len(messages)),
		attribute.Int("llm.tools", len(tools)),
	)

	opts := []llms.CallOption{
		llms.WithModel(b.Model),
		llms.WithTemperature(b.Temperature),
		llms.WithMaxTokens(b.MaxTokens),
	}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		resp, err := c.gen.GenerateContent(ctx, messages, opts...)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, fmt.Errorf("%w: empty response", ErrTransport)
			}
			return resp.Choices[0], nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %v", ErrTransport, lastErr)
}

// Complete sends a single human prompt and returns the text answer.
func (c *Client) Complete(ctx context.Context, tier Tier, prompt string) (string, error) {
	choice, err := c.Generate(ctx, tier, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, nil)
	if err != nil {
		return "", err
	}
	return choice.Content, nil
}

var (
	// openai client errors read "API returned unexpected status code: 503: <message>".
	statusPattern = regexp.MustCompile(`status code:? (\d{3})\b`)
	// Whole-word transport markers, for errors that carry no status.
	transientPattern = regexp.MustCompile(`(?i)\b(rate limit|connection reset|connection refused|unexpected eof|eof)\b`)
)

// isRetryable reports whether err looks transient: 429 and 5xx answers,
// dropped connections and network timeouts. A 4xx status is final whatever
// its message says.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	return transientPattern.MatchString(msg)
}
