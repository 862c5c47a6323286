package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/internal/transport"
	"github.com/tierroute/tierroute/pkg/models"
)

// Defaults for the retry policy and generation parameters.
const (
	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = 150 * time.Millisecond
	DefaultTimeout         = 25 * time.Second
	DefaultTemperature     = 0.2
	DefaultMaxOutputTokens = 1024
)

// Config selects and tunes the provider.
type Config struct {
	// Kind is the provider family: "gemini" (default) or "openai".
	Kind string
	// APIKey is the provider credential. Empty switches to mock mode.
	APIKey string
	// BaseURL overrides the provider API root.
	BaseURL string

	Temperature     float64
	MaxOutputTokens int

	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay scales the linear backoff: attempt n+1 waits BaseDelay*n.
	BaseDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Kind == "" {
		c.Kind = KindGemini
	}
	if c.Temperature < 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
}

// Client dispatches generation calls with retry. It holds no per-request
// state and is safe for concurrent use.
type Client struct {
	driver Driver
	cfg    Config
	mock   bool
}

// New builds a client for cfg. Without an APIKey the client runs in mock
// mode and never touches the network.
func New(cfg Config, doer transport.Doer) (*Client, error) {
	cfg.applyDefaults()

	if cfg.APIKey == "" {
		switch cfg.Kind {
		case KindGemini, KindOpenAI:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
		}
		return &Client{driver: NewMockDriver(cfg.Kind), cfg: cfg, mock: true}, nil
	}

	var d Driver
	switch cfg.Kind {
	case KindGemini:
		d = NewGeminiDriver(cfg.BaseURL, cfg.APIKey, doer)
	case KindOpenAI:
		d = NewOpenAIDriver(cfg.BaseURL, cfg.APIKey, doer)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return &Client{driver: d, cfg: cfg}, nil
}

// NewWithDriver wraps a custom driver with the standard retry policy.
func NewWithDriver(d Driver, cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{driver: d, cfg: cfg}
}

// Kind returns the provider name results will carry.
func (c *Client) Kind() string { return c.driver.Kind() }

// Mock reports whether the client runs without a live credential.
func (c *Client) Mock() bool { return c.mock }

// Dispatch sends text to model, retrying transient failures. It returns a
// *Error (matching ErrExhausted) once all attempts fail or ctx is done.
func (c *Client) Dispatch(ctx context.Context, text, model, requestID string) (*models.ProviderResult, error) {
	req := Request{
		Model:           model,
		Text:            text,
		RequestID:       requestID,
		Temperature:     c.cfg.Temperature,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.cfg.BaseDelay*time.Duration(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		attempts = attempt
		result, err := c.attempt(ctx, req)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		lastErr = err

		log.Warn().
			Str("provider", c.driver.Kind()).
			Str("model", model).
			Str("request_id", requestID).
			Int("attempt", attempt).
			Err(err).
			Msg("Provider call failed")

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &Error{
		Provider: c.driver.Kind(),
		Model:    model,
		Attempts: attempts,
		Err:      lastErr,
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (*models.ProviderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.driver.Generate(ctx, req)
}

// sleep waits for d or until ctx is done, without holding the goroutine's
// thread.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
