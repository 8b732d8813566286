package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrUnavailable is returned when no LLM backend is configured.
var ErrUnavailable = errors.New("llm backend not configured")

// Provider generates a completion for a prompt.
type Provider interface {
	Name() string
	// Available reports whether the provider can ever serve requests.
	Available() bool
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// New returns a Gemini provider, or Noop when no API key is set.
func New(cfg Config) Provider {
	if cfg.APIKey == "" {
		slog.Warn("GEMINI_API_KEY not set, LLM analysis will use fallback responses")
		return Noop{}
	}
	return NewGemini(cfg)
}

// Noop is the permanently unavailable provider.
type Noop struct{}

func (Noop) Name() string    { return "none" }
func (Noop) Available() bool { return false }

func (Noop) Generate(context.Context, string) (string, error) {
	return "", ErrUnavailable
}
