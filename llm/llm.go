// Package llm provides xlmigrate.Generator implementations backed by hosted
// text-generation services.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/javajack/xlmigrate"
)

// Config configures a provider client.
type Config struct {
	APIKey  string
	BaseURL string // overrides the provider endpoint
	Model   string // used when a request names no model
	Timeout time.Duration
}

// Providers lists the accepted provider names.
var Providers = []string{"openai", "anthropic", "gemini"}

// New returns the Generator for provider.
func New(ctx context.Context, provider string, cfg Config) (xlmigrate.Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required", provider)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "gemini", "google":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q (want one of %s)", provider, strings.Join(Providers, ", "))
	}
}

func model(req xlmigrate.GenerateRequest, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	return fallback
}
