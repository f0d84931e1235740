package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/javajack/xlmigrate"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini client. Model defaults to gemini-2.0-flash.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	m := cfg.Model
	if m == "" {
		m = "gemini-2.0-flash"
	}
	return &Gemini{client: client, model: m}, nil
}

// Generate sends one GenerateContent call.
func (g *Gemini) Generate(ctx context.Context, req xlmigrate.GenerateRequest) (xlmigrate.GenerateResponse, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, model(req, g.model), contents, config)
	if err != nil {
		return xlmigrate.GenerateResponse{}, fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return xlmigrate.GenerateResponse{}, fmt.Errorf("%w: no completion returned", xlmigrate.ErrInvalidResponse)
	}
	return xlmigrate.GenerateResponse{Text: text}, nil
}
