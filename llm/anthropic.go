package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/javajack/xlmigrate"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Anthropic messages endpoint.
type Anthropic struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(cfg Config) *Anthropic {
	c := &Anthropic{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.anthropic.com/v1"
	}
	if c.model == "" {
		c.model = "claude-3-5-haiku-latest"
	}
	return c
}

// Generate sends one message request. max_tokens is required by the API and
// defaults to 1024.
func (c *Anthropic) Generate(ctx context.Context, req xlmigrate.GenerateRequest) (xlmigrate.GenerateResponse, error) {
	body := anthropicRequest{
		Model:       model(req, c.model),
		System:      req.System,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 1024
	}

	data, err := json.Marshal(body)
	if err != nil {
		return xlmigrate.GenerateResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return xlmigrate.GenerateResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	raw, err := do(c.httpClient, httpReq)
	if err != nil {
		return xlmigrate.GenerateResponse{}, err
	}
	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return xlmigrate.GenerateResponse{}, fmt.Errorf("%w: parse response: %v", xlmigrate.ErrInvalidResponse, err)
	}
	if resp.Error != nil {
		return xlmigrate.GenerateResponse{}, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	var b strings.Builder
	for _, part := range resp.Content {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	if b.Len() == 0 {
		return xlmigrate.GenerateResponse{}, fmt.Errorf("%w: no completion returned", xlmigrate.ErrInvalidResponse)
	}
	return xlmigrate.GenerateResponse{Text: strings.TrimSpace(b.String())}, nil
}
