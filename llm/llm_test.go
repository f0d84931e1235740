package llm

import (
	"context"
	"errors"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajack/xlmigrate"
)

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), "openai", Config{})
	assert.ErrorContains(t, err, "API key is required")

	_, err = New(context.Background(), "mystery", Config{APIKey: "k"})
	assert.ErrorContains(t, err, "unsupported LLM provider")
}

func TestNew_HTTPProviders(t *testing.T) {
	g, err := New(context.Background(), "OpenAI", Config{APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, g)

	g, err = New(context.Background(), "anthropic", Config{APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, g)
}

func TestOpenAI_Generate(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  42 \n"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Config{APIKey: "secret", BaseURL: srv.URL + "/"})
	resp, err := c.Generate(context.Background(), xlmigrate.GenerateRequest{
		System:      "sys",
		Prompt:      "hello",
		Model:       "m1",
		Temperature: 0.2,
		MaxTokens:   50,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Text)

	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, 50, got.MaxTokens)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, openAIMessage{Role: "system", Content: "sys"}, got.Messages[0])
	assert.Equal(t, openAIMessage{Role: "user", Content: "hello"}, got.Messages[1])
}

func TestOpenAI_DefaultModel(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL, Model: "fallback"})
	_, err := c.Generate(context.Background(), xlmigrate.GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Model)
	require.Len(t, got.Messages, 1)
}

func TestOpenAI_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		invalid bool
	}{
		{"status", http.StatusTooManyRequests, `slow down`, "status 429", false},
		{"api error", http.StatusOK, `{"error":{"message":"bad key"}}`, "API error: bad key", false},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no completion returned", true},
		{"garbage", http.StatusOK, `not json`, "parse response", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL}).Generate(context.Background(), xlmigrate.GenerateRequest{Prompt: "p"})
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Equal(t, tt.invalid, errors.Is(err, xlmigrate.ErrInvalidResponse))
		})
	}
}

func TestAnthropic_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	_, err := NewAnthropic(Config{APIKey: "k", BaseURL: srv.URL}).Generate(context.Background(), xlmigrate.GenerateRequest{Prompt: "p"})
	assert.ErrorIs(t, err, xlmigrate.ErrInvalidResponse)
}

func TestAnthropic_Generate(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"content":[{"type":"text","text":"VALID"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropic(Config{APIKey: "secret", BaseURL: srv.URL})
	resp, err := c.Generate(context.Background(), xlmigrate.GenerateRequest{System: "sys", Prompt: "check"})
	require.NoError(t, err)
	assert.Equal(t, "VALID", resp.Text)
	assert.Equal(t, "sys", got.System)
	assert.Equal(t, 1024, got.MaxTokens)
}

func TestGenerator_DrivesDelegateClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"INVALID: too short"}}]}`))
	}))
	defer srv.Close()

	client := xlmigrate.NewDelegateClient(NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL}), xlmigrate.DefaultRetryPolicy, nil)
	res, err := client.Invoke(context.Background(), xlmigrate.DelegateRequest{
		Kind:     xlmigrate.KindValidate,
		Template: "Is {Code} valid?",
		Values:   map[string]xlmigrate.Value{"Code": xlmigrate.ValueOf("ab")},
	})
	require.NoError(t, err)
	assert.Equal(t, xlmigrate.ValidationResult{Valid: false, Message: "too short"}, res.Value)
}

func TestGenerator_InvalidResponseIsNotRetried(t *testing.T) {
	for _, body := range []string{`{"choices": []}`, `not json`} {
		t.Run(body, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.Write([]byte(body))
			}))
			defer srv.Close()

			client := xlmigrate.NewDelegateClient(NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL}), xlmigrate.DefaultRetryPolicy, nil)
			res, err := client.Invoke(context.Background(), xlmigrate.DelegateRequest{
				Kind:     xlmigrate.KindTransform,
				Template: "Tidy {Code}",
				Values:   map[string]xlmigrate.Value{"Code": xlmigrate.ValueOf("ab")},
			})
			assert.ErrorIs(t, err, xlmigrate.ErrInvalidResponse)
			assert.Equal(t, xlmigrate.KindInvalidResponse, xlmigrate.KindOf(err))
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}
