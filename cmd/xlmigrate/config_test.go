package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("concurrency", 0, "")
	fs.Int("header-row", 0, "")
	fs.Duration("timeout", 0, "")
	fs.Int("max-retries", 3, "")
	fs.String("llm-provider", "openai", "")
	fs.String("model", "", "")
	return fs
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := loadConfig("", testFlags())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 8*time.Second, cfg.BackoffMax)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "sk-test", cfg.APIKey)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xlmigrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency: 2\nmax_retries: 1\nllm:\n  provider: gemini\n"), 0o644))
	t.Setenv("XLM_MAX_RETRIES", "5")
	t.Setenv("XLM_LLM_API_KEY", "env-key")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--model", "flash"}))

	cfg, err := loadConfig(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Concurrency, "config file")
	assert.Equal(t, 5, cfg.MaxRetries, "env beats config file")
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, "flash", cfg.Model, "flag")
	assert.Equal(t, "env-key", cfg.APIKey)
}

func TestLoadConfig_RejectsKeyInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xlmigrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  api_key: oops\n"), 0o644))

	_, err := loadConfig(path, testFlags())
	assert.ErrorContains(t, err, "not allowed in config files")
}

func TestLoadConfig_Invalid(t *testing.T) {
	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--concurrency", "-1"}))
	_, err := loadConfig("", fs)
	assert.ErrorContains(t, err, "concurrency")
}
