package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// config is the resolved CLI configuration.
// Flags > environment > config file > defaults.
type config struct {
	Concurrency int
	HeaderRow   int
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// apiKeyEnv names the conventional key variable of each provider.
var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

func loadConfig(configPath string, flags *pflag.FlagSet) (*config, error) {
	// .env only fills variables that are not already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetDefault("concurrency", 0)
	v.SetDefault("header_row", 0)
	v.SetDefault("timeout", "30s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("backoff_base", "1s")
	v.SetDefault("backoff_max", "8s")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")

	v.SetEnvPrefix("XLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if v.IsSet("llm.api_key") && v.InConfig("llm.api_key") {
			return nil, fmt.Errorf("API keys are not allowed in config files (use XLM_LLM_API_KEY or the provider variable)")
		}
	}

	for key, flag := range map[string]string{
		"concurrency":  "concurrency",
		"header_row":   "header-row",
		"timeout":      "timeout",
		"max_retries":  "max-retries",
		"llm.provider": "llm-provider",
		"llm.model":    "model",
	} {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	cfg := &config{
		Concurrency: v.GetInt("concurrency"),
		HeaderRow:   v.GetInt("header_row"),
		Timeout:     v.GetDuration("timeout"),
		MaxRetries:  v.GetInt("max_retries"),
		BackoffBase: v.GetDuration("backoff_base"),
		BackoffMax:  v.GetDuration("backoff_max"),
		Provider:    strings.ToLower(v.GetString("llm.provider")),
		Model:       v.GetString("llm.model"),
		APIKey:      v.GetString("llm.api_key"),
		BaseURL:     v.GetString("llm.base_url"),
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(apiKeyEnv[cfg.Provider])
	}
	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must not be negative, got %d", cfg.Concurrency)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must not be negative, got %d", cfg.MaxRetries)
	}
	return cfg, nil
}
