package oracle

import (
	"context"
	"fmt"

	"mendloop/internal/config"
)

// FromConfig builds the configured provider wrapped with the transport
// retry policy. The context is only used for provider construction.
func FromConfig(ctx context.Context, cfg *config.Config) (Oracle, error) {
	var provider Oracle

	switch cfg.Oracle.Provider {
	case "openai", "":
		opts := DefaultOpenAIOptions(cfg.Oracle.APIKey)
		opts.BaseURL = cfg.Oracle.BaseURL
		opts.Timeout = cfg.GetOracleTimeout()
		if cfg.Oracle.Model != "" {
			opts.Model = cfg.Oracle.Model
		}
		if cfg.Oracle.MaxCompletionTokens > 0 {
			opts.MaxTokens = cfg.Oracle.MaxCompletionTokens
		}
		provider = NewOpenAIProvider(opts)

	case "anthropic":
		opts := DefaultAnthropicOptions(cfg.Oracle.APIKey)
		opts.Timeout = cfg.GetOracleTimeout()
		if cfg.Oracle.BaseURL != "" {
			opts.BaseURL = cfg.Oracle.BaseURL
		}
		if cfg.Oracle.Model != "" {
			opts.Model = cfg.Oracle.Model
		}
		if cfg.Oracle.MaxCompletionTokens > 0 {
			opts.MaxTokens = cfg.Oracle.MaxCompletionTokens
		}
		provider = NewAnthropicProvider(opts)

	case "gemini":
		opts := DefaultGeminiOptions(cfg.Oracle.APIKey)
		if cfg.Oracle.Model != "" {
			opts.Model = cfg.Oracle.Model
		}
		if cfg.Oracle.MaxCompletionTokens > 0 {
			opts.MaxTokens = cfg.Oracle.MaxCompletionTokens
		}
		g, err := NewGeminiProvider(ctx, opts)
		if err != nil {
			return nil, err
		}
		provider = g

	default:
		return nil, fmt.Errorf("oracle: unknown provider %q (valid: %v)", cfg.Oracle.Provider, config.ValidProviders)
	}

	return WithRetry(provider, nil), nil
}
