package config

// OracleConfig configures the LLM oracle.
type OracleConfig struct {
	Provider string `yaml:"provider"` // openai, anthropic, gemini
	APIKey   string `yaml:"api_key"`

	// Model used for proposing tests and patches
	Model string `yaml:"model"`

	// ReviewModel is used for judging reproductions and ranking patches.
	// A smaller reasoning model works fine here since review prompts are short.
	ReviewModel string `yaml:"review_model"`

	// BaseURL overrides the provider endpoint (proxies, compatible servers)
	BaseURL string `yaml:"base_url"`

	Timeout             string `yaml:"timeout"`
	MaxCompletionTokens int    `yaml:"max_completion_tokens"`
}

// ReviewModelOrDefault returns the review model, falling back to the
// primary model when unset.
func (c *OracleConfig) ReviewModelOrDefault() string {
	if c.ReviewModel != "" {
		return c.ReviewModel
	}
	return c.Model
}
