package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mendloop configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Oracle (LLM) configuration
	Oracle OracleConfig `yaml:"oracle"`

	// Repair loop configuration
	Repair RepairConfig `yaml:"repair"`

	// Experience retrieval configuration
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Sandbox execution configuration
	Sandbox SandboxConfig `yaml:"sandbox"`

	// SQLite store configuration
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite-backed stores.
type StoreConfig struct {
	// Oracle call ledger
	LedgerPath string `yaml:"ledger_path"`

	// Durable execution-result cache
	CachePath string `yaml:"cache_path"`

	// Per-model pricing in USD per million tokens. Models missing from
	// the table are billed at zero.
	Costs map[string]ModelCost `yaml:"costs,omitempty"`
}

// ModelCost prices one model's input and output tokens.
type ModelCost struct {
	InputUSDPerMTok  float64 `yaml:"input_usd_per_mtok"`
	OutputUSDPerMTok float64 `yaml:"output_usd_per_mtok"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mendloop",
		Version: "0.3.0",

		Oracle: OracleConfig{
			Provider:            "openai",
			Model:               "gpt-4o-2024-11-20",
			ReviewModel:         "o4-mini",
			Timeout:             "120s",
			MaxCompletionTokens: 4096,
		},

		Repair: DefaultRepairConfig(),

		Retrieval: DefaultRetrievalConfig(),

		Sandbox: SandboxConfig{
			Testbed:        ".",
			PythonBinary:   "python3",
			DefaultTimeout: "300s",
			AllowedEnvVars: []string{"PATH", "HOME", "PYTHONPATH", "LANG"},
		},

		Store: StoreConfig{
			LedgerPath: ".mend/ledger.db",
			CachePath:  ".mend/cache.db",
			Costs: map[string]ModelCost{
				"gpt-4o-2024-11-20": {InputUSDPerMTok: 2.50, OutputUSDPerMTok: 10.00},
				"o4-mini":           {InputUSDPerMTok: 1.10, OutputUSDPerMTok: 4.40},
			},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Provider keys are checked in reverse priority order: a later match wins.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		c.Oracle.Provider = "gemini"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		c.Oracle.Provider = "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
		c.Oracle.Provider = "openai"
	}

	if model := os.Getenv("MEND_MODEL"); model != "" {
		c.Oracle.Model = model
	}
	if model := os.Getenv("MEND_REVIEW_MODEL"); model != "" {
		c.Oracle.ReviewModel = model
	}
	if url := os.Getenv("MEND_BASE_URL"); url != "" {
		c.Oracle.BaseURL = url
	}

	if dir := os.Getenv("MEND_TESTBED"); dir != "" {
		c.Sandbox.Testbed = dir
	}

	if path := os.Getenv("MEND_DB"); path != "" {
		c.Store.LedgerPath = path
	}

	if rounds := os.Getenv("MEND_MAX_ROUNDS"); rounds != "" {
		if n, err := strconv.Atoi(rounds); err == nil && n > 0 {
			c.Repair.MaxRounds = n
		}
	}
}

// GetOracleTimeout returns the oracle call timeout as a duration.
func (c *Config) GetOracleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Oracle.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetExecutionTimeout returns the default sandbox execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.DefaultTimeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// ValidProviders lists all supported oracle providers.
var ValidProviders = []string{"openai", "anthropic", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle API key not configured (set OPENAI_API_KEY, ANTHROPIC_API_KEY or GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.Oracle.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid oracle provider: %s (valid: %v)", c.Oracle.Provider, ValidProviders)
	}

	if err := c.Repair.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}

	return nil
}

// DefaultConfigPath returns the default path to .mend/config.yaml.
func DefaultConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return ".mend/config.yaml"
	}
	return filepath.Join(root, ".mend", "config.yaml")
}

// FindWorkspaceRoot attempts to find the project root by looking for .mend or go.mod.
// If not found, returns the current working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".mend")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}
