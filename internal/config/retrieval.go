package config

import "fmt"

// RetrievalConfig configures experience retrieval.
type RetrievalConfig struct {
	// TopK is how many records each field query considers before merging.
	TopK int `yaml:"top_k"`

	// MaxExamples caps how many merged records reach the prompt.
	MaxExamples int `yaml:"max_examples"`

	// Okapi parameters for the lexical index
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// DefaultRetrievalConfig returns the stock retrieval parameters.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:        10,
		MaxExamples: 3,
		K1:          1.5,
		B:           0.75,
	}
}

// Validate checks that retrieval parameters are within acceptable ranges.
func (c *RetrievalConfig) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be >= 1")
	}
	if c.MaxExamples < 1 {
		return fmt.Errorf("max_examples must be >= 1")
	}
	if c.MaxExamples > c.TopK {
		return fmt.Errorf("max_examples must be <= top_k")
	}
	if c.K1 <= 0 || c.B < 0 || c.B > 1 {
		return fmt.Errorf("okapi parameters out of range (k1 > 0, 0 <= b <= 1)")
	}
	return nil
}
