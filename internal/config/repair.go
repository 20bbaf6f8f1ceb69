package config

import "fmt"

// RepairConfig configures the iterative repair loop.
type RepairConfig struct {
	// MaxRounds is the number of refinement rounds after the initial one.
	MaxRounds int `yaml:"max_rounds"`

	// Candidates proposed per round
	CandidateTests   int `yaml:"candidate_tests"`
	CandidatePatches int `yaml:"candidate_patches"`

	// Bounded retries per oracle interaction
	ProposeRetries  int `yaml:"propose_retries"`
	PatchRetries    int `yaml:"patch_retries"`
	JudgeRetries    int `yaml:"judge_retries"`
	SelectRetries   int `yaml:"select_retries"`
	AnalysisRetries int `yaml:"analysis_retries"`

	// FeedbackWindow is how many recent artifacts are replayed as
	// conversation feedback when revising a rejected proposal.
	FeedbackWindow int `yaml:"feedback_window"`

	// Temperatures indexed by round. Round 0 proposes deterministically,
	// later rounds sample.
	Temperatures []float64 `yaml:"temperatures"`
}

// DefaultRepairConfig returns the stock repair loop parameters.
func DefaultRepairConfig() RepairConfig {
	return RepairConfig{
		MaxRounds:        3,
		CandidateTests:   3,
		CandidatePatches: 4,
		ProposeRetries:   4,
		PatchRetries:     3,
		JudgeRetries:     3,
		SelectRetries:    5,
		AnalysisRetries:  5,
		FeedbackWindow:   1,
		Temperatures:     []float64{0.0, 0.8, 0.8, 0.8},
	}
}

// TemperatureAt returns the sampling temperature for the i'th draw of a
// schedule, clamping past the end. Rounds and candidate slots both index
// the same schedule: the first draw is deterministic, later draws sample.
func (c *RepairConfig) TemperatureAt(i int) float64 {
	if len(c.Temperatures) == 0 {
		return 0.0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(c.Temperatures) {
		return c.Temperatures[len(c.Temperatures)-1]
	}
	return c.Temperatures[i]
}

// Validate checks that loop parameters are within acceptable ranges.
func (c *RepairConfig) Validate() error {
	if c.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must be >= 0")
	}
	if c.CandidateTests < 1 {
		return fmt.Errorf("candidate_tests must be >= 1")
	}
	if c.CandidatePatches < 1 {
		return fmt.Errorf("candidate_patches must be >= 1")
	}
	if c.ProposeRetries < 1 {
		return fmt.Errorf("propose_retries must be >= 1")
	}
	return nil
}
