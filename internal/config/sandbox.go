package config

// SandboxConfig configures patched-workspace execution.
type SandboxConfig struct {
	// Testbed is the checked-out project the loop repairs.
	Testbed string `yaml:"testbed"`

	// PythonBinary runs candidate reproduction scripts.
	PythonBinary string `yaml:"python_binary"`

	// Default timeout for commands
	DefaultTimeout string `yaml:"default_timeout"`

	// Environment variables to pass through to executions
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}
