package sandbox

import (
	"context"
	"strings"
	"sync"
	"time"
)

// mockRunner scripts subprocess behavior per command and records every
// invocation.
type mockRunner struct {
	mu    sync.Mutex
	calls []string

	// runFunc, when set, decides the output for a command. The default
	// succeeds with empty output.
	runFunc func(dir, binary string, args []string) (*CommandOutput, error)
}

func (m *mockRunner) Run(ctx context.Context, dir string, timeout time.Duration, binary string, args ...string) (*CommandOutput, error) {
	m.mu.Lock()
	m.calls = append(m.calls, strings.Join(append([]string{binary}, args...), " "))
	m.mu.Unlock()

	if m.runFunc != nil {
		return m.runFunc(dir, binary, args)
	}
	return &CommandOutput{}, nil
}

// callCount counts recorded invocations whose rendered command starts with
// prefix.
func (m *mockRunner) callCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}
