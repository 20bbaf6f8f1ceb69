package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"mendloop/internal/logging"
)

// DefaultMaxOutputBytes caps each captured stream of a subprocess. Repair
// scripts occasionally dump whole source trees on failure; anything past the
// cap is discarded rather than buffered.
const DefaultMaxOutputBytes = 1 << 20

// CommandOutput captures one finished subprocess.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner executes a single command inside a working directory. A non-zero
// exit is a normal outcome; implementations return an error only when the
// process could not be started or observed at all.
type Runner interface {
	Run(ctx context.Context, dir string, timeout time.Duration, binary string, args ...string) (*CommandOutput, error)
}

// HostRunner runs commands directly on the host with os/exec. It is the only
// runner the loop ships; tests substitute their own Runner.
type HostRunner struct {
	// AllowedEnv lists environment variables forwarded from the parent
	// process. Everything else is stripped so a testbed run cannot see
	// provider keys.
	AllowedEnv []string

	// MaxOutputBytes caps captured stdout and stderr individually.
	// Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int64
}

// NewHostRunner builds a runner forwarding only the given environment
// variables.
func NewHostRunner(allowedEnv []string) *HostRunner {
	return &HostRunner{AllowedEnv: allowedEnv}
}

// Run executes binary with args in dir, applying timeout when it is
// positive. The exit code, captured output, and a timed-out marker come back
// in CommandOutput; the error return is reserved for infrastructure
// failures such as a missing binary.
func (r *HostRunner) Run(ctx context.Context, dir string, timeout time.Duration, binary string, args ...string) (*CommandOutput, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "Command execution")
	defer timer.Stop()

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logging.SandboxDebug("Running: %s %v (dir=%s, timeout=%s)", binary, args, dir, timeout)

	cmd := exec.CommandContext(execCtx, binary, args...)
	cmd.Dir = dir
	cmd.Env = r.buildEnvironment()

	maxOutput := r.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	started := time.Now()
	err := cmd.Run()

	out := &CommandOutput{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(started),
	}
	if stdoutLimited.truncated || stderrLimited.truncated {
		logging.SandboxWarn("Command output truncated: %s (%d bytes discarded)",
			binary, stdoutLimited.discarded+stderrLimited.discarded)
	}

	switch {
	case err == nil:
		out.ExitCode = 0
	case execCtx.Err() == context.DeadlineExceeded:
		out.TimedOut = true
		out.ExitCode = -1
		logging.SandboxWarn("Command killed after %s: %s %v", timeout, binary, args)
	case execCtx.Err() == context.Canceled:
		return nil, execCtx.Err()
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			logging.SandboxDebug("Command exited non-zero: %s -> %d", binary, out.ExitCode)
		} else {
			logging.SandboxError("Command failed to start: %s - %v", binary, err)
			return nil, fmt.Errorf("running %s: %w", binary, err)
		}
	}

	logging.Sandbox("Command completed: %s -> exit=%d, duration=%s, stdout=%d bytes",
		binary, out.ExitCode, out.Duration, len(out.Stdout))
	return out, nil
}

// buildEnvironment forwards only the allowed variables from the parent
// process.
func (r *HostRunner) buildEnvironment() []string {
	env := make([]string, 0, len(r.AllowedEnv))
	for _, key := range r.AllowedEnv {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	return env
}

// limitedWriter caps total bytes written, discarding the overflow.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
