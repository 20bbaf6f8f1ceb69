package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mendloop/internal/config"
	"mendloop/internal/extract"
	"mendloop/internal/logging"
)

// ReproducerFile is the script name candidate tests run under at the
// checkout root. It is untracked, so it never shows up in the produced
// diff.
const ReproducerFile = "reproducer.py"

// PatchReport is the outcome of applying a candidate's modification stanzas
// to a clean checkout.
type PatchReport struct {
	// Applicable is true when every stanza's original snippet was found
	// and replaced.
	Applicable bool

	// Reason says why the patch did not apply. Empty when Applicable.
	Reason string

	// Diff is the git diff of the patched checkout. It becomes the
	// candidate's persisted patch content.
	Diff string

	// Stats summarizes Diff for reporting.
	Stats DiffStats
}

// Harness owns the testbed checkout: it applies candidate patches by
// exact-string replacement, runs reproduction scripts under the configured
// interpreter, and restores a clean tree between runs. Calls within one
// attempt are strictly sequential; the harness never leaves the checkout
// dirty on return except from TryPatch, which keeps the patched state for
// the caller to inspect.
type Harness struct {
	repo     string
	python   string
	timeout  time.Duration
	runner   Runner
	cache    *ResultCache
	skipGate bool
}

// Option customizes a Harness.
type Option func(*Harness)

// WithRunner substitutes the command runner. Tests use this to stub git and
// the interpreter.
func WithRunner(r Runner) Option {
	return func(h *Harness) { h.runner = r }
}

// WithCache attaches a result cache consulted by ExecuteCached.
func WithCache(c *ResultCache) Option {
	return func(h *Harness) { h.cache = c }
}

// WithoutSyntaxGate disables the pre-execution parse of test scripts and
// patched files.
func WithoutSyntaxGate() Option {
	return func(h *Harness) { h.skipGate = true }
}

// NewHarness builds a harness over the configured testbed checkout.
func NewHarness(cfg *config.Config, opts ...Option) (*Harness, error) {
	repo, err := filepath.Abs(cfg.Sandbox.Testbed)
	if err != nil {
		return nil, fmt.Errorf("resolving testbed path: %w", err)
	}
	info, err := os.Stat(repo)
	if err != nil {
		return nil, fmt.Errorf("testbed %s: %w", repo, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("testbed %s is not a directory", repo)
	}

	h := &Harness{
		repo:    repo,
		python:  cfg.Sandbox.PythonBinary,
		timeout: cfg.GetExecutionTimeout(),
		runner:  NewHostRunner(cfg.Sandbox.AllowedEnvVars),
	}
	for _, opt := range opts {
		opt(h)
	}

	logging.Sandbox("Harness ready: testbed=%s, python=%s, timeout=%s", h.repo, h.python, h.timeout)
	return h, nil
}

// Repo returns the absolute testbed checkout path.
func (h *Harness) Repo() string { return h.repo }

// Cache returns the attached result cache, or nil.
func (h *Harness) Cache() *ResultCache { return h.cache }

// ============================================================================
// CHECKOUT MANAGEMENT
// ============================================================================

// Reset restores the checkout: tracked files back to HEAD, untracked files
// removed.
func (h *Harness) Reset(ctx context.Context) error {
	if out, err := h.runner.Run(ctx, h.repo, h.timeout, "git", "checkout", "."); err != nil {
		return fmt.Errorf("git checkout: %w", err)
	} else if out.ExitCode != 0 {
		return fmt.Errorf("git checkout exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if out, err := h.runner.Run(ctx, h.repo, h.timeout, "git", "clean", "-fd"); err != nil {
		return fmt.Errorf("git clean: %w", err)
	} else if out.ExitCode != 0 {
		return fmt.Errorf("git clean exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	logging.SandboxDebug("Checkout reset: %s", h.repo)
	return nil
}

// Diff captures the git diff of the current checkout state.
func (h *Harness) Diff(ctx context.Context) (string, error) {
	out, err := h.runner.Run(ctx, h.repo, h.timeout, "git", "diff")
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("git diff exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return out.Stdout, nil
}

// ============================================================================
// PATCH APPLICATION
// ============================================================================

// TryPatch resets the checkout, applies mods stanza by stanza, and reports
// the produced diff. On success the checkout is left patched so the caller
// can follow up with an execution; a subsequent Reset or Execute restores
// it. A patch that does not apply is an ordinary outcome, not an error.
func (h *Harness) TryPatch(ctx context.Context, mods []extract.Modification) (*PatchReport, error) {
	if err := h.Reset(ctx); err != nil {
		return nil, err
	}

	if reason := h.applyModifications(mods); reason != "" {
		logging.SandboxDebug("Patch not applicable: %s", reason)
		return &PatchReport{Reason: reason}, nil
	}

	diffText, err := h.Diff(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(diffText) == "" {
		return &PatchReport{Reason: "patch produced no change"}, nil
	}

	report := &PatchReport{
		Applicable: true,
		Diff:       diffText,
		Stats:      ParseDiffStats(diffText),
	}
	logging.Sandbox("Patch applied: %d file(s), +%d/-%d lines",
		report.Stats.FilesChanged, report.Stats.LinesAdded, report.Stats.LinesRemoved)
	return report, nil
}

// applyModifications rewrites each stanza's file in order. The returned
// string is empty on success and names the failing stanza otherwise.
func (h *Harness) applyModifications(mods []extract.Modification) string {
	if len(mods) == 0 {
		return "no modification stanzas"
	}
	for i, mod := range mods {
		path, ok := h.resolvePath(mod.File)
		if !ok {
			return fmt.Sprintf("modification %d: path %q escapes the checkout", i+1, mod.File)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Sprintf("modification %d: %s does not exist in the checkout", i+1, mod.File)
		}
		if mod.Original == "" {
			return fmt.Sprintf("modification %d: empty original snippet", i+1)
		}
		content := string(raw)
		if !strings.Contains(content, mod.Original) {
			return fmt.Sprintf("modification %d: original snippet not found in %s", i+1, mod.File)
		}
		content = strings.Replace(content, mod.Original, mod.Patched, 1)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Sprintf("modification %d: writing %s: %v", i+1, mod.File, err)
		}
	}
	return ""
}

// resolvePath joins a stanza path onto the checkout root, rejecting
// absolute paths and anything that escapes the root.
func (h *Harness) resolvePath(file string) (string, bool) {
	cleaned := filepath.Clean(strings.TrimSpace(file))
	if cleaned == "" || cleaned == "." || filepath.IsAbs(cleaned) {
		return "", false
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(h.repo, cleaned), true
}

// ============================================================================
// EXECUTION
// ============================================================================

// Execute resets the checkout, applies mods (nil runs the unpatched
// baseline), writes the reproduction script, and runs it under the
// configured interpreter. Patch and syntax problems come back as ordinary
// low-quality results; the error return is reserved for a broken testbed.
func (h *Harness) Execute(ctx context.Context, test string, mods []extract.Modification) (*ExecutionResult, error) {
	if !h.skipGate {
		if issue, err := CheckPythonSyntax(ctx, ReproducerFile, []byte(test)); err == nil && issue != nil {
			logging.SandboxDebug("Test script rejected by syntax gate: %s", issue)
			return failureResult(issue.String()), nil
		}
	}

	if err := h.Reset(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := h.Reset(context.WithoutCancel(ctx)); err != nil {
			logging.SandboxWarn("Post-execution reset failed: %v", err)
		}
	}()

	if len(mods) > 0 {
		if reason := h.applyModifications(mods); reason != "" {
			return failureResult("patch did not apply: " + reason), nil
		}
		if !h.skipGate {
			if issue, err := h.gatePatchedFiles(ctx, mods); err == nil && issue != nil {
				logging.SandboxDebug("Patched file rejected by syntax gate: %s", issue)
				return failureResult(issue.String()), nil
			}
		}
	}

	scriptPath := filepath.Join(h.repo, ReproducerFile)
	if err := os.WriteFile(scriptPath, []byte(test), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ReproducerFile, err)
	}

	started := time.Now()
	out, err := h.runner.Run(ctx, h.repo, h.timeout, h.python, ReproducerFile)
	if err != nil {
		return nil, err
	}

	res := &ExecutionResult{
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		ReturnCode: out.ExitCode,
	}
	if out.TimedOut {
		note := fmt.Sprintf("execution timed out after %s", h.timeout)
		if strings.TrimSpace(res.Stderr) == "" {
			res.Stderr = note
		} else {
			res.Stderr += "\n" + note
		}
	}

	logging.Audit().SandboxExec(
		fmt.Sprintf("%s %s", h.python, ReproducerFile),
		res.ReturnCode,
		time.Since(started).Milliseconds(),
	)
	return res, nil
}

// ExecuteCached keys Execute by (patchHandle, testHandle), returning the
// cached result when the pair already ran. The baseline patch handle is
// EmptyPatchHandle.
func (h *Harness) ExecuteCached(ctx context.Context, patchHandle, testHandle, test string, mods []extract.Modification) (*ExecutionResult, error) {
	if h.cache != nil {
		if res, ok := h.cache.Get(patchHandle, testHandle); ok {
			logging.SandboxDebug("Cache hit for (%s, %s)", patchHandle, testHandle)
			return res, nil
		}
	}

	res, err := h.Execute(ctx, test, mods)
	if err != nil {
		return nil, err
	}
	if len(mods) > 0 {
		logging.Audit().SandboxApply(patchHandle, res.ReturnCode == 0, "")
	}
	if h.cache != nil {
		h.cache.Put(patchHandle, testHandle, res)
	}
	return res, nil
}

// gatePatchedFiles parses every Python file touched by mods after
// application.
func (h *Harness) gatePatchedFiles(ctx context.Context, mods []extract.Modification) (*SyntaxIssue, error) {
	seen := make(map[string]bool)
	for _, mod := range mods {
		file := strings.TrimSpace(mod.File)
		if seen[file] || !strings.HasSuffix(file, ".py") {
			continue
		}
		seen[file] = true

		path, ok := h.resolvePath(file)
		if !ok {
			continue
		}
		source, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		issue, err := CheckPythonSyntax(ctx, file, source)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			return issue, nil
		}
	}
	return nil, nil
}

// failureResult wraps a pre-execution problem as an ordinary failed
// execution so the loop treats it as feedback.
func failureResult(message string) *ExecutionResult {
	return &ExecutionResult{
		Stderr:     message,
		ReturnCode: 1,
	}
}
