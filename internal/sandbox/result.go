// Package sandbox executes candidate artifacts against a repository
// checkout: reset to a clean state, apply a candidate patch, write the
// test script, run it, and capture what happened. Results are cached by
// (patch handle, test handle) so an identical pair is never re-executed.
package sandbox

import "strings"

// EmptyPatchHandle keys executions that run a test against the unmodified
// checkout. It occupies the patch slot of a cache key where no candidate
// patch is applied.
const EmptyPatchHandle = "EMPTY"

// ExecutionResult is the captured outcome of one harness run. Triggered
// stays nil until a reviewer has judged whether the run reproduces the
// issue; the JSON null distinguishes "not judged" from "judged no".
type ExecutionResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
	Triggered  *bool  `json:"triggered"`
}

// Output returns the combined diagnostic text fed into feedback prompts
// and experience records: trimmed stdout, a newline, trimmed stderr.
func (r *ExecutionResult) Output() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr)
}
