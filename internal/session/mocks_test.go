package session

import (
	"context"
	"testing"

	"mendloop/internal/config"
	"mendloop/internal/experience"
	"mendloop/internal/extract"
	"mendloop/internal/oracle"
	"mendloop/internal/sandbox"
)

const issueText = "Indexing a Series with a datetime slice silently drops the timezone."

// mockOracle records every request and answers from completeFunc.
type mockOracle struct {
	completeFunc func(req oracle.Request) (*oracle.Response, error)
	requests     []oracle.Request
}

func (m *mockOracle) Complete(_ context.Context, req oracle.Request) (*oracle.Response, error) {
	m.requests = append(m.requests, req)
	return m.completeFunc(req)
}

// respond answers every request with the same text.
func respond(text string) func(oracle.Request) (*oracle.Response, error) {
	return func(oracle.Request) (*oracle.Response, error) {
		return &oracle.Response{Text: text}, nil
	}
}

// respondSeq answers requests with each text in turn, repeating the last
// once the sequence runs out.
func respondSeq(texts ...string) func(oracle.Request) (*oracle.Response, error) {
	i := 0
	return func(oracle.Request) (*oracle.Response, error) {
		text := texts[len(texts)-1]
		if i < len(texts) {
			text = texts[i]
		}
		i++
		return &oracle.Response{Text: text}, nil
	}
}

type mockJudge struct {
	judgeFunc func(issue, test string, result *sandbox.ExecutionResult) (extract.Judgment, error)
	calls     int
}

func (m *mockJudge) JudgeReproduction(_ context.Context, issue, test string, result *sandbox.ExecutionResult) (extract.Judgment, error) {
	m.calls++
	return m.judgeFunc(issue, test, result)
}

func judgeYes(string, string, *sandbox.ExecutionResult) (extract.Judgment, error) {
	return extract.Judgment{Analysis: "raises the reported error", Verdict: "YES", Advice: "none"}, nil
}

func judgeNo(string, string, *sandbox.ExecutionResult) (extract.Judgment, error) {
	return extract.Judgment{Analysis: "exits cleanly", Verdict: "NO", Advice: "assert on the dropped timezone"}, nil
}

type execCall struct {
	patchHandle string
	testHandle  string
}

type mockExecutor struct {
	executeFunc func(patchHandle, testHandle, test string) (*sandbox.ExecutionResult, error)
	calls       []execCall
}

func (m *mockExecutor) ExecuteCached(_ context.Context, patchHandle, testHandle, test string, _ []extract.Modification) (*sandbox.ExecutionResult, error) {
	m.calls = append(m.calls, execCall{patchHandle: patchHandle, testHandle: testHandle})
	if m.executeFunc != nil {
		return m.executeFunc(patchHandle, testHandle, test)
	}
	return &sandbox.ExecutionResult{Stdout: "ran " + testHandle, Stderr: "Traceback", ReturnCode: 1}, nil
}

type mockApplier struct {
	applyFunc func(mods []extract.Modification) (*sandbox.PatchReport, error)
	calls     int
}

func (m *mockApplier) TryPatch(_ context.Context, mods []extract.Modification) (*sandbox.PatchReport, error) {
	m.calls++
	if m.applyFunc != nil {
		return m.applyFunc(mods)
	}
	return &sandbox.PatchReport{Applicable: true, Diff: "--- a/" + mods[0].File}, nil
}

type mockExperiences struct {
	collectFunc func(selfIssue string, kind experience.Kind, view experience.View) ([]experience.Record, error)
}

func (m *mockExperiences) Collect(selfIssue string, kind experience.Kind, view experience.View) ([]experience.Record, error) {
	if m.collectFunc != nil {
		return m.collectFunc(selfIssue, kind, view)
	}
	return nil, nil
}

// =============================================================================
// FIXTURES
// =============================================================================

// scriptResponse wraps body as the one extractable script block of a
// response.
func scriptResponse(body string) string {
	return "Reasoning first.\n```python\n" + body + "\n```"
}

// patchResponse wraps one modification stanza targeting file.
func patchResponse(file, patched string) string {
	return "### Phase 1: the slice path rebuilds the index naively.\n" +
		"# modification 1\n" +
		"<file>" + file + "</file>\n" +
		"<original>return a - b</original>\n" +
		"<patched>" + patched + "</patched>\n"
}

// suggestionResponse wraps a parseable analysis/advice pair.
func suggestionResponse(advice string) string {
	return "<analysis>\nthe patch only covers the getter\n</analysis>\n<advice>\n" + advice + "\n</advice>"
}

func startTestSession(t *testing.T, deps TestDeps) *TestSession {
	t.Helper()
	if deps.Experiences == nil {
		deps.Experiences = &mockExperiences{}
	}
	task := Task{Dir: t.TempDir(), Repo: "acme/widgets", Issue: issueText}
	s, err := NewTestSession(config.DefaultConfig(), task, deps)
	if err != nil {
		t.Fatalf("NewTestSession() error = %v", err)
	}
	return s
}

func startPatchSession(t *testing.T, deps PatchDeps) *PatchSession {
	t.Helper()
	if deps.Experiences == nil {
		deps.Experiences = &mockExperiences{}
	}
	task := Task{Dir: t.TempDir(), Repo: "acme/widgets", Issue: issueText, Context: "File: pkg/calc.py\ndef add(a, b): ..."}
	s, err := NewPatchSession(config.DefaultConfig(), task, deps)
	if err != nil {
		t.Fatalf("NewPatchSession() error = %v", err)
	}
	return s
}
