package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mendloop/internal/artifacts"
	"mendloop/internal/rounds"
)

func TestLoadTasks_BuildsOneTaskPerIssue(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "widgets-101.md"), "Serializer drops the timezone.\n")
	writeFile(t, filepath.Join(dir, "widgets-102.md"), "Pickling a masked column panics.")

	restore := setRunFlags(t, []string{
		filepath.Join(dir, "widgets-101.md"),
		filepath.Join(dir, "widgets-102.md"),
	}, filepath.Join(dir, "runs"))
	defer restore()

	tasks, err := loadTasks("widgets")
	if err != nil {
		t.Fatalf("loadTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Issue != "Serializer drops the timezone." {
		t.Fatalf("issue not trimmed: %q", tasks[0].Issue)
	}
	if tasks[0].Repo != "widgets" {
		t.Fatalf("repo label = %q", tasks[0].Repo)
	}
	if filepath.Base(tasks[1].Dir) != "widgets-102" {
		t.Fatalf("task dir = %q", tasks[1].Dir)
	}
	for _, task := range tasks {
		if info, err := os.Stat(task.Dir); err != nil || !info.IsDir() {
			t.Fatalf("task dir %s was not created: %v", task.Dir, err)
		}
	}
}

func TestLoadTasks_RejectsEmptyIssue(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blank.md"), "   \n\n")

	restore := setRunFlags(t, []string{filepath.Join(dir, "blank.md")}, filepath.Join(dir, "runs"))
	defer restore()

	if _, err := loadTasks("widgets"); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty-issue error, got %v", err)
	}
}

func TestLoadTasks_RejectsStemCollision(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "a", "issue.md"), "one issue")
	writeFile(t, filepath.Join(dir, "b", "issue.md"), "another issue")

	restore := setRunFlags(t, []string{
		filepath.Join(dir, "a", "issue.md"),
		filepath.Join(dir, "b", "issue.md"),
	}, filepath.Join(dir, "runs"))
	defer restore()

	if _, err := loadTasks("widgets"); err == nil || !strings.Contains(err.Error(), "collide") {
		t.Fatalf("expected collision error, got %v", err)
	}
}

func TestSummarize_ReportsEveryOutcome(t *testing.T) {
	outcomes := []attemptOutcome{
		{name: "task_0", emission: &rounds.Emission{Success: true, Passes: 2, Records: make([]rounds.Record, 4)}},
		{name: "task_1", emission: &rounds.Emission{Records: make([]rounds.Record, 6)}},
		{name: "task_2", emission: &rounds.Emission{Degraded: true, Records: make([]rounds.Record, 3)}},
		{name: "task_3", err: io.ErrUnexpectedEOF},
		{name: "task_4", err: context.Canceled},
	}

	var err error
	output := captureOutput(t, func() {
		err = summarize(outcomes)
	})

	if err == nil || !strings.Contains(err.Error(), "2 of 5") {
		t.Fatalf("expected 2 of 5 failures, got %v", err)
	}
	for _, want := range []string{
		"task_0: patch accepted (4 candidates, 2 review passes)",
		"task_1: no accepted patch, 6 candidates kept",
		"task_2: degraded, 3 unverified candidates kept",
		"task_3: failed: unexpected EOF",
		"task_4: cancelled",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("summary missing %q in:\n%s", want, output)
		}
	}
}

func TestSummarize_AllCompletedIsClean(t *testing.T) {
	outcomes := []attemptOutcome{
		{name: "task_0", emission: &rounds.Emission{Success: true}},
		{name: "task_1", emission: &rounds.Emission{}},
	}
	captureOutput(t, func() {
		if err := summarize(outcomes); err != nil {
			t.Fatalf("summarize: %v", err)
		}
	})
}

func TestDescribeArtifact_KnownShapes(t *testing.T) {
	dir := t.TempDir()
	w, err := artifacts.NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteResults([]artifacts.Result{{PatchContent: "patch alpha"}}); err != nil {
		t.Fatalf("WriteResults: %v", err)
	}

	cases := []struct {
		path string
		want string
	}{
		{filepath.Join(dir, artifacts.ResultFile), "result stream rewritten: 1 candidates"},
		{filepath.Join(dir, "extracted_patch_0.diff"), "candidate staged: extracted_patch_0.diff"},
		{filepath.Join(dir, "execution_EMPTY_3.json"), "execution snapshot: execution_EMPTY_3.json"},
		{filepath.Join(dir, "patch_experiences.jsonl"), "experience log written: patch_experiences.jsonl"},
		{filepath.Join(dir, "test_session.json"), "session state saved: test_session.json"},
		{filepath.Join(dir, "notes.txt"), "notes.txt"},
	}
	for _, tc := range cases {
		if got := describeArtifact(tc.path); !strings.Contains(got, tc.want) {
			t.Fatalf("describeArtifact(%s) = %q, want substring %q", tc.path, got, tc.want)
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  one line\nsecond line  "); got != "one line" {
		t.Fatalf("firstLine = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := firstLine(long); len(got) != 99 || !strings.HasSuffix(got, "...") {
		t.Fatalf("long line not truncated: %q", got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func setRunFlags(t *testing.T, issues []string, runs string) func() {
	t.Helper()
	prevIssues, prevRuns := runIssues, runRuns
	prevRegression, prevLocations := runRegression, runLocations
	runIssues, runRuns = issues, runs
	runRegression, runLocations = "", ""
	return func() {
		runIssues, runRuns = prevIssues, prevRuns
		runRegression, runLocations = prevRegression, prevLocations
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = orig
	return <-done
}
