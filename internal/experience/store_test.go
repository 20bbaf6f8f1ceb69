package experience

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mustAppend(t *testing.T, taskDir string, kind Kind, issue string, records []Record) {
	t.Helper()
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := AppendLog(LogPath(taskDir, kind), issue, records); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
}

func TestAppendLog_AppendsLines(t *testing.T) {
	dir := t.TempDir()
	path := LogPath(dir, KindTest)

	recs := []Record{{OldArtifact: "", NewArtifact: "t1", NewVerdict: VerdictSuccess}}
	if err := AppendLog(path, "issue one", recs); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
	if err := AppendLog(path, "issue one", recs); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log has %d lines, want 2", len(lines))
	}

	var line logLine
	if err := json.Unmarshal([]byte(lines[0]), &line); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if line.IssueDescription != "issue one" || len(line.Exps) != 1 {
		t.Fatalf("line = %+v", line)
	}
	if _, err := time.Parse(timeFormat, line.Time); err != nil {
		t.Fatalf("time %q does not match layout %q", line.Time, timeFormat)
	}
}

func TestStore_Collect(t *testing.T) {
	root := t.TempDir()
	runs := filepath.Join(root, "run-1")
	store := NewStore(runs, "astropy")

	selfIssue := "  the current task issue  "

	mustAppend(t, filepath.Join(runs, "task-a"), KindTest, "sibling issue a", []Record{
		{OldArtifact: "", OldVerdict: VerdictUnknown, NewArtifact: "testA", NewOutcome: "repro", NewVerdict: VerdictSuccess},
	})
	mustAppend(t, filepath.Join(runs, "task-b"), KindTest, "sibling issue b", []Record{
		{OldArtifact: "bad", OldOutcome: "crash", OldVerdict: VerdictConfirmedFailure, NewArtifact: "testB", NewVerdict: VerdictSuccess},
	})
	// The task's own line must be excluded by trimmed issue match.
	mustAppend(t, filepath.Join(runs, "task-self"), KindTest, "the current task issue", []Record{
		{OldArtifact: "", NewArtifact: "self", NewVerdict: VerdictSuccess},
	})

	// A half-written line must be skipped without failing the scan.
	corrupt := filepath.Join(runs, "task-b")
	f, err := os.OpenFile(LogPath(corrupt, KindTest), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"time": "2025-01-01 00:00:00", "issue_desc`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	kb, err := store.Collect(selfIssue, KindTest, ViewInitial)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(kb) != 1 {
		t.Fatalf("Collect() = %d records, want 1 initial-view record", len(kb))
	}
	if kb[0].NewArtifact != "testA" {
		t.Fatalf("kb[0].NewArtifact = %q, want testA", kb[0].NewArtifact)
	}
	if kb[0].IssueDescription != "sibling issue a" {
		t.Fatalf("kb[0].IssueDescription = %q, want the sibling line's issue", kb[0].IssueDescription)
	}

	// The shared file carries the full pool, before the view filter.
	shared, err := os.ReadFile(store.SharedPath(KindTest))
	if err != nil {
		t.Fatalf("shared file: %v", err)
	}
	poolLines := strings.Split(strings.TrimSpace(string(shared)), "\n")
	if len(poolLines) != 2 {
		t.Fatalf("shared pool has %d lines, want 2", len(poolLines))
	}

	feedback, err := store.Collect(selfIssue, KindTest, ViewFeedback)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(feedback) != 1 || feedback[0].NewArtifact != "testB" {
		t.Fatalf("feedback view = %+v, want the task-b repair", feedback)
	}
}

func TestStore_Collect_PairsChainWithFirstSuccess(t *testing.T) {
	root := t.TempDir()
	runs := filepath.Join(root, "run-1")
	store := NewStore(runs, "astropy")

	// One sibling that failed twice before landing a working test.
	mustAppend(t, filepath.Join(runs, "task-chain"), KindTest, "sibling issue", []Record{
		{OldArtifact: "", OldVerdict: VerdictUnknown, NewArtifact: "t1", NewOutcome: "crash", NewVerdict: VerdictFailure},
		{OldArtifact: "t1", OldOutcome: "crash", OldVerdict: VerdictConfirmedFailure, NewArtifact: "t2", NewOutcome: "wrong", NewVerdict: VerdictFailure},
		{OldArtifact: "t2", OldOutcome: "wrong", OldVerdict: VerdictConfirmedFailure, NewArtifact: "t3", NewOutcome: "repro", NewVerdict: VerdictSuccess},
	})

	kb, err := store.Collect("another issue", KindTest, ViewInitial)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	// The initial view sees exactly one record: the from-nothing start
	// paired with the chain's final fix.
	want := []Record{{
		IssueDescription: "sibling issue",
		OldArtifact:      "",
		OldVerdict:       VerdictUnknown,
		NewArtifact:      "t3",
		NewOutcome:       "repro",
		NewVerdict:       VerdictSuccess,
	}}
	if diff := cmp.Diff(want, kb); diff != "" {
		t.Errorf("Collect() mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Collect_ToleratesMissingLogs(t *testing.T) {
	root := t.TempDir()
	runs := filepath.Join(root, "run-1")
	if err := os.MkdirAll(filepath.Join(runs, "task-empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// A stray regular file in the runs dir must be ignored.
	if err := os.WriteFile(filepath.Join(runs, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := NewStore(runs, "astropy")
	kb, err := store.Collect("issue", KindPatch, ViewFeedback)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(kb) != 0 {
		t.Fatalf("Collect() = %d records, want 0", len(kb))
	}
	if _, err := os.Stat(store.SharedPath(KindPatch)); err != nil {
		t.Fatalf("shared file not written: %v", err)
	}
}
