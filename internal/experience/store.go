package experience

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mendloop/internal/logging"
)

// timeFormat matches the layout already present in persisted logs.
const timeFormat = "2006-01-02 15:04:05"

// logLine is one appended entry: a task's full transition history for one
// artifact kind at the moment of writing.
type logLine struct {
	Time             string   `json:"time"`
	IssueDescription string   `json:"issue_description"`
	Exps             []Record `json:"exps"`
}

// LogPath returns the per-task experience log for kind inside taskDir.
func LogPath(taskDir string, kind Kind) string {
	return filepath.Join(taskDir, string(kind)+"_experiences.jsonl")
}

// AppendLog appends one line holding records to the log at path. Existing
// lines are never touched; the aggregation side reconciles duplicates.
func AppendLog(path, issue string, records []Record) error {
	line := logLine{
		Time:             time.Now().Format(timeFormat),
		IssueDescription: issue,
		Exps:             records,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("experience: marshal log line: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("experience: open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("experience: append log: %w", err)
	}
	logging.ExperienceDebug("appended %d records to %s", len(records), path)
	return nil
}

// WriteLog replaces the log at path with a single line holding records. The
// patch round loop uses it at termination: the line carries the attempt's
// whole refinement chain, and a re-run replaces the chain instead of
// stacking a second copy of it.
func WriteLog(path, issue string, records []Record) error {
	line := logLine{
		Time:             time.Now().Format(timeFormat),
		IssueDescription: issue,
		Exps:             records,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("experience: marshal log line: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("experience: write log: %w", err)
	}
	logging.ExperienceDebug("wrote %d records to %s", len(records), path)
	return nil
}

// ReadLog returns every record in the log at path, line order preserved.
// Record issue descriptions are filled from their line.
func ReadLog(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("experience: read log: %w", err)
	}
	var out []Record
	for _, raw := range strings.Split(string(data), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var line logLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("experience: parse log line: %w", err)
		}
		for _, rec := range line.Exps {
			rec.IssueDescription = line.IssueDescription
			out = append(out, rec)
		}
	}
	return out, nil
}

// =============================================================================
// CROSS-TASK AGGREGATION
// =============================================================================

// Store aggregates experience logs across every task directory of one run
// tree into per-kind shared knowledge base files.
type Store struct {
	// RunsDir holds one subdirectory per task.
	RunsDir string
	// Repo labels the shared knowledge base files.
	Repo string
}

// NewStore returns a store over runsDir for the given repository label.
func NewStore(runsDir, repo string) *Store {
	return &Store{RunsDir: runsDir, Repo: repo}
}

// SharedPath returns the aggregated knowledge base file for kind. It sits
// beside the runs directory so successive runs against the same repository
// overwrite one well-known location.
func (s *Store) SharedPath(kind Kind) string {
	name := fmt.Sprintf("%s_%s_experiences.jsonl", s.Repo, kind)
	return filepath.Join(filepath.Dir(s.RunsDir), name)
}

// Collect rebuilds the shared knowledge base for kind and returns the
// records admitted by view. Every sibling task's log is rescanned; lines
// whose issue text matches selfIssue are excluded so a task never retrieves
// its own history. Sibling logs that are missing or contain half-written
// lines are skipped, not fatal: another process may be appending right now.
func (s *Store) Collect(selfIssue string, kind Kind, view View) ([]Record, error) {
	timer := logging.StartTimer(logging.CategoryExperience, "collect_"+string(kind))

	entries, err := os.ReadDir(s.RunsDir)
	if err != nil {
		return nil, fmt.Errorf("experience: scan runs dir: %w", err)
	}

	selfKey := strings.TrimSpace(selfIssue)
	var pool []Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := LogPath(filepath.Join(s.RunsDir, entry.Name()), kind)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, raw := range strings.Split(string(data), "\n") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			var line logLine
			if err := json.Unmarshal([]byte(raw), &line); err != nil {
				logging.ExperienceWarn("skipping unparsable line in %s: %v", path, err)
				continue
			}
			if strings.TrimSpace(line.IssueDescription) == selfKey {
				continue
			}
			for _, rec := range FilterTransitions(line.Exps) {
				rec.IssueDescription = line.IssueDescription
				pool = append(pool, rec)
			}
		}
	}

	if err := s.writeShared(kind, pool); err != nil {
		return nil, err
	}

	kb := make([]Record, 0, len(pool))
	for _, rec := range pool {
		if view == nil || view(rec) {
			kb = append(kb, rec)
		}
	}

	elapsed := timer.Stop()
	logging.Experience("%s knowledge base: %d transitions pooled, %d in view", kind, len(pool), len(kb))
	logging.Audit().KBRebuild(string(kind), len(kb), elapsed.Milliseconds())
	return kb, nil
}

// writeShared rewrites the shared file from scratch with the pooled
// transitions. Truncation is deliberate: the pool is recomputed per query
// and stale lines from removed tasks must not survive.
func (s *Store) writeShared(kind Kind, records []Record) error {
	var buf bytes.Buffer
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("experience: marshal shared record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(s.SharedPath(kind), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("experience: write shared knowledge base: %w", err)
	}
	return nil
}
