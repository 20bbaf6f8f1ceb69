// Package artifacts owns the files a repair attempt leaves in its task
// directory: per-candidate diffs, execution snapshots, the emitted result
// stream, and the patch experience log. Sessions write their own debug
// artifacts (raw responses, extracted scripts); everything the round loop
// produces goes through here.
package artifacts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mendloop/internal/experience"
	"mendloop/internal/logging"
	"mendloop/internal/sandbox"
)

// ResultFile is the emitted artifact stream: one line per candidate ever
// generated in the attempt.
const ResultFile = "result.jsonl"

// DifferentialRun is one differential test executed against an emitted
// candidate.
type DifferentialRun struct {
	Test   string `json:"test"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Result is one emitted candidate: its diff, the verification run recorded
// against it (empty strings on the degraded path), and the differential
// battery.
type Result struct {
	PatchContent string            `json:"patch_content"`
	ReproStdout  string            `json:"repro_stdout"`
	ReproStderr  string            `json:"repro_stderr"`
	Differential []DifferentialRun `json:"differential_test"`
}

// Writer persists attempt artifacts into one task directory.
type Writer struct {
	dir string
}

// NewWriter returns a writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create task dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dir returns the task directory the writer serves.
func (w *Writer) Dir() string { return w.dir }

// PatchFile names the diff artifact for one candidate index. Expanded and
// compressed siblings carry their own prefix but share the index sequence,
// so no two candidates ever collide.
func PatchFile(index int, expand bool) string {
	if expand {
		return fmt.Sprintf("extracted_expand_patch_%d.diff", index)
	}
	return fmt.Sprintf("extracted_patch_%d.diff", index)
}

// SavePatch writes one candidate diff.
func (w *Writer) SavePatch(index int, expand bool, diff string) error {
	name := PatchFile(index, expand)
	if err := os.WriteFile(filepath.Join(w.dir, name), []byte(diff), 0o644); err != nil {
		return fmt.Errorf("artifacts: save %s: %w", name, err)
	}
	logging.ArtifactsDebug("saved %s (%d bytes)", name, len(diff))
	return nil
}

// SaveExecution snapshots one execution result under its cache coordinates.
// The round loop records the baseline as (EMPTY, test handle); the snapshot
// is what resumed attempts and reports read back.
func (w *Writer) SaveExecution(patchHandle, testHandle string, result *sandbox.ExecutionResult) error {
	data, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return fmt.Errorf("artifacts: marshal execution: %w", err)
	}
	name := fmt.Sprintf("execution_%s_%s.json", patchHandle, testHandle)
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("artifacts: save %s: %w", name, err)
	}
	logging.ArtifactsDebug("saved %s", name)
	return nil
}

// WriteResults replaces the result stream with one line per record.
func (w *Writer) WriteResults(records []Result) error {
	var b strings.Builder
	for _, rec := range records {
		if rec.Differential == nil {
			rec.Differential = []DifferentialRun{}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("artifacts: marshal result: %w", err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	path := filepath.Join(w.dir, ResultFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("artifacts: write %s: %w", ResultFile, err)
	}

	tests := 0
	if len(records) > 0 {
		tests = len(records[0].Differential)
	}
	logging.Artifacts("emitted %d candidates x %d differential tests to %s", len(records), tests, path)
	logging.Audit().ArtifactEmit(path, fmt.Sprintf("%d", len(records)), tests)
	return nil
}

// WriteExperiences replaces the patch experience log with the attempt's
// refinement chain. Only successful attempts call this; a chain that never
// reached success teaches nothing the transition filter can use.
func (w *Writer) WriteExperiences(issue string, records []experience.Record) error {
	return experience.WriteLog(experience.LogPath(w.dir, experience.KindPatch), issue, records)
}

// ReadResults loads the emitted result stream from a task directory.
func ReadResults(dir string) ([]Result, error) {
	f, err := os.Open(filepath.Join(dir, ResultFile))
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", ResultFile, err)
	}
	defer f.Close()

	var out []Result
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<22)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Result
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("artifacts: parse result line: %w", err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", ResultFile, err)
	}
	return out, nil
}
