package sandbox

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// DiffStats summarizes a unified diff for reporting. Stats are
// informational only: a diff that fails to parse yields zero stats, never a
// rejection.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// ParseDiffStats counts files and changed lines in a unified diff.
func ParseDiffStats(patch string) DiffStats {
	var stats DiffStats
	if strings.TrimSpace(patch) == "" {
		return stats
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return DiffStats{}
	}

	stats.FilesChanged = len(fileDiffs)
	for _, fd := range fileDiffs {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					stats.LinesAdded++
				} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
					stats.LinesRemoved++
				}
			}
		}
	}
	return stats
}

// ChangedFiles lists the paths touched by a unified diff, with the git a/
// and b/ prefixes stripped. A parse failure yields nil.
func ChangedFiles(patch string) []string {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil
	}
	var files []string
	for _, fd := range fileDiffs {
		name := fd.NewName
		if name == "" || name == "/dev/null" {
			name = fd.OrigName
		}
		name = strings.TrimPrefix(name, "a/")
		name = strings.TrimPrefix(name, "b/")
		files = append(files, name)
	}
	return files
}
