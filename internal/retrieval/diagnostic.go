package retrieval

import (
	"regexp"
	"strings"
)

// =============================================================================
// DIAGNOSTIC PREPROCESSING
// =============================================================================

var (
	// summaryBlockRe matches the verdict summary the sandbox appends to
	// reproduction transcripts. It carries no diagnostic signal.
	summaryBlockRe = regexp.MustCompile(`Summary:\nNumber of test cases confirming the issue exists: \d+\nTotal number of test cases: \d+\n?`)

	// frameRe recognizes a stack frame header line.
	frameRe = regexp.MustCompile(`^File "(.*?)", line (\d+), in (.+)$`)
)

// PrepareDiagnostic reduces an execution transcript to the part that
// identifies the failure. The appended summary block is always removed.
// When the transcript holds a traceback, everything up to and including its
// innermost frame header is cut away, leaving the raising line and the
// exception message. Transcripts without a recognizable traceback pass
// through unchanged.
func PrepareDiagnostic(outcome string) string {
	outcome = summaryBlockRe.ReplaceAllString(outcome, "")
	if !strings.Contains(outcome, "Traceback") {
		return outcome
	}
	frame := ""
	lines := strings.Split(outcome, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); strings.HasPrefix(trimmed, "File") {
			frame = trimmed
			break
		}
	}
	if frame == "" || !frameRe.MatchString(frame) {
		return outcome
	}
	idx := strings.LastIndex(outcome, frame)
	return outcome[idx+len(frame):]
}
