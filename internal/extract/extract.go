// Package extract turns raw oracle responses into the structured artifacts
// the repair loop runs on: candidate test scripts, patch modification
// stanzas, judge verdicts, critiques, and patch selections. Parsers are
// strict. A response that does not carry the requested structure yields a
// *MalformedError so the calling loop can decide between re-asking and
// giving up.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MalformedError reports an oracle response missing the structured section a
// caller asked for. Propose and review loops branch on it with errors.As to
// tell a retryable formatting failure from a hard one.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed response: " + e.Reason
}

func malformedf(format string, args ...any) *MalformedError {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// IsMalformed reports whether err has a *MalformedError in its chain.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// =============================================================================
// FENCED CODE BLOCKS
// =============================================================================

// fenceLine matches a line whose first non-blank characters are a code
// fence. Openers and closers share the prefix; the scanner state decides
// which role a fence line plays.
var fenceLine = regexp.MustCompile("^\\s*```")

// CodeBlocks returns the body of every fenced code block in response, in
// order. The scan is line based: a fence line outside a block opens one, the
// next fence line closes it, and the lines between them form the body with
// their line endings intact. An unterminated fence contributes nothing.
func CodeBlocks(response string) []string {
	lines := strings.SplitAfter(response, "\n")

	var blocks []string
	inBlock := false
	start := 0
	for i, line := range lines {
		if !inBlock && fenceLine.MatchString(line) {
			inBlock = true
			start = i + 1
		} else if inBlock && fenceLine.MatchString(line) {
			inBlock = false
			blocks = append(blocks, strings.Join(lines[start:i], ""))
		}
	}
	return blocks
}

// TestScript pulls the candidate test script out of a proposal response.
//
// The response is accepted only when it is unambiguous about which block is
// the script: a single fenced block, a script followed by nothing but the
// `python3 reproducer.py` invocation, or several blocks where the first is
// tagged as python. Anything else is malformed and costs the proposal loop
// an attempt.
func TestScript(response string) (string, error) {
	blocks := CodeBlocks(response)

	switch {
	case len(blocks) == 1:
		return blocks[0], nil
	case len(blocks) == 2 && strings.TrimSpace(blocks[1]) == "python3 reproducer.py":
		return blocks[0], nil
	case len(blocks) >= 2 && firstFenceIsPython(response):
		return blocks[0], nil
	}
	if len(blocks) == 0 {
		return "", malformedf("response has no fenced code block")
	}
	return "", malformedf("cannot tell which of %d fenced blocks is the test script", len(blocks))
}

// firstFenceIsPython reports whether the first fence marker in response
// opens an explicitly python-tagged block.
func firstFenceIsPython(response string) bool {
	_, after, _ := strings.Cut(response, "```")
	return strings.HasPrefix(after, "python")
}

var (
	pythonBlockRe = regexp.MustCompile("(?s)```python(.*?)```")
	bareBlockRe   = regexp.MustCompile("(?s)```(.*?)```")
)

// LastScript returns the last python-tagged fenced block in response,
// falling back to the last fence-delimited span when no block carries the
// python tag. Refinement responses restate earlier scripts before the final
// revision, so the last block wins.
func LastScript(response string) (string, error) {
	for _, re := range []*regexp.Regexp{pythonBlockRe, bareBlockRe} {
		m := re.FindAllStringSubmatch(response, -1)
		if len(m) > 0 {
			return strings.TrimSpace(m[len(m)-1][1]), nil
		}
	}
	return "", malformedf("response has no fenced code block")
}

// =============================================================================
// MODIFICATION STANZAS
// =============================================================================

// Modification is one search-and-replace hunk of a candidate patch: the
// exact Original lines in File are swapped for the Patched lines. Stanza
// order is significant; hunks apply top to bottom against a clean checkout.
type Modification struct {
	File     string
	Original string
	Patched  string
}

var stanzaRe = regexp.MustCompile(`(?s)<file>(.*?)</file>\s*<original>(.*?)</original>\s*<patched>(.*?)</patched>`)

// ScanModifications collects every modification stanza in text, in order.
// File paths are trimmed. Snippet bodies keep their indentation and only
// shed the newlines separating them from the surrounding tags.
func ScanModifications(text string) []Modification {
	var mods []Modification
	for _, m := range stanzaRe.FindAllStringSubmatch(text, -1) {
		mods = append(mods, Modification{
			File:     strings.TrimSpace(m[1]),
			Original: strings.Trim(m[2], "\r\n"),
			Patched:  strings.Trim(m[3], "\r\n"),
		})
	}
	return mods
}

// PatchModifications extracts the modification stanzas of a patch proposal
// response. Refinement responses wrap the revised patch in <new_patch> tags
// while quoting the previous attempt verbatim in their analysis, so when the
// wrapper is present only its body is scanned.
func PatchModifications(response string) ([]Modification, error) {
	body := response
	if sections := NewPatchSections(response); len(sections) > 0 {
		body = strings.Join(sections, "\n")
	}
	mods := ScanModifications(body)
	if len(mods) == 0 {
		return nil, malformedf("response has no modification stanza")
	}
	return mods, nil
}

var newPatchRe = regexp.MustCompile("(?s)<new_patch>(.*?)</new_patch>")

// NewPatchSections returns the bodies of every <new_patch> section in
// response, in order.
func NewPatchSections(response string) []string {
	var sections []string
	for _, m := range newPatchRe.FindAllStringSubmatch(response, -1) {
		sections = append(sections, m[1])
	}
	return sections
}

// RenderModifications prints mods in the canonical stanza layout used for
// prompt feedback, persisted artifacts, and sandbox application. The output
// round-trips through ScanModifications.
func RenderModifications(mods []Modification) string {
	var b strings.Builder
	for i, mod := range mods {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# modification %d\n", i+1)
		fmt.Fprintf(&b, "<file>%s</file>\n", mod.File)
		fmt.Fprintf(&b, "<original>%s</original>\n", mod.Original)
		fmt.Fprintf(&b, "<patched>%s</patched>\n", mod.Patched)
	}
	return b.String()
}
