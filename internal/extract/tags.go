package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// TAGGED SECTIONS - judge verdicts, critiques, selections
// =============================================================================

var (
	testAnalysisRe  = tagRe("test_analysis")
	testCorrectRe   = tagRe("test_correct")
	testAdviceRe    = tagRe("test_advice")
	patchAnalysisRe = tagRe("patch_analysis")
	patchAdviceRe   = tagRe("patch_advice")
	analysisRe      = tagRe("analysis")
	adviceRe        = tagRe("advice")
)

func tagRe(tag string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)<` + tag + `>(.*?)</` + tag + `>`)
}

// firstGroup returns the trimmed first capture of re in text.
func firstGroup(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Judgment is the reproduction judge's structured answer to whether an
// execution actually demonstrates the reported issue.
type Judgment struct {
	Analysis string
	Verdict  string
	Advice   string
}

// Reproduces reports whether the judge accepted the execution as a genuine
// reproduction. Only the exact uppercase YES counts; every other verdict is
// a rejection.
func (j Judgment) Reproduces() bool { return j.Verdict == "YES" }

// ParseJudgment parses the reproduction judge's tagged response. All three
// sections must be present; a missing or unterminated tag makes the whole
// response malformed so the caller can re-ask.
func ParseJudgment(response string) (Judgment, error) {
	analysis, ok := firstGroup(testAnalysisRe, response)
	if !ok {
		return Judgment{}, malformedf("missing <test_analysis> section")
	}
	verdict, ok := firstGroup(testCorrectRe, response)
	if !ok {
		return Judgment{}, malformedf("missing <test_correct> section")
	}
	advice, ok := firstGroup(testAdviceRe, response)
	if !ok {
		return Judgment{}, malformedf("missing <test_advice> section")
	}
	return Judgment{Analysis: analysis, Verdict: verdict, Advice: advice}, nil
}

// Critique is a reviewer's analysis of a rejected candidate plus the advice
// fed back into the next proposal.
type Critique struct {
	Analysis string
	Advice   string
}

// ParseCritique parses a patch review tagged with <patch_analysis> and
// <patch_advice>. Reviewers regularly run out of tokens before closing the
// advice tag, so a lone opener is closed at end of text before parsing.
func ParseCritique(response string) (Critique, error) {
	return critique(response, "patch_analysis", "patch_advice", patchAnalysisRe, patchAdviceRe)
}

// ParseSuggestion parses the refinement suggestion tags <analysis> and
// <advice>, with the same unterminated-advice repair as ParseCritique.
func ParseSuggestion(response string) (Critique, error) {
	return critique(response, "analysis", "advice", analysisRe, adviceRe)
}

func critique(response, analysisTag, adviceTag string, analysisRe, adviceRe *regexp.Regexp) (Critique, error) {
	if strings.Contains(response, "<"+analysisTag+">") &&
		strings.Contains(response, "</"+analysisTag+">") &&
		strings.Contains(response, "<"+adviceTag+">") &&
		!strings.Contains(response, "</"+adviceTag+">") {
		response += "</" + adviceTag + ">"
	}

	analysis, ok := firstGroup(analysisRe, response)
	if !ok {
		return Critique{}, malformedf("missing <%s> section", analysisTag)
	}
	advice, ok := firstGroup(adviceRe, response)
	if !ok {
		return Critique{}, malformedf("missing <%s> section", adviceTag)
	}
	return Critique{Analysis: analysis, Advice: advice}, nil
}

// Selection is the reviewer's verdict over a candidate patch set. Rank
// orders candidate indices best first; Correct lists the indices the
// reviewer scored as fully resolving the issue. Indices are zero-based
// positions in the candidate list as shown to the reviewer.
type Selection struct {
	Rank    []int
	Correct []int
}

var (
	rankListRe    = regexp.MustCompile(`(?s)<rank_patch>\[(.*?)\]</rank_patch>`)
	correctListRe = regexp.MustCompile(`(?s)<correct_patch>\[(.*?)\]</correct_patch>`)
)

// ParseSelection parses the reviewer's <rank_patch> and <correct_patch>
// lists. Both must be present as bracketed integer lists; an empty list is
// valid and means no candidate qualified.
func ParseSelection(response string) (Selection, error) {
	rank, err := intList(rankListRe, response, "rank_patch")
	if err != nil {
		return Selection{}, err
	}
	correct, err := intList(correctListRe, response, "correct_patch")
	if err != nil {
		return Selection{}, err
	}
	return Selection{Rank: rank, Correct: correct}, nil
}

func intList(re *regexp.Regexp, text, tag string) ([]int, error) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil, malformedf("missing <%s> list", tag)
	}
	content := strings.TrimSpace(m[1])
	if content == "" {
		return []int{}, nil
	}
	var values []int
	for _, field := range strings.Split(content, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, malformedf("non-integer entry %q in <%s> list", strings.TrimSpace(field), tag)
		}
		values = append(values, n)
	}
	return values, nil
}
