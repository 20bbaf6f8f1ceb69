// Package review drives the verdict stages of a repair attempt: judging
// whether an executed test actually reproduces the issue, ranking a batch of
// candidate patches against their runs, and collecting reviewer critiques of
// a rejected candidate for the next refinement round.
package review

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"mendloop/internal/config"
	"mendloop/internal/extract"
	"mendloop/internal/logging"
	"mendloop/internal/oracle"
	"mendloop/internal/sandbox"
)

// Trial pairs one candidate patch with the reproduction run recorded
// against it.
type Trial struct {
	Patch string
	Run   *sandbox.ExecutionResult
}

// Reviewer issues review requests against the configured review model and
// parses their tagged verdicts.
type Reviewer struct {
	oc          oracle.Oracle
	repo        string
	cfg         config.RepairConfig
	reviewModel string
}

// New builds a reviewer for one repository.
func New(cfg *config.Config, repo string, oc oracle.Oracle) *Reviewer {
	return &Reviewer{
		oc:          oc,
		repo:        repo,
		cfg:         cfg.Repair,
		reviewModel: cfg.Oracle.ReviewModelOrDefault(),
	}
}

// =============================================================================
// REPRODUCTION JUDGING
// =============================================================================

// JudgeReproduction asks whether an executed test script genuinely
// demonstrates the reported issue. The thread replays the tester's
// conversation: the issue, the script as the tester's own answer, then the
// execution transcript with the verdict request. Responses that never parse
// within the retry budget come back as a malformed-response error so the
// caller can decide whether the attempt still counts.
func (r *Reviewer) JudgeReproduction(ctx context.Context, issue, test string, result *sandbox.ExecutionResult) (extract.Judgment, error) {
	req := oracle.Request{
		Purpose: "judge_reproduction",
		System:  fmt.Sprintf(testerSystemPromptFmt, r.repo),
		History: []oracle.Turn{
			{Role: oracle.RoleUser, Content: issueDescriptionIntro(issue)},
			{Role: oracle.RoleAssistant, Content: testScriptBlock(test)},
		},
		Prompt: judgeInstructions(result),
		Model:  r.reviewModel,
	}

	for try := 0; try < r.cfg.JudgeRetries; try++ {
		resp, err := r.oc.Complete(ctx, req)
		if err != nil {
			return extract.Judgment{}, fmt.Errorf("review: judge_reproduction: %w", err)
		}
		judgment, err := extract.ParseJudgment(resp.Text)
		if err != nil {
			logging.Review("judge verdict (%d/%d): %v", try+1, r.cfg.JudgeRetries, err)
			continue
		}
		logging.ReviewDebug("judge verdict: %s", judgment.Verdict)
		return judgment, nil
	}
	return extract.Judgment{}, &extract.MalformedError{
		Reason: fmt.Sprintf("no judge verdict within %d attempts", r.cfg.JudgeRetries),
	}
}

// =============================================================================
// CANDIDATE SELECTION
// =============================================================================

// SelectBest ranks a batch of candidate trials and identifies which fully
// resolve the issue. The reviewer sees the test with its baseline run and
// every candidate with its run, numbered in trial order; the returned
// selection indexes that order. A selection naming indices outside the batch
// is treated as malformed and re-asked.
func (r *Reviewer) SelectBest(ctx context.Context, issue, test string, baseline *sandbox.ExecutionResult, trials []Trial) (extract.Selection, error) {
	req := oracle.Request{
		Purpose: "select_best",
		System:  fmt.Sprintf(selectSystemPromptFmt, r.repo),
		History: []oracle.Turn{
			{Role: oracle.RoleUser, Content: issueIntro(issue)},
			{Role: oracle.RoleUser, Content: candidatesReport(test, baseline, trials)},
		},
		Prompt: selectInstructions,
		Model:  r.reviewModel,
	}

	for try := 0; try < r.cfg.SelectRetries; try++ {
		resp, err := r.oc.Complete(ctx, req)
		if err != nil {
			return extract.Selection{}, fmt.Errorf("review: select_best: %w", err)
		}
		sel, err := extract.ParseSelection(resp.Text)
		if err != nil {
			logging.Review("selection (%d/%d): %v", try+1, r.cfg.SelectRetries, err)
			continue
		}
		if err := validateSelection(sel, len(trials)); err != nil {
			logging.Review("selection (%d/%d): %v", try+1, r.cfg.SelectRetries, err)
			continue
		}
		logging.Audit().PatchSelection(strconv.Itoa(sel.Rank[0]), sel.Rank, sel.Correct)
		return sel, nil
	}
	return extract.Selection{}, &extract.MalformedError{
		Reason: fmt.Sprintf("no usable selection within %d attempts", r.cfg.SelectRetries),
	}
}

func validateSelection(sel extract.Selection, n int) error {
	if len(sel.Rank) == 0 {
		return fmt.Errorf("empty rank list over %d candidates", n)
	}
	for _, idx := range sel.Rank {
		if idx < 0 || idx >= n {
			return fmt.Errorf("rank index %d out of range for %d candidates", idx, n)
		}
	}
	for _, idx := range sel.Correct {
		if idx < 0 || idx >= n {
			return fmt.Errorf("correct index %d out of range for %d candidates", idx, n)
		}
	}
	return nil
}

// =============================================================================
// REJECTION ANALYSIS
// =============================================================================

// AnalyzeRejected collects independent critiques of a candidate the
// selection stage turned down. Each reviewer slot sees the identical thread
// (issue, collected code context when present, the test's baseline run, the
// candidate's run) and answers alone; a slot whose responses never parse is
// skipped rather than failing the stage, so the result may hold fewer
// critiques than slots. An empty code context omits that turn.
func (r *Reviewer) AnalyzeRejected(ctx context.Context, issue, codeContext, test string, baseline *sandbox.ExecutionResult, trial Trial) ([]extract.Critique, error) {
	history := []oracle.Turn{
		{Role: oracle.RoleUser, Content: issueIntro(issue)},
	}
	if codeContext != "" {
		history = append(history, oracle.Turn{Role: oracle.RoleUser, Content: locationsIntro(codeContext)})
	}
	history = append(history, oracle.Turn{
		Role:    oracle.RoleUser,
		Content: rejectedTrialReport(test, baseline, trial),
	})

	req := oracle.Request{
		Purpose: "analyze_patch",
		System:  fmt.Sprintf(analyzeSystemPromptFmt, r.repo),
		History: history,
		Prompt:  analyzeInstructions,
	}

	// Two passes from the generation model bracket two from the review
	// model; disagreement between the four produces the spread of
	// refinement directions the next round draws from.
	models := []string{"", r.reviewModel, r.reviewModel, ""}
	var critiques []extract.Critique
	for slot, model := range models {
		crit, ok, err := r.analyzePass(ctx, req, model, slot)
		if err != nil {
			return nil, err
		}
		if ok {
			critiques = append(critiques, crit)
		}
	}
	logging.Review("rejection analysis: %d of %d reviewer slots parsed", len(critiques), len(models))
	return critiques, nil
}

func (r *Reviewer) analyzePass(ctx context.Context, req oracle.Request, model string, slot int) (extract.Critique, bool, error) {
	req.Model = model
	for try := 0; try < r.cfg.AnalysisRetries; try++ {
		resp, err := r.oc.Complete(ctx, req)
		if err != nil {
			return extract.Critique{}, false, fmt.Errorf("review: analyze_patch: %w", err)
		}
		crit, err := extract.ParseCritique(resp.Text)
		if err != nil {
			logging.Review("analysis slot %d (%d/%d): %v", slot, try+1, r.cfg.AnalysisRetries, err)
			continue
		}
		return crit, true, nil
	}
	return extract.Critique{}, false, nil
}

// =============================================================================
// DEDUPLICATION
// =============================================================================

// DedupTrials drops trials whose patch text repeats an earlier trial's,
// comparing trimmed content and keeping first occurrences in order.
func DedupTrials(trials []Trial) []Trial {
	seen := make(map[string]struct{}, len(trials))
	var out []Trial
	for _, tr := range trials {
		key := strings.TrimSpace(tr.Patch)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tr)
	}
	return out
}

// DedupPatches is DedupTrials over bare patch texts.
func DedupPatches(patches []string) []string {
	seen := make(map[string]struct{}, len(patches))
	var out []string
	for _, p := range patches {
		key := strings.TrimSpace(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
