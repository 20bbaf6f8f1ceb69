package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"mendloop/internal/config"
	"mendloop/internal/experience"
	"mendloop/internal/extract"
	"mendloop/internal/logging"
	"mendloop/internal/oracle"
	"mendloop/internal/retrieval"
	"mendloop/internal/sandbox"
)

// patchStateFile persists a patch session inside its task directory.
const patchStateFile = "patch_session.json"

// Applier rehearses candidate modifications against the pristine checkout
// without committing them.
type Applier interface {
	TryPatch(ctx context.Context, mods []extract.Modification) (*sandbox.PatchReport, error)
}

// PatchDeps bundles the collaborators a patch session drives.
type PatchDeps struct {
	Oracle      oracle.Oracle
	Applier     Applier
	Experiences Experiences
	Retriever   *retrieval.Retriever
}

// Candidate is one applicable patch: the response it was parsed from, the
// modification stanzas, and the unified diff they produce.
type Candidate struct {
	Slot     int
	Response string
	Mods     []extract.Modification
	Diff     string
}

// CandidateSet is one batch of applicable candidates sharing a request
// handle. The handle keys execution caching for the whole batch.
type CandidateSet struct {
	Handle     string
	Candidates []Candidate
}

// Rejection describes a candidate the reviewer turned down: the runs that
// condemned it and the reviewer's reasoning. Refine turns one into a new
// candidate.
type Rejection struct {
	Round    int
	Slot     int
	Test     string
	TestRun  *sandbox.ExecutionResult
	Patch    string
	PatchRun *sandbox.ExecutionResult
	Analysis string
	Advice   string
}

// PatchSession proposes candidate patches for one issue: temperature-fanned
// batches first, then expansion, compression, and refinement of earlier
// candidates as review verdicts come in.
type PatchSession struct {
	task        Task
	deps        PatchDeps
	cfg         config.RepairConfig
	reviewModel string
	state       *State
}

// NewPatchSession opens (or resumes) the patch session for task.
func NewPatchSession(cfg *config.Config, task Task, deps PatchDeps) (*PatchSession, error) {
	st, err := LoadState(filepath.Join(task.Dir, patchStateFile))
	if err != nil {
		return nil, err
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.New(nil)
	}
	return &PatchSession{
		task:        task,
		deps:        deps,
		cfg:         cfg.Repair,
		reviewModel: cfg.Oracle.ReviewModelOrDefault(),
		state:       st,
	}, nil
}

// State exposes the session ledger for resume inspection.
func (s *PatchSession) State() *State { return s.state }

func (s *PatchSession) save() error {
	return s.state.Save(filepath.Join(s.task.Dir, patchStateFile))
}

// =============================================================================
// CANDIDATE BATCHES
// =============================================================================

// ProposeSet fans one batch of CandidatePatches requests over the
// temperature schedule and keeps every response whose stanzas apply
// cleanly. The batch shares one request handle. A batch with no applicable
// candidate is retried from a fresh thread; spending PatchRetries batches
// without one returns ErrNoCandidate.
func (s *PatchSession) ProposeSet(ctx context.Context, test string, testResult *sandbox.ExecutionResult) (*CandidateSet, error) {
	for try := 0; try < s.cfg.PatchRetries; try++ {
		set, err := s.proposeBatch(ctx, test, testResult)
		if err != nil {
			return nil, err
		}
		if len(set.Candidates) > 0 {
			logging.Session("patch batch %s: %d of %d candidates applicable",
				set.Handle, len(set.Candidates), s.cfg.CandidatePatches)
			return set, nil
		}
		logging.Session("patch batch %s: nothing applicable (%d/%d)", set.Handle, try+1, s.cfg.PatchRetries)
	}
	logging.Session("no applicable patch within %d batches", s.cfg.PatchRetries)
	return nil, ErrNoCandidate
}

// ProposeSetWithoutTest is the degraded-path batch: no reproduction test
// was accepted, so candidates are written from the issue and code context
// alone.
func (s *PatchSession) ProposeSetWithoutTest(ctx context.Context) (*CandidateSet, error) {
	return s.ProposeSet(ctx, "", nil)
}

func (s *PatchSession) proposeBatch(ctx context.Context, test string, testResult *sandbox.ExecutionResult) (*CandidateSet, error) {
	t := s.contextThread(test, testResult)

	requirements := writePatchRequirements
	if test == "" {
		requirements = writePatchRequirementsNoTest
	}
	prefix, purpose := proposePatchPrefix, "propose_patch"
	for _, handle := range s.state.FeedbackHandles(s.cfg.FeedbackWindow) {
		feedbacks := s.state.Feedback[handle]
		if len(feedbacks) == 0 {
			logging.SessionDebug("patch %s has no feedback; skipping replay", handle)
			continue
		}
		t.assistant(s.state.Responses[handle])
		prefix, purpose = revisePatchPrefix, "revise_patch"
		for _, fb := range feedbacks {
			t.user(fb)
		}
	}
	t.user(prefix + requirements)

	system := fmt.Sprintf(patchSystemPromptFmt, s.task.Repo)
	responses := make([]string, s.cfg.CandidatePatches)
	for slot := range responses {
		req := t.request(purpose, system, "", s.cfg.TemperatureAt(slot))
		resp, err := s.deps.Oracle.Complete(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("session: %s: %w", purpose, err)
		}
		responses[slot] = resp.Text
	}

	handle := s.state.NextHandle()
	if err := s.save(); err != nil {
		return nil, err
	}

	set := &CandidateSet{Handle: handle}
	for slot, text := range responses {
		writeArtifact(s.task.Dir, fmt.Sprintf("response_%s_%d.md", handle, slot), text)
		cand, err := s.tryCandidate(ctx, text, slot, fmt.Sprintf("patch %s slot %d", handle, slot))
		if err != nil {
			return nil, err
		}
		if cand == nil {
			continue
		}
		writeArtifact(s.task.Dir, fmt.Sprintf("extracted_patch_%s_%d.diff", handle, slot), cand.Diff)
		set.Candidates = append(set.Candidates, *cand)
	}
	return set, nil
}

// contextThread assembles the shared preamble every patch request sees: the
// issue, the accepted reproduction when one exists, and the collected code
// context.
func (s *PatchSession) contextThread(test string, testResult *sandbox.ExecutionResult) *thread {
	t := &thread{}
	t.user(issueBlock(s.task.Issue))
	if test != "" {
		t.user(reproductionReport(test, testResult))
	}
	if s.task.Context != "" {
		t.user(codeContextPrompt(s.task.Context))
	}
	return t
}

// tryCandidate parses one response and rehearses its stanzas against the
// checkout. nil means the response contributes no candidate.
func (s *PatchSession) tryCandidate(ctx context.Context, response string, slot int, what string) (*Candidate, error) {
	mods, err := extract.PatchModifications(response)
	if err != nil {
		logging.Session("%s: %v", what, err)
		return nil, nil
	}
	report, err := s.deps.Applier.TryPatch(ctx, mods)
	if err != nil {
		return nil, err
	}
	if !report.Applicable {
		logging.Session("%s not applicable: %s", what, firstLine(report.Reason))
		return nil, nil
	}
	return &Candidate{Slot: slot, Response: response, Mods: mods, Diff: report.Diff}, nil
}

// =============================================================================
// EXPANSION AND COMPRESSION
// =============================================================================

// Expand reviews a passing candidate for comprehensiveness: missed edge
// cases, missing complementary changes, regression risks. Each reviewer
// suggestion is rewritten into a new candidate. An empty slice means no
// suggestion survived; that is not an error.
func (s *PatchSession) Expand(ctx context.Context, patch string) ([]Candidate, error) {
	return s.improve(ctx, patch, expandAnalysisPrompt, "expand_patch")
}

// Compress reviews a passing candidate for effectiveness and simplicity,
// steering toward smaller, more direct modifications.
func (s *PatchSession) Compress(ctx context.Context, patch string) ([]Candidate, error) {
	return s.improve(ctx, patch, compressAnalysisPrompt, "compress_patch")
}

func (s *PatchSession) improve(ctx context.Context, patch, analysisPrompt, prefix string) ([]Candidate, error) {
	block := candidatePatchBlock(patch)
	system := fmt.Sprintf(patchSystemPromptFmt, s.task.Repo)
	// One pass from the generation model, two from the review model.
	models := []string{"", s.reviewModel, s.reviewModel}

	for try := 0; try < s.cfg.PatchRetries; try++ {
		think := s.contextThread("", nil)
		think.user(block + analysisPrompt)

		var critiques []extract.Critique
		for _, model := range models {
			crit, ok, err := s.suggest(ctx, think, system, model, prefix)
			if err != nil {
				return nil, err
			}
			if ok {
				critiques = append(critiques, crit)
			}
		}

		var out []Candidate
		for slot, crit := range critiques {
			cand, err := s.rewrite(ctx, block, crit, slot, system, prefix)
			if err != nil {
				return nil, err
			}
			if cand != nil {
				out = append(out, *cand)
			}
		}
		if len(out) > 0 {
			logging.Session("%s: %d of %d suggestions became candidates", prefix, len(out), len(critiques))
			return out, nil
		}
		logging.Session("%s: no applicable rewrite (%d/%d)", prefix, try+1, s.cfg.PatchRetries)
	}
	return nil, nil
}

// suggest asks one reviewer slot for analysis and advice, retrying
// malformed responses. A slot that never parses is skipped.
func (s *PatchSession) suggest(ctx context.Context, t *thread, system, model, prefix string) (extract.Critique, bool, error) {
	for try := 0; try < s.cfg.AnalysisRetries; try++ {
		req := t.request(prefix+"_think", system, model, 0)
		resp, err := s.deps.Oracle.Complete(ctx, req)
		if err != nil {
			return extract.Critique{}, false, fmt.Errorf("session: %s: %w", prefix, err)
		}
		crit, err := extract.ParseSuggestion(resp.Text)
		if err != nil {
			logging.Session("%s suggestion (%d/%d): %v", prefix, try+1, s.cfg.AnalysisRetries, err)
			continue
		}
		return crit, true, nil
	}
	return extract.Critique{}, false, nil
}

// rewrite turns one reviewer critique into a candidate. Each critique gets
// its own thread so suggestions do not bleed into each other. nil means the
// critique never produced an applicable patch.
func (s *PatchSession) rewrite(ctx context.Context, block string, crit extract.Critique, slot int, system, prefix string) (*Candidate, error) {
	t := s.contextThread("", nil)
	t.user(block + fmt.Sprintf(rewriteWithSuggestionsFmt, analysisSuggestions(crit.Analysis, crit.Advice)))

	for try := 0; try < s.cfg.PatchRetries; try++ {
		req := t.request(prefix+"_write", system, "", 0)
		resp, err := s.deps.Oracle.Complete(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("session: %s: %w", prefix, err)
		}
		cand, err := s.tryCandidate(ctx, resp.Text, slot, fmt.Sprintf("%s slot %d", prefix, slot))
		if err != nil {
			return nil, err
		}
		if cand != nil {
			writeArtifact(s.task.Dir, fmt.Sprintf("%s_raw_%d.md", prefix, slot), resp.Text)
			return cand, nil
		}
	}
	return nil, nil
}

// =============================================================================
// REFINEMENT
// =============================================================================

// Refine proposes a replacement for a reviewed-and-rejected candidate. The
// oracle sees the whole trial: the reproduction's baseline run, the failing
// candidate's run, the reviewer's reasoning, and a retrieved example of a
// wrong patch turned correct on another issue. Spending the retry budget
// without an applicable patch returns ErrNoCandidate.
func (s *PatchSession) Refine(ctx context.Context, rej Rejection) (*Candidate, error) {
	instructions := colleagueReview(rej.Analysis, rej.Advice) + "\n###\n\n" +
		fmt.Sprintf(refineInstructionsFmt, refineExampleSection(s.refineExamples(rej.Patch)))
	system := fmt.Sprintf(patchSystemPromptFmt, s.task.Repo)

	for try := 0; try < s.cfg.PatchRetries; try++ {
		t := s.contextThread("", nil)
		t.user(testRunReport(rej.Test, rej.TestRun) + strings.TrimSpace(patchRunReport(rej.Patch, rej.PatchRun)))
		t.user(instructions)

		req := t.request("refine_patch", system, "", 0)
		resp, err := s.deps.Oracle.Complete(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("session: refine_patch: %w", err)
		}
		cand, err := s.tryCandidate(ctx, resp.Text, rej.Slot, fmt.Sprintf("refine round %d slot %d", rej.Round, rej.Slot))
		if err != nil {
			return nil, err
		}
		if cand != nil {
			writeArtifact(s.task.Dir, fmt.Sprintf("refine_patch_raw_%d_%d.md", rej.Round, rej.Slot), resp.Text)
			return cand, nil
		}
	}
	logging.Session("no refined patch for round %d slot %d within %d attempts", rej.Round, rej.Slot, s.cfg.PatchRetries)
	return nil, ErrNoCandidate
}

// refineExamples retrieves repairs of patches that failed in similar ways
// on other issues. Retrieval trouble degrades to no examples.
func (s *PatchSession) refineExamples(patch string) []experience.Record {
	kb, err := s.deps.Experiences.Collect(s.task.Issue, experience.KindPatch, experience.ViewFeedback)
	if err != nil {
		logging.SessionWarn("refine example collection failed: %v", err)
		return nil
	}
	scored, err := s.deps.Retriever.RetrieveExamples(kb, retrieval.PatchRefine(s.task.Issue, patch))
	if err != nil {
		logging.SessionWarn("refine example retrieval failed: %v", err)
		return nil
	}
	records := make([]experience.Record, 0, len(scored))
	for _, sc := range scored {
		records = append(records, sc.Record)
	}
	return records
}
