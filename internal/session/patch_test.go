package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mendloop/internal/config"
	"mendloop/internal/experience"
	"mendloop/internal/extract"
	"mendloop/internal/oracle"
	"mendloop/internal/sandbox"
)

func requestsFor(oc *mockOracle, purpose string) []oracle.Request {
	var out []oracle.Request
	for _, r := range oc.requests {
		if r.Purpose == purpose {
			out = append(out, r)
		}
	}
	return out
}

func TestProposeSet_FansOneBatchOverOneHandle(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	res := &sandbox.ExecutionResult{Stdout: "AssertionError", ReturnCode: 1}
	set, err := s.ProposeSet(context.Background(), "check_tz()", res)
	if err != nil {
		t.Fatalf("ProposeSet() error = %v", err)
	}

	if set.Handle != "0" {
		t.Errorf("Handle = %q, want 0", set.Handle)
	}
	want := config.DefaultRepairConfig().CandidatePatches
	if len(set.Candidates) != want {
		t.Fatalf("got %d candidates, want %d", len(set.Candidates), want)
	}
	for i, cand := range set.Candidates {
		if cand.Slot != i {
			t.Errorf("candidate %d Slot = %d", i, cand.Slot)
		}
		if cand.Diff != "--- a/pkg/calc.py" {
			t.Errorf("candidate %d Diff = %q", i, cand.Diff)
		}
	}
	if s.state.RequestIndex != 0 {
		t.Errorf("RequestIndex = %d, want 0 (one handle per batch)", s.state.RequestIndex)
	}

	// Every slot replays the identical thread; only the temperature fans.
	if len(oc.requests) != want {
		t.Fatalf("got %d requests, want %d", len(oc.requests), want)
	}
	for i, req := range oc.requests {
		if req.Prompt != oc.requests[0].Prompt {
			t.Errorf("request %d prompt differs from slot 0", i)
		}
		wantTemp := 0.0
		if i > 0 {
			wantTemp = 0.8
		}
		if req.Temperature != wantTemp {
			t.Errorf("request %d temperature = %v, want %v", i, req.Temperature, wantTemp)
		}
	}

	for slot := 0; slot < want; slot++ {
		if _, err := os.Stat(filepath.Join(s.task.Dir, "response_0_"+string(rune('0'+slot))+".md")); err != nil {
			t.Errorf("response_0_%d.md missing: %v", slot, err)
		}
		if _, err := os.Stat(filepath.Join(s.task.Dir, "extracted_patch_0_"+string(rune('0'+slot))+".diff")); err != nil {
			t.Errorf("extracted_patch_0_%d.diff missing: %v", slot, err)
		}
	}
}

func TestProposeSet_KeepsOnlyApplicableSlots(t *testing.T) {
	oc := &mockOracle{completeFunc: respondSeq(
		patchResponse("pkg/calc.py", "keep"),
		patchResponse("pkg/calc.py", "drop"),
		"prose with no modification stanzas",
		patchResponse("pkg/calc.py", "keep"),
	)}
	ap := &mockApplier{applyFunc: func(mods []extract.Modification) (*sandbox.PatchReport, error) {
		if mods[0].Patched == "keep" {
			return &sandbox.PatchReport{Applicable: true, Diff: "--- a/" + mods[0].File}, nil
		}
		return &sandbox.PatchReport{Applicable: false, Reason: "original snippet not found"}, nil
	}}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: ap})

	set, err := s.ProposeSetWithoutTest(context.Background())
	if err != nil {
		t.Fatalf("ProposeSetWithoutTest() error = %v", err)
	}
	if len(set.Candidates) != 2 || set.Candidates[0].Slot != 0 || set.Candidates[1].Slot != 3 {
		t.Fatalf("candidates = %+v, want slots 0 and 3", set.Candidates)
	}
	// The unparseable slot never reaches the applier.
	if ap.calls != 3 {
		t.Errorf("applier calls = %d, want 3", ap.calls)
	}

	// Raw responses are all kept; diffs only for applicable slots.
	if _, err := os.Stat(filepath.Join(s.task.Dir, "response_0_2.md")); err != nil {
		t.Errorf("response_0_2.md missing: %v", err)
	}
	for _, slot := range []string{"1", "2"} {
		if _, err := os.Stat(filepath.Join(s.task.Dir, "extracted_patch_0_"+slot+".diff")); !os.IsNotExist(err) {
			t.Errorf("extracted_patch_0_%s.diff should not exist", slot)
		}
	}
}

func TestProposeSet_RetriesBatchesThenGivesUp(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	ap := &mockApplier{applyFunc: func([]extract.Modification) (*sandbox.PatchReport, error) {
		return &sandbox.PatchReport{Applicable: false, Reason: "context drifted"}, nil
	}}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: ap})

	_, err := s.ProposeSetWithoutTest(context.Background())
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("ProposeSetWithoutTest() error = %v, want ErrNoCandidate", err)
	}

	cfg := config.DefaultRepairConfig()
	if wantCalls := cfg.PatchRetries * cfg.CandidatePatches; len(oc.requests) != wantCalls {
		t.Errorf("oracle calls = %d, want %d", len(oc.requests), wantCalls)
	}
	if s.state.RequestIndex != cfg.PatchRetries-1 {
		t.Errorf("RequestIndex = %d, want %d", s.state.RequestIndex, cfg.PatchRetries-1)
	}
}

func TestProposeSet_ThreadCarriesReproduction(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	res := &sandbox.ExecutionResult{Stdout: "tz dropped", Stderr: "AssertionError", ReturnCode: 1}
	if _, err := s.ProposeSet(context.Background(), "check_tz()", res); err != nil {
		t.Fatalf("ProposeSet() error = %v", err)
	}

	req := oc.requests[0]
	if !strings.Contains(req.System, "maintaining the GitHub project acme/widgets") {
		t.Errorf("System = %q", req.System)
	}
	if len(req.History) != 3 {
		t.Fatalf("History len = %d, want issue + reproduction + context", len(req.History))
	}
	if !strings.Contains(req.History[0].Content, "<issue>") {
		t.Error("History[0] should carry the issue block")
	}
	repro := req.History[1].Content
	if !strings.Contains(repro, "Below is the reproduction script written by your colleague") ||
		!strings.Contains(repro, "check_tz()") || !strings.Contains(repro, "AssertionError") {
		t.Errorf("History[1] = %q, want the reproduction report", firstLine(repro))
	}
	if !strings.Contains(req.History[2].Content, "possible buggy locations") {
		t.Error("History[2] should frame the code context")
	}
	if !strings.HasPrefix(req.Prompt, proposePatchPrefix) {
		t.Errorf("Prompt = %q, want the two-phase instructions", firstLine(req.Prompt))
	}
	if !strings.Contains(req.Prompt, "Review the test script and its execution results") {
		t.Error("with a test present the fix analysis must reference it")
	}
}

func TestProposeSetWithoutTest_OmitsReproduction(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	if _, err := s.ProposeSetWithoutTest(context.Background()); err != nil {
		t.Fatalf("ProposeSetWithoutTest() error = %v", err)
	}

	req := oc.requests[0]
	if len(req.History) != 2 {
		t.Fatalf("History len = %d, want issue + context only", len(req.History))
	}
	if strings.Contains(req.Prompt, "Review the test script") {
		t.Error("degraded-path instructions must not reference a test script")
	}
	if !strings.HasPrefix(req.Prompt, proposePatchPrefix) {
		t.Errorf("Prompt = %q", firstLine(req.Prompt))
	}
}

func TestProposeSet_ReplaysRejectedBatchFeedback(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	prior := s.state.NextHandle()
	err := s.state.RegisterRejected(prior, "earlier full response", "earlier patch body",
		"the fix misses the setter path")
	if err != nil {
		t.Fatalf("RegisterRejected() error = %v", err)
	}

	set, err := s.ProposeSetWithoutTest(context.Background())
	if err != nil {
		t.Fatalf("ProposeSetWithoutTest() error = %v", err)
	}
	if set.Handle != "1" {
		t.Errorf("Handle = %q, want 1", set.Handle)
	}

	req := oc.requests[0]
	if len(req.History) != 4 {
		t.Fatalf("History len = %d, want issue, context, replayed answer, feedback", len(req.History))
	}
	if req.History[2].Role != oracle.RoleAssistant || req.History[2].Content != "earlier full response" {
		t.Errorf("History[2] = %+v, want the replayed response", req.History[2])
	}
	if req.History[3].Content != "the fix misses the setter path" {
		t.Errorf("History[3] = %q, want the registered feedback", req.History[3].Content)
	}
	if !strings.HasPrefix(req.Prompt, revisePatchPrefix) {
		t.Errorf("Prompt = %q, want revise instructions after replay", firstLine(req.Prompt))
	}
}

func TestExpand_OneCandidatePerReviewerSlot(t *testing.T) {
	oc := &mockOracle{}
	oc.completeFunc = func(req oracle.Request) (*oracle.Response, error) {
		if strings.HasSuffix(req.Purpose, "_think") {
			return &oracle.Response{Text: suggestionResponse("also cover the setter")}, nil
		}
		return &oracle.Response{Text: patchResponse("pkg/calc.py", "return a + b")}, nil
	}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	cands, err := s.Expand(context.Background(), "patch body under review")
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want one per reviewer slot", len(cands))
	}
	for i, cand := range cands {
		if cand.Slot != i {
			t.Errorf("candidate %d Slot = %d", i, cand.Slot)
		}
	}

	thinks := requestsFor(oc, "expand_patch_think")
	if len(thinks) != 3 {
		t.Fatalf("think requests = %d, want 3", len(thinks))
	}
	wantModels := []string{"", "o4-mini", "o4-mini"}
	for i, req := range thinks {
		if req.Model != wantModels[i] {
			t.Errorf("think %d model = %q, want %q", i, req.Model, wantModels[i])
		}
		if !strings.Contains(req.Prompt, "This is a candidate patch provided by your colleague") ||
			!strings.Contains(req.Prompt, "**comprehensiveness**") {
			t.Errorf("think %d prompt missing the expansion framing", i)
		}
	}

	writes := requestsFor(oc, "expand_patch_write")
	if len(writes) != 3 {
		t.Fatalf("write requests = %d, want 3", len(writes))
	}
	for i, req := range writes {
		// Each critique gets a fresh thread: nothing from the other
		// critiques may bleed in.
		if len(req.History) != 2 {
			t.Errorf("write %d History len = %d, want issue + context", i, len(req.History))
		}
		if !strings.Contains(req.Prompt, "Below are the analysis and improvement suggestions") ||
			!strings.Contains(req.Prompt, "also cover the setter") {
			t.Errorf("write %d prompt missing the critique", i)
		}
	}

	for slot := 0; slot < 3; slot++ {
		name := "expand_patch_raw_" + string(rune('0'+slot)) + ".md"
		if _, err := os.Stat(filepath.Join(s.task.Dir, name)); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}
}

func TestCompress_UsesSimplificationFraming(t *testing.T) {
	oc := &mockOracle{}
	oc.completeFunc = func(req oracle.Request) (*oracle.Response, error) {
		if strings.HasSuffix(req.Purpose, "_think") {
			return &oracle.Response{Text: suggestionResponse("drop the second modification")}, nil
		}
		return &oracle.Response{Text: patchResponse("pkg/calc.py", "return a + b")}, nil
	}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	cands, err := s.Compress(context.Background(), "patch body under review")
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3", len(cands))
	}

	thinks := requestsFor(oc, "compress_patch_think")
	if len(thinks) == 0 || !strings.Contains(thinks[0].Prompt, "**effectiveness and simplicity**") {
		t.Error("compression think prompt should ask for effectiveness and simplicity")
	}
	if _, err := os.Stat(filepath.Join(s.task.Dir, "compress_patch_raw_0.md")); err != nil {
		t.Errorf("compress_patch_raw_0.md missing: %v", err)
	}
}

func TestExpand_SkipsReviewerSlotThatNeverParses(t *testing.T) {
	oc := &mockOracle{}
	oc.completeFunc = func(req oracle.Request) (*oracle.Response, error) {
		switch {
		case strings.HasSuffix(req.Purpose, "_think") && req.Model == "":
			return &oracle.Response{Text: "musings without any tags"}, nil
		case strings.HasSuffix(req.Purpose, "_think"):
			return &oracle.Response{Text: suggestionResponse("narrow the fix")}, nil
		default:
			return &oracle.Response{Text: patchResponse("pkg/calc.py", "return a + b")}, nil
		}
	}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	cands, err := s.Expand(context.Background(), "patch body")
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2 (one slot never parsed)", len(cands))
	}
	if cands[0].Slot != 0 || cands[1].Slot != 1 {
		t.Errorf("slots = %d,%d, want surviving critiques renumbered 0,1", cands[0].Slot, cands[1].Slot)
	}

	// The generation-model slot burns its full parse budget before being
	// skipped; the review slots parse first try.
	retries := config.DefaultRepairConfig().AnalysisRetries
	if thinks := requestsFor(oc, "expand_patch_think"); len(thinks) != retries+2 {
		t.Errorf("think requests = %d, want %d", len(thinks), retries+2)
	}
}

func TestExpand_NoApplicableRewriteIsNotAnError(t *testing.T) {
	oc := &mockOracle{}
	oc.completeFunc = func(req oracle.Request) (*oracle.Response, error) {
		if strings.HasSuffix(req.Purpose, "_think") {
			return &oracle.Response{Text: suggestionResponse("rework everything")}, nil
		}
		return &oracle.Response{Text: patchResponse("pkg/calc.py", "return a + b")}, nil
	}
	ap := &mockApplier{applyFunc: func([]extract.Modification) (*sandbox.PatchReport, error) {
		return &sandbox.PatchReport{Applicable: false, Reason: "does not apply"}, nil
	}}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: ap})

	cands, err := s.Expand(context.Background(), "patch body")
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if cands != nil {
		t.Errorf("candidates = %+v, want none", cands)
	}
	if _, err := os.Stat(filepath.Join(s.task.Dir, "expand_patch_raw_0.md")); !os.IsNotExist(err) {
		t.Error("no artifact should be written without an applicable rewrite")
	}
}

func TestRefine_PresentsTheFullTrial(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}})

	rej := Rejection{
		Round:    2,
		Slot:     1,
		Test:     "probe()",
		TestRun:  &sandbox.ExecutionResult{Stdout: "fails before the patch", ReturnCode: 1},
		Patch:    "candidate patch body",
		PatchRun: &sandbox.ExecutionResult{Stdout: "still fails after", ReturnCode: 1},
		Analysis: "the patch misses the setter",
		Advice:   "apply the same conversion in the setter",
	}
	cand, err := s.Refine(context.Background(), rej)
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if cand.Slot != 1 {
		t.Errorf("Slot = %d, want the rejected slot carried through", cand.Slot)
	}
	if _, err := os.Stat(filepath.Join(s.task.Dir, "refine_patch_raw_2_1.md")); err != nil {
		t.Errorf("refine_patch_raw_2_1.md missing: %v", err)
	}

	req := oc.requests[0]
	if len(req.History) != 3 {
		t.Fatalf("History len = %d, want issue, context, trial report", len(req.History))
	}
	trial := req.History[2].Content
	for _, want := range []string{"### Test:", "probe()", "fails before the patch",
		"### Patch:", "candidate patch body", "still fails after"} {
		if !strings.Contains(trial, want) {
			t.Errorf("trial report missing %q", want)
		}
	}
	for _, want := range []string{
		"Your colleague believes this patch does not fully resolve",
		"the patch misses the setter",
		"apply the same conversion in the setter",
		"Here are examples of your colleague refining incorrect patches",
		"Your task is to propose a new, correct patch",
	} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("Prompt missing %q", want)
		}
	}
}

func TestRefine_InterpolatesRetrievedRepair(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	exp := &mockExperiences{collectFunc: func(string, experience.Kind, experience.View) ([]experience.Record, error) {
		return []experience.Record{{
			IssueDescription: issueText,
			OldArtifact:      "wrong patch from another issue",
			OldVerdict:       experience.VerdictConfirmedFailure,
			NewArtifact:      "correct patch from another issue",
			NewVerdict:       experience.VerdictSuccess,
		}}, nil
	}}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: &mockApplier{}, Experiences: exp})

	rej := Rejection{
		Test:     "probe()",
		TestRun:  &sandbox.ExecutionResult{Stdout: "boom"},
		Patch:    "candidate patch body",
		PatchRun: &sandbox.ExecutionResult{Stdout: "boom again"},
		Analysis: "incomplete",
		Advice:   "extend it",
	}
	if _, err := s.Refine(context.Background(), rej); err != nil {
		t.Fatalf("Refine() error = %v", err)
	}

	prompt := oc.requests[0].Prompt
	for _, want := range []string{
		"### Wrong Patch:", "wrong patch from another issue",
		"### Correct Patch:", "correct patch from another issue",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Prompt missing %q", want)
		}
	}
}

func TestRefine_ExhaustionReturnsErrNoCandidate(t *testing.T) {
	oc := &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))}
	ap := &mockApplier{applyFunc: func([]extract.Modification) (*sandbox.PatchReport, error) {
		return &sandbox.PatchReport{Applicable: false, Reason: "does not apply"}, nil
	}}
	s := startPatchSession(t, PatchDeps{Oracle: oc, Applier: ap})

	rej := Rejection{
		Test:     "probe()",
		TestRun:  &sandbox.ExecutionResult{},
		Patch:    "candidate",
		PatchRun: &sandbox.ExecutionResult{},
	}
	_, err := s.Refine(context.Background(), rej)
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("Refine() error = %v, want ErrNoCandidate", err)
	}
	if want := config.DefaultRepairConfig().PatchRetries; len(oc.requests) != want {
		t.Errorf("oracle calls = %d, want %d", len(oc.requests), want)
	}
}

func TestPatchSession_HandleSequencePersists(t *testing.T) {
	dir := t.TempDir()
	task := Task{Dir: dir, Repo: "acme/widgets", Issue: issueText, Context: "pkg/calc.py"}
	deps := PatchDeps{
		Oracle:      &mockOracle{completeFunc: respond(patchResponse("pkg/calc.py", "return a + b"))},
		Applier:     &mockApplier{},
		Experiences: &mockExperiences{},
	}

	s1, err := NewPatchSession(config.DefaultConfig(), task, deps)
	if err != nil {
		t.Fatalf("NewPatchSession() error = %v", err)
	}
	first, err := s1.ProposeSetWithoutTest(context.Background())
	if err != nil {
		t.Fatalf("first batch error = %v", err)
	}

	s2, err := NewPatchSession(config.DefaultConfig(), task, deps)
	if err != nil {
		t.Fatalf("NewPatchSession() resume error = %v", err)
	}
	second, err := s2.ProposeSetWithoutTest(context.Background())
	if err != nil {
		t.Fatalf("second batch error = %v", err)
	}
	if first.Handle != "0" || second.Handle != "1" {
		t.Errorf("handles = %q, %q, want 0 then 1", first.Handle, second.Handle)
	}
}
