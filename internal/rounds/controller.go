// Package rounds drives one repair attempt as an explicit state machine.
// The controller owns the generate-execute-review-refine loop but performs
// no oracle or sandbox work itself: every external need is surfaced as a
// typed StepOutcome, and the caller resolves it against the real
// collaborators and feeds the result back through Step. Suspension is a
// function boundary, so tests drive the loop with scripted inputs and the
// runner drives it with live sessions, from the same contract.
//
// One attempt is at most MaxRounds+1 candidate sets: a fresh batch, then
// one refined set per rejection. Every candidate that enters a set —
// accepted, rejected, or never run — stays in the attempt history and is
// emitted exactly once, in generation order, when the attempt terminates.
package rounds

import (
	"fmt"
	"strings"

	"mendloop/internal/artifacts"
	"mendloop/internal/config"
	"mendloop/internal/experience"
	"mendloop/internal/extract"
	"mendloop/internal/logging"
	"mendloop/internal/review"
	"mendloop/internal/sandbox"
	"mendloop/internal/session"
)

// StepKind discriminates what a Step outcome asks of the caller.
type StepKind int

const (
	// NeedCompletion asks the caller to resolve an oracle-backed operation.
	NeedCompletion StepKind = iota
	// NeedExecution asks the caller to run a test against a candidate.
	NeedExecution
	// Emitted carries the attempt's terminal payload. The caller persists
	// it; the step after returns Finished.
	Emitted
	// Finished means the attempt is over and the controller is inert.
	Finished
)

func (k StepKind) String() string {
	switch k {
	case NeedCompletion:
		return "need-completion"
	case NeedExecution:
		return "need-execution"
	case Emitted:
		return "emitted"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("step-kind(%d)", int(k))
}

// CompletionOp names the oracle-backed operation a NeedCompletion asks for.
type CompletionOp int

const (
	// OpVerifiedTest resolves the attempt's reproduction test: a prior
	// accepted test replayed against the clean tree, or a fresh proposal
	// loop. OK=false on the input means the attempt proceeds degraded.
	OpVerifiedTest CompletionOp = iota
	// OpBattery drafts the differential test scripts used to fill the
	// output artifact stream at emission.
	OpBattery
	// OpBatch proposes the round-zero candidate set.
	OpBatch
	// OpSelect ranks the current round's executed candidates.
	OpSelect
	// OpAnalyze critiques the rejected round's chosen candidate.
	OpAnalyze
	// OpRefine turns one critique into a next-round candidate.
	OpRefine
	// OpImprove expands and compresses an accepted candidate into sibling
	// variants.
	OpImprove
)

func (op CompletionOp) String() string {
	switch op {
	case OpVerifiedTest:
		return "verified-test"
	case OpBattery:
		return "battery"
	case OpBatch:
		return "batch"
	case OpSelect:
		return "select"
	case OpAnalyze:
		return "analyze"
	case OpRefine:
		return "refine"
	case OpImprove:
		return "improve"
	}
	return fmt.Sprintf("completion-op(%d)", int(op))
}

// CompletionRequest is the payload of a NeedCompletion outcome. Only the
// fields the named op needs are populated.
type CompletionRequest struct {
	Op       CompletionOp
	Round    int
	Degraded bool

	// Test and Baseline describe the attempt's reproduction context.
	Test     string
	Baseline *sandbox.ExecutionResult

	// Trials is the current round's candidate set in order (OpSelect).
	Trials []review.Trial

	// Patch and Run describe the subject candidate (OpSelect's winner for
	// OpAnalyze, OpRefine, and OpImprove).
	Patch string
	Run   *sandbox.ExecutionResult

	// Slot is the position within the critique or improve queue.
	Slot int

	// Critique is the rejection analysis a refinement answers (OpRefine).
	Critique *extract.Critique
}

// ExecutionRequest is the payload of a NeedExecution outcome: run Test
// against the candidate's modifications and report the result.
type ExecutionRequest struct {
	// Index is the candidate's position in the attempt-wide artifact
	// stream; it names the candidate's patch file.
	Index  int
	Expand bool

	Test       string
	TestHandle string
	Mods       []extract.Modification

	// Differential is -1 for the round verification run, otherwise the
	// battery script index being filled at emission.
	Differential int
}

// VerifiedInput resolves OpVerifiedTest. OK=false means no reproduction
// test survived its proposal budget and the attempt runs degraded.
type VerifiedInput struct {
	Handle   string
	Test     string
	Baseline *sandbox.ExecutionResult
	OK       bool
}

// BatteryInput resolves OpBattery. An empty script list is valid: the
// emission stream then carries no differential runs.
type BatteryInput struct {
	Scripts []string
}

// BatchInput resolves OpBatch. An empty set means the proposal budget ran
// out; the attempt emits whatever history it has.
type BatchInput struct {
	Candidates []session.Candidate
}

// SelectionInput resolves OpSelect. OK=false means the reviewer never
// produced a usable ranking; the attempt emits.
type SelectionInput struct {
	Selection extract.Selection
	OK        bool
}

// CritiquesInput resolves OpAnalyze. An empty slice means no reviewer
// slot parsed; with nothing to refine against, the attempt emits.
type CritiquesInput struct {
	Critiques []extract.Critique
}

// RefinedInput resolves one OpRefine slot. A nil Candidate means the slot
// exhausted its budget; the round simply has one fewer candidate.
type RefinedInput struct {
	Candidate *session.Candidate
}

// ImprovedInput resolves one OpImprove slot with the expand and compress
// variants of the subject candidate, already validated for application.
type ImprovedInput struct {
	Candidates []session.Candidate
}

// ExecutionInput resolves a NeedExecution.
type ExecutionInput struct {
	Result *sandbox.ExecutionResult
}

// StepInput carries exactly one resolution; which field must be set is
// determined by the outcome the previous Step returned.
type StepInput struct {
	Verified  *VerifiedInput
	Battery   *BatteryInput
	Batch     *BatchInput
	Selection *SelectionInput
	Critiques *CritiquesInput
	Refined   *RefinedInput
	Improved  *ImprovedInput
	Execution *ExecutionInput
}

// StepOutcome is what one Step produced. Exactly one payload matching
// Kind is populated.
type StepOutcome struct {
	Kind       StepKind
	Completion *CompletionRequest
	Execution  *ExecutionRequest
	Emission   *Emission
}

// Record is one emitted candidate: its stream position, the round that
// generated it, its diff, and every run it participated in.
type Record struct {
	Index        int
	Expand       bool
	Round        int
	Diff         string
	Run          *sandbox.ExecutionResult
	Differential []artifacts.DifferentialRun
}

// Emission is the attempt's terminal payload: the full candidate stream
// in generation order plus the refinement chain for the experience log.
type Emission struct {
	// Success means a reviewed round accepted a candidate.
	Success bool
	// Degraded means the attempt ran without a verified reproduction.
	Degraded bool
	// Passes is the number of review passes consumed.
	Passes int

	TestHandle string
	Test       string
	Baseline   *sandbox.ExecutionResult
	Battery    []string

	Records     []Record
	Experiences []experience.Record
}

// await names the input the controller is suspended on.
type await int

const (
	awaitNothing await = iota
	awaitVerified
	awaitBattery
	awaitBatch
	awaitExecution
	awaitSelection
	awaitCritiques
	awaitRefined
	awaitImproved
	awaitFill
)

var awaitNames = map[await]string{
	awaitVerified:  "verified-test",
	awaitBattery:   "battery",
	awaitBatch:     "batch",
	awaitExecution: "execution",
	awaitSelection: "selection",
	awaitCritiques: "critiques",
	awaitRefined:   "refined",
	awaitImproved:  "improved",
	awaitFill:      "execution",
}

// record is one staged candidate. Entries are append-only: verification
// and differential runs fill in, nothing is ever removed.
type record struct {
	index        int
	expand       bool
	round        int
	diff         string
	mods         []extract.Modification
	run          *sandbox.ExecutionResult
	differential []artifacts.DifferentialRun
}

// Option adjusts controller construction.
type Option func(*Controller)

// WithInitialCandidates seeds round zero with caller-supplied candidates
// instead of requesting a fresh batch.
func WithInitialCandidates(cands []session.Candidate) Option {
	return func(c *Controller) {
		c.initial = append([]session.Candidate(nil), cands...)
	}
}

// Controller is the attempt state machine. It is not safe for concurrent
// use; one attempt drives one controller from one goroutine.
type Controller struct {
	cfg   config.RepairConfig
	issue string

	started  bool
	finished bool
	await    await

	degraded bool
	round    int
	passes   int

	testHandle string
	test       string
	baseline   *sandbox.ExecutionResult
	battery    []string

	initial []session.Candidate

	history   []record
	seen      map[string]int
	nextIndex int

	roundStart int
	execNext   int
	improving  bool

	selected     int
	critiques    []extract.Critique
	refineIdx    int
	refined      []session.Candidate
	improveQueue []int
	improveIdx   int
	improved     []session.Candidate

	lastSelected    string
	lastSelectedRun *sandbox.ExecutionResult
	experiences     []experience.Record

	fillIdx  int
	fillTest int
	success  bool
}

// NewController builds a controller for one attempt against one issue.
func NewController(cfg *config.Config, issue string, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg.Repair,
		issue: strings.TrimSpace(issue),
		seen:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Step consumes the resolution of the previous outcome and returns the
// next one. The first call takes a zero StepInput. Mismatched input is a
// programming error in the caller and fails immediately.
func (c *Controller) Step(in StepInput) (StepOutcome, error) {
	if c.finished {
		return StepOutcome{Kind: Finished}, nil
	}
	if !c.started {
		c.started = true
		return c.requestVerified(), nil
	}
	switch c.await {
	case awaitVerified:
		return c.onVerified(in)
	case awaitBattery:
		return c.onBattery(in)
	case awaitBatch:
		return c.onBatch(in)
	case awaitExecution:
		return c.onExecution(in)
	case awaitSelection:
		return c.onSelection(in)
	case awaitCritiques:
		return c.onCritiques(in)
	case awaitRefined:
		return c.onRefined(in)
	case awaitImproved:
		return c.onImproved(in)
	case awaitFill:
		return c.onFill(in)
	}
	return StepOutcome{}, fmt.Errorf("rounds: controller in impossible state %d", int(c.await))
}

func (c *Controller) mismatch() (StepOutcome, error) {
	return StepOutcome{}, fmt.Errorf("rounds: step requires %s input", awaitNames[c.await])
}

// --- verification test -------------------------------------------------

func (c *Controller) requestVerified() StepOutcome {
	c.await = awaitVerified
	return StepOutcome{Kind: NeedCompletion, Completion: &CompletionRequest{Op: OpVerifiedTest}}
}

func (c *Controller) onVerified(in StepInput) (StepOutcome, error) {
	if in.Verified == nil {
		return c.mismatch()
	}
	if !in.Verified.OK {
		c.degraded = true
		logging.Rounds("no verified reproduction; running degraded single-pass attempt")
		return c.requestBattery(), nil
	}
	c.testHandle = in.Verified.Handle
	c.test = in.Verified.Test
	c.baseline = in.Verified.Baseline
	logging.RoundsDebug("reproduction test %s accepted, baseline rc=%d", c.testHandle, c.baseline.ReturnCode)
	return c.requestBattery(), nil
}

// --- differential battery ----------------------------------------------

func (c *Controller) requestBattery() StepOutcome {
	c.await = awaitBattery
	return StepOutcome{Kind: NeedCompletion, Completion: &CompletionRequest{
		Op:       OpBattery,
		Degraded: c.degraded,
		Test:     c.test,
		Baseline: c.baseline,
	}}
}

func (c *Controller) onBattery(in StepInput) (StepOutcome, error) {
	if in.Battery == nil {
		return c.mismatch()
	}
	c.battery = in.Battery.Scripts
	logging.RoundsDebug("differential battery holds %d scripts", len(c.battery))
	if c.round == 0 && len(c.initial) > 0 {
		return c.stageRound(c.initial), nil
	}
	c.await = awaitBatch
	return StepOutcome{Kind: NeedCompletion, Completion: &CompletionRequest{
		Op:       OpBatch,
		Round:    c.round,
		Degraded: c.degraded,
		Test:     c.test,
		Baseline: c.baseline,
	}}, nil
}

func (c *Controller) onBatch(in StepInput) (StepOutcome, error) {
	if in.Batch == nil {
		return c.mismatch()
	}
	return c.stageRound(in.Batch.Candidates), nil
}

// --- staging and execution ---------------------------------------------

// stage appends candidates to the history, dropping any whose trimmed
// diff already appeared anywhere in the attempt. A duplicate inherits the
// original's stream entry rather than occupying a second one.
func (c *Controller) stage(cands []session.Candidate, expand bool) int {
	added := 0
	for _, cand := range cands {
		key := strings.TrimSpace(cand.Diff)
		if at, dup := c.seen[key]; dup {
			logging.RoundsDebug("candidate duplicates stream entry %d; skipped", c.history[at].index)
			continue
		}
		c.seen[key] = len(c.history)
		c.history = append(c.history, record{
			index:  c.nextIndex,
			expand: expand,
			round:  c.round,
			diff:   cand.Diff,
			mods:   cand.Mods,
		})
		c.nextIndex++
		added++
	}
	return added
}

// stageRound installs the round's candidate set and dispatches it: to
// execution normally, straight to sibling variants when degraded, or to
// emission when nothing fresh arrived.
func (c *Controller) stageRound(cands []session.Candidate) StepOutcome {
	c.roundStart = len(c.history)
	added := c.stage(cands, false)
	if added == 0 {
		logging.Rounds("round %d: no fresh candidates; emitting accumulated stream", c.round)
		return c.beginEmission(false)
	}
	logging.Audit().RoundEvent(logging.AuditRoundStart, c.round, "generate", true)
	logging.Rounds("round %d: %d candidates staged", c.round, added)
	if c.degraded {
		// Nothing to execute them against; improve each and emit.
		c.improveQueue = c.roundIndices()
		c.improveIdx = 0
		c.improved = nil
		return c.requestImprove()
	}
	c.execNext = c.roundStart
	c.improving = false
	return c.requestExecution()
}

func (c *Controller) roundIndices() []int {
	idx := make([]int, 0, len(c.history)-c.roundStart)
	for i := c.roundStart; i < len(c.history); i++ {
		idx = append(idx, i)
	}
	return idx
}

func (c *Controller) requestExecution() StepOutcome {
	c.await = awaitExecution
	rec := &c.history[c.execNext]
	return StepOutcome{Kind: NeedExecution, Execution: &ExecutionRequest{
		Index:        rec.index,
		Expand:       rec.expand,
		Test:         c.test,
		TestHandle:   c.testHandle,
		Mods:         rec.mods,
		Differential: -1,
	}}
}

func (c *Controller) onExecution(in StepInput) (StepOutcome, error) {
	if in.Execution == nil || in.Execution.Result == nil {
		return c.mismatch()
	}
	c.history[c.execNext].run = in.Execution.Result
	c.execNext++
	if c.execNext < len(c.history) {
		return c.requestExecution(), nil
	}
	if c.improving {
		return c.beginEmission(true), nil
	}
	return c.requestSelection(), nil
}

// --- review ------------------------------------------------------------

func (c *Controller) requestSelection() StepOutcome {
	c.await = awaitSelection
	c.passes++
	trials := make([]review.Trial, 0, len(c.history)-c.roundStart)
	for i := c.roundStart; i < len(c.history); i++ {
		trials = append(trials, review.Trial{Patch: c.history[i].diff, Run: c.history[i].run})
	}
	return StepOutcome{Kind: NeedCompletion, Completion: &CompletionRequest{
		Op:       OpSelect,
		Round:    c.round,
		Test:     c.test,
		Baseline: c.baseline,
		Trials:   trials,
	}}
}

func (c *Controller) onSelection(in StepInput) (StepOutcome, error) {
	if in.Selection == nil {
		return c.mismatch()
	}
	if !in.Selection.OK {
		logging.RoundsWarn("round %d: reviewer produced no usable ranking; emitting", c.round)
		logging.Audit().RoundEvent(logging.AuditRoundAbort, c.round, "select", false)
		return c.beginEmission(false), nil
	}
	sel := in.Selection.Selection
	n := len(c.history) - c.roundStart
	if err := checkSelection(sel, n); err != nil {
		return StepOutcome{}, fmt.Errorf("rounds: round %d: %w", c.round, err)
	}
	if len(sel.Correct) > 0 {
		return c.acceptRound(sel), nil
	}
	logging.Audit().RoundEvent(logging.AuditRoundComplete, c.round, "rejected", false)
	if c.round >= c.cfg.MaxRounds {
		logging.Rounds("round %d: rejected with budget exhausted; emitting", c.round)
		return c.beginEmission(false), nil
	}
	c.selected = c.roundStart + sel.Rank[0]
	c.appendExperience(false)
	c.lastSelected = c.history[c.selected].diff
	c.lastSelectedRun = c.history[c.selected].run
	logging.Rounds("round %d: rejected; refining candidate %d", c.round, c.history[c.selected].index)
	return c.requestAnalysis(), nil
}

// checkSelection guards index ranges for controllers driven directly,
// outside the reviewer's own validation.
func checkSelection(sel extract.Selection, n int) error {
	if len(sel.Rank) == 0 {
		return fmt.Errorf("selection ranks no candidates")
	}
	for _, i := range sel.Rank {
		if i < 0 || i >= n {
			return fmt.Errorf("selection rank index %d outside candidate set of %d", i, n)
		}
	}
	for _, i := range sel.Correct {
		if i < 0 || i >= n {
			return fmt.Errorf("selection correct index %d outside candidate set of %d", i, n)
		}
	}
	return nil
}

// acceptRound records the success and queues every accepted candidate for
// sibling variants.
func (c *Controller) acceptRound(sel extract.Selection) StepOutcome {
	correct := make(map[int]bool, len(sel.Correct))
	for _, i := range sel.Correct {
		correct[i] = true
	}
	choice := -1
	for _, i := range sel.Rank {
		if correct[i] {
			choice = i
			break
		}
	}
	if choice < 0 {
		// The ranking omitted every accepted index; fall back to the
		// first accepted one.
		choice = sel.Correct[0]
		logging.RoundsWarn("round %d: rank list omits accepted candidates; choosing %d", c.round, choice)
	}
	c.selected = c.roundStart + choice
	c.appendExperience(true)
	logging.Audit().RoundEvent(logging.AuditRoundComplete, c.round, "accepted", true)
	logging.Rounds("round %d: candidate %d accepted", c.round, c.history[c.selected].index)

	c.improveQueue = c.improveQueue[:0]
	queued := make(map[int]bool, len(sel.Correct))
	for _, i := range sel.Correct {
		if queued[i] {
			continue
		}
		queued[i] = true
		c.improveQueue = append(c.improveQueue, c.roundStart+i)
	}
	c.improveIdx = 0
	c.improved = nil
	return c.requestImprove()
}

func (c *Controller) appendExperience(success bool) {
	rec := c.history[c.selected]
	oldVerdict := experience.VerdictUnknown
	if c.lastSelected != "" {
		oldVerdict = experience.VerdictConfirmedFailure
	}
	newVerdict := experience.VerdictFailure
	if success {
		newVerdict = experience.VerdictSuccess
	}
	c.experiences = append(c.experiences, experience.Record{
		IssueDescription: c.issue,
		OldArtifact:      c.lastSelected,
		OldOutcome:       c.lastSelectedRun.Output(),
		OldVerdict:       oldVerdict,
		NewArtifact:      rec.diff,
		NewOutcome:       rec.run.Output(),
		NewVerdict:       newVerdict,
	})
}

// --- sibling variants ---------------------------------------------------

func (c *Controller) requestImprove() StepOutcome {
	c.await = awaitImproved
	rec := &c.history[c.improveQueue[c.improveIdx]]
	return StepOutcome{Kind: NeedCompletion, Completion: &CompletionRequest{
		Op:       OpImprove,
		Round:    c.round,
		Degraded: c.degraded,
		Slot:     c.improveIdx,
		Patch:    rec.diff,
		Run:      rec.run,
	}}
}

func (c *Controller) onImproved(in StepInput) (StepOutcome, error) {
	if in.Improved == nil {
		return c.mismatch()
	}
	c.improved = append(c.improved, in.Improved.Candidates...)
	c.improveIdx++
	if c.improveIdx < len(c.improveQueue) {
		return c.requestImprove(), nil
	}
	start := len(c.history)
	added := c.stage(c.improved, true)
	c.improved = nil
	logging.RoundsDebug("round %d: %d sibling variants staged", c.round, added)
	if c.degraded {
		// Variants of an unverified set stay unverified.
		return c.beginEmission(false), nil
	}
	if added == 0 {
		return c.beginEmission(true), nil
	}
	c.execNext = start
	c.improving = true
	return c.requestExecution(), nil
}

// --- analysis and refinement -------------------------------------------

func (c *Controller) requestAnalysis() StepOutcome {
	c.await = awaitCritiques
	rec := &c.history[c.selected]
	return StepOutcome{Kind: NeedCompletion, Completion: &CompletionRequest{
		Op:       OpAnalyze,
		Round:    c.round,
		Test:     c.test,
		Baseline: c.baseline,
		Patch:    rec.diff,
		Run:      rec.run,
	}}
}

func (c *Controller) onCritiques(in StepInput) (StepOutcome, error) {
	if in.Critiques == nil {
		return c.mismatch()
	}
	c.critiques = in.Critiques.Critiques
	if len(c.critiques) == 0 {
		logging.RoundsWarn("round %d: no critique parsed; emitting", c.round)
		logging.Audit().RoundEvent(logging.AuditRoundAbort, c.round, "analyze", false)
		return c.beginEmission(false), nil
	}
	c.refineIdx = 0
	c.refined = nil
	return c.requestRefine(), nil
}

func (c *Controller) requestRefine() StepOutcome {
	c.await = awaitRefined
	rec := &c.history[c.selected]
	crit := c.critiques[c.refineIdx]
	return StepOutcome{Kind: NeedCompletion, Completion: &CompletionRequest{
		Op:       OpRefine,
		Round:    c.round,
		Slot:     c.refineIdx,
		Test:     c.test,
		Baseline: c.baseline,
		Patch:    rec.diff,
		Run:      rec.run,
		Critique: &crit,
	}}
}

func (c *Controller) onRefined(in StepInput) (StepOutcome, error) {
	if in.Refined == nil {
		return c.mismatch()
	}
	if in.Refined.Candidate != nil {
		c.refined = append(c.refined, *in.Refined.Candidate)
	}
	c.refineIdx++
	if c.refineIdx < len(c.critiques) {
		return c.requestRefine(), nil
	}
	c.round++
	logging.Rounds("round %d: %d refined candidates from %d critiques", c.round, len(c.refined), len(c.critiques))
	out := c.stageRound(c.refined)
	c.refined = nil
	return out, nil
}

// --- emission ----------------------------------------------------------

// beginEmission fills differential runs over the whole stream, then
// emits. Every terminal path goes through here: acceptance, budget
// exhaustion, reviewer abort, and candidate drought all leave the same
// artifact trail.
func (c *Controller) beginEmission(success bool) StepOutcome {
	c.success = success
	c.fillIdx = 0
	c.fillTest = 0
	return c.nextFill()
}

func (c *Controller) nextFill() StepOutcome {
	for c.fillIdx < len(c.history) {
		if c.fillTest < len(c.battery) {
			c.await = awaitFill
			rec := &c.history[c.fillIdx]
			return StepOutcome{Kind: NeedExecution, Execution: &ExecutionRequest{
				Index:        rec.index,
				Expand:       rec.expand,
				Test:         c.battery[c.fillTest],
				TestHandle:   fmt.Sprintf("battery_%d", c.fillTest),
				Mods:         rec.mods,
				Differential: c.fillTest,
			}}
		}
		c.fillIdx++
		c.fillTest = 0
	}
	return c.emit()
}

func (c *Controller) onFill(in StepInput) (StepOutcome, error) {
	if in.Execution == nil || in.Execution.Result == nil {
		return c.mismatch()
	}
	rec := &c.history[c.fillIdx]
	rec.differential = append(rec.differential, artifacts.DifferentialRun{
		Test:   c.battery[c.fillTest],
		Stdout: in.Execution.Result.Stdout,
		Stderr: in.Execution.Result.Stderr,
	})
	c.fillTest++
	return c.nextFill(), nil
}

func (c *Controller) emit() StepOutcome {
	records := make([]Record, 0, len(c.history))
	for _, rec := range c.history {
		records = append(records, Record{
			Index:        rec.index,
			Expand:       rec.expand,
			Round:        rec.round,
			Diff:         rec.diff,
			Run:          rec.run,
			Differential: rec.differential,
		})
	}
	em := &Emission{
		Success:     c.success,
		Degraded:    c.degraded,
		Passes:      c.passes,
		TestHandle:  c.testHandle,
		Test:        c.test,
		Baseline:    c.baseline,
		Battery:     c.battery,
		Records:     records,
		Experiences: c.experiences,
	}
	c.finished = true
	logging.Rounds("attempt emitted: %d candidates over %d review passes, success=%v", len(records), c.passes, c.success)
	return StepOutcome{Kind: Emitted, Emission: em}
}
