package rounds

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"mendloop/internal/artifacts"
	"mendloop/internal/config"
	"mendloop/internal/extract"
	"mendloop/internal/logging"
	"mendloop/internal/review"
	"mendloop/internal/sandbox"
	"mendloop/internal/session"
)

// TestProposer covers the test-side session operations the runner drives.
type TestProposer interface {
	LastAccepted() (handle, content string, ok bool)
	ProposeVerified(ctx context.Context) (*session.VerifiedTest, error)
	DifferentialTests(ctx context.Context, test string, result *sandbox.ExecutionResult) ([]string, error)
	DifferentialTestsUnverified(ctx context.Context) ([]string, error)
}

// PatchProposer covers the patch-side session operations.
type PatchProposer interface {
	ProposeSet(ctx context.Context, test string, testResult *sandbox.ExecutionResult) (*session.CandidateSet, error)
	ProposeSetWithoutTest(ctx context.Context) (*session.CandidateSet, error)
	Expand(ctx context.Context, patch string) ([]session.Candidate, error)
	Compress(ctx context.Context, patch string) ([]session.Candidate, error)
	Refine(ctx context.Context, rej session.Rejection) (*session.Candidate, error)
}

// Reviewer covers the verdict stages the loop consults between rounds.
type Reviewer interface {
	SelectBest(ctx context.Context, issue, test string, baseline *sandbox.ExecutionResult, trials []review.Trial) (extract.Selection, error)
	AnalyzeRejected(ctx context.Context, issue, codeContext, test string, baseline *sandbox.ExecutionResult, trial review.Trial) ([]extract.Critique, error)
}

// Executor runs tests inside the sandbox. The cached variant replays the
// clean-tree baseline on resume without paying for a second run.
type Executor interface {
	Execute(ctx context.Context, test string, mods []extract.Modification) (*sandbox.ExecutionResult, error)
	ExecuteCached(ctx context.Context, patchHandle, testHandle, test string, mods []extract.Modification) (*sandbox.ExecutionResult, error)
}

// Progress is a coarse attempt milestone, reported as the loop moves
// between stages. Observers must not block.
type Progress struct {
	Attempt string
	Round   int
	Stage   string
}

// Deps are the live collaborators a Runner resolves step outcomes with.
type Deps struct {
	Tests    TestProposer
	Patches  PatchProposer
	Reviewer Reviewer
	Executor Executor
	Writer   *artifacts.Writer

	// Observer receives stage transitions. Nil means no reporting.
	Observer func(Progress)
}

// Runner drives a Controller against real sessions, the reviewer, and the
// sandbox, and persists the emission when the attempt terminates.
type Runner struct {
	cfg  *config.Config
	task session.Task
	deps Deps
	opts []Option
}

// NewRunner wires a runner for one task. Options pass through to the
// controller.
func NewRunner(cfg *config.Config, task session.Task, deps Deps, opts ...Option) *Runner {
	return &Runner{cfg: cfg, task: task, deps: deps, opts: opts}
}

// Run executes the attempt to completion and returns its emission. The
// artifact stream, result records, and (on success) the experience log
// are already on disk when Run returns. Collaborator errors abort the
// attempt as-is; session contract errors are never retried.
func (r *Runner) Run(ctx context.Context) (*Emission, error) {
	attemptID := filepath.Base(r.task.Dir)
	logging.Audit().AttemptStart(attemptID)
	start := time.Now()

	ctrl := NewController(r.cfg, r.task.Issue, r.opts...)
	var emission *Emission
	in := StepInput{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := ctrl.Step(in)
		if err != nil {
			return nil, err
		}
		switch out.Kind {
		case NeedCompletion:
			r.notify(attemptID, out.Completion.Round, out.Completion.Op.String())
			in, err = r.complete(ctx, out.Completion)
		case NeedExecution:
			in, err = r.execute(ctx, out.Execution)
		case Emitted:
			r.notify(attemptID, out.Emission.Passes, "emit")
			if err := r.persist(out.Emission); err != nil {
				return nil, err
			}
			emission = out.Emission
			in = StepInput{}
		case Finished:
			if emission == nil {
				return nil, fmt.Errorf("rounds: attempt finished without emitting")
			}
			logging.Audit().AttemptEnd(attemptID, emission.Passes, time.Since(start).Milliseconds(), emission.Success)
			return emission, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *Runner) notify(attempt string, round int, stage string) {
	if r.deps.Observer != nil {
		r.deps.Observer(Progress{Attempt: attempt, Round: round, Stage: stage})
	}
}

func (r *Runner) complete(ctx context.Context, req *CompletionRequest) (StepInput, error) {
	switch req.Op {
	case OpVerifiedTest:
		return r.resolveVerified(ctx)

	case OpBattery:
		var scripts []string
		var err error
		if req.Degraded {
			scripts, err = r.deps.Tests.DifferentialTestsUnverified(ctx)
		} else {
			scripts, err = r.deps.Tests.DifferentialTests(ctx, req.Test, req.Baseline)
		}
		if err != nil {
			return StepInput{}, err
		}
		return StepInput{Battery: &BatteryInput{Scripts: scripts}}, nil

	case OpBatch:
		var set *session.CandidateSet
		var err error
		if req.Degraded {
			set, err = r.deps.Patches.ProposeSetWithoutTest(ctx)
		} else {
			set, err = r.deps.Patches.ProposeSet(ctx, req.Test, req.Baseline)
		}
		if errors.Is(err, session.ErrNoCandidate) {
			return StepInput{Batch: &BatchInput{}}, nil
		}
		if err != nil {
			return StepInput{}, err
		}
		return StepInput{Batch: &BatchInput{Candidates: set.Candidates}}, nil

	case OpSelect:
		sel, err := r.deps.Reviewer.SelectBest(ctx, r.task.Issue, req.Test, req.Baseline, req.Trials)
		if extract.IsMalformed(err) {
			return StepInput{Selection: &SelectionInput{}}, nil
		}
		if err != nil {
			return StepInput{}, err
		}
		return StepInput{Selection: &SelectionInput{Selection: sel, OK: true}}, nil

	case OpAnalyze:
		trial := review.Trial{Patch: req.Patch, Run: req.Run}
		crits, err := r.deps.Reviewer.AnalyzeRejected(ctx, r.task.Issue, r.task.Context, req.Test, req.Baseline, trial)
		if err != nil {
			return StepInput{}, err
		}
		return StepInput{Critiques: &CritiquesInput{Critiques: crits}}, nil

	case OpRefine:
		cand, err := r.deps.Patches.Refine(ctx, session.Rejection{
			Round:    req.Round,
			Slot:     req.Slot,
			Test:     req.Test,
			TestRun:  req.Baseline,
			Patch:    req.Patch,
			PatchRun: req.Run,
			Analysis: req.Critique.Analysis,
			Advice:   req.Critique.Advice,
		})
		if errors.Is(err, session.ErrNoCandidate) {
			return StepInput{Refined: &RefinedInput{}}, nil
		}
		if err != nil {
			return StepInput{}, err
		}
		return StepInput{Refined: &RefinedInput{Candidate: cand}}, nil

	case OpImprove:
		expanded, err := r.deps.Patches.Expand(ctx, req.Patch)
		if err != nil {
			return StepInput{}, err
		}
		compressed, err := r.deps.Patches.Compress(ctx, req.Patch)
		if err != nil {
			return StepInput{}, err
		}
		return StepInput{Improved: &ImprovedInput{Candidates: append(expanded, compressed...)}}, nil
	}
	return StepInput{}, fmt.Errorf("rounds: unknown completion op %v", req.Op)
}

// resolveVerified reuses a previously accepted reproduction when the
// session carries one, paying only a cached baseline replay; otherwise it
// runs the full proposal loop. Either way the clean-tree baseline is
// snapshotted next to the other attempt artifacts.
func (r *Runner) resolveVerified(ctx context.Context) (StepInput, error) {
	if handle, content, ok := r.deps.Tests.LastAccepted(); ok {
		baseline, err := r.deps.Executor.ExecuteCached(ctx, sandbox.EmptyPatchHandle, handle, content, nil)
		if err != nil {
			return StepInput{}, err
		}
		logging.Rounds("resuming with accepted reproduction %s", handle)
		r.snapshotBaseline(handle, baseline)
		return StepInput{Verified: &VerifiedInput{Handle: handle, Test: content, Baseline: baseline, OK: true}}, nil
	}
	vt, err := r.deps.Tests.ProposeVerified(ctx)
	if errors.Is(err, session.ErrNoCandidate) {
		return StepInput{Verified: &VerifiedInput{}}, nil
	}
	if err != nil {
		return StepInput{}, err
	}
	r.snapshotBaseline(vt.Handle, vt.Result)
	return StepInput{Verified: &VerifiedInput{Handle: vt.Handle, Test: vt.Content, Baseline: vt.Result, OK: true}}, nil
}

func (r *Runner) snapshotBaseline(handle string, result *sandbox.ExecutionResult) {
	if err := r.deps.Writer.SaveExecution(sandbox.EmptyPatchHandle, handle, result); err != nil {
		logging.RoundsWarn("baseline snapshot: %v", err)
	}
}

func (r *Runner) execute(ctx context.Context, req *ExecutionRequest) (StepInput, error) {
	res, err := r.deps.Executor.Execute(ctx, req.Test, req.Mods)
	if err != nil {
		return StepInput{}, err
	}
	return StepInput{Execution: &ExecutionInput{Result: res}}, nil
}

// persist writes the emission's deliverables: one diff per stream entry,
// the result records, and on success the attempt's refinement chain.
func (r *Runner) persist(em *Emission) error {
	results := make([]artifacts.Result, 0, len(em.Records))
	for _, rec := range em.Records {
		if err := r.deps.Writer.SavePatch(rec.Index, rec.Expand, rec.Diff); err != nil {
			return err
		}
		res := artifacts.Result{PatchContent: rec.Diff, Differential: rec.Differential}
		if rec.Run != nil {
			res.ReproStdout = rec.Run.Stdout
			res.ReproStderr = rec.Run.Stderr
		}
		results = append(results, res)
	}
	if err := r.deps.Writer.WriteResults(results); err != nil {
		return err
	}
	if em.Success && len(em.Experiences) > 0 {
		if err := r.deps.Writer.WriteExperiences(r.task.Issue, em.Experiences); err != nil {
			return err
		}
	}
	return nil
}
