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

// testStateFile persists a test session inside its task directory.
const testStateFile = "test_session.json"

// Task names the work a session is scoped to.
type Task struct {
	// Dir is the task directory: session state, artifacts, and the
	// experience log all live here.
	Dir string

	// Repo is the project name shown to the oracle ("astropy/astropy").
	Repo string

	// Issue is the full issue statement.
	Issue string

	// Regression is the content of an existing project test file the
	// oracle studies for conventions. Empty means none was found.
	Regression string

	// Context describes collected buggy locations. Only patch sessions
	// read it; empty omits the context message.
	Context string
}

// Executor runs candidate tests in the sandbox.
type Executor interface {
	ExecuteCached(ctx context.Context, patchHandle, testHandle, test string, mods []extract.Modification) (*sandbox.ExecutionResult, error)
}

// Judge decides whether an execution reproduces the issue. A judge that
// cannot produce a verdict within its own retry budget returns an error
// satisfying extract.IsMalformed; the session treats that as no new
// information rather than a failure.
type Judge interface {
	JudgeReproduction(ctx context.Context, issue, test string, result *sandbox.ExecutionResult) (extract.Judgment, error)
}

// Experiences supplies cross-task knowledge bases for retrieval.
type Experiences interface {
	Collect(selfIssue string, kind experience.Kind, view experience.View) ([]experience.Record, error)
}

// TestDeps bundles the collaborators a test session drives.
type TestDeps struct {
	Oracle      oracle.Oracle
	Judge       Judge
	Executor    Executor
	Experiences Experiences
	Retriever   *retrieval.Retriever
}

// TestSession proposes reproduction test scripts for one issue until the
// judge accepts one or the attempt budget runs out.
type TestSession struct {
	task  Task
	deps  TestDeps
	cfg   config.RepairConfig
	state *State
}

// NewTestSession opens (or resumes) the test session for task.
func NewTestSession(cfg *config.Config, task Task, deps TestDeps) (*TestSession, error) {
	st, err := LoadState(filepath.Join(task.Dir, testStateFile))
	if err != nil {
		return nil, err
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.New(nil)
	}
	return &TestSession{task: task, deps: deps, cfg: cfg.Repair, state: st}, nil
}

// State exposes the session ledger. Callers mutate it only through the
// session's own operations; the accessor exists for resume inspection.
func (s *TestSession) State() *State { return s.state }

// LastAccepted returns the most recently accepted test, if any. Resumed
// attempts use it to skip re-proposing.
func (s *TestSession) LastAccepted() (handle, content string, ok bool) {
	if len(s.state.Accepted) == 0 {
		return "", "", false
	}
	handle = s.state.Accepted[len(s.state.Accepted)-1]
	return handle, s.state.Extracted[handle], true
}

func (s *TestSession) save() error {
	return s.state.Save(filepath.Join(s.task.Dir, testStateFile))
}

// Proposal is the outcome of one oracle request. Content is empty and
// Extracted false when the response had no unambiguous script; the request
// index still advanced.
type Proposal struct {
	Handle    string
	Response  string
	Content   string
	Extracted bool
}

// VerifiedTest is an accepted reproduction: the judged script plus its
// baseline execution on the pristine checkout.
type VerifiedTest struct {
	Handle  string
	Content string
	Result  *sandbox.ExecutionResult
}

// =============================================================================
// PROPOSING
// =============================================================================

// Propose issues a single first-try request: issue plus conventions plus a
// retrieved example, no feedback replay. Extraction failure is not an
// error.
func (s *TestSession) Propose(ctx context.Context) (*Proposal, error) {
	return s.proposeInitial(ctx)
}

func (s *TestSession) proposeInitial(ctx context.Context) (*Proposal, error) {
	example := s.initialExample()

	t := &thread{}
	t.user("Here is the issue description:\n" + issueBlock(s.task.Issue))
	if s.task.Regression != "" {
		t.user(regressionFilePrompt(s.task.Regression))
	}
	t.user(proposeTestPrefix + fmt.Sprintf(writeTestRequirementsWithExampleFmt, example))

	return s.complete(ctx, t, "propose_test")
}

func (s *TestSession) proposeRevised(ctx context.Context) (*Proposal, error) {
	t := &thread{}
	t.user("Here is the issue description:\n" + issueBlock(s.task.Issue))
	if s.task.Regression != "" {
		t.user(regressionFilePrompt(s.task.Regression))
	}
	t.user(proposeTestPrefix + writeTestRequirements)

	for _, handle := range s.state.FeedbackHandles(s.cfg.FeedbackWindow) {
		feedbacks := s.state.Feedback[handle]
		if len(feedbacks) == 0 {
			logging.SessionDebug("test %s has no feedback; skipping replay", handle)
			continue
		}
		t.assistant(s.state.Responses[handle])
		for _, fb := range feedbacks {
			t.user(fb)
		}
		t.user(reviseTestPrefix + writeTestRequirements)
	}

	return s.complete(ctx, t, "revise_test")
}

// complete fires the assembled thread, advances the request index, and
// extracts the candidate script.
func (s *TestSession) complete(ctx context.Context, t *thread, purpose string) (*Proposal, error) {
	req := t.request(purpose, fmt.Sprintf(testSystemPromptFmt, s.task.Repo), "", 0)
	resp, err := s.deps.Oracle.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("session: %s: %w", purpose, err)
	}

	handle := s.state.NextHandle()
	if err := s.save(); err != nil {
		return nil, err
	}
	writeArtifact(s.task.Dir, "response_"+handle+".md", resp.Text)

	content, err := extract.TestScript(resp.Text)
	if err != nil {
		logging.Session("test %s: %v", handle, err)
		return &Proposal{Handle: handle, Response: resp.Text}, nil
	}
	return &Proposal{Handle: handle, Response: resp.Text, Content: content, Extracted: true}, nil
}

// initialExample retrieves one accepted first-try test from another issue.
// Retrieval trouble degrades to the reference placeholder; proposing must
// stay possible on an empty knowledge base.
func (s *TestSession) initialExample() string {
	kb, err := s.deps.Experiences.Collect(s.task.Issue, experience.KindTest, experience.ViewInitial)
	if err != nil {
		logging.SessionWarn("initial example collection failed: %v", err)
		return "Not available"
	}
	scored, err := s.deps.Retriever.RetrieveExamples(kb, retrieval.TestInitial(s.task.Issue))
	if err != nil || len(scored) == 0 {
		if err != nil {
			logging.SessionWarn("initial example retrieval failed: %v", err)
		}
		return "Not available"
	}
	return strings.TrimSpace(scored[0].Record.NewArtifact)
}

// feedbackExamples retrieves repairs of tests that failed the same way.
func (s *TestSession) feedbackExamples(testContent string, result *sandbox.ExecutionResult) []experience.Record {
	kb, err := s.deps.Experiences.Collect(s.task.Issue, experience.KindTest, experience.ViewFeedback)
	if err != nil {
		logging.SessionWarn("feedback example collection failed: %v", err)
		return nil
	}
	scored, err := s.deps.Retriever.RetrieveExamples(kb, retrieval.TestFeedback(result.Output(), testContent))
	if err != nil {
		logging.SessionWarn("feedback example retrieval failed: %v", err)
		return nil
	}
	records := make([]experience.Record, 0, len(scored))
	for _, sc := range scored {
		records = append(records, sc.Record)
	}
	return records
}

// =============================================================================
// THE VERIFIED-TEST LOOP
// =============================================================================

// ProposeVerified drives propose-execute-judge until the judge accepts a
// script or the attempt budget is spent. Every judged attempt is recorded
// as an experience transition; the accumulated transitions are appended to
// the task experience log at acceptance and at exhaustion. Budget
// exhaustion returns ErrNoCandidate.
func (s *TestSession) ProposeVerified(ctx context.Context) (*VerifiedTest, error) {
	var history []experience.Record
	prevTest, prevOutcome := "", ""
	prevVerdict := experience.VerdictUnknown
	prevExecuted := false

	for attempt := 0; attempt < s.cfg.ProposeRetries; attempt++ {
		var prop *Proposal
		var err error
		if prevExecuted {
			prop, err = s.proposeRevised(ctx)
		} else {
			prop, err = s.proposeInitial(ctx)
		}
		if err != nil {
			return nil, err
		}
		if !prop.Extracted {
			logging.Session("attempt %d/%d: no extractable script, carrying previous state forward",
				attempt+1, s.cfg.ProposeRetries)
			continue
		}

		result, err := s.deps.Executor.ExecuteCached(ctx, sandbox.EmptyPatchHandle, prop.Handle, prop.Content, nil)
		if err != nil {
			return nil, err
		}

		judgment, err := s.deps.Judge.JudgeReproduction(ctx, s.task.Issue, prop.Content, result)
		if err != nil {
			if extract.IsMalformed(err) {
				logging.Session("attempt %d/%d: judge produced no verdict, carrying previous state forward",
					attempt+1, s.cfg.ProposeRetries)
				continue
			}
			return nil, err
		}

		verdict := experience.VerdictFailure
		if judgment.Reproduces() {
			verdict = experience.VerdictSuccess
		}
		history = append(history, experience.Record{
			OldArtifact: prevTest,
			OldOutcome:  prevOutcome,
			OldVerdict:  prevVerdict,
			NewArtifact: prop.Content,
			NewOutcome:  result.Output(),
			NewVerdict:  verdict,
		})

		if judgment.Reproduces() {
			if err := s.state.RegisterAccepted(prop.Handle, prop.Response, prop.Content); err != nil {
				return nil, err
			}
			writeArtifact(s.task.Dir, "reproducer_"+prop.Handle+".py", prop.Content)
			if err := s.save(); err != nil {
				return nil, err
			}
			s.appendExperiences(history)
			logging.Session("test %s accepted after %d attempt(s)", prop.Handle, attempt+1)
			logging.Audit().ReviewVerdict("test_"+prop.Handle, "YES", true)
			return &VerifiedTest{Handle: prop.Handle, Content: prop.Content, Result: result}, nil
		}

		feedback := testRejectionFeedback(result, judgment.Analysis, judgment.Advice,
			s.feedbackExamples(prop.Content, result))
		if err := s.state.RegisterRejected(prop.Handle, prop.Response, prop.Content, feedback); err != nil {
			return nil, err
		}
		writeArtifact(s.task.Dir, "reproducer_"+prop.Handle+".py", prop.Content)
		if err := s.save(); err != nil {
			return nil, err
		}
		logging.Session("test %s rejected: %s", prop.Handle, firstLine(judgment.Advice))
		logging.Audit().ReviewVerdict("test_"+prop.Handle, "NO", false)

		prevTest, prevOutcome = prop.Content, result.Output()
		prevVerdict = experience.VerdictConfirmedFailure
		prevExecuted = true
	}

	s.appendExperiences(history)
	logging.Session("no reproducing test within %d attempts", s.cfg.ProposeRetries)
	return nil, ErrNoCandidate
}

// appendExperiences writes the attempt's transition history to the task
// log. The log is auxiliary memory: losing an append is logged, never
// fatal.
func (s *TestSession) appendExperiences(history []experience.Record) {
	path := experience.LogPath(s.task.Dir, experience.KindTest)
	if err := experience.AppendLog(path, strings.TrimSpace(s.task.Issue), history); err != nil {
		logging.SessionWarn("could not append test experiences: %v", err)
	}
}

// =============================================================================
// DIFFERENTIAL BATTERY
// =============================================================================

// DifferentialTests asks for CandidateTests fresh differential scripts
// seeded with the accepted reproduction and its baseline run. The first
// sample is deterministic, the rest are drawn hot; responses without an
// extractable script are dropped. Scripts are saved as
// verified_test_<i>.py in kept order.
func (s *TestSession) DifferentialTests(ctx context.Context, test string, result *sandbox.ExecutionResult) ([]string, error) {
	t := &thread{}
	t.user("Here is the issue description:\n" + issueBlock(s.task.Issue))
	if s.task.Regression != "" {
		t.user(regressionFilePrompt(s.task.Regression))
	}
	t.user(fmt.Sprintf(differentialRequirementsFmt, strings.TrimSpace(test), result.Output()))
	return s.differentialBattery(ctx, t)
}

// DifferentialTestsUnverified is the degraded-path battery: no accepted
// reproduction exists, so the scripts are built from the issue alone.
func (s *TestSession) DifferentialTestsUnverified(ctx context.Context) ([]string, error) {
	t := &thread{}
	t.user("Here is the issue description:\n" + issueBlock(s.task.Issue))
	if s.task.Regression != "" {
		t.user(regressionFilePrompt(s.task.Regression))
	}
	t.user(differentialRequirementsNoRepro)
	return s.differentialBattery(ctx, t)
}

func (s *TestSession) differentialBattery(ctx context.Context, t *thread) ([]string, error) {
	system := fmt.Sprintf(testSystemPromptFmt, s.task.Repo)
	var scripts []string
	for i := 0; i < s.cfg.CandidateTests; i++ {
		req := t.request("differential_tests", system, "", s.cfg.TemperatureAt(i))
		resp, err := s.deps.Oracle.Complete(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("session: differential battery: %w", err)
		}
		content, err := extract.TestScript(resp.Text)
		if err != nil {
			logging.Session("differential sample %d: %v", i, err)
			continue
		}
		writeArtifact(s.task.Dir, fmt.Sprintf("verified_test_%d.py", len(scripts)), content)
		scripts = append(scripts, content)
	}
	logging.Session("differential battery: kept %d of %d samples", len(scripts), s.cfg.CandidateTests)
	return scripts, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
