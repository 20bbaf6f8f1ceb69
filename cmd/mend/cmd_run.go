package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"mendloop/internal/artifacts"
	"mendloop/internal/config"
	"mendloop/internal/experience"
	"mendloop/internal/extract"
	"mendloop/internal/logging"
	"mendloop/internal/oracle"
	"mendloop/internal/retrieval"
	"mendloop/internal/review"
	"mendloop/internal/rounds"
	"mendloop/internal/sandbox"
	"mendloop/internal/session"
	"mendloop/internal/store"
	"mendloop/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	runIssues     []string
	runRepo       string
	runRuns       string
	runJobs       int
	runPlain      bool
	runRegression string
	runLocations  string
)

// runCmd drives repair attempts, one per issue file
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run repair attempts, one per issue file",
	Long: `Runs the repair loop against the configured testbed checkout.

Each --issue file becomes one attempt with its own task directory under
the runs root, named after the issue file stem. An attempt writes a
verified reproduction test, proposes candidate patches, reviews their
executions, and refines the rejects until a patch is accepted or the
round budget runs out. A task directory that already holds session state
resumes where it left off.

Attempts share one physical checkout: with --jobs above one, oracle
calls overlap while patch application and execution serialize.

Examples:
  mend run --issue issues/astropy-12907.md --repo ../astropy
  mend run --issue a.md --issue b.md --jobs 2 --plain`,
	RunE: runRepair,
}

func init() {
	runCmd.Flags().StringArrayVar(&runIssues, "issue", nil, "Issue statement file (repeatable, required)")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Testbed checkout to repair (overrides config)")
	runCmd.Flags().StringVar(&runRuns, "runs", ".mend/runs", "Directory holding one task directory per attempt")
	runCmd.Flags().IntVar(&runJobs, "jobs", 1, "Attempts run in parallel")
	runCmd.Flags().BoolVar(&runPlain, "plain", false, "Log progress lines instead of the live dashboard")
	runCmd.Flags().StringVar(&runRegression, "regression", "", "Existing project test file the oracle studies for conventions")
	runCmd.Flags().StringVar(&runLocations, "locations", "", "File describing the collected buggy locations")
	_ = runCmd.MarkFlagRequired("issue")
}

// attemptOutcome is what one finished attempt leaves behind for the
// end-of-run summary.
type attemptOutcome struct {
	name     string
	emission *rounds.Emission
	err      error
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runRepo != "" {
		cfg.Sandbox.Testbed = runRepo
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if runJobs < 1 {
		return fmt.Errorf("--jobs must be at least 1")
	}

	testbed, err := filepath.Abs(cfg.Sandbox.Testbed)
	if err != nil {
		return fmt.Errorf("resolve testbed: %w", err)
	}
	repoLabel := filepath.Base(testbed)

	ws, err := config.FindWorkspaceRoot()
	if err != nil {
		ws, _ = os.Getwd()
	}
	if err := logging.Initialize(ws); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	tasks, err := loadTasks(repoLabel)
	if err != nil {
		return err
	}

	var ledger *store.Ledger
	if cfg.Store.LedgerPath != "" {
		ledger, err = store.NewLedger(cfg.Store.LedgerPath, store.CostsFromConfig(cfg.Store.Costs))
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer ledger.Close()
	}
	var durable *store.ResultCache
	if cfg.Store.CachePath != "" {
		durable, err = store.NewResultCache(cfg.Store.CachePath)
		if err != nil {
			return fmt.Errorf("open result cache: %w", err)
		}
		defer durable.Close()
	}

	base, err := oracle.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}

	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = filepath.Base(t.Dir)
	}

	var program *tea.Program
	if !runPlain {
		program = tea.NewProgram(tui.NewModel(names), tea.WithAltScreen())
	}

	observe := func(p rounds.Progress) {
		if program != nil {
			program.Send(tui.ProgressMsg{Attempt: p.Attempt, Round: p.Round, Stage: p.Stage})
			return
		}
		logger.Info("attempt progress",
			zap.String("attempt", p.Attempt),
			zap.Int("round", p.Round),
			zap.String("stage", p.Stage))
	}

	// One checkout, many attempts: the lock serializes sandbox use while
	// oracle calls overlap.
	var sandboxMu sync.Mutex
	outcomes := make([]attemptOutcome, len(tasks))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(runJobs)
		for i, task := range tasks {
			g.Go(func() error {
				em, aerr := runAttempt(ctx, cfg, base, ledger, durable, &sandboxMu, task, observe)
				outcomes[i] = attemptOutcome{name: filepath.Base(task.Dir), emission: em, err: aerr}
				if program != nil {
					msg := tui.DoneMsg{Attempt: outcomes[i].name, Err: aerr}
					if em != nil {
						msg.Success = em.Success
						msg.Degraded = em.Degraded
						msg.Candidates = len(em.Records)
						msg.Passes = em.Passes
					}
					program.Send(msg)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	if program != nil {
		if _, perr := program.Run(); perr != nil {
			cancel()
			<-done
			return fmt.Errorf("dashboard: %w", perr)
		}
		// Quitting the dashboard abandons unfinished attempts.
		cancel()
	}
	<-done

	return summarize(outcomes)
}

// loadTasks builds one session task per issue file. The task directory is
// named after the issue file stem so re-running the same issue resumes in
// place.
func loadTasks(repoLabel string) ([]session.Task, error) {
	var regression, locations string
	if runRegression != "" {
		data, err := os.ReadFile(runRegression)
		if err != nil {
			return nil, fmt.Errorf("read regression file: %w", err)
		}
		regression = string(data)
	}
	if runLocations != "" {
		data, err := os.ReadFile(runLocations)
		if err != nil {
			return nil, fmt.Errorf("read locations file: %w", err)
		}
		locations = string(data)
	}

	tasks := make([]session.Task, 0, len(runIssues))
	seen := make(map[string]struct{}, len(runIssues))
	for _, path := range runIssues {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read issue file: %w", err)
		}
		issue := strings.TrimSpace(string(data))
		if issue == "" {
			return nil, fmt.Errorf("issue file %s is empty", path)
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("issue files share the stem %q; task directories would collide", name)
		}
		seen[name] = struct{}{}

		dir := filepath.Join(runRuns, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create task dir: %w", err)
		}
		tasks = append(tasks, session.Task{
			Dir:        dir,
			Repo:       repoLabel,
			Issue:      issue,
			Regression: regression,
			Context:    locations,
		})
	}
	return tasks, nil
}

// runAttempt wires one attempt's collaborators and drives it to its
// emission. An attempt that merely keeps its rejects is a normal emission;
// only collaborator failures surface as the returned error.
func runAttempt(ctx context.Context, cfg *config.Config, base oracle.Oracle, ledger *store.Ledger, durable *store.ResultCache, mu *sync.Mutex, task session.Task, observe func(rounds.Progress)) (*rounds.Emission, error) {
	attemptID := filepath.Base(task.Dir)

	var sink oracle.TraceSink
	if ledger != nil {
		sink = ledger
	}
	oc := oracle.WithTracing(base, sink, attemptID)

	harness, err := sandbox.NewHarness(cfg, sandbox.WithCache(sandbox.NewResultCache(attemptID, durable)))
	if err != nil {
		return nil, err
	}
	sb := &lockedSandbox{mu: mu, h: harness}

	retr := retrieval.New(&retrieval.Options{
		TopK:        cfg.Retrieval.TopK,
		MaxExamples: cfg.Retrieval.MaxExamples,
		K1:          cfg.Retrieval.K1,
		B:           cfg.Retrieval.B,
	})
	experiences := experience.NewStore(runRuns, task.Repo)
	reviewer := review.New(cfg, task.Repo, oc)

	tests, err := session.NewTestSession(cfg, task, session.TestDeps{
		Oracle:      oc,
		Judge:       reviewer,
		Executor:    sb,
		Experiences: experiences,
		Retriever:   retr,
	})
	if err != nil {
		return nil, err
	}
	patches, err := session.NewPatchSession(cfg, task, session.PatchDeps{
		Oracle:      oc,
		Applier:     sb,
		Experiences: experiences,
		Retriever:   retr,
	})
	if err != nil {
		return nil, err
	}
	writer, err := artifacts.NewWriter(task.Dir)
	if err != nil {
		return nil, err
	}

	runner := rounds.NewRunner(cfg, task, rounds.Deps{
		Tests:    tests,
		Patches:  patches,
		Reviewer: reviewer,
		Executor: sb,
		Writer:   writer,
		Observer: observe,
	})
	return runner.Run(ctx)
}

// lockedSandbox serializes checkout use across concurrent attempts. Each
// attempt keeps its own harness so cache rows carry its attempt id, but
// every harness acts on the same physical checkout, so patch application
// and execution take a process-wide lock.
type lockedSandbox struct {
	mu *sync.Mutex
	h  *sandbox.Harness
}

func (s *lockedSandbox) Execute(ctx context.Context, test string, mods []extract.Modification) (*sandbox.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Execute(ctx, test, mods)
}

func (s *lockedSandbox) ExecuteCached(ctx context.Context, patchHandle, testHandle, test string, mods []extract.Modification) (*sandbox.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.ExecuteCached(ctx, patchHandle, testHandle, test, mods)
}

func (s *lockedSandbox) TryPatch(ctx context.Context, mods []extract.Modification) (*sandbox.PatchReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.TryPatch(ctx, mods)
}

// summarize prints one line per attempt and decides the exit status.
// Attempts that kept only rejects still count as completed; hard failures
// and cancellations make the command fail.
func summarize(outcomes []attemptOutcome) error {
	var failed int
	for _, o := range outcomes {
		switch {
		case errors.Is(o.err, context.Canceled):
			fmt.Printf("%s: cancelled\n", o.name)
			failed++
		case o.err != nil:
			fmt.Printf("%s: failed: %v\n", o.name, o.err)
			failed++
		case o.emission == nil:
			fmt.Printf("%s: no emission\n", o.name)
			failed++
		case o.emission.Degraded:
			fmt.Printf("%s: degraded, %d unverified candidates kept\n", o.name, len(o.emission.Records))
		case o.emission.Success:
			fmt.Printf("%s: patch accepted (%d candidates, %d review passes)\n", o.name, len(o.emission.Records), o.emission.Passes)
		default:
			fmt.Printf("%s: no accepted patch, %d candidates kept\n", o.name, len(o.emission.Records))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d attempts did not finish", failed, len(outcomes))
	}
	return nil
}
