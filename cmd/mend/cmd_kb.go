package main

import (
	"fmt"
	"os"
	"strings"

	"mendloop/internal/experience"
	"mendloop/internal/retrieval"

	"github.com/spf13/cobra"
)

var (
	kbIssue string
	kbKind  string
	kbPatch string
	kbRepo  string
)

// kbCmd shows what the retriever would fetch for an issue
var kbCmd = &cobra.Command{
	Use:   "kb [runs-root]",
	Short: "Show what the retriever would fetch for an issue",
	Long: `Pools the experience logs under a runs root into the shared
knowledge base and ranks its records for the given issue, exactly as a
live attempt would. Use it to check which worked examples a new attempt
will be offered.

The test kind ranks first-try reproduction writes; the patch kind ranks
repairs of rejected patches and can take a --patch file as the failing
patch to match against.

Examples:
  mend kb .mend/runs --issue issues/astropy-12907.md
  mend kb .mend/runs --issue i.md --kind patch --patch candidate.diff`,
	Args: cobra.ExactArgs(1),
	RunE: runKB,
}

func init() {
	kbCmd.Flags().StringVar(&kbIssue, "issue", "", "Issue statement file (required)")
	kbCmd.Flags().StringVar(&kbKind, "kind", "test", "Knowledge base kind: test or patch")
	kbCmd.Flags().StringVar(&kbPatch, "patch", "", "Failing patch file for the patch profile query")
	kbCmd.Flags().StringVar(&kbRepo, "repo", "mend", "Repository label for the pooled knowledge base file")
	_ = kbCmd.MarkFlagRequired("issue")
}

func runKB(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(kbIssue)
	if err != nil {
		return fmt.Errorf("read issue file: %w", err)
	}
	issue := strings.TrimSpace(string(data))

	var kind experience.Kind
	var view experience.View
	var profile retrieval.Profile
	switch kbKind {
	case "test":
		kind, view = experience.KindTest, experience.ViewInitial
		profile = retrieval.TestInitial(issue)
	case "patch":
		kind, view = experience.KindPatch, experience.ViewFeedback
		var patch string
		if kbPatch != "" {
			data, err := os.ReadFile(kbPatch)
			if err != nil {
				return fmt.Errorf("read patch file: %w", err)
			}
			patch = string(data)
		}
		profile = retrieval.PatchRefine(issue, patch)
	default:
		return fmt.Errorf("unknown kind %q (valid: test, patch)", kbKind)
	}

	experiences := experience.NewStore(args[0], kbRepo)
	kb, err := experiences.Collect(issue, kind, view)
	if err != nil {
		return err
	}
	if len(kb) == 0 {
		fmt.Println("knowledge base is empty: no sibling attempt has logged experiences yet")
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	retr := retrieval.New(&retrieval.Options{
		TopK:        cfg.Retrieval.TopK,
		MaxExamples: cfg.Retrieval.MaxExamples,
		K1:          cfg.Retrieval.K1,
		B:           cfg.Retrieval.B,
	})
	ranked, err := retr.Retrieve(kb, profile)
	if err != nil {
		return err
	}

	fmt.Printf("%d records in the %s knowledge base, %d ranked:\n", len(kb), kind, len(ranked))
	for i, s := range ranked {
		fmt.Printf("%3d. %6.3f  %s -> %s  %s\n",
			i+1, s.Score, s.Record.OldVerdict, s.Record.NewVerdict, firstLine(s.Record.IssueDescription))
	}

	examples := retrieval.Diversify(ranked, cfg.Retrieval.MaxExamples)
	fmt.Printf("\noffered to the prompt after the diversity walk:\n")
	for i, s := range examples {
		fmt.Printf("%3d. %6.3f  %s\n", i+1, s.Score, firstLine(s.Record.IssueDescription))
	}
	return nil
}

// firstLine truncates s to a single listing-friendly line.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 96 {
		s = s[:96] + "..."
	}
	return s
}
