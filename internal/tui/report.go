package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"

	"mendloop/internal/artifacts"
	"mendloop/internal/experience"
	"mendloop/internal/sandbox"
	"mendloop/internal/store"
)

// Report summarizes one finished task directory from its artifacts.
type Report struct {
	Attempt        string
	Candidates     int
	Variants       int
	BatteryScripts int

	// Baseline is the clean-tree reproduction run; nil means the attempt
	// ran degraded.
	BaselineHandle string
	Baseline       *sandbox.ExecutionResult

	// Success and Accepted come from the refinement chain's last record.
	Success  bool
	Accepted string
	Chain    int

	// Usage is the oracle spend rollup when a ledger is available.
	Usage *store.UsageReport
}

// CollectReport gathers a report from the artifacts in dir. The caller
// attaches Usage separately when it has a ledger open.
func CollectReport(dir string) (*Report, error) {
	r := &Report{Attempt: filepath.Base(dir)}

	records, err := artifacts.ReadResults(dir)
	if err != nil {
		return nil, err
	}
	r.Candidates = len(records)
	if len(records) > 0 {
		r.BatteryScripts = len(records[0].Differential)
	}

	variants, _ := filepath.Glob(filepath.Join(dir, "extracted_expand_patch_*.diff"))
	r.Variants = len(variants)

	if matches, _ := filepath.Glob(filepath.Join(dir, "execution_EMPTY_*.json")); len(matches) > 0 {
		name := filepath.Base(matches[0])
		r.BaselineHandle = strings.TrimSuffix(strings.TrimPrefix(name, "execution_EMPTY_"), ".json")
		if data, err := os.ReadFile(matches[0]); err == nil {
			var res sandbox.ExecutionResult
			if json.Unmarshal(data, &res) == nil {
				r.Baseline = &res
			}
		}
	}

	chain, err := experience.ReadLog(experience.LogPath(dir, experience.KindPatch))
	if err == nil && len(chain) > 0 {
		r.Chain = len(chain)
		last := chain[len(chain)-1]
		if last.NewVerdict == experience.VerdictSuccess {
			r.Success = true
			r.Accepted = last.NewArtifact
		}
	}
	return r, nil
}

// Markdown lays the report out for glamour.
func (r *Report) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# mend report — %s\n\n", r.Attempt)

	switch {
	case r.Success:
		sb.WriteString("**Outcome:** patch accepted\n\n")
	case r.Baseline == nil:
		sb.WriteString("**Outcome:** degraded — no verified reproduction\n\n")
	default:
		sb.WriteString("**Outcome:** no accepted patch\n\n")
	}

	sb.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Candidates | %d (%d variants) |\n", r.Candidates, r.Variants)
	fmt.Fprintf(&sb, "| Differential scripts | %d |\n", r.BatteryScripts)
	if r.Baseline != nil {
		fmt.Fprintf(&sb, "| Baseline | test %s, rc=%d |\n", r.BaselineHandle, r.Baseline.ReturnCode)
	}
	if r.Chain > 0 {
		fmt.Fprintf(&sb, "| Refinement chain | %d transitions |\n", r.Chain)
	}
	if r.Usage != nil {
		fmt.Fprintf(&sb, "| Oracle calls | %d (%d failed) |\n", r.Usage.Calls, r.Usage.Failures)
		fmt.Fprintf(&sb, "| Oracle spend | $%.4f |\n", r.Usage.CostUSD())
	}
	sb.WriteString("\n")

	if r.Accepted != "" {
		stats := sandbox.ParseDiffStats(r.Accepted)
		fmt.Fprintf(&sb, "## Accepted patch (+%d −%d)\n\n```diff\n%s\n```\n",
			stats.LinesAdded, stats.LinesRemoved, strings.TrimSpace(r.Accepted))
	}

	if r.Usage != nil && len(r.Usage.Models) > 0 {
		sb.WriteString("\n## Spend by model\n\n")
		sb.WriteString("| model | calls | prompt tok | completion tok | cost |\n|---|---|---|---|---|\n")
		for _, m := range r.Usage.Models {
			fmt.Fprintf(&sb, "| %s | %d | %d | %d | $%.4f |\n",
				modelName(m.Model), m.Calls, m.PromptTokens, m.CompletionTokens,
				float64(m.CostMicroUSD)/1e6)
		}
	}
	return sb.String()
}

func modelName(model string) string {
	if model == "" {
		return "default"
	}
	return model
}

// Render renders markdown for the terminal. Rendering trouble degrades to
// the raw markdown rather than failing the command.
func Render(markdown string, width int) string {
	if width <= 0 {
		width = 100
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return markdown
	}
	out, err := renderer.Render(markdown)
	if err != nil {
		return markdown
	}
	return out
}
