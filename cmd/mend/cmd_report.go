package main

import (
	"fmt"
	"os"

	"mendloop/internal/store"
	"mendloop/internal/tui"

	"github.com/spf13/cobra"
)

var reportWidth int

// reportCmd renders one attempt's artifacts as a readable summary
var reportCmd = &cobra.Command{
	Use:   "report [task-dir]",
	Short: "Render a finished attempt's artifacts as a terminal summary",
	Long: `Reads the artifact stream of one task directory and renders it:
outcome, candidate counts, the differential battery, the accepted patch
with its diff stats, the refinement chain length, and oracle spend when
the call ledger is on disk.

Example:
  mend report .mend/runs/astropy-12907`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().IntVar(&reportWidth, "width", 0, "Wrap width for the rendered report (0 uses the default)")
}

func runReport(cmd *cobra.Command, args []string) error {
	report, err := tui.CollectReport(args[0])
	if err != nil {
		return err
	}

	// Spend is best-effort: a missing ledger just omits the section. The
	// stat guard keeps the report from creating an empty database.
	if cfg, cerr := loadConfig(); cerr == nil && cfg.Store.LedgerPath != "" {
		if _, serr := os.Stat(cfg.Store.LedgerPath); serr == nil {
			ledger, lerr := store.NewLedger(cfg.Store.LedgerPath, store.CostsFromConfig(cfg.Store.Costs))
			if lerr == nil {
				if usage, uerr := ledger.Usage(report.Attempt); uerr == nil && usage.Calls > 0 {
					report.Usage = usage
				}
				ledger.Close()
			}
		}
	}

	fmt.Print(tui.Render(report.Markdown(), reportWidth))
	return nil
}
