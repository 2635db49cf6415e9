// File: cmd/pmpm/ledger.go
// Brief: `pmpm ledger` command wiring.

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/ledger"
	"github.com/example/pmpm/internal/ui"
)

type ledgerReport struct {
	Prefix  string           `json:"prefix"`
	Runs    []ledger.RunInfo `json:"runs"`
	RunID   string           `json:"runId,omitempty"`
	Entries []*ledger.Entry  `json:"entries,omitempty"`
	Lock    *ledger.Lock     `json:"lock,omitempty"`
}

func newLedgerCommand() *cobra.Command {
	var output string
	var limit int
	var runID string
	cmd := &cobra.Command{
		Use:   "ledger <prefix>",
		Short: "Show recorded install runs and per-package outcomes for a prefix",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := homedir.Expand(strings.TrimSpace(args[0]))
			if err != nil {
				return failure.Configf("invalid prefix %q: %v", args[0], err)
			}
			if !ledger.Exists(prefix) {
				return failure.Configf("no pmpm ledger in %s", prefix)
			}
			store, err := ledger.Open(prefix, true)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			report := ledgerReport{Prefix: prefix, RunID: runID}
			if report.Runs, err = store.ListRuns(ctx, limit); err != nil {
				return err
			}
			if report.RunID == "" && len(report.Runs) > 0 {
				report.RunID = report.Runs[0].RunID
			}
			if report.RunID != "" {
				if report.Entries, err = store.Entries(ctx, report.RunID); err != nil {
					return err
				}
				if len(report.Entries) == 0 && runID != "" {
					return failure.Configf("run %s not found in %s", runID, prefix)
				}
			}
			if report.Lock, err = store.GetLock(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch strings.ToLower(strings.TrimSpace(output)) {
			case "", "table":
				if err := ledger.PrintRunsTable(out, report.Runs); err != nil {
					return err
				}
				if report.RunID != "" {
					fmt.Fprintf(out, "\nrun %s\n", report.RunID)
					colorize := ui.IsTerminalWriter(out) && !color.NoColor
					if err := ledger.PrintEntriesTable(out, report.Entries, colorize); err != nil {
						return err
					}
				}
				if l := report.Lock; l != nil && l.ExpiresAt.After(time.Now()) {
					fmt.Fprintf(out, "\nlocked by %s (run %s) until %s\n", l.Owner, l.RunID, l.ExpiresAt.Local().Format(time.DateTime))
				}
				return nil
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			default:
				return failure.Configf("unknown --output %q (expected table|json)", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	cmd.Flags().IntVar(&limit, "runs", 20, "Maximum number of runs to list (newest first)")
	cmd.Flags().StringVar(&runID, "run", "", "Show packages of this run instead of the most recent one")
	return cmd
}
