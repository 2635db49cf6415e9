// File: internal/ledger/print.go
// Brief: Human-friendly printing for `pmpm ledger`.

package ledger

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

func PrintRunsTable(w io.Writer, runs []RunInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "RUN\tSTATUS\tVARIANT\tPLANNED\tSUCCEEDED\tSKIPPED\tFAILED\tPENDING\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.RunID,
			strings.ToUpper(r.Status),
			r.Variant,
			r.Totals.Planned,
			r.Totals.Succeeded,
			r.Totals.Skipped,
			r.Totals.Failed+r.Totals.TimedOut,
			r.Totals.Pending,
			r.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	return nil
}

// PrintEntriesTable lists one run's packages in install order. Status is the
// last aligned column so color escapes do not skew the layout.
func PrintEntriesTable(w io.Writer, entries []*Entry, colorize bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "PACKAGE\tMETHOD\tATTEMPTS\tDURATION\tSTATUS")
	for _, e := range entries {
		status := fmt.Sprintf("%-10s", e.Status.Title())
		if colorize {
			c := statusColor(e.Status)
			c.EnableColor()
			status = c.Sprint(status)
		}
		detail := e.Reason
		if e.ErrorKind != "" {
			detail = e.ErrorKind + ": " + detail
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s %s\n",
			e.Name,
			e.Method,
			e.Attempts,
			e.Duration.Round(time.Second),
			status,
			detail,
		)
	}
	return nil
}

func statusColor(s Status) *color.Color {
	switch s {
	case Succeeded:
		return color.New(color.FgGreen)
	case Skipped:
		return color.New(color.Faint)
	case Failed, TimedOut:
		return color.New(color.FgRed, color.Bold)
	case Running:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}
