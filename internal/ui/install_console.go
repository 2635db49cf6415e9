// File: internal/ui/install_console.go
// Brief: Line-oriented progress output for install runs.

package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/example/pmpm/internal/ledger"
)

type InstallConsoleOptions struct {
	// Color forces or disables ANSI color; the zero value defers to fatih/color's detection.
	Color   *bool
	Verbose bool
	Width   int
}

// InstallConsole prints one line per package transition. It implements
// ledger.Observer.
type InstallConsole struct {
	out  io.Writer
	opts InstallConsoleOptions

	mu        sync.Mutex
	runID     string
	startedAt time.Time
	started   map[string]time.Time
	failures  []installFailure
}

type installFailure struct {
	pkg  string
	kind string
	msg  string
}

func NewInstallConsole(out io.Writer, opts InstallConsoleOptions) *InstallConsole {
	return &InstallConsole{out: out, opts: opts, started: map[string]time.Time{}}
}

func (c *InstallConsole) ObserveEvent(ev ledger.Event) {
	if c == nil || c.out == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case ledger.RunStarted:
		c.runID = ev.RunID
		c.startedAt = ev.TS
		c.printf(c.paint(color.Bold), "pmpm install • run %s • %s", shortID(ev.RunID), ev.Message)
	case ledger.PackageRunning:
		c.started[ev.Package] = ev.TS
		c.printf(c.paint(color.FgCyan), "  → %-24s %s", ev.Package, ev.Method)
	case ledger.PackageSkipped:
		if c.opts.Verbose && ev.Message != "" {
			c.printf(c.paint(color.Faint), "  ↷ %-24s skipped (%s)", ev.Package, ev.Message)
		} else {
			c.printf(c.paint(color.Faint), "  ↷ %-24s skipped", ev.Package)
		}
	case ledger.RetryScheduled:
		c.printf(c.paint(color.FgYellow), "  ↻ %-24s retry %d (%s)", ev.Package, ev.Attempt, ev.Message)
	case ledger.PackageSucceeded:
		c.printf(c.paint(color.FgGreen), "  ✓ %-24s %s", ev.Package, c.elapsed(ev))
	case ledger.PackageFailed:
		label := "failed"
		if ev.Status == ledger.TimedOut {
			label = "timed out"
		}
		c.printf(c.paint(color.FgRed, color.Bold), "  ✗ %-24s %s %s", ev.Package, label, c.elapsed(ev))
		c.failures = append(c.failures, installFailure{pkg: ev.Package, kind: ev.ErrorKind, msg: ev.ErrorMessage})
	case ledger.RunCompleted:
		c.renderFailuresLocked()
		elapsed := ""
		if !c.startedAt.IsZero() && !ev.TS.IsZero() {
			elapsed = " in " + ev.TS.Sub(c.startedAt).Round(100*time.Millisecond).String()
		}
		attrs := []color.Attribute{color.FgGreen, color.Bold}
		if ev.Message != "succeeded" {
			attrs = []color.Attribute{color.FgRed, color.Bold}
		}
		c.printf(c.paint(attrs...), "run %s%s", strings.ToUpper(ev.Message), elapsed)
	}
}

func (c *InstallConsole) renderFailuresLocked() {
	if len(c.failures) == 0 {
		return
	}
	c.printf(c.paint(color.FgRed, color.Bold), "FAILURES")
	for _, f := range c.failures {
		msg := f.msg
		if limit := c.opts.Width - 8; limit > 20 && len(msg) > limit {
			msg = msg[:limit] + "…"
		}
		c.printf(c.paint(color.FgRed), "  %s %s: %s", f.pkg, f.kind, msg)
	}
}

func (c *InstallConsole) elapsed(ev ledger.Event) string {
	start, ok := c.started[ev.Package]
	if !ok || ev.TS.IsZero() {
		return ""
	}
	return ev.TS.Sub(start).Round(100 * time.Millisecond).String()
}

func (c *InstallConsole) paint(attrs ...color.Attribute) *color.Color {
	col := color.New(attrs...)
	if c.opts.Color != nil {
		if *c.opts.Color {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return col
}

func (c *InstallConsole) printf(col *color.Color, format string, args ...any) {
	fmt.Fprintln(c.out, col.Sprintf(format, args...))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
