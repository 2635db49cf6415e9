// File: internal/ledger/ledger.go
// Brief: In-memory install ledger kept in manifest order.

// Package ledger records per-package install outcomes for one run and
// persists them under the prefix so later runs can resume.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/pmpm/internal/manifest"
)

// Status is the state of one package within a run.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Skipped   Status = "skipped"
	TimedOut  Status = "timed_out"
)

// Terminal reports whether no further transition is expected in this run.
func (s Status) Terminal() bool {
	switch s {
	case Succeeded, Failed, Skipped, TimedOut:
		return true
	default:
		return false
	}
}

// Done reports whether later packages may start after this one.
func (s Status) Done() bool {
	return s == Succeeded || s == Skipped
}

func (s Status) Title() string {
	switch s {
	case TimedOut:
		return "TimedOut"
	case "":
		return ""
	default:
		return strings.ToUpper(string(s[:1])) + string(s[1:])
	}
}

var transitions = map[Status][]Status{
	Pending: {Running, Skipped},
	Running: {Succeeded, Failed, TimedOut},
}

// Entry is the record for one package.
type Entry struct {
	Name        string          `json:"name"`
	Method      manifest.Method `json:"method"`
	Status      Status          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	ErrorKind   string          `json:"errorKind,omitempty"`
	Attempts    int             `json:"attempts"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Tail        []string        `json:"tail,omitempty"`
	Duration    time.Duration   `json:"duration"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Totals counts entries by status.
type Totals struct {
	Planned   int `json:"planned"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	TimedOut  int `json:"timedOut"`
}

// Ledger is owned by exactly one engine run.
type Ledger struct {
	RunID     string    `json:"runId"`
	Prefix    string    `json:"prefix"`
	StartedAt time.Time `json:"startedAt"`
	Entries   []*Entry  `json:"entries"`

	index map[string]int
}

// New starts a ledger with every package Pending.
func New(runID, prefix string, pkgs []manifest.PackageSpec) *Ledger {
	l := &Ledger{
		RunID:     runID,
		Prefix:    prefix,
		StartedAt: time.Now().UTC(),
		index:     make(map[string]int, len(pkgs)),
	}
	for i, p := range pkgs {
		l.Entries = append(l.Entries, &Entry{Name: p.Name, Method: p.Method, Status: Pending})
		l.index[p.Name] = i
	}
	return l
}

// Get returns the entry for name.
func (l *Ledger) Get(name string) (*Entry, bool) {
	i, ok := l.index[name]
	if !ok {
		return nil, false
	}
	return l.Entries[i], true
}

// Status returns the status for name, or "" when unknown.
func (l *Ledger) Status(name string) Status {
	if e, ok := l.Get(name); ok {
		return e.Status
	}
	return ""
}

// Transition moves name to the next state and rejects moves the state machine
// does not allow.
func (l *Ledger) Transition(name string, to Status, reason string) (*Entry, error) {
	e, ok := l.Get(name)
	if !ok {
		return nil, fmt.Errorf("ledger has no package %q", name)
	}
	allowed := false
	for _, s := range transitions[e.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("package %q: invalid transition %s -> %s", name, e.Status, to)
	}
	if to == Running {
		if i := l.index[name]; i > 0 {
			for _, prev := range l.Entries[:i] {
				// Members of one batched invocation run together.
				if !prev.Status.Done() && prev.Status != Running {
					return nil, fmt.Errorf("package %q cannot start while %q is %s", name, prev.Name, prev.Status)
				}
			}
		}
	}
	e.Status = to
	e.Reason = reason
	e.UpdatedAt = time.Now().UTC()
	return e, nil
}

// Totals summarizes the ledger.
func (l *Ledger) Totals() Totals {
	t := Totals{Planned: len(l.Entries)}
	for _, e := range l.Entries {
		switch e.Status {
		case Pending:
			t.Pending++
		case Running:
			t.Running++
		case Succeeded:
			t.Succeeded++
		case Failed:
			t.Failed++
		case Skipped:
			t.Skipped++
		case TimedOut:
			t.TimedOut++
		}
	}
	return t
}

// Complete is true when every package Succeeded or was Skipped.
func (l *Ledger) Complete() bool {
	for _, e := range l.Entries {
		if !e.Status.Done() {
			return false
		}
	}
	return true
}

// RunStatus is the overall label persisted with the run.
func (l *Ledger) RunStatus() string {
	t := l.Totals()
	switch {
	case t.Running > 0:
		return "running"
	case t.Failed > 0 || t.TimedOut > 0:
		return "failed"
	case t.Pending > 0:
		return "incomplete"
	default:
		return "succeeded"
	}
}

// Summary maps package name to status in manifest order, for logs and tests.
func (l *Ledger) Summary() string {
	parts := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		parts = append(parts, e.Name+":"+e.Status.Title())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
