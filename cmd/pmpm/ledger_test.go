package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/example/pmpm/internal/ledger"
	"github.com/example/pmpm/internal/manifest"
)

func seedLedger(t *testing.T, prefix string) {
	t.Helper()
	s, err := ledger.Open(prefix, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	l := ledger.New("run-1", prefix, []manifest.PackageSpec{
		{Name: "numpy", Method: manifest.MethodConda},
		{Name: "libmadam", Method: manifest.MethodSource, Recipe: "autotools"},
		{Name: "toast", Method: manifest.MethodSource, Recipe: "cmake"},
	})
	if err := s.CreateRun(ctx, l, ledger.RunMeta{Manifest: "linux-nomkl-nompi.yml", Mode: "conda_install", Variant: "os=linux mpi=none mkl=false"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	_, _ = l.Transition("numpy", ledger.Running, "")
	_, _ = l.Transition("numpy", ledger.Succeeded, "")
	_, _ = l.Transition("libmadam", ledger.Running, "")
	e, _ := l.Transition("libmadam", ledger.Failed, "configure: exited with code 1")
	e.ErrorKind = "BuildError"
	e.Attempts = 1
	if err := s.CompleteRun(ctx, l); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.AcquireLock(ctx, "someone@host", time.Hour, false, "run-2"); err != nil {
		t.Fatalf("lock: %v", err)
	}
}

func TestLedgerTable(t *testing.T) {
	prefix := t.TempDir()
	seedLedger(t, prefix)
	out, _, err := execute(t, "ledger", prefix)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	for _, want := range []string{"run-1", "FAILED", "libmadam", "BuildError: configure: exited with code 1", "locked by someone@host"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestLedgerJSON(t *testing.T) {
	prefix := t.TempDir()
	seedLedger(t, prefix)
	out, _, err := execute(t, "ledger", prefix, "-o", "json")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	var report ledgerReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if report.RunID != "run-1" || len(report.Entries) != 3 || report.Lock == nil {
		t.Fatalf("report=%+v", report)
	}
	if report.Entries[2].Status != ledger.Pending {
		t.Fatalf("toast should stay pending, got %s", report.Entries[2].Status)
	}
}

func TestLedgerErrors(t *testing.T) {
	_, _, err := execute(t, "ledger", t.TempDir())
	if code := exitCode(err); code != exitConfiguration {
		t.Fatalf("missing ledger: exit=%d err=%v", code, err)
	}
	prefix := t.TempDir()
	seedLedger(t, prefix)
	_, _, err = execute(t, "ledger", prefix, "--run", "nope")
	if code := exitCode(err); code != exitConfiguration {
		t.Fatalf("unknown run: exit=%d err=%v", code, err)
	}
	_, _, err = execute(t, "ledger", prefix, "-o", "xml")
	if code := exitCode(err); code != exitConfiguration {
		t.Fatalf("bad output: exit=%d err=%v", code, err)
	}
}
