//go:build unix

package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func sh(script string) Command {
	return Command{Args: []string{"/bin/sh", "-c", script}}
}

func TestExecRunner_NonZeroExitIsAResult(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 5)
	res := r.Run(context.Background(), sh("echo out; echo err >&2; exit 3"))
	if res.Err != nil {
		t.Fatalf("unexpected start error: %v", res.Err)
	}
	if res.Outcome != Exited || res.ExitCode != 3 || res.Success() {
		t.Fatalf("res=%+v", res)
	}
	if len(res.StdoutTail) != 1 || res.StdoutTail[0] != "out" {
		t.Fatalf("stdout=%v", res.StdoutTail)
	}
	if len(res.StderrTail) != 1 || res.StderrTail[0] != "err" {
		t.Fatalf("stderr=%v", res.StderrTail)
	}
	if len(res.Tail) != 2 {
		t.Fatalf("tail=%v", res.Tail)
	}
}

func TestExecRunner_TailIsBounded(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 3)
	res := r.Run(context.Background(), sh("for i in 1 2 3 4 5 6 7; do echo line$i; done"))
	if !res.Success() {
		t.Fatalf("res=%+v", res)
	}
	if got := strings.Join(res.StdoutTail, ","); got != "line5,line6,line7" {
		t.Fatalf("tail=%s", got)
	}
}

func TestExecRunner_MarkerAndEnv(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 5)
	cmd := sh(`echo "$CI $PMPM_TEST_VALUE"`)
	cmd.Env = []string{"PATH=/bin:/usr/bin", "PMPM_TEST_VALUE=kept"}
	res := r.Run(context.Background(), cmd)
	if !res.Success() || len(res.StdoutTail) != 1 || res.StdoutTail[0] != "true kept" {
		t.Fatalf("res=%+v", res)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 5)
	cmd := sh("sleep 30 & sleep 30; wait")
	cmd.Timeout = 200 * time.Millisecond
	start := time.Now()
	res := r.Run(context.Background(), cmd)
	if res.Outcome != TimedOut || res.Success() {
		t.Fatalf("res=%+v", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout did not stop the process group, took %s", elapsed)
	}
}

func TestExecRunner_ExitBeatsLingeringOutput(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 5)
	r.WaitDelay = 200 * time.Millisecond
	cmd := sh("echo ok; sleep 3 & exit 0")
	cmd.Timeout = time.Second
	res := r.Run(context.Background(), cmd)
	if res.Outcome != Exited || res.ExitCode != 0 {
		t.Fatalf("a background child holding stdout must not turn an exit into a timeout: %+v", res)
	}
	if len(res.StdoutTail) != 1 || res.StdoutTail[0] != "ok" {
		t.Fatalf("stdout=%v", res.StdoutTail)
	}
	if res.Duration > 2500*time.Millisecond {
		t.Fatalf("run waited for the background child: %s", res.Duration)
	}
}

func TestExecRunner_OverlongLine(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 5)
	res := r.Run(context.Background(), sh("head -c 5000000 /dev/zero | tr '\\0' a; echo; echo done; exit 4"))
	if res.Outcome != Exited || res.ExitCode != 4 {
		t.Fatalf("res=%+v", res)
	}
}

func TestExecRunner_Cancel(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 5)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := r.Run(ctx, sh("sleep 30"))
	if res.Outcome != Cancelled {
		t.Fatalf("res=%+v", res)
	}

	res = r.Run(ctx, sh("echo never"))
	if res.Outcome != Cancelled || len(res.StdoutTail) != 0 {
		t.Fatalf("already-cancelled context should not start a process: %+v", res)
	}
}

func TestExecRunner_StartFailure(t *testing.T) {
	r := NewExecRunner(logr.Discard(), 5)
	res := r.Run(context.Background(), Command{Args: []string{"/nonexistent/pmpm-tool"}})
	if res.Outcome != StartFailed || res.Err == nil {
		t.Fatalf("res=%+v", res)
	}
	if res := r.Run(context.Background(), Command{}); res.Outcome != StartFailed {
		t.Fatalf("empty command: %+v", res)
	}
}

func TestTail_Wraps(t *testing.T) {
	tl := newTail(2)
	for i := 0; i < 5; i++ {
		tl.add(fmt.Sprint(i))
	}
	if got := strings.Join(tl.lines(), ","); got != "3,4" {
		t.Fatalf("lines=%s", got)
	}
}
