// File: internal/runner/runner.go
// Brief: Process runner: the only place pmpm starts external programs.

// Package runner executes installer and build commands. A non-zero exit is a
// normal Result, never an error; output is streamed to the logger while only
// a bounded tail is retained.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// MarkerEnv is exported to every subprocess so wrapped tools (conda, pip,
// configure scripts) run non-interactively.
const MarkerEnv = "CI=true"

// DefaultTailLines bounds the retained output per stream.
const DefaultTailLines = 40

// Outcome separates the ways a command can end.
type Outcome int

const (
	Exited Outcome = iota
	TimedOut
	Cancelled
	StartFailed
)

func (o Outcome) String() string {
	switch o {
	case Exited:
		return "exited"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	case StartFailed:
		return "start-failed"
	default:
		return "unknown"
	}
}

// Command is one invocation.
type Command struct {
	Args []string
	// Env replaces the inherited environment when non-nil.
	Env     []string
	Dir     string
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result reports how a command ended.
type Result struct {
	Outcome    Outcome
	ExitCode   int
	StdoutTail []string
	StderrTail []string
	// Tail interleaves both streams in arrival order.
	Tail     []string
	Duration time.Duration
	// Err is set only when the process could not be started.
	Err error
}

// Success is true for a zero exit.
func (r Result) Success() bool {
	return r.Outcome == Exited && r.ExitCode == 0
}

// Runner is the capability the install engine depends on.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, cmd Command) Result

func (f Func) Run(ctx context.Context, cmd Command) Result { return f(ctx, cmd) }

// DefaultWaitDelay bounds how long output is drained after the command has
// exited. Background children that inherited stdout are not waited for.
const DefaultWaitDelay = 2 * time.Second

// ExecRunner runs commands with os/exec in their own process group.
type ExecRunner struct {
	Log       logr.Logger
	TailLines int
	// Marker overrides MarkerEnv; set to "-" to disable.
	Marker string
	// Stream, when set, receives every output line.
	Stream io.Writer
	// WaitDelay overrides DefaultWaitDelay.
	WaitDelay time.Duration
}

// NewExecRunner returns a runner logging through log.
func NewExecRunner(log logr.Logger, tailLines int) *ExecRunner {
	return &ExecRunner{Log: log, TailLines: tailLines}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) Result {
	start := time.Now()
	if len(c.Args) == 0 {
		return Result{Outcome: StartFailed, ExitCode: -1, Err: fmt.Errorf("empty command")}
	}
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Cancelled, ExitCode: -1, Err: err}
	}
	lines := r.TailLines
	if lines <= 0 {
		lines = DefaultTailLines
	}
	stdoutTail, stderrTail, both := newTail(lines), newTail(lines), newTail(lines)

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = r.environ(c.Env)
	setProcGroup(cmd)
	// With *os.File outputs Wait returns at process exit even while
	// background children still hold the write ends.
	outR, outW, err := os.Pipe()
	if err != nil {
		return Result{Outcome: StartFailed, ExitCode: -1, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return Result{Outcome: StartFailed, ExitCode: -1, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	log := r.Log.WithValues("command", c.Args[0])
	log.V(1).Info("starting", "args", c.Args, "dir", c.Dir)
	startErr := cmd.Start()
	closeAll(outW, errW)
	if startErr != nil {
		closeAll(outR, errR)
		return Result{Outcome: StartFailed, ExitCode: -1, Err: startErr, Duration: time.Since(start)}
	}

	var g errgroup.Group
	g.Go(func() error { return r.pump(outR, stdoutTail, both, log, "stdout") })
	g.Go(func() error { return r.pump(errR, stderrTail, both, log, "stderr") })

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var timer <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timer = t.C
	}
	outcome := Exited
	var waitErr error
	select {
	case waitErr = <-exited:
	case <-ctx.Done():
		outcome, waitErr = r.stop(cmd, exited, Cancelled, log)
	case <-timer:
		outcome, waitErr = r.stop(cmd, exited, TimedOut, log)
	}

	drained := make(chan error, 1)
	go func() { drained <- g.Wait() }()
	delay := r.WaitDelay
	if delay <= 0 {
		delay = DefaultWaitDelay
	}
	var pumpErr error
	select {
	case pumpErr = <-drained:
	case <-time.After(delay):
		log.V(1).Info("output still open after exit, closing pipes", "waitDelay", delay.String())
		closeAll(outR, errR)
		pumpErr = <-drained
	}
	closeAll(outR, errR)
	if pumpErr != nil && !errors.Is(pumpErr, os.ErrClosed) {
		log.V(1).Info("output truncated", "error", pumpErr.Error())
	}

	res := Result{
		Outcome:    outcome,
		StdoutTail: stdoutTail.lines(),
		StderrTail: stderrTail.lines(),
		Tail:       both.lines(),
		Duration:   time.Since(start),
		ExitCode:   -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if res.Outcome == Exited && waitErr != nil && cmd.ProcessState == nil {
		res.Outcome = StartFailed
		res.Err = waitErr
	}
	log.V(1).Info("finished", "outcome", res.Outcome.String(), "exitCode", res.ExitCode, "duration", res.Duration.String())
	return res
}

// stop kills the process group unless the process already exited, in which
// case the exit wins over the timer or cancellation.
func (r *ExecRunner) stop(cmd *exec.Cmd, exited <-chan error, reason Outcome, log logr.Logger) (Outcome, error) {
	select {
	case err := <-exited:
		return Exited, err
	default:
	}
	if err := killProcGroup(cmd); err != nil {
		log.V(1).Info("kill process group", "error", err.Error())
	}
	return reason, <-exited
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (r *ExecRunner) environ(env []string) []string {
	if env == nil {
		env = os.Environ()
	}
	out := append([]string(nil), env...)
	marker := r.Marker
	if marker == "" {
		marker = MarkerEnv
	}
	if marker != "-" {
		out = append(out, marker)
	}
	return out
}

func (r *ExecRunner) pump(src io.Reader, own, both *tail, log logr.Logger, stream string) error {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		own.add(line)
		both.add(line)
		log.V(1).Info(line, "stream", stream)
		if r.Stream != nil {
			fmt.Fprintln(r.Stream, line)
		}
	}
	if err := sc.Err(); err != nil {
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, src)
		return err
	}
	return nil
}

// tail is a fixed-size ring of the most recent lines.
type tail struct {
	mu   sync.Mutex
	max  int
	buf  []string
	next int
	full bool
}

func newTail(max int) *tail {
	return &tail{max: max, buf: make([]string, max)}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = line
	t.next = (t.next + 1) % t.max
	if t.next == 0 {
		t.full = true
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	out := make([]string, 0, t.max)
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}
