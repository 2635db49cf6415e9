// File: internal/install/execute.go
// Brief: Group execution, retries, verification, and ledger bookkeeping.

package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/ledger"
	"github.com/example/pmpm/internal/manifest"
	"github.com/example/pmpm/internal/recipe"
	"github.com/example/pmpm/internal/runner"
)

func (e *Engine) execute(ctx context.Context, l *ledger.Ledger, pkgs []manifest.PackageSpec) error {
	pctx := context.WithoutCancel(ctx)
	for _, g := range Partition(pkgs) {
		if ctx.Err() != nil {
			return &failure.Error{Kind: failure.Cancelled, Package: g.Packages[0].Name, Err: fmt.Errorf("cancelled before start")}
		}
		todo := e.skipDone(pctx, l, g)
		if len(todo) == 0 {
			continue
		}
		if err := e.store.RefreshLock(pctx, e.owner, e.runID, e.lockTTL); err != nil {
			return fmt.Errorf("prefix lock lost: %w", err)
		}
		var err error
		if g.Method == manifest.MethodSource {
			err = e.buildSource(ctx, l, todo[0])
		} else {
			err = e.installManaged(ctx, l, g.Method, todo)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// skipDone marks packages that need no work as Skipped and returns the rest.
func (e *Engine) skipDone(ctx context.Context, l *ledger.Ledger, g Group) []manifest.PackageSpec {
	var todo []manifest.PackageSpec
	for _, p := range g.Packages {
		if reason := e.skipReason(ctx, p); reason != "" {
			e.skip(ctx, l, p, reason)
			continue
		}
		todo = append(todo, p)
	}
	return todo
}

func (e *Engine) skipReason(ctx context.Context, p manifest.PackageSpec) string {
	if p.Method == manifest.MethodSource && !e.cfg.Dependencies {
		return "source builds disabled"
	}
	if !e.cfg.Resume() {
		return ""
	}
	o, err := e.store.LastOutcome(ctx, p.Name)
	if err != nil {
		e.log.Error(err, "read previous outcome", "package", p.Name)
		return ""
	}
	if o == nil || o.Status != ledger.Succeeded {
		return ""
	}
	if o.Fingerprint != Fingerprint(p, e.cfg) {
		e.log.V(1).Info("package changed since last success", "package", p.Name, "run", o.RunID)
		return ""
	}
	return "already installed by run " + o.RunID
}

func (e *Engine) skip(ctx context.Context, l *ledger.Ledger, p manifest.PackageSpec, reason string) {
	entry, err := l.Transition(p.Name, ledger.Skipped, reason)
	if err != nil {
		e.log.Error(err, "ledger transition")
		return
	}
	entry.Fingerprint = Fingerprint(p, e.cfg)
	e.save(ctx, l, p.Name)
	e.log.Info("skipping", "package", p.Name, "reason", reason)
	e.emit(ctx, ledger.Event{Type: ledger.PackageSkipped, Package: p.Name, Method: string(p.Method), Status: ledger.Skipped, Message: reason})
}

func (e *Engine) start(ctx context.Context, l *ledger.Ledger, pkgs []manifest.PackageSpec) error {
	for _, p := range pkgs {
		entry, err := l.Transition(p.Name, ledger.Running, "")
		if err != nil {
			return err
		}
		entry.Fingerprint = Fingerprint(p, e.cfg)
		e.save(ctx, l, p.Name)
		e.emit(ctx, ledger.Event{Type: ledger.PackageRunning, Package: p.Name, Method: string(p.Method), Status: ledger.Running})
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, l *ledger.Ledger, p manifest.PackageSpec, attempts int, dur time.Duration, ferr *failure.Error) {
	status := ledger.Succeeded
	reason := ""
	if ferr != nil {
		status = statusFor(ferr)
		if ferr.Err != nil {
			reason = ferr.Err.Error()
		}
	}
	entry, err := l.Transition(p.Name, status, reason)
	if err != nil {
		e.log.Error(err, "ledger transition")
		return
	}
	entry.Attempts = attempts
	entry.Duration = dur
	ev := ledger.Event{Type: ledger.PackageSucceeded, Package: p.Name, Method: string(p.Method), Attempt: attempts, Status: status}
	if ferr != nil {
		entry.ErrorKind = ferr.Kind.String()
		entry.Tail = ferr.Tail
		ev.Type = ledger.PackageFailed
		ev.ErrorKind = entry.ErrorKind
		ev.ErrorMessage = reason
	}
	e.save(ctx, l, p.Name)
	e.emit(ctx, ev)
	if ferr != nil {
		e.log.Info("package failed", "package", p.Name, "status", status, "error", ferr.Kind.String(), "reason", reason)
	} else {
		e.log.Info("package installed", "package", p.Name, "method", p.Method, "attempts", attempts, "duration", dur.Round(time.Millisecond))
	}
}

func statusFor(ferr *failure.Error) ledger.Status {
	if ferr.Kind == failure.Timeout {
		return ledger.TimedOut
	}
	return ledger.Failed
}

// installManaged runs one conda or pip invocation for the whole batch, then
// verifies every member.
func (e *Engine) installManaged(ctx context.Context, l *ledger.Ledger, method manifest.Method, todo []manifest.PackageSpec) error {
	pctx := context.WithoutCancel(ctx)
	if err := e.start(pctx, l, todo); err != nil {
		return err
	}
	names := make([]string, 0, len(todo))
	specs := make([]string, 0, len(todo))
	for _, p := range todo {
		names = append(names, p.Name)
		specs = append(specs, p.Requirement())
	}
	var extras []string
	if method == manifest.MethodConda && !e.extrasDone {
		extras = e.condaExtras(todo)
	}
	timeout := e.groupTimeout(todo)
	build := func() runner.Command {
		var args []string
		if method == manifest.MethodConda {
			// Re-evaluated per attempt: a failed create may have left conda-meta behind.
			action := condaAction(e.layout.CondaPrefix)
			args = condaArgs(e.cfg, action, e.layout.CondaPrefix, append(append([]string(nil), extras...), specs...))
		} else {
			args = pipArgs(e.layout.CondaPrefix, specs)
		}
		return runner.Command{Args: args, Env: e.env, Dir: e.layout.Prefix, Timeout: timeout}
	}

	e.log.Info("installing", "method", method, "packages", names)
	started := time.Now()
	res, attempts := e.runWithRetry(ctx, method, names, build)
	if !res.Success() {
		ferr := resultError(res, method, strings.Join(names, ","), attempts)
		for _, p := range todo {
			e.finish(pctx, l, p, attempts, time.Since(started), ferr)
		}
		return ferr
	}
	if method == manifest.MethodConda {
		e.extrasDone = true
		e.registerKernel(ctx)
	}

	// The batch is already installed, so every member is verified and gets its
	// own outcome; the run still halts after the batch on the first failure.
	var first error
	for _, p := range todo {
		if ferr := e.verify(ctx, p); ferr != nil {
			e.finish(pctx, l, p, attempts, time.Since(started), ferr)
			if first == nil {
				first = ferr
			}
			continue
		}
		e.finish(pctx, l, p, attempts, time.Since(started), nil)
	}
	return first
}

// condaExtras lists the mode's baseline conda packages not already named in
// the batch.
func (e *Engine) condaExtras(todo []manifest.PackageSpec) []string {
	have := make(map[string]bool, len(todo))
	for _, p := range todo {
		have[p.Name] = true
	}
	deps := e.cfg.ModeCondaDependencies()
	if e.cfg.RegisterKernel {
		deps = append(deps, "ipykernel")
	}
	var out []string
	for _, spec := range deps {
		name := requirementName(spec)
		if have[name] {
			continue
		}
		have[name] = true
		out = append(out, spec)
	}
	return out
}

// registerKernel exposes the environment to Jupyter. Failure is reported but
// never fails the install.
func (e *Engine) registerKernel(ctx context.Context) {
	if !e.cfg.RegisterKernel || e.kernelDone {
		return
	}
	e.kernelDone = true
	res := e.runner.Run(ctx, runner.Command{
		Args:    kernelArgs(e.layout.CondaPrefix, e.kernelName),
		Env:     e.env,
		Dir:     e.layout.Prefix,
		Timeout: e.cfg.StepTimeout,
	})
	if !res.Success() {
		e.log.Info("jupyter kernel registration failed", "kernel", e.kernelName, "outcome", res.Outcome.String(), "exit", res.ExitCode)
		return
	}
	e.log.Info("registered jupyter kernel", "kernel", e.kernelName)
}

func (e *Engine) buildSource(ctx context.Context, l *ledger.Ledger, p manifest.PackageSpec) error {
	pctx := context.WithoutCancel(ctx)
	if err := e.start(pctx, l, []manifest.PackageSpec{p}); err != nil {
		return err
	}
	started := time.Now()
	attempts := 1
	fail := func(ferr *failure.Error) error {
		e.finish(pctx, l, p, attempts, time.Since(started), ferr)
		return ferr
	}

	if err := os.MkdirAll(e.layout.GitDir, 0o755); err != nil {
		return fail(&failure.Error{Kind: failure.Build, Package: p.Name, Method: string(p.Method), Err: err})
	}
	rc := recipe.Context{
		Package:       p,
		SrcDir:        filepath.Join(e.layout.GitDir, p.Name),
		CompilePrefix: e.layout.CompilePrefix,
		CondaPrefix:   e.layout.CondaPrefix,
		ManifestDir:   e.manifestDir,
		Arch:          e.cfg.Arch,
		Tune:          e.cfg.Tune,
		Jobs:          e.cfg.Jobs,
		Env:           e.env,
		Timeout:       e.timeoutFor(p),
	}
	e.log.Info("building", "package", p.Name, "recipe", p.Recipe)

	run := func(steps []recipe.Step) error {
		for _, step := range steps {
			res, n := e.runStep(ctx, p, step)
			attempts = max(attempts, n)
			if !res.Success() {
				ferr := resultError(res, p.Method, p.Name, n)
				ferr.Err = fmt.Errorf("%s: %w", step.Name, ferr.Err)
				return fail(ferr)
			}
		}
		return nil
	}
	if err := run(recipe.Acquire(rc)); err != nil {
		return err
	}
	steps, err := recipe.Plan(rc)
	if err != nil {
		if fe, ok := err.(*failure.Error); ok {
			return fail(fe)
		}
		return fail(&failure.Error{Kind: failure.Configuration, Package: p.Name, Method: string(p.Method), Err: err})
	}
	if err := run(steps); err != nil {
		return err
	}
	if ferr := e.verify(ctx, p); ferr != nil {
		return fail(ferr)
	}
	e.finish(pctx, l, p, attempts, time.Since(started), nil)
	return nil
}

// runStep tries the step's commands in order until one succeeds. Timeouts and
// cancellation end the step immediately.
func (e *Engine) runStep(ctx context.Context, p manifest.PackageSpec, step recipe.Step) (runner.Result, int) {
	cmds := step.Commands()
	var res runner.Result
	var attempts int
	for i, cmd := range cmds {
		res, attempts = e.runWithRetry(ctx, p.Method, []string{p.Name}, func() runner.Command { return cmd })
		if res.Success() || res.Outcome == runner.TimedOut || res.Outcome == runner.Cancelled {
			return res, attempts
		}
		if i < len(cmds)-1 {
			e.log.Info("step failed, trying next alternative", "package", p.Name, "step", step.Name, "failed", cmd.String())
		}
	}
	return res, attempts
}

// runWithRetry runs the command built by build until it succeeds or the
// retry policy gives up.
func (e *Engine) runWithRetry(ctx context.Context, method manifest.Method, names []string, build func() runner.Command) (runner.Result, int) {
	pctx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		cmd := build()
		e.log.V(1).Info("exec", "cmd", cmd.String(), "attempt", attempt)
		res := e.runner.Run(ctx, cmd)
		if res.Success() {
			return res, attempt
		}
		class := ClassifyResult(res)
		if ctx.Err() != nil || !e.retry.ShouldRetry(method, class, attempt) {
			return res, attempt
		}
		e.log.Info("retrying", "packages", names, "class", class, "attempt", attempt, "exit", res.ExitCode)
		for _, n := range names {
			e.emit(pctx, ledger.Event{Type: ledger.RetryScheduled, Package: n, Method: string(method), Attempt: attempt + 1, Message: class})
		}
		if err := e.retry.Wait(ctx, attempt); err != nil {
			res.Outcome = runner.Cancelled
			return res, attempt
		}
	}
}

// verify runs the package's verification command, if any.
func (e *Engine) verify(ctx context.Context, p manifest.PackageSpec) *failure.Error {
	if e.cfg.SkipTest {
		return nil
	}
	args, err := verifyArgs(p)
	if err != nil {
		return &failure.Error{Kind: failure.Configuration, Package: p.Name, Method: string(p.Method), Err: err}
	}
	if len(args) == 0 {
		return nil
	}
	res := e.runner.Run(ctx, runner.Command{Args: args, Env: e.env, Dir: e.layout.Prefix, Timeout: e.timeoutFor(p)})
	if res.Success() {
		return nil
	}
	ferr := resultError(res, p.Method, p.Name, 1)
	if ferr.Kind != failure.Timeout && ferr.Kind != failure.Cancelled {
		ferr.Kind = failure.Verification
		ferr.Err = fmt.Errorf("verify %q: %w", p.Verify, ferr.Err)
	}
	return ferr
}

func resultError(res runner.Result, method manifest.Method, pkg string, attempts int) *failure.Error {
	fe := &failure.Error{Package: pkg, Method: string(method), Attempts: attempts, Tail: res.Tail}
	switch res.Outcome {
	case runner.TimedOut:
		fe.Kind = failure.Timeout
		fe.Err = fmt.Errorf("timed out after %s", res.Duration.Round(time.Second))
	case runner.Cancelled:
		fe.Kind = failure.Cancelled
		fe.Err = fmt.Errorf("cancelled")
	case runner.StartFailed:
		fe.Kind = failure.Build
		fe.Err = res.Err
	default:
		fe.Kind = failure.Build
		if method.Managed() && isRetryableClass(ClassifyResult(res)) {
			fe.Kind = failure.TransientInstall
		}
		fe.Err = fmt.Errorf("exited with code %d", res.ExitCode)
	}
	return fe
}

func (e *Engine) timeoutFor(p manifest.PackageSpec) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return e.cfg.StepTimeout
}

// groupTimeout is the largest member timeout; any unbounded member leaves the
// batch unbounded.
func (e *Engine) groupTimeout(pkgs []manifest.PackageSpec) time.Duration {
	var out time.Duration
	for _, p := range pkgs {
		t := e.timeoutFor(p)
		if t == 0 {
			return 0
		}
		out = max(out, t)
	}
	return out
}

func (e *Engine) save(ctx context.Context, l *ledger.Ledger, name string) {
	if err := e.store.SaveEntry(ctx, l, name); err != nil {
		e.log.Error(err, "persist ledger entry", "package", name)
	}
}

func (e *Engine) emit(ctx context.Context, ev ledger.Event) {
	ev.RunID = e.runID
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error(err, "persist event", "type", ev.Type)
	}
	for _, o := range e.observers {
		if o != nil {
			o.ObserveEvent(ev)
		}
	}
}
