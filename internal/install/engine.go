// File: internal/install/engine.go
// Brief: Installation engine: ordered, resumable, fail-fast package installs.

// Package install walks a concrete manifest in declaration order and drives
// the conda, pip, and source-build invocations for it, recording every outcome
// in the ledger under the prefix.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/example/pmpm/internal/config"
	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/ledger"
	"github.com/example/pmpm/internal/manifest"
	"github.com/example/pmpm/internal/recipe"
	"github.com/example/pmpm/internal/runner"
	"github.com/example/pmpm/internal/version"
)

// EnvironmentFile is written to the prefix at the start of every run.
const EnvironmentFile = "environment.yml"

const defaultLockTTL = 30 * time.Minute

// Options configures an Engine.
type Options struct {
	Config *config.InstallConfig
	Runner runner.Runner
	Log    logr.Logger
	// Retry defaults to DefaultRetryPolicy(Config.Retries).
	Retry     *RetryPolicy
	Observers []ledger.Observer
	// ManifestDir anchors relative recipe scripts.
	ManifestDir string
	// RunID names the first run; later runs on the same Engine get fresh ids.
	RunID       string
	LockOwner   string
	LockTTL     time.Duration
	// Store is opened under the prefix when nil.
	Store *ledger.Store
}

// Engine runs one install at a time against one prefix. Install may be called
// again on the same Engine once the previous call has returned.
type Engine struct {
	cfg         *config.InstallConfig
	runner      runner.Runner
	log         logr.Logger
	retry       RetryPolicy
	observers   []ledger.Observer
	manifestDir string
	nextRunID   string
	owner       string
	lockTTL     time.Duration
	store       *ledger.Store
	ownsStore   bool

	// Per-run state, reset by every Install.
	runID      string
	layout     config.Layout
	env        []string
	kernelName string
	extrasDone bool
	kernelDone bool
}

// New validates options and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, failure.Configf("install: config is required")
	}
	if opts.Runner == nil {
		return nil, failure.Configf("install: runner is required")
	}
	retry := DefaultRetryPolicy(opts.Config.Retries)
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	owner := strings.TrimSpace(opts.LockOwner)
	if owner == "" {
		owner = ledger.DefaultLockOwner()
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Engine{
		cfg:         opts.Config,
		runner:      opts.Runner,
		log:         opts.Log,
		retry:       retry,
		observers:   opts.Observers,
		manifestDir: opts.ManifestDir,
		nextRunID:   opts.RunID,
		owner:       owner,
		lockTTL:     ttl,
		store:       opts.Store,
	}, nil
}

// Install runs the manifest. The returned ledger covers every package up to
// and including the one that failed; later packages stay Pending. The ledger
// is nil only when the run was rejected before it started.
func (e *Engine) Install(ctx context.Context, m *manifest.Manifest) (*ledger.Ledger, error) {
	pkgs, err := e.prepare(m)
	if err != nil {
		return nil, err
	}
	if e.cfg.CondaExe == "" {
		if err := e.cfg.ResolveConda(e.log); err != nil {
			return nil, err
		}
	}
	e.layout = e.cfg.Layout()
	e.env = e.cfg.SubprocessEnv()
	e.extrasDone, e.kernelDone = false, false
	e.kernelName = m.Name
	if e.kernelName == "" {
		e.kernelName = filepath.Base(e.layout.Prefix)
	}
	if err := e.checkPrefix(); err != nil {
		return nil, err
	}
	if err := e.openStore(); err != nil {
		return nil, err
	}
	if e.ownsStore {
		defer func() {
			_ = e.store.Close()
			e.store = nil
			e.ownsStore = false
		}()
	}

	e.runID, e.nextRunID = e.nextRunID, ""
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	pctx := context.WithoutCancel(ctx)
	if _, err := e.store.AcquireLock(pctx, e.owner, e.lockTTL, false, e.runID); err != nil {
		return nil, &failure.Error{Kind: failure.Configuration, Err: err}
	}
	defer func() {
		if err := e.store.ReleaseLock(pctx, e.owner, e.runID); err != nil {
			e.log.Error(err, "release prefix lock")
		}
	}()

	l := ledger.New(e.runID, e.layout.Prefix, pkgs)
	meta := ledger.RunMeta{
		Manifest:  e.cfg.File,
		Mode:      string(e.cfg.Mode),
		Variant:   e.cfg.Selector.String(),
		UserAgent: version.Get().UserAgent(),
	}
	if err := e.store.CreateRun(pctx, l, meta); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	env, err := manifest.CondaEnvironment(m, e.layout.CondaPrefix)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", EnvironmentFile, err)
	}
	env.SetBuild(manifest.BuildSettings{
		PythonVersion: e.cfg.PythonVersion,
		Arch:          e.cfg.Arch,
		Tune:          e.cfg.Tune,
		SkipTest:      e.cfg.SkipTest,
		NoMKL:         !e.cfg.Selector.MKL,
	})
	if err := manifest.WriteCondaEnvironment(filepath.Join(e.layout.Prefix, EnvironmentFile), env); err != nil {
		return nil, fmt.Errorf("write %s: %w", EnvironmentFile, err)
	}

	log := e.log.WithValues("run", e.runID)
	log.Info("install started", "prefix", e.layout.Prefix, "mode", e.cfg.Mode, "variant", e.cfg.Selector.String(), "packages", len(pkgs))
	e.emit(pctx, ledger.Event{Type: ledger.RunStarted, Message: e.cfg.Selector.String()})

	runErr := e.execute(ctx, l, pkgs)

	if err := e.store.CompleteRun(pctx, l); err != nil {
		log.Error(err, "persist ledger")
	}
	e.emit(pctx, ledger.Event{Type: ledger.RunCompleted, Message: l.RunStatus()})
	log.Info("install finished", "status", l.RunStatus(), "ledger", l.Summary())
	return l, runErr
}

// prepare validates the manifest against the config and returns the package
// list the ledger will track. Every problem found here is a configuration
// error raised before any subprocess runs.
func (e *Engine) prepare(m *manifest.Manifest) ([]manifest.PackageSpec, error) {
	if m == nil {
		return nil, failure.Configf("manifest is nil")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	sel := e.cfg.Selector
	if m.Variant != nil {
		if *m.Variant != *sel.Header() {
			return nil, failure.Configf("manifest was generated for os=%s mpi=%s mkl=%t but the install targets %s",
				m.Variant.OS, m.Variant.MPI, m.Variant.MKL, sel)
		}
	}

	var pkgs []manifest.PackageSpec
	hasConda := false
	for _, p := range m.Packages {
		ok, err := sel.Matches(p.Tags)
		if err != nil {
			return nil, &failure.Error{Kind: failure.Configuration, Package: p.Name, Method: string(p.Method), Err: err}
		}
		if !ok {
			return nil, failure.Configf("package %q is tagged %v which does not hold for %s; generate the variant manifest first", p.Name, p.Tags, sel)
		}
		if err := checkConcrete(p); err != nil {
			return nil, err
		}
		if p.Method == manifest.MethodSource {
			if _, err := recipe.Parse(p.Recipe); err != nil {
				return nil, &failure.Error{Kind: failure.Configuration, Package: p.Name, Method: string(p.Method), Err: err}
			}
		}
		if _, err := verifyArgs(p); err != nil {
			return nil, err
		}
		if p.Method == manifest.MethodConda {
			hasConda = true
		}
		pkgs = append(pkgs, p)
	}
	if !hasConda {
		// Pip and source entries need the conda environment's python.
		python := manifest.PackageSpec{Name: "python", Method: manifest.MethodConda, Version: e.cfg.PythonVersion}
		pkgs = append([]manifest.PackageSpec{python}, pkgs...)
	}
	seen := map[string]bool{}
	for _, p := range pkgs {
		seen[p.Name] = true
	}
	for _, raw := range e.cfg.PipDependencies {
		p := manifest.ParseRequirement(raw, manifest.MethodPip)
		if p.Name == "" || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

func checkConcrete(p manifest.PackageSpec) error {
	fields := []string{p.Version, p.Verify}
	fields = append(fields, p.Source...)
	for _, k := range p.FlagKeys() {
		fields = append(fields, p.Flags[k])
	}
	for _, f := range fields {
		if names := manifest.Placeholders(f); len(names) > 0 {
			return &failure.Error{
				Kind:    failure.Configuration,
				Package: p.Name,
				Method:  string(p.Method),
				Err:     fmt.Errorf("UnresolvedPlaceholder: {%s} must be resolved by variant generation before install", names[0]),
			}
		}
	}
	return nil
}

// checkPrefix refuses to install into a populated directory pmpm did not
// create, unless forced.
func (e *Engine) checkPrefix() error {
	prefix := e.layout.Prefix
	entries, err := os.ReadDir(prefix)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(prefix, 0o755); err != nil {
			return failure.Configf("create prefix %s: %v", prefix, err)
		}
		return nil
	case err != nil:
		return failure.Configf("read prefix %s: %v", prefix, err)
	}
	if len(entries) > 0 && !ledger.Exists(prefix) && !e.cfg.Force {
		return failure.Configf("prefix %s is not empty and has no pmpm ledger; pass --force to install into it anyway", prefix)
	}
	return nil
}

func (e *Engine) openStore() error {
	if e.store != nil {
		return nil
	}
	s, err := ledger.Open(e.layout.Prefix, false)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	e.store = s
	e.ownsStore = true
	return nil
}

