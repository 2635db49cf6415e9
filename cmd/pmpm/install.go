// File: cmd/pmpm/install.go
// Brief: CLI command wiring and implementation for 'conda_install' and 'system_install'.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/example/pmpm/internal/config"
	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/install"
	"github.com/example/pmpm/internal/ledger"
	"github.com/example/pmpm/internal/logging"
	"github.com/example/pmpm/internal/manifest"
	"github.com/example/pmpm/internal/runner"
	"github.com/example/pmpm/internal/ui"
	"github.com/example/pmpm/internal/variant"
	"github.com/example/pmpm/internal/version"
)

func newInstallCommand(mode config.Mode, logLevel *string) *cobra.Command {
	cfg := config.NewInstallConfig(mode)
	short := "Install a manifest into a conda-managed prefix"
	long := "conda_install creates a conda environment at <prefix> and builds every entry against it.\n" +
		"Only a minimal, sanitized environment is passed to subprocesses."
	if mode == config.ModeSystem {
		short = "Install a manifest next to system compilers and libraries"
		long = "system_install keeps conda packages in <prefix>/conda and source builds in <prefix>/compile,\n" +
			"and passes the caller's environment through to every subprocess."
	}
	var verbose bool
	cmd := &cobra.Command{
		Use:   string(mode) + " <prefix>",
		Short: short,
		Long:  long,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Prefix = args[0]
			cfg.LogLevel = *logLevel
			return runInstall(cmd, cfg, verbose)
		},
	}
	cfg.BindFlags(cmd.Flags())
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show skip reasons in the progress output")
	return cmd
}

func runInstall(cmd *cobra.Command, cfg *config.InstallConfig, verbose bool) error {
	errOut := cmd.ErrOrStderr()
	log, err := logging.NewWithWriter(cfg.LogLevel, errOut)
	if err != nil {
		return failure.Configf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.V(1).Info("starting", "userAgent", version.Get().UserAgent(), "config", cfg.String())

	m, err := loadManifest(cfg.File, cfg.Prefix)
	if err != nil {
		return err
	}
	if m.Build != nil && applyBuildSettings(cmd.Flags(), cfg, m) {
		log.V(1).Info("build settings restored from manifest", "config", cfg.String())
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if m.Variant == nil {
		log.V(1).Info("generating variant", "selector", cfg.Selector.String())
		if m, err = variant.Generate(m, cfg.Selector, cfg.VariantParams()); err != nil {
			return err
		}
	}
	if err := cfg.ResolveConda(log); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	opts := ui.InstallConsoleOptions{Verbose: verbose}
	if !ui.IsTerminalWriter(out) {
		off := false
		opts.Color = &off
	}
	if width, ok := ui.TerminalWidth(out); ok {
		opts.Width = width
	}
	manifestDir := ""
	if cfg.File != "" {
		manifestDir = filepath.Dir(cfg.File)
	}
	engine, err := install.New(install.Options{
		Config:      cfg,
		Runner:      runner.NewExecRunner(log.WithName("runner"), cfg.TailLines),
		Log:         log.WithName("install"),
		Observers:   []ledger.Observer{ui.NewInstallConsole(out, opts)},
		ManifestDir: manifestDir,
	})
	if err != nil {
		return err
	}
	_, err = engine.Install(cmd.Context(), m)
	return err
}

// applyBuildSettings fills options not given on the command line from the
// settings and variant recorded in a pmpm-written environment file.
func applyBuildSettings(fs *pflag.FlagSet, cfg *config.InstallConfig, m *manifest.Manifest) bool {
	b := m.Build
	applied := false
	unset := func(name string) bool {
		f := fs.Lookup(name)
		if f != nil && f.Changed {
			return false
		}
		applied = true
		return true
	}
	if b.PythonVersion != "" && unset("python-version") {
		cfg.PythonVersion = b.PythonVersion
	}
	if b.Arch != "" && unset("arch") {
		cfg.Arch = b.Arch
	}
	if b.Tune != "" && unset("tune") {
		cfg.Tune = b.Tune
	}
	if unset("skip-test") {
		cfg.SkipTest = b.SkipTest
	}
	if unset("mkl") {
		cfg.MKLRaw = strconv.FormatBool(!b.NoMKL)
	}
	if v := m.Variant; v != nil {
		if v.OS != "" && unset("os") {
			cfg.OS = v.OS
		}
		if v.MPI != "" && unset("mpi") {
			cfg.MPI = v.MPI
		}
	}
	return applied
}

// loadManifest reads either a pmpm manifest or a conda environment.yml. An
// empty path yields an empty manifest named after the prefix; the engine
// still installs python and the mode's conda dependencies into it.
func loadManifest(path, prefix string) (*manifest.Manifest, error) {
	if path == "" {
		return &manifest.Manifest{Name: filepath.Base(prefix)}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configf("read manifest %s: %v", path, err)
	}
	kind, err := manifestKind(data)
	if err != nil {
		return nil, failure.Configf("%s: %v", path, err)
	}
	var m *manifest.Manifest
	switch kind {
	case "packages":
		m, err = manifest.Parse(data)
	default:
		m, err = manifest.ParseCondaEnvironment(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(prefix)
	}
	return m, nil
}

// manifestKind reports "packages" for pmpm manifests and "dependencies" for
// conda environment files.
func manifestKind(data []byte) (string, error) {
	var top map[string]yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&top); err != nil {
		if errors.Is(err, io.EOF) {
			return "", errors.New("manifest is empty")
		}
		return "", err
	}
	if _, ok := top["packages"]; ok {
		return "packages", nil
	}
	if _, ok := top["dependencies"]; ok {
		return "dependencies", nil
	}
	return "", errors.New("expected a pmpm manifest (packages:) or a conda environment file (dependencies:)")
}
