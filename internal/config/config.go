// File: internal/config/config.go
// Brief: InstallConfig flag plumbing, validation, and subprocess environment.

// Package config turns pmpm install flags into a validated InstallConfig
// consumed by the install engine. It never reads os.Args itself; cmd/pmpm binds
// the flag set and overlays environment and config-file values through viper.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/mattn/go-shellwords"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/variant"
)

// Mode selects how the prefix is laid out and how sanitized the subprocess
// environment is.
type Mode string

const (
	// ModeConda builds everything against the conda stack inside the prefix.
	ModeConda Mode = "conda_install"
	// ModeSystem keeps conda, compiled, and downloaded trees in separate
	// subdirectories and inherits the caller's environment.
	ModeSystem Mode = "system_install"
)

// Defaults.
const (
	DefaultPythonVersion = "3.10"
	DefaultConda         = "mamba"
	DefaultArch          = "x86-64-v3"
	DefaultTune          = "generic"
	DefaultRetries       = 3
	DefaultTailLines     = 40
)

// sanitizedEnv is what conda_install keeps from the caller's environment.
var sanitizedEnv = []string{"CONDA_PREFIX", "CONDA_EXE", "SCRATCH", "TERM", "HOME", "SYSTEMROOT", "USERPROFILE"}

var sanitizedPath = []string{"/bin", "/usr/bin"}

// InstallConfig is the immutable input of one install run once Validate has
// succeeded.
type InstallConfig struct {
	Prefix            string
	File              string
	Mode              Mode
	CondaChannels     []string
	CondaDependencies []string
	PipDependencies   []string
	Dependencies      bool
	PythonVersion     string
	Conda             string
	SkipTest          bool
	Arch              string
	Tune              string
	ExtraArgsRaw      string
	ExtraArgs         []string
	NoResume          bool
	Force             bool
	StepTimeout       time.Duration
	Jobs              int
	Retries           int
	TailLines         int
	OS                string
	MPI               string
	MKLRaw            string
	RegisterKernel    bool
	LogLevel          string

	// Selector is derived from OS, MPI, and MKLRaw.
	Selector variant.Selector
	// CondaExe is the resolved installer executable.
	CondaExe string

	// LookPath resolves executables; tests replace it.
	LookPath func(string) (string, error)
	// Environ returns the caller environment; tests replace it.
	Environ func() []string
}

// NewInstallConfig returns defaults for mode.
func NewInstallConfig(mode Mode) *InstallConfig {
	return &InstallConfig{
		Mode:          mode,
		Dependencies:  true,
		PythonVersion: DefaultPythonVersion,
		Conda:         DefaultConda,
		Arch:          DefaultArch,
		Tune:          DefaultTune,
		Jobs:          runtime.NumCPU(),
		Retries:       DefaultRetries,
		TailLines:     DefaultTailLines,
		MKLRaw:        "auto",
		LogLevel:      "info",
	}
}

// BindFlags attaches install flags to fs and returns the flag names.
func (c *InstallConfig) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVarP(&c.File, "file", "f", "", "Manifest (pmpm YAML or conda environment.yml) to install")
	names = append(names, "file")
	fs.StringSliceVar(&c.CondaChannels, "conda-channels", nil, "Conda channels, in priority order (default conda-forge)")
	names = append(names, "conda-channels")
	fs.StringSliceVar(&c.CondaDependencies, "conda-dependencies", nil, "Extra conda packages installed with the first conda batch")
	names = append(names, "conda-dependencies")
	fs.StringSliceVar(&c.PipDependencies, "pip-dependencies", nil, "Extra pip packages installed after the manifest's pip entries")
	names = append(names, "pip-dependencies")
	fs.BoolVar(&c.Dependencies, "dependencies", c.Dependencies, "Also build source-built entries (--dependencies=false installs managed packages only)")
	names = append(names, "dependencies")
	fs.StringVar(&c.PythonVersion, "python-version", c.PythonVersion, "Python version pinned in the conda environment")
	names = append(names, "python-version")
	fs.StringVar(&c.Conda, "conda", c.Conda, "Conda frontend: conda or mamba (mamba falls back to conda when missing)")
	names = append(names, "conda")
	fs.BoolVar(&c.SkipTest, "skip-test", false, "Skip post-install verification commands")
	names = append(names, "skip-test")
	fs.StringVar(&c.Arch, "arch", c.Arch, "-march target for source builds, e.g. native or x86-64-v3")
	names = append(names, "arch")
	fs.StringVar(&c.Tune, "tune", c.Tune, "-mtune level for source builds, e.g. native or generic")
	names = append(names, "tune")
	fs.StringVar(&c.ExtraArgsRaw, "extra-args", "", "Extra arguments passed through to every conda invocation (shell quoted)")
	names = append(names, "extra-args")
	fs.BoolVar(&c.NoResume, "no-resume", false, "Re-run every package even if the ledger records a success")
	names = append(names, "no-resume")
	fs.BoolVar(&c.Force, "force", false, "Install into a non-empty prefix that has no pmpm ledger")
	names = append(names, "force")
	fs.DurationVar(&c.StepTimeout, "timeout", 0, "Hard timeout per subprocess (0 disables)")
	names = append(names, "timeout")
	fs.IntVarP(&c.Jobs, "jobs", "j", c.Jobs, "Parallel build jobs passed to make/cmake")
	names = append(names, "jobs")
	fs.IntVar(&c.Retries, "retries", c.Retries, "Attempts for conda/pip installs that fail with a transient error")
	names = append(names, "retries")
	fs.IntVar(&c.TailLines, "tail", c.TailLines, "Subprocess output lines kept for failure reports")
	names = append(names, "tail")
	fs.StringVar(&c.OS, "os", "", "Variant OS (linux, macos, windows); defaults to the host")
	names = append(names, "os")
	fs.StringVar(&c.MPI, "mpi", "none", "Variant MPI implementation (none, openmpi, mpich)")
	names = append(names, "mpi")
	fs.StringVar(&c.MKLRaw, "mkl", c.MKLRaw, "Variant math backend: true (MKL), false (open BLAS), or auto")
	names = append(names, "mkl")
	if f := fs.Lookup("mkl"); f != nil {
		f.NoOptDefVal = "true"
	}
	fs.BoolVar(&c.RegisterKernel, "register-kernel", false, "Register a Jupyter kernel for the prefix after the conda environment is ready")
	names = append(names, "register-kernel")
	return names
}

// Validate normalizes the config and resolves derived fields. All failures are
// configuration errors.
func (c *InstallConfig) Validate() error {
	switch c.Mode {
	case ModeConda, ModeSystem:
	default:
		return failure.Configf("unknown install mode %q", c.Mode)
	}
	prefix, err := expandPath(c.Prefix)
	if err != nil {
		return failure.Configf("invalid prefix %q: %v", c.Prefix, err)
	}
	if prefix == "" {
		return failure.Configf("prefix is required")
	}
	c.Prefix = prefix
	if fi, err := os.Stat(c.Prefix); err == nil && !fi.IsDir() {
		return failure.Configf("prefix %s exists and is not a directory", c.Prefix)
	}
	if strings.TrimSpace(c.File) != "" {
		if c.File, err = expandPath(c.File); err != nil {
			return failure.Configf("invalid manifest path: %v", err)
		}
		if _, err := os.Stat(c.File); err != nil {
			return failure.Configf("manifest %s: %v", c.File, err)
		}
	}

	c.CondaChannels = cleanList(c.CondaChannels)
	if len(c.CondaChannels) == 0 {
		c.CondaChannels = []string{"conda-forge"}
	}
	c.CondaDependencies = cleanList(c.CondaDependencies)
	c.PipDependencies = cleanList(c.PipDependencies)

	c.PythonVersion = strings.TrimSpace(c.PythonVersion)
	if c.PythonVersion == "" {
		return failure.Configf("--python-version cannot be empty")
	}
	c.Conda = strings.ToLower(strings.TrimSpace(c.Conda))
	if c.Conda != "conda" && c.Conda != "mamba" {
		return failure.Configf("invalid --conda value %q (allowed: conda, mamba)", c.Conda)
	}
	c.Arch = strings.TrimSpace(c.Arch)
	c.Tune = strings.TrimSpace(c.Tune)
	if c.Arch == "" || c.Tune == "" {
		return failure.Configf("--arch and --tune cannot be empty")
	}

	if raw := strings.TrimSpace(c.ExtraArgsRaw); raw != "" {
		args, err := shellwords.Parse(raw)
		if err != nil {
			return failure.Configf("invalid --extra-args %q: %v", c.ExtraArgsRaw, err)
		}
		c.ExtraArgs = args
	}
	if c.StepTimeout < 0 {
		return failure.Configf("--timeout cannot be negative")
	}
	if c.Jobs <= 0 {
		c.Jobs = runtime.NumCPU()
	}
	if c.Retries < 1 {
		return failure.Configf("--retries must be at least 1")
	}
	if c.TailLines <= 0 {
		return failure.Configf("--tail must be positive")
	}

	mkl, err := ParseMKL(c.MKLRaw)
	if err != nil {
		return err
	}
	sel, err := variant.ParseSelector(c.OS, c.MPI, mkl)
	if err != nil {
		return err
	}
	c.Selector = sel
	return nil
}

// ParseMKL accepts true, false, auto and their common spellings.
func ParseMKL(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return variant.DefaultMKL(), nil
	case "true", "1", "yes", "on", "mkl":
		return true, nil
	case "false", "0", "no", "off", "nomkl":
		return false, nil
	default:
		return false, failure.Configf("invalid --mkl value %q (allowed: true, false, auto)", raw)
	}
}

// ResolveConda picks the installer executable. mamba falls back to conda with
// a warning when it is not on PATH.
func (c *InstallConfig) ResolveConda(log logr.Logger) error {
	look := c.LookPath
	if look == nil {
		look = exec.LookPath
	}
	if c.Conda == "mamba" {
		if path, err := look("mamba"); err == nil {
			c.CondaExe = path
			return nil
		}
		log.Info("mamba not found on PATH, falling back to conda")
	}
	if path, err := look("conda"); err == nil {
		c.CondaExe = path
		return nil
	}
	if exe := lookupEnv(c.environ(), "CONDA_EXE"); exe != "" {
		c.CondaExe = exe
		return nil
	}
	return failure.Configf("neither %s nor conda found on PATH (activate a conda installation first)", c.Conda)
}

// VariantParams exposes the generation-time values owned by the config.
func (c *InstallConfig) VariantParams() variant.Params {
	return variant.Params{Arch: c.Arch, Tune: c.Tune}
}

// Resume reports whether ledger successes may be skipped.
func (c *InstallConfig) Resume() bool { return !c.NoResume }

// Layout is where each tree lives inside the prefix.
type Layout struct {
	Prefix        string
	CondaPrefix   string
	CompilePrefix string
	GitDir        string
}

// Layout derives the directory layout for the mode.
func (c *InstallConfig) Layout() Layout {
	l := Layout{Prefix: c.Prefix, GitDir: filepath.Join(c.Prefix, "git")}
	if c.Mode == ModeConda {
		l.CondaPrefix = c.Prefix
		l.CompilePrefix = c.Prefix
	} else {
		l.CondaPrefix = filepath.Join(c.Prefix, "conda")
		l.CompilePrefix = filepath.Join(c.Prefix, "compile")
	}
	return l
}

// ModeCondaDependencies lists conda packages every run of the mode needs on
// top of the manifest.
func (c *InstallConfig) ModeCondaDependencies() []string {
	out := []string{"python=" + c.PythonVersion}
	if !c.Selector.MKL {
		out = append(out, "nomkl")
	}
	if c.Mode == ModeConda {
		out = append(out, "cmake")
		if c.Selector.MKL {
			out = append(out, "libblas=*=*mkl", "liblapack=*=*mkl")
		} else {
			out = append(out, "libblas", "liblapack")
		}
	}
	return append(out, c.CondaDependencies...)
}

// SubprocessEnv builds the environment handed to every subprocess.
func (c *InstallConfig) SubprocessEnv() []string {
	base := c.environ()
	layout := c.Layout()
	env := map[string]string{}
	var order []string
	set := func(k, v string) {
		if _, ok := env[k]; !ok {
			order = append(order, k)
		}
		env[k] = v
	}
	if c.Mode == ModeConda {
		for _, key := range sanitizedEnv {
			if v := lookupEnv(base, key); v != "" {
				set(key, v)
			}
		}
		set("PATH", strings.Join(sanitizedPath, string(os.PathListSeparator)))
	} else {
		for _, kv := range base {
			if k, v, ok := strings.Cut(kv, "="); ok {
				set(k, v)
			}
		}
	}
	// CONDA_PREFIX points at the root installation, not an activated env.
	if exe := env["CONDA_EXE"]; exe != "" {
		set("CONDA_PREFIX", filepath.Dir(filepath.Dir(exe)))
	}

	paths := []string{filepath.Join(layout.CompilePrefix, "bin")}
	if layout.CondaPrefix != layout.CompilePrefix {
		paths = append(paths, filepath.Join(layout.CondaPrefix, "bin"))
	}
	if cur := env["PATH"]; cur != "" {
		paths = append(paths, cur)
	}
	set("PATH", strings.Join(paths, string(os.PathListSeparator)))
	set("PREFIX", layout.CompilePrefix)
	set("CONDA_ENV_PREFIX", layout.CondaPrefix)

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (c *InstallConfig) environ() []string {
	if c.Environ != nil {
		return c.Environ()
	}
	return os.Environ()
}

func lookupEnv(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}

func expandPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

func cleanList(in []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (c *InstallConfig) String() string {
	return fmt.Sprintf("%s prefix=%s %s python=%s arch=%s tune=%s", c.Mode, c.Prefix, c.Selector, c.PythonVersion, c.Arch, c.Tune)
}
