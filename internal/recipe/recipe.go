// File: internal/recipe/recipe.go
// Brief: Build recipes for source-built packages.

// Package recipe turns a source entry into the ordered commands that fetch,
// configure, build, and install it. Recipes only plan; the install engine runs
// the steps through a runner.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/manifest"
	"github.com/example/pmpm/internal/runner"
)

// Kind names a recipe family.
type Kind string

const (
	CMake     Kind = "cmake"
	Autotools Kind = "autotools"
	Pip       Kind = "pip"
	Script    Kind = "script"
)

// Recipe is a parsed recipe reference such as "cmake" or "script:build.sh".
type Recipe struct {
	Kind Kind
	Arg  string
}

// Parse resolves a manifest recipe string.
func Parse(raw string) (Recipe, error) {
	raw = strings.TrimSpace(raw)
	kind, arg, hasArg := strings.Cut(raw, ":")
	switch Kind(kind) {
	case CMake, Autotools, Pip:
		if hasArg {
			return Recipe{}, failure.Configf("recipe %q takes no argument", kind)
		}
		return Recipe{Kind: Kind(kind)}, nil
	case Script:
		if strings.TrimSpace(arg) == "" {
			return Recipe{}, failure.Configf("recipe %q needs a path, e.g. script:build.sh", raw)
		}
		return Recipe{Kind: Script, Arg: strings.TrimSpace(arg)}, nil
	default:
		return Recipe{}, failure.Configf("unknown recipe %q (expected cmake, autotools, pip, or script:<path>)", raw)
	}
}

// Context is everything a recipe needs to plan one package.
type Context struct {
	Package       manifest.PackageSpec
	SrcDir        string
	CompilePrefix string
	CondaPrefix   string
	// ManifestDir anchors relative script paths.
	ManifestDir string
	Arch        string
	Tune        string
	Jobs        int
	// Env is the base environment for every step.
	Env     []string
	Timeout time.Duration
}

// Step is one command, plus alternatives tried in order when it fails.
type Step struct {
	Name      string
	Command   runner.Command
	Fallbacks []runner.Command
}

// Commands lists the primary command followed by its fallbacks.
func (s Step) Commands() []runner.Command {
	return append([]runner.Command{s.Command}, s.Fallbacks...)
}

// Acquire plans the source checkout. An existing checkout is reused so local
// edits survive a rerun.
func Acquire(c Context) []Step {
	if len(c.Package.Source) == 0 {
		return nil
	}
	if fi, err := os.Stat(c.SrcDir); err == nil && fi.IsDir() {
		return nil
	}
	var cmds []runner.Command
	for _, url := range c.Package.Source {
		cmds = append(cmds, runner.Command{
			Args:    []string{"git", "clone", url, c.SrcDir},
			Env:     c.Env,
			Dir:     filepath.Dir(c.SrcDir),
			Timeout: c.Timeout,
		})
	}
	return []Step{{Name: "clone", Command: cmds[0], Fallbacks: cmds[1:]}}
}

// Plan returns the build steps for the package. It runs after Acquire so it
// can look at the checkout. Every step sees JOBS; a flag or script path that
// references a variable missing from the step environment is a configuration
// error.
func Plan(c Context) ([]Step, error) {
	cfgErr := func(err error) error {
		return &failure.Error{Kind: failure.Configuration, Package: c.Package.Name, Method: string(c.Package.Method), Err: err}
	}
	r, err := Parse(c.Package.Recipe)
	if err != nil {
		return nil, cfgErr(err)
	}
	if c.Jobs <= 0 {
		c.Jobs = 1
	}
	c.Env = append(c.Env[:len(c.Env):len(c.Env)], "JOBS="+strconv.Itoa(c.Jobs))
	flags, err := c.expandedFlags()
	if err != nil {
		return nil, cfgErr(err)
	}
	switch r.Kind {
	case CMake:
		return planCMake(c, flags), nil
	case Autotools:
		return planAutotools(c, flags), nil
	case Pip:
		return planPip(c, flags), nil
	default:
		path, err := c.expand(r.Arg)
		if err != nil {
			return nil, cfgErr(err)
		}
		return planScript(c, path, flags), nil
	}
}

func planCMake(c Context, flags map[string]string) []Step {
	opt := c.optFlags()
	if _, ok := flags["CMAKE_C_FLAGS"]; !ok {
		flags["CMAKE_C_FLAGS"] = opt
	}
	if _, ok := flags["CMAKE_CXX_FLAGS"]; !ok {
		flags["CMAKE_CXX_FLAGS"] = opt
	}
	build := filepath.Join(c.SrcDir, "build")
	configure := []string{
		"cmake", "-S", c.SrcDir, "-B", build,
		"-DCMAKE_INSTALL_PREFIX=" + c.CompilePrefix,
		"-DCMAKE_PREFIX_PATH=" + c.CompilePrefix,
		"-DCMAKE_BUILD_TYPE=Release",
	}
	for _, k := range sortedKeys(flags) {
		configure = append(configure, fmt.Sprintf("-D%s=%s", k, flags[k]))
	}
	return []Step{
		c.step("configure", configure, c.SrcDir, nil),
		c.step("build", []string{"cmake", "--build", build, "-j", strconv.Itoa(c.Jobs)}, c.SrcDir, nil),
		c.step("install", []string{"cmake", "--install", build}, c.SrcDir, nil),
	}
}

func planAutotools(c Context, flags map[string]string) []Step {
	opt := c.optFlags() + " -fPIC -pthread"
	for _, k := range []string{"CFLAGS", "FCFLAGS"} {
		if _, ok := flags[k]; !ok {
			flags[k] = opt
		}
	}
	env := flagEnv(flags)
	var steps []Step
	if fi, err := os.Stat(filepath.Join(c.SrcDir, "autogen.sh")); err == nil && !fi.IsDir() {
		steps = append(steps, c.step("autogen", []string{"./autogen.sh"}, c.SrcDir, nil))
	}
	jobs := "-j" + strconv.Itoa(c.Jobs)
	return append(steps,
		c.step("configure", []string{"./configure", "--prefix=" + c.CompilePrefix}, c.SrcDir, env),
		c.step("build", []string{"make", jobs}, c.SrcDir, env),
		c.step("install", []string{"make", "install", jobs}, c.SrcDir, env),
	)
}

func planPip(c Context, flags map[string]string) []Step {
	args := []string{c.python(), "-m", "pip", "install", "--no-deps", "--no-build-isolation", c.SrcDir}
	return []Step{c.step("install", args, c.SrcDir, flagEnv(flags))}
}

func planScript(c Context, path string, flags map[string]string) []Step {
	if !filepath.IsAbs(path) && c.ManifestDir != "" {
		path = filepath.Join(c.ManifestDir, path)
	}
	dir := c.SrcDir
	if len(c.Package.Source) == 0 {
		dir = c.CompilePrefix
	}
	env := flagEnv(flags)
	env = append(env,
		"PMPM_PACKAGE="+c.Package.Name,
		"PMPM_SRC_DIR="+c.SrcDir,
		"PMPM_JOBS="+strconv.Itoa(c.Jobs),
	)
	return []Step{c.step("script", []string{"/bin/sh", path}, dir, env)}
}

func (c Context) step(name string, args []string, dir string, extra []string) Step {
	env := append(append([]string(nil), c.Env...), extra...)
	return Step{Name: name, Command: runner.Command{Args: args, Env: env, Dir: dir, Timeout: c.Timeout}}
}

func (c Context) optFlags() string {
	parts := []string{"-O3"}
	if c.Arch != "" {
		parts = append(parts, "-march="+c.Arch)
	}
	if c.Tune != "" {
		parts = append(parts, "-mtune="+c.Tune)
	}
	return strings.Join(parts, " ")
}

func (c Context) python() string {
	if c.CondaPrefix == "" {
		return "python"
	}
	return filepath.Join(c.CondaPrefix, "bin", "python")
}

// expand resolves ${VAR} references against the step environment.
func (c Context) expand(s string) (string, error) {
	var missing []string
	out := os.Expand(s, func(key string) string {
		v, ok := lookup(c.Env, key)
		if !ok {
			missing = append(missing, key)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%q references undefined variable %s", s, strings.Join(missing, ", "))
	}
	return out, nil
}

func (c Context) expandedFlags() (map[string]string, error) {
	out := make(map[string]string, len(c.Package.Flags))
	for _, k := range sortedKeys(c.Package.Flags) {
		v, err := c.expand(c.Package.Flags[k])
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Lookup returns the last value of key in env, matching how exec resolves
// duplicates.
func Lookup(env []string, key string) string {
	v, _ := lookup(env, key)
	return v
}

func lookup(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func flagEnv(flags map[string]string) []string {
	out := make([]string, 0, len(flags))
	for _, k := range sortedKeys(flags) {
		out = append(out, k+"="+flags[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
