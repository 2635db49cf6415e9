package recipe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/manifest"
)

func baseContext(t *testing.T, recipe string) Context {
	t.Helper()
	prefix := t.TempDir()
	return Context{
		Package: manifest.PackageSpec{
			Name:   "toast",
			Method: manifest.MethodSource,
			Recipe: recipe,
			Source: []string{"git@github.com:hpc4cmb/toast.git", "https://github.com/hpc4cmb/toast.git"},
			Flags:  map[string]string{"BLAS_LIBRARIES": "${PREFIX}/lib/libblas.so"},
		},
		SrcDir:        filepath.Join(prefix, "git", "toast"),
		CompilePrefix: filepath.Join(prefix, "compile"),
		CondaPrefix:   filepath.Join(prefix, "conda"),
		Arch:          "x86-64-v3",
		Tune:          "generic",
		Jobs:          4,
		Env:           []string{"PATH=/usr/bin", "PREFIX=" + filepath.Join(prefix, "compile")},
	}
}

func TestParse(t *testing.T) {
	if r, err := Parse("script:build.sh"); err != nil || r.Kind != Script || r.Arg != "build.sh" {
		t.Fatalf("r=%+v err=%v", r, err)
	}
	for _, raw := range []string{"meson", "script:", "cmake:extra"} {
		if _, err := Parse(raw); !failure.Is(err, failure.Configuration) {
			t.Fatalf("Parse(%q) err=%v", raw, err)
		}
	}
}

func TestAcquire_ClonesWithFallback(t *testing.T) {
	c := baseContext(t, "cmake")
	steps := Acquire(c)
	if len(steps) != 1 {
		t.Fatalf("steps=%+v", steps)
	}
	cmds := steps[0].Commands()
	if len(cmds) != 2 || cmds[0].Args[2] != c.Package.Source[0] || cmds[1].Args[2] != c.Package.Source[1] {
		t.Fatalf("commands=%+v", cmds)
	}

	if err := os.MkdirAll(c.SrcDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if steps := Acquire(c); len(steps) != 0 {
		t.Fatalf("existing checkout should be reused, got %+v", steps)
	}
}

func TestPlan_CMake(t *testing.T) {
	c := baseContext(t, "cmake")
	steps, err := Plan(c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 3 || steps[0].Name != "configure" || steps[2].Name != "install" {
		t.Fatalf("steps=%+v", steps)
	}
	configure := strings.Join(steps[0].Command.Args, " ")
	for _, want := range []string{
		"-DCMAKE_INSTALL_PREFIX=" + c.CompilePrefix,
		"-DBLAS_LIBRARIES=" + c.CompilePrefix + "/lib/libblas.so",
		"-DCMAKE_C_FLAGS=-O3 -march=x86-64-v3 -mtune=generic",
	} {
		if !strings.Contains(configure, want) {
			t.Fatalf("configure %q missing %q", configure, want)
		}
	}
	if got := strings.Join(steps[1].Command.Args, " "); !strings.HasSuffix(got, "-j 4") {
		t.Fatalf("build=%q", got)
	}
}

func TestPlan_AutotoolsRunsAutogenWhenPresent(t *testing.T) {
	c := baseContext(t, "autotools")
	c.Package.Flags = map[string]string{"MPIFC": "mpifort"}
	steps, err := Plan(c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if steps[0].Name != "configure" {
		t.Fatalf("no autogen.sh, first step=%s", steps[0].Name)
	}
	if Lookup(steps[0].Command.Env, "MPIFC") != "mpifort" {
		t.Fatalf("flags should be exported: %v", steps[0].Command.Env)
	}
	if !strings.Contains(Lookup(steps[0].Command.Env, "CFLAGS"), "-march=x86-64-v3") {
		t.Fatalf("default CFLAGS missing: %v", steps[0].Command.Env)
	}

	if err := os.MkdirAll(c.SrcDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(c.SrcDir, "autogen.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	steps, err = Plan(c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "autogen,configure,build,install" {
		t.Fatalf("steps=%s", got)
	}
}

func TestPlan_PipAndScript(t *testing.T) {
	c := baseContext(t, "pip")
	steps, err := Plan(c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if args := steps[0].Command.Args; args[0] != filepath.Join(c.CondaPrefix, "bin", "python") || args[len(args)-1] != c.SrcDir {
		t.Fatalf("pip args=%v", args)
	}

	c = baseContext(t, "script:scripts/build.sh")
	c.ManifestDir = "/etc/pmpm"
	steps, err = Plan(c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := steps[0].Command.Args[1]; got != "/etc/pmpm/scripts/build.sh" {
		t.Fatalf("script path=%q", got)
	}
	if Lookup(steps[0].Command.Env, "PMPM_JOBS") != "4" {
		t.Fatalf("env=%v", steps[0].Command.Env)
	}
}

func TestPlan_JobsAndUndefinedVariables(t *testing.T) {
	c := baseContext(t, "autotools")
	c.Package.Flags = map[string]string{"MAKEFLAGS": "-j${JOBS}"}
	steps, err := Plan(c)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for _, s := range steps {
		if got := Lookup(s.Command.Env, "MAKEFLAGS"); got != "-j4" {
			t.Fatalf("%s: MAKEFLAGS=%q", s.Name, got)
		}
		if got := Lookup(s.Command.Env, "JOBS"); got != "4" {
			t.Fatalf("%s: JOBS=%q", s.Name, got)
		}
	}

	c = baseContext(t, "cmake")
	c.Package.Flags = map[string]string{"FFTW_ROOT": "${NOPE}/fftw"}
	_, err = Plan(c)
	if !failure.Is(err, failure.Configuration) || !strings.Contains(err.Error(), "NOPE") {
		t.Fatalf("undefined variable should fail planning, got %v", err)
	}

	c = baseContext(t, "script:${NOPE}/build.sh")
	if _, err := Plan(c); !failure.Is(err, failure.Configuration) {
		t.Fatalf("undefined variable in script path should fail planning, got %v", err)
	}
}

func TestLookup_LastWins(t *testing.T) {
	env := []string{"A=1", "B=2", "A=3"}
	if Lookup(env, "A") != "3" || Lookup(env, "C") != "" {
		t.Fatalf("lookup mismatch")
	}
}
