package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/pmpm/internal/failure"
)

const baseManifest = `
name: toast-stack
channels: [conda-forge, nodefaults]
vars:
  blas: {mkl: mkl, default: openblas}
packages:
  numpy:
  fftw: {method: conda, version: "*=mpi_{mpi}_*", tags: ["!mpi:none"]}
  healpy: {method: pip, version: ">=1.16"}
  libmadam:
    method: source
    recipe: autotools
    source: https://github.com/hpc4cmb/libmadam.git
    flags:
      CFLAGS: "-O3 -march={arch} -mtune={tune}"
    timeout: 90m
  toast:
    method: source
    recipe: cmake
    flags:
      CMAKE_C_FLAGS: "{libmadam.CFLAGS}"
      BLAS_LIBRARIES: "${PREFIX}/lib/libblas.{libext}"
    verify: python -c 'import toast'
`

func TestParse_PreservesOrderAndDefaults(t *testing.T) {
	m, err := Parse([]byte(baseManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"numpy", "fftw", "healpy", "libmadam", "toast"}
	if got := strings.Join(m.Names(), ","); got != strings.Join(want, ",") {
		t.Fatalf("order=%s want=%s", got, strings.Join(want, ","))
	}
	numpy, _ := m.Lookup("numpy")
	if numpy.Method != MethodConda {
		t.Fatalf("null entry should default to conda, got %q", numpy.Method)
	}
	lib, _ := m.Lookup("libmadam")
	if len(lib.Source) != 1 || lib.Timeout != 90*time.Minute {
		t.Fatalf("libmadam=%+v", lib)
	}
	if len(m.Vars) != 1 || m.Vars[0].Name != "blas" || !m.Vars[0].HasDefault || m.Vars[0].Cases[0].Tag != "mkl" {
		t.Fatalf("vars=%+v", m.Vars)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	cases := map[string]string{
		"top level": "packages: {numpy: {}}\nextra: 1\n",
		"package":   "packages:\n  numpy: {method: conda, colour: blue}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !failure.Is(err, failure.Configuration) {
				t.Fatalf("kind=%v err=%v", failure.KindOf(err), err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"source without recipe", "packages:\n  lib: {method: source}\n", "must declare a recipe"},
		{"unknown method", "packages:\n  lib: {method: brew}\n", "unknown method"},
		{"flags on conda", "packages:\n  lib: {flags: {A: b}}\n", "only meaningful for source"},
		{"bad tag", "packages:\n  lib: {tags: [gpu]}\n", "invalid tag"},
		{"bad mpi", "packages:\n  lib: {tags: [\"mpi:intel\"]}\n", "unknown mpi"},
		{"forward reference", "packages:\n  a: {method: source, recipe: cmake, flags: {X: \"{b.Y}\"}}\n  b: {method: source, recipe: cmake, flags: {Y: z}}\n", "forward reference"},
		{"undeclared reference", "packages:\n  a: {method: source, recipe: cmake, flags: {X: \"{zz.Y}\"}}\n", "UnresolvedPlaceholder"},
		{"missing flag", "packages:\n  b: {method: source, recipe: cmake, flags: {Y: z}}\n  a: {method: source, recipe: cmake, flags: {X: \"{b.Q}\"}}\n", "has no flag"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestValidate_DuplicateNames(t *testing.T) {
	m := &Manifest{Packages: []PackageSpec{{Name: "a", Method: MethodConda}, {Name: "a", Method: MethodPip}}}
	if err := m.Validate(); err == nil || !strings.Contains(err.Error(), "declared twice") {
		t.Fatalf("err=%v", err)
	}
}

func TestEncode_RoundTripIsStable(t *testing.T) {
	m, err := Parse([]byte(baseManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	first, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	again, err := Parse(first)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, first)
	}
	second, err := Encode(again)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("encoding not stable:\n%s\n---\n%s", first, second)
	}
}

func TestRequirement(t *testing.T) {
	cases := []struct {
		spec PackageSpec
		want string
	}{
		{PackageSpec{Name: "numpy", Method: MethodConda}, "numpy"},
		{PackageSpec{Name: "numpy", Method: MethodConda, Version: "1.26"}, "numpy=1.26"},
		{PackageSpec{Name: "fftw", Method: MethodConda, Version: "*=mpi_openmpi_*"}, "fftw=*=mpi_openmpi_*"},
		{PackageSpec{Name: "healpy", Method: MethodPip, Version: "1.16"}, "healpy==1.16"},
		{PackageSpec{Name: "healpy", Method: MethodPip, Version: ">=1.16"}, "healpy>=1.16"},
	}
	for _, tc := range cases {
		if got := tc.spec.Requirement(); got != tc.want {
			t.Fatalf("Requirement(%+v)=%q want=%q", tc.spec, got, tc.want)
		}
	}
}

func TestExpandPlaceholders(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "arch" {
			return "x86-64-v3", true
		}
		return "", false
	}
	got, unresolved := ExpandPlaceholders("-march={arch} -I${PREFIX}/include {nope}", lookup)
	if got != "-march=x86-64-v3 -I${PREFIX}/include {nope}" {
		t.Fatalf("got=%q", got)
	}
	if len(unresolved) != 1 || unresolved[0] != "nope" {
		t.Fatalf("unresolved=%v", unresolved)
	}
}

func TestExpandPlaceholders_BracesThatAreNotNames(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "os" {
			return "linux", true
		}
		return "", false
	}
	in := `python -c 'd = {"a": 1}; assert d' && echo {os} {}`
	got, unresolved := ExpandPlaceholders(in, lookup)
	if want := `python -c 'd = {"a": 1}; assert d' && echo linux {}`; got != want {
		t.Fatalf("got=%q", got)
	}
	if len(unresolved) != 0 {
		t.Fatalf("unresolved=%v", unresolved)
	}
	if names := Placeholders("{ arch } {toast.CFLAGS} {{os}}"); strings.Join(names, ",") != "toast.CFLAGS,os" {
		t.Fatalf("names=%v", names)
	}
}

func TestCondaEnvironment_ImportExport(t *testing.T) {
	doc := `
name: demo
channels: [conda-forge]
dependencies:
  - numpy
  - fftw=*=mpi*
  - python>=3.10
  - pip:
    - pysm3==3.4
`
	m, err := ParseCondaEnvironment([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := strings.Join(m.Names(), ","); got != "numpy,fftw,python,pysm3" {
		t.Fatalf("names=%s", got)
	}
	pysm, _ := m.Lookup("pysm3")
	if pysm.Method != MethodPip || pysm.Requirement() != "pysm3==3.4" {
		t.Fatalf("pysm3=%+v", pysm)
	}
	fftw, _ := m.Lookup("fftw")
	if fftw.Requirement() != "fftw=*=mpi*" {
		t.Fatalf("fftw requirement=%q", fftw.Requirement())
	}

	m.Append(PackageSpec{Name: "toast", Method: MethodSource, Recipe: "cmake"})
	env, err := CondaEnvironment(m, "/opt/stack")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(env.Dependencies) != 4 {
		t.Fatalf("dependencies=%v", env.Dependencies)
	}
	if env.Pmpm == nil || len(env.Pmpm.Dependencies) != 1 || env.Pmpm.Dependencies[0] != "toast" {
		t.Fatalf("_pmpm=%+v", env.Pmpm)
	}

	path := filepath.Join(t.TempDir(), "environment.yml")
	if err := WriteCondaEnvironment(path, env); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "- pysm3==3.4") {
		t.Fatalf("pip section missing:\n%s", raw)
	}
}

func TestCondaEnvironment_ReloadRestoresSourceEntries(t *testing.T) {
	m := &Manifest{
		Name:     "stack",
		Channels: []string{"conda-forge"},
		Variant:  &Variant{OS: "linux", MPI: "openmpi", MKL: false},
		Packages: []PackageSpec{
			{Name: "numpy", Method: MethodConda},
			{Name: "pysm3", Method: MethodPip, Version: "==3.4"},
			{
				Name:   "toast",
				Method: MethodSource,
				Recipe: "cmake",
				Source: []string{"https://github.com/hpc4cmb/toast.git"},
				Flags:  map[string]string{"BLAS_LIBRARIES": "${PREFIX}/lib/libopenblas.so"},
				Verify: "python -c 'import toast'",
			},
		},
	}
	env, err := CondaEnvironment(m, "/opt/stack/conda")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	env.SetBuild(BuildSettings{PythonVersion: "3.11", Arch: "native", Tune: "native", SkipTest: true, NoMKL: true})
	path := filepath.Join(t.TempDir(), "environment.yml")
	if err := WriteCondaEnvironment(path, env); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadCondaEnvironment(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if names := strings.Join(got.Names(), ","); names != "numpy,pysm3,toast" {
		t.Fatalf("names=%s", names)
	}
	toast, _ := got.Lookup("toast")
	if toast.Method != MethodSource || toast.Recipe != "cmake" || len(toast.Source) != 1 ||
		toast.Flags["BLAS_LIBRARIES"] != "${PREFIX}/lib/libopenblas.so" || toast.Verify != m.Packages[2].Verify {
		t.Fatalf("toast=%+v", toast)
	}
	if got.Variant == nil || *got.Variant != *m.Variant {
		t.Fatalf("variant=%+v", got.Variant)
	}
	want := BuildSettings{PythonVersion: "3.11", Arch: "native", Tune: "native", SkipTest: true, NoMKL: true}
	if got.Build == nil || *got.Build != want {
		t.Fatalf("build=%+v", got.Build)
	}
}

func TestCondaEnvironment_NameOnlyPmpmEntriesNeedARecipe(t *testing.T) {
	doc := `
dependencies:
  - numpy
_pmpm:
  dependencies: [toast]
`
	if _, err := ParseCondaEnvironment([]byte(doc)); !failure.Is(err, failure.Configuration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}
