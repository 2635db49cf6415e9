package variant

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/manifest"
)

const base = `
name: toast-stack
channels: [conda-forge]
vars:
  mpicc: {"mpi:openmpi": openmpi-mpicc, "mpi:mpich": mpich-mpicc}
  blaslib: {mkl: mkl, default: openblas}
packages:
  numpy: {}
  mkl: {tags: [mkl]}
  nomkl: {tags: [nomkl]}
  libblas: {version: "*=*{blaslib}"}
  openmpi: {tags: ["mpi:openmpi"]}
  mpich: {tags: ["mpi:mpich"]}
  fftw: {version: "*=mpi_{mpi}_*"}
  mpi4py: {tags: ["!mpi:none"]}
  libmadam:
    method: source
    recipe: autotools
    flags:
      CFLAGS: "-O3 -march={arch} -mtune={tune}"
      MKL: "{mkl}"
  toast:
    method: source
    recipe: cmake
    tags: ["os:linux"]
    flags:
      CMAKE_C_FLAGS: "{libmadam.CFLAGS} -fPIC"
      BLAS_LIBRARIES: "${PREFIX}/lib/libblas.{libext}"
`

func mustParse(t *testing.T, doc string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func TestGenerate_FiltersAndSubstitutes(t *testing.T) {
	m := mustParse(t, base)
	sel := Selector{OS: "linux", MPI: "openmpi", MKL: true}
	out, err := Generate(m, sel, Params{Arch: "x86-64-v3", Tune: "generic"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := "numpy,mkl,libblas,openmpi,fftw,mpi4py,libmadam,toast"
	if got := strings.Join(out.Names(), ","); got != want {
		t.Fatalf("names=%s want=%s", got, want)
	}
	fftw, _ := out.Lookup("fftw")
	if fftw.Version != "*=mpi_openmpi_*" {
		t.Fatalf("fftw version=%q", fftw.Version)
	}
	blas, _ := out.Lookup("libblas")
	if blas.Requirement() != "libblas=*=*mkl" {
		t.Fatalf("libblas=%q", blas.Requirement())
	}
	lib, _ := out.Lookup("libmadam")
	if lib.Flags["CFLAGS"] != "-O3 -march=x86-64-v3 -mtune=generic" || lib.Flags["MKL"] != "ON" {
		t.Fatalf("libmadam flags=%v", lib.Flags)
	}
	toast, _ := out.Lookup("toast")
	if toast.Flags["CMAKE_C_FLAGS"] != "-O3 -march=x86-64-v3 -mtune=generic -fPIC" {
		t.Fatalf("toast c flags=%q", toast.Flags["CMAKE_C_FLAGS"])
	}
	if toast.Flags["BLAS_LIBRARIES"] != "${PREFIX}/lib/libblas.so" {
		t.Fatalf("run-time references must survive generation, got %q", toast.Flags["BLAS_LIBRARIES"])
	}
	if out.Variant == nil || out.Variant.MPI != "openmpi" || !out.Variant.MKL {
		t.Fatalf("variant header=%+v", out.Variant)
	}
	if len(out.Vars) != 0 {
		t.Fatalf("generated manifests carry no vars")
	}
}

func TestGenerate_ExcludesOtherMPI(t *testing.T) {
	m := mustParse(t, `
packages:
  mpich-only: {tags: ["mpi:mpich"]}
  plain: {}
`)
	out, err := Generate(m, Selector{OS: "linux", MPI: "openmpi", MKL: true}, Params{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := out.Names(); len(got) != 1 || got[0] != "plain" {
		t.Fatalf("names=%v", got)
	}
}

func TestGenerate_TagsCompatibleForEverySelector(t *testing.T) {
	m := mustParse(t, base)
	for _, osName := range manifest.OSValues {
		for _, sel := range Selectors(osName) {
			out, err := Generate(m, sel, Params{Arch: "native", Tune: "native"})
			if err != nil {
				t.Fatalf("%s: %v", sel, err)
			}
			for _, p := range out.Packages {
				ok, err := sel.Matches(p.Tags)
				if err != nil || !ok {
					t.Fatalf("%s: %s has incompatible tags %v", sel, p.Name, p.Tags)
				}
			}
			for _, p := range m.Packages {
				ok, _ := sel.Matches(p.Tags)
				if _, present := out.Lookup(p.Name); present != ok {
					t.Fatalf("%s: %s present=%t matches=%t", sel, p.Name, present, ok)
				}
			}
		}
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	sel := Selector{OS: "macos", MPI: "mpich", MKL: false}
	params := Params{Arch: "x86-64-v2", Tune: "generic"}
	render := func() []byte {
		out, err := Generate(mustParse(t, base), sel, params)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		raw, err := manifest.Encode(out)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		return raw
	}
	first := render()
	for i := 0; i < 5; i++ {
		if next := render(); !bytes.Equal(first, next) {
			t.Fatalf("output differs between runs:\n%s\n---\n%s", first, next)
		}
	}
}

func TestGenerate_UnresolvedPlaceholder(t *testing.T) {
	cases := map[string]string{
		"unknown name": `
packages:
  lib: {method: source, recipe: cmake, flags: {CFLAGS: "-march={arch} {cuda}"}}
`,
		"missing arch": `
packages:
  lib: {method: source, recipe: cmake, flags: {CFLAGS: "-march={arch}"}}
`,
		"var without match": `
vars:
  mpicc: {"mpi:mpich": mpich-mpicc}
packages:
  lib: {version: "{mpicc}"}
`,
		"reference to excluded package": `
packages:
  a: {method: source, recipe: cmake, tags: ["mpi:mpich"], flags: {X: "1"}}
  b: {method: source, recipe: cmake, flags: {Y: "{a.X}"}}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			m := mustParse(t, doc)
			params := Params{Arch: "x86-64-v3"}
			if name == "missing arch" {
				params = Params{}
			}
			out, err := Generate(m, Selector{OS: "linux", MPI: "none"}, params)
			if err == nil {
				t.Fatalf("expected error, got %+v", out)
			}
			if out != nil {
				t.Fatalf("partial output returned")
			}
			if !errors.Is(err, ErrUnresolvedPlaceholder) || !failure.Is(err, failure.Configuration) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestGenerate_EmptyFlagIsDropped(t *testing.T) {
	m := mustParse(t, `
vars:
  mklflag: {mkl: "-DUSE_MKL=ON", default: ""}
packages:
  lib: {method: source, recipe: cmake, flags: {MKL: "{mklflag}", OPT: "-O2"}}
`)
	out, err := Generate(m, Selector{OS: "linux", MPI: "none", MKL: false}, Params{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	lib, _ := out.Lookup("lib")
	if _, ok := lib.Flags["MKL"]; ok || lib.Flags["OPT"] != "-O2" {
		t.Fatalf("flags=%v", lib.Flags)
	}
}

func TestGenerate_MKLPlaceholderIsCMakeBoolean(t *testing.T) {
	m := mustParse(t, `
vars:
  mklflag: {mkl: "-DUSE_MKL=ON", default: ""}
packages:
  lib: {method: source, recipe: cmake, flags: {USE_MKL: "{mkl}", EXTRA: "{mklflag}"}}
`)
	for _, tc := range []struct {
		mkl       bool
		want      string
		wantExtra bool
	}{
		{mkl: true, want: "ON", wantExtra: true},
		{mkl: false, want: "OFF", wantExtra: false},
	} {
		out, err := Generate(m, Selector{OS: "linux", MPI: "none", MKL: tc.mkl}, Params{})
		if err != nil {
			t.Fatalf("generate mkl=%v: %v", tc.mkl, err)
		}
		lib, _ := out.Lookup("lib")
		if lib.Flags["USE_MKL"] != tc.want {
			t.Fatalf("mkl=%v: USE_MKL=%q", tc.mkl, lib.Flags["USE_MKL"])
		}
		if _, ok := lib.Flags["EXTRA"]; ok != tc.wantExtra {
			t.Fatalf("mkl=%v: flags=%v", tc.mkl, lib.Flags)
		}
	}
}

func TestGenerate_PinnedVariantMismatch(t *testing.T) {
	m := mustParse(t, base)
	sel := Selector{OS: "linux", MPI: "mpich", MKL: true}
	out, err := Generate(m, sel, Params{Arch: "a", Tune: "t"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Generate(out, sel, Params{Arch: "a", Tune: "t"}); err != nil {
		t.Fatalf("regenerating for the same selector should succeed: %v", err)
	}
	other := sel
	other.MKL = false
	if _, err := Generate(out, other, Params{Arch: "a", Tune: "t"}); !failure.Is(err, failure.Configuration) {
		t.Fatalf("err=%v", err)
	}
}

func TestFileName(t *testing.T) {
	cases := []struct {
		sel  Selector
		want string
	}{
		{Selector{OS: "linux", MPI: "none", MKL: true}, "linux-mkl-nompi.yml"},
		{Selector{OS: "macos", MPI: "openmpi", MKL: false}, "macos-nomkl-openmpi.yml"},
		{Selector{OS: "windows", MPI: "mpich", MKL: true}, "windows-mkl-mpich.yml"},
	}
	for _, tc := range cases {
		if got := FileName(tc.sel); got != tc.want {
			t.Fatalf("FileName(%v)=%q want=%q", tc.sel, got, tc.want)
		}
	}
}

func TestParseSelector(t *testing.T) {
	sel, err := ParseSelector("darwin", "nompi", true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sel.OS != "macos" || sel.MPI != "none" {
		t.Fatalf("sel=%+v", sel)
	}
	if _, err := ParseSelector("plan9", "none", false); err == nil {
		t.Fatalf("expected error for unknown os")
	}
	if _, err := ParseSelector("linux", "intelmpi", false); err == nil {
		t.Fatalf("expected error for unknown mpi")
	}
	if got := len(Selectors("linux")); got != 6 {
		t.Fatalf("selectors=%d", got)
	}
}
