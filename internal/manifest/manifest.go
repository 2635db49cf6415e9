// File: internal/manifest/manifest.go
// Brief: Manifest model types.

// Package manifest holds the strongly typed dependency manifest: an ordered
// list of package declarations, each installed either through the binary
// package manager (conda, pip) or built from source with a recipe.
package manifest

import (
	"sort"
	"strings"
	"time"
)

// Method is how a package gets into the prefix.
type Method string

const (
	MethodConda  Method = "conda"
	MethodSource Method = "source"
	MethodPip    Method = "pip"
)

func (m Method) Valid() bool {
	switch m {
	case MethodConda, MethodSource, MethodPip:
		return true
	default:
		return false
	}
}

// Managed reports whether the method delegates to a binary package manager,
// which makes the package eligible for batching and network retries.
func (m Method) Managed() bool {
	return m == MethodConda || m == MethodPip
}

// PackageSpec is one dependency entry.
type PackageSpec struct {
	Name    string
	Method  Method
	Version string
	Tags    []string
	Flags   map[string]string
	// Recipe names the build recipe for source entries (cmake, autotools, pip,
	// script:<path>).
	Recipe string
	// Source lists clone URLs tried in order.
	Source  []string
	Verify  string
	Timeout time.Duration
}

// Requirement renders the spec string handed to conda or pip.
func (p PackageSpec) Requirement() string {
	v := strings.TrimSpace(p.Version)
	if v == "" {
		return p.Name
	}
	if strings.ContainsAny(v[:1], "=<>!~") {
		return p.Name + v
	}
	if p.Method == MethodPip {
		return p.Name + "==" + v
	}
	return p.Name + "=" + v
}

// FlagKeys returns the build flag names in sorted order.
func (p PackageSpec) FlagKeys() []string {
	keys := make([]string, 0, len(p.Flags))
	for k := range p.Flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy so generated manifests never alias the base.
func (p PackageSpec) Clone() PackageSpec {
	out := p
	out.Tags = append([]string(nil), p.Tags...)
	out.Source = append([]string(nil), p.Source...)
	if p.Flags != nil {
		out.Flags = make(map[string]string, len(p.Flags))
		for k, v := range p.Flags {
			out.Flags[k] = v
		}
	}
	return out
}

// VarCase maps a tag to the value a variable takes when the tag holds.
type VarCase struct {
	Tag   string
	Value string
}

// Var is a declarative substitution rule: the first case whose tag holds
// under the selector wins, otherwise Default applies when HasDefault is set.
type Var struct {
	Name       string
	Cases      []VarCase
	Default    string
	HasDefault bool
}

// Variant records the selector a concrete manifest was generated for.
type Variant struct {
	OS  string `yaml:"os"`
	MPI string `yaml:"mpi"`
	MKL bool   `yaml:"mkl"`
}

// Manifest is an ordered sequence of package declarations. Order is the
// install order: dependencies come first.
type Manifest struct {
	Name     string
	Channels []string
	Vars     []Var
	// Variant is set on generated manifests only.
	Variant  *Variant
	Packages []PackageSpec
	// Build is set when the manifest was read back from an environment file
	// pmpm wrote.
	Build *BuildSettings
}

// BuildSettings are the install options recorded next to a written
// environment so a rerun from that file builds the same way.
type BuildSettings struct {
	PythonVersion string
	Arch          string
	Tune          string
	SkipTest      bool
	NoMKL         bool
}

// Lookup returns the package with the given name.
func (m *Manifest) Lookup(name string) (PackageSpec, bool) {
	for _, p := range m.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return PackageSpec{}, false
}

// Index returns the declaration position of name, or -1.
func (m *Manifest) Index(name string) int {
	for i, p := range m.Packages {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Names lists package names in declaration order.
func (m *Manifest) Names() []string {
	out := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		out = append(out, p.Name)
	}
	return out
}

// Append adds packages after the existing ones, ignoring names already
// declared (the first declaration wins).
func (m *Manifest) Append(pkgs ...PackageSpec) {
	for _, p := range pkgs {
		if m.Index(p.Name) >= 0 {
			continue
		}
		m.Packages = append(m.Packages, p)
	}
}

// Clone deep-copies the manifest.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		Name:     m.Name,
		Channels: append([]string(nil), m.Channels...),
	}
	for _, v := range m.Vars {
		v.Cases = append([]VarCase(nil), v.Cases...)
		out.Vars = append(out.Vars, v)
	}
	if m.Variant != nil {
		v := *m.Variant
		out.Variant = &v
	}
	if m.Build != nil {
		b := *m.Build
		out.Build = &b
	}
	for _, p := range m.Packages {
		out.Packages = append(out.Packages, p.Clone())
	}
	return out
}
