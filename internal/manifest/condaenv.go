// File: internal/manifest/condaenv.go
// Brief: Conversion between manifests and conda environment.yml files.

package manifest

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/pmpm/internal/failure"
)

// CondaEnv mirrors the environment.yml layout understood by conda and mamba.
type CondaEnv struct {
	Name         string    `yaml:"name,omitempty"`
	Channels     []string  `yaml:"channels,omitempty"`
	Dependencies []any     `yaml:"dependencies"`
	Prefix       string    `yaml:"prefix,omitempty"`
	Pmpm         *PmpmInfo `yaml:"_pmpm,omitempty"`
}

// PmpmInfo records what pmpm built on top of the conda environment.
// Dependencies lists the source-built names; Packages holds their full
// entries in manifest form.
type PmpmInfo struct {
	Dependencies  []string   `yaml:"dependencies,omitempty"`
	Packages      *yaml.Node `yaml:"packages,omitempty"`
	Variant       *Variant   `yaml:"variant,omitempty"`
	PythonVersion string     `yaml:"python_version,omitempty"`
	Arch          string     `yaml:"arch,omitempty"`
	Tune          string     `yaml:"tune,omitempty"`
	SkipTest      *bool      `yaml:"skip_test,omitempty"`
	NoMKL         *bool      `yaml:"nomkl,omitempty"`
}

type pmpmDoc struct {
	Dependencies  []string  `yaml:"dependencies"`
	Packages      yaml.Node `yaml:"packages"`
	Variant       *Variant  `yaml:"variant"`
	PythonVersion string    `yaml:"python_version"`
	Arch          string    `yaml:"arch"`
	Tune          string    `yaml:"tune"`
	SkipTest      *bool     `yaml:"skip_test"`
	NoMKL         *bool     `yaml:"nomkl"`
}

// SetBuild records the install options under _pmpm.
func (env *CondaEnv) SetBuild(b BuildSettings) {
	if env.Pmpm == nil {
		env.Pmpm = &PmpmInfo{}
	}
	env.Pmpm.PythonVersion = b.PythonVersion
	env.Pmpm.Arch = b.Arch
	env.Pmpm.Tune = b.Tune
	env.Pmpm.SkipTest = &b.SkipTest
	env.Pmpm.NoMKL = &b.NoMKL
}

// LoadCondaEnvironment imports a conda environment.yml as a manifest. Plain
// dependency strings become conda entries and the nested pip list becomes pip
// entries, in file order.
func LoadCondaEnvironment(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Configf("read environment %s: %w", path, err)
	}
	return ParseCondaEnvironment(data)
}

// ParseCondaEnvironment is LoadCondaEnvironment on raw bytes. A _pmpm section
// written by CondaEnvironment restores the source-built entries after the
// conda and pip ones, the variant, and the build settings.
func ParseCondaEnvironment(data []byte) (*Manifest, error) {
	var doc struct {
		Name         string      `yaml:"name"`
		Channels     []string    `yaml:"channels"`
		Dependencies []yaml.Node `yaml:"dependencies"`
		Prefix       string      `yaml:"prefix"`
		Pmpm         *pmpmDoc    `yaml:"_pmpm"`
	}
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, failure.Configf("parse environment: %w", err)
	}
	m := &Manifest{Name: doc.Name, Channels: doc.Channels}
	for _, dep := range doc.Dependencies {
		switch dep.Kind {
		case yaml.ScalarNode:
			m.Append(ParseRequirement(dep.Value, MethodConda))
		case yaml.MappingNode:
			var nested map[string][]string
			if err := dep.Decode(&nested); err != nil {
				return nil, failure.Configf("line %d: %w", dep.Line, err)
			}
			for key, items := range nested {
				if key != "pip" {
					return nil, failure.Configf("line %d: unsupported nested dependency list %q", dep.Line, key)
				}
				for _, item := range items {
					m.Append(ParseRequirement(item, MethodPip))
				}
			}
		default:
			return nil, failure.Configf("line %d: unsupported dependency entry", dep.Line)
		}
	}
	if doc.Pmpm != nil {
		if err := restorePmpm(m, doc.Pmpm); err != nil {
			return nil, err
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func restorePmpm(m *Manifest, p *pmpmDoc) error {
	m.Variant = p.Variant
	if p.Packages.Kind != 0 && !isNull(&p.Packages) {
		pkgs, err := parsePackages(&p.Packages)
		if err != nil {
			return fmt.Errorf("_pmpm: %w", err)
		}
		m.Append(pkgs...)
	} else if len(p.Dependencies) > 0 {
		// Names alone carry no recipe; Validate reports them.
		for _, name := range p.Dependencies {
			m.Append(PackageSpec{Name: strings.TrimSpace(name), Method: MethodSource})
		}
	}
	if p.PythonVersion != "" || p.Arch != "" || p.Tune != "" || p.SkipTest != nil || p.NoMKL != nil {
		b := &BuildSettings{PythonVersion: p.PythonVersion, Arch: p.Arch, Tune: p.Tune}
		if p.SkipTest != nil {
			b.SkipTest = *p.SkipTest
		}
		if p.NoMKL != nil {
			b.NoMKL = *p.NoMKL
		}
		m.Build = b
	}
	return nil
}

// ParseRequirement splits "numpy>=1.24" or "fftw=*=mpi_*" into name and
// version constraint.
func ParseRequirement(raw string, method Method) PackageSpec {
	raw = strings.TrimSpace(raw)
	idx := strings.IndexAny(raw, "=<>!~ ")
	if idx < 0 {
		return PackageSpec{Name: raw, Method: method}
	}
	version := strings.TrimSpace(raw[idx:])
	if method == MethodConda && strings.HasPrefix(version, "=") && !strings.HasPrefix(version, "==") {
		version = strings.TrimPrefix(version, "=")
	}
	return PackageSpec{Name: strings.TrimSpace(raw[:idx]), Method: method, Version: version}
}

// CondaEnvironment renders the binary-managed part of m as an environment.yml
// document, listing source-built entries under _pmpm.
func CondaEnvironment(m *Manifest, prefix string) (*CondaEnv, error) {
	env := &CondaEnv{
		Name:     m.Name,
		Channels: append([]string(nil), m.Channels...),
		Prefix:   prefix,
	}
	var pip []string
	var built []string
	var sources []PackageSpec
	for _, p := range m.Packages {
		switch p.Method {
		case MethodConda:
			env.Dependencies = append(env.Dependencies, p.Requirement())
		case MethodPip:
			pip = append(pip, p.Requirement())
		case MethodSource:
			built = append(built, p.Name)
			sources = append(sources, p)
		}
	}
	if len(pip) > 0 {
		env.Dependencies = append(env.Dependencies, map[string][]string{"pip": pip})
	}
	if len(built) > 0 || m.Variant != nil {
		env.Pmpm = &PmpmInfo{Dependencies: built, Variant: m.Variant}
	}
	if len(sources) > 0 {
		node, err := encodePackages(sources)
		if err != nil {
			return nil, err
		}
		env.Pmpm.Packages = node
	}
	if m.Build != nil {
		env.SetBuild(*m.Build)
	}
	return env, nil
}

// WriteCondaEnvironment saves env as YAML at path.
func WriteCondaEnvironment(path string, env *CondaEnv) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return WriteFileAtomic(path, buf.Bytes())
}
