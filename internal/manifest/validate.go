package manifest

import (
	"fmt"
	"strings"

	"github.com/example/pmpm/internal/failure"
)

// Validate checks the structural invariants of a manifest: unique names,
// known methods and tags, a recipe on every source entry, and no build flag
// referencing a package declared later.
func (m *Manifest) Validate() error {
	seen := make(map[string]int, len(m.Packages))
	for i, p := range m.Packages {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return failure.Configf("package #%d has no name", i+1)
		}
		if strings.ContainsAny(name, " \t{}") {
			return failure.Configf("package %q: invalid name", name)
		}
		if prev, ok := seen[name]; ok {
			return failure.Configf("package %q declared twice (#%d and #%d)", name, prev+1, i+1)
		}
		seen[name] = i
		if !p.Method.Valid() {
			return failure.Configf("package %q: unknown method %q (expected conda, pip or source)", name, p.Method)
		}
		if p.Method == MethodSource && strings.TrimSpace(p.Recipe) == "" {
			return failure.Configf("package %q: source-built entries must declare a recipe", name)
		}
		if p.Method != MethodSource {
			if len(p.Flags) > 0 {
				return failure.Configf("package %q: build flags are only meaningful for source entries", name)
			}
			if len(p.Source) > 0 {
				return failure.Configf("package %q: source URLs are only meaningful for source entries", name)
			}
		}
		if p.Timeout < 0 {
			return failure.Configf("package %q: negative timeout", name)
		}
		for _, tag := range p.Tags {
			if _, err := ParseTag(tag); err != nil {
				return failure.Configf("package %q: %v", name, err)
			}
		}
	}
	for _, v := range m.Vars {
		if v.Name == "" {
			return failure.Configf("variable with empty name")
		}
		if strings.ContainsAny(v.Name, ". \t{}") {
			return failure.Configf("variable %q: names may not contain '.', spaces or braces", v.Name)
		}
		for _, c := range v.Cases {
			if _, err := ParseTag(c.Tag); err != nil {
				return failure.Configf("variable %q: %v", v.Name, err)
			}
		}
	}
	return m.checkReferences()
}

// checkReferences rejects {pkg.FLAG} placeholders that point at packages
// declared later or not at all.
func (m *Manifest) checkReferences() error {
	for i, p := range m.Packages {
		for _, field := range referenceFields(p) {
			for _, name := range Placeholders(field) {
				ref, flag, ok := PackageRef(name)
				if !ok {
					continue
				}
				j := m.Index(ref)
				switch {
				case j < 0:
					return &failure.Error{Kind: failure.Configuration, Package: p.Name,
						Err: fmt.Errorf("UnresolvedPlaceholder: {%s} references undeclared package %q", name, ref)}
				case j == i:
					return &failure.Error{Kind: failure.Configuration, Package: p.Name,
						Err: fmt.Errorf("{%s} references the package itself", name)}
				case j > i:
					return &failure.Error{Kind: failure.Configuration, Package: p.Name,
						Err: fmt.Errorf("forward reference {%s}: %q is declared after %q", name, ref, p.Name)}
				}
				if _, ok := m.Packages[j].Flags[flag]; !ok {
					return &failure.Error{Kind: failure.Configuration, Package: p.Name,
						Err: fmt.Errorf("UnresolvedPlaceholder: {%s}: %q has no flag %q", name, ref, flag)}
				}
			}
		}
	}
	return nil
}

func referenceFields(p PackageSpec) []string {
	out := []string{p.Version, p.Verify}
	for _, k := range p.FlagKeys() {
		out = append(out, p.Flags[k])
	}
	out = append(out, p.Source...)
	return out
}
