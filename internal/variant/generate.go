// File: internal/variant/generate.go
// Brief: Derive a concrete manifest from a base manifest and a selector.

// Package variant specializes a base manifest for one OS/MPI/MKL combination:
// entries whose tags do not hold are dropped and generation-time placeholders
// are substituted. Generation is a pure function of its inputs.
package variant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/manifest"
)

// ErrUnresolvedPlaceholder marks a placeholder nothing could resolve.
var ErrUnresolvedPlaceholder = errors.New("UnresolvedPlaceholder")

// Params carries the install-config values generation may substitute.
type Params struct {
	Arch string
	Tune string
}

var builtinNames = []string{"os", "mpi", "mkl", "arch", "tune", "libext"}

// Generate returns the concrete manifest for sel. It never returns a partial
// manifest: any unresolved placeholder fails the whole generation.
func Generate(base *manifest.Manifest, sel Selector, params Params) (*manifest.Manifest, error) {
	if base == nil {
		return nil, failure.Configf("base manifest is nil")
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if base.Variant != nil {
		pinned, err := FromHeader(base.Variant)
		if err != nil {
			return nil, err
		}
		if pinned != sel {
			return nil, failure.Configf("manifest was generated for %s, cannot specialize it for %s", pinned, sel)
		}
	}

	values, err := scope(base, sel, params)
	if err != nil {
		return nil, err
	}

	out := &manifest.Manifest{
		Name:     base.Name,
		Channels: append([]string(nil), base.Channels...),
		Variant:  sel.Header(),
	}
	resolvedFlags := map[string]map[string]string{}
	for _, p := range base.Packages {
		ok, err := sel.Matches(p.Tags)
		if err != nil {
			return nil, &failure.Error{Kind: failure.Configuration, Package: p.Name, Err: err}
		}
		if !ok {
			continue
		}
		lookup := func(name string) (string, bool) {
			if ref, flag, isRef := manifest.PackageRef(name); isRef {
				flags, present := resolvedFlags[ref]
				if !present {
					return "", false
				}
				v, ok := flags[flag]
				return v, ok
			}
			v, ok := values[name]
			return v, ok
		}
		spec, err := resolvePackage(p, lookup)
		if err != nil {
			return nil, err
		}
		resolvedFlags[spec.Name] = spec.Flags
		out.Packages = append(out.Packages, spec)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// scope builds the placeholder table for one selector.
func scope(base *manifest.Manifest, sel Selector, params Params) (map[string]string, error) {
	// {mkl} is a CMake boolean so it can feed options directly. A flag that
	// should be absent without MKL goes through a vars rule with an empty
	// default.
	values := map[string]string{
		"os":     sel.OS,
		"mpi":    sel.mpiLabel(),
		"mkl":    "OFF",
		"libext": "so",
	}
	if sel.MKL {
		values["mkl"] = "ON"
	}
	switch sel.OS {
	case "macos":
		values["libext"] = "dylib"
	case "windows":
		values["libext"] = "dll"
	}
	if v := strings.TrimSpace(params.Arch); v != "" {
		values["arch"] = v
	}
	if v := strings.TrimSpace(params.Tune); v != "" {
		values["tune"] = v
	}
	for _, v := range base.Vars {
		for _, name := range builtinNames {
			if v.Name == name {
				return nil, failure.Configf("variable %q shadows a built-in placeholder", v.Name)
			}
		}
		resolved := false
		for _, c := range v.Cases {
			t, err := manifest.ParseTag(c.Tag)
			if err != nil {
				return nil, failure.Configf("variable %q: %v", v.Name, err)
			}
			if sel.Holds(t) {
				values[v.Name] = c.Value
				resolved = true
				break
			}
		}
		if !resolved && v.HasDefault {
			values[v.Name] = v.Default
		}
	}
	return values, nil
}

func resolvePackage(p manifest.PackageSpec, lookup func(string) (string, bool)) (manifest.PackageSpec, error) {
	out := p.Clone()
	fail := func(field string, names []string) error {
		return &failure.Error{
			Kind:    failure.Configuration,
			Package: p.Name,
			Method:  string(p.Method),
			Err:     fmt.Errorf("%w: %s references {%s}", ErrUnresolvedPlaceholder, field, strings.Join(names, "}, {")),
		}
	}
	var unresolved []string
	if out.Version, unresolved = manifest.ExpandPlaceholders(p.Version, lookup); len(unresolved) > 0 {
		return manifest.PackageSpec{}, fail("version", unresolved)
	}
	if out.Verify, unresolved = manifest.ExpandPlaceholders(p.Verify, lookup); len(unresolved) > 0 {
		return manifest.PackageSpec{}, fail("verify", unresolved)
	}
	for i, src := range p.Source {
		if out.Source[i], unresolved = manifest.ExpandPlaceholders(src, lookup); len(unresolved) > 0 {
			return manifest.PackageSpec{}, fail("source", unresolved)
		}
	}
	if len(p.Flags) > 0 {
		out.Flags = make(map[string]string, len(p.Flags))
		for _, key := range p.FlagKeys() {
			v, unresolved := manifest.ExpandPlaceholders(p.Flags[key], lookup)
			if len(unresolved) > 0 {
				return manifest.PackageSpec{}, fail("flag "+key, unresolved)
			}
			if strings.TrimSpace(v) == "" {
				continue
			}
			out.Flags[key] = v
		}
		if len(out.Flags) == 0 {
			out.Flags = nil
		}
	}
	return out, nil
}
