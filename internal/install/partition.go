package install

import "github.com/example/pmpm/internal/manifest"

// Group is one unit of work: a batch of contiguous managed packages sharing a
// method, or a single source-built package.
type Group struct {
	Method   manifest.Method
	Packages []manifest.PackageSpec
}

// Names lists the group members in order.
func (g Group) Names() []string {
	out := make([]string, 0, len(g.Packages))
	for _, p := range g.Packages {
		out = append(out, p.Name)
	}
	return out
}

// Partition splits pkgs into contiguous runs of the same method, keeping
// declaration order. Conda and pip runs become one batch each; source entries
// are never batched.
func Partition(pkgs []manifest.PackageSpec) []Group {
	var groups []Group
	for _, p := range pkgs {
		n := len(groups)
		if p.Method.Managed() && n > 0 && groups[n-1].Method == p.Method {
			groups[n-1].Packages = append(groups[n-1].Packages, p)
			continue
		}
		groups = append(groups, Group{Method: p.Method, Packages: []manifest.PackageSpec{p}})
	}
	return groups
}
