// File: internal/variant/selector.go
// Brief: Variant axes, selectors, and tag matching.

package variant

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/example/pmpm/internal/failure"
	"github.com/example/pmpm/internal/manifest"
)

// Selector is a total assignment across the OS, MPI, and MKL axes.
type Selector struct {
	OS  string
	MPI string
	MKL bool
}

// HostOS maps runtime.GOOS onto the OS axis.
func HostOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	case "windows":
		return "windows"
	default:
		return "linux"
	}
}

// DefaultMKL is MKL on x86 hosts and open BLAS elsewhere.
func DefaultMKL() bool {
	return runtime.GOARCH == "amd64" || runtime.GOARCH == "386"
}

// ParseSelector normalizes raw axis values. Empty values fall back to the host
// OS and no MPI.
func ParseSelector(osName, mpi string, mkl bool) (Selector, error) {
	s := Selector{
		OS:  strings.ToLower(strings.TrimSpace(osName)),
		MPI: strings.ToLower(strings.TrimSpace(mpi)),
		MKL: mkl,
	}
	switch s.OS {
	case "":
		s.OS = HostOS()
	case "darwin", "osx":
		s.OS = "macos"
	}
	switch s.MPI {
	case "", "nompi":
		s.MPI = "none"
	}
	return s, s.Validate()
}

// Validate rejects values outside the fixed axis domains.
func (s Selector) Validate() error {
	if _, err := manifest.ParseTag("os:" + s.OS); err != nil {
		return failure.Configf("selector: %v", err)
	}
	if s.MPI == "nompi" {
		return failure.Configf("selector: use mpi=none instead of nompi")
	}
	if _, err := manifest.ParseTag("mpi:" + s.MPI); err != nil {
		return failure.Configf("selector: %v", err)
	}
	return nil
}

// Holds reports whether a single tag is satisfied.
func (s Selector) Holds(t manifest.Tag) bool {
	var ok bool
	switch t.Axis {
	case "os":
		ok = s.OS == t.Value
	case "mpi":
		ok = s.MPI == t.Value
	case "mkl":
		ok = s.MKL == (t.Value == "true")
	}
	if t.Negate {
		return !ok
	}
	return ok
}

// Matches reports whether every tag holds; untagged entries always match.
func (s Selector) Matches(tags []string) (bool, error) {
	for _, raw := range tags {
		t, err := manifest.ParseTag(raw)
		if err != nil {
			return false, failure.Configf("%v", err)
		}
		if !s.Holds(t) {
			return false, nil
		}
	}
	return true, nil
}

// Header converts the selector into the manifest variant header.
func (s Selector) Header() *manifest.Variant {
	return &manifest.Variant{OS: s.OS, MPI: s.MPI, MKL: s.MKL}
}

// FromHeader rebuilds a selector from a generated manifest's header.
func FromHeader(v *manifest.Variant) (Selector, error) {
	if v == nil {
		return Selector{}, failure.Configf("manifest has no variant header")
	}
	return ParseSelector(v.OS, v.MPI, v.MKL)
}

func (s Selector) String() string {
	return fmt.Sprintf("os=%s mpi=%s mkl=%t", s.OS, s.MPI, s.MKL)
}

// mpiLabel renders the MPI axis the way file names and conda build strings
// spell it.
func (s Selector) mpiLabel() string {
	if s.MPI == "none" {
		return "nompi"
	}
	return s.MPI
}

// FileName is the naming policy for generated manifests:
// {os}-{mkl|nomkl}-{mpi}.yml.
func FileName(s Selector) string {
	mkl := "nomkl"
	if s.MKL {
		mkl = "mkl"
	}
	return fmt.Sprintf("%s-%s-%s.yml", s.OS, mkl, s.mpiLabel())
}

// Selectors enumerates every MKL x MPI combination for one OS in a stable
// order.
func Selectors(osName string) []Selector {
	var out []Selector
	for _, mkl := range []bool{true, false} {
		for _, mpi := range manifest.MPIValues {
			out = append(out, Selector{OS: osName, MPI: mpi, MKL: mkl})
		}
	}
	return out
}
