package manifest

import (
	"fmt"
	"strings"
)

// Axis values accepted in tags and selectors.
var (
	OSValues  = []string{"linux", "macos", "windows"}
	MPIValues = []string{"none", "openmpi", "mpich"}
)

// Tag is a parsed variant tag: os:<os>, mpi:<mpi>, mkl or nomkl, optionally
// negated with a leading '!'.
type Tag struct {
	Axis   string // os, mpi, mkl
	Value  string // for mkl: "true" or "false"
	Negate bool
}

func (t Tag) String() string {
	prefix := ""
	if t.Negate {
		prefix = "!"
	}
	if t.Axis == "mkl" {
		if t.Value == "true" {
			return prefix + "mkl"
		}
		return prefix + "nomkl"
	}
	return prefix + t.Axis + ":" + t.Value
}

// ParseTag validates a raw tag string.
func ParseTag(raw string) (Tag, error) {
	s := strings.TrimSpace(raw)
	var t Tag
	if strings.HasPrefix(s, "!") {
		t.Negate = true
		s = strings.TrimSpace(s[1:])
	}
	switch strings.ToLower(s) {
	case "mkl", "mkl:true":
		t.Axis, t.Value = "mkl", "true"
		return t, nil
	case "nomkl", "mkl:false":
		t.Axis, t.Value = "mkl", "false"
		return t, nil
	}
	axis, value, ok := strings.Cut(s, ":")
	if !ok {
		return Tag{}, fmt.Errorf("invalid tag %q (expected os:<os>, mpi:<mpi>, mkl or nomkl)", raw)
	}
	axis = strings.ToLower(strings.TrimSpace(axis))
	value = strings.ToLower(strings.TrimSpace(value))
	switch axis {
	case "os":
		if !contains(OSValues, value) {
			return Tag{}, fmt.Errorf("invalid tag %q: unknown os %q (allowed: %s)", raw, value, strings.Join(OSValues, ", "))
		}
	case "mpi":
		if value == "nompi" {
			value = "none"
		}
		if !contains(MPIValues, value) {
			return Tag{}, fmt.Errorf("invalid tag %q: unknown mpi %q (allowed: %s)", raw, value, strings.Join(MPIValues, ", "))
		}
	default:
		return Tag{}, fmt.Errorf("invalid tag %q: unknown axis %q", raw, axis)
	}
	t.Axis, t.Value = axis, value
	return t, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
