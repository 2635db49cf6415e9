// File: internal/failure/failure.go
// Brief: Error kinds shared by the generator, engine, and CLI.

// Package failure classifies pmpm errors so callers can decide between
// retrying, halting, and choosing an exit code without string matching.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the error families pmpm distinguishes.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	TransientInstall
	Build
	Verification
	Timeout
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "ConfigurationError"
	case TransientInstall:
		return "TransientInstallError"
	case Build:
		return "BuildError"
	case Verification:
		return "VerificationError"
	case Timeout:
		return "TimeoutError"
	case Cancelled:
		return "CancelledError"
	default:
		return "Error"
	}
}

// Error carries the kind plus enough context to report which package broke.
type Error struct {
	Kind     Kind
	Package  string
	Method   string
	Attempts int
	// Tail holds the last lines of subprocess output, surfaced verbatim.
	Tail []string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Package != "" {
		fmt.Fprintf(&b, " [%s", e.Package)
		if e.Method != "" {
			fmt.Fprintf(&b, " (%s)", e.Method)
		}
		b.WriteString("]")
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Newf builds an Error of the given kind with a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Configf is shorthand for configuration errors, the most common kind.
func Configf(format string, args ...any) *Error {
	return Newf(Configuration, format, args...)
}

// KindOf returns the kind of the first *Error in the chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Tail returns the captured output tail of the first *Error in the chain.
func Tail(err error) []string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Tail
	}
	return nil
}
