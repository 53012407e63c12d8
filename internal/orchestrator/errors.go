package orchestrator

import (
	"errors"
	"fmt"
)

// Kind categorizes a start-time or runtime failure. Each category maps to a
// distinct process exit code so operators can script around them.
type Kind int

const (
	// KindPlatform: a required runtime primitive (process supervision,
	// dissector, keyring) is unavailable.
	KindPlatform Kind = iota + 1
	// KindResource: disk, memory or descriptor limits exceeded.
	KindResource
	// KindConfiguration: schema missing, directory unwritable, migration
	// drift in production.
	KindConfiguration
	// KindNetwork: routing rule installation or subprocess start failed.
	KindNetwork
	// KindSecurity: certificate validation failed where a valid one was
	// expected.
	KindSecurity
)

func (k Kind) String() string {
	switch k {
	case KindPlatform:
		return "platform"
	case KindResource:
		return "resource"
	case KindConfiguration:
		return "configuration"
	case KindNetwork:
		return "network"
	case KindSecurity:
		return "security"
	default:
		return "unknown"
	}
}

// ExitCode returns the process exit code for this category.
func (k Kind) ExitCode() int { return 10 + int(k) }

// Error wraps a failure with its category and a remediation hint that is
// printed once at start-time failure.
type Error struct {
	Kind        Kind
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a categorized error.
func NewError(kind Kind, remediation string, err error) *Error {
	return &Error{Kind: kind, Remediation: remediation, Err: err}
}

// KindOf extracts the category from an error chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// RemediationOf extracts the remediation hint from an error chain, or "".
func RemediationOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Remediation
	}
	return ""
}

// ExitCodeFor maps any error to a process exit code. Uncategorized errors
// exit 1.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if k := KindOf(err); k != 0 {
		return k.ExitCode()
	}
	return 1
}
