// Package errutil implements the classified error taxonomy of spec.md §7.
// Every error the engine raises across phase/component boundaries carries
// a Kind so callers can apply the documented propagation policy (mark
// run failed and continue, retry with backoff, fail the tournament, ...)
// without parsing message strings.
package errutil

import (
	"github.com/cockroachdb/errors"
)

// Kind identifies one row of the spec.md §7 error taxonomy table.
type Kind string

const (
	SubmissionBuildFailed  Kind = "SubmissionBuildFailed"
	SubmissionScanRejected Kind = "SubmissionScanRejected"
	SandboxLaunchFailed    Kind = "SandboxLaunchFailed"
	SandboxTimeout         Kind = "SandboxTimeout"
	SandboxNonZeroExit     Kind = "SandboxNonZeroExit"
	OutputSchemaInvalid    Kind = "OutputSchemaInvalid"
	FlowVerificationFailed Kind = "FlowVerificationFailed"
	StorePersistenceFailed Kind = "StorePersistenceFailed"
	OrchestratorTimeout    Kind = "OrchestratorTimeout"
	ConfigurationInvalid   Kind = "ConfigurationInvalid"
)

// Classified is a Kind-tagged error with a short user-visible message.
// It wraps github.com/cockroachdb/errors so callers can still use
// errors.Is/errors.As/errors.Wrap across the chain.
type Classified struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Classified) Error() string {
	if e.cause != nil {
		// e.cause is already errors.Wrap(cause, e.Message), so e.Message
		// appears in e.cause.Error() once — don't prepend it again here.
		return string(e.Kind) + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Classified) Unwrap() error { return e.cause }

// New creates a Classified error with no underlying cause.
func New(kind Kind, message string) *Classified {
	return &Classified{Kind: kind, Message: message}
}

// Wrap attaches kind and a short message to an underlying error, preserving
// the chain via cockroachdb/errors so stack traces survive.
func Wrap(kind Kind, message string, cause error) *Classified {
	return &Classified{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Classified, returning ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind, true
	}
	return "", false
}

// Disqualifies reports whether an error of this Kind disqualifies the
// submission it was raised against, per the spec.md §7 propagation policy
// column ("disqualifies submission").
func (k Kind) Disqualifies() bool {
	switch k {
	case SandboxTimeout, SandboxNonZeroExit, OutputSchemaInvalid:
		return true
	default:
		return false
	}
}
