// ============================================================================
// Job error taxonomy
// ============================================================================
//
// Package: internal/joberr
// File: joberr.go
// Purpose: A single tagged error type for every failure the job framework
// raises, so that the message receiver can decide commit vs. rollback from
// data instead of from error-type ordering.
//
// Kinds:
//   Execution        - the job implementation's own logic failed
//   StateManagement  - a status transition could not be persisted
//   Dispatch         - the broker refused a send, commit or rollback
//   Initialization   - the job cannot start (not found, terminal, bad message)
//
// Anything that is not an *Error is "unexpected" and handled conservatively.
//
// ============================================================================

package joberr

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// Kind classifies a job framework failure
type Kind int

const (
	KindExecution Kind = iota + 1
	KindStateManagement
	KindDispatch
	KindInitialization
)

func (k Kind) String() string {
	switch k {
	case KindExecution:
		return "execution"
	case KindStateManagement:
		return "state_management"
	case KindDispatch:
		return "dispatch"
	case KindInitialization:
		return "initialization"
	}
	return "unknown"
}

// ErrInvalidArgument marks local validation failures
var ErrInvalidArgument = errors.New("invalid argument")

// Error is the tagged error raised by the job framework
type Error struct {
	Kind     Kind
	Terminal bool
	Message  string
	Err      error

	// Set for state management failures
	Status        *types.JobStatus
	PreviousState types.JobState
	IntendedState types.JobState
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " failure"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause supports github.com/pkg/errors.Cause
func (e *Error) Cause() error {
	return e.Err
}

// InvalidArgument returns a validation error describing the offending input
func InvalidArgument(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// Execution wraps a failure raised by a job implementation
func Execution(err error, terminal bool) *Error {
	return &Error{Kind: KindExecution, Terminal: terminal, Message: "job execution failed", Err: err}
}

// StateManagement reports a failed status transition. The error is terminal
// when the intended state is terminal or unknown.
func StateManagement(status *types.JobStatus, from, to types.JobState, err error) *Error {
	name := ""
	if status != nil {
		name = status.Name
	}
	return &Error{
		Kind:          KindStateManagement,
		Terminal:      to.IsTerminal(),
		Message:       fmt.Sprintf("unable to update job state for job %q: %s -> %s", name, from, to),
		Err:           err,
		Status:        status,
		PreviousState: from,
		IntendedState: to,
	}
}

// Dispatch reports a broker failure. Dispatch failures are never terminal.
func Dispatch(message string, err error) *Error {
	return &Error{Kind: KindDispatch, Message: message, Err: err}
}

// Initialization reports that a job could not be started
func Initialization(message string, err error, terminal bool) *Error {
	return &Error{Kind: KindInitialization, Terminal: terminal, Message: message, Err: err}
}

// As extracts the *Error from err's chain
func As(err error) (*Error, bool) {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr, true
	}
	return nil, false
}

// IsKind reports whether err carries a job error of the given kind
func IsKind(err error, kind Kind) bool {
	jerr, ok := As(err)
	return ok && jerr.Kind == kind
}

type terminalError struct {
	err error
}

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }
func (t *terminalError) Cause() error  { return t.err }

// Terminal marks a job failure as not worth retrying. Job implementations
// return it to skip the remaining attempts.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal, or is a terminal *Error
func IsTerminal(err error) bool {
	var t *terminalError
	if errors.As(err, &t) {
		return true
	}
	if jerr, ok := As(err); ok {
		return jerr.Terminal
	}
	return false
}
