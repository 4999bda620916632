// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package errors implements the chainable error type used across the
// pipeline to carry the error kinds named in the design: ConfigInvalid,
// IOExhausted, IOAssumptionFailed, Timeout, Killed, BadChainPush,
// RequestToEmptyStorage, and AlignerFailure. Errors constructed with E can
// be chained: one error can attribute its cause to another, and the full
// chain is rendered by Error().
//
// It is inspired by (and a deliberate simplification of) the teacher
// library's own errors package, which itself credits the error packages of
// the Upspin and Reflow projects.
package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/grailbio/seqpipe/log"
)

// Separator is inserted between chained errors when rendering Error().
var Separator = ":\n\t"

// Kind classifies an error so that callers can decide whether and how to
// recover, matching the error-kind table in the design document.
type Kind int

const (
	// Other indicates an error that doesn't fit any of the kinds below.
	Other Kind = iota
	// Canceled indicates a context cancellation.
	Canceled
	// ConfigInvalid indicates a fatal configuration error: no inputs
	// matched, a required reference/aligner is missing, or sizing
	// parameters are contradictory (e.g. max_buckets < table_width).
	ConfigInvalid
	// IOExhausted names the normal end of all input. No package in this
	// module returns it: parsers report the end of a stream as io.EOF, and
	// the scheduler reports the end of all input to its consumer as
	// RequestToEmptyStorage.
	IOExhausted
	// IOAssumptionFailed indicates a filesystem precondition was
	// violated: the configured input directory isn't a directory, or a
	// discovered file couldn't be opened for reading.
	IOAssumptionFailed
	// Timeout indicates a bucket future did not complete within the
	// configured max wait time.
	Timeout
	// Killed indicates the storage was cancelled via kill() and pending
	// waiters are unwinding.
	Killed
	// BadChainPush indicates the sorted-chain storage variant rejected
	// an insert because its one sealed bucket per partition is already
	// at capacity.
	BadChainPush
	// RequestToEmptyStorage indicates storage is empty and the reader
	// daemon has finished: a normal, terminal condition for the
	// pipeline manager's read loop.
	RequestToEmptyStorage
	// AlignerFailure indicates the aligner child process exited
	// non-zero, or produced fewer output lines than it was given input
	// records.
	AlignerFailure
	// TooManyTries indicates a retry policy gave up after its configured
	// number of attempts (package retry).
	TooManyTries

	maxKind
)

var kinds = map[Kind]string{
	Other:                 "unknown error",
	Canceled:              "operation was canceled",
	ConfigInvalid:         "invalid configuration",
	IOExhausted:           "input exhausted",
	IOAssumptionFailed:    "filesystem assumption failed",
	Timeout:               "operation timed out",
	Killed:                "storage was killed",
	BadChainPush:          "sorted chain at capacity",
	RequestToEmptyStorage: "storage empty and reader done",
	AlignerFailure:        "aligner process failed",
	TooManyTries:          "gave up after too many retries",
}

// kindStdErrs maps kinds to the standard library's closest equivalent, so
// that errors.Is interoperates with context/os sentinel errors.
var kindStdErrs = map[Kind]error{
	Canceled: context.Canceled,
	Timeout:  context.DeadlineExceeded,
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

// Severity defines an Error's severity. An Error's severity determines
// whether an error-producing operation may be retried or not.
type Severity int

const (
	// Retriable indicates that the failing operation can be safely
	// retried regardless of application context (e.g. BadChainPush,
	// recovered locally with a flush then retry per the design).
	Retriable Severity = -2
	// Temporary indicates the underlying condition is likely transient.
	Temporary Severity = -1
	// Unknown is the default severity.
	Unknown Severity = 0
	// Fatal indicates the condition is unrecoverable; the pipeline
	// should flush metrics and abort.
	Fatal Severity = 1
)

var severities = map[Severity]string{
	Retriable: "retriable",
	Temporary: "temporary",
	Unknown:   "unknown",
	Fatal:     "fatal",
}

// String returns a human-readable explanation of the severity s.
func (s Severity) String() string {
	return severities[s]
}

// Error is the standard error type, carrying a kind, an optional message,
// an optional severity, and an optional underlying cause. Errors should be
// constructed with E, which interprets its arguments by type.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Err      error
}

// E constructs an error from its arguments, interpreted by type:
//
//   - Kind: sets the error's kind
//   - Severity: sets the error's severity
//   - string: appended to the error's message (space-separated)
//   - *Error or error: sets the error's cause
//
// If no Kind is given but a cause is, E classifies common cause types
// (context cancellation/deadline, or an *Error's own kind) onto the new
// error.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E: no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case Severity:
			e.Severity = arg
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(arg)
		case *Error:
			cp := *arg
			if len(args) == 1 {
				return &cp
			}
			e.Err = &cp
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call (type %T) from %s:%d: %v", arg, file, line, arg)
			return &Error{Kind: ConfigInvalid, Message: fmt.Sprintf("unknown type %T, value %v in error call", arg, arg)}
		}
	}
	e.Message = msg.String()
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Severity == e.Severity || e.Severity == Unknown {
			e.Severity = prev.Severity
			prev.Severity = Unknown
		}
	default:
		if err, ok := e.Err.(interface{ Temporary() bool }); ok && err.Temporary() && e.Severity == Unknown {
			e.Severity = Temporary
		}
		if e.Kind != Other {
			break
		}
		for kind := Kind(0); kind < maxKind; kind++ {
			if stdErr := kindStdErrs[kind]; stdErr != nil && errors.Is(e.Err, stdErr) {
				e.Kind = kind
				break
			}
		}
		if e.Kind == Other && isTimeoutErr(e.Err) {
			e.Kind = Timeout
		}
	}
	return e
}

func isTimeoutErr(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}

// Recover recovers any error into an *Error. If err is already an *Error,
// it is returned as-is; otherwise it's wrapped with E.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return E(err).(*Error)
}

// Error renders e and its chained causes, joined by Separator.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Severity != Unknown {
		pad(b, " ")
		b.WriteByte('(')
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
	}
	if e.Err == nil {
		return
	}
	if err, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(err.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Timeout tells whether e is a timeout error.
func (e *Error) Timeout() bool { return e.Kind == Timeout }

// Temporary tells whether e is likely temporary.
func (e *Error) Temporary() bool { return e.Severity <= Temporary }

// Unwrap returns e's cause, if any, enabling interoperability with the
// standard library's errors.Unwrap/Is/As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether e.Kind corresponds to the standard sentinel err.
func (e *Error) Is(err error) bool {
	if err == nil {
		return false
	}
	if err == kindStdErrs[e.Kind] {
		return true
	}
	if e.Kind == Timeout && isTimeoutErr(err) {
		return true
	}
	return false
}

// Is tells whether err has the given kind, chasing the cause chain through
// any Other-kind wrappers (constructed e.g. by a caller that only wanted to
// add a message).
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		if e2, ok := e.Err.(*Error); ok {
			return is(kind, e2)
		}
	}
	return false
}

// IsTemporary tells whether err is likely temporary.
func IsTemporary(err error) bool {
	return Recover(err).Temporary()
}

// Match tells whether got has the same kind as the template error want.
// nil matches only nil.
func Match(want, got error) bool {
	if want == nil || got == nil {
		return want == got
	}
	return Recover(want).Kind == Recover(got).Kind
}

// New is synonymous with the standard library's errors.New, provided here
// so callers need import only one errors package.
func New(msg string) error { return errors.New(msg) }

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}
