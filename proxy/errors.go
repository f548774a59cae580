// Copyright 2025 R5 Labs
// This file is part of the R5 Proxy library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package proxy

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how they are handled: caller errors
// surface over the API without touching state, adapter and storage
// faults latch the engine, rejects delete the payout and continue.
type Kind int

const (
	// KindInput is a malformed or out-of-range caller value.
	KindInput Kind = iota + 1
	// KindConflict is a state precondition failure (pending exists,
	// amount collision, insufficient backend balance).
	KindConflict
	// KindTransient is a chain backend fault. The engine latches; no
	// automatic retry.
	KindTransient
	// KindReject is a payout refused by validation or by the chain. The
	// pending row is dropped and processing continues.
	KindReject
	// KindStorage is a substrate failure inside an atomic scope.
	KindStorage
	// KindInternal is a broken sanity check; operator attention needed.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input validation"
	case KindConflict:
		return "state conflict"
	case KindTransient:
		return "backend failure"
	case KindReject:
		return "rejected"
	case KindStorage:
		return "storage failure"
	case KindInternal:
		return "internal error"
	}
	return "unknown"
}

// Error is a classified proxy failure. It implements the JSON-RPC error
// interface so kinds travel to API callers as distinct codes.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode maps the kind into the JSON-RPC application error space.
func (e *Error) ErrorCode() int { return -32050 - int(e.Kind) }

func mkErr(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// InputErrorf builds a KindInput error.
func InputErrorf(format string, args ...interface{}) *Error {
	return mkErr(KindInput, nil, format, args...)
}

// ConflictErrorf builds a KindConflict error.
func ConflictErrorf(format string, args ...interface{}) *Error {
	return mkErr(KindConflict, nil, format, args...)
}

// TransientError wraps a chain backend failure.
func TransientError(err error, format string, args ...interface{}) *Error {
	return mkErr(KindTransient, err, format, args...)
}

// RejectError wraps a payout rejection.
func RejectError(err error, format string, args ...interface{}) *Error {
	return mkErr(KindReject, err, format, args...)
}

// StorageError wraps a substrate failure.
func StorageError(err error) *Error {
	return &Error{Kind: KindStorage, Msg: "storage failure", Err: err}
}

// InternalErrorf builds a KindInternal error.
func InternalErrorf(format string, args ...interface{}) *Error {
	return mkErr(KindInternal, nil, format, args...)
}

// ErrKind extracts the classification, defaulting unclassified errors to
// KindStorage when they escape an atomic scope and KindTransient
// otherwise is the caller's choice; plain errors report zero.
func ErrKind(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Fatal reports whether an error must latch the adapter.
func Fatal(err error) bool {
	switch ErrKind(err) {
	case KindTransient, KindStorage, KindInternal:
		return true
	}
	return false
}

// ErrUnknownCoin is the distinguished error for an unconfigured ticker.
var ErrUnknownCoin = &Error{Kind: KindInput, Msg: "unknown coin"}
