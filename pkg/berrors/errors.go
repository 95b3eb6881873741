// Package berrors defines the typed error kinds shared across the
// storage, ledger, lock, transaction, and consensus layers.
package berrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error without forcing callers to string-match
// messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindSerialize
	KindDuplicateKey
	KindInvalidData
	KindStorage
	KindConsensus
	KindTransaction
	KindLock
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSerialize:
		return "serialize"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindInvalidData:
		return "invalid_data"
	case KindStorage:
		return "storage"
	case KindConsensus:
		return "consensus"
	case KindTransaction:
		return "transaction"
	case KindLock:
		return "lock"
	default:
		return "unknown"
	}
}

// Error is a BlockDB domain error: a Kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, berrors.ErrDuplicateKey) style checks against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Sentinel values for errors.Is comparisons against a specific kind,
// independent of message text.
var (
	ErrIO           = &Error{Kind: KindIO}
	ErrSerialize    = &Error{Kind: KindSerialize}
	ErrDuplicateKey = &Error{Kind: KindDuplicateKey}
	ErrInvalidData  = &Error{Kind: KindInvalidData}
	ErrStorage      = &Error{Kind: KindStorage}
	ErrConsensus    = &Error{Kind: KindConsensus}
	ErrTransaction  = &Error{Kind: KindTransaction}
	ErrLock         = &Error{Kind: KindLock}
)
