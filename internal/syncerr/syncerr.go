// Package syncerr classifies failures of the sync engine and decides which of
// them reach the user.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindUnknown is used for errors that were never classified.
	KindUnknown Kind = iota

	// KindTransient is a network blip. The pipeline rolls back and the user
	// may retry the same action.
	KindTransient

	// KindAuth means the access token was rejected. It forces a session
	// clear and a transport disconnect.
	KindAuth

	// KindValidation is rejected before any optimistic change is applied.
	KindValidation

	// KindConflict is a stale merge event. It is dropped silently.
	KindConflict

	// KindPersistence is a failed snapshot read or write. Logged only.
	KindPersistence
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindTransient:   "transient",
	KindAuth:        "auth",
	KindValidation:  "validation",
	KindConflict:    "conflict",
	KindPersistence: "persistence",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a validation error from a formatted message.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsAuth(err error) bool       { return KindOf(err) == KindAuth }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }

// Visible reports whether err must be surfaced to the UI layer. Everything
// else is recovered locally.
func Visible(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindValidation:
		return true
	}
	return false
}
