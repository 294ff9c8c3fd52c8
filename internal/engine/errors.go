package engine

import (
	"errors"
	"fmt"

	"github.com/tadams95/4ex.ninja-sub000/internal/store"
	"github.com/tadams95/4ex.ninja-sub000/internal/strategy"
)

// ErrorKind classifies tick and delivery errors.
type ErrorKind int

const (
	KindTransient     ErrorKind = iota // retried by the next tick
	KindValidation                     // candidate rejected, never retried
	KindDuplicate                      // signal already exists, treated as success
	KindConfiguration                  // invalid configuration, fatal at startup
	KindInvariant                      // state disagreement, rebuilt via cold start
	KindDownstream                     // channel permanent error
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindConfiguration:
		return "configuration"
	case KindInvariant:
		return "invariant"
	case KindDownstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Sentinels for kinds raised by the engine itself.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrInvariant     = errors.New("invariant violation")
)

// Error attaches a kind and the failing operation to an error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func invariantf(format string, args ...any) error {
	return wrap(KindInvariant, "invariant", fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...))
}

// Classify returns the kind of err. Anything unrecognised (timeouts,
// network and cache failures) is transient: the next tick retries it.
func Classify(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, strategy.ErrRejected):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	}
	return KindTransient
}

// IsTransient reports whether err should simply be retried by the next tick.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}
