package normalizer

import (
	"errors"
	"fmt"
)

// Kind classifies why a normalization failed.
type Kind string

const (
	// KindSourceInvalid marks archives that cannot be read at all.
	KindSourceInvalid Kind = "SourceInvalid"
	// KindMissingData marks archives lacking required content.
	KindMissingData Kind = "MissingData"
	// KindAssertion marks content that breaks an invariant of the data model.
	KindAssertion Kind = "Assertion"
)

// Error is a failed normalization.
type Error struct {
	Kind Kind
	Err  error
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a normalization error and whether err is one.
func KindOf(err error) (Kind, bool) {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Kind, true
	}
	return "", false
}
