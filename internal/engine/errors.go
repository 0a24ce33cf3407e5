package engine

import (
	"errors"
	"fmt"

	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/tools"
)

// ErrorKind categorizes a failed run for logging, events, and the
// release-claim reason.
type ErrorKind string

const (
	// KindInvalidReference covers tool calls naming tasks or messages
	// outside the run's scope. These fail the single call; a run only
	// carries this kind when every round produced nothing but bad calls.
	KindInvalidReference ErrorKind = "invalid_reference"

	// KindModelInvocation covers completer failures: transport errors,
	// provider rejections, missing credentials.
	KindModelInvocation ErrorKind = "model_invocation"

	// KindPersistence covers storage failures inside the loop
	// transaction.
	KindPersistence ErrorKind = "persistence"
)

// Error wraps a run failure with its kind and the operation that
// produced it. The claimed batch has been released back to pending by
// the time callers see one.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify maps an error from a tool applier to its kind. Schema and
// reference failures are the model addressing state wrong; everything
// else from inside the transaction is persistence.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, tools.ErrInvalidReference),
		errors.Is(err, tools.ErrInvalidArguments),
		errors.Is(err, persistence.ErrMessageLinked),
		errors.Is(err, persistence.ErrPositionOutOfRange):
		return KindInvalidReference
	default:
		return KindPersistence
	}
}
