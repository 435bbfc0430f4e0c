package aggregate

import (
	"errors"
	"fmt"
)

var (
	ErrRejected          = errors.New("rejected")
	ErrWrongStateVariant = errors.New("wrong state variant")
	ErrUnhandledEvent    = errors.New("unhandled event")
	ErrSeqGap            = errors.New("gap in stream sequence")
)

// Rejection is a broken business rule. It is never retried.
type Rejection struct {
	Reason string
}

func (r Rejection) Error() string {
	return "rejected: " + r.Reason
}

func (r Rejection) Is(target error) bool {
	return target == ErrRejected
}

func Reject(format string, args ...any) error {
	return Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Unhandled is what a fold returns for a state and event pair it has no
// transition for.
func Unhandled(state, event any) error {
	return fmt.Errorf("%w: %T in state %T", ErrUnhandledEvent, event, state)
}

// As narrows a state to the variant T.
func As[T, S any](state S) (T, error) {
	t, ok := any(state).(T)
	if !ok {
		return t, fmt.Errorf("%w: expected %T, got %T", ErrWrongStateVariant, t, state)
	}
	return t, nil
}
