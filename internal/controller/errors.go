package controller

import (
	"errors"
	"fmt"
)

var (
	ErrSessionTerminal   = errors.New("session is terminal")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrNothingBlocked    = errors.New("nothing to unblock")
)

// TransitionError reports an edge the state machines do not allow.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
