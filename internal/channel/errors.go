package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient and ErrTerminal classify send failures.
var (
	ErrTransient = errors.New("transient error")
	ErrTerminal  = errors.New("terminal error")
)

type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	default:
		return "none"
	}
}

// WrapTransient annotates an error as retryable.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapTerminal annotates an error as not worth retrying.
func WrapTerminal(err error) error {
	if err == nil {
		return ErrTerminal
	}
	return fmt.Errorf("%w: %v", ErrTerminal, err)
}

// Classify maps a send error onto the retry taxonomy. Timeouts, cancellations
// and unclassified errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrTerminal):
		return ClassTerminal
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassTransient
	}
}
