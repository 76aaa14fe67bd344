package connection

import (
	"errors"
	"fmt"
)

// ErrNotOpen is returned by Send and Subscribe outside the Open state.
var ErrNotOpen = errors.New("connection not open")

// NotOpenError carries the state the manager was in when an operation was refused.
type NotOpenError struct {
	State State
	Op    string
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("%s: connection is %s", e.Op, e.State.Status())
}

func (e *NotOpenError) Unwrap() error { return ErrNotOpen }
