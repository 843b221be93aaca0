package relaywire

import (
	"errors"
	"fmt"
)

// Sentinel errors for relay control sessions. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrExchangePending = errors.New("relaywire: exchange already pending on sub-stream")
	ErrSessionClosed   = errors.New("relaywire: session closed")
	ErrJoinRejected    = errors.New("relaywire: relay rejected join")
)

// ParseError indicates a failure to parse a control message field.
// It wraps the underlying I/O or format error and records which field
// was being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("relaywire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
