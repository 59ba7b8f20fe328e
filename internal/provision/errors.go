package provision

import (
	"errors"
	"fmt"
)

// Session errors.
var (
	ErrCancelled         = errors.New("provision: session cancelled")
	ErrConnectTimeout    = errors.New("provision: connect timeout")
	ErrInvalidTransition = errors.New("provision: invalid transition")
	ErrAlreadyStarted    = errors.New("provision: session already started")
	ErrFinished          = errors.New("provision: session finished")
)

// TransportError is a connection-level failure. While connecting it is
// retried unless the session was cancelled.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision: transport error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("provision: transport error (status %d)", e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a terminal failure reported by the device or by a
// capability during one step of the session.
type ProtocolError struct {
	Step string
	Code int
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision: %s failed (code %d): %v", e.Step, e.Code, e.Err)
	}
	return fmt.Sprintf("provision: %s failed (code %d)", e.Step, e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
