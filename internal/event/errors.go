package event

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by a stream after it has been closed.
var ErrClosed = errors.New("event stream closed")

// DecodeError reports a malformed or unexpected record on an otherwise
// healthy source. The source keeps producing events.
type DecodeError struct {
	Backend BackendKind
	Device  Handle
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Device.IsZero() {
		return fmt.Sprintf("%s: decode: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s: decode %s: %v", e.Backend, e.Device, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BackendError reports that a backend lost its control channel. The backend
// produces no further events.
type BackendError struct {
	Backend BackendKind
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend failed: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// StreamError terminates a stream. Err combines the individual backend
// failures, or holds the readiness poller's error when Poller is set.
type StreamError struct {
	Err    error
	Poller bool
}

func (e *StreamError) Error() string {
	if e.Poller {
		return fmt.Sprintf("input stream stopped: poller failed: %v", e.Err)
	}
	return fmt.Sprintf("all input backends failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// IsFatal reports whether err ends the contribution of a backend or of the
// whole stream.
func IsFatal(err error) bool {
	var be *BackendError
	var se *StreamError
	return errors.As(err, &be) || errors.As(err, &se) || errors.Is(err, ErrClosed)
}

// IsTerminal reports whether err ends the whole stream.
func IsTerminal(err error) bool {
	var se *StreamError
	return errors.As(err, &se) || errors.Is(err, ErrClosed)
}
