package push

import (
	"errors"
	"fmt"
)

// Sentinel errors for the push connection.
var (
	// ErrTransport indicates the socket could not be opened or failed.
	ErrTransport = errors.New("push: transport error")

	// ErrAuthRejected indicates the handshake was refused even after one
	// token refresh.
	ErrAuthRejected = errors.New("push: authentication rejected")

	// ErrAttemptInProgress indicates another connection attempt is running.
	ErrAttemptInProgress = errors.New("push: connection attempt in progress")

	// ErrShutdown indicates the manager was closed.
	ErrShutdown = errors.New("push: manager closed")

	// ErrNotConnected indicates a frame could not be sent because there is
	// no live connection.
	ErrNotConnected = errors.New("push: not connected")

	// ErrHandshakeTimeout indicates no acknowledgement arrived in time.
	ErrHandshakeTimeout = errors.New("push: handshake timed out")

	// ErrMalformedMessage indicates an inbound frame could not be decoded.
	ErrMalformedMessage = errors.New("push: malformed message")
)

// MalformedMessageError carries the reason and a prefix of the bad frame.
type MalformedMessageError struct {
	Reason string
	Frame  string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	msg := "push: malformed message: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Frame != "" {
		msg += fmt.Sprintf(" (frame %q)", e.Frame)
	}
	return msg
}

// Unwrap exposes ErrMalformedMessage and the decode cause.
func (e *MalformedMessageError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedMessage, e.Err}
	}
	return []error{ErrMalformedMessage}
}

// maxFrameExcerpt bounds the frame text kept in a MalformedMessageError.
const maxFrameExcerpt = 120

func malformed(raw []byte, reason string, err error) *MalformedMessageError {
	frame := string(raw)
	if len(frame) > maxFrameExcerpt {
		frame = frame[:maxFrameExcerpt] + "..."
	}
	return &MalformedMessageError{Reason: reason, Frame: frame, Err: err}
}

// authFailure reports whether err is a credential problem. Errors from
// other packages signal this with an AuthFailure method.
func authFailure(err error) bool {
	if errors.Is(err, ErrAuthRejected) {
		return true
	}
	var af interface{ AuthFailure() bool }
	return errors.As(err, &af) && af.AuthFailure()
}
