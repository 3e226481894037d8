package aromalink

import "errors"

// Errors returned by the Client.
var (
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("aromalink: client already started")

	// ErrNotStarted is returned by operations that need a started client.
	ErrNotStarted = errors.New("aromalink: client not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("aromalink: client closed")
)
