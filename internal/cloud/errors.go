package cloud

import (
	"errors"
	"fmt"
)

// Sentinel errors for the Aroma-Link REST API.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, cloud.ErrAuth) {
//	    // bad credentials, surface to the user
//	}
var (
	// ErrAuth indicates the credentials were rejected or no session
	// could be obtained.
	ErrAuth = errors.New("cloud: authentication failed")

	// ErrUnauthorized indicates the server rejected the access token.
	// The caller refreshes once and retries.
	ErrUnauthorized = errors.New("cloud: access token rejected")

	// ErrTransport indicates the request never produced a usable response.
	ErrTransport = errors.New("cloud: transport error")

	// ErrCommandRejected indicates the server refused a control command.
	ErrCommandRejected = errors.New("cloud: command rejected")

	// ErrInvalidCommand indicates a command failed local validation and
	// was not sent.
	ErrInvalidCommand = errors.New("cloud: invalid command")

	// ErrNoCredentials indicates a login was needed but no username or
	// password is configured.
	ErrNoCredentials = errors.New("cloud: no credentials configured")
)

// AuthError describes a failed login or token exchange.
type AuthError struct {
	Op   string // "login", "token", "refresh"
	Code int    // envelope or HTTP code, 0 if none
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("cloud: %s failed", e.Op)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes ErrAuth and the underlying cause.
func (e *AuthError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAuth, e.Err}
	}
	return []error{ErrAuth}
}

// AuthFailure reports whether the credentials themselves were refused, for
// packages that cannot import cloud. A login that never reached the server
// is not an auth failure.
func (e *AuthError) AuthFailure() bool { return !errors.Is(e.Err, ErrTransport) }

// CommandError describes a command the server refused.
type CommandError struct {
	DeviceID string
	Command  string
	Code     int
	Msg      string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("cloud: %s on device %s rejected (code %d): %s", e.Command, e.DeviceID, e.Code, e.Msg)
}

// Unwrap returns ErrCommandRejected.
func (e *CommandError) Unwrap() error { return ErrCommandRejected }

// APIError is a non-success envelope returned by the server.
type APIError struct {
	Status int // HTTP status
	Code   int // envelope code
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud: api error %d (http %d): %s", e.Code, e.Status, e.Msg)
}
