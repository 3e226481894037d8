// Package cloud is the REST side of the Aroma-Link protocol.
//
// # Components
//
//   - Client: raw exchanges, fixed headers and the {code,msg,data} envelope
//   - Authenticator: login, refresh and the session it owns
//   - Directory: the account's device list
//   - Control: power, fan, duration, schedule and query commands
//
// # Authentication
//
// Login is a two-step form exchange with an MD5 password digest, which is
// what the vendor accepts. Refresh uses the refresh token and falls back to
// a full login. Any call rejected with 401 invalidates the session,
// refreshes once and retries once.
//
// # Errors
//
// Bad credentials return *AuthError (errors.Is ErrAuth). A refused command
// returns *CommandError (errors.Is ErrCommandRejected). Network failures
// wrap ErrTransport. Validation failures wrap ErrInvalidCommand and never
// reach the network.
//
// Thread Safety:
//   - All types are safe for concurrent use.
//   - Tokens are never logged, only their length.
package cloud
