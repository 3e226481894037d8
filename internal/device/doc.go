// Package device holds the reconciled state of every diffuser on the account.
//
// # Ownership
//
// The Reconciler is the single owner of device State. The push connection
// feeds it server snapshots and connection status. Its own ticker emulates
// the work and pause countdowns between snapshots. Server data always wins.
//
// # Countdown emulation
//
// While a device is connected and its phase is known, the active countdown
// drops by one every tick. At zero the device waits for confirmation. If no
// snapshot arrives within the confirm timeout, the phase flips locally and
// the next countdown starts from the configured duration. Devices that are
// not connected are never ticked.
//
// # Subscribers
//
// The Registry delivers the whole State (a deep copy) after every observable
// change. Per-device and wildcard registrations are called in registration
// order. A panicking subscriber is logged and does not affect the others.
//
// Thread Safety:
//   - Reconciler and Registry are safe for concurrent use.
//   - Notifications run outside the state lock and arrive in the order the
//     changes were made. They usually run on the goroutine that caused the
//     change; when another goroutine is already delivering, it delivers the
//     new change too.
package device
