// Package push manages the Aroma-Link websocket that streams device state.
//
// One Manager owns one connection per account. After dialing it sends a
// LOGIN frame and waits for the server greeting or a LOGIN reply. A refused
// handshake refreshes the token once and retries once before failing with
// ErrAuthRejected.
//
// # Liveness
//
// While connected the manager sends one HEARTBEAT per known device every
// HeartbeatInterval. A connection that delivers no frame for
// MissedHeartbeats intervals is treated as lost.
//
// # Device Status
//
// Every attempt marks all devices reconnecting and a failed attempt or a
// lost connection marks them unavailable, always in one batch. After
// GiveUpAfter consecutive failures devices stay unavailable and attempts
// continue at the capped backoff delay.
//
// # Messages
//
// Inbound frames are decoded by DecodeMessage and dispatched to the Sink in
// arrival order. SUPERCOMMAND replies become device.Snapshot values with
// their age corrected for the time since the device reported them.
// Undecodable frames are counted and dropped without closing the
// connection.
//
// Thread Safety:
//   - Manager methods are safe for concurrent use.
//   - Backoff is owned by the manager and is not safe for concurrent use.
package push
