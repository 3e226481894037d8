// Package api implements the HTTP REST API and WebSocket stream for the
// Aroma-Link core.
//
// This package provides:
//   - REST endpoints to list devices, read state and send commands
//   - The push connection state and client counters
//   - A WebSocket hub that streams state changes by device
//   - Prometheus metrics at /metrics
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/devices
//	GET  /api/v1/devices/{id}
//	POST /api/v1/devices/{id}/commands   body: cloud.CommandRequest
//	GET  /api/v1/connection
//	GET  /api/v1/metrics                  JSON runtime and client stats
//	GET  /api/v1/ws
//	GET  /metrics
//
// # WebSocket channels
//
// Clients subscribe to "devices" for every device, "device:{id}" for one,
// and "connection" for push lifecycle changes.
//
// # Security
//
// The API has no authentication and binds to 127.0.0.1 by default. Put it
// behind a reverse proxy before exposing it.
package api
