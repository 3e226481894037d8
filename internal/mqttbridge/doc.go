// Package mqttbridge mirrors Aroma-Link device state onto MQTT and accepts
// commands from it.
//
// Every state change the client reports is published retained to
// {prefix}/state/{id} as JSON, together with "online" or "offline" on
// {prefix}/availability/{id}. Removed devices get empty retained payloads,
// which clears them from the broker.
//
// Commands arrive on {prefix}/command/{id} as a cloud.CommandRequest:
//
//	{"id":"c-1","command":"set_power","on":true}
//
// Each one is answered on {prefix}/ack/{id} with an Ack carrying the
// request id (generated when absent) and status "accepted" or "failed".
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Commands run on their own goroutines so a slow REST call never
//     blocks the MQTT router.
package mqttbridge
