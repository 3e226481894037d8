package mqttbridge

import "errors"

var (
	// ErrNoMQTT is returned by New without an MQTT client.
	ErrNoMQTT = errors.New("mqttbridge: mqtt client is required")

	// ErrNoCore is returned by New without a Core.
	ErrNoCore = errors.New("mqttbridge: core is required")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("mqttbridge: already started")
)
