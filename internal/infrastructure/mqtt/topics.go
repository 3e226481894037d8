package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every topic when none is configured.
const DefaultTopicPrefix = "aromalink"

// Topics builds the bridge's MQTT topics under one prefix.
//
//	topics := mqtt.Topics{Prefix: "aromalink"}
//	topics.DeviceState("1001") // "aromalink/state/1001"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// DeviceState is the retained reconciled state of one diffuser.
//
// Example: aromalink/state/1001
func (t Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", t.prefix(), deviceID)
}

// DeviceAvailability carries "online" or "offline" for one diffuser.
//
// Example: aromalink/availability/1001
func (t Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/availability/%s", t.prefix(), deviceID)
}

// DeviceCommand is where commands for one diffuser are received.
//
// Example: aromalink/command/1001
func (t Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", t.prefix(), deviceID)
}

// DeviceAck carries the result of each received command.
//
// Example: aromalink/ack/1001
func (t Topics) DeviceAck(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", t.prefix(), deviceID)
}

// Connection carries the push connection lifecycle state.
//
// Example: aromalink/connection
func (t Topics) Connection() string {
	return t.prefix() + "/connection"
}

// BridgeStatus is the bridge's own online status and Last Will topic.
//
// Example: aromalink/bridge/status
func (t Topics) BridgeStatus() string {
	return t.prefix() + "/bridge/status"
}

// AllDeviceCommands matches the command topic of every diffuser.
//
// Pattern: aromalink/command/+
func (t Topics) AllDeviceCommands() string {
	return t.prefix() + "/command/+"
}

// DeviceFromTopic returns the last topic level, the device ID for the
// per-device topics above.
func DeviceFromTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
