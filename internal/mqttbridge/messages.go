package mqttbridge

import (
	"time"

	"github.com/nerrad567/aromalink-core/internal/push"
)

// Availability payloads.
const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

// AckStatus is the outcome of a received command.
type AckStatus string

// AckStatus values.
const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// AckMessage answers one command on the ack topic.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Command   string    `json:"command,omitempty"`
	Status    AckStatus `json:"status"`
	Code      int       `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionMessage is the retained push connection state.
type ConnectionMessage struct {
	State     push.State `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}
