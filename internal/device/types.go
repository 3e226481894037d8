package device

import (
	"maps"
	"slices"
	"time"
)

// Phase is the diffuser's current operating mode.
type Phase string

// Phase values.
const (
	PhaseUnknown Phase = "unknown"
	PhaseWorking Phase = "working"
	PhasePaused  Phase = "paused"
)

// ConnectionStatus describes whether live updates for a device are flowing.
type ConnectionStatus string

// ConnectionStatus values.
const (
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusUnavailable  ConnectionStatus = "unavailable"
)

// Duration domains, in seconds.
const (
	MinWorkDuration  = 5
	MaxWorkDuration  = 60
	WorkDurationStep = 5

	MinPauseDuration  = 60
	MaxPauseDuration  = 300
	PauseDurationStep = 30

	DefaultWorkDuration  = 10
	DefaultPauseDuration = 120

	// MaxScheduleBlocks is how many time blocks a device stores per day.
	MaxScheduleBlocks = 5

	// DefaultConsistenceLevel is the vendor's default scent intensity level.
	DefaultConsistenceLevel = 1
)

// ValidWorkDuration reports whether seconds is inside the work duration domain.
func ValidWorkDuration(seconds int) bool {
	return seconds >= MinWorkDuration && seconds <= MaxWorkDuration
}

// ValidPauseDuration reports whether seconds is inside the pause duration domain.
func ValidPauseDuration(seconds int) bool {
	return seconds >= MinPauseDuration && seconds <= MaxPauseDuration
}

// Info holds the static attributes of a device as reported by the account's
// device directory.
type Info struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DeviceNo string `json:"device_no,omitempty"`
	Group    string `json:"group,omitempty"`
	HasFan   bool   `json:"has_fan"`
	Online   bool   `json:"online"`
}

// TimeBlock is one entry of a device's daily schedule.
type TimeBlock struct {
	Start   string `json:"start"` // "HH:MM"
	End     string `json:"end"`   // "HH:MM"
	Work    int    `json:"work_seconds"`
	Pause   int    `json:"pause_seconds"`
	Level   int    `json:"level"`
	Enabled bool   `json:"enabled"`
}

// State is the reconciled view of one device.
//
// Only the Reconciler mutates State. Values handed to subscribers and
// returned by getters are deep copies.
type State struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	HasFan bool   `json:"has_fan"`

	Power bool  `json:"power"`
	Fan   bool  `json:"fan"`
	Phase Phase `json:"phase"`

	WorkDuration   int `json:"work_duration"`
	PauseDuration  int `json:"pause_duration"`
	WorkCountdown  int `json:"work_countdown"`
	PauseCountdown int `json:"pause_countdown"`

	Schedule map[time.Weekday][]TimeBlock `json:"schedule,omitempty"`

	ConnectionStatus ConnectionStatus `json:"connection_status"`

	// AwaitingConfirmation is set once the active countdown reached zero
	// and cleared by the next server snapshot.
	AwaitingConfirmation bool `json:"awaiting_confirmation"`

	// Removed is set on the final notification for a device that left
	// the account.
	Removed bool `json:"removed,omitempty"`

	// Seq is the sequence of the last applied server snapshot.
	Seq int64 `json:"seq"`

	UpdatedAt time.Time `json:"updated_at"`
}

// newState returns the initial record for a device seen for the first time.
func newState(id string) State {
	return State{
		ID:               id,
		Phase:            PhaseUnknown,
		WorkDuration:     DefaultWorkDuration,
		PauseDuration:    DefaultPauseDuration,
		ConnectionStatus: StatusUnavailable,
		Schedule:         make(map[time.Weekday][]TimeBlock),
	}
}

// ActiveCountdown returns the countdown matching the current phase, or 0
// when the phase is unknown.
func (s State) ActiveCountdown() int {
	switch s.Phase {
	case PhaseWorking:
		return s.WorkCountdown
	case PhasePaused:
		return s.PauseCountdown
	default:
		return 0
	}
}

// Available reports whether the device is receiving live updates.
func (s State) Available() bool {
	return s.ConnectionStatus == StatusConnected
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	c := s
	if s.Schedule != nil {
		c.Schedule = make(map[time.Weekday][]TimeBlock, len(s.Schedule))
		for day, blocks := range s.Schedule {
			c.Schedule[day] = slices.Clone(blocks)
		}
	}
	return c
}

// Equal reports whether two states are observably identical.
// UpdatedAt is ignored.
func (s State) Equal(o State) bool {
	if s.ID != o.ID || s.Name != o.Name || s.HasFan != o.HasFan ||
		s.Power != o.Power || s.Fan != o.Fan || s.Phase != o.Phase ||
		s.WorkDuration != o.WorkDuration || s.PauseDuration != o.PauseDuration ||
		s.WorkCountdown != o.WorkCountdown || s.PauseCountdown != o.PauseCountdown ||
		s.ConnectionStatus != o.ConnectionStatus ||
		s.AwaitingConfirmation != o.AwaitingConfirmation ||
		s.Removed != o.Removed || s.Seq != o.Seq {
		return false
	}
	return maps.EqualFunc(s.Schedule, o.Schedule, slices.Equal[[]TimeBlock])
}

// Snapshot is a server-authoritative set of fields for one device.
// Nil fields were not present in the message and leave the record alone.
type Snapshot struct {
	Power          *bool
	Fan            *bool
	Phase          *Phase
	WorkDuration   *int
	PauseDuration  *int
	WorkCountdown  *int
	PauseCountdown *int
	Schedule       map[time.Weekday][]TimeBlock

	// Seq orders snapshots for one device. Zero means the message carried
	// no sequence and is applied unconditionally.
	Seq int64

	// Age is how long ago the server sampled the countdowns. It is
	// subtracted from the active countdown on apply.
	Age time.Duration
}

// Ptr returns a pointer to v. It keeps Snapshot literals short.
func Ptr[T any](v T) *T {
	return &v
}
