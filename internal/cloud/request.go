package cloud

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/aromalink-core/internal/device"
)

// CommandRequest is the JSON form of a Command, as received over MQTT and
// the HTTP API:
//
//	{"id":"c-1","command":"set_power","on":true}
//	{"command":"set_durations","work":10,"pause":120}
//	{"command":"set_schedule","day":1,"blocks":[...]}
type CommandRequest struct {
	// ID correlates the request with its ack. It is not sent upstream.
	ID string `json:"id,omitempty"`

	Name    string             `json:"command"`
	On      *bool              `json:"on,omitempty"`
	Seconds int                `json:"seconds,omitempty"`
	Work    int                `json:"work,omitempty"`
	Pause   int                `json:"pause,omitempty"`
	Day     *int               `json:"day,omitempty"`
	Blocks  []device.TimeBlock `json:"blocks,omitempty"`
}

// DecodeCommandRequest parses a JSON command request.
func DecodeCommandRequest(b []byte) (CommandRequest, error) {
	var r CommandRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return CommandRequest{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return r, nil
}

// Build returns the Command the request names. Range checks are left to
// Control.SendCommand.
func (r CommandRequest) Build() (Command, error) {
	switch r.Name {
	case CommandSetPower:
		if r.On == nil {
			return nil, fmt.Errorf("%w: %s requires \"on\"", ErrInvalidCommand, r.Name)
		}
		return SetPower{On: *r.On}, nil
	case CommandSetFan:
		if r.On == nil {
			return nil, fmt.Errorf("%w: %s requires \"on\"", ErrInvalidCommand, r.Name)
		}
		return SetFan{On: *r.On}, nil
	case CommandSetWorkDuration:
		return SetWorkDuration{Seconds: r.Seconds}, nil
	case CommandSetPauseDuration:
		return SetPauseDuration{Seconds: r.Seconds}, nil
	case CommandSetDurations:
		return SetDurations{Work: r.Work, Pause: r.Pause}, nil
	case CommandSetSchedule:
		day, err := r.day()
		if err != nil {
			return nil, err
		}
		return SetSchedule{Day: day, Blocks: r.Blocks}, nil
	case CommandQueryState:
		return QueryState{}, nil
	case CommandQuerySchedule:
		day, err := r.day()
		if err != nil {
			return nil, err
		}
		return QuerySchedule{Day: day}, nil
	case "":
		return nil, fmt.Errorf("%w: missing command", ErrInvalidCommand)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, r.Name)
	}
}

func (r CommandRequest) day() (time.Weekday, error) {
	if r.Day == nil {
		return 0, fmt.Errorf("%w: %s requires \"day\"", ErrInvalidCommand, r.Name)
	}
	return time.Weekday(*r.Day), nil
}
