package cloud

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nerrad567/aromalink-core/internal/device"
)

// Command is a control request for one device.
//
// Commands are values; construct them directly:
//
//	ack, err := control.SendCommand(ctx, id, cloud.SetPower{On: true})
type Command interface {
	// Name is the command's stable identifier, e.g. "set_power".
	Name() string

	validate() error
	request(deviceID, userID string) request
}

// Command names.
const (
	CommandSetPower         = "set_power"
	CommandSetFan           = "set_fan"
	CommandSetWorkDuration  = "set_work_duration"
	CommandSetPauseDuration = "set_pause_duration"
	CommandSetDurations     = "set_durations"
	CommandSetSchedule      = "set_schedule"
	CommandQueryState       = "query_state"
	CommandQuerySchedule    = "query_schedule"
)

// SetPower switches the diffuser on or off.
type SetPower struct {
	On bool
}

func (SetPower) Name() string    { return CommandSetPower }
func (SetPower) validate() error { return nil }

func (c SetPower) request(deviceID, userID string) request {
	return request{
		method: http.MethodPost,
		path:   "/v1/app/data/newSwitch",
		form:   url.Values{"deviceId": {deviceID}, "onOff": {flag(c.On)}, "userId": {userID}},
	}
}

// SetFan switches the fan on or off.
type SetFan struct {
	On bool
}

func (SetFan) Name() string    { return CommandSetFan }
func (SetFan) validate() error { return nil }

func (c SetFan) request(deviceID, userID string) request {
	return request{
		method: http.MethodPost,
		path:   "/v1/app/data/switch",
		form:   url.Values{"deviceId": {deviceID}, "fan": {flag(c.On)}, "userId": {userID}},
	}
}

// SetDurations sets the work and pause periods in single-block mode: one
// enabled block covering the whole day, every day of the week.
type SetDurations struct {
	Work  int // seconds
	Pause int // seconds
}

func (SetDurations) Name() string { return CommandSetDurations }

func (c SetDurations) validate() error {
	return validateDurations(c.Work, c.Pause)
}

func (c SetDurations) request(deviceID, userID string) request {
	return singleBlock(deviceID, userID, c.Work, c.Pause)
}

// SetWorkDuration changes only the work period. Sent through Control
// directly, the pause half is device.DefaultPauseDuration; the client
// facade fills it from the device's current state instead.
type SetWorkDuration struct {
	Seconds int
}

func (SetWorkDuration) Name() string { return CommandSetWorkDuration }

func (c SetWorkDuration) validate() error {
	return validateDurations(c.Seconds, device.DefaultPauseDuration)
}

func (c SetWorkDuration) request(deviceID, userID string) request {
	return singleBlock(deviceID, userID, c.Seconds, device.DefaultPauseDuration)
}

// SetPauseDuration changes only the pause period. See SetWorkDuration.
type SetPauseDuration struct {
	Seconds int
}

func (SetPauseDuration) Name() string { return CommandSetPauseDuration }

func (c SetPauseDuration) validate() error {
	return validateDurations(device.DefaultWorkDuration, c.Seconds)
}

func (c SetPauseDuration) request(deviceID, userID string) request {
	return singleBlock(deviceID, userID, device.DefaultWorkDuration, c.Seconds)
}

// SetSchedule writes up to five time blocks for one day of the week.
type SetSchedule struct {
	Day    time.Weekday
	Blocks []device.TimeBlock
}

func (SetSchedule) Name() string { return CommandSetSchedule }

func (c SetSchedule) validate() error {
	if c.Day < time.Sunday || c.Day > time.Saturday {
		return fmt.Errorf("%w: day %d out of range", ErrInvalidCommand, c.Day)
	}
	if len(c.Blocks) > device.MaxScheduleBlocks {
		return fmt.Errorf("%w: %d blocks, at most %d", ErrInvalidCommand, len(c.Blocks), device.MaxScheduleBlocks)
	}
	for i, b := range c.Blocks {
		if !b.Enabled {
			continue
		}
		if _, err := parseClock(b.Start); err != nil {
			return fmt.Errorf("%w: block %d start: %w", ErrInvalidCommand, i, err)
		}
		if _, err := parseClock(b.End); err != nil {
			return fmt.Errorf("%w: block %d end: %w", ErrInvalidCommand, i, err)
		}
		if err := validateDurations(b.Work, b.Pause); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func (c SetSchedule) request(deviceID, userID string) request {
	blocks := make([]workTime, 0, device.MaxScheduleBlocks)
	for _, b := range c.Blocks {
		if b.Enabled {
			blocks = append(blocks, enabledWorkTime(b.Start, b.End, b.Work, b.Pause, b.Level))
		} else {
			blocks = append(blocks, disabledWorkTime())
		}
	}
	return workSetApp(deviceID, userID, blocks, []int{int(c.Day)})
}

// QueryState asks the server to publish a fresh snapshot over push. The
// snapshot itself arrives on the push connection.
type QueryState struct{}

func (QueryState) Name() string    { return CommandQueryState }
func (QueryState) validate() error { return nil }

func (QueryState) request(deviceID, userID string) request {
	return request{
		method: http.MethodGet,
		path:   "/v1/app/device/newWork/" + url.PathEscape(deviceID),
		query:  url.Values{"isOpenPage": {"0"}, "userId": {userID}},
	}
}

// QuerySchedule asks the server to publish one day's schedule over push.
type QuerySchedule struct {
	Day time.Weekday
}

func (QuerySchedule) Name() string { return CommandQuerySchedule }

func (c QuerySchedule) validate() error {
	if c.Day < time.Sunday || c.Day > time.Saturday {
		return fmt.Errorf("%w: day %d out of range", ErrInvalidCommand, c.Day)
	}
	return nil
}

func (c QuerySchedule) request(deviceID, userID string) request {
	return request{
		method: http.MethodGet,
		path:   "/v1/app/device/newWorkTime/" + url.PathEscape(deviceID),
		query:  url.Values{"userId": {userID}, "week": {strconv.Itoa(int(c.Day))}},
	}
}

// workTime is one entry of the workSetApp workTimeList.
type workTime struct {
	StartTime        string `json:"startTime"`
	EndTime          string `json:"endTime"`
	WorkDuration     string `json:"workDuration"`
	PauseDuration    string `json:"pauseDuration"`
	Enabled          int    `json:"enabled"`
	ConsistenceLevel int    `json:"consistenceLevel"`
}

type workSetPayload struct {
	DeviceID     string     `json:"deviceId"`
	UserID       any        `json:"userId"`
	WorkTimeList []workTime `json:"workTimeList"`
	Week         []int      `json:"week"`
}

func enabledWorkTime(start, end string, work, pause, level int) workTime {
	if level <= 0 {
		level = device.DefaultConsistenceLevel
	}
	return workTime{
		StartTime:        start,
		EndTime:          end,
		WorkDuration:     strconv.Itoa(work),
		PauseDuration:    strconv.Itoa(pause),
		Enabled:          1,
		ConsistenceLevel: level,
	}
}

func disabledWorkTime() workTime {
	return workTime{
		StartTime:        "00:00",
		EndTime:          "00:00",
		WorkDuration:     strconv.Itoa(device.DefaultWorkDuration),
		PauseDuration:    strconv.Itoa(device.DefaultPauseDuration),
		Enabled:          0,
		ConsistenceLevel: device.DefaultConsistenceLevel,
	}
}

// workSetApp pads blocks to exactly MaxScheduleBlocks entries.
func workSetApp(deviceID, userID string, blocks []workTime, week []int) request {
	for len(blocks) < device.MaxScheduleBlocks {
		blocks = append(blocks, disabledWorkTime())
	}
	return request{
		method: http.MethodPost,
		path:   "/v1/app/data/workSetApp",
		body: workSetPayload{
			DeviceID:     deviceID,
			UserID:       numericOrString(userID),
			WorkTimeList: blocks,
			Week:         week,
		},
	}
}

func singleBlock(deviceID, userID string, work, pause int) request {
	blocks := []workTime{enabledWorkTime("00:00", "23:59", work, pause, device.DefaultConsistenceLevel)}
	return workSetApp(deviceID, userID, blocks, []int{0, 1, 2, 3, 4, 5, 6})
}

func validateDurations(work, pause int) error {
	if !device.ValidWorkDuration(work) {
		return fmt.Errorf("%w: %w: work %ds outside [%d,%d]",
			ErrInvalidCommand, device.ErrInvalidDuration, work, device.MinWorkDuration, device.MaxWorkDuration)
	}
	if !device.ValidPauseDuration(pause) {
		return fmt.Errorf("%w: %w: pause %ds outside [%d,%d]",
			ErrInvalidCommand, device.ErrInvalidDuration, pause, device.MinPauseDuration, device.MaxPauseDuration)
	}
	return nil
}

// parseClock validates an "HH:MM" time of day.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func flag(on bool) string {
	if on {
		return "1"
	}
	return "0"
}
