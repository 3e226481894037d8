package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/aromalink-core/internal/device"
)

// Kind classifies an inbound frame.
type Kind string

// Inbound kinds.
const (
	KindUnknown      Kind = "unknown"
	KindGreeting     Kind = "greeting"
	KindAuthAck      Kind = "auth_ack"
	KindAuthNack     Kind = "auth_nack"
	KindSnapshot     Kind = "snapshot"
	KindSchedule     Kind = "schedule"
	KindHeartbeatAck Kind = "heartbeat_ack"
)

// Kinds lists every Kind, for metrics.
var Kinds = []Kind{KindUnknown, KindGreeting, KindAuthAck, KindAuthNack, KindSnapshot, KindSchedule, KindHeartbeatAck}

// Wire message types.
const (
	typeLogin         = "LOGIN"
	typeAuthFail      = "AUTH_FAIL"
	typeHeartbeat     = "HEARTBEAT"
	typeSuperCommand  = "SUPERCOMMAND"
	typeWorkFrequency = "WORK_TIME_FREQUENCY"

	// greeting is the plain-text frame the server sends after connect.
	greeting = "连接成功"

	// maxNetworkDelay bounds the send-to-receive delay trusted for age
	// correction. Beyond it, or when negative, the clocks disagree.
	maxNetworkDelay = 5 * time.Second
)

// Message is a decoded inbound frame.
type Message struct {
	Kind     Kind
	Type     string
	DeviceID string
	Code     int
	Token    string

	// SendTime is when the server sent the frame. Zero if absent.
	SendTime time.Time

	Status   *StatusData
	Schedule []ScheduleEntry
}

// StatusData is the payload of a SUPERCOMMAND reply. Nil fields were absent.
type StatusData struct {
	DeviceID        string
	WorkStatus      *int
	WorkRemainTime  *int
	PauseRemainTime *int
	WorkTime        *int
	PauseTime       *int
	OnOff           *int
	Fan             *int

	// UpdateTime is when the device reported this state. Zero if absent.
	UpdateTime time.Time
}

// ScheduleEntry is one block of a WORK_TIME_FREQUENCY reply.
type ScheduleEntry struct {
	StartHour        string `json:"startHour"`
	EndHour          string `json:"endHour"`
	WorkSec          optInt `json:"workSec"`
	PauseSec         optInt `json:"pauseSec"`
	Enabled          optInt `json:"enabled"`
	ConsistenceLevel optInt `json:"consistenceLevel"`
	WeekDay          optInt `json:"weekDay"`
}

// wireFrame is the common envelope of every JSON frame.
type wireFrame struct {
	Type     string          `json:"type"`
	Code     *optInt         `json:"code"`
	Token    string          `json:"token"`
	DeviceID optID           `json:"deviceId"`
	SendTime optInt          `json:"sendTime"`
	Data     json.RawMessage `json:"data"`
}

type wireStatus struct {
	DeviceID        optID   `json:"deviceId"`
	WorkStatus      *optInt `json:"workStatus"`
	WorkRemainTime  *optInt `json:"workRemainTime"`
	PauseRemainTime *optInt `json:"pauseRemainTime"`
	WorkTime        *optInt `json:"workTime"`
	PauseTime       *optInt `json:"pauseTime"`
	OnOff           *optInt `json:"onOff"`
	Fan             *optInt `json:"fan"`
	UpdateTime      optInt  `json:"updateTime"`
}

// DecodeMessage decodes one inbound frame.
//
// The data field may be an object or a JSON string holding an object,
// as the server sends both. Frames that cannot be decoded return a
// *MalformedMessageError.
func DecodeMessage(raw []byte) (Message, error) {
	text := bytes.TrimSpace(raw)
	if string(text) == greeting {
		return Message{Kind: KindGreeting, Type: greeting}, nil
	}
	if len(text) == 0 || text[0] != '{' {
		return Message{}, malformed(raw, "not a JSON object", nil)
	}

	var f wireFrame
	if err := json.Unmarshal(text, &f); err != nil {
		return Message{}, malformed(raw, "invalid JSON", err)
	}

	data, err := unnest(f.Data)
	if err != nil {
		return Message{}, malformed(raw, "invalid nested data", err)
	}

	m := Message{
		Kind:     KindUnknown,
		Type:     f.Type,
		DeviceID: string(f.DeviceID),
		Token:    f.Token,
		SendTime: millis(int64(f.SendTime)),
	}
	if f.Code != nil {
		m.Code = int(*f.Code)
	}

	switch f.Type {
	case typeLogin:
		m.Kind = KindAuthAck
		if f.Code != nil && m.Code != 200 {
			m.Kind = KindAuthNack
		}
	case typeAuthFail:
		m.Kind = KindAuthNack
	case typeHeartbeat:
		m.Kind = KindHeartbeatAck
	case typeSuperCommand:
		st, err := decodeStatus(data)
		if err != nil {
			return Message{}, malformed(raw, "invalid SUPERCOMMAND data", err)
		}
		m.Kind = KindSnapshot
		m.Status = st
		if st.DeviceID != "" {
			m.DeviceID = st.DeviceID
		}
	case typeWorkFrequency:
		var entries []ScheduleEntry
		if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
			if err := json.Unmarshal(data, &entries); err != nil {
				return Message{}, malformed(raw, "invalid WORK_TIME_FREQUENCY data", err)
			}
		}
		m.Kind = KindSchedule
		m.Schedule = entries
	case "":
		return Message{}, malformed(raw, "missing type", nil)
	}

	if m.Kind != KindAuthAck && m.Kind != KindAuthNack && (m.Code == 401 || m.Code == 403) {
		m.Kind = KindAuthNack
	}
	return m, nil
}

// unnest returns the object inside a JSON string, or raw unchanged.
func unnest(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

func decodeStatus(data json.RawMessage) (*StatusData, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("empty data")
	}
	var w wireStatus
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &StatusData{
		DeviceID:        string(w.DeviceID),
		WorkStatus:      w.WorkStatus.ptr(),
		WorkRemainTime:  w.WorkRemainTime.ptr(),
		PauseRemainTime: w.PauseRemainTime.ptr(),
		WorkTime:        w.WorkTime.ptr(),
		PauseTime:       w.PauseTime.ptr(),
		OnOff:           w.OnOff.ptr(),
		Fan:             w.Fan.ptr(),
		UpdateTime:      millis(int64(w.UpdateTime)),
	}, nil
}

// Snapshot converts a SUPERCOMMAND reply into a reconciler snapshot.
//
// The age is the time since the device reported the state:
// (sendTime-updateTime) + (now-sendTime). When either timestamp is
// missing, or the network delay now-sendTime is negative or over five
// seconds, the raw values are used.
func (m Message) Snapshot(now time.Time) (device.Snapshot, bool) {
	st := m.Status
	if m.Kind != KindSnapshot || st == nil {
		return device.Snapshot{}, false
	}

	snap := device.Snapshot{
		WorkDuration:   st.WorkTime,
		PauseDuration:  st.PauseTime,
		WorkCountdown:  st.WorkRemainTime,
		PauseCountdown: st.PauseRemainTime,
	}
	if st.WorkStatus != nil {
		phase := device.PhasePaused
		if *st.WorkStatus == 1 {
			phase = device.PhaseWorking
		}
		snap.Phase = &phase
	}
	if st.OnOff != nil {
		snap.Power = device.Ptr(*st.OnOff == 1)
	}
	if st.Fan != nil {
		snap.Fan = device.Ptr(*st.Fan == 1)
	}
	if !st.UpdateTime.IsZero() {
		snap.Seq = st.UpdateTime.UnixMilli()
	}

	if !m.SendTime.IsZero() && !st.UpdateTime.IsZero() {
		delay := now.Sub(m.SendTime)
		if delay >= 0 && delay <= maxNetworkDelay {
			snap.Age = max(m.SendTime.Sub(st.UpdateTime)+delay, 0)
		}
	}
	return snap, true
}

// ScheduleByDay groups a WORK_TIME_FREQUENCY reply by weekday.
// The vendor numbers days Sunday=0, as time.Weekday does.
func (m Message) ScheduleByDay() map[time.Weekday][]device.TimeBlock {
	out := make(map[time.Weekday][]device.TimeBlock)
	for _, e := range m.Schedule {
		day := time.Weekday(e.WeekDay)
		if day < time.Sunday || day > time.Saturday {
			continue
		}
		level := int(e.ConsistenceLevel)
		if level <= 0 {
			level = device.DefaultConsistenceLevel
		}
		out[day] = append(out[day], device.TimeBlock{
			Start:   defaultClock(e.StartHour),
			End:     defaultClock(e.EndHour),
			Work:    int(e.WorkSec),
			Pause:   int(e.PauseSec),
			Level:   level,
			Enabled: e.Enabled == 1,
		})
	}
	return out
}

func defaultClock(s string) string {
	if s == "" {
		return "00:00"
	}
	return s
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// outbound is the shape of every frame the client sends.
type outbound struct {
	Type     string `json:"type"`
	Data     any    `json:"data,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Token    string `json:"token,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

func encode(o outbound) []byte {
	b, _ := json.Marshal(o) // fields are strings and static maps
	return b
}

// LoginFrame is the handshake frame.
func LoginFrame(token, userID string) []byte {
	return encode(outbound{Type: typeLogin, Token: token, UserID: userID})
}

// HeartbeatFrame keeps the connection alive for one device.
func HeartbeatFrame(deviceID string) []byte {
	return encode(outbound{Type: typeHeartbeat, Data: "{}", DeviceID: deviceID})
}

// StateQueryFrame asks for a SUPERCOMMAND snapshot.
func StateQueryFrame(deviceID string) []byte {
	return encode(outbound{Type: typeSuperCommand, Data: struct{}{}, DeviceID: deviceID})
}

// ScheduleQueryFrame asks for a WORK_TIME_FREQUENCY reply.
func ScheduleQueryFrame(deviceID string) []byte {
	return encode(outbound{Type: typeWorkFrequency, Data: "{}", DeviceID: deviceID})
}

// optInt decodes a JSON number, numeric string or null.
type optInt int64

func (o *optInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*o = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("number %q: %w", s, err)
		}
		v = int64(f)
	}
	*o = optInt(v)
	return nil
}

func (o *optInt) ptr() *int {
	if o == nil {
		return nil
	}
	v := int(*o)
	return &v
}

// optID decodes an identifier sent as a number or a string.
type optID string

func (o *optID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = optID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*o = optID(n.String())
	return nil
}
