package device

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SATYAM-KS/ClockTower/pkg/geo"
	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// Message types sent by the device.
const (
	MsgHello    = "hello"
	MsgPosition = "position"
	MsgMotion   = "motion"
	MsgAudio    = "audio"
	MsgSpeech   = "speech"
	MsgRespond  = "respond"
	MsgSOS      = "sos"
)

// Message types sent by the server.
const (
	MsgLocate      = "locate"
	MsgMotionStart = "motion_start"
	MsgMotionStop  = "motion_stop"
	MsgAudioStart  = "audio_start"
	MsgAudioStop   = "audio_stop"
	MsgSpeechStart = "speech_start"
	MsgSpeechStop  = "speech_stop"
	MsgBeep        = "beep"
	MsgBeepStop    = "beep_stop"
	MsgSample      = "sample"
	MsgAccident    = "accident"
	MsgCheck       = "safety_check"
	MsgZone        = "zone"
	MsgAlert       = "alert"
	MsgNotice      = "notice"
	MsgTranscript  = "transcript"
)

// Sensor error codes carried in the "error" field of position, motion and
// audio messages.
const (
	CodeDenied      = "denied"
	CodeTimeout     = "timeout"
	CodeUnavailable = "unavailable"
)

// Envelope is the frame every message travels in. Payload fields are
// flattened into the same JSON object as the type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello introduces the device and declares which permissions it holds.
// A missing permission entry counts as granted.
type Hello struct {
	UserID      string          `json:"user_id"`
	Email       string          `json:"email,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

// PositionMsg is a geolocation fix or a geolocation failure.
type PositionMsg struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
	TimeMs   int64   `json:"time_ms,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// MotionMsg is one acceleration reading including gravity.
type MotionMsg struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	TimeMs int64   `json:"time_ms,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// AudioMsg is one analyser frame. Bins are 0–255 magnitudes.
type AudioMsg struct {
	Bins   []int  `json:"bins"`
	TimeMs int64  `json:"time_ms,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SpeechMsg is a recognition result or the end of a recognition stream.
// Stream is the id from the matching speech_start command.
type SpeechMsg struct {
	Stream     string  `json:"stream"`
	Event      string  `json:"event"` // "result" or "end"
	Text       string  `json:"text,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// RespondMsg answers a safety check.
type RespondMsg struct {
	Safe bool `json:"safe"`
}

// SOSMsg is a manual SOS.
type SOSMsg struct {
	Message string `json:"message,omitempty"`
}

// LocateCmd asks for a fresh fix.
type LocateCmd struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// SpeechStartCmd opens a recognition stream on the device.
type SpeechStartCmd struct {
	Stream     string `json:"stream"`
	Language   string `json:"language"`
	Interim    bool   `json:"interim"`
	Continuous bool   `json:"continuous"`
}

// SpeechStopCmd closes a recognition stream.
type SpeechStopCmd struct {
	Stream string `json:"stream"`
}

// BeepCmd starts the audible alert.
type BeepCmd struct {
	CadenceMs int64 `json:"cadence_ms"`
}

// ZoneMsg reports a zone transition.
type ZoneMsg struct {
	Event   string `json:"event"` // "entered" or "exited"
	ZoneID  string `json:"zone_id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// AlertMsg reports the outcome of an alert.
type AlertMsg struct {
	AlertType string `json:"alert_type"`
	ID        string `json:"id,omitempty"`
	Sent      bool   `json:"sent"`
	Error     string `json:"error,omitempty"`
}

// NoticeMsg is a free-form message to show the user.
type NoticeMsg struct {
	Level   string `json:"level"` // "info" or "warning"
	Message string `json:"message"`
}

// TranscriptMsg carries the accumulated transcript.
type TranscriptMsg struct {
	Text string `json:"text"`
}

// encode flattens typ and payload into one JSON object.
func encode(typ string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("device: encode %s: %w", typ, err)
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("device: encode %s: payload is not an object: %w", typ, err)
		}
	}
	t, _ := json.Marshal(typ)
	fields["type"] = t
	return json.Marshal(fields)
}

// sensorErr maps a wire error code onto the sensor sentinels.
func sensorErr(code string) error {
	switch code {
	case "":
		return nil
	case CodeDenied:
		return sensor.ErrPermissionDenied
	case CodeTimeout:
		return sensor.ErrTimeout
	default:
		return fmt.Errorf("%w: %s", sensor.ErrUnavailable, code)
	}
}

func msTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms)
}

func (m PositionMsg) position(now time.Time) types.Position {
	return types.Position{
		Point:    geo.Point{Lat: m.Lat, Lng: m.Lng},
		Accuracy: m.Accuracy,
		Time:     msTime(m.TimeMs, now),
	}
}

func (m MotionMsg) reading(now time.Time) types.MotionReading {
	return types.MotionReading{X: m.X, Y: m.Y, Z: m.Z, Time: msTime(m.TimeMs, now)}
}

func (m AudioMsg) frame(now time.Time) types.FrequencyFrame {
	bins := make([]uint8, len(m.Bins))
	for i, v := range m.Bins {
		bins[i] = uint8(min(max(v, 0), 255))
	}
	return types.FrequencyFrame{Bins: bins, Time: msTime(m.TimeMs, now)}
}
