package monitor

import (
	"strings"

	"github.com/SATYAM-KS/ClockTower/internal/resilience"
	"github.com/SATYAM-KS/ClockTower/pkg/geo"
)

// SpeechStatus describes keyword listening.
type SpeechStatus struct {
	// Supported is false when the device has no recogniser.
	Supported bool `json:"supported"`

	// Listening is the manual listening switch.
	Listening bool `json:"listening"`

	// Streaming is true while a recogniser stream is open.
	Streaming bool `json:"streaming"`

	// RestartPending is true while a restart delay is running.
	RestartPending bool `json:"restart_pending"`

	resilience.RestartStatus

	Transcript      string   `json:"transcript"`
	Recommendations []string `json:"recommendations"`
}

// Status is a point-in-time view of a [Session] for status and debug
// endpoints.
type Status struct {
	Active      bool   `json:"active"`
	SessionID   string `json:"session_id"`
	StartedAt   int64  `json:"started_at"`
	SampleCount int    `json:"sample_count"`

	Speed        float64    `json:"current_speed"`
	Acceleration float64    `json:"current_acceleration"`
	IsMoving     bool       `json:"is_moving"`
	Location     *geo.Point `json:"last_location"`
	VoiceLevel   *float64   `json:"voice_level,omitempty"`

	Thresholds Thresholds `json:"thresholds"`

	AudioBaseline *float64       `json:"audio_baseline,omitempty"`
	AudioAnomaly  AudioAnomaly   `json:"audio_anomaly,omitempty"`
	Motion        MotionPatterns `json:"motion_patterns"`

	Speech SpeechStatus `json:"speech"`
}

// Status returns the current state of the session. It is safe to call after
// Stop, in which case Active is false.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	st := Status{
		Active:       !s.closed,
		SessionID:    s.id,
		StartedAt:    s.started,
		SampleCount:  s.buf.Len(),
		Thresholds:   s.cfg.Thresholds,
		AudioAnomaly: s.audio.current(now),
		Motion:       s.motion.current(now),
	}
	if l := s.buf.Latest(); l != nil {
		st.Speed = l.Speed
		st.Acceleration = l.Acceleration
		st.IsMoving = l.IsMoving
		if l.Location != nil {
			loc := *l.Location
			st.Location = &loc
		}
		if l.VoiceLevel != nil {
			v := *l.VoiceLevel
			st.VoiceLevel = &v
		}
	}
	if b, ok := s.audio.baselineLevel(); ok {
		st.AudioBaseline = &b
	}

	st.Speech = SpeechStatus{
		Supported:      s.speech != nil,
		Listening:      s.listening,
		Streaming:      s.handle != nil,
		RestartPending: s.restartTimer != nil,
		RestartStatus:  s.restart.Status(),
		Transcript:     strings.TrimSpace(s.transcript),
	}
	st.Speech.Recommendations = speechRecommendations(st.Speech, s.unavailable)
	return st
}

func speechRecommendations(st SpeechStatus, unavailable bool) []string {
	var recs []string
	if !st.Supported {
		recs = append(recs, "This device has no speech recogniser; keyword detection is off")
	}
	if st.Disabled {
		recs = append(recs, "Speech recognition has been disabled due to repeated failures; re-enable it to try again")
	} else if unavailable {
		recs = append(recs, "The speech recogniser refused service; check microphone permissions on the device")
	}
	if st.Supported && !st.Listening {
		recs = append(recs, "Keyword listening is switched off")
	}
	if len(recs) == 0 {
		recs = append(recs, "All systems appear to be working correctly")
	}
	return recs
}
