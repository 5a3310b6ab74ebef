// Package types defines the shared types used across all RedZone packages.
//
// These types form the lingua franca between sensor sources, the monitoring
// engine, the safety-check machine and the alert pipeline. Each package
// defines its own domain types; cross-cutting data structures live here to
// avoid circular imports.
package types

import (
	"time"

	"github.com/SATYAM-KS/ClockTower/pkg/geo"
)

// SafetySample is one fused reading at a point in time. Samples are appended
// by the location sampler and augmented in place by the motion, audio and
// speech samplers.
type SafetySample struct {
	// InFlaggedZone is true while the device is inside a flagged zone.
	InFlaggedZone bool `json:"in_flagged_zone"`

	// Speed in m/s. Glitch values above the configured maximum are stored as 0.
	Speed float64 `json:"speed"`

	// Acceleration in m/s². Glitch values beyond the configured bound are
	// stored as 0.
	Acceleration float64 `json:"acceleration"`

	// IsMoving is true when Speed is above the movement threshold.
	IsMoving bool `json:"is_moving"`

	// Location is the last accepted position, or nil when the location
	// sampler is degraded.
	Location *geo.Point `json:"location,omitempty"`

	// Timestamp is Unix milliseconds read from the session clock.
	Timestamp int64 `json:"timestamp"`

	// VoiceLevel is the latest microphone level on a 0–100 scale, or nil when
	// audio is unavailable.
	VoiceLevel *float64 `json:"voice_level,omitempty"`

	// KeywordDetected is set for a short window after an emergency keyword
	// was heard.
	KeywordDetected bool `json:"keyword_detected"`
}

// TriggerType classifies what raised an [AccidentDetectionResult].
type TriggerType string

const (
	TriggerSpeed      TriggerType = "speed"
	TriggerVoice      TriggerType = "voice"
	TriggerKeyword    TriggerType = "keyword"
	TriggerStationary TriggerType = "stationary"
)

// AccidentDetectionResult is the output of one accident evaluation.
type AccidentDetectionResult struct {
	IsPotentialAccident bool        `json:"is_potential_accident"`
	Confidence          float64     `json:"confidence"`
	Reason              string      `json:"reason"`
	TriggerType         TriggerType `json:"trigger_type"`
}

// Position is a single geolocation fix delivered by a location source.
type Position struct {
	Point geo.Point

	// Accuracy is the reported horizontal accuracy in metres. Zero means
	// unknown.
	Accuracy float64

	// Time is when the fix was taken.
	Time time.Time
}

// MotionReading is one device-acceleration event including gravity, in m/s².
type MotionReading struct {
	X, Y, Z float64
	Time    time.Time
}

// FrequencyFrame is one analyser snapshot: byte-scaled magnitudes (0–255) of
// the frequency bins produced by a 256-point FFT.
type FrequencyFrame struct {
	Bins []uint8
	Time time.Time
}

// Transcript represents a speech-recognition result. Both partial (interim)
// and final results use this type.
type Transcript struct {
	// Text is the recognised speech content.
	Text string

	// IsFinal indicates whether the recogniser has committed to this result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// recogniser does not report confidence.
	Confidence float64
}
