package monitor

import (
	"time"

	"github.com/SATYAM-KS/ClockTower/internal/resilience"
)

// Thresholds are the accident-evaluation limits.
type Thresholds struct {
	// Speed is the "travelling fast" threshold in m/s. Default: 5.
	Speed float64 `json:"speed_threshold"`

	// Deceleration is the sudden-deceleration threshold in m/s² (negative).
	// Default: -8.
	Deceleration float64 `json:"deceleration_threshold"`

	// Acceleration is the sudden-acceleration threshold in m/s². Default: 8.
	Acceleration float64 `json:"acceleration_threshold"`

	// MaxSpeed is the largest believable speed; faster readings are GPS
	// glitches. Default: 50.
	MaxSpeed float64 `json:"max_reasonable_speed"`

	// MaxAcceleration bounds |acceleration|; larger values are glitches.
	// Default: 20.
	MaxAcceleration float64 `json:"max_reasonable_acceleration"`

	// Voice is the voice level (0–100) above which a sample is flagged.
	// Default: 90.
	Voice float64 `json:"voice_threshold"`

	// Moving is the speed above which the device counts as moving.
	// Default: 0.5.
	Moving float64 `json:"moving_threshold"`
}

// DefaultThresholds returns the stock evaluation limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Speed:           5,
		Deceleration:    -8,
		Acceleration:    8,
		MaxSpeed:        50,
		MaxAcceleration: 20,
		Voice:           90,
		Moving:          0.5,
	}
}

// AudioConfig tunes the audio sampler.
type AudioConfig struct {
	// BaselineSamples is the warm-up window. Default: 50.
	BaselineSamples int

	// BaselineFloor is the minimum baseline. Default: 80.
	BaselineFloor float64

	// LoudFactor raises a loud anomaly above baseline×LoudFactor. Default: 2.
	LoudFactor float64

	// SilenceFactor raises a silence anomaly below baseline×SilenceFactor.
	// Default: 0.3.
	SilenceFactor float64

	// SilenceMinAmbient is the measured ambient level below which silence is
	// not meaningful. Default: 50.
	SilenceMinAmbient float64

	// AnomalyHold is how long an anomaly stays raised. Default: 5s.
	AnomalyHold time.Duration

	// LegacyLoudLevel is the raw level that requests a safety check on its
	// own. Default: 150.
	LegacyLoudLevel float64
}

// SpeechConfig tunes the speech sampler.
type SpeechConfig struct {
	// Language is the recognition language. Default: "en-US".
	Language string

	// ListenOnStart enables keyword listening as soon as the session starts.
	ListenOnStart bool

	// Emergency and Confirm override the keyword sets when non-empty.
	Emergency []string
	Confirm   []string

	// Phonetic enables sound-alike matching of single-word emergency
	// keywords.
	Phonetic bool

	// KeywordHold is how long KeywordDetected stays set on the sample.
	// Default: 5s.
	KeywordHold time.Duration
}

// Config holds every tuning knob of a monitoring [Session].
type Config struct {
	// BufferSize is the rolling buffer capacity. Default: 50.
	BufferSize int

	// LocationInterval is the position polling period. Default: 3s.
	LocationInterval time.Duration

	// LocationTimeout bounds a single position request. Default: 10s.
	LocationTimeout time.Duration

	// JitterDistance is the movement in metres below which a fix counts as
	// GPS noise. Default: 5.
	JitterDistance float64

	// StabilityTicks is how many consecutive noisy fixes reuse the cached
	// coordinates. Default: 3.
	StabilityTicks int

	// MinMoveDistance is the movement in metres required before speed is
	// computed. Default: 2.
	MinMoveDistance float64

	Thresholds Thresholds

	// StationaryInterval is the stationary check period. Default: 60s.
	StationaryInterval time.Duration

	// StationaryAfter is how long the device must stay put before
	// OnStationaryUserDetected fires. Default: 10m.
	StationaryAfter time.Duration

	// StationaryRadius is the drift in metres still counted as "same place".
	// Default: 10.
	StationaryRadius float64

	// MotionFlagHold is how long motion pattern flags stay raised.
	// Default: 3s.
	MotionFlagHold time.Duration

	Audio   AudioConfig
	Speech  SpeechConfig
	Restart resilience.RestartConfig
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		BufferSize:         50,
		LocationInterval:   3 * time.Second,
		LocationTimeout:    10 * time.Second,
		JitterDistance:     5,
		StabilityTicks:     3,
		MinMoveDistance:    2,
		Thresholds:         DefaultThresholds(),
		StationaryInterval: time.Minute,
		StationaryAfter:    10 * time.Minute,
		StationaryRadius:   10,
		MotionFlagHold:     3 * time.Second,
		Audio: AudioConfig{
			BaselineSamples:   50,
			BaselineFloor:     80,
			LoudFactor:        2,
			SilenceFactor:     0.3,
			SilenceMinAmbient: 50,
			AnomalyHold:       5 * time.Second,
			LegacyLoudLevel:   150,
		},
		Speech: SpeechConfig{
			Language:      "en-US",
			ListenOnStart: true,
			KeywordHold:   5 * time.Second,
		},
		Restart: resilience.DefaultRestartConfig(),
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.LocationInterval <= 0 {
		c.LocationInterval = d.LocationInterval
	}
	if c.LocationTimeout <= 0 {
		c.LocationTimeout = d.LocationTimeout
	}
	if c.JitterDistance <= 0 {
		c.JitterDistance = d.JitterDistance
	}
	if c.StabilityTicks <= 0 {
		c.StabilityTicks = d.StabilityTicks
	}
	if c.MinMoveDistance <= 0 {
		c.MinMoveDistance = d.MinMoveDistance
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.StationaryInterval <= 0 {
		c.StationaryInterval = d.StationaryInterval
	}
	if c.StationaryAfter <= 0 {
		c.StationaryAfter = d.StationaryAfter
	}
	if c.StationaryRadius <= 0 {
		c.StationaryRadius = d.StationaryRadius
	}
	if c.MotionFlagHold <= 0 {
		c.MotionFlagHold = d.MotionFlagHold
	}
	if c.Audio.BaselineSamples <= 0 {
		c.Audio.BaselineSamples = d.Audio.BaselineSamples
	}
	if c.Audio.BaselineFloor <= 0 {
		c.Audio.BaselineFloor = d.Audio.BaselineFloor
	}
	if c.Audio.LoudFactor <= 0 {
		c.Audio.LoudFactor = d.Audio.LoudFactor
	}
	if c.Audio.SilenceFactor <= 0 {
		c.Audio.SilenceFactor = d.Audio.SilenceFactor
	}
	if c.Audio.SilenceMinAmbient <= 0 {
		c.Audio.SilenceMinAmbient = d.Audio.SilenceMinAmbient
	}
	if c.Audio.AnomalyHold <= 0 {
		c.Audio.AnomalyHold = d.Audio.AnomalyHold
	}
	if c.Audio.LegacyLoudLevel <= 0 {
		c.Audio.LegacyLoudLevel = d.Audio.LegacyLoudLevel
	}
	if c.Speech.Language == "" {
		c.Speech.Language = d.Speech.Language
	}
	if c.Speech.KeywordHold <= 0 {
		c.Speech.KeywordHold = d.Speech.KeywordHold
	}
	return c
}
