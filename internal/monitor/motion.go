package monitor

import (
	"math"
	"time"

	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// MotionPatterns are the transient flags raised by the motion classifier.
type MotionPatterns struct {
	SuddenAcceleration bool `json:"sudden_acceleration"`
	SuddenDeceleration bool `json:"sudden_deceleration"`
	SuddenStop         bool `json:"sudden_stop"`
	SuddenStart        bool `json:"sudden_start"`
}

// Any reports whether at least one flag is raised.
func (p MotionPatterns) Any() bool {
	return p.SuddenAcceleration || p.SuddenDeceleration || p.SuddenStop || p.SuddenStart
}

// classifyMotion compares the previous and current acceleration magnitudes
// (m/s², gravity included).
func classifyMotion(prev, cur float64) MotionPatterns {
	return MotionPatterns{
		SuddenAcceleration: cur > 25 && prev < 15,
		SuddenDeceleration: cur < 3 && prev > 20,
		SuddenStop:         cur < 1 && prev > 10,
		SuddenStart:        cur > 20 && prev < 2,
	}
}

// motionSampler derives a jerk-like acceleration figure from device motion
// and writes it into the newest sample.
type motionSampler struct {
	cfg Config

	primed   bool
	lastMag  float64
	lastTime time.Time

	patterns MotionPatterns
	raisedAt time.Time
}

// motionResult is what one reading changed.
type motionResult struct {
	// updated is true when the latest sample's acceleration was rewritten.
	updated bool

	// requestCheck is true when a fresh pattern warrants a safety check.
	requestCheck bool
	reason       string
}

func newMotionSampler(cfg Config) *motionSampler {
	return &motionSampler{cfg: cfg}
}

// observe feeds one reading. latest is the newest buffered sample and may be
// nil; the sampler never creates samples.
func (m *motionSampler) observe(r types.MotionReading, now time.Time, latest *types.SafetySample) motionResult {
	at := r.Time
	if at.IsZero() {
		at = now
	}
	mag := math.Sqrt(r.X*r.X + r.Y*r.Y + r.Z*r.Z)

	if !m.primed {
		m.primed = true
		m.lastMag, m.lastTime = mag, at
		return motionResult{}
	}

	var res motionResult
	dt := at.Sub(m.lastTime).Seconds()
	if latest != nil {
		var deriv float64
		if dt > 0 {
			deriv = (mag - m.lastMag) / dt
		}
		if math.Abs(deriv) > m.cfg.Thresholds.MaxAcceleration {
			deriv = 0
		}
		latest.Acceleration = round2(deriv)
		res.updated = true
	}

	if p := classifyMotion(m.lastMag, mag); p.Any() {
		m.patterns, m.raisedAt = p, now
		switch {
		case p.SuddenAcceleration:
			res.requestCheck, res.reason = true, "Sudden acceleration detected by motion sensor"
		case p.SuddenDeceleration:
			res.requestCheck, res.reason = true, "Sudden deceleration detected by motion sensor"
		}
	}

	m.lastMag, m.lastTime = mag, at
	return res
}

// current returns the flags still inside their hold window at now.
func (m *motionSampler) current(now time.Time) MotionPatterns {
	if !m.patterns.Any() || now.Sub(m.raisedAt) >= m.cfg.MotionFlagHold {
		return MotionPatterns{}
	}
	return m.patterns
}
