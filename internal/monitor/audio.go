package monitor

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// AudioAnomaly names a deviation from the ambient baseline.
type AudioAnomaly string

const (
	AnomalyNone    AudioAnomaly = ""
	AnomalyLoud    AudioAnomaly = "loud"
	AnomalySilence AudioAnomaly = "silence"
)

// audioSampler measures microphone loudness from analyser frames, learns the
// ambient baseline during warm-up and raises short-lived anomalies.
type audioSampler struct {
	cfg AudioConfig

	warmup   []float64
	measured float64 // mean of the warm-up window before flooring
	baseline float64
	ready    bool

	anomaly  AudioAnomaly
	raisedAt time.Time

	legacyLoud bool
}

type audioResult struct {
	// voice is the level on the 0–100 scale written to the latest sample.
	voice float64

	requestCheck bool
	reason       string
}

func newAudioSampler(cfg AudioConfig) *audioSampler {
	return &audioSampler{cfg: cfg, warmup: make([]float64, 0, cfg.BaselineSamples)}
}

// frameLevel is the mean bin magnitude (0–255).
func frameLevel(f types.FrequencyFrame) float64 {
	if len(f.Bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range f.Bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(f.Bins))
}

func (a *audioSampler) observe(f types.FrequencyFrame, now time.Time) audioResult {
	level := frameLevel(f)
	res := audioResult{voice: level * 100 / 255}

	if !a.ready {
		a.warmup = append(a.warmup, level)
		if len(a.warmup) >= a.cfg.BaselineSamples {
			a.measured = stat.Mean(a.warmup, nil)
			a.baseline = max(a.measured, a.cfg.BaselineFloor)
			a.ready = true
			a.warmup = nil
		}
	}

	if a.ready && a.current(now) == AnomalyNone {
		switch {
		case level > a.baseline*a.cfg.LoudFactor:
			a.anomaly, a.raisedAt = AnomalyLoud, now
			res.requestCheck = true
			res.reason = fmt.Sprintf("Loud sound detected: level %.0f against baseline %.0f", level, a.baseline)
		case level < a.baseline*a.cfg.SilenceFactor && a.measured > a.cfg.SilenceMinAmbient:
			a.anomaly, a.raisedAt = AnomalySilence, now
		}
	}

	loud := level > a.cfg.LegacyLoudLevel
	if loud && !a.legacyLoud && !res.requestCheck {
		res.requestCheck = true
		res.reason = fmt.Sprintf("Loud noise detected: level %.0f", level)
	}
	a.legacyLoud = loud

	return res
}

// current returns the anomaly still inside its hold window at now.
func (a *audioSampler) current(now time.Time) AudioAnomaly {
	if a.anomaly == AnomalyNone || now.Sub(a.raisedAt) >= a.cfg.AnomalyHold {
		return AnomalyNone
	}
	return a.anomaly
}

// baselineLevel returns the floored baseline once the warm-up is complete.
func (a *audioSampler) baselineLevel() (float64, bool) {
	return a.baseline, a.ready
}
