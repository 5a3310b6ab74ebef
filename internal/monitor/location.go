package monitor

import (
	"log/slog"
	"math"
	"time"

	"github.com/SATYAM-KS/ClockTower/pkg/geo"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// locationSampler turns raw position fixes into samples. It damps GPS jitter
// with a cached anchor: fixes closer than JitterDistance to the anchor reuse
// the anchor's coordinates, and after StabilityTicks such fixes the anchor is
// moved to the latest fix without producing speed.
type locationSampler struct {
	cfg Config
	log *slog.Logger

	anchor *geo.Point
	stable int
}

func newLocationSampler(cfg Config, log *slog.Logger) *locationSampler {
	return &locationSampler{cfg: cfg, log: log}
}

// observe builds the sample for fix p taken at now. last is the newest
// buffered sample, or nil.
func (l *locationSampler) observe(p geo.Point, now time.Time, last *types.SafetySample) types.SafetySample {
	loc, rebased := l.damp(p)

	var speed, accel float64
	if last != nil && last.Location != nil && !rebased {
		dist := geo.Distance(*last.Location, loc)
		dt := float64(now.UnixMilli()-last.Timestamp) / 1000
		if dist > l.cfg.MinMoveDistance && dt > 0 {
			speed = dist / dt
			if speed > l.cfg.Thresholds.MaxSpeed {
				l.log.Warn("monitor: unrealistic speed, treating as GPS glitch", "speed", speed)
				speed = 0
			}
			accel = (speed - last.Speed) / dt
			if math.Abs(accel) > l.cfg.Thresholds.MaxAcceleration {
				l.log.Warn("monitor: unrealistic acceleration, treating as GPS glitch", "acceleration", accel)
				accel = 0
			}
		}
	}

	return types.SafetySample{
		InFlaggedZone: true,
		Speed:         round2(speed),
		Acceleration:  round2(accel),
		IsMoving:      speed > l.cfg.Thresholds.Moving,
		Location:      &loc,
		Timestamp:     now.UnixMilli(),
	}
}

// damp applies jitter damping to p. rebased reports that the anchor was just
// moved to p after a run of noisy fixes; such a fix carries no movement.
func (l *locationSampler) damp(p geo.Point) (loc geo.Point, rebased bool) {
	if l.anchor == nil {
		l.anchor = &p
		return p, false
	}
	if geo.Distance(*l.anchor, p) >= l.cfg.JitterDistance {
		l.anchor = &p
		l.stable = 0
		return p, false
	}
	l.stable++
	if l.stable < l.cfg.StabilityTicks {
		return *l.anchor, false
	}
	l.anchor = &p
	l.stable = 0
	return p, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
