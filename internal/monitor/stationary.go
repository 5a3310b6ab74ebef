package monitor

import (
	"math"
	"time"

	"github.com/SATYAM-KS/ClockTower/pkg/geo"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// stationaryDetector notices a device that stays in one place for too long.
// It is checked on a slow ticker against the newest sample.
type stationaryDetector struct {
	cfg Config

	anchor *geo.Point
	since  time.Time
}

func newStationaryDetector(cfg Config) *stationaryDetector {
	return &stationaryDetector{cfg: cfg}
}

// check evaluates latest at now. It returns fired=true with the location and
// whole minutes spent there once the device has stayed within
// StationaryRadius for StationaryAfter, and starts over afterwards.
func (d *stationaryDetector) check(latest *types.SafetySample, now time.Time) (loc geo.Point, minutes int, fired bool) {
	if latest == nil || latest.Location == nil {
		return geo.Point{}, 0, false
	}
	cur := *latest.Location

	if latest.IsMoving || latest.Speed >= d.cfg.Thresholds.Moving {
		d.anchor = nil
		return geo.Point{}, 0, false
	}

	if d.anchor == nil {
		d.anchor, d.since = &cur, now
		return geo.Point{}, 0, false
	}

	if geo.Distance(*d.anchor, cur) >= d.cfg.StationaryRadius {
		d.anchor, d.since = &cur, now
		return geo.Point{}, 0, false
	}

	minutes = int(math.Floor(now.Sub(d.since).Minutes()))
	if time.Duration(minutes)*time.Minute < d.cfg.StationaryAfter {
		return geo.Point{}, 0, false
	}
	d.anchor = nil
	return cur, minutes, true
}

// reset forgets the anchor.
func (d *stationaryDetector) reset() {
	d.anchor = nil
}
