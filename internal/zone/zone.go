// Package zone holds the flagged zones and tracks which one a device is in.
//
// A [Set] is the server-wide zone list; it is replaced wholesale when the
// configuration reloads. Each device owns a [Tracker] that turns position
// fixes into entry and exit transitions.
package zone

import (
	"slices"
	"sync"

	"github.com/SATYAM-KS/ClockTower/pkg/geo"
)

// DefaultRadius is the zone radius in metres when none is configured.
const DefaultRadius = 500.0

// Zone is one flagged circular area.
type Zone struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Center geo.Point `json:"center"`
	Radius float64   `json:"radius_m"`
}

// Contains reports whether p lies inside z.
func (z Zone) Contains(p geo.Point) bool {
	r := z.Radius
	if r <= 0 {
		r = DefaultRadius
	}
	return geo.Circle{Center: z.Center, Radius: r}.Contains(p)
}

// DisplayName returns the name, or a generic label for unnamed zones.
func (z Zone) DisplayName() string {
	if z.Name != "" {
		return z.Name
	}
	return "a Red Zone"
}

// Set is a concurrency-safe list of zones.
type Set struct {
	mu    sync.RWMutex
	zones []Zone
}

// NewSet creates a set holding zones.
func NewSet(zones []Zone) *Set {
	return &Set{zones: slices.Clone(zones)}
}

// Replace swaps the zone list.
func (s *Set) Replace(zones []Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones = slices.Clone(zones)
}

// Zones returns a copy of the list.
func (s *Set) Zones() []Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.zones)
}

// Len returns the number of zones.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.zones)
}

// Lookup returns the zone with the given id.
func (s *Set) Lookup(id string) (Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, z := range s.zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// Locate returns the first zone, in list order, that contains p.
func (s *Set) Locate(p geo.Point) (Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, z := range s.zones {
		if z.Contains(p) {
			return z, true
		}
	}
	return Zone{}, false
}

// Transition is the result of [Tracker.Observe]. Both fields are set when
// the device moved straight from one zone into another.
type Transition struct {
	Exited  *Zone
	Entered *Zone
}

// Changed reports whether anything happened.
func (t Transition) Changed() bool { return t.Exited != nil || t.Entered != nil }

// Tracker follows one device across a [Set]. It is not safe for concurrent
// use; each device bridge owns one.
type Tracker struct {
	set     *Set
	current *Zone
}

// NewTracker creates a tracker that starts outside every zone.
func NewTracker(set *Set) *Tracker {
	return &Tracker{set: set}
}

// Observe feeds a position fix. A device stays in its current zone for as
// long as that zone still exists and contains it, even when another zone
// overlaps.
func (t *Tracker) Observe(p geo.Point) Transition {
	if t.current != nil {
		if z, ok := t.set.Lookup(t.current.ID); ok && z.Contains(p) {
			t.current = &z
			return Transition{}
		}
	}

	var tr Transition
	next, inside := t.set.Locate(p)
	if t.current != nil {
		tr.Exited = t.current
		t.current = nil
	}
	if inside {
		t.current = &next
		tr.Entered = &next
	}
	return tr
}

// Leave forces the tracker out of its zone, e.g. when the device
// disconnects. It returns the zone left, if any.
func (t *Tracker) Leave() (Zone, bool) {
	if t.current == nil {
		return Zone{}, false
	}
	z := *t.current
	t.current = nil
	return z, true
}

// Current returns the zone the device is in.
func (t *Tracker) Current() (Zone, bool) {
	if t.current == nil {
		return Zone{}, false
	}
	return *t.current, true
}
