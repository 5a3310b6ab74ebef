package config

import (
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	ZonesChanged    bool       // true if any zone was added, removed or moved
	ZoneChanges     []ZoneDiff // per-zone diffs, sorted by id
	LogLevelChanged bool
	NewLogLevel     LogLevel
	// RestartRequired is set when a field changed that only takes effect
	// after a restart (listen address, storage).
	RestartRequired bool
}

// ZoneDiff describes what changed for a single zone between two configs.
type ZoneDiff struct {
	ID          string
	Added       bool
	Removed     bool
	NameChanged bool
	AreaChanged bool // centre or radius
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Database != new.Database ||
		old.Outbox.Path != new.Outbox.Path {
		d.RestartRequired = true
	}

	oldZones := make(map[string]*ZoneConfig, len(old.Zones))
	for i := range old.Zones {
		oldZones[old.Zones[i].ID] = &old.Zones[i]
	}
	newZones := make(map[string]*ZoneConfig, len(new.Zones))
	for i := range new.Zones {
		newZones[new.Zones[i].ID] = &new.Zones[i]
	}

	for id, oz := range oldZones {
		nz, exists := newZones[id]
		if !exists {
			d.ZoneChanges = append(d.ZoneChanges, ZoneDiff{ID: id, Removed: true})
			continue
		}
		zd := ZoneDiff{
			ID:          id,
			NameChanged: oz.Name != nz.Name,
			AreaChanged: oz.Latitude != nz.Latitude || oz.Longitude != nz.Longitude || oz.RadiusM != nz.RadiusM,
		}
		if zd.NameChanged || zd.AreaChanged {
			d.ZoneChanges = append(d.ZoneChanges, zd)
		}
	}
	for id := range newZones {
		if _, exists := oldZones[id]; !exists {
			d.ZoneChanges = append(d.ZoneChanges, ZoneDiff{ID: id, Added: true})
		}
	}

	slices.SortFunc(d.ZoneChanges, func(a, b ZoneDiff) int { return strings.Compare(a.ID, b.ID) })
	d.ZonesChanged = len(d.ZoneChanges) > 0
	return d
}
