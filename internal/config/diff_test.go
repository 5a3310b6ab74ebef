package config_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/SATYAM-KS/ClockTower/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Outbox: config.OutboxConfig{Path: "outbox.db"},
		Zones: []config.ZoneConfig{
			{ID: "alex", Name: "Alexanderplatz", Latitude: 52.5219, Longitude: 13.4132, RadiusM: 500},
			{ID: "park", Name: "Park", Latitude: 52.4970, Longitude: 13.4370, RadiusM: 300},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.ZonesChanged || d.LogLevelChanged || d.RestartRequired {
		t.Errorf("identical configs produced %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.RestartRequired {
		t.Error("log level is hot-reloadable")
	}
}

func TestDiff_Zones(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Zones[0].RadiusM = 800
	new.Zones[1] = config.ZoneConfig{ID: "station", Name: "Station", Latitude: 52.5250, Longitude: 13.3690, RadiusM: 500}
	old.Zones = append(old.Zones, config.ZoneConfig{ID: "bridge", Name: "Bridge", Latitude: 52.50, Longitude: 13.40})
	new.Zones = append(new.Zones, config.ZoneConfig{ID: "bridge", Name: "Old Bridge", Latitude: 52.50, Longitude: 13.40})

	d := config.Diff(old, new)
	want := []config.ZoneDiff{
		{ID: "alex", AreaChanged: true},
		{ID: "bridge", NameChanged: true},
		{ID: "park", Removed: true},
		{ID: "station", Added: true},
	}
	if !d.ZonesChanged {
		t.Error("ZonesChanged = false")
	}
	if diff := cmp.Diff(want, d.ZoneChanges); diff != "" {
		t.Errorf("ZoneChanges mismatch (-want +got):\n%s", diff)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	for name, mutate := range map[string]func(*config.Config){
		"listen":   func(c *config.Config) { c.Server.ListenAddr = ":9090" },
		"database": func(c *config.Config) { c.Database.PostgresDSN = "postgres://db/redzone" },
		"outbox":   func(c *config.Config) { c.Outbox.Path = "other.db" },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			mutate(new)
			if !config.Diff(old, new).RestartRequired {
				t.Error("RestartRequired = false")
			}
		})
	}
}
