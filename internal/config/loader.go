package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SATYAM-KS/ClockTower/internal/zone"
	"github.com/SATYAM-KS/ClockTower/pkg/geo"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultFlushInterval   = 30 * time.Second
	DefaultRateLimit       = 60 * time.Second
	DefaultAdminCacheTTL   = 5 * time.Minute
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset server-level fields. Engine tuning keeps its zero
// values; the engine packages default those themselves.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Outbox.FlushInterval <= 0 {
		cfg.Outbox.FlushInterval = DefaultFlushInterval
	}
	if cfg.Alerts.RateLimit <= 0 {
		cfg.Alerts.RateLimit = DefaultRateLimit
	}
	if cfg.Admin.CacheTTL <= 0 {
		cfg.Admin.CacheTTL = DefaultAdminCacheTTL
	}
	for i := range cfg.Zones {
		if cfg.Zones[i].RadiusM == 0 {
			cfg.Zones[i].RadiusM = zone.DefaultRadius
		}
		if cfg.Zones[i].ID == "" && cfg.Zones[i].Name != "" {
			cfg.Zones[i].ID = slug(cfg.Zones[i].Name)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %g is out of range [0, 1]", r))
	}

	// Storage
	if cfg.Database.PostgresDSN == "" && cfg.Outbox.Path == "" {
		errs = append(errs, errors.New("at least one of database.postgres_dsn and outbox.path is required"))
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; alerts stay in the local outbox and admin endpoints are disabled")
	}
	if cfg.Alerts.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("alerts.max_failures %d must not be negative", cfg.Alerts.MaxFailures))
	}

	// Zones
	if len(cfg.Zones) == 0 {
		slog.Warn("no zones configured; monitoring will never start")
	}
	seen := make(map[string]int, len(cfg.Zones))
	for i, z := range cfg.Zones {
		prefix := fmt.Sprintf("zones[%d]", i)
		if z.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id or name is required", prefix))
		} else {
			if prev, ok := seen[z.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of zones[%d]", prefix, z.ID, prev))
			}
			seen[z.ID] = i
		}
		if !(geo.Point{Lat: z.Latitude, Lng: z.Longitude}).Valid() {
			errs = append(errs, fmt.Errorf("%s: coordinates (%g, %g) are out of range", prefix, z.Latitude, z.Longitude))
		}
		if z.RadiusM < 0 {
			errs = append(errs, fmt.Errorf("%s.radius_m %g must be positive", prefix, z.RadiusM))
		}
	}

	// Monitor
	th := cfg.Monitor.Thresholds
	if th.Deceleration > 0 {
		errs = append(errs, fmt.Errorf("monitor.thresholds.deceleration %g must be negative", th.Deceleration))
	}
	if th.Acceleration < 0 {
		errs = append(errs, fmt.Errorf("monitor.thresholds.acceleration %g must be positive", th.Acceleration))
	}
	if th.Voice < 0 || th.Voice > 100 {
		errs = append(errs, fmt.Errorf("monitor.thresholds.voice %g is out of range [0, 100]", th.Voice))
	}
	if th.MaxSpeed != 0 && th.Speed != 0 && th.Speed >= th.MaxSpeed {
		errs = append(errs, fmt.Errorf("monitor.thresholds.speed %g must be below max_speed %g", th.Speed, th.MaxSpeed))
	}

	// Safety check
	sc := cfg.SafetyCheck
	if sc.Interval < 0 || sc.Countdown < 0 || sc.CoolDown < 0 {
		errs = append(errs, errors.New("safety_check durations must not be negative"))
	}

	return errors.Join(errs...)
}

// slug turns a zone name into an id: lower case, spaces to dashes.
func slug(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}
