package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SATYAM-KS/ClockTower/internal/alert"
	"github.com/SATYAM-KS/ClockTower/internal/observe"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
	"github.com/SATYAM-KS/ClockTower/internal/zone"
)

// ErrAlreadyConnected is returned by [SessionManager.Attach] when the device
// id already has a live connection.
var ErrAlreadyConnected = errors.New("app: device already connected")

// DeviceInfo holds metadata about a connected device.
type DeviceInfo struct {
	// DeviceID is the id from the connection URL.
	DeviceID string `json:"device_id"`

	// User is the identity the device introduced itself with.
	User Identity `json:"user"`

	// ConnectedAt is when the device attached.
	ConnectedAt time.Time `json:"connected_at"`

	// Monitoring is true while the device is inside a zone.
	Monitoring bool `json:"monitoring"`

	// ZoneID is the zone the device is in, if any.
	ZoneID string `json:"zone_id,omitempty"`
}

type attached struct {
	ctl         *Controller
	connectedAt time.Time
	cancel      context.CancelFunc
}

// SessionManager keeps one [Controller] per connected device.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	zones   *zone.Set
	sender  alert.Sender
	cfg     ControllerConfig
	clock   timeutil.Clock
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	devices map[string]*attached
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Zones      *zone.Set
	Sender     alert.Sender
	Controller ControllerConfig

	// Clock, Logger and Metrics are optional.
	Clock   timeutil.Clock
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := &SessionManager{
		zones:   cfg.Zones,
		sender:  cfg.Sender,
		cfg:     cfg.Controller,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		devices: make(map[string]*attached),
	}
	if m.clock == nil {
		m.clock = timeutil.Real{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.zones == nil {
		m.zones = zone.NewSet(nil)
	}
	return m
}

// Attach registers dev under id and returns its controller. The controller
// does nothing until its Run method is called; [SessionManager.Serve] does
// both.
func (m *SessionManager) Attach(id string, dev Device) (*Controller, error) {
	ctl := NewController(id, dev, m.zones, m.sender, m.cfg,
		WithControllerClock(m.clock),
		WithControllerLogger(m.log),
		WithControllerMetrics(m.metrics),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; ok {
		return nil, fmt.Errorf("app: attach %q: %w", id, ErrAlreadyConnected)
	}
	m.devices[id] = &attached{ctl: ctl, connectedAt: m.clock.Now().UTC(), cancel: func() {}}
	m.metrics.ConnectedDevices.Add(context.Background(), 1)

	m.log.Info("device attached", "device", id, "devices", len(m.devices))
	return ctl, nil
}

// Detach removes ctl from the registry. A controller that has already been
// replaced or removed is ignored.
func (m *SessionManager) Detach(ctl *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.devices[ctl.ID()]
	if !ok || a.ctl != ctl {
		return
	}
	delete(m.devices, ctl.ID())
	m.metrics.ConnectedDevices.Add(context.Background(), -1)
	m.log.Info("device detached", "device", ctl.ID(), "devices", len(m.devices))
}

// Serve attaches dev, then runs its controller next to conn until either
// returns. conn is typically the device bridge's serve loop; it receives the
// controller so it can route device requests to it. The device is detached
// on return.
func (m *SessionManager) Serve(ctx context.Context, id string, dev Device, conn func(ctx context.Context, ctl *Controller) error) error {
	ctl, err := m.Attach(id, dev)
	if err != nil {
		return err
	}
	defer m.Detach(ctl)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.devices[id].cancel = cancel
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctl.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return conn(gctx, ctl)
	})
	return g.Wait()
}

// Get returns the controller for a connected device.
func (m *SessionManager) Get(id string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	return a.ctl, true
}

// List returns every connected device, sorted by id.
func (m *SessionManager) List() []DeviceInfo {
	m.mu.Lock()
	devs := make([]*attached, 0, len(m.devices))
	for _, a := range m.devices {
		devs = append(devs, a)
	}
	m.mu.Unlock()

	out := make([]DeviceInfo, 0, len(devs))
	for _, a := range devs {
		st := a.ctl.Status()
		info := DeviceInfo{
			DeviceID:    a.ctl.ID(),
			User:        st.User,
			ConnectedAt: a.connectedAt,
			Monitoring:  st.Monitoring,
		}
		if st.Zone != nil {
			info.ZoneID = st.Zone.ID
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b DeviceInfo) int { return cmp.Compare(a.DeviceID, b.DeviceID) })
	return out
}

// Len returns the number of connected devices.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// Zones returns the shared zone set.
func (m *SessionManager) Zones() *zone.Set { return m.zones }

// ReplaceZones swaps the zone list and re-evaluates every device against it.
func (m *SessionManager) ReplaceZones(zones []zone.Zone) {
	m.zones.Replace(zones)
	m.mu.Lock()
	ctls := make([]*Controller, 0, len(m.devices))
	for _, a := range m.devices {
		ctls = append(ctls, a.ctl)
	}
	m.mu.Unlock()
	for _, c := range ctls {
		c.Resync()
	}
	m.log.Info("zones replaced", "zones", len(zones), "devices", len(ctls))
}

// CloseAll disconnects every device served through [SessionManager.Serve].
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.devices {
		a.cancel()
	}
}
