package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SATYAM-KS/ClockTower/internal/alert"
	"github.com/SATYAM-KS/ClockTower/internal/device"
	"github.com/SATYAM-KS/ClockTower/internal/monitor"
	"github.com/SATYAM-KS/ClockTower/internal/observe"
	"github.com/SATYAM-KS/ClockTower/internal/resilience"
	"github.com/SATYAM-KS/ClockTower/internal/safetycheck"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
	"github.com/SATYAM-KS/ClockTower/internal/zone"
	"github.com/SATYAM-KS/ClockTower/pkg/geo"
	"github.com/SATYAM-KS/ClockTower/pkg/provider/stt"
	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// ErrNotMonitoring is returned by operations that need a running monitoring
// session while the device is outside every zone.
var ErrNotMonitoring = errors.New("app: device is not in a monitored zone")

// DefaultAlertTimeout bounds one alert delivery started by the engine.
const DefaultAlertTimeout = 30 * time.Second

// Device is the connected phone as seen by a [Controller]: its sensors, its
// speech recogniser, its beeper and a message channel back to the user.
// [*device.Bridge] is the production implementation.
type Device interface {
	sensor.LocationSource
	sensor.MotionSource
	sensor.AudioSource
	stt.Provider
	safetycheck.Beeper

	// Send pushes a typed message to the device. It must not block.
	Send(typ string, payload any) error

	// Notify shows a message to the user. It must not block.
	Notify(level, message string)
}

var _ Device = (*device.Bridge)(nil)

// Identity is the user behind a device.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// ControllerConfig holds the per-device engine settings.
type ControllerConfig struct {
	Monitor     monitor.Config
	SafetyCheck safetycheck.Config

	// RateLimit is the minimum gap between two automatic alerts of the same
	// type. Manual SOS and safety-check escalations are never limited.
	RateLimit time.Duration

	// AlertTimeout bounds one automatic alert delivery. Default: 30s.
	AlertTimeout time.Duration
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithControllerClock replaces the wall clock for the controller and the
// engine it starts.
func WithControllerClock(c timeutil.Clock) ControllerOption {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithControllerLogger sets the controller logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(ctl *Controller) { ctl.log = l }
}

// WithControllerMetrics sets the metrics sink.
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(ctl *Controller) { ctl.metrics = m }
}

// episode is one stay inside a zone: a monitoring session plus its
// safety-check machine.
type episode struct {
	zone    zone.Zone
	session *monitor.Session
	machine *safetycheck.Machine
	cancel  context.CancelFunc
}

// Controller runs the monitoring engine for one device. Entering a zone
// starts a [monitor.Session] and a [safetycheck.Machine]; leaving it stops
// both. Engine callbacks are turned into device messages and alerts.
//
// Zone transitions are processed on the goroutine running [Controller.Run].
// All exported methods are safe for concurrent use.
type Controller struct {
	id      string
	dev     Device
	sender  alert.Sender
	cfg     ControllerConfig
	clock   timeutil.Clock
	log     *slog.Logger
	metrics *observe.Metrics

	positions chan types.Position
	stopped   chan struct{}
	alerts    sync.WaitGroup

	// ctx is the controller lifetime; set by Run.
	ctxMu sync.Mutex
	ctx   context.Context

	mu        sync.Mutex
	closing   bool
	user      Identity
	tracker   *zone.Tracker
	ep        *episode
	lastFix   *geo.Point
	lastAlert map[alert.Type]time.Time
}

// NewController creates a controller for dev. zones is shared with the
// zone watcher; sender delivers alerts.
func NewController(id string, dev Device, zones *zone.Set, sender alert.Sender, cfg ControllerConfig, opts ...ControllerOption) *Controller {
	c := &Controller{
		id:        id,
		dev:       dev,
		sender:    sender,
		cfg:       cfg,
		clock:     timeutil.Real{},
		log:       slog.Default(),
		positions: make(chan types.Position, 1),
		stopped:   make(chan struct{}),
		ctx:       context.Background(),
		tracker:   zone.NewTracker(zones),
		lastAlert: make(map[alert.Type]time.Time),
		user:      Identity{UserID: id},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.cfg.AlertTimeout <= 0 {
		c.cfg.AlertTimeout = DefaultAlertTimeout
	}
	c.log = c.log.With("device", id)
	return c
}

// ID returns the device id.
func (c *Controller) ID() string { return c.id }

// DeviceHandler returns the bridge handler that feeds device requests into
// the controller.
func (c *Controller) DeviceHandler() device.Handler {
	return device.Handler{
		OnHello: func(h device.Hello) {
			c.SetIdentity(Identity{UserID: h.UserID, Email: h.Email, Phone: h.Phone})
		},
		OnPosition: c.OnPosition,
		OnRespond: func(safe bool) {
			c.goAsync(func(context.Context) {
				if err := c.Respond(safe); err != nil {
					c.log.Debug("app: device response", "safe", safe, "err", err)
				}
			})
		},
		OnSOS: func(msg string) {
			c.goAsync(func(ctx context.Context) {
				if _, err := c.ManualSOS(ctx, msg); err != nil {
					c.log.Warn("app: manual sos from device", "err", err)
				}
			})
		},
	}
}

// SetIdentity records the user behind the device. An empty user id keeps
// the device id.
func (c *Controller) SetIdentity(id Identity) {
	if id.UserID == "" {
		id.UserID = c.id
	}
	c.mu.Lock()
	c.user = id
	c.mu.Unlock()
}

// Identity returns the user behind the device.
func (c *Controller) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// tag attaches the device and its user to ctx for spans and logs. It takes
// c.mu.
func (c *Controller) tag(ctx context.Context) context.Context {
	return observe.WithSubject(ctx, observe.Subject{DeviceID: c.id, UserID: c.Identity().UserID})
}

// OnPosition queues a position fix for zone tracking. It never blocks; when
// the controller is behind, only the newest fix is kept.
func (c *Controller) OnPosition(p types.Position) {
	c.mu.Lock()
	pt := p.Point
	c.lastFix = &pt
	c.mu.Unlock()

	for {
		select {
		case c.positions <- p:
			return
		default:
		}
		select {
		case <-c.positions:
		default:
		}
	}
}

// Run processes zone transitions until ctx is cancelled. On return the
// active episode is stopped and in-flight alerts have finished.
func (c *Controller) Run(ctx context.Context) error {
	c.ctxMu.Lock()
	c.ctx = ctx
	c.ctxMu.Unlock()

	defer close(c.stopped)
	defer func() {
		c.leave("device disconnected")
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.alerts.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-c.positions:
			c.observe(ctx, p.Point)
		}
	}
}

// Stopped is closed once Run has returned.
func (c *Controller) Stopped() <-chan struct{} { return c.stopped }

// Resync re-evaluates the current zone after the zone set changed.
func (c *Controller) Resync() {
	c.mu.Lock()
	last := c.lastFix
	c.mu.Unlock()
	if last != nil {
		c.OnPosition(types.Position{Point: *last, Time: c.clock.Now()})
	}
}

func (c *Controller) lifetime() context.Context {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	return c.ctx
}

// track runs fn on its own goroutine so that Run waits for it. It reports
// false, without running fn, once Run is shutting down.
func (c *Controller) track(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.alerts.Add(1)
	go func() {
		defer c.alerts.Done()
		fn()
	}()
	return true
}

// goAsync runs fn in the background with a context that outlives
// cancellation of Run, so alerts already started are still delivered.
func (c *Controller) goAsync(fn func(ctx context.Context)) {
	ctx := c.tag(context.WithoutCancel(c.lifetime()))
	if !c.track(func() { fn(ctx) }) {
		c.log.Debug("app: controller stopped, dropping background task")
	}
}

// ─── Zone transitions ────────────────────────────────────────────────────────

func (c *Controller) observe(ctx context.Context, p geo.Point) {
	c.mu.Lock()
	tr := c.tracker.Observe(p)
	c.mu.Unlock()
	if !tr.Changed() {
		return
	}
	if tr.Exited != nil {
		c.leave("")
	}
	if tr.Entered != nil {
		c.enter(ctx, *tr.Entered)
	}
}

func (c *Controller) enter(ctx context.Context, z zone.Zone) {
	ep := &episode{zone: z}
	ectx, cancel := context.WithCancel(ctx)
	ep.cancel = cancel

	ep.machine = safetycheck.New(c.dev, safetycheck.EscalatorFunc(c.escalator(ep)),
		safetycheck.WithConfig(c.cfg.SafetyCheck),
		safetycheck.WithClock(c.clock),
		safetycheck.WithLogger(c.log),
		safetycheck.WithEventHandler(c.onCheckEvent),
	)

	sess, err := monitor.Start(ectx, sensor.Set{Location: c.dev, Motion: c.dev, Audio: c.dev}, c.callbacks(ep),
		monitor.WithConfig(c.cfg.Monitor),
		monitor.WithClock(c.clock),
		monitor.WithLogger(c.log),
		monitor.WithSpeech(c.dev),
	)
	if err != nil {
		cancel()
		ep.machine.Stop()
		c.log.Error("app: start monitoring", "zone", z.ID, "err", err)
		c.dev.Notify("warning", "Safety monitoring could not be started.")
		return
	}
	ep.session = sess

	c.track(func() { _ = ep.machine.Run(ectx) })

	c.mu.Lock()
	c.ep = ep
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)

	msg := fmt.Sprintf("You have entered %s. Safety monitoring has been activated.", z.DisplayName())
	c.log.Info("app: entered zone", "zone", z.ID, "session", sess.ID())
	c.send(device.MsgZone, device.ZoneMsg{Event: "entered", ZoneID: z.ID, Name: z.DisplayName(), Message: msg})
	c.dev.Notify("warning", msg)
}

// leave stops the active episode, if any. An empty reason sends the normal
// exit message.
func (c *Controller) leave(reason string) {
	c.mu.Lock()
	ep := c.ep
	c.ep = nil
	c.mu.Unlock()
	if ep == nil {
		return
	}

	ep.session.Stop()
	ep.machine.Stop()
	ep.cancel()
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.log.Info("app: left zone", "zone", ep.zone.ID, "reason", reason)

	if reason != "" {
		return
	}
	msg := "You have left the red zone. Safety monitoring deactivated."
	c.send(device.MsgZone, device.ZoneMsg{Event: "exited", ZoneID: ep.zone.ID, Name: ep.zone.DisplayName(), Message: msg})
	c.dev.Notify("info", msg)
}

func (c *Controller) current() *episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep
}

// ─── Engine callbacks ────────────────────────────────────────────────────────

func (c *Controller) callbacks(ep *episode) monitor.Callbacks {
	return monitor.Callbacks{
		OnAccidentDetected: func(res types.AccidentDetectionResult) {
			c.onAccident(ep, res)
		},
		OnSafetyDataUpdate: func(s types.SafetySample) {
			c.send(device.MsgSample, s)
		},
		OnStationaryUserDetected: func(loc geo.Point, minutes int) {
			c.onStationary(ep, loc, minutes)
		},
		OnVoiceKeywordDetected: func(loc geo.Point, kw string) {
			c.onKeyword(ep, loc, kw)
		},
		OnSafetyConfirmed: func() {
			if err := ep.machine.RespondSafe(); err != nil && !errors.Is(err, safetycheck.ErrNoCheckPending) {
				c.log.Warn("app: confirm safety", "err", err)
			}
		},
		OnUserResponsive: ep.machine.UserResponsive,
		OnSafetyCheckRequested: func(reason string) {
			ep.machine.Trigger(reason, false)
		},
		OnTranscriptUpdate: func(text string) {
			c.send(device.MsgTranscript, device.TranscriptMsg{Text: text})
		},
		OnPermission: func(kind sensor.Kind, granted bool) {
			c.log.Info("app: sensor permission", "kind", kind, "granted", granted)
			if !granted {
				c.dev.Notify("warning", fmt.Sprintf("Access to the %s was denied. Monitoring continues without it.", kind))
			}
		},
		OnSpeechUnavailable: func(reason string) {
			c.dev.Notify("warning", "Voice keyword detection is unavailable: "+reason)
		},
		OnSpeechEnded: func(class resilience.ErrorClass, d resilience.Decision) {
			c.metrics.RecordSpeechStreamEnd(context.Background(), class.String(), d.Restart)
		},
	}
}

// alertType maps an evaluator trigger to the stored alert type.
func alertType(t types.TriggerType) alert.Type {
	switch t {
	case types.TriggerVoice:
		return alert.TypeVoiceLevel
	case types.TriggerKeyword:
		return alert.TypeVoiceKeyword
	case types.TriggerStationary:
		return alert.TypeStationaryUser
	default:
		return alert.TypeSpeedAccident
	}
}

func (c *Controller) onAccident(ep *episode, res types.AccidentDetectionResult) {
	ctx := context.Background()
	c.metrics.RecordDetection(ctx, string(res.TriggerType))
	c.send(device.MsgAccident, res)
	c.dev.Notify("warning", "Safety alert: "+res.Reason)

	keyword := res.TriggerType == types.TriggerKeyword
	ep.machine.Trigger(res.Reason, keyword)
	if keyword {
		// The keyword callback raises its own alert.
		return
	}
	c.raise(ep, alert.Alert{
		Type:    alertType(res.TriggerType),
		Message: fmt.Sprintf("%s (%s trigger)", res.Reason, res.TriggerType),
	}, true, nil)
}

func (c *Controller) onStationary(ep *episode, loc geo.Point, minutes int) {
	c.raise(ep, alert.Alert{
		Type:              alert.TypeStationaryUser,
		Location:          loc,
		StationaryMinutes: minutes,
		Message:           alert.StationaryMessage(minutes),
	}, true, func(_ string, err error) {
		if err != nil {
			c.dev.Notify("warning", fmt.Sprintf("You have been stationary for %d minutes. Failed to notify admin.", minutes))
			return
		}
		c.dev.Notify("warning", fmt.Sprintf("You have been stationary for %d minutes. Admin has been notified.", minutes))
	})
}

func (c *Controller) onKeyword(ep *episode, loc geo.Point, kw string) {
	c.raise(ep, alert.Alert{
		Type:     alert.TypeVoiceKeyword,
		Location: loc,
		Message:  fmt.Sprintf("Emergency keyword %q detected", kw),
	}, true, func(_ string, err error) {
		if err != nil {
			c.dev.Notify("warning", fmt.Sprintf("Emergency keyword %q detected! Failed to notify admin.", kw))
			return
		}
		c.dev.Notify("warning", fmt.Sprintf("Emergency keyword %q detected! Admin has been notified.", kw))
	})
}

func (c *Controller) onCheckEvent(e safetycheck.Event) {
	c.send(device.MsgCheck, e)
	if e.Kind != safetycheck.EventCountdown {
		c.metrics.RecordSafetyCheck(context.Background(), string(e.Kind))
	}
}

func (c *Controller) escalator(ep *episode) func(ctx context.Context, e safetycheck.Escalation) error {
	return func(ctx context.Context, e safetycheck.Escalation) error {
		a := alert.Alert{Message: fmt.Sprintf("Safety check #%d not confirmed: %s", e.CheckCount, e.Reason)}
		if e.Trigger == safetycheck.TriggerUser {
			a.Type = alert.TypeManualSOS
			a.Message = fmt.Sprintf("User requested help during safety check #%d: %s", e.CheckCount, e.Reason)
		}
		a = c.newAlert(ep, a)
		id, err := c.sender.Send(c.tag(ctx), a)
		c.report(a, id, err)
		if err != nil {
			c.dev.Notify("warning", "Emergency alert could not be delivered. Call emergency services if you can.")
			return err
		}
		c.dev.Notify("warning", "Emergency alert sent. Help is on the way.")
		return nil
	}
}

// ─── Alerts ──────────────────────────────────────────────────────────────────

// newAlert fills in the user, zone and last known location.
func (c *Controller) newAlert(ep *episode, a alert.Alert) alert.Alert {
	c.mu.Lock()
	u := c.user
	last := c.lastFix
	c.mu.Unlock()

	a.UserID, a.UserEmail, a.UserPhone = u.UserID, u.Email, u.Phone
	if ep != nil {
		a.ZoneID = ep.zone.ID
	}
	if a.Location == (geo.Point{}) && last != nil {
		a.Location = *last
	}
	return a
}

// raise sends an alert in the background. Automatic alerts are rate
// limited per type. done, when set, runs after delivery.
func (c *Controller) raise(ep *episode, a alert.Alert, automatic bool, done func(id string, err error)) {
	a = c.newAlert(ep, a)
	if automatic && !c.allow(a.Type) {
		c.log.Info("app: alert suppressed", "type", a.Type)
		return
	}
	c.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.AlertTimeout)
		defer cancel()
		id, err := c.sender.Send(ctx, a)
		c.report(a, id, err)
		if done != nil {
			done(id, err)
		}
	})
}

// allow reports whether an automatic alert of type t may be sent now and
// records the attempt.
func (c *Controller) allow(t alert.Type) bool {
	if c.cfg.RateLimit <= 0 {
		return true
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastAlert[t]; ok && now.Sub(last) < c.cfg.RateLimit {
		return false
	}
	c.lastAlert[t] = now
	return true
}

func (c *Controller) report(a alert.Alert, id string, err error) {
	msg := device.AlertMsg{AlertType: string(a.Type), ID: id, Sent: err == nil}
	if err != nil {
		msg.Error = err.Error()
		c.log.Error("app: alert delivery failed", "type", a.Type, "err", err)
	} else {
		c.log.Info("app: alert sent", "type", a.Type, "id", id)
	}
	c.send(device.MsgAlert, msg)
}

func (c *Controller) send(typ string, payload any) {
	if err := c.dev.Send(typ, payload); err != nil {
		c.log.Debug("app: push to device", "type", typ, "err", err)
	}
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Status is the device-level view served by the status endpoint.
type Status struct {
	DeviceID    string              `json:"device_id"`
	User        Identity            `json:"user"`
	Monitoring  bool                `json:"monitoring"`
	Zone        *zone.Zone          `json:"zone,omitempty"`
	Session     *monitor.Status     `json:"session,omitempty"`
	SafetyCheck *safetycheck.Status `json:"safety_check,omitempty"`
}

// Status returns the device's current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{DeviceID: c.id, User: c.user}
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		return st
	}
	z := ep.zone
	ms := ep.session.Status()
	cs := ep.machine.Status()
	st.Monitoring = true
	st.Zone, st.Session, st.SafetyCheck = &z, &ms, &cs
	return st
}

// Respond answers the pending safety check. safe=false escalates.
func (c *Controller) Respond(safe bool) error {
	ep := c.current()
	if ep == nil {
		return ErrNotMonitoring
	}
	if safe {
		return ep.machine.RespondSafe()
	}
	return ep.machine.RespondNeedsHelp()
}

// ReEnableSpeech clears a disabled recogniser and starts listening again.
func (c *Controller) ReEnableSpeech() error {
	ep := c.current()
	if ep == nil {
		return ErrNotMonitoring
	}
	return ep.session.ReEnableSpeech()
}

// SetListening switches keyword listening on or off.
func (c *Controller) SetListening(on bool) error {
	ep := c.current()
	if ep == nil {
		return ErrNotMonitoring
	}
	if on {
		return ep.session.EnableListening()
	}
	return ep.session.DisableListening()
}

// ToggleListening flips keyword listening and returns the new state.
func (c *Controller) ToggleListening() (bool, error) {
	ep := c.current()
	if ep == nil {
		return false, ErrNotMonitoring
	}
	return ep.session.ToggleListening()
}

// ClearTranscript empties the accumulated transcript.
func (c *Controller) ClearTranscript() error {
	ep := c.current()
	if ep == nil {
		return ErrNotMonitoring
	}
	return ep.session.ClearTranscript()
}

// Reset clears the sample buffer and the short-term restart counter.
func (c *Controller) Reset() error {
	ep := c.current()
	if ep == nil {
		return ErrNotMonitoring
	}
	return ep.session.Reset()
}

// ManualSOS sends a manual SOS synchronously. It works inside and outside
// zones.
func (c *Controller) ManualSOS(ctx context.Context, message string) (string, error) {
	if message == "" {
		message = "Manual SOS triggered by user"
	}
	a := c.newAlert(c.current(), alert.Alert{Type: alert.TypeManualSOS, Message: message})
	id, err := c.sender.Send(c.tag(ctx), a)
	c.report(a, id, err)
	if err != nil {
		c.dev.Notify("warning", "SOS could not be delivered. Call emergency services if you can.")
		return "", fmt.Errorf("app: manual sos: %w", err)
	}
	c.dev.Notify("info", "SOS sent. Admin has been notified.")
	return id, nil
}
