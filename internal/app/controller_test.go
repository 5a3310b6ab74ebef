package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SATYAM-KS/ClockTower/internal/alert"
	alertmock "github.com/SATYAM-KS/ClockTower/internal/alert/mock"
	"github.com/SATYAM-KS/ClockTower/internal/device"
	"github.com/SATYAM-KS/ClockTower/internal/monitor"
	"github.com/SATYAM-KS/ClockTower/internal/safetycheck"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
	"github.com/SATYAM-KS/ClockTower/internal/zone"
	"github.com/SATYAM-KS/ClockTower/pkg/geo"
	"github.com/SATYAM-KS/ClockTower/pkg/provider/stt"
	sttmock "github.com/SATYAM-KS/ClockTower/pkg/provider/stt/mock"
	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	sensormock "github.com/SATYAM-KS/ClockTower/pkg/sensor/mock"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// ── fake device ──────────────────────────────────────────────────────────────

type sentMsg struct {
	Type    string
	Payload any
}

type fakeDevice struct {
	loc    *sensormock.Location
	motion *sensormock.Motion
	audio  *sensormock.Audio
	speech *sttmock.Provider

	mu      sync.Mutex
	sent    []sentMsg
	notices []device.NoticeMsg
	beeping bool
}

var _ Device = (*fakeDevice)(nil)

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		loc:    &sensormock.Location{},
		motion: sensormock.NewMotion(8),
		audio:  &sensormock.Audio{},
		speech: sttmock.NewProvider(),
	}
}

func (d *fakeDevice) CurrentPosition(ctx context.Context) (types.Position, error) {
	return d.loc.CurrentPosition(ctx)
}

func (d *fakeDevice) Subscribe(ctx context.Context) (<-chan types.MotionReading, error) {
	return d.motion.Subscribe(ctx)
}

func (d *fakeDevice) Open(ctx context.Context) (sensor.AudioStream, error) {
	return d.audio.Open(ctx)
}

func (d *fakeDevice) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return d.speech.StartStream(ctx, cfg)
}

func (d *fakeDevice) StartBeeping(time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beeping = true
}

func (d *fakeDevice) StopBeeping() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beeping = false
}

func (d *fakeDevice) Send(typ string, payload any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMsg{Type: typ, Payload: payload})
	return nil
}

func (d *fakeDevice) Notify(level, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, device.NoticeMsg{Level: level, Message: message})
}

func (d *fakeDevice) messages(typ string) []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []any
	for _, m := range d.sent {
		if m.Type == typ {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (d *fakeDevice) noticeContaining(sub string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.notices {
		if strings.Contains(n.Message, sub) {
			return true
		}
	}
	return false
}

func (d *fakeDevice) isBeeping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.beeping
}

// ── helpers ──────────────────────────────────────────────────────────────────

var (
	quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))
	epoch    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	alexanderplatz = geo.Point{Lat: 52.5219, Lng: 13.4132}
	nearby         = geo.Point{Lat: 52.5219 + 0.0036, Lng: 13.4132}
	outside        = geo.Point{Lat: 52.5219 + 0.0100, Lng: 13.4132}

	alexZone = zone.Zone{ID: "alex", Name: "Alexanderplatz", Center: alexanderplatz, Radius: 500}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	ctl   *Controller
	zones *zone.Set
	dev   *fakeDevice
	store *alertmock.Store
	clock *timeutil.Mock
	done  chan error
}

func newHarness(t *testing.T, cfg ControllerConfig) *harness {
	t.Helper()
	clk := timeutil.NewMock(epoch)
	store := &alertmock.Store{}
	disp, err := alert.NewDispatcher(store, alert.WithClock(clk), alert.WithLogger(quietLog))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	dev := newFakeDevice()
	zones := zone.NewSet([]zone.Zone{alexZone})
	ctl := NewController("dev-1", dev, zones, disp, cfg,
		WithControllerClock(clk),
		WithControllerLogger(quietLog),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{ctl: ctl, zones: zones, dev: dev, store: store, clock: clk, done: make(chan error, 1)}
	go func() { h.done <- ctl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) enter(t *testing.T) *episode {
	t.Helper()
	h.ctl.OnPosition(types.Position{Point: alexanderplatz, Time: epoch})
	waitFor(t, "zone entry", func() bool { return h.ctl.current() != nil })
	return h.ctl.current()
}

// ── zone transitions ─────────────────────────────────────────────────────────

func TestController_EnterAndLeaveZone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})

	if st := h.ctl.Status(); st.Monitoring {
		t.Fatal("monitoring before any position")
	}

	h.enter(t)
	st := h.ctl.Status()
	if !st.Monitoring || st.Zone == nil || st.Zone.ID != "alex" {
		t.Fatalf("Status after entry = %+v", st)
	}
	if st.Session == nil || !st.Session.Active {
		t.Errorf("session not active: %+v", st.Session)
	}
	if st.SafetyCheck == nil || st.SafetyCheck.State != safetycheck.StateIdle {
		t.Errorf("safety check = %+v, want idle", st.SafetyCheck)
	}
	if !h.dev.noticeContaining("You have entered Alexanderplatz. Safety monitoring has been activated.") {
		t.Error("entry notice not sent")
	}
	zm := h.dev.messages(device.MsgZone)
	if len(zm) != 1 || zm[0].(device.ZoneMsg).Event != "entered" {
		t.Errorf("zone messages = %+v", zm)
	}

	// Moving within the zone is not a transition.
	h.ctl.OnPosition(types.Position{Point: nearby, Time: epoch})
	h.ctl.OnPosition(types.Position{Point: outside, Time: epoch})
	waitFor(t, "zone exit", func() bool { return h.ctl.current() == nil })

	if !h.dev.noticeContaining("You have left the red zone. Safety monitoring deactivated.") {
		t.Error("exit notice not sent")
	}
	zm = h.dev.messages(device.MsgZone)
	if len(zm) != 2 || zm[1].(device.ZoneMsg).Event != "exited" {
		t.Errorf("zone messages = %+v", zm)
	}
	if st := h.ctl.Status(); st.Monitoring || st.Session != nil {
		t.Errorf("Status after exit = %+v", st)
	}
}

func TestController_ReEntryStartsFreshSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	h.dev.audio.Stream = sensormock.NewAudioStream(64)
	h.dev.loc.Push(types.Position{Point: alexanderplatz, Time: epoch})

	h.enter(t)
	session := func() *monitor.Status {
		st := h.ctl.Status()
		if st.Session == nil {
			t.Fatal("no session while monitoring")
		}
		return st.Session
	}

	// Three location samples and a full audio baseline at a steady 80.
	waitFor(t, "location samples", func() bool {
		if session().SampleCount >= 3 {
			return true
		}
		h.clock.Advance(3 * time.Second)
		return false
	})
	bins := make([]uint8, 128)
	for i := range bins {
		bins[i] = 80
	}
	for range 50 {
		h.dev.audio.Stream.Send(types.FrequencyFrame{Bins: bins})
	}
	waitFor(t, "audio baseline", func() bool { return session().AudioBaseline != nil })
	first := session()
	if *first.AudioBaseline != 80 {
		t.Errorf("baseline = %v, want 80", *first.AudioBaseline)
	}

	h.ctl.OnPosition(types.Position{Point: outside, Time: epoch})
	waitFor(t, "zone exit", func() bool { return h.ctl.current() == nil })
	h.enter(t)

	again := session()
	if again.SessionID == first.SessionID {
		t.Errorf("re-entry reused session %s", again.SessionID)
	}
	if again.SampleCount != 0 {
		t.Errorf("SampleCount = %d after re-entry, want 0", again.SampleCount)
	}
	if again.AudioBaseline != nil {
		t.Errorf("AudioBaseline = %v after re-entry, want none", *again.AudioBaseline)
	}
}

func TestController_OperationsOutsideZone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})

	ops := map[string]func() error{
		"Respond":         func() error { return h.ctl.Respond(true) },
		"ReEnableSpeech":  h.ctl.ReEnableSpeech,
		"SetListening":    func() error { return h.ctl.SetListening(true) },
		"ClearTranscript": h.ctl.ClearTranscript,
		"Reset":           h.ctl.Reset,
		"ToggleListening": func() error { _, err := h.ctl.ToggleListening(); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNotMonitoring) {
			t.Errorf("%s: err = %v, want ErrNotMonitoring", name, err)
		}
	}
}

func TestController_ZoneRemovedOnResync(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	h.enter(t)

	h.zones.Replace(nil)
	h.ctl.Resync()
	waitFor(t, "zone exit", func() bool { return h.ctl.current() == nil })
	if !h.dev.noticeContaining("You have left the red zone") {
		t.Error("exit notice not sent")
	}
}

func TestController_StopLeavesZoneSilently(t *testing.T) {
	t.Parallel()
	clk := timeutil.NewMock(epoch)
	store := &alertmock.Store{}
	dev := newFakeDevice()
	ctl := NewController("dev-2", dev, zone.NewSet([]zone.Zone{alexZone}), store, ControllerConfig{},
		WithControllerClock(clk), WithControllerLogger(quietLog))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctl.Run(ctx) }()

	ctl.OnPosition(types.Position{Point: alexanderplatz, Time: epoch})
	waitFor(t, "zone entry", func() bool { return ctl.current() != nil })
	sess := ctl.current().session

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-sess.Done():
	default:
		t.Error("monitoring session still running after Run returned")
	}
	select {
	case <-ctl.Stopped():
	default:
		t.Error("Stopped not closed")
	}
	if dev.noticeContaining("You have left the red zone") {
		t.Error("exit notice sent on disconnect")
	}
}

// ── engine callbacks ─────────────────────────────────────────────────────────

func TestController_AccidentRaisesAlertAndCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{RateLimit: time.Minute})
	h.ctl.SetIdentity(Identity{UserID: "user-7", Email: "u7@example.com"})
	ep := h.enter(t)

	h.ctl.onAccident(ep, types.AccidentDetectionResult{
		IsPotentialAccident: true,
		Confidence:          0.9,
		Reason:              "Complete stop after traveling at 12.0 m/s",
		TriggerType:         types.TriggerSpeed,
	})

	waitFor(t, "alert stored", func() bool { return len(h.store.Alerts()) == 1 })
	a := h.store.Alerts()[0]
	if a.Type != alert.TypeSpeedAccident {
		t.Errorf("Type = %q, want %q", a.Type, alert.TypeSpeedAccident)
	}
	if a.Message != "Complete stop after traveling at 12.0 m/s (speed trigger)" {
		t.Errorf("Message = %q", a.Message)
	}
	if a.UserID != "user-7" || a.UserEmail != "u7@example.com" || a.ZoneID != "alex" {
		t.Errorf("alert identity = %q/%q zone %q", a.UserID, a.UserEmail, a.ZoneID)
	}
	if a.Location != alexanderplatz {
		t.Errorf("Location = %+v, want last fix", a.Location)
	}

	st := h.ctl.Status().SafetyCheck
	if st.State != safetycheck.StateCheckPending || st.Urgent {
		t.Errorf("safety check = %+v, want routine pending check", st)
	}
	if !h.dev.isBeeping() {
		t.Error("device not beeping")
	}
	if len(h.dev.messages(device.MsgAccident)) != 1 {
		t.Error("accident not pushed to device")
	}
	waitFor(t, "alert outcome", func() bool { return len(h.dev.messages(device.MsgAlert)) == 1 })
	if am := h.dev.messages(device.MsgAlert)[0].(device.AlertMsg); !am.Sent || am.ID == "" {
		t.Errorf("alert outcome = %+v", am)
	}
}

func TestController_KeywordAccidentIsUrgentWithoutDuplicateAlert(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	ep := h.enter(t)

	h.ctl.onAccident(ep, types.AccidentDetectionResult{
		IsPotentialAccident: true,
		Reason:              "Emergency keyword detected",
		TriggerType:         types.TriggerKeyword,
	})
	h.ctl.onKeyword(ep, alexanderplatz, "help")

	waitFor(t, "keyword alert", func() bool { return len(h.store.Alerts()) == 1 })
	a := h.store.Alerts()[0]
	if a.Type != alert.TypeVoiceKeyword || a.Message != `Emergency keyword "help" detected` {
		t.Errorf("alert = %q %q", a.Type, a.Message)
	}
	if st := h.ctl.Status().SafetyCheck; !st.Urgent {
		t.Errorf("safety check not urgent: %+v", st)
	}
	waitFor(t, "keyword notice", func() bool {
		return h.dev.noticeContaining(`Emergency keyword "help" detected! Admin has been notified.`)
	})
}

func TestController_StationaryAlertRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{RateLimit: time.Minute})
	ep := h.enter(t)

	h.ctl.onStationary(ep, nearby, 10)
	h.ctl.onStationary(ep, nearby, 11)
	waitFor(t, "first alert", func() bool { return len(h.store.Alerts()) == 1 })

	h.clock.Advance(61 * time.Second)
	h.ctl.onStationary(ep, nearby, 12)
	waitFor(t, "second alert", func() bool { return len(h.store.Alerts()) == 2 })

	first := h.store.Alerts()[0]
	if first.Type != alert.TypeStationaryUser || first.StationaryMinutes != 10 {
		t.Errorf("first alert = %+v", first)
	}
	if first.Message != "User has been stationary for 10 minutes in red zone" {
		t.Errorf("Message = %q", first.Message)
	}
	if first.Location != nearby {
		t.Errorf("Location = %+v, want the stationary anchor", first.Location)
	}
	waitFor(t, "stationary notice", func() bool {
		return h.dev.noticeContaining("You have been stationary for 10 minutes. Admin has been notified.")
	})
}

func TestController_AlertFailureReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	h.store.SendErr = errors.New("database down")
	ep := h.enter(t)

	h.ctl.onStationary(ep, nearby, 10)

	waitFor(t, "alert outcome", func() bool { return len(h.dev.messages(device.MsgAlert)) == 1 })
	am := h.dev.messages(device.MsgAlert)[0].(device.AlertMsg)
	if am.Sent || am.Error == "" {
		t.Errorf("alert outcome = %+v, want failure", am)
	}
	waitFor(t, "failure notice", func() bool {
		return h.dev.noticeContaining("Failed to notify admin")
	})
}

func TestController_RespondNeedsHelpEscalates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	h.enter(t)

	if err := h.ctl.Respond(true); !errors.Is(err, safetycheck.ErrNoCheckPending) {
		t.Fatalf("Respond(true) without check: err = %v", err)
	}
	if err := h.ctl.Respond(false); err != nil {
		t.Fatalf("Respond(false): %v", err)
	}

	alerts := h.store.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Type != alert.TypeManualSOS {
		t.Errorf("Type = %q, want %q", alerts[0].Type, alert.TypeManualSOS)
	}
	if !strings.HasPrefix(alerts[0].Message, "User requested help during safety check #1") {
		t.Errorf("Message = %q", alerts[0].Message)
	}
	if !h.dev.noticeContaining("Emergency alert sent") {
		t.Error("escalation notice not sent")
	}
	if st := h.ctl.Status().SafetyCheck; st.Escalations != 1 {
		t.Errorf("Escalations = %d, want 1", st.Escalations)
	}
}

func TestController_SafetyConfirmedAnswersCheck(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	ep := h.enter(t)
	cb := h.ctl.callbacks(ep)

	cb.OnSafetyCheckRequested("Unusual silence detected")
	if st := h.ctl.Status().SafetyCheck; st.State != safetycheck.StateCheckPending {
		t.Fatalf("state = %q, want check pending", st.State)
	}
	cb.OnSafetyConfirmed()
	if st := h.ctl.Status().SafetyCheck; st.State != safetycheck.StateCoolDown {
		t.Errorf("state = %q, want cool down", st.State)
	}
	if h.dev.isBeeping() {
		t.Error("still beeping after confirmation")
	}

	events := h.dev.messages(device.MsgCheck)
	if len(events) < 2 {
		t.Fatalf("check events = %d", len(events))
	}
	if e := events[0].(safetycheck.Event); e.Kind != safetycheck.EventCheckStarted {
		t.Errorf("first event = %q", e.Kind)
	}
}

func TestController_TranscriptAndSamplesPushed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	ep := h.enter(t)
	cb := h.ctl.callbacks(ep)

	cb.OnTranscriptUpdate("is anyone there")
	cb.OnSafetyDataUpdate(types.SafetySample{Speed: 1.5})
	cb.OnPermission(sensor.KindMicrophone, false)

	tm := h.dev.messages(device.MsgTranscript)
	if len(tm) != 1 || tm[0].(device.TranscriptMsg).Text != "is anyone there" {
		t.Errorf("transcript messages = %+v", tm)
	}
	if sm := h.dev.messages(device.MsgSample); len(sm) == 0 {
		t.Error("no sample pushed")
	}
	if !h.dev.noticeContaining("Access to the microphone was denied") {
		t.Error("permission notice not sent")
	}
}

// ── operations ───────────────────────────────────────────────────────────────

func TestController_ManualSOS(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{RateLimit: time.Hour})
	h.ctl.SetIdentity(Identity{UserID: "user-9", Phone: "+49 30 1234"})

	// Outside any zone: no zone id, no location yet.
	id, err := h.ctl.ManualSOS(context.Background(), "")
	if err != nil {
		t.Fatalf("ManualSOS: %v", err)
	}
	if id == "" {
		t.Fatal("empty alert id")
	}

	h.enter(t)
	if _, err := h.ctl.ManualSOS(context.Background(), "I fell"); err != nil {
		t.Fatalf("ManualSOS in zone: %v", err)
	}

	alerts := h.store.Alerts()
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2 (manual SOS is never rate limited)", len(alerts))
	}
	if alerts[0].Type != alert.TypeManualSOS || alerts[0].Message != "Manual SOS triggered by user" {
		t.Errorf("first = %q %q", alerts[0].Type, alerts[0].Message)
	}
	if alerts[0].ZoneID != "" || alerts[1].ZoneID != "alex" {
		t.Errorf("zone ids = %q, %q", alerts[0].ZoneID, alerts[1].ZoneID)
	}
	if alerts[1].UserPhone != "+49 30 1234" || alerts[1].Location != alexanderplatz {
		t.Errorf("second = %+v", alerts[1])
	}
}

func TestController_ListeningControls(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{Monitor: monitor.DefaultConfig()})
	h.enter(t)

	if err := h.ctl.SetListening(false); err != nil {
		t.Fatalf("SetListening(false): %v", err)
	}
	if st := h.ctl.Status().Session; st.Speech.Listening {
		t.Error("still listening")
	}
	on, err := h.ctl.ToggleListening()
	if err != nil || !on {
		t.Fatalf("ToggleListening = %v, %v", on, err)
	}
	if err := h.ctl.ClearTranscript(); err != nil {
		t.Errorf("ClearTranscript: %v", err)
	}
	if err := h.ctl.Reset(); err != nil {
		t.Errorf("Reset: %v", err)
	}
}

func TestController_DeviceHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ControllerConfig{})
	dh := h.ctl.DeviceHandler()

	dh.OnHello(device.Hello{UserID: "user-3", Email: "u3@example.com"})
	if got := h.ctl.Identity(); got.UserID != "user-3" || got.Email != "u3@example.com" {
		t.Errorf("Identity = %+v", got)
	}
	dh.OnHello(device.Hello{})
	if got := h.ctl.Identity(); got.UserID != "dev-1" {
		t.Errorf("empty hello: UserID = %q, want device id", got.UserID)
	}

	dh.OnSOS("help me")
	waitFor(t, "sos alert", func() bool { return len(h.store.Alerts()) == 1 })
	if a := h.store.Alerts()[0]; a.Message != "help me" {
		t.Errorf("Message = %q", a.Message)
	}

	dh.OnPosition(types.Position{Point: alexanderplatz, Time: epoch})
	waitFor(t, "zone entry", func() bool { return h.ctl.Status().Monitoring })
}
