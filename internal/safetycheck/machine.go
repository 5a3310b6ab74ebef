// Package safetycheck implements the escalation state machine that
// periodically asks a user in a flagged zone whether they are safe.
//
// A [Machine] moves between four states:
//
//	Idle ──periodic/Trigger──▶ CheckPending ──RespondSafe──▶ CoolDown ──▶ Idle
//	                              │
//	                              ├──RespondNeedsHelp──▶ Escalated ──▶ Idle
//	                              └──countdown expiry──▶ Escalated ──▶ Idle
//
// While a check is pending the device beeps and a countdown runs. Any sign of
// life silences the beeper, but only an explicit answer resolves the check.
// Escalation calls the [Escalator] exactly once per check.
//
// The machine's logic lives in [Machine.Tick], which is driven once per
// second by [Machine.Run] in production and called directly by tests.
package safetycheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
)

// ErrNoCheckPending is returned by [Machine.RespondSafe] when there is no
// open check to answer.
var ErrNoCheckPending = errors.New("safetycheck: no check pending")

// State is the machine's current state.
type State string

const (
	StateIdle         State = "idle"
	StateCheckPending State = "check_pending"
	StateCoolDown     State = "cool_down"
	StateEscalated    State = "escalated"
)

// Trigger names what escalated a check.
type Trigger string

const (
	TriggerCountdown Trigger = "countdown_expired"
	TriggerUser      Trigger = "user_needs_help"
)

// Beeper plays the audible alert on the device. Implementations must not
// block for long; failures are theirs to log.
type Beeper interface {
	StartBeeping(cadence time.Duration)
	StopBeeping()
}

// Escalation describes one emergency escalation.
type Escalation struct {
	Trigger    Trigger
	Reason     string
	CheckCount int
	At         time.Time
}

// Escalator delivers an escalation, typically by sending an SOS alert.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// EscalatorFunc adapts a function to [Escalator].
type EscalatorFunc func(ctx context.Context, e Escalation) error

// Escalate calls f.
func (f EscalatorFunc) Escalate(ctx context.Context, e Escalation) error { return f(ctx, e) }

type nopBeeper struct{}

func (nopBeeper) StartBeeping(time.Duration) {}
func (nopBeeper) StopBeeping()               {}

// EventKind classifies an [Event].
type EventKind string

const (
	EventCheckStarted     EventKind = "check_started"
	EventCountdown        EventKind = "countdown"
	EventResponsive       EventKind = "user_responsive"
	EventConfirmedSafe    EventKind = "confirmed_safe"
	EventCoolDownEnded    EventKind = "cool_down_ended"
	EventEscalated        EventKind = "escalated"
	EventEscalationFailed EventKind = "escalation_failed"
)

// Event reports a transition or countdown step to the hosting application.
type Event struct {
	Kind               EventKind `json:"kind"`
	State              State     `json:"state"`
	CheckCount         int       `json:"check_count"`
	CountdownRemaining int       `json:"countdown_remaining"`
	Reason             string    `json:"reason,omitempty"`
	Urgent             bool      `json:"urgent,omitempty"`
	Err                string    `json:"error,omitempty"`
}

// Config tunes a [Machine].
type Config struct {
	// Interval is the period between routine checks. Default: 2m.
	Interval time.Duration

	// Countdown is how long the user has to answer. Default: 300s.
	Countdown time.Duration

	// CoolDown suppresses routine checks after the user confirmed safety.
	// Default: 60s.
	CoolDown time.Duration

	// Cadence and UrgentCadence are the beep intervals for routine and
	// keyword-triggered checks. Defaults: 1s and 250ms.
	Cadence       time.Duration
	UrgentCadence time.Duration

	// Tick is the driving period of Run. Default: 1s.
	Tick time.Duration

	// EscalationTimeout bounds one Escalator call. Default: 30s.
	EscalationTimeout time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Interval:          2 * time.Minute,
		Countdown:         300 * time.Second,
		CoolDown:          60 * time.Second,
		Cadence:           time.Second,
		UrgentCadence:     250 * time.Millisecond,
		Tick:              time.Second,
		EscalationTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Countdown <= 0 {
		c.Countdown = d.Countdown
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	if c.Cadence <= 0 {
		c.Cadence = d.Cadence
	}
	if c.UrgentCadence <= 0 {
		c.UrgentCadence = d.UrgentCadence
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = d.EscalationTimeout
	}
	return c
}

// Option configures a [Machine].
type Option func(*Machine)

// WithConfig overrides the default timings.
func WithConfig(cfg Config) Option { return func(m *Machine) { m.cfg = cfg } }

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option { return func(m *Machine) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.log = l } }

// WithEventHandler registers fn to receive every [Event]. fn is called
// without the machine's lock held.
func WithEventHandler(fn func(Event)) Option { return func(m *Machine) { m.onEvent = fn } }

// Status is a point-in-time view of a [Machine].
type Status struct {
	State              State  `json:"state"`
	CheckCount         int    `json:"check_count"`
	CountdownRemaining int    `json:"countdown_remaining"`
	UserResponded      bool   `json:"user_responded"`
	Beeping            bool   `json:"beeping"`
	Urgent             bool   `json:"urgent"`
	Reason             string `json:"reason,omitempty"`
	NextCheckIn        int    `json:"next_check_in"`
	CoolDownRemaining  int    `json:"cool_down_remaining,omitempty"`
	Escalations        int    `json:"escalations"`
	LastEscalationErr  string `json:"last_escalation_error,omitempty"`
}

// Machine is the safety-check state machine. It is safe for concurrent use.
type Machine struct {
	cfg       Config
	clock     timeutil.Clock
	log       *slog.Logger
	beeper    Beeper
	escalator Escalator
	onEvent   func(Event)

	stopOnce sync.Once
	stopped  chan struct{}

	mu           sync.Mutex
	ctx          context.Context
	state        State
	checkCount   int
	started      time.Time
	remaining    int
	responded    bool
	beeping      bool
	urgent       bool
	reason       string
	nextPeriodic time.Time
	coolUntil    time.Time
	escalations  int
	lastErr      string
	halted       bool

	// A trigger that arrives while an escalation is being delivered is held
	// here and opened once the escalation finishes.
	deferred       bool
	deferredReason string
	deferredUrgent bool
}

// New creates an idle machine. The first routine check is due one Interval
// from now. A nil beeper is silent; esc is required.
func New(beeper Beeper, esc Escalator, opts ...Option) *Machine {
	if beeper == nil {
		beeper = nopBeeper{}
	}
	m := &Machine{
		clock:     timeutil.Real{},
		log:       slog.Default(),
		beeper:    beeper,
		escalator: esc,
		stopped:   make(chan struct{}),
		ctx:       context.Background(),
		state:     StateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg = m.cfg.withDefaults()
	m.nextPeriodic = m.clock.Now().Add(m.cfg.Interval)
	return m
}

// Run drives the machine once per Tick until ctx is cancelled or Stop is
// called. Escalations started by Run use ctx.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	t := m.clock.NewTicker(m.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return ctx.Err()
		case <-m.stopped:
			return nil
		case now := <-t.C():
			m.Tick(now)
		}
	}
}

// Stop halts the machine, silencing the beeper. Later calls to any method
// are no-ops. Stop is idempotent.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		wasBeeping := m.beeping
		m.beeping = false
		m.halted = true
		m.deferred = false
		m.state = StateIdle
		m.mu.Unlock()
		if wasBeeping {
			m.beeper.StopBeeping()
		}
		close(m.stopped)
	})
}

// Tick advances the machine to now: it starts routine checks, ends cool-down,
// updates the countdown and escalates when it expires.
func (m *Machine) Tick(now time.Time) {
	var fx effects
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}

	switch m.state {
	case StateIdle:
		if !now.Before(m.nextPeriodic) {
			m.advancePeriodic(now)
			fx = m.begin(now, "Routine safety check", false)
		}
	case StateCoolDown:
		if !now.Before(m.nextPeriodic) {
			m.advancePeriodic(now)
		}
		if !now.Before(m.coolUntil) {
			m.state = StateIdle
			fx.add(m.event(EventCoolDownEnded))
		}
	case StateCheckPending:
		elapsed := int(now.Sub(m.started) / time.Second)
		remaining := max(int(m.cfg.Countdown/time.Second)-elapsed, 0)
		if remaining != m.remaining {
			m.remaining = remaining
			fx.add(m.event(EventCountdown))
		}
		if remaining == 0 {
			fx = append(fx, m.escalate(now, TriggerCountdown)...)
		}
	}
	m.mu.Unlock()
	fx.run()
}

// advancePeriodic moves the routine schedule to the first slot after now.
func (m *Machine) advancePeriodic(now time.Time) {
	for !m.nextPeriodic.After(now) {
		m.nextPeriodic = m.nextPeriodic.Add(m.cfg.Interval)
	}
}

// Trigger opens a check because a detection fired. urgent selects the fast
// beep cadence. It reports whether a new check was opened; a trigger while a
// check is already pending only upgrades its urgency. A trigger during an
// escalation is deferred until the escalation has been delivered.
func (m *Machine) Trigger(reason string, urgent bool) bool {
	var (
		fx     effects
		opened bool
	)
	m.mu.Lock()
	switch {
	case m.halted:
	case m.state == StateCheckPending:
		if urgent && !m.urgent {
			m.urgent = true
			if m.beeping {
				cadence := m.cfg.UrgentCadence
				fx.add(func() { m.beeper.StartBeeping(cadence) })
			}
		}
	case m.state == StateEscalated:
		if !m.deferred {
			m.deferredReason = reason
		}
		m.deferred = true
		m.deferredUrgent = m.deferredUrgent || urgent
		m.log.Info("safetycheck: trigger deferred until escalation completes", "reason", reason)
	default:
		fx = m.begin(m.clock.Now(), reason, urgent)
		opened = true
	}
	m.mu.Unlock()
	fx.run()
	return opened
}

// UserResponsive records a sign of life. While a check is pending the
// beeper stops; the check itself stays open.
func (m *Machine) UserResponsive() {
	var fx effects
	m.mu.Lock()
	if !m.halted && m.state == StateCheckPending && !m.responded {
		m.responded = true
		if m.beeping {
			m.beeping = false
			fx.add(m.beeper.StopBeeping)
		}
		fx.add(m.event(EventResponsive))
	}
	m.mu.Unlock()
	fx.run()
}

// RespondSafe closes the pending check and starts the cool-down.
func (m *Machine) RespondSafe() error {
	var fx effects
	m.mu.Lock()
	if m.halted || m.state != StateCheckPending {
		m.mu.Unlock()
		return ErrNoCheckPending
	}
	now := m.clock.Now()
	m.state = StateCoolDown
	m.coolUntil = now.Add(m.cfg.CoolDown)
	m.responded = true
	if m.beeping {
		m.beeping = false
		fx.add(m.beeper.StopBeeping)
	}
	m.log.Info("safetycheck: user confirmed safe", "check_count", m.checkCount)
	fx.add(m.event(EventConfirmedSafe))
	m.mu.Unlock()
	fx.run()
	return nil
}

// RespondNeedsHelp escalates immediately, whether or not a check is pending.
// It returns the escalation error, if any.
func (m *Machine) RespondNeedsHelp() error {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return ErrNoCheckPending
	}
	if m.state == StateEscalated {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateCheckPending {
		m.checkCount++
		m.reason = "User requested help"
	}
	fx := m.escalate(m.clock.Now(), TriggerUser)
	m.mu.Unlock()
	fx.run()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr != "" {
		return fmt.Errorf("safetycheck: escalate: %s", m.lastErr)
	}
	return nil
}

// Status returns the machine's current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	st := Status{
		State:              m.state,
		CheckCount:         m.checkCount,
		CountdownRemaining: m.remaining,
		UserResponded:      m.responded,
		Beeping:            m.beeping,
		Urgent:             m.urgent,
		Reason:             m.reason,
		NextCheckIn:        max(int(m.nextPeriodic.Sub(now)/time.Second), 0),
		Escalations:        m.escalations,
		LastEscalationErr:  m.lastErr,
	}
	if m.state == StateCoolDown {
		st.CoolDownRemaining = max(int(m.coolUntil.Sub(now)/time.Second), 0)
	}
	return st
}

// begin opens a check. Callers hold m.mu.
func (m *Machine) begin(now time.Time, reason string, urgent bool) effects {
	m.state = StateCheckPending
	m.checkCount++
	m.started = now
	m.remaining = int(m.cfg.Countdown / time.Second)
	m.responded = false
	m.urgent = urgent
	m.reason = reason
	m.beeping = true

	cadence := m.cfg.Cadence
	if urgent {
		cadence = m.cfg.UrgentCadence
	}
	m.log.Info("safetycheck: check started",
		"check_count", m.checkCount, "reason", reason, "urgent", urgent)

	var fx effects
	fx.add(func() { m.beeper.StartBeeping(cadence) })
	fx.add(m.event(EventCheckStarted))
	return fx
}

// escalate moves to Escalated, sends the escalation once and returns to
// Idle. Callers hold m.mu; the Escalator runs in the returned effects.
func (m *Machine) escalate(now time.Time, trigger Trigger) effects {
	m.state = StateEscalated
	m.escalations++
	m.lastErr = ""
	e := Escalation{
		Trigger:    trigger,
		Reason:     m.reason,
		CheckCount: m.checkCount,
		At:         now,
	}
	ctx := m.ctx
	wasBeeping := m.beeping
	m.beeping = false
	m.log.Warn("safetycheck: escalating", "trigger", trigger, "reason", e.Reason, "check_count", e.CheckCount)

	var fx effects
	if wasBeeping {
		fx.add(m.beeper.StopBeeping)
	}
	fx.add(m.event(EventEscalated))
	fx.add(func() {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.EscalationTimeout)
		defer cancel()
		err := m.escalator.Escalate(ctx, e)

		m.mu.Lock()
		var after effects
		if err != nil {
			m.lastErr = err.Error()
			m.log.Error("safetycheck: escalation failed", "err", err)
			ev := m.event(EventEscalationFailed)
			after.add(ev)
		}
		after = append(after, m.finishCycle(now)...)
		m.mu.Unlock()
		after.run()
	})
	return fx
}

// finishCycle resets the per-check counters after an escalation and opens
// a deferred check, if any. Callers hold m.mu.
func (m *Machine) finishCycle(now time.Time) effects {
	if m.halted || m.state != StateEscalated {
		return nil
	}
	m.state = StateIdle
	m.checkCount = 0
	m.remaining = 0
	m.responded = false
	m.urgent = false
	m.nextPeriodic = now.Add(m.cfg.Interval)

	if !m.deferred {
		return nil
	}
	reason, urgent := m.deferredReason, m.deferredUrgent
	m.deferred, m.deferredReason, m.deferredUrgent = false, "", false
	return m.begin(m.clock.Now(), reason, urgent)
}

// event snapshots an event for delivery after the lock is released. Callers
// hold m.mu.
func (m *Machine) event(kind EventKind) func() {
	if m.onEvent == nil {
		return nil
	}
	ev := Event{
		Kind:               kind,
		State:              m.state,
		CheckCount:         m.checkCount,
		CountdownRemaining: m.remaining,
		Reason:             m.reason,
		Urgent:             m.urgent,
		Err:                m.lastErr,
	}
	fn := m.onEvent
	return func() { fn(ev) }
}

type effects []func()

func (e *effects) add(more ...func()) {
	for _, f := range more {
		if f != nil {
			*e = append(*e, f)
		}
	}
}

func (e effects) run() {
	for _, f := range e {
		f()
	}
}
