// Package monitor is the heuristic safety engine that runs while a device is
// inside a flagged zone.
//
// A [Session] owns every sampler for one zone visit:
//
//   - the location sampler polls position fixes, damps GPS jitter and derives
//     speed and acceleration;
//   - the motion sampler writes acceleration derivatives from the device's
//     motion sensor into the newest sample;
//   - the audio sampler measures microphone loudness, learns an ambient
//     baseline and raises anomalies;
//   - the speech sampler keeps a recogniser stream open under a
//     [resilience.RestartPolicy] and scans transcripts for keywords;
//   - the stationary detector notices a device that stays put.
//
// Samples land in a [RollingBuffer]; each location tick runs [Evaluate] over
// the newest samples. Findings are reported through [Callbacks]. The session
// never sends alerts itself.
//
// All sampler state is mutated by a single event-loop goroutine or by the
// public operations, serialised by one mutex. Callbacks are invoked without
// that mutex held, so they may call back into the session.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SATYAM-KS/ClockTower/internal/resilience"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
	"github.com/SATYAM-KS/ClockTower/pkg/geo"
	"github.com/SATYAM-KS/ClockTower/pkg/provider/stt"
	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// ErrSessionClosed is returned by operations on a stopped [Session].
var ErrSessionClosed = errors.New("monitor: session closed")

// Callbacks receive the session's findings. Every field is optional. Callbacks
// may be invoked from the session's event loop or from the goroutine calling a
// session operation, never while session state is locked.
type Callbacks struct {
	// OnAccidentDetected fires when an evaluation or an emergency keyword
	// indicates a potential accident.
	OnAccidentDetected func(types.AccidentDetectionResult)

	// OnSafetyDataUpdate fires whenever a sample is appended or augmented.
	OnSafetyDataUpdate func(types.SafetySample)

	// OnStationaryUserDetected fires when the device has not moved for the
	// configured period.
	OnStationaryUserDetected func(loc geo.Point, minutes int)

	// OnVoiceKeywordDetected fires for every emergency keyword heard while a
	// location is known.
	OnVoiceKeywordDetected func(loc geo.Point, keyword string)

	// OnSafetyConfirmed fires when the user says a confirmation phrase.
	OnSafetyConfirmed func()

	// OnUserResponsive fires on any recognised speech.
	OnUserResponsive func()

	// OnSafetyCheckRequested fires when the motion or audio sampler sees
	// something that warrants asking the user.
	OnSafetyCheckRequested func(reason string)

	// OnTranscriptUpdate receives the accumulated transcript.
	OnTranscriptUpdate func(transcript string)

	// OnPermission reports sensor access, once per sensor.
	OnPermission func(kind sensor.Kind, granted bool)

	// OnSpeechUnavailable fires once when keyword listening stops for good:
	// the restart ceiling was reached or the recogniser refused service.
	OnSpeechUnavailable func(reason string)

	// OnSpeechEnded reports each recogniser stream termination together with
	// the restart decision taken.
	OnSpeechEnded func(class resilience.ErrorClass, d resilience.Decision)
}

// Option configures a [Session].
type Option func(*Session)

// WithConfig overrides the default tuning. Zero-valued fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithSpeech enables keyword listening through p.
func WithSpeech(p stt.Provider) Option {
	return func(s *Session) { s.speech = p }
}

// WithID sets the session identifier. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

type fix struct {
	pos types.Position
	err error
}

// Session is one monitoring run, created on zone entry and stopped on exit.
type Session struct {
	id      string
	cfg     Config
	clock   timeutil.Clock
	log     *slog.Logger
	sensors sensor.Set
	speech  stt.Provider
	cb      Callbacks

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	fixes    chan fix
	pollWG   sync.WaitGroup
	stopOnce sync.Once

	locTicker  timeutil.Ticker
	statTicker timeutil.Ticker

	mu sync.Mutex

	closed  bool
	started int64

	buf        *RollingBuffer
	location   *locationSampler
	motion     *motionSampler
	audio      *audioSampler
	keywords   *keywordScanner
	stationary *stationaryDetector
	restart    *resilience.RestartPolicy

	motionC    <-chan types.MotionReading
	stream     sensor.AudioStream
	reported   map[sensor.Kind]bool
	transcript string

	listening    bool
	handle       stt.SessionHandle
	restartTimer timeutil.Timer
	unavailable  bool

	keywordSample *types.SafetySample
	keywordTimer  timeutil.Timer
}

// Start opens the sensors in sensors and begins monitoring. Sensors that are
// nil or refuse access leave their sampler inert; the session keeps running
// with whatever remains. The session runs until [Session.Stop] is called or
// ctx is cancelled.
func Start(ctx context.Context, sensors sensor.Set, cb Callbacks, opts ...Option) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("monitor: start: %w", err)
	}

	s := &Session{
		cfg:      DefaultConfig(),
		clock:    timeutil.Real{},
		log:      slog.Default(),
		sensors:  sensors,
		cb:       cb,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		fixes:    make(chan fix),
		reported: make(map[sensor.Kind]bool),
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.cfg = s.cfg.withDefaults()
	s.log = s.log.With("session", s.id)

	s.buf = NewRollingBuffer(s.cfg.BufferSize)
	s.location = newLocationSampler(s.cfg, s.log)
	s.motion = newMotionSampler(s.cfg)
	s.audio = newAudioSampler(s.cfg.Audio)
	s.keywords = newKeywordScanner(s.cfg.Speech)
	s.stationary = newStationaryDetector(s.cfg)
	s.restart = resilience.NewRestartPolicy(s.cfg.Restart)
	s.started = s.clock.Now().UnixMilli()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.locTicker = s.clock.NewTicker(s.cfg.LocationInterval)
	s.statTicker = s.clock.NewTicker(s.cfg.StationaryInterval)

	var fx effects
	s.mu.Lock()
	fx.add(s.openMotion()...)
	fx.add(s.openAudio()...)
	if s.cfg.Speech.ListenOnStart {
		s.listening = true
		fx.add(s.openSpeech()...)
	}
	s.mu.Unlock()
	fx.run()

	if s.sensors.Location != nil {
		s.pollWG.Add(1)
		go s.pollLocation()
	}
	go s.run()

	s.log.Info("monitor: session started",
		"location", s.sensors.Location != nil,
		"motion", s.sensors.Motion != nil,
		"audio", s.sensors.Audio != nil,
		"speech", s.speech != nil,
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed after the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop ends monitoring: tickers stop, the microphone is released, speech
// restarts are disabled and the recogniser is closed before any pending
// restart or keyword timer can fire. Stop blocks until the event loop exits
// and is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
		s.log.Info("monitor: session stopped")
	})
}

// ─── Event loop ──────────────────────────────────────────────────────────────

// watch is the set of channels the loop selects on in one iteration.
type watch struct {
	motion   <-chan types.MotionReading
	frames   <-chan types.FrequencyFrame
	handle   stt.SessionHandle
	partials <-chan types.Transcript
	finals   <-chan types.Transcript
	ended    <-chan struct{}
	restart  timeutil.Timer
	keyword  timeutil.Timer
}

func (s *Session) watchSet() watch {
	w := watch{
		motion:  s.motionC,
		handle:  s.handle,
		restart: s.restartTimer,
		keyword: s.keywordTimer,
	}
	if s.stream != nil {
		w.frames = s.stream.Frames()
	}
	if s.handle != nil {
		w.partials = s.handle.Partials()
		w.finals = s.handle.Finals()
		w.ended = s.handle.Done()
	}
	return w
}

// timerC returns t's channel, or nil (blocks forever) when t is nil.
func timerC(t timeutil.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()

	for {
		s.mu.Lock()
		w := s.watchSet()
		s.mu.Unlock()

		var fx effects
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case f := <-s.fixes:
			fx = s.locked(func() effects { return s.onFix(f) })
		case r, ok := <-w.motion:
			fx = s.locked(func() effects { return s.onMotion(r, ok) })
		case f, ok := <-w.frames:
			fx = s.locked(func() effects { return s.onFrame(f, ok) })
		case t := <-w.partials:
			fx = s.locked(func() effects { return s.onTranscript(w.handle, t) })
		case t := <-w.finals:
			fx = s.locked(func() effects { return s.onTranscript(w.handle, t) })
		case <-w.ended:
			fx = s.locked(func() effects { return s.onSpeechEnded(w.handle) })
		case <-timerC(w.restart):
			fx = s.locked(func() effects { return s.onRestartDue(w.restart) })
		case <-timerC(w.keyword):
			s.locked(func() effects { s.onKeywordExpired(w.keyword); return nil })
		case <-s.statTicker.C():
			fx = s.locked(s.onStationaryCheck)
		}
		fx.run()
	}
}

// locked runs fn under the session mutex.
func (s *Session) locked(fn func() effects) effects {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// nudge makes the loop rebuild its watch set.
func (s *Session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) teardown() {
	s.locTicker.Stop()
	s.statTicker.Stop()
	s.pollWG.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.listening = false
	s.stopSpeech()
	if s.keywordTimer != nil {
		s.keywordTimer.Stop()
		s.keywordTimer = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Debug("monitor: close audio stream", "err", err)
		}
		s.stream = nil
	}
	s.motionC = nil
}

// do runs an operation under the mutex, then its effects, then wakes the
// loop so that channel changes are picked up.
func (s *Session) do(fn func() effects) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	fx := fn()
	s.mu.Unlock()
	fx.run()
	s.nudge()
	return nil
}

// ─── Location ────────────────────────────────────────────────────────────────

func (s *Session) pollLocation() {
	defer s.pollWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.locTicker.C():
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.LocationTimeout)
		pos, err := s.sensors.Location.CurrentPosition(ctx)
		cancel()

		select {
		case s.fixes <- fix{pos: pos, err: err}:
		case <-s.ctx.Done():
			return
		}
		if errors.Is(err, sensor.ErrPermissionDenied) {
			return
		}
	}
}

func (s *Session) onFix(f fix) effects {
	var fx effects
	if f.err != nil {
		if errors.Is(f.err, sensor.ErrPermissionDenied) {
			s.log.Warn("monitor: location permission denied, continuing without location")
			fx.add(s.permission(sensor.KindLocation, false))
			return fx
		}
		s.log.Debug("monitor: location unavailable, retrying next tick", "err", f.err)
		return fx
	}
	fx.add(s.permission(sensor.KindLocation, true))

	now := s.clock.Now()
	prev := s.buf.Latest()
	sample := s.location.observe(f.pos.Point, now, prev)
	// The microphone writes onto the latest sample; carry its last level
	// forward so the voice rule sees it on the new fix.
	if prev != nil && prev.VoiceLevel != nil {
		v := *prev.VoiceLevel
		sample.VoiceLevel = &v
	}
	s.buf.Push(&sample)
	fx.add(s.dataUpdate(sample))

	if res, ok := Evaluate(s.buf.Last(3), s.cfg.Thresholds); ok {
		s.log.Info("monitor: potential accident",
			"trigger", res.TriggerType,
			"confidence", res.Confidence,
			"reason", res.Reason,
		)
		fx.add(s.accident(res))
	}
	return fx
}

// ─── Motion ──────────────────────────────────────────────────────────────────

func (s *Session) openMotion() effects {
	if s.sensors.Motion == nil {
		return nil
	}
	var fx effects
	ch, err := s.sensors.Motion.Subscribe(s.ctx)
	if err != nil {
		s.log.Warn("monitor: motion sensor unavailable", "err", err)
		if errors.Is(err, sensor.ErrPermissionDenied) {
			fx.add(s.permission(sensor.KindMotion, false))
		}
		return fx
	}
	s.motionC = ch
	fx.add(s.permission(sensor.KindMotion, true))
	return fx
}

func (s *Session) onMotion(r types.MotionReading, ok bool) effects {
	if !ok {
		s.log.Debug("monitor: motion stream ended")
		s.motionC = nil
		return nil
	}
	var fx effects
	latest := s.buf.Latest()
	res := s.motion.observe(r, s.clock.Now(), latest)
	if res.updated {
		fx.add(s.dataUpdate(*latest))
	}
	if res.requestCheck {
		fx.add(s.checkRequested(res.reason))
	}
	return fx
}

// ─── Audio ───────────────────────────────────────────────────────────────────

func (s *Session) openAudio() effects {
	if s.sensors.Audio == nil {
		return nil
	}
	var fx effects
	stream, err := s.sensors.Audio.Open(s.ctx)
	if err != nil {
		s.log.Warn("monitor: microphone unavailable, audio sampling disabled", "err", err)
		fx.add(s.permission(sensor.KindMicrophone, false))
		return fx
	}
	s.stream = stream
	fx.add(s.permission(sensor.KindMicrophone, true))
	return fx
}

func (s *Session) onFrame(f types.FrequencyFrame, ok bool) effects {
	if !ok {
		s.log.Debug("monitor: audio stream ended")
		s.stream = nil
		return nil
	}
	var fx effects
	res := s.audio.observe(f, s.clock.Now())
	if latest := s.buf.Latest(); latest != nil {
		v := res.voice
		latest.VoiceLevel = &v
		fx.add(s.dataUpdate(*latest))
	}
	if res.requestCheck {
		fx.add(s.checkRequested(res.reason))
	}
	return fx
}

// ─── Stationary ──────────────────────────────────────────────────────────────

func (s *Session) onStationaryCheck() effects {
	loc, minutes, ok := s.stationary.check(s.buf.Latest(), s.clock.Now())
	if !ok {
		return nil
	}
	s.log.Info("monitor: stationary user", "minutes", minutes, "location", loc)
	var fx effects
	if cb := s.cb.OnStationaryUserDetected; cb != nil {
		fx.add(func() { cb(loc, minutes) })
	}
	return fx
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Reset clears the sample buffer and the consecutive speech restart counter.
func (s *Session) Reset() error {
	return s.do(func() effects {
		s.buf.Reset()
		s.stationary.reset()
		s.keywordSample = nil
		s.restart.ResetConsecutive()
		s.log.Info("monitor: session reset")
		return nil
	})
}

// Latest returns a copy of the newest sample.
func (s *Session) Latest() (types.SafetySample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.buf.Latest(); l != nil {
		return *l, true
	}
	return types.SafetySample{}, false
}

// Samples returns copies of the buffered samples, oldest first.
func (s *Session) Samples() []types.SafetySample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Last(s.buf.Len())
}

// ─── Effects ─────────────────────────────────────────────────────────────────

// effects are callback invocations collected under the lock and run after it
// is released.
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

func (s *Session) dataUpdate(sample types.SafetySample) func() {
	cb := s.cb.OnSafetyDataUpdate
	if cb == nil {
		return nil
	}
	return func() { cb(sample) }
}

func (s *Session) accident(res types.AccidentDetectionResult) func() {
	cb := s.cb.OnAccidentDetected
	if cb == nil {
		return nil
	}
	return func() { cb(res) }
}

func (s *Session) checkRequested(reason string) func() {
	s.log.Info("monitor: safety check requested", "reason", reason)
	cb := s.cb.OnSafetyCheckRequested
	if cb == nil {
		return nil
	}
	return func() { cb(reason) }
}

// permission reports kind once per session.
func (s *Session) permission(kind sensor.Kind, granted bool) func() {
	if s.reported[kind] {
		return nil
	}
	s.reported[kind] = true
	cb := s.cb.OnPermission
	if cb == nil {
		return nil
	}
	return func() { cb(kind, granted) }
}
