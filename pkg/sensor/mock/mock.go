// Package mock provides scripted implementations of the sensor interfaces for
// unit tests.
//
// All mocks are safe for concurrent use and record their calls.
//
//	loc := &mock.Location{}
//	loc.Push(types.Position{Point: geo.Point{Lat: 1, Lng: 2}})
//	motion := mock.NewMotion(8)
//	motion.Send(types.MotionReading{X: 0, Y: 0, Z: 9.8})
package mock

import (
	"context"
	"sync"

	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// ─── Location ─────────────────────────────────────────────────────────────────

// Fix is one scripted CurrentPosition result.
type Fix struct {
	Position types.Position
	Err      error
}

// Location is a scripted [sensor.LocationSource]. Each call pops the next
// queued fix; when the queue is empty the last fix is repeated. With nothing
// queued at all, CurrentPosition returns [sensor.ErrTimeout].
type Location struct {
	mu    sync.Mutex
	queue []Fix
	last  *Fix

	// Calls counts CurrentPosition invocations.
	Calls int
}

var _ sensor.LocationSource = (*Location)(nil)

// Push queues a successful fix.
func (l *Location) Push(p types.Position) {
	l.PushFix(Fix{Position: p})
}

// PushErr queues a failing fix.
func (l *Location) PushErr(err error) {
	l.PushFix(Fix{Err: err})
}

// PushFix queues an arbitrary fix.
func (l *Location) PushFix(f Fix) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, f)
}

// CurrentPosition implements [sensor.LocationSource].
func (l *Location) CurrentPosition(ctx context.Context) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls++
	if err := ctx.Err(); err != nil {
		return types.Position{}, err
	}
	if len(l.queue) > 0 {
		f := l.queue[0]
		l.queue = l.queue[1:]
		l.last = &f
		return f.Position, f.Err
	}
	if l.last != nil {
		return l.last.Position, l.last.Err
	}
	return types.Position{}, sensor.ErrTimeout
}

// CallCount returns Calls under the lock.
func (l *Location) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Calls
}

// ─── Motion ───────────────────────────────────────────────────────────────────

// Motion is a [sensor.MotionSource] backed by a buffered channel.
type Motion struct {
	ch chan types.MotionReading

	mu sync.Mutex

	// SubscribeErr, if non-nil, is returned by Subscribe.
	SubscribeErr error

	// SubscribeCalls counts Subscribe invocations.
	SubscribeCalls int
}

var _ sensor.MotionSource = (*Motion)(nil)

// NewMotion returns a Motion whose channel holds up to buf readings.
func NewMotion(buf int) *Motion {
	return &Motion{ch: make(chan types.MotionReading, buf)}
}

// Subscribe implements [sensor.MotionSource].
func (m *Motion) Subscribe(_ context.Context) (<-chan types.MotionReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribeCalls++
	if m.SubscribeErr != nil {
		return nil, m.SubscribeErr
	}
	return m.ch, nil
}

// Send delivers a reading to the subscriber.
func (m *Motion) Send(r types.MotionReading) {
	m.ch <- r
}

// ─── Audio ────────────────────────────────────────────────────────────────────

// Audio is a [sensor.AudioSource] that hands out a single [AudioStream].
type Audio struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open creates one with a 64-frame
	// buffer.
	Stream *AudioStream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls counts Open invocations.
	OpenCalls int
}

var _ sensor.AudioSource = (*Audio)(nil)

// Open implements [sensor.AudioSource].
func (a *Audio) Open(_ context.Context) (sensor.AudioStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.OpenCalls++
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	if a.Stream == nil {
		a.Stream = NewAudioStream(64)
	}
	return a.Stream, nil
}

// AudioStream is a [sensor.AudioStream] backed by a buffered channel.
type AudioStream struct {
	ch   chan types.FrequencyFrame
	once sync.Once
	done chan struct{}

	mu         sync.Mutex
	CloseCalls int
}

var _ sensor.AudioStream = (*AudioStream)(nil)

// NewAudioStream returns a stream whose channel holds up to buf frames.
func NewAudioStream(buf int) *AudioStream {
	return &AudioStream{ch: make(chan types.FrequencyFrame, buf), done: make(chan struct{})}
}

// Frames implements [sensor.AudioStream].
func (s *AudioStream) Frames() <-chan types.FrequencyFrame { return s.ch }

// Send delivers a frame. It is a no-op after Close.
func (s *AudioStream) Send(f types.FrequencyFrame) {
	select {
	case <-s.done:
	case s.ch <- f:
	}
}

// Close implements [sensor.AudioStream].
func (s *AudioStream) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called.
func (s *AudioStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
