package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// ─── Location ────────────────────────────────────────────────────────────────

// CurrentPosition asks the device for a fix and waits for the next position
// message. A fix the device pushes on its own satisfies the request too.
func (b *Bridge) CurrentPosition(ctx context.Context) (types.Position, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.Position{}, fmt.Errorf("device: locate: %w", sensor.ErrUnavailable)
	}
	if b.isDenied(string(sensor.KindLocation)) {
		b.mu.Unlock()
		return types.Position{}, fmt.Errorf("device: locate: %w", sensor.ErrPermissionDenied)
	}
	seq, wake := b.fixSeq, b.fixWake
	b.mu.Unlock()

	var timeout time.Duration
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := b.Send(MsgLocate, LocateCmd{TimeoutMs: timeout.Milliseconds()}); err != nil {
		return types.Position{}, fmt.Errorf("device: locate: %w: %w", sensor.ErrUnavailable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return types.Position{}, fmt.Errorf("device: locate: %w", sensor.ErrTimeout)
		case <-b.done:
			return types.Position{}, fmt.Errorf("device: locate: %w", sensor.ErrUnavailable)
		case <-wake:
		}
		b.mu.Lock()
		if b.fixSeq > seq {
			pos, err := b.fix, b.fixErr
			b.mu.Unlock()
			if err != nil {
				return types.Position{}, fmt.Errorf("device: locate: %w", err)
			}
			return pos, nil
		}
		wake = b.fixWake
		b.mu.Unlock()
	}
}

func (b *Bridge) onPosition(m PositionMsg) {
	err := sensorErr(m.Error)
	pos := m.position(b.clock.Now())
	if err == nil && !pos.Point.Valid() {
		err = fmt.Errorf("%w: coordinates out of range", sensor.ErrUnavailable)
	}

	b.mu.Lock()
	b.fixSeq++
	b.fix, b.fixErr = pos, err
	if errors.Is(err, sensor.ErrPermissionDenied) {
		b.denied[string(sensor.KindLocation)] = true
	}
	close(b.fixWake)
	b.fixWake = make(chan struct{})
	b.mu.Unlock()

	if err != nil {
		b.log.Debug("device: position error", "err", err)
		return
	}
	if b.h.OnPosition != nil {
		b.h.OnPosition(pos)
	}
}

// ─── Motion ──────────────────────────────────────────────────────────────────

type motionSub struct {
	ch chan types.MotionReading
}

// Subscribe starts motion delivery. A new subscription replaces the previous
// one, whose channel is closed.
func (b *Bridge) Subscribe(ctx context.Context) (<-chan types.MotionReading, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("device: motion: %w", sensor.ErrUnavailable)
	}
	if b.isDenied(string(sensor.KindMotion)) {
		b.mu.Unlock()
		return nil, fmt.Errorf("device: motion: %w", sensor.ErrPermissionDenied)
	}
	if b.motion != nil {
		close(b.motion.ch)
	}
	sub := &motionSub{ch: make(chan types.MotionReading, readingsBuffer)}
	b.motion = sub
	b.mu.Unlock()

	if err := b.Send(MsgMotionStart, nil); err != nil {
		b.log.Debug("device: motion start", "err", err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		stop := b.motion == sub
		if stop {
			close(sub.ch)
			b.motion = nil
		}
		b.mu.Unlock()
		if stop {
			_ = b.Send(MsgMotionStop, nil)
		}
	}()
	return sub.ch, nil
}

func (b *Bridge) onMotion(m MotionMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := sensorErr(m.Error); err != nil {
		b.log.Warn("device: motion sensor error", "err", err)
		if errors.Is(err, sensor.ErrPermissionDenied) {
			b.denied[string(sensor.KindMotion)] = true
			if b.motion != nil {
				close(b.motion.ch)
				b.motion = nil
			}
		}
		return
	}
	if b.motion == nil {
		return
	}
	select {
	case b.motion.ch <- m.reading(b.clock.Now()):
	default:
		// Consumer is behind; a motion reading is only useful while fresh.
	}
}

// ─── Audio ───────────────────────────────────────────────────────────────────

type audioStream struct {
	b      *Bridge
	frames chan types.FrequencyFrame
	once   sync.Once
}

func (s *audioStream) Frames() <-chan types.FrequencyFrame { return s.frames }

// Close stops the device's analyser. Calling Close more than once is safe.
func (s *audioStream) Close() error {
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		mine := b.audio == s
		if mine {
			close(s.frames)
			b.audio = nil
		}
		b.mu.Unlock()
		if mine {
			_ = b.Send(MsgAudioStop, nil)
		}
	})
	return nil
}

// Open starts the device's microphone analyser.
func (b *Bridge) Open(ctx context.Context) (sensor.AudioStream, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("device: microphone: %w", sensor.ErrUnavailable)
	}
	if b.isDenied(string(sensor.KindMicrophone)) {
		b.mu.Unlock()
		return nil, fmt.Errorf("device: microphone: %w", sensor.ErrPermissionDenied)
	}
	if b.audio != nil {
		close(b.audio.frames)
	}
	s := &audioStream{b: b, frames: make(chan types.FrequencyFrame, readingsBuffer)}
	b.audio = s
	b.mu.Unlock()

	if err := b.Send(MsgAudioStart, nil); err != nil {
		b.log.Debug("device: audio start", "err", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-b.done:
		}
	}()
	return s, nil
}

func (b *Bridge) onAudio(m AudioMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := sensorErr(m.Error); err != nil {
		b.log.Warn("device: microphone error", "err", err)
		if errors.Is(err, sensor.ErrPermissionDenied) {
			b.denied[string(sensor.KindMicrophone)] = true
			if b.audio != nil {
				close(b.audio.frames)
				b.audio = nil
			}
		}
		return
	}
	if b.audio == nil {
		return
	}
	select {
	case b.audio.frames <- m.frame(b.clock.Now()):
	default:
	}
}

var (
	_ sensor.MotionSource = (*Bridge)(nil)
	_ sensor.AudioSource  = (*Bridge)(nil)
	_ sensor.AudioStream  = (*audioStream)(nil)
)
