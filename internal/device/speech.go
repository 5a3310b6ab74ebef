package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SATYAM-KS/ClockTower/pkg/provider/stt"
	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

var errDisconnected = &stt.RecognitionError{Code: stt.CodeNetwork, Message: "device disconnected"}

// StartStream asks the device to start its recogniser. Results arrive as
// speech messages tagged with the stream id.
func (b *Bridge) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("device: speech: %w", ErrClosed)
	}
	if b.isDenied(PermissionSpeech) || b.isDenied(string(sensor.KindMicrophone)) {
		b.mu.Unlock()
		return nil, &stt.RecognitionError{Code: stt.CodeNotAllowed, Message: "speech permission not granted"}
	}
	s := &speechSession{
		b:        b,
		id:       uuid.NewString(),
		partials: make(chan types.Transcript, resultBuffer),
		finals:   make(chan types.Transcript, resultBuffer),
		done:     make(chan struct{}),
	}
	b.speech[s.id] = s
	b.mu.Unlock()

	err := b.Send(MsgSpeechStart, SpeechStartCmd{
		Stream:     s.id,
		Language:   cfg.Language,
		Interim:    cfg.Interim,
		Continuous: cfg.Continuous,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.speech, s.id)
		b.mu.Unlock()
		return nil, fmt.Errorf("device: speech: %w", err)
	}
	return s, nil
}

func (b *Bridge) onSpeech(m SpeechMsg) {
	b.mu.Lock()
	s, ok := b.speech[m.Stream]
	if ok && m.Event == "end" {
		delete(b.speech, m.Stream)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Debug("device: speech message for unknown stream", "stream", m.Stream)
		return
	}

	switch m.Event {
	case "result":
		s.deliver(types.Transcript{Text: m.Text, IsFinal: m.Final, Confidence: m.Confidence})
	case "end":
		var err error
		if m.Code != "" {
			code := stt.ErrorCode(m.Code)
			err = &stt.RecognitionError{Code: code, Message: m.Message}
			if code == stt.CodeNotAllowed || code == stt.CodeServiceNotAllowed {
				b.mu.Lock()
				b.denied[PermissionSpeech] = true
				b.mu.Unlock()
			}
		}
		s.end(err)
	default:
		b.log.Debug("device: unknown speech event", "event", m.Event)
	}
}

// speechSession is one recogniser stream running on the device.
type speechSession struct {
	b        *Bridge
	id       string
	partials chan types.Transcript
	finals   chan types.Transcript
	done     chan struct{}

	mu    sync.Mutex
	ended bool
	err   error
}

func (s *speechSession) Partials() <-chan types.Transcript { return s.partials }
func (s *speechSession) Finals() <-chan types.Transcript   { return s.finals }
func (s *speechSession) Done() <-chan struct{}             { return s.done }

func (s *speechSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver queues a result. Finals must not be lost, so a full finals buffer
// drops the oldest entry instead of the new one.
func (s *speechSession) deliver(t types.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if !t.IsFinal {
		select {
		case s.partials <- t:
		default:
		}
		return
	}
	for {
		select {
		case s.finals <- t:
			return
		default:
		}
		select {
		case <-s.finals:
		default:
		}
	}
}

func (s *speechSession) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.done)
}

// Close stops the recogniser on the device.
func (s *speechSession) Close() error {
	b := s.b
	b.mu.Lock()
	_, live := b.speech[s.id]
	delete(b.speech, s.id)
	b.mu.Unlock()

	s.end(nil)
	if live {
		if err := b.Send(MsgSpeechStop, SpeechStopCmd{Stream: s.id}); err != nil {
			b.log.Debug("device: speech stop", "err", err)
		}
	}
	return nil
}

var (
	_ stt.Provider      = (*Bridge)(nil)
	_ stt.SessionHandle = (*speechSession)(nil)
)
