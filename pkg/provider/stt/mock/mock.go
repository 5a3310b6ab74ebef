// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to observe how often a caller (re)opens streams and Session to
// feed transcripts and end streams with chosen error codes.
//
//	p := mock.NewProvider()
//	handle, _ := p.StartStream(ctx, cfg)
//	sess := p.Session(0)
//	sess.Final("help me")
//	sess.End(&stt.RecognitionError{Code: stt.CodeNetwork})
package mock

import (
	"context"
	"sync"

	"github.com/SATYAM-KS/ClockTower/pkg/provider/stt"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider. Every successful
// StartStream creates a fresh Session.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
	started  chan *Session
}

// NewProvider returns a Provider that also announces each new session on
// [Provider.Started].
func NewProvider() *Provider {
	return &Provider{started: make(chan *Session, 64)}
}

// StartStream records the call and opens a new Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	if p.started != nil {
		select {
		case p.started <- s:
		default:
		}
	}
	return s, nil
}

// Started delivers each session as it is opened.
func (p *Provider) Started() <-chan *Session { return p.started }

// Session returns the i-th opened session, or nil.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

// StartCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	partials chan types.Transcript
	finals   chan types.Transcript
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	err        error
	closeCalls int
}

// NewSession returns a running session with buffered result channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
		done:     make(chan struct{}),
	}
}

func (s *Session) Partials() <-chan types.Transcript { return s.partials }
func (s *Session) Finals() <-chan types.Transcript   { return s.finals }
func (s *Session) Done() <-chan struct{}             { return s.done }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Partial emits an interim transcript.
func (s *Session) Partial(text string) {
	s.partials <- types.Transcript{Text: text}
}

// Final emits a committed transcript.
func (s *Session) Final(text string) {
	s.finals <- types.Transcript{Text: text, IsFinal: true}
}

// End terminates the stream with err (nil for a normal end). Only the first
// call has an effect.
func (s *Session) End(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Close records the call and ends the stream normally.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ended reports whether the stream has ended.
func (s *Session) Ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

var _ stt.SessionHandle = (*Session)(nil)
