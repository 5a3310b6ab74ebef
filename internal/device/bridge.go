// Package device connects a phone to the monitoring engine over a WebSocket.
//
// The phone streams raw sensor data as JSON text frames; a [Bridge] turns
// them into the engine's sensor and speech interfaces and pushes engine
// output (samples, safety-check prompts, beep commands, alert outcomes) back
// to the phone. One Bridge serves one connection.
//
// A Bridge implements:
//
//   - [sensor.LocationSource], [sensor.MotionSource] and [sensor.AudioSource]
//   - [stt.Provider], relaying speech_start/speech_stop to the phone's own
//     recogniser
//   - safetycheck.Beeper via StartBeeping/StopBeeping
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// PermissionSpeech is the permission key for the on-device recogniser.
const PermissionSpeech = "speech"

const (
	defaultQueue   = 256
	readLimit      = 64 << 10
	writeTimeout   = 10 * time.Second
	resultBuffer   = 32
	readingsBuffer = 64
)

var (
	// ErrClosed is returned by operations on a disconnected bridge.
	ErrClosed = errors.New("device: connection closed")

	// ErrBackpressure is returned by [Bridge.Send] when the phone does not
	// keep up with outbound messages.
	ErrBackpressure = errors.New("device: outbound queue full")
)

// Handler receives the device's own requests. Every field is optional.
// Handlers run on the bridge's read goroutine and must not block.
type Handler struct {
	OnHello    func(Hello)
	OnPosition func(types.Position)
	OnRespond  func(safe bool)
	OnSOS      func(message string)
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithHandler sets the request handler.
func WithHandler(h Handler) Option { return func(b *Bridge) { b.h = h } }

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.log = l } }

// WithClock replaces the wall clock used to stamp readings that arrive
// without a timestamp.
func WithClock(c timeutil.Clock) Option { return func(b *Bridge) { b.clock = c } }

// WithQueueSize sets the outbound queue length. Default: 256.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queue = n
		}
	}
}

// Bridge is one connected device.
type Bridge struct {
	id    string
	conn  *websocket.Conn
	h     Handler
	log   *slog.Logger
	clock timeutil.Clock
	queue int

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	hello   Hello
	denied  map[string]bool
	fixSeq  uint64
	fix     types.Position
	fixErr  error
	fixWake chan struct{}
	motion  *motionSub
	audio   *audioStream
	speech  map[string]*speechSession
}

// Accept upgrades an HTTP request to a WebSocket and wraps it.
func Accept(w http.ResponseWriter, r *http.Request, id string, opts ...Option) (*Bridge, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("device: accept: %w", err)
	}
	return New(conn, id, opts...), nil
}

// New wraps an established connection.
func New(conn *websocket.Conn, id string, opts ...Option) *Bridge {
	b := &Bridge{
		id:      id,
		conn:    conn,
		log:     slog.Default(),
		clock:   timeutil.Real{},
		queue:   defaultQueue,
		done:    make(chan struct{}),
		denied:  make(map[string]bool),
		fixWake: make(chan struct{}),
		speech:  make(map[string]*speechSession),
	}
	for _, o := range opts {
		o(b)
	}
	b.out = make(chan []byte, b.queue)
	b.log = b.log.With("device", id)
	conn.SetReadLimit(readLimit)
	return b
}

// ID returns the device id.
func (b *Bridge) ID() string { return b.id }

// Done is closed once the connection is gone.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Hello returns the device's last introduction.
func (b *Bridge) Hello() Hello {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hello
}

// Serve runs the read and write loops until the connection ends or ctx is
// cancelled. A normal close by either side returns nil.
func (b *Bridge) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.readLoop(gctx) })
	g.Go(func() error { return b.writeLoop(gctx) })
	err := g.Wait()

	b.shutdown()
	_ = b.conn.Close(websocket.StatusNormalClosure, "")

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close disconnects the device.
func (b *Bridge) Close() error {
	return b.conn.Close(websocket.StatusNormalClosure, "server closing")
}

// SetHandler replaces the request handler. It must be called before Serve.
func (b *Bridge) SetHandler(h Handler) { b.h = h }

// Send queues a message for the device. It never blocks.
func (b *Bridge) Send(typ string, payload any) error {
	data, err := encode(typ, payload)
	if err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.out <- data:
		return nil
	default:
		b.log.Warn("device: dropping outbound message", "type", typ)
		return ErrBackpressure
	}
}

// Notify shows a message on the device.
func (b *Bridge) Notify(level, message string) {
	if err := b.Send(MsgNotice, NoticeMsg{Level: level, Message: message}); err != nil {
		b.log.Debug("device: notify", "err", err)
	}
}

// StartBeeping starts the audible alert at the given cadence.
func (b *Bridge) StartBeeping(cadence time.Duration) {
	if err := b.Send(MsgBeep, BeepCmd{CadenceMs: cadence.Milliseconds()}); err != nil {
		b.log.Debug("device: start beeping", "err", err)
	}
}

// StopBeeping silences the audible alert.
func (b *Bridge) StopBeeping() {
	if err := b.Send(MsgBeepStop, nil); err != nil {
		b.log.Debug("device: stop beeping", "err", err)
	}
}

func (b *Bridge) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-b.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := b.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return fmt.Errorf("device: write: %w", err)
			}
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context) error {
	for {
		typ, data, err := b.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			b.log.Debug("device: ignoring binary frame")
			continue
		}
		if err := b.dispatch(data); err != nil {
			b.log.Warn("device: bad message", "err", err)
		}
	}
}

// dispatch decodes one inbound frame and routes it.
func (b *Bridge) dispatch(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("device: decode envelope: %w", err)
	}

	switch env.Type {
	case MsgHello:
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("device: decode hello: %w", err)
		}
		b.onHello(m)
	case MsgPosition:
		var m PositionMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("device: decode position: %w", err)
		}
		b.onPosition(m)
	case MsgMotion:
		var m MotionMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("device: decode motion: %w", err)
		}
		b.onMotion(m)
	case MsgAudio:
		var m AudioMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("device: decode audio: %w", err)
		}
		b.onAudio(m)
	case MsgSpeech:
		var m SpeechMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("device: decode speech: %w", err)
		}
		b.onSpeech(m)
	case MsgRespond:
		var m RespondMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("device: decode respond: %w", err)
		}
		if b.h.OnRespond != nil {
			b.h.OnRespond(m.Safe)
		}
	case MsgSOS:
		var m SOSMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("device: decode sos: %w", err)
		}
		if b.h.OnSOS != nil {
			b.h.OnSOS(m.Message)
		}
	default:
		return fmt.Errorf("device: unknown message type %q", env.Type)
	}
	return nil
}

func (b *Bridge) onHello(m Hello) {
	b.mu.Lock()
	b.hello = m
	for k, granted := range m.Permissions {
		b.denied[k] = !granted
	}
	b.mu.Unlock()

	b.log.Info("device: hello", "user_id", m.UserID, "permissions", m.Permissions)
	if b.h.OnHello != nil {
		b.h.OnHello(m)
	}
}

// shutdown releases every consumer once the connection is gone.
func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		close(b.done)
		if b.motion != nil {
			close(b.motion.ch)
			b.motion = nil
		}
		if b.audio != nil {
			close(b.audio.frames)
			b.audio = nil
		}
		for id, s := range b.speech {
			s.end(errDisconnected)
			delete(b.speech, id)
		}
	})
}

// isDenied reports whether the device declared or reported permission kind
// as refused. Callers hold b.mu.
func (b *Bridge) isDenied(kind string) bool { return b.denied[kind] }

var _ sensor.LocationSource = (*Bridge)(nil)
