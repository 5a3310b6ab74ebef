package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"

	"github.com/SATYAM-KS/ClockTower/pkg/geo"
	"github.com/SATYAM-KS/ClockTower/pkg/provider/stt"
	"github.com/SATYAM-KS/ClockTower/pkg/sensor"
	"github.com/SATYAM-KS/ClockTower/pkg/types"
)

// ─── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	bridge   *Bridge
	client   *websocket.Conn
	serveErr chan error
}

// connect starts an httptest server hosting one bridge and dials it.
func connect(t *testing.T, h Handler) *harness {
	t.Helper()
	bridges := make(chan *Bridge, 1)
	serveErr := make(chan error, 1)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := Accept(w, r, "dev-1", WithHandler(h), WithLogger(log))
		if err != nil {
			serveErr <- err
			return
		}
		bridges <- b
		serveErr <- b.Serve(context.Background())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })

	select {
	case b := <-bridges:
		return &harness{bridge: b, client: c, serveErr: serveErr}
	case err := <-serveErr:
		t.Fatalf("accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted")
	}
	return nil
}

func (h *harness) write(t *testing.T, v map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, h.client, v); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (h *harness) read(t *testing.T, wantType string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m map[string]any
	if err := wsjson.Read(ctx, h.client, &m); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if m["type"] != wantType {
		t.Fatalf("message type = %v, want %q (%v)", m["type"], wantType, m)
	}
	return m
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestBridge_HelloDeclaresPermissions(t *testing.T) {
	hellos := make(chan Hello, 1)
	h := connect(t, Handler{OnHello: func(m Hello) { hellos <- m }})

	h.write(t, map[string]any{
		"type":        "hello",
		"user_id":     "user-1",
		"permissions": map[string]bool{"motion": false, "microphone": true},
	})
	got := waitFor(t, hellos)
	if got.UserID != "user-1" || h.bridge.Hello().UserID != "user-1" {
		t.Errorf("hello = %+v", got)
	}

	if _, err := h.bridge.Subscribe(context.Background()); !errors.Is(err, sensor.ErrPermissionDenied) {
		t.Errorf("Subscribe = %v, want ErrPermissionDenied", err)
	}
	stream, err := h.bridge.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = stream.Close()
}

func TestBridge_CurrentPosition(t *testing.T) {
	positions := make(chan types.Position, 1)
	h := connect(t, Handler{OnPosition: func(p types.Position) { positions <- p }})

	type result struct {
		pos types.Position
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pos, err := h.bridge.CurrentPosition(ctx)
		done <- result{pos, err}
	}()

	h.read(t, MsgLocate)
	h.write(t, map[string]any{"type": "position", "lat": 52.52, "lng": 13.405, "accuracy": 8, "time_ms": 1_772_366_400_000})

	r := waitFor(t, done)
	if r.err != nil {
		t.Fatalf("CurrentPosition: %v", r.err)
	}
	want := types.Position{Point: geo.Point{Lat: 52.52, Lng: 13.405}, Accuracy: 8, Time: time.UnixMilli(1_772_366_400_000)}
	if diff := cmp.Diff(want, r.pos); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
	if p := waitFor(t, positions); p.Point != want.Point {
		t.Errorf("OnPosition = %+v", p)
	}
}

func TestBridge_CurrentPositionTimeout(t *testing.T) {
	h := connect(t, Handler{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.bridge.CurrentPosition(ctx); !errors.Is(err, sensor.ErrTimeout) {
		t.Errorf("CurrentPosition = %v, want ErrTimeout", err)
	}
}

func TestBridge_PositionDenied(t *testing.T) {
	h := connect(t, Handler{})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := h.bridge.CurrentPosition(ctx)
		done <- err
	}()
	h.read(t, MsgLocate)
	h.write(t, map[string]any{"type": "position", "error": "denied"})

	if err := waitFor(t, done); !errors.Is(err, sensor.ErrPermissionDenied) {
		t.Fatalf("CurrentPosition = %v, want ErrPermissionDenied", err)
	}
	// Sticky: no further locate requests are sent.
	if _, err := h.bridge.CurrentPosition(context.Background()); !errors.Is(err, sensor.ErrPermissionDenied) {
		t.Errorf("second CurrentPosition = %v", err)
	}
}

func TestBridge_Motion(t *testing.T) {
	h := connect(t, Handler{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.bridge.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.read(t, MsgMotionStart)
	h.write(t, map[string]any{"type": "motion", "x": 0.1, "y": 9.8, "z": 0.3, "time_ms": 1000})

	r := waitFor(t, ch)
	if r.X != 0.1 || r.Y != 9.8 || r.Z != 0.3 || !r.Time.Equal(time.UnixMilli(1000)) {
		t.Errorf("reading = %+v", r)
	}

	cancel()
	h.read(t, MsgMotionStop)
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
}

func TestBridge_Audio(t *testing.T) {
	h := connect(t, Handler{})

	stream, err := h.bridge.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.read(t, MsgAudioStart)
	h.write(t, map[string]any{"type": "audio", "bins": []int{300, -1, 10}})

	f := waitFor(t, stream.Frames())
	if diff := cmp.Diff([]uint8{255, 0, 10}, f.Bins); diff != "" {
		t.Errorf("bins mismatch (-want +got):\n%s", diff)
	}

	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	_ = stream.Close()
	h.read(t, MsgAudioStop)
}

func TestBridge_Speech(t *testing.T) {
	h := connect(t, Handler{})

	handle, err := h.bridge.StartStream(context.Background(), stt.StreamConfig{Language: "en-US", Interim: true, Continuous: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	start := h.read(t, MsgSpeechStart)
	stream, _ := start["stream"].(string)
	if stream == "" || start["language"] != "en-US" || start["continuous"] != true {
		t.Fatalf("speech_start = %v", start)
	}

	h.write(t, map[string]any{"type": "speech", "stream": stream, "event": "result", "text": "help", "final": true})
	if got := waitFor(t, handle.Finals()); got.Text != "help" || !got.IsFinal {
		t.Errorf("final = %+v", got)
	}

	h.write(t, map[string]any{"type": "speech", "stream": stream, "event": "end", "code": "network"})
	waitFor(t, handle.Done())
	if stt.CodeOf(handle.Err()) != stt.CodeNetwork {
		t.Errorf("Err = %v, want network", handle.Err())
	}
}

func TestBridge_SpeechNotAllowed(t *testing.T) {
	hellos := make(chan Hello, 1)
	h := connect(t, Handler{OnHello: func(m Hello) { hellos <- m }})
	h.write(t, map[string]any{"type": "hello", "user_id": "u", "permissions": map[string]bool{"speech": false}})
	waitFor(t, hellos)

	_, err := h.bridge.StartStream(context.Background(), stt.StreamConfig{})
	if stt.CodeOf(err) != stt.CodeNotAllowed {
		t.Errorf("StartStream = %v, want not-allowed", err)
	}
}

func TestBridge_SpeechClose(t *testing.T) {
	h := connect(t, Handler{})

	handle, err := h.bridge.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	start := h.read(t, MsgSpeechStart)
	if err := handle.Close(); err != nil {
		t.Fatal(err)
	}
	stop := h.read(t, MsgSpeechStop)
	if stop["stream"] != start["stream"] {
		t.Errorf("speech_stop stream = %v, want %v", stop["stream"], start["stream"])
	}
	if handle.Err() != nil {
		t.Errorf("Err after Close = %v", handle.Err())
	}
}

func TestBridge_BeepAndNotify(t *testing.T) {
	h := connect(t, Handler{})

	h.bridge.StartBeeping(250 * time.Millisecond)
	if m := h.read(t, MsgBeep); m["cadence_ms"] != float64(250) {
		t.Errorf("beep = %v", m)
	}
	h.bridge.StopBeeping()
	h.read(t, MsgBeepStop)

	h.bridge.Notify("warning", "Alert could not be delivered")
	if m := h.read(t, MsgNotice); m["message"] != "Alert could not be delivered" || m["level"] != "warning" {
		t.Errorf("notice = %v", m)
	}
}

func TestBridge_RespondAndSOS(t *testing.T) {
	responses := make(chan bool, 1)
	sos := make(chan string, 1)
	h := connect(t, Handler{
		OnRespond: func(safe bool) { responses <- safe },
		OnSOS:     func(msg string) { sos <- msg },
	})

	h.write(t, map[string]any{"type": "respond", "safe": true})
	if !waitFor(t, responses) {
		t.Error("respond safe=false")
	}
	h.write(t, map[string]any{"type": "sos", "message": "Manual SOS"})
	if got := waitFor(t, sos); got != "Manual SOS" {
		t.Errorf("sos = %q", got)
	}
}

func TestBridge_Disconnect(t *testing.T) {
	h := connect(t, Handler{})

	motion, err := h.bridge.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	handle, err := h.bridge.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}

	_ = h.client.Close(websocket.StatusNormalClosure, "bye")
	if err := waitFor(t, h.serveErr); err != nil {
		t.Errorf("Serve = %v, want nil for a normal close", err)
	}

	waitFor(t, h.bridge.Done())
	if _, ok := <-motion; ok {
		t.Error("motion channel still open")
	}
	waitFor(t, handle.Done())
	if stt.CodeOf(handle.Err()) != stt.CodeNetwork {
		t.Errorf("speech Err = %v", handle.Err())
	}
	if _, err := h.bridge.CurrentPosition(context.Background()); !errors.Is(err, sensor.ErrUnavailable) {
		t.Errorf("CurrentPosition after close = %v", err)
	}
	if err := h.bridge.Send(MsgNotice, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v", err)
	}
}

func TestEncode_FlattensPayload(t *testing.T) {
	t.Parallel()
	data, err := encode(MsgZone, ZoneMsg{Event: "entered", ZoneID: "alex", Name: "Alexanderplatz"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"type": "zone", "event": "entered", "zone_id": "alex", "name": "Alexanderplatz", "message": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("encode mismatch (-want +got):\n%s", diff)
	}

	if _, err := encode(MsgNotice, 42); err == nil {
		t.Error("encode accepted a non-object payload")
	}
}
