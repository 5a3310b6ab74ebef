package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/SATYAM-KS/ClockTower/internal/access"
	"github.com/SATYAM-KS/ClockTower/internal/alert"
	alertmock "github.com/SATYAM-KS/ClockTower/internal/alert/mock"
	"github.com/SATYAM-KS/ClockTower/internal/app"
	"github.com/SATYAM-KS/ClockTower/internal/health"
	"github.com/SATYAM-KS/ClockTower/internal/monitor"
	"github.com/SATYAM-KS/ClockTower/internal/safetycheck"
	"github.com/SATYAM-KS/ClockTower/internal/zone"
	"github.com/SATYAM-KS/ClockTower/pkg/geo"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

var alexZone = zone.Zone{ID: "alex", Name: "Alexanderplatz", Center: geo.Point{Lat: 52.5219, Lng: 13.4132}, Radius: 500}

// adminSet is an access.Lookup the tests can change between requests.
type adminSet struct {
	mu sync.Mutex
	m  map[string]bool
}

func (a *adminSet) IsActiveAdmin(_ context.Context, userID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m[userID], nil
}

func (a *adminSet) set(userID string, admin bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[userID] = admin
}

type testEnv struct {
	ts      *httptest.Server
	manager *app.SessionManager
	store   *alertmock.Store
	admins  *adminSet
}

func newEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()
	store := &alertmock.Store{}
	admins := &adminSet{m: map[string]bool{"admin-1": true}}
	disp, err := alert.NewDispatcher(store, alert.WithLogger(quietLog))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	mgr := app.NewSessionManager(app.SessionManagerConfig{
		Zones:  zone.NewSet([]zone.Zone{alexZone}),
		Sender: disp,
		Logger: quietLog,
	})
	cfg := Config{
		Manager: mgr,
		Admins:  access.NewAdminCache(admins),
		Health:  health.New(),
		Logger:  quietLog,
	}
	if withStore {
		cfg.Store = store
	}
	ts := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(func() {
		mgr.CloseAll()
		ts.Close()
	})
	return &testEnv{ts: ts, manager: mgr, store: store, admins: admins}
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d (body %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) dial(t *testing.T, id string) (*websocket.Conn, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/devices/" + id + "/ws"
	c, _, err := websocket.Dial(ctx, url, nil)
	return c, err
}

func send(t *testing.T, c *websocket.Conn, v map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c, v); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

// seed stores alerts directly in the mock.
func (e *testEnv) seed(t *testing.T, alerts ...alert.Alert) {
	t.Helper()
	for _, a := range alerts {
		if _, err := e.store.Send(context.Background(), a); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

// ── devices ──────────────────────────────────────────────────────────────────

func TestDevice_NotConnected(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/v1/devices/ghost/status"},
		{"POST", "/v1/devices/ghost/respond"},
		{"POST", "/v1/devices/ghost/reset"},
		{"POST", "/v1/devices/ghost/sos"},
	} {
		resp := e.do(t, tc.method, tc.path, "", "")
		expectStatus(t, resp, http.StatusNotFound)
	}
}

func TestDevice_WebSocketSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)

	c, err := e.dial(t, "dev-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	send(t, c, map[string]any{"type": "hello", "user_id": "user-1", "email": "u1@example.com"})
	send(t, c, map[string]any{"type": "position", "lat": 52.5219, "lng": 13.4132, "accuracy": 5})
	waitFor(t, "monitoring", func() bool {
		ctl, ok := e.manager.Get("dev-1")
		return ok && ctl.Status().Monitoring
	})

	// Status.
	resp := e.do(t, "GET", "/v1/devices/dev-1/status", "", "")
	expectStatus(t, resp, http.StatusOK)
	st := decodeBody[struct {
		Monitoring bool `json:"monitoring"`
		User       struct {
			UserID string `json:"user_id"`
		} `json:"user"`
		Zone *struct {
			ID string `json:"id"`
		} `json:"zone"`
	}](t, resp)
	if !st.Monitoring || st.Zone == nil || st.Zone.ID != "alex" || st.User.UserID != "user-1" {
		t.Errorf("status = %+v", st)
	}

	// A second connection for the same device is refused.
	if c2, err := e.dial(t, "dev-1"); err == nil {
		c2.CloseNow()
		t.Error("second connection accepted")
	}

	// Nothing to confirm yet.
	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-1/respond", "", `{"safe":true}`), http.StatusConflict)
	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-1/respond", "", `{}`), http.StatusBadRequest)
	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-1/respond", "", `{"safe":"yes"}`), http.StatusBadRequest)

	// Asking for help escalates at once.
	resp = e.do(t, "POST", "/v1/devices/dev-1/respond", "", `{"safe":false}`)
	expectStatus(t, resp, http.StatusOK)
	if sc := decodeBody[safetycheck.Status](t, resp); sc.Escalations != 1 {
		t.Errorf("escalations = %d, want 1", sc.Escalations)
	}
	if got := e.store.Alerts(); len(got) != 1 || got[0].Type != alert.TypeManualSOS || got[0].UserID != "user-1" {
		t.Errorf("alerts = %+v", got)
	}

	// Manual SOS.
	resp = e.do(t, "POST", "/v1/devices/dev-1/sos", "", `{"message":"I fell"}`)
	expectStatus(t, resp, http.StatusCreated)
	if id := decodeBody[sosResponse](t, resp).ID; id == "" {
		t.Error("empty alert id")
	}

	// Listening, transcript and reset.
	resp = e.do(t, "POST", "/v1/devices/dev-1/speech/listening", "", `{"enabled":false}`)
	expectStatus(t, resp, http.StatusOK)
	if decodeBody[listeningResponse](t, resp).Listening {
		t.Error("listening after disable")
	}
	resp = e.do(t, "POST", "/v1/devices/dev-1/speech/listening", "", "")
	expectStatus(t, resp, http.StatusOK)
	if !decodeBody[listeningResponse](t, resp).Listening {
		t.Error("toggle did not enable listening")
	}
	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-1/transcript/clear", "", ""), http.StatusNoContent)
	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-1/reset", "", ""), http.StatusNoContent)

	// Admins see the connected device.
	resp = e.do(t, "GET", "/v1/devices", "admin-1", "")
	expectStatus(t, resp, http.StatusOK)
	if devs := decodeBody[[]app.DeviceInfo](t, resp); len(devs) != 1 || devs[0].ZoneID != "alex" {
		t.Errorf("devices = %+v", devs)
	}

	// Disconnecting detaches the device.
	c.CloseNow()
	waitFor(t, "detach", func() bool { return e.manager.Len() == 0 })
	expectStatus(t, e.do(t, "GET", "/v1/devices/dev-1/status", "", ""), http.StatusNotFound)
}

func TestDevice_OperationsOutsideZone(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)

	c, err := e.dial(t, "dev-2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()
	waitFor(t, "attach", func() bool { return e.manager.Len() == 1 })

	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-2/reset", "", ""), http.StatusConflict)
	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-2/respond", "", `{"safe":true}`), http.StatusConflict)
	// SOS works everywhere.
	expectStatus(t, e.do(t, "POST", "/v1/devices/dev-2/sos", "", ""), http.StatusCreated)
	if got := e.store.Alerts(); len(got) != 1 || got[0].Message != "Manual SOS triggered by user" {
		t.Errorf("alerts = %+v", got)
	}
}

// ── alerts ───────────────────────────────────────────────────────────────────

func TestAlerts_AdminOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)

	expectStatus(t, e.do(t, "GET", "/v1/alerts", "", ""), http.StatusUnauthorized)
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-1", ""), http.StatusForbidden)
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "admin-1", ""), http.StatusOK)
	expectStatus(t, e.do(t, "GET", "/v1/devices", "user-1", ""), http.StatusForbidden)
}

func TestAlerts_List(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)
	e.seed(t,
		alert.Alert{ID: "a1", UserID: "user-1", Status: alert.StatusPending},
		alert.Alert{ID: "a2", UserID: "user-2", Status: alert.StatusResolved},
		alert.Alert{ID: "a3", UserID: "user-1", Status: alert.StatusResolved},
	)

	tests := []struct {
		query   string
		status  int
		wantIDs []string
	}{
		{"", http.StatusOK, []string{"a3", "a2", "a1"}},
		{"?status=resolved", http.StatusOK, []string{"a3", "a2"}},
		{"?user_id=user-1", http.StatusOK, []string{"a3", "a1"}},
		{"?limit=1", http.StatusOK, []string{"a3"}},
		{"?status=lost", http.StatusBadRequest, nil},
		{"?limit=zero", http.StatusBadRequest, nil},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			resp := e.do(t, "GET", "/v1/alerts"+tc.query, "admin-1", "")
			expectStatus(t, resp, tc.status)
			if tc.status != http.StatusOK {
				return
			}
			var ids []string
			for _, a := range decodeBody[[]alert.Alert](t, resp) {
				ids = append(ids, a.ID)
			}
			if fmt.Sprint(ids) != fmt.Sprint(tc.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tc.wantIDs)
			}
		})
	}
}

func TestAlerts_Update(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)
	e.seed(t, alert.Alert{ID: "a1", UserID: "user-1", Status: alert.StatusPending})

	expectStatus(t, e.do(t, "PATCH", "/v1/alerts/a1", "user-1", `{"status":"resolved"}`), http.StatusForbidden)
	expectStatus(t, e.do(t, "PATCH", "/v1/alerts/a1", "admin-1", `{"status":"done"}`), http.StatusBadRequest)
	expectStatus(t, e.do(t, "PATCH", "/v1/alerts/nope", "admin-1", `{"status":"resolved"}`), http.StatusNotFound)
	expectStatus(t, e.do(t, "PATCH", "/v1/alerts/a1", "admin-1",
		`{"status":"resolved","admin_notes":"called the user"}`), http.StatusNoContent)

	a := e.store.Alerts()[0]
	if a.Status != alert.StatusResolved || a.ResolvedAt == nil || a.AdminNotes != "called the user" {
		t.Errorf("alert = %+v", a)
	}
}

func TestAlerts_UserAlerts(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)
	e.seed(t,
		alert.Alert{ID: "a1", UserID: "user-1", Status: alert.StatusPending},
		alert.Alert{ID: "a2", UserID: "user-2", Status: alert.StatusPending},
	)

	resp := e.do(t, "GET", "/v1/users/user-1/alerts", "user-1", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[[]alert.Alert](t, resp); len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("own alerts = %+v", got)
	}

	expectStatus(t, e.do(t, "GET", "/v1/users/user-2/alerts", "user-1", ""), http.StatusForbidden)
	expectStatus(t, e.do(t, "GET", "/v1/users/user-2/alerts", "", ""), http.StatusUnauthorized)

	resp = e.do(t, "GET", "/v1/users/user-2/alerts", "admin-1", "")
	expectStatus(t, resp, http.StatusOK)
	if got := decodeBody[[]alert.Alert](t, resp); len(got) != 1 || got[0].ID != "a2" {
		t.Errorf("admin view = %+v", got)
	}
}

func TestAlerts_NoDatabase(t *testing.T) {
	t.Parallel()
	e := newEnv(t, false)

	expectStatus(t, e.do(t, "GET", "/v1/alerts", "admin-1", ""), http.StatusServiceUnavailable)
	expectStatus(t, e.do(t, "GET", "/v1/users/user-1/alerts", "user-1", ""), http.StatusServiceUnavailable)
}

func TestAdmins_Invalidate(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)

	// user-2 is cached as a non-admin.
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-2", ""), http.StatusForbidden)
	e.admins.set("user-2", true)
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-2", ""), http.StatusForbidden)

	expectStatus(t, e.do(t, "POST", "/v1/admins/user-2/invalidate", "user-2", ""), http.StatusForbidden)
	expectStatus(t, e.do(t, "POST", "/v1/admins/user-2/invalidate", "admin-1", ""), http.StatusNoContent)
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-2", ""), http.StatusOK)
}

func TestAdmins_Purge(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)

	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-2", ""), http.StatusForbidden)
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-3", ""), http.StatusForbidden)
	e.admins.set("user-2", true)
	e.admins.set("user-3", true)

	expectStatus(t, e.do(t, "DELETE", "/v1/admins/cache", "user-2", ""), http.StatusForbidden)
	expectStatus(t, e.do(t, "DELETE", "/v1/admins/cache", "admin-1", ""), http.StatusNoContent)
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-2", ""), http.StatusOK)
	expectStatus(t, e.do(t, "GET", "/v1/alerts", "user-3", ""), http.StatusOK)
}

// ── operational endpoints ────────────────────────────────────────────────────

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t, true)

	expectStatus(t, e.do(t, "GET", "/healthz", "", ""), http.StatusOK)
	expectStatus(t, e.do(t, "GET", "/readyz", "", ""), http.StatusOK)
	expectStatus(t, e.do(t, "GET", "/metrics", "", ""), http.StatusOK)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{app.ErrNotMonitoring, http.StatusConflict},
		{fmt.Errorf("wrap: %w", safetycheck.ErrNoCheckPending), http.StatusConflict},
		{monitor.ErrSessionClosed, http.StatusConflict},
		{access.ErrNotAdmin, http.StatusForbidden},
		{alert.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
