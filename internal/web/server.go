// Package web serves the RedZone HTTP API.
//
// Routes:
//
//	GET    /v1/devices/{id}/ws                 device WebSocket
//	GET    /v1/devices/{id}/status             monitoring status
//	POST   /v1/devices/{id}/respond            answer a safety check
//	POST   /v1/devices/{id}/speech/reenable    re-enable keyword recognition
//	POST   /v1/devices/{id}/speech/listening   set or toggle listening
//	POST   /v1/devices/{id}/transcript/clear   clear the transcript
//	POST   /v1/devices/{id}/reset              reset the sample buffer
//	POST   /v1/devices/{id}/sos                manual SOS
//	GET    /v1/devices                         connected devices (admin)
//	GET    /v1/alerts                          all alerts (admin)
//	PATCH  /v1/alerts/{alertID}                update an alert (admin)
//	GET    /v1/users/{userID}/alerts           a user's own alerts
//	POST   /v1/admins/{userID}/invalidate      drop a cached admin flag (admin)
//	DELETE /v1/admins/cache                    drop every cached admin flag (admin)
//	GET    /healthz, /readyz, /metrics
//
// The caller's identity is taken from the X-User-ID header, which an
// upstream proxy is trusted to set.
package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SATYAM-KS/ClockTower/internal/access"
	"github.com/SATYAM-KS/ClockTower/internal/alert"
	"github.com/SATYAM-KS/ClockTower/internal/app"
	"github.com/SATYAM-KS/ClockTower/internal/health"
	"github.com/SATYAM-KS/ClockTower/internal/monitor"
	"github.com/SATYAM-KS/ClockTower/internal/observe"
	"github.com/SATYAM-KS/ClockTower/internal/safetycheck"
	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
)

// UserHeader carries the caller's user id.
const UserHeader = observe.UserHeader

// maxBody bounds JSON request bodies.
const maxBody = 64 << 10

// Config holds the dependencies of a [Server].
type Config struct {
	Manager *app.SessionManager
	Admins  *access.AdminCache

	// Store backs the alert endpoints. When nil they answer 503.
	Store alert.Store

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	Metrics *observe.Metrics
	Clock   timeutil.Clock
	Logger  *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	manager *app.SessionManager
	admins  *access.AdminCache
	store   alert.Store
	health  *health.Handler
	promh   http.Handler
	metrics *observe.Metrics
	clock   timeutil.Clock
	log     *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		manager: cfg.Manager,
		admins:  cfg.Admins,
		store:   cfg.Store,
		health:  cfg.Health,
		promh:   cfg.MetricsHandler,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		log:     cfg.Logger,
	}
	if s.promh == nil {
		s.promh = promhttp.Handler()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.clock == nil {
		s.clock = timeutil.Real{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Handler returns the routed API wrapped in the tracing and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/devices/{id}/ws", s.handleWS)
	mux.HandleFunc("GET /v1/devices/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /v1/devices/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /v1/devices/{id}/speech/reenable", s.handleReEnableSpeech)
	mux.HandleFunc("POST /v1/devices/{id}/speech/listening", s.handleListening)
	mux.HandleFunc("POST /v1/devices/{id}/transcript/clear", s.handleClearTranscript)
	mux.HandleFunc("POST /v1/devices/{id}/reset", s.handleReset)
	mux.HandleFunc("POST /v1/devices/{id}/sos", s.handleSOS)
	mux.HandleFunc("GET /v1/devices", s.handleListDevices)

	mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	mux.HandleFunc("PATCH /v1/alerts/{alertID}", s.handleUpdateAlert)
	mux.HandleFunc("GET /v1/users/{userID}/alerts", s.handleUserAlerts)
	mux.HandleFunc("POST /v1/admins/{userID}/invalidate", s.handleInvalidateAdmin)
	mux.HandleFunc("DELETE /v1/admins/cache", s.handlePurgeAdmins)

	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", s.promh)

	return observe.Middleware(s.metrics)(mux)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps err onto an HTTP status and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("web: request failed", "route", r.Pattern, "err", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrNotMonitoring),
		errors.Is(err, safetycheck.ErrNoCheckPending),
		errors.Is(err, monitor.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, access.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, alert.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decode reads an optional JSON body into v. It reports false after writing
// a 400 when the body is malformed; an empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// caller returns the X-User-ID of the request, writing a 401 when absent.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, UserHeader+" header is required")
		return "", false
	}
	return id, true
}

// requireAdmin writes a 401 or 403 unless the caller is an active admin.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	id, ok := caller(w, r)
	if !ok {
		return false
	}
	if err := s.admins.Require(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return false
	}
	return true
}

// alertStore writes a 503 when no alert database is configured.
func (s *Server) alertStore(w http.ResponseWriter) (alert.Store, bool) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "alert database not configured")
		return nil, false
	}
	return s.store, true
}
