package web

import (
	"net/http"
	"strconv"

	"github.com/SATYAM-KS/ClockTower/internal/alert"
	"github.com/SATYAM-KS/ClockTower/internal/observe"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// listFilter parses ?status= and ?limit=.
func listFilter(w http.ResponseWriter, r *http.Request) (alert.Filter, bool) {
	q := r.URL.Query()
	f := alert.Filter{Status: alert.Status(q.Get("status")), Limit: defaultListLimit}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be pending, acknowledged or resolved")
		return f, false
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return f, false
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, true
}

// handleListAlerts handles GET /v1/alerts.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	store, ok := s.alertStore(w)
	if !ok {
		return
	}
	f, ok := listFilter(w, r)
	if !ok {
		return
	}
	f.UserID = r.URL.Query().Get("user_id")

	alerts, err := store.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type updateAlertRequest struct {
	Status alert.Status `json:"status"`
	Notes  string       `json:"admin_notes"`
}

// handleUpdateAlert handles PATCH /v1/alerts/{alertID}.
func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	store, ok := s.alertStore(w)
	if !ok {
		return
	}
	var req updateAlertRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be pending, acknowledged or resolved")
		return
	}

	id := r.PathValue("alertID")
	if err := store.UpdateStatus(r.Context(), id, req.Status, req.Notes); err != nil {
		s.fail(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("web: alert updated", "alert_id", id, "status", req.Status, "by", r.Header.Get(UserHeader))
	w.WriteHeader(http.StatusNoContent)
}

// handleUserAlerts handles GET /v1/users/{userID}/alerts. Users may read
// their own alerts; admins may read anyone's.
func (s *Server) handleUserAlerts(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("userID")
	if who != userID && !s.requireAdmin(w, r) {
		return
	}
	store, ok := s.alertStore(w)
	if !ok {
		return
	}
	f, ok := listFilter(w, r)
	if !ok {
		return
	}
	f.UserID = userID

	alerts, err := store.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleInvalidateAdmin handles POST /v1/admins/{userID}/invalidate.
func (s *Server) handleInvalidateAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	userID := r.PathValue("userID")
	s.admins.Invalidate(userID)
	observe.Logger(r.Context()).Info("web: admin cache entry invalidated", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePurgeAdmins handles DELETE /v1/admins/cache, used after bulk role
// changes.
func (s *Server) handlePurgeAdmins(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	s.admins.Purge()
	observe.Logger(r.Context()).Info("web: admin cache purged")
	w.WriteHeader(http.StatusNoContent)
}
