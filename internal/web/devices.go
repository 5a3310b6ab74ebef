package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/SATYAM-KS/ClockTower/internal/app"
	"github.com/SATYAM-KS/ClockTower/internal/device"
	"github.com/SATYAM-KS/ClockTower/internal/observe"
)

// handleWS handles GET /v1/devices/{id}/ws. The request stays open for the
// lifetime of the device connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.manager.Get(id); ok {
		writeError(w, http.StatusConflict, "device "+id+" is already connected")
		return
	}

	b, err := device.Accept(w, r, id, device.WithLogger(s.log), device.WithClock(s.clock))
	if err != nil {
		// Accept has already written the response.
		s.log.Warn("web: websocket upgrade failed", "device", id, "err", err)
		return
	}

	err = s.manager.Serve(r.Context(), id, b, func(ctx context.Context, ctl *app.Controller) error {
		b.SetHandler(ctl.DeviceHandler())
		return b.Serve(ctx)
	})
	switch {
	case errors.Is(err, app.ErrAlreadyConnected):
		_ = b.Close()
		s.log.Warn("web: duplicate device connection rejected", "device", id)
	case err != nil:
		s.log.Warn("web: device connection ended", "device", id, "err", err)
	default:
		s.log.Info("web: device disconnected", "device", id)
	}
}

// controller looks up the device named in the path, writing a 404 when it
// is not connected.
func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*app.Controller, bool) {
	id := r.PathValue("id")
	ctl, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device "+id+" is not connected")
		return nil, false
	}
	return ctl, true
}

// handleStatus handles GET /v1/devices/{id}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctl.Status())
}

type respondRequest struct {
	Safe *bool `json:"safe"`
}

// handleRespond handles POST /v1/devices/{id}/respond.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Safe == nil {
		writeError(w, http.StatusBadRequest, "safe is required")
		return
	}
	if err := ctl.Respond(*req.Safe); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ctl.Status().SafetyCheck)
}

// handleReEnableSpeech handles POST /v1/devices/{id}/speech/reenable.
func (s *Server) handleReEnableSpeech(w http.ResponseWriter, r *http.Request) {
	s.deviceOp(w, r, (*app.Controller).ReEnableSpeech)
}

type listeningRequest struct {
	Enabled *bool `json:"enabled"`
}

type listeningResponse struct {
	Listening bool `json:"listening"`
}

// handleListening handles POST /v1/devices/{id}/speech/listening. Without
// "enabled" in the body the current state is toggled.
func (s *Server) handleListening(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req listeningRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		on  bool
		err error
	)
	if req.Enabled == nil {
		on, err = ctl.ToggleListening()
	} else {
		on = *req.Enabled
		err = ctl.SetListening(on)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listeningResponse{Listening: on})
}

// handleClearTranscript handles POST /v1/devices/{id}/transcript/clear.
func (s *Server) handleClearTranscript(w http.ResponseWriter, r *http.Request) {
	s.deviceOp(w, r, (*app.Controller).ClearTranscript)
}

// handleReset handles POST /v1/devices/{id}/reset.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.deviceOp(w, r, (*app.Controller).Reset)
}

func (s *Server) deviceOp(w http.ResponseWriter, r *http.Request, op func(*app.Controller) error) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := op(ctl); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sosRequest struct {
	Message string `json:"message"`
}

type sosResponse struct {
	ID string `json:"id"`
}

// handleSOS handles POST /v1/devices/{id}/sos.
func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	ctl, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req sosRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := ctl.ManualSOS(r.Context(), req.Message)
	if err != nil {
		observe.Logger(r.Context()).Error("web: manual sos failed", "device", ctl.ID(), "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sosResponse{ID: id})
}

// handleListDevices handles GET /v1/devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.manager.List())
}
