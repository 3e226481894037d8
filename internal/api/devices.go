package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/aromalink-core/internal/cloud"
	"github.com/nerrad567/aromalink-core/internal/device"
)

// commandTimeout bounds one command round trip to the cloud.
const commandTimeout = 15 * time.Second

// handleListDevices returns all devices in directory order.
//
// Query parameters:
//   - status: filter by connection status (connected, reconnecting, unavailable)
//   - power: filter by power ("on" or "off")
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	power := r.URL.Query().Get("power")
	if power != "" && power != "on" && power != "off" {
		writeBadRequest(w, "power must be on or off")
		return
	}

	devices := make([]device.State, 0)
	for _, st := range s.core.Devices() {
		if status != "" && string(st.ConnectionStatus) != status {
			continue
		}
		if power != "" && st.Power != (power == "on") {
			continue
		}
		devices = append(devices, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one device's reconciled state.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.core.GetState(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSendCommand decodes a command, sends it through the core and
// returns the cloud's acknowledgement.
//
// The response is 202 Accepted: the device's new state arrives later as a
// push update, visible on GET /devices/{id} and the WebSocket stream.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.core.GetState(id); !ok {
		writeNotFound(w, "device not found")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body: "+err.Error())
		return
	}
	req, err := cloud.DecodeCommandRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	cmd, err := req.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	ack, err := s.core.SendCommand(ctx, id, cmd)
	if err != nil {
		s.logger.Warn("command failed",
			"device_id", id,
			"command", req.Name,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":  req.ID,
		"ack": ack,
	})
}
