package web

import (
	"encoding/json"
	"net/http"
	"time"

	"olarm-bridge/internal/olarm"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connectivity":         s.conn.State().String(),
		"online":               s.sync.Online(),
		"reconnects_last_hour": s.conn.Ledger().Count(time.Now()),
		"device_id":            s.device.ID,
		"version":              s.version,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.sync.Current()
	if snap == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no state received yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.device)
}

type commandRequest struct {
	Action string `json:"action"`
	Num    int    `json:"num"`
}

var knownActions = map[string]bool{
	olarm.ActionAreaArm:      true,
	olarm.ActionAreaStay:     true,
	olarm.ActionAreaSleep:    true,
	olarm.ActionAreaDisarm:   true,
	olarm.ActionZoneBypass:   true,
	olarm.ActionZoneUnbypass: true,
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !knownActions[req.Action] {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action"})
		return
	}

	// Fire-and-forget: routing failures are logged by the router, not
	// reported here.
	s.router.Send(r.Context(), req.Action, req.Num)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
