package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"browserfarm/internal/core"
)

// startRequest is a partial settings override applied on top of the
// configured defaults.
type startRequest = core.SettingsPatch

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}
	settings := req.Apply(s.defaults)

	if err := s.orchestrator.Start(r.Context(), settings); err != nil {
		switch {
		case errors.Is(err, core.ErrAlreadyRunning):
			writeJSON(w, http.StatusOK, map[string]any{
				"started": false,
				"reason":  "already running",
			})
		case errors.Is(err, core.ErrProviderUnreachable):
			writeError(w, http.StatusServiceUnavailable, "provider_unreachable", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started":  true,
		"settings": settings,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	result := s.orchestrator.Stop(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	result := s.orchestrator.EmergencyStop(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch core.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	settings, err := s.orchestrator.UpdateSettings(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.GetStats())
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	events, err := s.store.ListEvents(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list events", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list events")
		return
	}
	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventToResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventResponse struct {
	ID        string  `json:"id"`
	ProfileID *string `json:"profile_id,omitempty"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	CreatedAt string  `json:"created_at"`
}

func eventToResponse(e *core.Event) eventResponse {
	return eventResponse{
		ID:        e.ID,
		ProfileID: e.ProfileID,
		Level:     string(e.Level),
		Message:   e.Message,
		CreatedAt: e.CreatedAt.UTC().Format(timeLayout),
	}
}
