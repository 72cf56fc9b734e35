package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"browserfarm/internal/core"
	"browserfarm/internal/store"

	"github.com/go-chi/chi/v5"
)

const timeLayout = time.RFC3339

type profileResponse struct {
	ID         string  `json:"id"`
	ProviderID *string `json:"provider_id,omitempty"`
	Name       *string `json:"name,omitempty"`
	DeviceType string  `json:"device_type"`
	TargetURL  string  `json:"target_url"`
	ProxyID    *string `json:"proxy_id,omitempty"`
	Status     string  `json:"status"`
	Completed  bool    `json:"completed"`
	LaunchedAt *string `json:"launched_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.ProfileStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.ProfileStatus(status)
		switch st {
		case core.ProfileStatusCreated, core.ProfileStatusLaunching, core.ProfileStatusRunning,
			core.ProfileStatusCompleted, core.ProfileStatusError, core.ProfileStatusStopped:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown profile status")
			return
		}
	}
	profiles, err := s.store.ListProfiles(r.Context(), statusFilter)
	if err != nil {
		s.logger.Error("list profiles", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list profiles")
		return
	}
	res := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		res = append(res, profileToResponse(p))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	profile, err := s.store.GetProfile(r.Context(), profileID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "profile not found")
		} else {
			s.logger.Error("get profile", "profile_id", profileID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load profile")
		}
		return
	}
	writeJSON(w, http.StatusOK, profileToResponse(profile))
}

// handleDeleteProfile removes a profile row. Rows in an active status belong
// to the orchestrator; stop it first.
func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	profile, err := s.store.GetProfile(r.Context(), profileID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "profile not found")
		} else {
			s.logger.Error("get profile for delete", "profile_id", profileID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load profile")
		}
		return
	}
	switch profile.Status {
	case core.ProfileStatusLaunching, core.ProfileStatusRunning:
		writeError(w, http.StatusConflict, "conflict", "profile is active; stop the orchestrator first")
		return
	}
	if err := s.store.DeleteProfile(r.Context(), profileID); err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "profile not found")
		} else {
			s.logger.Error("delete profile", "profile_id", profileID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete profile")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func profileToResponse(p *core.Profile) profileResponse {
	var launched *string
	if p.LaunchedAt != nil {
		formatted := p.LaunchedAt.UTC().Format(timeLayout)
		launched = &formatted
	}
	return profileResponse{
		ID:         p.ID,
		ProviderID: p.ProviderID,
		Name:       p.Name,
		DeviceType: string(p.DeviceType),
		TargetURL:  p.TargetURL,
		ProxyID:    p.ProxyID,
		Status:     string(p.Status),
		Completed:  p.Completed,
		LaunchedAt: launched,
		CreatedAt:  p.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:  p.UpdatedAt.UTC().Format(timeLayout),
	}
}
