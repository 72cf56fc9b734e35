package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"browserfarm/internal/core"
	"browserfarm/internal/store"

	"github.com/go-chi/chi/v5"
)

type createProxyRequest struct {
	Address  string  `json:"address"`
	Port     int     `json:"port"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	Protocol string  `json:"protocol"`
	Active   *bool   `json:"active"`
}

type updateProxyRequest struct {
	Address  *string `json:"address"`
	Port     *int    `json:"port"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	Protocol *string `json:"protocol"`
	Active   *bool   `json:"active"`
}

type proxyResponse struct {
	ID              string  `json:"id"`
	Address         string  `json:"address"`
	Port            int     `json:"port"`
	Username        *string `json:"username,omitempty"`
	Protocol        string  `json:"protocol"`
	Active          bool    `json:"active"`
	AssignedProfile *string `json:"assigned_profile,omitempty"`
	LastUsedAt      *string `json:"last_used_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req createProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "address is required")
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "invalid_input", "port must be between 1 and 65535")
		return
	}
	protocol := strings.ToLower(strings.TrimSpace(req.Protocol))
	if protocol == "" {
		protocol = "http"
	}
	switch protocol {
	case "http", "https", "socks5":
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "protocol must be http, https or socks5")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	proxy := &core.Proxy{
		ID:       core.NewID(),
		Address:  req.Address,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		Protocol: protocol,
		Active:   active,
	}
	if err := s.store.InsertProxy(r.Context(), proxy); err != nil {
		s.logger.Error("insert proxy", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert proxy")
		return
	}
	writeJSON(w, http.StatusCreated, proxyToResponse(proxy))
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.store.ListProxies(r.Context())
	if err != nil {
		s.logger.Error("list proxies", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list proxies")
		return
	}
	res := make([]proxyResponse, 0, len(proxies))
	for _, p := range proxies {
		res = append(res, proxyToResponse(p))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "proxyID")
	proxy, err := s.store.GetProxy(r.Context(), proxyID)
	if err != nil {
		if errors.Is(err, store.ErrProxyNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "proxy not found")
		} else {
			s.logger.Error("get proxy", "proxy_id", proxyID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load proxy")
		}
		return
	}
	writeJSON(w, http.StatusOK, proxyToResponse(proxy))
}

func (s *Server) handleUpdateProxy(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "proxyID")
	proxy, err := s.store.GetProxy(r.Context(), proxyID)
	if err != nil {
		if errors.Is(err, store.ErrProxyNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "proxy not found")
		} else {
			s.logger.Error("get proxy for update", "proxy_id", proxyID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load proxy")
		}
		return
	}

	var req updateProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Address != nil {
		addr := strings.TrimSpace(*req.Address)
		if addr == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "address cannot be empty")
			return
		}
		proxy.Address = addr
	}
	if req.Port != nil {
		if *req.Port < 1 || *req.Port > 65535 {
			writeError(w, http.StatusBadRequest, "invalid_input", "port must be between 1 and 65535")
			return
		}
		proxy.Port = *req.Port
	}
	if req.Username != nil {
		if *req.Username == "" {
			proxy.Username = nil
		} else {
			proxy.Username = req.Username
		}
	}
	if req.Password != nil {
		if *req.Password == "" {
			proxy.Password = nil
		} else {
			proxy.Password = req.Password
		}
	}
	if req.Protocol != nil {
		protocol := strings.ToLower(strings.TrimSpace(*req.Protocol))
		switch protocol {
		case "http", "https", "socks5":
			proxy.Protocol = protocol
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "protocol must be http, https or socks5")
			return
		}
	}
	if req.Active != nil {
		proxy.Active = *req.Active
	}

	if err := s.store.UpdateProxy(r.Context(), proxy); err != nil {
		if errors.Is(err, store.ErrProxyNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "proxy not found")
			return
		}
		s.logger.Error("update proxy", "proxy_id", proxyID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update proxy")
		return
	}
	writeJSON(w, http.StatusOK, proxyToResponse(proxy))
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "proxyID")
	if err := s.store.DeleteProxy(r.Context(), proxyID); err != nil {
		switch {
		case errors.Is(err, store.ErrProxyNotFound):
			writeError(w, http.StatusNotFound, "not_found", "proxy not found")
		case errors.Is(err, store.ErrProxyAssigned):
			writeError(w, http.StatusConflict, "conflict", "proxy is assigned to a profile")
		default:
			s.logger.Error("delete proxy", "proxy_id", proxyID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete proxy")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func proxyToResponse(p *core.Proxy) proxyResponse {
	var lastUsed *string
	if p.LastUsedAt != nil {
		formatted := p.LastUsedAt.UTC().Format(timeLayout)
		lastUsed = &formatted
	}
	return proxyResponse{
		ID:              p.ID,
		Address:         p.Address,
		Port:            p.Port,
		Username:        p.Username,
		Protocol:        p.Protocol,
		Active:          p.Active,
		AssignedProfile: p.AssignedProfile,
		LastUsedAt:      lastUsed,
		CreatedAt:       p.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       p.UpdatedAt.UTC().Format(timeLayout),
	}
}
