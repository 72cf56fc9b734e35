package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"browserfarm/internal/core"
	"browserfarm/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer   *http.Server
	router       *chi.Mux
	store        *store.Store
	orchestrator *core.Orchestrator
	defaults     core.Settings
	logger       *slog.Logger
	authToken    string
}

// NewServer constructs the admin HTTP API server.
func NewServer(addr string, authToken string, store *store.Store, orchestrator *core.Orchestrator, defaults core.Settings, logger *slog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:       router,
		store:        store,
		orchestrator: orchestrator,
		defaults:     defaults,
		logger:       logger,
		authToken:    authToken,
	}
	s.registerRoutes()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer = httpServer
	return s, nil
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/orchestrator", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/emergency-stop", s.handleEmergencyStop)
			r.Patch("/settings", s.handleUpdateSettings)
			r.Get("/stats", s.handleStats)
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.handleListProfiles)
			r.Route("/{profileID}", func(r chi.Router) {
				r.Get("/", s.handleGetProfile)
				r.Delete("/", s.handleDeleteProfile)
			})
		})

		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.handleListProxies)
			r.Post("/", s.handleCreateProxy)
			r.Route("/{proxyID}", func(r chi.Router) {
				r.Get("/", s.handleGetProxy)
				r.Patch("/", s.handleUpdateProxy)
				r.Delete("/", s.handleDeleteProxy)
			})
		})

		r.Get("/events", s.handleListEvents)
	})
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
