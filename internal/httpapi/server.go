// Package httpapi exposes the agent's HTTP command surface (spec.md §6):
// status, command listing/lookup, and command submission, plus a
// /metrics endpoint when agentmetrics is enabled.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rackerlabs/ironic-python-agent/internal/commandregistry"
	"github.com/rs/zerolog"
)

// Server wires the command registry to the chi router.
type Server struct {
	router    chi.Router
	registry  *commandregistry.Registry
	startedAt time.Time
	version   string
	log       zerolog.Logger
}

// New builds the HTTP handler. metricsEnabled gates whether /metrics is
// registered (§12 supplemented feature, gated on the lookup response's
// config.metrics).
func New(registry *commandregistry.Registry, version string, metricsEnabled bool, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		registry:  registry,
		startedAt: time.Now(),
		version:   version,
		log:       log,
	}
	s.routes(metricsEnabled)
	return s
}

func (s *Server) routes(metricsEnabled bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/v1/status", s.handleStatus)
	s.router.Get("/v1/commands", s.handleListCommands)
	s.router.Get("/v1/commands/{id}", s.handleGetCommand)
	s.router.Post("/v1/commands", s.handlePostCommand)

	if metricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}
}

// ServeHTTP lets Server be used directly as an http.Handler (e.g. with
// http.Server).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"started_at": s.startedAt,
		"version":    s.version,
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	records := s.registry.List()
	if records == nil {
		records = []*commandregistry.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commands": records})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type postCommandRequest struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

func (s *Server) handlePostCommand(w http.ResponseWriter, r *http.Request) {
	var req postCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.InvalidContent(err.Error()))
		return
	}

	record, err := s.registry.Execute(req.Name, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if restErr, ok := err.(*apierrors.RESTError); ok {
		writeJSON(w, restErr.Code, restErr)
		return
	}
	writeJSON(w, http.StatusInternalServerError, apierrors.CommandExecutionError(err.Error()))
}
