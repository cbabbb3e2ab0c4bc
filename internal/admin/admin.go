// Package admin serves health, metrics, slot inspection and batch loop
// control over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/keystate/processor"
	"github.com/timzifer/keystate/state"
)

// Backend is the processor surface exposed by the admin server.
type Backend interface {
	Slots() []processor.SlotInfo
	Inspect(slot, key string) (processor.Inspection, error)
	Status() processor.ControlStatus
	Pause()
	Resume()
	Step()
	SetInterval(d time.Duration)
}

// Server is the admin HTTP server.
type Server struct {
	backend  Backend
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
	router   *mux.Router

	server *http.Server
	ln     net.Listener
}

type controlRequest struct {
	Action     string `json:"action"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the router. A nil gatherer serves the default registry.
func NewServer(backend Backend, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		backend:  backend,
		logger:   logger.With().Str("component", "admin").Logger(),
		gatherer: gatherer,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/slots", s.handleSlots).Methods(http.MethodGet)
	api.HandleFunc("/slots/{slot}/keys/{key}", s.handleInspect).Methods(http.MethodGet)
	api.HandleFunc("/control", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/control", s.handleControl).Methods(http.MethodPost)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("admin server started")
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSlots(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Slots())
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.backend.Inspect(vars["slot"], vars["key"])
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, state.ErrUnknownSlot) {
			status = http.StatusNotFound
		}
		s.writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}
	switch req.Action {
	case "run":
		s.backend.Resume()
	case "pause":
		s.backend.Pause()
	case "step":
		s.backend.Step()
	case "speed":
		if req.DurationMS == nil || *req.DurationMS <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "positive duration_ms required"})
			return
		}
		s.backend.SetInterval(time.Duration(*req.DurationMS) * time.Millisecond)
	default:
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown action"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}
