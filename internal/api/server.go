// Package api exposes a read-only status surface: health, the signal
// ledger, and the reconstructed open structures.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/dmilligan/autospread/internal/models"
)

// SignalSource is the lifecycle manager surface the API reads.
type SignalSource interface {
	Signals() []models.Signal
	Get(id string) (models.Signal, bool)
}

// SpreadSource supplies the reconstructed open structures.
type SpreadSource func(ctx context.Context) ([]models.Spread, error)

// Server serves the status endpoints.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	signals SignalSource
	spreads SpreadSource
	logger  *logrus.Logger
	addr    string
}

// NewServer builds the status server.
func NewServer(addr string, signals SignalSource, spreads SpreadSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:  chi.NewRouter(),
		signals: signals,
		spreads: spreads,
		logger:  logger,
		addr:    addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/signals", s.handleSignals)
	s.router.Get("/api/signals/{id}", s.handleSignal)
	s.router.Get("/api/spreads", s.handleSpreads)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("status API listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleSignals(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.signals.Signals())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sig, ok := s.signals.Get(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, sig)
}

func (s *Server) handleSpreads(w http.ResponseWriter, r *http.Request) {
	if s.spreads == nil {
		s.writeJSON(w, []models.Spread{})
		return
	}
	spreads, err := s.spreads(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("spread fetch failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if spreads == nil {
		spreads = []models.Spread{}
	}
	s.writeJSON(w, spreads)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
