// Package monitor exposes the optional HTTP surface for a running crawl:
// liveness, a progress snapshot, and Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/metrics"
	"github.com/maktaba/shamela-crawler/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler's counters. It is entirely
// read-only; the crawl runs regardless of whether anyone is watching.
type Server struct {
	router   chi.Router
	counters *scheduler.Counters
	logger   *zap.Logger
	httpSrv  *http.Server
}

func NewServer(addr string, counters *scheduler.Counters, logger *zap.Logger) *Server {
	s := &Server{
		counters: counters,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/progress", s.progress)
	r.Handle("/metrics", metrics.Handler())
	s.router = r
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error. It returns nil on
// graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("monitor listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.counters.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("monitor response write failed", zap.Error(err))
	}
}
