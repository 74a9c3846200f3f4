// Package api serves the operational HTTP surface: health, Prometheus
// metrics, and crawl progress.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/crawler"
)

// StatsProvider is the slice of the checkpoint store the API needs.
type StatsProvider interface {
	Stats(ctx context.Context) (crawler.QueueStats, error)
}

// Server exposes the status endpoints while a crawl runs.
type Server struct {
	stats StatsProvider
	log   *zap.Logger
	http  *http.Server
}

// New builds a Server listening on the given port.
func New(port int, stats StatsProvider, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	s := &Server{stats: stats, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/progress", s.handleProgress)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown is called. It returns nil on clean shutdown.
func (s *Server) Start() error {
	s.log.Info("status server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.log.Error("progress stats failed", zap.Error(err))
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.log.Error("encode progress", zap.Error(err))
	}
}
