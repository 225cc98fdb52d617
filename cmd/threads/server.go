package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Swind/go-worker-threads/pool"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type healthResponse struct {
	Status  string `json:"status"`
	Pool    string `json:"pool"`
	Workers int    `json:"workers"`
	Queued  int    `json:"queued"`
	Active  int    `json:"active"`
}

// metricsServer exposes /metrics and /healthz for a running pool.
type metricsServer struct {
	router *chi.Mux
	srv    *http.Server
	logger *zap.Logger
	pool   *pool.Pool
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer, p *pool.Pool, logger *zap.Logger) *metricsServer {
	s := &metricsServer{
		router: chi.NewRouter(),
		logger: logger,
		pool:   p,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *metricsServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	resp := healthResponse{
		Status:  "ok",
		Pool:    stats.Name,
		Workers: stats.Workers,
		Queued:  stats.Queued,
		Active:  stats.Active,
	}
	code := http.StatusOK
	if !stats.Running {
		resp.Status = "terminated"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", zap.Error(err))
	}
}

// Start serves in the background.
func (s *metricsServer) Start() {
	go func() {
		s.logger.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func (s *metricsServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
