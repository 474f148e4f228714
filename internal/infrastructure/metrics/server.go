// Package metrics exposes the Prometheus scrape endpoint
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// Server serves /metrics from the default Prometheus registry, which the
// OTel exporter feeds
type Server struct {
	server *http.Server
	logger core.ILogger
}

// NewServer creates a metrics server on the given port
func NewServer(port int, logger core.ILogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start serves in a background goroutine until Stop
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	s.logger.Info("Metrics server listening", "addr", s.server.Addr)
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
