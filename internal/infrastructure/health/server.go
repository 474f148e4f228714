// Package health serves a read-only JSON status endpoint for operators
// and uptime probes
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// CycleStatus summarizes the most recent trading cycle
type CycleStatus struct {
	Status          string  `json:"status"`
	Proposals       int     `json:"proposals"`
	Approved        int     `json:"approved"`
	Executed        int     `json:"executed"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// PortfolioStatus is the account snapshot exposed to probes
type PortfolioStatus struct {
	OpenPositions   int             `json:"open_positions"`
	PendingBuckets  int             `json:"pending_buckets"`
	AccountValueUSD decimal.Decimal `json:"account_value_usd"`
}

// LatencySummary is the per-endpoint API latency rollup
type LatencySummary struct {
	Count   int64   `json:"count"`
	AvgSecs float64 `json:"avg_secs"`
	MaxSecs float64 `json:"max_secs"`
}

// Status is the full health payload. ok=false turns the endpoint 503 so
// orchestrators restart or alert on an unhealthy bot.
type Status struct {
	Timestamp          time.Time                    `json:"timestamp"`
	Mode               core.Mode                    `json:"mode"`
	Regime             string                       `json:"regime,omitempty"`
	ReadOnly           bool                         `json:"read_only"`
	Running            bool                         `json:"running"`
	Cycle              CycleStatus                  `json:"cycle"`
	StageDurations     map[string]float64           `json:"stage_durations,omitempty"`
	RateUsage          map[string]float64           `json:"rate_usage,omitempty"`
	ExchangeRateLimits map[string]float64           `json:"exchange_rate_limits,omitempty"`
	APILatency         map[string]LatencySummary    `json:"api_latency,omitempty"`
	LastAPIEvent       string                       `json:"last_api_event,omitempty"`
	MetricsEnabled     bool                         `json:"metrics_enabled"`
	AlertsEnabled      bool                         `json:"alerts_enabled"`
	KillSwitchActive   bool                         `json:"kill_switch_active"`
	Portfolio          PortfolioStatus              `json:"portfolio"`
	Circuit            map[core.CircuitName]bool    `json:"circuit"`
	Issues             []string                     `json:"issues"`
	OK                 bool                         `json:"ok"`
}

// Provider returns the current status snapshot. Implementations must be
// safe to call from the server goroutine while the cycle runs.
type Provider func() Status

// Server is the HTTP health endpoint
type Server struct {
	server   *http.Server
	provider Provider
	logger   core.ILogger
}

// NewServer creates a health server on the given port
func NewServer(port int, provider Provider, logger core.ILogger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.WithField("component", "health_server"),
	}

	mux := http.NewServeMux()
	handler := http.HandlerFunc(s.handle)
	mux.Handle("/", handler)
	mux.Handle("/health", handler)
	mux.Handle("/healthz", handler)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.provider()
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	if status.Issues == nil {
		status.Issues = []string{}
	}

	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// Start serves in a background goroutine until Stop
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", "error", err)
		}
	}()
	s.logger.Info("Health server listening", "addr", s.server.Addr)
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
