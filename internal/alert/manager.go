// Package alert routes typed severity events to configured sinks
package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/google/uuid"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// Repeated identical alerts within this window are suppressed
const dedupeWindow = 5 * time.Minute

const (
	poolWorkers  = 4
	poolCapacity = 64
)

// ParseSeverity maps a config string to a severity, defaulting to WARNING
func ParseSeverity(s string) core.AlertSeverity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return core.SeverityInfo
	case "WARNING", "WARN":
		return core.SeverityWarning
	case "ERROR":
		return core.SeverityError
	case "CRITICAL":
		return core.SeverityCritical
	default:
		return core.SeverityWarning
	}
}

// Manager fans alerts out to sinks on a bounded worker pool so a slow
// webhook never blocks the trading cycle
type Manager struct {
	sinks       []core.IAlertSink
	minSeverity core.AlertSeverity
	enabled     bool
	logger      core.ILogger
	pool        *pond.WorkerPool
	now         func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewManager creates an alert manager over the given sinks
func NewManager(minSeverity core.AlertSeverity, enabled bool, logger core.ILogger, sinks ...core.IAlertSink) *Manager {
	return &Manager{
		sinks:       sinks,
		minSeverity: minSeverity,
		enabled:     enabled,
		logger:      logger.WithField("component", "alerts"),
		pool:        pond.New(poolWorkers, poolCapacity),
		now:         time.Now,
		lastSent:    make(map[string]time.Time),
	}
}

// SetClock overrides the time source for tests
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Notify dispatches an alert. Below-threshold and recently-duplicated
// events are dropped; delivery happens asynchronously per sink.
func (m *Manager) Notify(severity core.AlertSeverity, alertType, summary, symbol string, detail map[string]interface{}) {
	if !m.enabled || severity < m.minSeverity {
		return
	}

	m.mu.Lock()
	now := m.now()
	key := alertType + "|" + symbol + "|" + summary
	if last, seen := m.lastSent[key]; seen && now.Sub(last) < dedupeWindow {
		m.mu.Unlock()
		return
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	event := core.AlertEvent{
		ID:        uuid.NewString(),
		Severity:  severity,
		Type:      alertType,
		Summary:   summary,
		Symbol:    symbol,
		Detail:    detail,
		Timestamp: now.UTC(),
	}

	for _, sink := range m.sinks {
		sink := sink
		submitted := m.pool.TrySubmit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Send(ctx, event); err != nil {
				m.logger.Warn("Alert delivery failed",
					"sink", sink.Name(),
					"type", event.Type,
					"error", err)
			}
		})
		if !submitted {
			m.logger.Warn("Alert dropped, delivery queue full",
				"sink", sink.Name(), "type", event.Type)
		}
	}
}

// Critical is shorthand for a CRITICAL alert
func (m *Manager) Critical(alertType, summary string, detail map[string]interface{}) {
	m.Notify(core.SeverityCritical, alertType, summary, "", detail)
}

// Warning is shorthand for a WARNING alert
func (m *Manager) Warning(alertType, summary string, detail map[string]interface{}) {
	m.Notify(core.SeverityWarning, alertType, summary, "", detail)
}

// Close drains in-flight deliveries
func (m *Manager) Close() {
	m.pool.StopAndWait()
}
