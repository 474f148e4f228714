// Package risk implements the hard trading gates: circuit breakers,
// per-symbol cooldowns, and the proposal-batch risk engine
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

// CircuitConfig holds the trip thresholds for all named circuits
type CircuitConfig struct {
	MaxConsecutiveAPIErrors int
	RateLimitCooldownCycles int
	StaleQuoteTripCount     int
	VolatilityCrashPct      float64
	VolatilityWindow        time.Duration
}

type navSample struct {
	at  time.Time
	nav decimal.Decimal
}

// CircuitRegistry tracks the five named circuit breakers. Any open circuit
// blocks all proposals for the cycle.
type CircuitRegistry struct {
	mu     sync.Mutex
	cfg    CircuitConfig
	logger core.ILogger
	now    func() time.Time

	rateLimitCyclesLeft int
	apiHealthOpen       bool
	connectivityOpen    bool
	exchangeHealthOpen  bool
	volatilityOpen      bool
	navSamples          []navSample
}

// NewCircuitRegistry creates a registry with all circuits closed
func NewCircuitRegistry(cfg CircuitConfig, logger core.ILogger) *CircuitRegistry {
	if cfg.MaxConsecutiveAPIErrors <= 0 {
		cfg.MaxConsecutiveAPIErrors = 5
	}
	if cfg.RateLimitCooldownCycles <= 0 {
		cfg.RateLimitCooldownCycles = 3
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = 15 * time.Minute
	}
	return &CircuitRegistry{
		cfg:    cfg,
		logger: logger.WithField("component", "circuit_registry"),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests
func (r *CircuitRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// RecordRateLimitHits trips the rate-limit circuit when 429s were seen
// this cycle; the circuit stays open for the configured cycle count.
func (r *CircuitRegistry) RecordRateLimitHits(count429s int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count429s > 0 {
		if r.rateLimitCyclesLeft == 0 {
			r.logger.Warn("Rate-limit circuit tripped",
				"hits", count429s,
				"cooldown_cycles", r.cfg.RateLimitCooldownCycles)
		}
		r.rateLimitCyclesLeft = r.cfg.RateLimitCooldownCycles
		r.publish(core.CircuitRateLimitCooldown, true)
	}
}

// RecordAPIErrors opens or closes the api_health circuit based on the
// client's consecutive-error count
func (r *CircuitRegistry) RecordAPIErrors(consecutive int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := consecutive >= r.cfg.MaxConsecutiveAPIErrors
	if open && !r.apiHealthOpen {
		r.logger.Error("API health circuit tripped", "consecutive_errors", consecutive)
	}
	r.apiHealthOpen = open
	r.publish(core.CircuitAPIHealth, open)
}

// RecordConnectivity records the last connectivity probe result
func (r *CircuitRegistry) RecordConnectivity(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok && !r.connectivityOpen {
		r.logger.Error("Exchange connectivity circuit tripped")
	}
	r.connectivityOpen = !ok
	r.publish(core.CircuitExchangeConnectivity, !ok)
}

// RecordExchangeHealth trips when the last snapshot had too many stale or
// invalid quotes
func (r *CircuitRegistry) RecordExchangeHealth(staleQuotes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := r.cfg.StaleQuoteTripCount > 0 && staleQuotes >= r.cfg.StaleQuoteTripCount
	if open && !r.exchangeHealthOpen {
		r.logger.Error("Exchange health circuit tripped", "stale_quotes", staleQuotes)
	}
	r.exchangeHealthOpen = open
	r.publish(core.CircuitExchangeHealth, open)
}

// RecordNAV samples the account value and trips volatility_crash when the
// drawdown inside the window reaches the threshold
func (r *CircuitRegistry) RecordNAV(nav decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.navSamples = append(r.navSamples, navSample{at: now, nav: nav})

	cutoff := now.Add(-r.cfg.VolatilityWindow)
	kept := r.navSamples[:0]
	peak := decimal.Zero
	for _, s := range r.navSamples {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.nav.GreaterThan(peak) {
			peak = s.nav
		}
	}
	r.navSamples = kept

	if r.cfg.VolatilityCrashPct <= 0 || !peak.IsPositive() {
		return
	}
	dropPct := peak.Sub(nav).Div(peak).Mul(decimal.NewFromInt(100))
	open := dropPct.GreaterThanOrEqual(decimal.NewFromFloat(r.cfg.VolatilityCrashPct))
	if open && !r.volatilityOpen {
		r.logger.Error("Volatility crash circuit tripped",
			"drop_pct", dropPct.StringFixed(2),
			"window", r.cfg.VolatilityWindow.String())
	}
	r.volatilityOpen = open
	r.publish(core.CircuitVolatilityCrash, open)
}

// TickCycle advances cycle-scoped cooldowns; call once per cycle
func (r *CircuitRegistry) TickCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rateLimitCyclesLeft > 0 {
		r.rateLimitCyclesLeft--
		if r.rateLimitCyclesLeft == 0 {
			r.logger.Info("Rate-limit circuit closed")
			r.publish(core.CircuitRateLimitCooldown, false)
		}
	}
}

// Tripped returns the first open circuit, if any
func (r *CircuitRegistry) Tripped() (core.CircuitName, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.rateLimitCyclesLeft > 0:
		return core.CircuitRateLimitCooldown, true
	case r.apiHealthOpen:
		return core.CircuitAPIHealth, true
	case r.connectivityOpen:
		return core.CircuitExchangeConnectivity, true
	case r.exchangeHealthOpen:
		return core.CircuitExchangeHealth, true
	case r.volatilityOpen:
		return core.CircuitVolatilityCrash, true
	}
	return "", false
}

// Snapshot returns the open/closed state of every circuit
func (r *CircuitRegistry) Snapshot() map[core.CircuitName]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[core.CircuitName]bool{
		core.CircuitRateLimitCooldown:    r.rateLimitCyclesLeft > 0,
		core.CircuitAPIHealth:            r.apiHealthOpen,
		core.CircuitExchangeConnectivity: r.connectivityOpen,
		core.CircuitExchangeHealth:       r.exchangeHealthOpen,
		core.CircuitVolatilityCrash:      r.volatilityOpen,
	}
}

func (r *CircuitRegistry) publish(name core.CircuitName, open bool) {
	telemetry.GetGlobalMetrics().SetCircuitOpen(string(name), open)
}
