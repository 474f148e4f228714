package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
)

func TestCircuit_RateLimitCooldownCycles(t *testing.T) {
	r := NewCircuitRegistry(CircuitConfig{RateLimitCooldownCycles: 2}, logging.NewNop())

	r.RecordRateLimitHits(1)
	name, tripped := r.Tripped()
	assert.True(t, tripped)
	assert.Equal(t, core.CircuitRateLimitCooldown, name)

	r.TickCycle()
	_, tripped = r.Tripped()
	assert.True(t, tripped, "still cooling down after one cycle")

	r.TickCycle()
	_, tripped = r.Tripped()
	assert.False(t, tripped)
}

func TestCircuit_APIHealthThreshold(t *testing.T) {
	r := NewCircuitRegistry(CircuitConfig{MaxConsecutiveAPIErrors: 3}, logging.NewNop())

	r.RecordAPIErrors(2)
	_, tripped := r.Tripped()
	assert.False(t, tripped)

	r.RecordAPIErrors(3)
	name, tripped := r.Tripped()
	assert.True(t, tripped)
	assert.Equal(t, core.CircuitAPIHealth, name)

	// A successful call resets the counter and closes the circuit.
	r.RecordAPIErrors(0)
	_, tripped = r.Tripped()
	assert.False(t, tripped)
}

func TestCircuit_Connectivity(t *testing.T) {
	r := NewCircuitRegistry(CircuitConfig{}, logging.NewNop())

	r.RecordConnectivity(false)
	name, tripped := r.Tripped()
	assert.True(t, tripped)
	assert.Equal(t, core.CircuitExchangeConnectivity, name)

	r.RecordConnectivity(true)
	_, tripped = r.Tripped()
	assert.False(t, tripped)
}

func TestCircuit_ExchangeHealthStaleQuotes(t *testing.T) {
	r := NewCircuitRegistry(CircuitConfig{StaleQuoteTripCount: 5}, logging.NewNop())

	r.RecordExchangeHealth(4)
	_, tripped := r.Tripped()
	assert.False(t, tripped)

	r.RecordExchangeHealth(5)
	name, tripped := r.Tripped()
	assert.True(t, tripped)
	assert.Equal(t, core.CircuitExchangeHealth, name)
}

func TestCircuit_VolatilityCrash(t *testing.T) {
	r := NewCircuitRegistry(CircuitConfig{
		VolatilityCrashPct: 10,
		VolatilityWindow:   15 * time.Minute,
	}, logging.NewNop())

	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	current := base
	r.SetClock(func() time.Time { return current })

	r.RecordNAV(decimal.NewFromInt(1000))
	current = base.Add(5 * time.Minute)
	r.RecordNAV(decimal.NewFromInt(950))
	_, tripped := r.Tripped()
	assert.False(t, tripped, "5% drop below threshold")

	current = base.Add(10 * time.Minute)
	r.RecordNAV(decimal.NewFromInt(890))
	name, tripped := r.Tripped()
	assert.True(t, tripped, "11% drop inside window")
	assert.Equal(t, core.CircuitVolatilityCrash, name)

	// The peak sample ages out of the window and the circuit closes.
	current = base.Add(30 * time.Minute)
	r.RecordNAV(decimal.NewFromInt(890))
	_, tripped = r.Tripped()
	assert.False(t, tripped)
}

func TestCircuit_Snapshot(t *testing.T) {
	r := NewCircuitRegistry(CircuitConfig{}, logging.NewNop())
	r.RecordConnectivity(false)

	snap := r.Snapshot()
	assert.True(t, snap[core.CircuitExchangeConnectivity])
	assert.False(t, snap[core.CircuitAPIHealth])
	assert.Len(t, snap, 5)
}
