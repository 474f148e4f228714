package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
)

func managedPortfolio(entryUSD, currentUSD float64, params core.ManagedPosition) *core.PortfolioState {
	p := core.NewPortfolioState()
	p.OpenPositions["BTC-USD"] = &core.Position{
		Symbol:        "BTC-USD",
		EntryValueUSD: decimal.NewFromFloat(entryUSD),
		CurrentUSD:    decimal.NewFromFloat(currentUSD),
	}
	p.ManagedPositions["BTC-USD"] = &params
	return p
}

func TestCheckExits_StopLoss(t *testing.T) {
	m := NewManager(logging.NewNop())

	// Down 6% against a 5% stop.
	p := managedPortfolio(100, 94, core.ManagedPosition{StopLossPct: 5})

	exits := m.CheckExits(p)
	require.Len(t, exits, 1)
	assert.Equal(t, ExitStopLoss, exits[0].Reason)
	assert.Equal(t, core.SideSell, exits[0].Proposal.Side)
	assert.True(t, exits[0].Proposal.BypassRisk)
	assert.True(t, exits[0].Proposal.NotionalUSD.Equal(decimal.NewFromInt(94)))
}

func TestCheckExits_TakeProfit(t *testing.T) {
	m := NewManager(logging.NewNop())

	p := managedPortfolio(100, 112, core.ManagedPosition{TakeProfitPct: 10})

	exits := m.CheckExits(p)
	require.Len(t, exits, 1)
	assert.Equal(t, ExitTakeProfit, exits[0].Reason)
}

func TestCheckExits_MaxHold(t *testing.T) {
	m := NewManager(logging.NewNop())
	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base.Add(49 * time.Hour) })

	p := managedPortfolio(100, 101, core.ManagedPosition{MaxHoldHours: 48, OpenedAt: base})

	exits := m.CheckExits(p)
	require.Len(t, exits, 1)
	assert.Equal(t, ExitMaxHold, exits[0].Reason)
}

func TestCheckExits_StopLossWinsOverMaxHold(t *testing.T) {
	m := NewManager(logging.NewNop())
	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base.Add(50 * time.Hour) })

	p := managedPortfolio(100, 90, core.ManagedPosition{StopLossPct: 5, MaxHoldHours: 48, OpenedAt: base})

	exits := m.CheckExits(p)
	require.Len(t, exits, 1)
	assert.Equal(t, ExitStopLoss, exits[0].Reason)
}

func TestCheckExits_NoRuleFired(t *testing.T) {
	m := NewManager(logging.NewNop())

	p := managedPortfolio(100, 102, core.ManagedPosition{StopLossPct: 5, TakeProfitPct: 10})

	assert.Empty(t, m.CheckExits(p))
}

func TestCheckExits_PrunesOrphanMetadata(t *testing.T) {
	m := NewManager(logging.NewNop())

	p := core.NewPortfolioState()
	p.ManagedPositions["GONE-USD"] = &core.ManagedPosition{StopLossPct: 5}

	assert.Empty(t, m.CheckExits(p))
	assert.NotContains(t, p.ManagedPositions, "GONE-USD")
}

func TestRegister_SkipsUnparameterizedProposals(t *testing.T) {
	m := NewManager(logging.NewNop())
	p := core.NewPortfolioState()

	m.Register(p, &core.TradeProposal{Symbol: "BTC-USD"}, time.Now())
	assert.Empty(t, p.ManagedPositions)

	m.Register(p, &core.TradeProposal{Symbol: "BTC-USD", StopLossPct: 5}, time.Now())
	assert.Contains(t, p.ManagedPositions, "BTC-USD")
}
