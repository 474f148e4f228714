// Package position watches open holdings and proposes exits when their
// stop-loss, take-profit, or max-hold parameters are breached
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// ExitReason labels why a managed position is being closed
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitMaxHold    ExitReason = "max_hold"
)

// Exit pairs a sell proposal with the rule that produced it
type Exit struct {
	Proposal *core.TradeProposal
	Reason   ExitReason
	PnLPct   decimal.Decimal
}

// Manager evaluates managed positions against their exit parameters
type Manager struct {
	logger core.ILogger
	now    func() time.Time
}

// NewManager creates a position manager
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "position_manager"),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Register attaches exit parameters to a freshly-opened position. Proposals
// without any exit parameter are not managed.
func (m *Manager) Register(portfolio *core.PortfolioState, p *core.TradeProposal, openedAt time.Time) {
	if p.StopLossPct <= 0 && p.TakeProfitPct <= 0 && p.MaxHoldHours <= 0 {
		return
	}
	portfolio.ManagedPositions[p.Symbol] = &core.ManagedPosition{
		StopLossPct:   p.StopLossPct,
		TakeProfitPct: p.TakeProfitPct,
		MaxHoldHours:  p.MaxHoldHours,
		OpenedAt:      openedAt,
	}
	m.logger.Info("Position under management",
		"symbol", p.Symbol,
		"stop_loss_pct", p.StopLossPct,
		"take_profit_pct", p.TakeProfitPct,
		"max_hold_hours", p.MaxHoldHours)
}

// CheckExits returns a sell for every managed position whose exit rule
// fired this cycle. Stop-loss wins when multiple rules fire at once.
// Exit sells bypass the risk engine: reducing exposure must never be
// blocked by the caps that limit adding it.
func (m *Manager) CheckExits(portfolio *core.PortfolioState) []*Exit {
	var exits []*Exit
	now := m.now()

	for symbol, managed := range portfolio.ManagedPositions {
		pos, ok := portfolio.OpenPositions[symbol]
		if !ok || !pos.CurrentUSD.IsPositive() {
			// The holding is gone; drop the orphan metadata.
			delete(portfolio.ManagedPositions, symbol)
			continue
		}

		pnl := pos.PnLPct()
		reason, fired := m.evaluate(managed, pnl, now)
		if !fired {
			continue
		}

		m.logger.Warn("Exit rule fired",
			"symbol", symbol,
			"reason", string(reason),
			"pnl_pct", pnl.StringFixed(2),
			"value_usd", pos.CurrentUSD.StringFixed(2))

		exits = append(exits, &Exit{
			Reason: reason,
			PnLPct: pnl,
			Proposal: &core.TradeProposal{
				Symbol:      symbol,
				Side:        core.SideSell,
				NotionalUSD: pos.CurrentUSD,
				Confidence:  1,
				TriggerName: "position_exit_" + string(reason),
				BypassRisk:  true,
			},
		})
	}
	return exits
}

func (m *Manager) evaluate(managed *core.ManagedPosition, pnl decimal.Decimal, now time.Time) (ExitReason, bool) {
	if managed.StopLossPct > 0 &&
		pnl.LessThanOrEqual(decimal.NewFromFloat(-managed.StopLossPct)) {
		return ExitStopLoss, true
	}
	if managed.TakeProfitPct > 0 &&
		pnl.GreaterThanOrEqual(decimal.NewFromFloat(managed.TakeProfitPct)) {
		return ExitTakeProfit, true
	}
	if managed.MaxHoldHours > 0 {
		held := now.Sub(managed.OpenedAt)
		if held >= time.Duration(managed.MaxHoldHours*float64(time.Hour)) {
			return ExitMaxHold, true
		}
	}
	return "", false
}

// Unregister drops management metadata after the exit sell completes
func (m *Manager) Unregister(portfolio *core.PortfolioState, symbol string) {
	delete(portfolio.ManagedPositions, symbol)
}
