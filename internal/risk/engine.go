package risk

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/config"
	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// Result is the engine's verdict on a proposal batch
type Result struct {
	Approved           bool
	ApprovedProposals  []*core.TradeProposal
	ViolatedChecks     []string
	Reason             string
	ProposalRejections map[string][]string
}

// Engine is the hard risk authority. Strategies can only shrink or skip;
// this layer can reject outright.
type Engine struct {
	riskCfg    config.RiskConfig
	governance config.GovernanceConfig
	circuits   *CircuitRegistry
	cooldowns  *CooldownTracker
	logger     core.ILogger
	now        func() time.Time
}

// NewEngine wires the risk engine from policy config
func NewEngine(riskCfg config.RiskConfig, governance config.GovernanceConfig, circuits *CircuitRegistry, cooldowns *CooldownTracker, logger core.ILogger) *Engine {
	return &Engine{
		riskCfg:    riskCfg,
		governance: governance,
		circuits:   circuits,
		cooldowns:  cooldowns,
		logger:     logger.WithField("component", "risk_engine"),
		now:        time.Now,
	}
}

// Circuits exposes the registry for cycle bookkeeping
func (e *Engine) Circuits() *CircuitRegistry {
	return e.circuits
}

// ApplySymbolCooldown records a per-symbol re-entry block
func (e *Engine) ApplySymbolCooldown(symbol string, isStopLoss bool) {
	e.cooldowns.Apply(symbol, isStopLoss)
}

// KillSwitchActive reports whether the operator kill-switch file exists
func (e *Engine) KillSwitchActive() bool {
	if e.governance.KillSwitchFile == "" {
		return false
	}
	_, err := os.Stat(e.governance.KillSwitchFile)
	return err == nil
}

// Evaluate runs the full check battery over a proposal batch. Batch-level
// failures reject everything; proposal-level failures shrink or drop
// individual entries.
func (e *Engine) Evaluate(proposals []*core.TradeProposal, portfolio *core.PortfolioState, mode core.Mode) *Result {
	res := &Result{ProposalRejections: make(map[string][]string)}

	if reason, ok := e.batchChecks(portfolio, mode); !ok {
		res.Reason = reason
		res.ViolatedChecks = append(res.ViolatedChecks, reason)
		e.logger.Warn("Risk engine rejected proposal batch", "reason", reason)
		return res
	}

	nav := portfolio.AccountValueUSD
	dust := decimal.NewFromFloat(e.riskCfg.DustPositionUSD)

	totalCap := nav.Mul(decimal.NewFromFloat(e.riskCfg.MaxTotalAtRiskPct)).Div(decimal.NewFromInt(100))
	symbolCap := nav.Mul(decimal.NewFromFloat(e.riskCfg.PerSymbolCapPct)).Div(decimal.NewFromInt(100))
	minNotional := decimal.NewFromFloat(e.riskCfg.MinTradeNotionalUSD)

	atRisk := portfolio.TotalPositionsUSD(dust).Add(portfolio.PendingBuyNotional())
	totalHeadroom := totalCap.Sub(atRisk)

	openPositions := e.countOpenPositions(portfolio, dust)

	for _, p := range proposals {
		if p.BypassRisk {
			// Position exits run through execution directly.
			res.ApprovedProposals = append(res.ApprovedProposals, p)
			continue
		}
		if p.Side == core.SideSell {
			// Sells reduce exposure; only the cooldown ledger sees them.
			res.ApprovedProposals = append(res.ApprovedProposals, p)
			continue
		}

		if active, remaining := e.cooldowns.Active(p.Symbol); active {
			e.rejectProposal(res, p, fmt.Sprintf("cooldown_active:%s", remaining.Round(time.Second)))
			continue
		}

		if e.riskCfg.MaxOpenPositions > 0 && openPositions >= e.riskCfg.MaxOpenPositions {
			if _, held := portfolio.OpenPositions[p.Symbol]; !held {
				e.rejectProposal(res, p, "max_open_positions_saturated")
				continue
			}
		}

		notional := ResolveNotional(p, nav)
		if !notional.IsPositive() {
			e.rejectProposal(res, p, "zero_notional")
			continue
		}

		// Per-symbol cap headroom, counting existing exposure and pending buys.
		existing := decimal.Zero
		if pos, ok := portfolio.OpenPositions[p.Symbol]; ok {
			existing = pos.CurrentUSD
		}
		existing = existing.Add(portfolio.PendingOrders[core.SideBuy][p.Symbol])
		symbolHeadroom := symbolCap.Sub(existing)

		fitted := decimal.Min(notional, symbolHeadroom, totalHeadroom)
		if fitted.LessThan(minNotional) || !fitted.IsPositive() {
			switch {
			case symbolHeadroom.LessThan(minNotional):
				e.rejectProposal(res, p, "per_symbol_cap_exceeded")
			case totalHeadroom.LessThan(minNotional):
				e.rejectProposal(res, p, "total_at_risk_cap_exceeded")
			default:
				e.rejectProposal(res, p, "below_min_notional")
			}
			continue
		}

		if fitted.LessThan(notional) {
			e.logger.Info("Proposal shrunk to fit risk budget",
				"symbol", p.Symbol,
				"requested_usd", notional.StringFixed(2),
				"fitted_usd", fitted.StringFixed(2))
		}

		approved := *p
		approved.NotionalUSD = fitted
		approved.TargetWeightPct = decimal.Zero
		res.ApprovedProposals = append(res.ApprovedProposals, &approved)

		totalHeadroom = totalHeadroom.Sub(fitted)
		if _, held := portfolio.OpenPositions[p.Symbol]; !held {
			openPositions++
		}
	}

	res.Approved = len(res.ApprovedProposals) > 0 || len(proposals) == 0
	if !res.Approved && res.Reason == "" {
		res.Reason = "all_proposals_rejected"
	}
	return res
}

// batchChecks runs the global gates that reject the whole cycle
func (e *Engine) batchChecks(portfolio *core.PortfolioState, mode core.Mode) (string, bool) {
	if mode == core.ModeLive && !e.governance.LiveTradingEnabled {
		return "dead_man_switch:live_trading_disabled", false
	}
	if e.KillSwitchActive() {
		return "kill_switch_active", false
	}

	minValue := decimal.NewFromFloat(e.riskCfg.MinAccountValueUSD)
	if minValue.IsPositive() && portfolio.AccountValueUSD.LessThan(minValue) {
		return "account_value_below_minimum", false
	}

	if e.riskCfg.DailyLossPct > 0 &&
		portfolio.DailyPnLPct.LessThanOrEqual(decimal.NewFromFloat(-e.riskCfg.DailyLossPct)) {
		return "daily_loss_cap_hit", false
	}
	if e.riskCfg.WeeklyLossPct > 0 &&
		portfolio.WeeklyPnLPct.LessThanOrEqual(decimal.NewFromFloat(-e.riskCfg.WeeklyLossPct)) {
		return "weekly_loss_cap_hit", false
	}
	if e.riskCfg.MaxDrawdownPct > 0 &&
		portfolio.MaxDrawdownPct.GreaterThanOrEqual(decimal.NewFromFloat(e.riskCfg.MaxDrawdownPct)) {
		return "max_drawdown_cap_hit", false
	}

	if e.riskCfg.MaxTradesPerDay > 0 && portfolio.TradesToday >= e.riskCfg.MaxTradesPerDay {
		return "max_trades_per_day_hit", false
	}
	if e.riskCfg.MaxTradesPerHour > 0 && portfolio.TradesThisHour >= e.riskCfg.MaxTradesPerHour {
		return "max_trades_per_hour_hit", false
	}

	if name, tripped := e.circuits.Tripped(); tripped {
		return fmt.Sprintf("circuit_tripped:%s", name), false
	}

	return "", true
}

func (e *Engine) rejectProposal(res *Result, p *core.TradeProposal, reason string) {
	res.ProposalRejections[p.Symbol] = append(res.ProposalRejections[p.Symbol], reason)
	e.logger.Warn("Proposal rejected",
		"symbol", p.Symbol,
		"side", p.Side,
		"reason", reason)
}

func (e *Engine) countOpenPositions(portfolio *core.PortfolioState, dust decimal.Decimal) int {
	n := 0
	for _, pos := range portfolio.OpenPositions {
		if pos.CurrentUSD.GreaterThanOrEqual(dust) {
			n++
		}
	}
	return n
}

// ResolveNotional converts a proposal's sizing to USD notional. A target
// weight is expressed as a percentage of nav.
func ResolveNotional(p *core.TradeProposal, nav decimal.Decimal) decimal.Decimal {
	if p.NotionalUSD.IsPositive() {
		return p.NotionalUSD
	}
	if p.TargetWeightPct.IsPositive() {
		return nav.Mul(p.TargetWeightPct).Div(decimal.NewFromInt(100))
	}
	return decimal.Zero
}
