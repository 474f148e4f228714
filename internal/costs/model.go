// Package costs centralizes deterministic fee and slippage math
package costs

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

var (
	bpsDivisor = decimal.NewFromInt(10000)
	one        = decimal.NewFromInt(1)
	two        = decimal.NewFromInt(2)
)

// Model computes trade costs from configured fee rates
type Model struct {
	makerFeeBps decimal.Decimal
	takerFeeBps decimal.Decimal
}

// NewModel creates a cost model from maker/taker fees in basis points
func NewModel(makerFeeBps, takerFeeBps float64) *Model {
	return &Model{
		makerFeeBps: decimal.NewFromFloat(makerFeeBps),
		takerFeeBps: decimal.NewFromFloat(takerFeeBps),
	}
}

// TradeCost is the estimated all-in cost of one order
type TradeCost struct {
	FeeUSD       decimal.Decimal
	FeePct       decimal.Decimal
	SlippageUSD  decimal.Decimal
	SlippageBps  decimal.Decimal
	TotalCostUSD decimal.Decimal
	TotalCostPct decimal.Decimal
	IsMaker      bool
}

// slippageFactor returns the expected fraction of the spread an order type
// crosses. Market orders cross half the spread, aggressive limits a quarter,
// post-only a tenth (queue position risk, not crossing).
func slippageFactor(route core.Route) decimal.Decimal {
	switch route {
	case core.RouteMarketIOC:
		return decimal.NewFromFloat(0.5)
	case core.RouteLimitIOC:
		return decimal.NewFromFloat(0.25)
	default:
		return decimal.NewFromFloat(0.1)
	}
}

// FeePct returns the fee fraction (not bps) for the liquidity role
func (m *Model) FeePct(isMaker bool) decimal.Decimal {
	if isMaker {
		return m.makerFeeBps.Div(bpsDivisor)
	}
	return m.takerFeeBps.Div(bpsDivisor)
}

// CalculateTradeCost estimates the total cost of an order of sizeUSD.
// spreadBps may be zero when no quote is available.
func (m *Model) CalculateTradeCost(sizeUSD decimal.Decimal, isMaker bool, tier int, spreadBps decimal.Decimal, route core.Route) TradeCost {
	feePct := m.FeePct(isMaker)
	feeUSD := sizeUSD.Mul(feePct)

	slipBps := spreadBps.Mul(slippageFactor(route))
	slipUSD := sizeUSD.Mul(slipBps).Div(bpsDivisor)

	total := feeUSD.Add(slipUSD)
	totalPct := decimal.Zero
	if sizeUSD.IsPositive() {
		totalPct = total.Div(sizeUSD)
	}

	return TradeCost{
		FeeUSD:       feeUSD,
		FeePct:       feePct,
		SlippageUSD:  slipUSD,
		SlippageBps:  slipBps,
		TotalCostUSD: total,
		TotalCostPct: totalPct,
		IsMaker:      isMaker,
	}
}

// MinProfitableMove returns the break-even price-move fraction for the
// liquidity role. With roundTrip both legs pay the fee.
func (m *Model) MinProfitableMove(isMaker bool, tier int, roundTrip bool) decimal.Decimal {
	feePct := m.FeePct(isMaker)
	if roundTrip {
		return feePct.Mul(two)
	}
	return feePct
}

// AdjustSizeForFees grosses up target so the post-fee notional still meets
// postFeeMin. Returns target unchanged when it already clears the minimum.
func (m *Model) AdjustSizeForFees(target decimal.Decimal, isMaker bool, postFeeMin decimal.Decimal) decimal.Decimal {
	net := m.SizeAfterFees(target, isMaker)
	if net.GreaterThanOrEqual(postFeeMin) {
		return target
	}
	return m.SizeToAchieveNet(postFeeMin, isMaker)
}

// SizeAfterFees returns the net notional left after the expected fee
func (m *Model) SizeAfterFees(gross decimal.Decimal, isMaker bool) decimal.Decimal {
	return gross.Mul(one.Sub(m.FeePct(isMaker)))
}

// SizeToAchieveNet returns the gross notional whose post-fee value equals net
func (m *Model) SizeToAchieveNet(net decimal.Decimal, isMaker bool) decimal.Decimal {
	divisor := one.Sub(m.FeePct(isMaker))
	if divisor.LessThanOrEqual(decimal.Zero) {
		return net
	}
	return net.Div(divisor)
}

// Fill-probability table per route and tier. Simulation-only: PAPER mode
// draws against these to decide whether a resting order fills.
var fillProbability = map[core.Route][3]float64{
	core.RouteLimitPostOnly: {0.70, 0.55, 0.40},
	core.RouteLimitIOC:      {0.90, 0.80, 0.65},
	core.RouteMarketIOC:     {1.00, 1.00, 1.00},
}

// EstimateFillProbability returns the tabular fill probability for an order
// type at a liquidity tier (T1 highest).
func (m *Model) EstimateFillProbability(route core.Route, tier int) float64 {
	probs, ok := fillProbability[route]
	if !ok {
		return 0
	}
	if tier < 1 {
		tier = 1
	}
	if tier > 3 {
		tier = 3
	}
	return probs[tier-1]
}

// SimulateFill draws against the fill-probability table with the supplied
// RNG. Only PAPER mode uses this.
func (m *Model) SimulateFill(rng *rand.Rand, route core.Route, tier int) bool {
	return rng.Float64() < m.EstimateFillProbability(route, tier)
}
