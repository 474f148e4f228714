package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/config"
	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/symbols"
)

// LiquidationResult summarizes one sliced sell
type LiquidationResult struct {
	Symbol        string
	TargetUSD     decimal.Decimal
	SoldUSD       decimal.Decimal
	SoldBase      decimal.Decimal
	Fees          decimal.Decimal
	Slices        int
	TakerFallback bool
	StoppedReason string
}

// Complete reports whether the residual is within tolerance
func (r *LiquidationResult) Complete(maxResidualUSD decimal.Decimal) bool {
	return r.TargetUSD.Sub(r.SoldUSD).LessThanOrEqual(maxResidualUSD)
}

// LiquidatePosition sells targetUSD of a position in TWAP slices. Each
// slice rests post-only inside the spread; a run of no-fill slices can
// trigger one taker slice for the tail when the config allows it.
func (e *Engine) LiquidatePosition(ctx context.Context, symbol string, targetUSD decimal.Decimal, cfg config.PurgeExecConfig, tier int) (*LiquidationResult, error) {
	symbol = symbols.Normalize(symbol)
	res := &LiquidationResult{Symbol: symbol, TargetUSD: targetUSD}

	sliceUSD := decimal.NewFromFloat(cfg.SliceUSD)
	if !sliceUSD.IsPositive() {
		sliceUSD = targetUSD
	}
	maxSlices := cfg.MaxSlices
	if maxSlices <= 0 {
		maxSlices = 1
	}
	budget := time.Duration(cfg.MaxDurationSeconds) * time.Second
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	deadline := e.now().Add(budget)

	meta := e.productMeta(ctx, symbol)
	consecutiveNoFill := 0

	for res.Slices < maxSlices {
		if !e.now().Before(deadline) {
			res.StoppedReason = "duration_budget_exhausted"
			break
		}
		remaining := targetUSD.Sub(res.SoldUSD)
		if !remaining.IsPositive() {
			break
		}

		quote, err := e.exchange.GetQuote(ctx, symbol)
		if err != nil {
			return res, fmt.Errorf("quote refresh during liquidation: %w", err)
		}
		if err := e.ValidateQuote(quote); err != nil {
			e.logger.Warn("Liquidation paused on bad quote", "symbol", symbol, "error", err)
			if serr := e.sleep(ctx, time.Duration(cfg.PollIntervalSeconds)*time.Second); serr != nil {
				res.StoppedReason = "context_canceled"
				return res, serr
			}
			continue
		}

		slice := decimal.Min(sliceUSD, remaining)
		res.Slices++

		// A stalled sell can force one taker slice for the small tail.
		if cfg.AllowTakerFallback &&
			consecutiveNoFill >= cfg.MaxConsecutiveNoFill && cfg.MaxConsecutiveNoFill > 0 &&
			remaining.LessThan(decimal.NewFromFloat(cfg.TakerFallbackThresholdUSD)) {
			filled, err := e.liquidationSlice(ctx, symbol, slice, quote, meta, core.RouteLimitIOC, tier, res)
			if err != nil {
				return res, err
			}
			res.TakerFallback = true
			if !filled {
				res.StoppedReason = "taker_fallback_no_fill"
				break
			}
			consecutiveNoFill = 0
			continue
		}

		filled, err := e.liquidationSlice(ctx, symbol, slice, quote, meta, core.RouteLimitPostOnly, tier, res)
		if err != nil {
			return res, err
		}
		if filled {
			consecutiveNoFill = 0
		} else {
			consecutiveNoFill++
			e.logger.Info("Liquidation slice did not fill",
				"symbol", symbol,
				"consecutive_no_fill", consecutiveNoFill)
		}
	}

	if res.StoppedReason == "" && res.Slices >= maxSlices && targetUSD.Sub(res.SoldUSD).GreaterThan(decimal.NewFromFloat(cfg.MaxResidualUSD)) {
		res.StoppedReason = "max_slices_exhausted"
	}

	e.logger.Info("Liquidation finished",
		"symbol", symbol,
		"target_usd", targetUSD.StringFixed(2),
		"sold_usd", res.SoldUSD.StringFixed(2),
		"slices", res.Slices,
		"stopped", res.StoppedReason)
	return res, nil
}

// liquidationSlice submits one sell slice and folds its fills into res.
// Returns whether anything filled.
func (e *Engine) liquidationSlice(ctx context.Context, symbol string, sliceUSD decimal.Decimal, quote *core.Quote, meta *core.ProductMeta, route core.Route, tier int, res *LiquidationResult) (bool, error) {
	clientID := ClientOrderID(e.execCfg.ClientOrderIDPrefix, symbol, core.SideSell, sliceUSD, e.now().Add(time.Duration(res.Slices)*time.Minute))

	var sliceRes *Result
	var err error
	if route == core.RouteLimitPostOnly {
		req := &core.PlaceOrderRequest{
			ClientOrderID: clientID,
			Symbol:        symbol,
			Side:          core.SideSell,
			Route:         core.RouteLimitPostOnly,
			LimitPrice:    e.makerPrice(core.SideSell, quote, meta),
			PostOnly:      true,
		}
		req.BaseSize = roundToIncrement(sliceUSD.Div(req.LimitPrice), incrementOf(meta))
		if !req.BaseSize.IsPositive() {
			return false, nil
		}
		ttl := e.adaptiveTTL(quote.SpreadBps, 0)
		sliceRes, err = e.submit(ctx, req, sliceUSD, tier, ttl)
	} else {
		sliceRes, err = e.submitTaker(ctx, clientID, symbol, core.SideSell, sliceUSD, quote, meta, route, tier)
	}
	if err != nil {
		return false, err
	}

	res.SoldUSD = res.SoldUSD.Add(sliceRes.FilledUSD)
	res.SoldBase = res.SoldBase.Add(sliceRes.FilledBase)
	res.Fees = res.Fees.Add(sliceRes.Fees)
	return sliceRes.FilledUSD.IsPositive(), nil
}
