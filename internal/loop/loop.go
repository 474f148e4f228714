// Package loop drives the trading cycle: reconcile, refresh, propose,
// gate, execute, persist, audit, sleep.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/alert"
	"github.com/aelhadee/247trader-V2-sub000/internal/audit"
	"github.com/aelhadee/247trader-V2-sub000/internal/config"
	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/execution"
	"github.com/aelhadee/247trader-V2-sub000/internal/infrastructure/health"
	"github.com/aelhadee/247trader-V2-sub000/internal/position"
	"github.com/aelhadee/247trader-V2-sub000/internal/ratelimit"
	"github.com/aelhadee/247trader-V2-sub000/internal/risk"
	"github.com/aelhadee/247trader-V2-sub000/internal/state"
	"github.com/aelhadee/247trader-V2-sub000/internal/strategy"
	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

const (
	// Extra sleep after a cycle whose rate utilization exceeded 70%
	rateBackoff          = 15 * time.Second
	rateBackoffThreshold = 70.0

	// Panic burst escalation: >=2 panics inside this window is CRITICAL
	panicBurstWindow = 5 * time.Minute
	panicBurstCount  = 2

	fillLookback    = time.Hour
	orderbookLevels = 50
)

// Per-stage soft budgets in seconds. Breaches alert but never abort.
var stageBudgets = map[string]float64{
	"housekeeping": 60,
	"reconcile":    60,
	"portfolio":    60,
	"trim":         600,
	"universe":     15,
	"quotes":       60,
	"strategy":     30,
	"risk":         5,
	"execute":      600,
	"fills":        60,
	"persist":      10,
}

// Deps bundles the loop's collaborators, wired at startup
type Deps struct {
	Cfg        *config.Config
	Exchange   core.IExchange
	Engine     *execution.Engine
	Risk       *risk.Engine
	Strategies *strategy.Registry
	Positions  *position.Manager
	Universe   core.IUniverseBuilder
	Store      *state.Store
	Audit      *audit.Logger
	Alerts     *alert.Manager
	Logger     core.ILogger

	// Optional: exchange transport health feed for the circuit registry
	ExchangeHealth func() (consecutiveErrors, recent429s int)
	// Optional: clears the transport's 429 window after it is consumed
	ResetRateWindow func()
	// Optional: rate limiter for utilization reporting
	Limiter *ratelimit.Limiter
}

// Loop runs trading cycles until its context is canceled. The cycle body
// is strictly sequential; only the health server, metrics exporter, and
// state flusher run beside it.
type Loop struct {
	deps   Deps
	cfg    *config.Config
	mode   core.Mode
	logger core.ILogger

	regime string
	once   bool

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	rng   *rand.Rand

	mu            sync.Mutex
	running       bool
	cycleNumber   int64
	lastCycle     health.CycleStatus
	lastStages    map[string]float64
	lastRateUsage map[string]float64
	panicTimes    []time.Time
}

// New creates the trading loop
func New(deps Deps) *Loop {
	return &Loop{
		deps:   deps,
		cfg:    deps.Cfg,
		mode:   deps.Cfg.Mode(),
		logger: deps.Logger.WithField("component", "trading_loop"),
		now:    time.Now,
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// SetClock overrides time and sleep for tests
func (l *Loop) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	l.now = now
	if sleep != nil {
		l.sleep = sleep
	}
}

// SetRand seeds the jitter source for tests
func (l *Loop) SetRand(rng *rand.Rand) {
	l.rng = rng
}

// SetRegime sets the market regime passed to the universe builder
func (l *Loop) SetRegime(regime string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.regime = regime
}

// SetOnce makes Run exit after a single cycle
func (l *Loop) SetOnce(once bool) {
	l.once = once
}

// Run executes cycles until ctx is canceled, then shuts down gracefully:
// cancel active orders, flush state. Shutdown only interrupts between
// cycles; an in-flight cycle runs to completion.
func (l *Loop) Run(ctx context.Context) error {
	l.setRunning(true)
	defer l.setRunning(false)

	l.logger.Info("Trading loop started",
		"mode", string(l.mode),
		"interval_seconds", l.cfg.App.Loop.IntervalSeconds,
		"config_hash", l.cfg.Hash)

	for {
		start := l.now()
		rec := l.runCycle(ctx)
		elapsed := l.now().Sub(start)

		l.deps.Audit.Record(rec)

		if l.once {
			l.logger.Info("Single cycle complete, exiting")
			return nil
		}

		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		default:
		}

		pause := l.sleepDuration(elapsed, l.maxRateUtilization())
		l.logger.Info("Cycle complete",
			"cycle", rec.CycleNumber,
			"duration", elapsed.Round(time.Millisecond).String(),
			"executed", rec.Executed,
			"no_trade_reason", rec.NoTradeReason,
			"next_in", pause.Round(time.Second).String())

		if err := l.sleep(ctx, pause); err != nil {
			l.shutdown()
			return nil
		}
	}
}

func (l *Loop) shutdown() {
	l.logger.Info("Shutting down: canceling active orders and flushing state")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	l.deps.Engine.Shutdown(shutdownCtx)
	if err := l.deps.Store.Save(); err != nil {
		l.logger.Error("Final state save failed", "error", err)
	}
}

// sleepDuration computes the inter-cycle pause: base - elapsed plus a
// uniform jitter so a fleet of bots never polls in lockstep, clamped to
// at least one second, plus a fixed back-off when the prior cycle ran
// the rate budget hot.
func (l *Loop) sleepDuration(elapsed time.Duration, rateUtilizationPct float64) time.Duration {
	base := time.Duration(l.cfg.App.Loop.IntervalSeconds) * time.Second

	jitterPct := l.cfg.App.Loop.JitterPct
	if jitterPct < 0 {
		jitterPct = 0
	}
	if jitterPct > 20 {
		jitterPct = 20
	}
	jitter := time.Duration(l.rng.Float64() * jitterPct / 100 * float64(base))

	d := base - elapsed + jitter
	if rateUtilizationPct > rateBackoffThreshold {
		d += rateBackoff
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

// runCycle executes one full trading cycle. Panics are contained here:
// the cycle aborts with an exception no-trade reason and the process
// keeps running.
func (l *Loop) runCycle(ctx context.Context) (rec *audit.CycleRecord) {
	start := l.now()
	n := l.nextCycleNumber()
	stages := make(map[string]float64)

	rec = &audit.CycleRecord{
		Timestamp:    start.UTC(),
		CycleNumber:  n,
		Mode:         l.mode,
		ConfigHash:   l.cfg.Hash,
		Regime:       l.currentRegime(),
		StageSeconds: stages,
	}

	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("exception:%T", r)
			rec.NoTradeReason = reason
			l.logger.Error("Cycle aborted by panic", "cycle", n, "panic", fmt.Sprint(r))
			telemetry.GetGlobalMetrics().AddNoTrade(ctx, reason)
			l.recordPanic(reason)
		}
		rec.DurationSecs = l.now().Sub(start).Seconds()
		l.finishCycle(ctx, rec, stages)
	}()

	l.runStage(ctx, "housekeeping", stages, func() {
		l.deps.Engine.ManageOpenOrders(ctx)
		l.deps.Store.PurgeExpiredPending()
		l.deps.Engine.Machine().CleanupOldOrders(l.cfg.Policy.Execution.KeepTerminalOrders)
	})

	l.runStage(ctx, "reconcile", stages, func() {
		report, err := l.deps.Engine.ReconcileFills(ctx, fillLookback)
		if err != nil {
			l.logger.Warn("Fill reconciliation failed", "error", err)
			return
		}
		if report.FillsSeen > 0 {
			l.logger.Info("Fills reconciled",
				"fills", report.FillsSeen,
				"orders_updated", report.OrdersUpdated,
				"fees_usd", report.TotalFees.StringFixed(4))
		}
	})

	var portfolio *core.PortfolioState
	l.runStage(ctx, "portfolio", stages, func() {
		p, err := l.refreshPortfolio(ctx)
		if err != nil {
			l.abortDataUnavailable(ctx, rec, err)
			return
		}
		portfolio = p
	})
	if portfolio == nil {
		return rec
	}

	l.feedCircuits(portfolio)
	rec.Portfolio = portfolioSummary(portfolio)

	l.runStage(ctx, "trim", stages, func() {
		l.autoTrim(ctx, portfolio)
	})

	var universe *core.Universe
	l.runStage(ctx, "universe", stages, func() {
		u, err := l.deps.Universe.Build(ctx, l.currentRegime())
		if err != nil {
			l.abortDataUnavailable(ctx, rec, apperrors.DataUnavailable("universe", err))
			return
		}
		universe = u
	})
	if universe == nil {
		return rec
	}
	rec.UniverseSize = len(universe.Entries)
	rec.Regime = universe.Regime

	var quotes map[string]*core.Quote
	l.runStage(ctx, "quotes", stages, func() {
		quotes = l.fetchQuotes(ctx, universe)
	})
	if len(quotes) == 0 {
		l.abortDataUnavailable(ctx, rec, apperrors.DataUnavailable("quotes", errors.New("no universe symbol returned a quote")))
		return rec
	}

	var proposals []*core.TradeProposal
	var exits []*position.Exit
	l.runStage(ctx, "strategy", stages, func() {
		exits = l.deps.Positions.CheckExits(portfolio)

		if active := l.deps.Engine.Machine().Active(); len(active) > 0 {
			// Unresolved orders from a prior cycle hold their budget;
			// no new entries until they settle. Exits still run.
			l.logger.Info("Open orders pending, skipping new proposals", "active", len(active))
			if len(exits) == 0 {
				rec.NoTradeReason = "open_orders_pending"
			}
			return
		}

		proposals = l.deps.Strategies.Collect(ctx, universe, portfolio, quotes)
		rec.Proposals = len(proposals)

		if len(proposals) == 0 && len(exits) == 0 {
			rec.NoTradeReason = "rules_engine_no_proposals"
			l.bumpZeroTrigger()
		} else {
			l.deps.Store.SetZeroTriggerCycles(0)
		}
	})
	if rec.NoTradeReason != "" {
		telemetry.GetGlobalMetrics().AddNoTrade(ctx, rec.NoTradeReason)
		return rec
	}

	batch := make([]*core.TradeProposal, 0, len(exits)+len(proposals))
	for _, e := range exits {
		batch = append(batch, e.Proposal)
	}
	batch = append(batch, proposals...)

	var approved []*core.TradeProposal
	l.runStage(ctx, "risk", stages, func() {
		res := l.deps.Risk.Evaluate(batch, portfolio, l.mode)
		rec.Rejections = res.ProposalRejections
		approved = res.ApprovedProposals
		rec.Approved = len(approved)

		if !res.Approved {
			rec.NoTradeReason = res.Reason
			if isCircuitReason(res.Reason) {
				l.deps.Alerts.Critical("circuit_tripped", res.Reason, map[string]interface{}{
					"cycle": n,
				})
			}
		}
	})
	if rec.NoTradeReason != "" {
		telemetry.GetGlobalMetrics().AddNoTrade(ctx, rec.NoTradeReason)
		return rec
	}

	l.runStage(ctx, "execute", stages, func() {
		rec.Orders = l.executeBatch(ctx, approved, exits, quotes, universe, portfolio)
		for _, o := range rec.Orders {
			if o.Status == execution.StatusExecuted || o.Status == execution.StatusPartiallyFilled {
				rec.Executed++
			}
		}
	})

	l.runStage(ctx, "fills", stages, func() {
		if rec.Executed == 0 {
			return
		}
		if wait := l.cfg.Policy.Execution.PostTradeReconcileWaitSeconds; wait > 0 {
			_ = l.sleep(ctx, time.Duration(wait)*time.Second)
		}
		if _, err := l.deps.Engine.ReconcileFills(ctx, fillLookback); err != nil {
			l.logger.Warn("Post-trade fill reconciliation failed", "error", err)
		}
	})

	l.runStage(ctx, "persist", stages, func() {
		if err := l.deps.Store.Save(); err != nil {
			l.logger.Error("State save failed", "error", err)
		}
	})

	rec.Portfolio = portfolioSummary(l.deps.Store.Portfolio())
	return rec
}

// runStage times one cycle stage and reports soft budget breaches
func (l *Loop) runStage(ctx context.Context, name string, stages map[string]float64, fn func()) {
	start := l.now()
	fn()
	secs := l.now().Sub(start).Seconds()
	stages[name] = secs
	telemetry.GetGlobalMetrics().AddStage(ctx, name, secs)

	if budget, ok := stageBudgets[name]; ok && secs > budget {
		l.logger.Warn("Stage exceeded budget", "stage", name, "seconds", secs, "budget", budget)
		l.deps.Alerts.Warning("stage_budget_exceeded",
			fmt.Sprintf("stage %s took %.1fs (budget %.0fs)", name, secs, budget), nil)
	}
}

// refreshPortfolio rebuilds the portfolio from the exchange's account
// snapshot. Accounts are mandatory; a failure aborts the cycle
// fail-closed. Valuation quotes degrade to the prior stored value.
func (l *Loop) refreshPortfolio(ctx context.Context) (*core.PortfolioState, error) {
	accounts, err := l.deps.Exchange.GetAccounts(ctx)
	if err != nil {
		return nil, apperrors.DataUnavailable("accounts", err)
	}

	cashSet := make(map[string]bool)
	cashSet["USD"] = true
	for _, c := range l.cfg.Policy.Risk.CashEquivalents {
		cashSet[c] = true
	}

	prev := l.deps.Store.Portfolio()
	cash := make(map[string]decimal.Decimal)
	positions := make(map[string]*core.Position)
	total := decimal.Zero

	for _, a := range accounts {
		qty := a.Available.Add(a.Hold)
		if !qty.IsPositive() {
			continue
		}
		if cashSet[a.Currency] {
			cash[a.Currency] = qty
			total = total.Add(qty)
			continue
		}

		symbol := a.Currency + "-USD"
		pos := &core.Position{Symbol: symbol, BaseQty: qty}
		if old, ok := prev.OpenPositions[symbol]; ok {
			pos.EntryPrice = old.EntryPrice
			pos.EntryValueUSD = old.EntryValueUSD
			pos.FeesPaid = old.FeesPaid
			pos.OpenedAt = old.OpenedAt
		} else {
			pos.OpenedAt = l.now().UTC()
		}

		quote, err := l.deps.Exchange.GetQuote(ctx, symbol)
		if err == nil {
			pos.CurrentUSD = qty.Mul(quote.Mid)
		} else if old, ok := prev.OpenPositions[symbol]; ok {
			l.logger.Warn("Valuation quote failed, reusing prior value",
				"symbol", symbol, "error", err)
			pos.CurrentUSD = old.CurrentUSD
		} else {
			l.logger.Warn("Cannot value holding, treating as zero",
				"symbol", symbol, "error", err)
		}

		// First sight of a holding: entry equals current value so PnL
		// starts at zero instead of a fictional gain.
		if pos.EntryValueUSD.IsZero() {
			pos.EntryValueUSD = pos.CurrentUSD
			if qty.IsPositive() {
				pos.EntryPrice = pos.CurrentUSD.Div(qty)
			}
		}

		positions[symbol] = pos
		total = total.Add(pos.CurrentUSD)
	}

	now := l.now().UTC()
	l.deps.Store.ReconcileExchangeSnapshot(positions, cash, total, now)

	p := l.deps.Store.Portfolio()
	metrics := telemetry.GetGlobalMetrics()
	metrics.SetAccountValue(total.InexactFloat64())
	metrics.SetOpenPositions(int64(len(positions)))
	return p, nil
}

// feedCircuits pushes cycle telemetry into the circuit registry
func (l *Loop) feedCircuits(portfolio *core.PortfolioState) {
	circuits := l.deps.Risk.Circuits()

	if l.deps.ExchangeHealth != nil {
		consecutive, recent429s := l.deps.ExchangeHealth()
		circuits.RecordAPIErrors(consecutive)
		circuits.RecordRateLimitHits(recent429s)
		circuits.RecordConnectivity(consecutive == 0)
		if l.deps.ResetRateWindow != nil {
			l.deps.ResetRateWindow()
		}
	}

	circuits.RecordNAV(portfolio.AccountValueUSD)
	circuits.TickCycle()
}

// autoTrim liquidates the largest positions when total exposure exceeds
// the risk cap, so the next cycle's buys are not starved forever.
func (l *Loop) autoTrim(ctx context.Context, portfolio *core.PortfolioState) {
	pm := l.cfg.Policy.PortfolioManagement
	if !pm.AutoTrimToRiskCap || (l.mode != core.ModeLive && l.mode != core.ModePaper) {
		return
	}

	nav := portfolio.AccountValueUSD
	if !nav.IsPositive() {
		return
	}

	dust := decimal.NewFromFloat(l.cfg.Policy.Risk.DustPositionUSD)
	riskCap := nav.Mul(decimal.NewFromFloat(l.cfg.Policy.Risk.MaxTotalAtRiskPct)).Div(decimal.NewFromInt(100))
	atRisk := portfolio.TotalPositionsUSD(dust).Add(portfolio.PendingBuyNotional())

	tolerance := riskCap.Mul(decimal.NewFromFloat(pm.TrimTolerancePct).Div(decimal.NewFromInt(100)))
	if atRisk.LessThanOrEqual(riskCap.Add(tolerance)) {
		return
	}

	// Target below the cap by the configured buffer so one trim lasts.
	buffer := riskCap.Mul(decimal.NewFromFloat(pm.TrimTargetBufferPct).Div(decimal.NewFromInt(100)))
	excess := atRisk.Sub(riskCap.Sub(buffer))

	l.logger.Warn("Exposure over risk cap, trimming",
		"at_risk_usd", atRisk.StringFixed(2),
		"cap_usd", riskCap.StringFixed(2),
		"excess_usd", excess.StringFixed(2))

	maxLiq := pm.TrimMaxLiquidations
	if maxLiq <= 0 {
		maxLiq = 1
	}
	minValue := decimal.NewFromFloat(pm.TrimMinValueUSD)

	liquidated := 0
	for excess.IsPositive() && liquidated < maxLiq {
		symbol, pos := largestPosition(portfolio, minValue)
		if pos == nil {
			break
		}

		target := decimal.Min(excess, pos.CurrentUSD)
		tier := 3
		res, err := l.deps.Engine.LiquidatePosition(ctx, symbol, target, pm.PurgeExecution, tier)
		if err != nil {
			l.logger.Error("Trim liquidation failed", "symbol", symbol, "error", err)
			l.deps.Alerts.Warning("trim_failed", fmt.Sprintf("trim of %s failed", symbol),
				map[string]interface{}{"error": err.Error()})
			break
		}

		l.logger.Info("Trim slice complete",
			"symbol", symbol,
			"sold_usd", res.SoldUSD.StringFixed(2),
			"slices", res.Slices,
			"stopped", res.StoppedReason)

		excess = excess.Sub(res.SoldUSD)
		pos.CurrentUSD = pos.CurrentUSD.Sub(res.SoldUSD)
		liquidated++
		if res.SoldUSD.IsZero() {
			break
		}
	}
}

func largestPosition(portfolio *core.PortfolioState, minValue decimal.Decimal) (string, *core.Position) {
	var bestSym string
	var best *core.Position
	for sym, pos := range portfolio.OpenPositions {
		if pos.CurrentUSD.LessThan(minValue) {
			continue
		}
		if best == nil || pos.CurrentUSD.GreaterThan(best.CurrentUSD) {
			bestSym, best = sym, pos
		}
	}
	return bestSym, best
}

// fetchQuotes pulls one quote per universe symbol; individual failures
// drop the symbol for this cycle
func (l *Loop) fetchQuotes(ctx context.Context, universe *core.Universe) map[string]*core.Quote {
	quotes := make(map[string]*core.Quote, len(universe.Entries))
	stale := 0
	for _, symbol := range universe.Symbols() {
		q, err := l.deps.Exchange.GetQuote(ctx, symbol)
		if err != nil {
			l.logger.Warn("Quote fetch failed", "symbol", symbol, "error", err)
			if errors.Is(err, apperrors.ErrStaleQuote) {
				stale++
			}
			continue
		}
		quotes[symbol] = q
	}
	l.deps.Risk.Circuits().RecordExchangeHealth(stale)
	return quotes
}

// executeBatch runs every approved proposal through the execution engine
func (l *Loop) executeBatch(ctx context.Context, approved []*core.TradeProposal, exits []*position.Exit, quotes map[string]*core.Quote, universe *core.Universe, portfolio *core.PortfolioState) []audit.OrderOutcome {
	exitReasons := make(map[string]position.ExitReason, len(exits))
	for _, e := range exits {
		exitReasons[e.Proposal.Symbol] = e.Reason
	}

	outcomes := make([]audit.OrderOutcome, 0, len(approved))
	for _, p := range approved {
		quote := quotes[p.Symbol]
		if quote == nil {
			q, err := l.deps.Exchange.GetQuote(ctx, p.Symbol)
			if err != nil {
				outcomes = append(outcomes, audit.OrderOutcome{
					Symbol: p.Symbol, Side: p.Side,
					Status: "rejected", Reason: "quote_unavailable",
					NotionalUSD: p.NotionalUSD,
				})
				continue
			}
			quote = q
		}

		book, err := l.deps.Exchange.GetOrderbook(ctx, p.Symbol, orderbookLevels)
		if err != nil {
			if l.mode == core.ModeLive {
				outcomes = append(outcomes, audit.OrderOutcome{
					Symbol: p.Symbol, Side: p.Side,
					Status: "rejected", Reason: "orderbook_unavailable",
					NotionalUSD: p.NotionalUSD,
				})
				continue
			}
			l.logger.Warn("Orderbook fetch failed, continuing outside LIVE",
				"symbol", p.Symbol, "error", err)
			book = nil
		}

		tier := universe.TierOf(p.Symbol, 3)
		res, err := l.deps.Engine.ExecuteProposal(ctx, p, quote, book, tier)
		if err != nil {
			l.logger.Error("Execution failed", "symbol", p.Symbol, "error", err)
			outcomes = append(outcomes, audit.OrderOutcome{
				Symbol: p.Symbol, Side: p.Side,
				Status: "failed", Reason: err.Error(),
				NotionalUSD: p.NotionalUSD,
			})
			continue
		}

		outcomes = append(outcomes, audit.OrderOutcome{
			ClientOrderID: res.ClientOrderID,
			Symbol:        p.Symbol,
			Side:          p.Side,
			Route:         res.Route,
			Status:        res.Status,
			Reason:        res.Reason,
			NotionalUSD:   p.NotionalUSD,
			FilledUSD:     res.FilledUSD,
			Fees:          res.Fees,
		})

		if res.Status != execution.StatusExecuted && res.Status != execution.StatusPartiallyFilled {
			continue
		}

		switch p.Side {
		case core.SideBuy:
			l.deps.Positions.Register(portfolio, p, l.now().UTC())
		case core.SideSell:
			if reason, isExit := exitReasons[p.Symbol]; isExit {
				l.deps.Risk.ApplySymbolCooldown(p.Symbol, reason == position.ExitStopLoss)
				l.deps.Positions.Unregister(portfolio, p.Symbol)
			}
		}
	}
	return outcomes
}

// bumpZeroTrigger counts consecutive zero-proposal cycles and applies the
// auto-tune loosening as an in-memory override once the threshold is hit.
// Config files are never rewritten: a restart restores YAML values and
// the override is visible in the event log and audit trail.
func (l *Loop) bumpZeroTrigger() {
	n := l.deps.Store.ZeroTriggerCycles() + 1
	l.deps.Store.SetZeroTriggerCycles(n)

	at := l.cfg.App.AutoTune
	if at.ZeroTriggerCycles <= 0 || n < at.ZeroTriggerCycles {
		return
	}
	if len(l.deps.Store.AutoTuneApplied()) > 0 {
		return
	}

	overrides := make(map[string]float64, len(at.Loosen))
	for key, factor := range at.Loosen {
		v := factor
		if floor, ok := at.Floors[key]; ok && v < floor {
			v = floor
		}
		overrides[key] = v
	}
	if len(overrides) == 0 {
		return
	}

	l.deps.Store.SetAutoTuneApplied(overrides)
	l.deps.Store.AppendEvent("auto_tune_applied", map[string]interface{}{
		"zero_trigger_cycles": n,
		"overrides":           overrides,
	})
	l.deps.Store.SetZeroTriggerCycles(0)
	l.logger.Warn("Auto-tune loosening applied", "cycles", n, "overrides", overrides)
	l.deps.Alerts.Warning("auto_tune_applied",
		fmt.Sprintf("trigger thresholds loosened after %d zero-proposal cycles", n), nil)
}

// AutoTuneOverrides exposes the active loosening factors for strategies
func (l *Loop) AutoTuneOverrides() map[string]float64 {
	return l.deps.Store.AutoTuneApplied()
}

func (l *Loop) abortDataUnavailable(ctx context.Context, rec *audit.CycleRecord, err error) {
	var du *apperrors.DataUnavailableError
	reason := "data_unavailable:unknown"
	if errors.As(err, &du) {
		reason = "data_unavailable:" + du.Source
	}
	rec.NoTradeReason = reason

	l.logger.Error("Cycle aborted fail-closed", "reason", reason, "error", err)
	telemetry.GetGlobalMetrics().AddNoTrade(ctx, reason)
	l.deps.Alerts.Critical("data_unavailable", reason, map[string]interface{}{
		"error": err.Error(),
	})
}

func (l *Loop) recordPanic(reason string) {
	l.mu.Lock()
	now := l.now()
	kept := l.panicTimes[:0]
	for _, t := range l.panicTimes {
		if now.Sub(t) < panicBurstWindow {
			kept = append(kept, t)
		}
	}
	l.panicTimes = append(kept, now)
	burst := len(l.panicTimes)
	l.mu.Unlock()

	if burst >= panicBurstCount {
		l.deps.Alerts.Critical("exception_burst",
			fmt.Sprintf("%d cycle exceptions within %s", burst, panicBurstWindow), map[string]interface{}{
				"last_reason": reason,
			})
	}
}

func (l *Loop) finishCycle(ctx context.Context, rec *audit.CycleRecord, stages map[string]float64) {
	usage := l.rateUsageSnapshot()
	maxUsage := 0.0
	for endpoint, u := range usage {
		telemetry.GetGlobalMetrics().SetRateUtilization(endpoint, u)
		if u > maxUsage {
			maxUsage = u
		}
	}
	rec.RateUsagePct = maxUsage * 100

	for name, open := range l.deps.Risk.Circuits().Snapshot() {
		if open {
			rec.CircuitsOpen = append(rec.CircuitsOpen, string(name))
		}
	}

	outcome := "no_trade"
	if rec.Executed > 0 {
		outcome = "traded"
	}
	telemetry.GetGlobalMetrics().AddCycle(ctx, outcome, rec.DurationSecs)

	status := "ok"
	if rec.NoTradeReason != "" {
		status = rec.NoTradeReason
	}

	l.mu.Lock()
	l.lastCycle = health.CycleStatus{
		Status:          status,
		Proposals:       rec.Proposals,
		Approved:        rec.Approved,
		Executed:        rec.Executed,
		DurationSeconds: rec.DurationSecs,
	}
	l.lastStages = stages
	l.lastRateUsage = usage
	l.mu.Unlock()
}

func (l *Loop) rateUsageSnapshot() map[string]float64 {
	if l.deps.Limiter == nil {
		return nil
	}
	return l.deps.Limiter.Snapshot()
}

func (l *Loop) maxRateUtilization() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	max := 0.0
	for _, u := range l.lastRateUsage {
		if u*100 > max {
			max = u * 100
		}
	}
	return max
}

func (l *Loop) nextCycleNumber() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycleNumber++
	return l.cycleNumber
}

func (l *Loop) setRunning(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = v
}

func (l *Loop) currentRegime() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.regime
}

// Status builds the health endpoint payload from the loop's last cycle
func (l *Loop) Status() health.Status {
	l.mu.Lock()
	cycle := l.lastCycle
	stages := l.lastStages
	usage := l.lastRateUsage
	running := l.running
	regime := l.regime
	l.mu.Unlock()

	portfolio := l.deps.Store.Portfolio()
	circuits := l.deps.Risk.Circuits().Snapshot()
	killSwitch := l.deps.Risk.KillSwitchActive()

	latency := make(map[string]health.LatencySummary)
	for endpoint, stat := range l.deps.Store.LatencyStats() {
		s := health.LatencySummary{Count: stat.Count, MaxSecs: stat.MaxSecs}
		if stat.Count > 0 {
			s.AvgSecs = stat.TotalSecs / float64(stat.Count)
		}
		latency[endpoint] = s
	}

	var issues []string
	for name, open := range circuits {
		if open {
			issues = append(issues, "circuit_open:"+string(name))
		}
	}
	if killSwitch {
		issues = append(issues, "kill_switch_active")
	}

	return health.Status{
		Timestamp:        l.now().UTC(),
		Mode:             l.mode,
		Regime:           regime,
		ReadOnly:         l.cfg.App.Exchange.ReadOnly,
		Running:          running,
		Cycle:            cycle,
		StageDurations:   stages,
		RateUsage:        usage,
		APILatency:       latency,
		MetricsEnabled:   l.cfg.App.Monitoring.MetricsEnabled,
		AlertsEnabled:    l.cfg.App.Monitoring.AlertsEnabled,
		KillSwitchActive: killSwitch,
		Portfolio: health.PortfolioStatus{
			OpenPositions:   len(portfolio.OpenPositions),
			PendingBuckets:  len(portfolio.PendingOrders[core.SideBuy]) + len(portfolio.PendingOrders[core.SideSell]),
			AccountValueUSD: portfolio.AccountValueUSD,
		},
		Circuit: circuits,
		Issues:  issues,
		OK:      running && len(issues) == 0,
	}
}

func portfolioSummary(p *core.PortfolioState) audit.PortfolioSummary {
	return audit.PortfolioSummary{
		AccountValueUSD: p.AccountValueUSD,
		OpenPositions:   len(p.OpenPositions),
		PendingBuysUSD:  p.PendingBuyNotional(),
		DailyPnLPct:     p.DailyPnLPct,
	}
}

func isCircuitReason(reason string) bool {
	return strings.HasPrefix(reason, "circuit_tripped:")
}
