package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/config"
	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/costs"
	"github.com/aelhadee/247trader-V2-sub000/internal/orders"
	"github.com/aelhadee/247trader-V2-sub000/internal/state"
	"github.com/aelhadee/247trader-V2-sub000/internal/symbols"
	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

// Allowed clock skew when checking a quote's timestamp against now
const quoteSkewTolerance = 5 * time.Second

// How long canceled exchange ids stay in the ghost set
const ghostTTL = 5 * time.Minute

var two = decimal.NewFromInt(2)

// Status values for an execution attempt
const (
	StatusExecuted         = "executed"
	StatusPartiallyFilled  = "partially_filled"
	StatusNoFill           = "no_fill"
	StatusSkippedDuplicate = "skipped_duplicate"
	StatusShadowLogged     = "shadow_logged"
)

// Result is the outcome of executing one proposal
type Result struct {
	Status        string
	Reason        string
	ClientOrderID string
	Route         core.Route
	FilledUSD     decimal.Decimal
	FilledBase    decimal.Decimal
	Fees          decimal.Decimal
	FeeAdjusted   bool
}

// Rejected reports whether the attempt was refused before submission
func (r *Result) Rejected() bool {
	return r.Reason != "" && r.Status == ""
}

// Engine drives order placement for approved proposals
type Engine struct {
	exchange core.IExchange
	machine  *orders.StateMachine
	store    *state.Store
	costs    *costs.Model
	execCfg  config.ExecutionConfig
	microCfg config.MicrostructureConfig
	mode     core.Mode
	logger   core.ILogger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	rng      *rand.Rand

	pollInterval time.Duration

	ghostMu sync.Mutex
	ghosts  map[string]time.Time
}

// NewEngine wires the execution engine
func NewEngine(exchange core.IExchange, machine *orders.StateMachine, store *state.Store, costModel *costs.Model, execCfg config.ExecutionConfig, microCfg config.MicrostructureConfig, mode core.Mode, logger core.ILogger) *Engine {
	return &Engine{
		exchange:     exchange,
		machine:      machine,
		store:        store,
		costs:        costModel,
		execCfg:      execCfg,
		microCfg:     microCfg,
		mode:         mode,
		logger:       logger.WithField("component", "execution_engine"),
		now:          time.Now,
		sleep:        sleepCtx,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		pollInterval: 2 * time.Second,
		ghosts:       make(map[string]time.Time),
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
func (e *Engine) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	e.now = now
	if sleep != nil {
		e.sleep = sleep
	}
}

// SetPollInterval overrides the order-status poll cadence
func (e *Engine) SetPollInterval(d time.Duration) {
	e.pollInterval = d
}

// Machine exposes the order state machine for cycle reporting
func (e *Engine) Machine() *orders.StateMachine {
	return e.machine
}

// ExecuteProposal runs the full pipeline for one approved proposal:
// quote gating, depth check, sizing, route plan, submission, tracking.
func (e *Engine) ExecuteProposal(ctx context.Context, p *core.TradeProposal, quote *core.Quote, book *core.OrderbookSnapshot, tier int) (*Result, error) {
	symbol := symbols.Normalize(p.Symbol)
	sizeUSD := p.NotionalUSD

	if err := e.ValidateQuote(quote); err != nil {
		return &Result{Reason: fmt.Sprintf("rejected:%v", err)}, err
	}
	if err := e.checkDepth(p.Side, sizeUSD, book); err != nil {
		if e.mode == core.ModeLive {
			return &Result{Reason: fmt.Sprintf("rejected:%v", err)}, err
		}
		e.logger.Warn("Depth check degraded to warning outside LIVE",
			"symbol", symbol, "error", err)
	}

	meta := e.productMeta(ctx, symbol)
	adjSizeUSD, feeAdjusted := e.adjustSizeForMinimums(sizeUSD, meta)

	plan := e.buildRoutePlan(adjSizeUSD, tier)
	clientID := ClientOrderID(e.execCfg.ClientOrderIDPrefix, symbol, p.Side, adjSizeUSD, e.now())

	res, err := e.runPlan(ctx, plan, clientID, symbol, p.Side, adjSizeUSD, quote, meta, tier)
	if res != nil {
		res.FeeAdjusted = feeAdjusted
	}
	return res, err
}

// ValidateQuote rejects stale or future-dated quotes and wide spreads
func (e *Engine) ValidateQuote(q *core.Quote) error {
	if q == nil {
		return apperrors.DataUnavailable("quote", errors.New("missing quote"))
	}
	now := e.now()
	age := now.Sub(q.Timestamp)

	maxAge := time.Duration(e.microCfg.MaxQuoteAgeSeconds * float64(time.Second))
	if age >= maxAge {
		return fmt.Errorf("%w: %s is %s old (max %s)", apperrors.ErrStaleQuote, q.Symbol, age.Round(time.Second), maxAge)
	}
	if age < -quoteSkewTolerance {
		return fmt.Errorf("%w: %s timestamp is %s in the future", apperrors.ErrStaleQuote, q.Symbol, (-age).Round(time.Second))
	}

	maxSpread := decimal.NewFromFloat(e.microCfg.MaxSpreadBps)
	if maxSpread.IsPositive() && q.SpreadBps.GreaterThan(maxSpread) {
		return fmt.Errorf("%w: %s spread %s bps exceeds %s", apperrors.ErrSpreadTooWide, q.Symbol, q.SpreadBps.StringFixed(1), maxSpread)
	}
	return nil
}

func (e *Engine) checkDepth(side core.Side, sizeUSD decimal.Decimal, book *core.OrderbookSnapshot) error {
	if book == nil {
		return fmt.Errorf("%w: no orderbook snapshot", apperrors.ErrInsufficientDepth)
	}
	mult := decimal.NewFromFloat(e.execCfg.DepthMultiplier)
	required := sizeUSD.Mul(mult)
	available := book.DepthForSide(side)
	if available.LessThan(required) {
		return fmt.Errorf("%w: %s depth $%s < required $%s", apperrors.ErrInsufficientDepth,
			book.Symbol, available.StringFixed(0), required.StringFixed(0))
	}
	return nil
}

func (e *Engine) productMeta(ctx context.Context, symbol string) *core.ProductMeta {
	meta, err := e.exchange.GetProductMetadata(ctx, symbol)
	if err != nil {
		// Fail-open: missing metadata skips increment rounding.
		e.logger.Warn("Product metadata unavailable, skipping increment rounding",
			"symbol", symbol, "error", err)
		return nil
	}
	return meta
}

// adjustSizeForMinimums grosses the order up for expected fees so the net
// notional still clears both the policy and exchange minimums
func (e *Engine) adjustSizeForMinimums(sizeUSD decimal.Decimal, meta *core.ProductMeta) (decimal.Decimal, bool) {
	min := decimal.Zero
	if meta != nil && meta.MinMarketFunds.IsPositive() {
		min = meta.MinMarketFunds
	}
	if min.IsZero() {
		return sizeUSD, false
	}

	adjusted := e.costs.AdjustSizeForFees(sizeUSD, true, min)
	if adjusted.GreaterThan(sizeUSD) {
		return adjusted, true
	}
	return sizeUSD, false
}

type routeStep struct {
	route core.Route
}

func (e *Engine) buildRoutePlan(sizeUSD decimal.Decimal, tier int) []routeStep {
	smallThreshold := decimal.NewFromFloat(e.execCfg.SmallOrderMarketThresholdUSD)

	// Very small orders skip the maker stage entirely.
	if smallThreshold.IsPositive() && sizeUSD.LessThan(smallThreshold) {
		return []routeStep{{route: core.RouteMarketIOC}}
	}

	plan := []routeStep{{route: core.RouteLimitPostOnly}}
	if e.execCfg.TakerFallback {
		plan = append(plan, routeStep{route: core.RouteLimitIOC})
	}
	return plan
}

func (e *Engine) runPlan(ctx context.Context, plan []routeStep, clientID, symbol string, side core.Side, sizeUSD decimal.Decimal, quote *core.Quote, meta *core.ProductMeta, tier int) (*Result, error) {
	for _, step := range plan {
		switch step.route {
		case core.RouteLimitPostOnly:
			res, err := e.makerFirst(ctx, clientID, symbol, side, sizeUSD, quote, meta, tier)
			if err != nil || res.Status == StatusExecuted || res.Status == StatusSkippedDuplicate || res.Status == StatusShadowLogged {
				return res, err
			}
			// Fall through to the next step with whatever remains.
			remaining := sizeUSD.Sub(res.FilledUSD)
			if !remaining.IsPositive() {
				res.Status = StatusExecuted
				return res, nil
			}
			sizeUSD = remaining

		case core.RouteLimitIOC, core.RouteMarketIOC:
			if step.route == core.RouteLimitIOC && !e.takerSlippageAcceptable(quote, tier) {
				e.logger.Warn("Taker fallback skipped, slippage budget exceeded",
					"symbol", symbol, "spread_bps", quote.SpreadBps.StringFixed(1))
				continue
			}
			return e.submitTaker(ctx, clientID, symbol, side, sizeUSD, quote, meta, step.route, tier)
		}
	}
	return &Result{Status: StatusNoFill, ClientOrderID: clientID}, nil
}

// takerSlippageAcceptable compares estimated taker slippage against the
// per-tier budget
func (e *Engine) takerSlippageAcceptable(quote *core.Quote, tier int) bool {
	budget := e.takerSlippageBudgetBps(tier)
	if budget <= 0 {
		return true
	}
	// Crossing the spread costs about half of it.
	estimated := quote.SpreadBps.Div(two)
	return estimated.LessThanOrEqual(decimal.NewFromFloat(budget))
}

func (e *Engine) takerSlippageBudgetBps(tier int) float64 {
	if len(e.execCfg.TakerMaxSlippageBps) == 0 {
		return 0
	}
	if v, ok := e.execCfg.TakerMaxSlippageBps[fmt.Sprintf("T%d", tier)]; ok {
		return v
	}
	return e.execCfg.TakerMaxSlippageBps["default"]
}

// makerFirst submits post-only orders cushioned inside the book, canceling
// and re-pricing on TTL expiry up to maker_max_reprices times
func (e *Engine) makerFirst(ctx context.Context, clientID, symbol string, side core.Side, sizeUSD decimal.Decimal, quote *core.Quote, meta *core.ProductMeta, tier int) (*Result, error) {
	totalFilledUSD := decimal.Zero
	totalFilledBase := decimal.Zero
	totalFees := decimal.Zero

	maxAttempts := e.execCfg.MakerMaxReprices + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			refreshed, err := e.exchange.GetQuote(ctx, symbol)
			if err != nil {
				e.logger.Warn("Quote refresh failed during reprice", "symbol", symbol, "error", err)
				break
			}
			if err := e.ValidateQuote(refreshed); err != nil {
				e.logger.Warn("Refreshed quote rejected during reprice", "symbol", symbol, "error", err)
				break
			}
			quote = refreshed
		}

		price := e.makerPrice(side, quote, meta)
		baseSize := roundToIncrement(sizeUSD.Div(price), incrementOf(meta))
		if !baseSize.IsPositive() {
			return &Result{Reason: "rejected:size_rounds_to_zero", ClientOrderID: clientID},
				fmt.Errorf("%w: size rounds to zero at %s", apperrors.ErrInvalidOrderParameter, price)
		}

		ttl := e.adaptiveTTL(quote.SpreadBps, attempt)
		req := &core.PlaceOrderRequest{
			ClientOrderID: clientID,
			Symbol:        symbol,
			Side:          side,
			Route:         core.RouteLimitPostOnly,
			LimitPrice:    price,
			BaseSize:      baseSize,
			PostOnly:      true,
		}

		res, err := e.submit(ctx, req, sizeUSD, tier, ttl)
		if err != nil {
			return res, err
		}
		if res.Status == StatusSkippedDuplicate || res.Status == StatusShadowLogged {
			return res, nil
		}

		totalFilledUSD = totalFilledUSD.Add(res.FilledUSD)
		totalFilledBase = totalFilledBase.Add(res.FilledBase)
		totalFees = totalFees.Add(res.Fees)

		if res.Status == StatusExecuted {
			return &Result{
				Status:        StatusExecuted,
				ClientOrderID: clientID,
				Route:         core.RouteLimitPostOnly,
				FilledUSD:     totalFilledUSD,
				FilledBase:    totalFilledBase,
				Fees:          totalFees,
			}, nil
		}

		remaining := sizeUSD.Sub(totalFilledUSD)
		if !remaining.IsPositive() {
			break
		}
		sizeUSD = remaining
		// A reprice needs a fresh id; the previous order is terminal.
		clientID = ClientOrderID(e.execCfg.ClientOrderIDPrefix, symbol, side, sizeUSD, e.now().Add(time.Duration(attempt+1)*time.Minute))
	}

	status := StatusNoFill
	if totalFilledUSD.IsPositive() {
		status = StatusPartiallyFilled
	}
	return &Result{
		Status:        status,
		ClientOrderID: clientID,
		Route:         core.RouteLimitPostOnly,
		FilledUSD:     totalFilledUSD,
		FilledBase:    totalFilledBase,
		Fees:          totalFees,
	}, nil
}

// makerPrice cushions the order one tick inside the book
func (e *Engine) makerPrice(side core.Side, quote *core.Quote, meta *core.ProductMeta) decimal.Decimal {
	tick := decimal.NewFromFloat(0.01)
	if meta != nil && meta.QuoteIncrement.IsPositive() {
		tick = meta.QuoteIncrement
	}
	if side == core.SideBuy {
		return quote.Bid.Sub(tick)
	}
	return quote.Ask.Add(tick)
}

// adaptiveTTL scales the post-only TTL with the spread and decays it on
// each reprice, clamped to [maker_first_min_ttl, maker_max_ttl]
func (e *Engine) adaptiveTTL(spreadBps decimal.Decimal, attempt int) time.Duration {
	minTTL := e.execCfg.MakerFirstMinTTLSec
	maxTTL := e.execCfg.MakerMaxTTLSec

	// Wider spreads get more patience.
	secs := int(spreadBps.IntPart()) * 3
	if secs > maxTTL {
		secs = maxTTL
	}
	for i := 0; i < attempt; i++ {
		secs /= 2
	}
	if secs < minTTL {
		secs = minTTL
	}
	return time.Duration(secs) * time.Second
}

func (e *Engine) submitTaker(ctx context.Context, clientID, symbol string, side core.Side, sizeUSD decimal.Decimal, quote *core.Quote, meta *core.ProductMeta, route core.Route, tier int) (*Result, error) {
	req := &core.PlaceOrderRequest{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Route:         route,
	}

	switch route {
	case core.RouteMarketIOC:
		if side == core.SideBuy {
			req.QuoteSize = sizeUSD.Round(2)
		} else {
			req.BaseSize = roundToIncrement(sizeUSD.Div(quote.Bid), incrementOf(meta))
		}
	case core.RouteLimitIOC:
		price := quote.Ask
		if side == core.SideSell {
			price = quote.Bid
		}
		req.LimitPrice = price
		req.BaseSize = roundToIncrement(sizeUSD.Div(price), incrementOf(meta))
	}

	ttl := time.Duration(e.execCfg.PostOnlyTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return e.submit(ctx, req, sizeUSD, tier, ttl)
}

// submit performs the idempotent submission and post-submit tracking for
// one order. DRY_RUN shadow-logs, PAPER simulates a fill, LIVE places the
// real order and polls to terminal or TTL.
func (e *Engine) submit(ctx context.Context, req *core.PlaceOrderRequest, sizeUSD decimal.Decimal, tier int, ttl time.Duration) (*Result, error) {
	// Idempotency: an in-flight order or a persisted open order with the
	// same client id means this submission already happened.
	if existing := e.machine.Get(req.ClientOrderID); existing != nil && existing.IsActive() {
		e.logger.Info("Duplicate submission skipped", "client_order_id", req.ClientOrderID)
		return &Result{Status: StatusSkippedDuplicate, ClientOrderID: req.ClientOrderID}, nil
	}
	if e.store.HasOpenOrder(req.ClientOrderID) {
		e.logger.Info("Duplicate submission skipped via persisted index", "client_order_id", req.ClientOrderID)
		return &Result{Status: StatusSkippedDuplicate, ClientOrderID: req.ClientOrderID}, nil
	}

	order := e.machine.CreateOrder(req.ClientOrderID, req.Symbol, req.Side, sizeUSD, req.BaseSize, req.Route)

	switch e.mode {
	case core.ModeDryRun:
		e.logger.Info("Shadow order (dry run, not submitted)",
			"client_order_id", order.ClientOrderID,
			"symbol", req.Symbol,
			"side", req.Side,
			"route", req.Route,
			"size_usd", sizeUSD.StringFixed(2),
			"limit_price", req.LimitPrice.String())
		_ = e.machine.Transition(req.ClientOrderID, core.StatusRejected, orders.TransitionOpts{
			RejectionReason: "shadow_dry_run",
		})
		return &Result{Status: StatusShadowLogged, ClientOrderID: req.ClientOrderID, Route: req.Route}, nil

	case core.ModePaper:
		return e.simulateFill(req, sizeUSD, tier)
	}

	// LIVE
	info, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateOrder) {
			e.logger.Warn("Exchange reported duplicate client order id", "client_order_id", req.ClientOrderID)
			return &Result{Status: StatusSkippedDuplicate, ClientOrderID: req.ClientOrderID}, nil
		}
		_ = e.machine.Transition(req.ClientOrderID, core.StatusFailed, orders.TransitionOpts{Error: err.Error()})
		return &Result{Reason: fmt.Sprintf("rejected:%v", err), ClientOrderID: req.ClientOrderID}, err
	}

	if err := e.machine.Transition(req.ClientOrderID, core.StatusOpen, orders.TransitionOpts{ExchangeOrderID: info.ExchangeOrderID}); err != nil {
		e.logger.Error("Failed to record OPEN transition", "client_order_id", req.ClientOrderID, "error", err)
	}
	e.store.RecordOpenOrder(req.ClientOrderID, &state.OpenOrderRecord{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: info.ExchangeOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		NotionalUSD:     sizeUSD,
		Route:           req.Route,
		CreatedAt:       e.now(),
	})
	if req.Side == core.SideBuy {
		e.store.AddPendingMarker(&core.PendingMarker{
			Symbol:      req.Symbol,
			Side:        core.SideBuy,
			NotionalUSD: sizeUSD,
			CreatedAt:   e.now(),
			ExpiresAt:   e.now().Add(time.Duration(e.execCfg.PendingMarkerTTLSeconds) * time.Second),
		})
	}
	telemetry.GetGlobalMetrics().AddOrderPlaced(ctx, req.Symbol, string(req.Route))

	return e.pollToTerminal(ctx, req.ClientOrderID, info.ExchangeOrderID, req.Symbol, req.Side, req.Route, ttl)
}

// simulateFill models paper-mode execution at live quotes
func (e *Engine) simulateFill(req *core.PlaceOrderRequest, sizeUSD decimal.Decimal, tier int) (*Result, error) {
	filled := true
	if req.Route == core.RouteLimitPostOnly {
		filled = e.costs.SimulateFill(e.rng, req.Route, tier)
	}

	_ = e.machine.Transition(req.ClientOrderID, core.StatusOpen, orders.TransitionOpts{
		ExchangeOrderID: "paper-" + req.ClientOrderID,
	})

	if !filled {
		_ = e.machine.Transition(req.ClientOrderID, core.StatusExpired, orders.TransitionOpts{})
		return &Result{Status: StatusNoFill, ClientOrderID: req.ClientOrderID, Route: req.Route}, nil
	}

	isMaker := req.Route == core.RouteLimitPostOnly
	fees := sizeUSD.Mul(e.costs.FeePct(isMaker))
	base := req.BaseSize
	if !base.IsPositive() && req.LimitPrice.IsPositive() {
		base = sizeUSD.Div(req.LimitPrice)
	}
	_ = e.machine.UpdateFill(req.ClientOrderID, base, sizeUSD, fees, nil)
	if o := e.machine.Get(req.ClientOrderID); o != nil && o.Status != core.StatusFilled {
		// Market buys are quote-denominated, so the fill fraction cannot
		// promote the order; force the terminal state.
		_ = e.machine.Transition(req.ClientOrderID, core.StatusFilled, orders.TransitionOpts{})
	}

	return &Result{
		Status:        StatusExecuted,
		ClientOrderID: req.ClientOrderID,
		Route:         req.Route,
		FilledUSD:     sizeUSD,
		FilledBase:    base,
		Fees:          fees,
	}, nil
}

// pollToTerminal polls order status until terminal or TTL; TTL expiry
// cancels with reason TTL
func (e *Engine) pollToTerminal(ctx context.Context, clientID, exchangeID, symbol string, side core.Side, route core.Route, ttl time.Duration) (*Result, error) {
	deadline := e.now().Add(ttl)

	for {
		info, err := e.exchange.GetOrderStatus(ctx, exchangeID)
		if err != nil {
			e.logger.Warn("Order status poll failed", "exchange_order_id", exchangeID, "error", err)
		} else {
			e.applyStatus(clientID, info)
			order := e.machine.Get(clientID)
			if order != nil && !order.IsActive() {
				return e.resultFromOrder(order), nil
			}
		}

		if !e.now().Before(deadline) {
			break
		}
		if err := e.sleep(ctx, e.pollInterval); err != nil {
			return e.abandonOnContext(ctx, clientID, exchangeID, symbol)
		}
	}

	// TTL expired without a terminal state.
	e.cancelWithReason(ctx, clientID, exchangeID, symbol, "TTL")
	order := e.machine.Get(clientID)
	res := e.resultFromOrder(order)
	if res.FilledUSD.IsPositive() {
		res.Status = StatusPartiallyFilled
	} else {
		res.Status = StatusNoFill
	}
	return res, nil
}

func (e *Engine) abandonOnContext(ctx context.Context, clientID, exchangeID, symbol string) (*Result, error) {
	// Shutdown path: cancel best-effort with a background deadline.
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.cancelWithReason(cctx, clientID, exchangeID, symbol, "shutdown")
	return e.resultFromOrder(e.machine.Get(clientID)), ctx.Err()
}

// applyStatus folds an exchange order view into the local machine
func (e *Engine) applyStatus(clientID string, info *core.OrderInfo) {
	if info.FilledBaseSize.IsPositive() {
		_ = e.machine.UpdateFill(clientID, info.FilledBaseSize, info.FilledValueUSD, info.TotalFees, nil)
	}
	local := e.machine.Get(clientID)
	if local == nil || local.Status == info.Status {
		return
	}
	if info.Status.IsTerminal() || info.Status == core.StatusPartialFill {
		if err := e.machine.Transition(clientID, info.Status, orders.TransitionOpts{
			RejectionReason: info.RejectReason,
		}); err != nil && !errors.Is(err, apperrors.ErrStateTransition) {
			e.logger.Warn("Status application failed", "client_order_id", clientID, "error", err)
		}
	}
}

// cancelWithReason cancels on the exchange (tolerating not-found) and
// transitions the local order even when the exchange call fails
func (e *Engine) cancelWithReason(ctx context.Context, clientID, exchangeID, symbol, reason string) {
	if exchangeID != "" && e.mode.IsWrite() {
		if err := e.exchange.CancelOrder(ctx, exchangeID); err != nil && !apperrors.IsNotFound(err) {
			e.logger.Warn("Cancel failed, forcing local transition",
				"exchange_order_id", exchangeID, "reason", reason, "error", err)
		}
	}
	if err := e.machine.Transition(clientID, core.StatusCanceled, orders.TransitionOpts{Error: "canceled:" + reason}); err != nil {
		e.logger.Debug("Cancel transition skipped", "client_order_id", clientID, "error", err)
	}
	e.rememberGhost(exchangeID)
	e.store.CloseOrder(clientID, core.StatusCanceled, map[string]interface{}{"reason": reason})
	e.store.RemovePendingMarker(symbol, core.SideBuy)
	telemetry.GetGlobalMetrics().AddOrderCanceled(context.Background(), symbol, reason)
}

func (e *Engine) resultFromOrder(o *orders.Order) *Result {
	if o == nil {
		return &Result{Status: StatusNoFill}
	}
	res := &Result{
		ClientOrderID: o.ClientOrderID,
		Route:         o.Route,
		FilledUSD:     o.FilledValue,
		FilledBase:    o.FilledSize,
		Fees:          o.Fees,
	}
	switch o.Status {
	case core.StatusFilled:
		res.Status = StatusExecuted
	case core.StatusPartialFill, core.StatusCanceled, core.StatusExpired:
		if o.FilledValue.IsPositive() {
			res.Status = StatusPartiallyFilled
		} else {
			res.Status = StatusNoFill
		}
	default:
		res.Status = StatusNoFill
		res.Reason = o.RejectionReason
	}
	return res
}

// Ghost set: exchange ids recently canceled locally that the exchange may
// still report as open

func (e *Engine) rememberGhost(exchangeID string) {
	if exchangeID == "" {
		return
	}
	e.ghostMu.Lock()
	defer e.ghostMu.Unlock()
	e.ghosts[exchangeID] = e.now().Add(ghostTTL)
}

// FilterGhosts drops recently-canceled orders from an open-order listing
func (e *Engine) FilterGhosts(open []*core.OrderInfo) []*core.OrderInfo {
	e.ghostMu.Lock()
	defer e.ghostMu.Unlock()

	now := e.now()
	for id, until := range e.ghosts {
		if now.After(until) {
			delete(e.ghosts, id)
		}
	}

	kept := open[:0]
	for _, o := range open {
		if _, ghosted := e.ghosts[o.ExchangeOrderID]; !ghosted {
			kept = append(kept, o)
		}
	}
	return kept
}

// ManageOpenOrders cancels active orders older than cancel_after_seconds,
// batch-first with individual fallback. Local state transitions even when
// the exchange call fails, so nothing sticks in OPEN.
func (e *Engine) ManageOpenOrders(ctx context.Context) int {
	maxAge := time.Duration(e.execCfg.CancelAfterSeconds) * time.Second
	stale := e.machine.StaleActive(maxAge)
	if len(stale) == 0 {
		return 0
	}

	var ids []string
	for _, o := range stale {
		if o.ExchangeOrderID != "" {
			ids = append(ids, o.ExchangeOrderID)
		}
	}

	if len(ids) > 0 && e.mode.IsWrite() {
		if err := e.exchange.CancelOrders(ctx, ids); err != nil && !apperrors.IsNotFound(err) {
			e.logger.Warn("Batch cancel failed, falling back to individual cancels", "error", err)
			for _, id := range ids {
				if err := e.exchange.CancelOrder(ctx, id); err != nil && !apperrors.IsNotFound(err) {
					e.logger.Warn("Individual cancel failed", "exchange_order_id", id, "error", err)
				}
			}
		}
	}

	for _, o := range stale {
		if err := e.machine.Transition(o.ClientOrderID, core.StatusCanceled, orders.TransitionOpts{Error: "canceled:stale"}); err != nil {
			e.logger.Debug("Stale cancel transition skipped", "client_order_id", o.ClientOrderID, "error", err)
		}
		e.rememberGhost(o.ExchangeOrderID)
		e.store.CloseOrder(o.ClientOrderID, core.StatusCanceled, map[string]interface{}{"reason": "stale"})
		e.store.RemovePendingMarker(o.Symbol, core.SideBuy)
	}

	e.logger.Info("Stale orders canceled", "count", len(stale), "max_age", maxAge.String())
	return len(stale)
}

// Shutdown snapshots active orders, batch-cancels them, transitions them
// locally and leaves nothing in OPEN or PARTIAL_FILL. DRY_RUN skips the
// exchange calls. All errors are logged and swallowed.
func (e *Engine) Shutdown(ctx context.Context) {
	active := e.machine.Active()
	if len(active) == 0 {
		return
	}
	e.logger.Info("Shutdown: canceling active orders", "count", len(active))

	var ids []string
	for _, o := range active {
		if o.ExchangeOrderID != "" {
			ids = append(ids, o.ExchangeOrderID)
		}
	}

	if len(ids) > 0 && e.mode.IsWrite() {
		if err := e.exchange.CancelOrders(ctx, ids); err != nil && !apperrors.IsNotFound(err) {
			e.logger.Warn("Shutdown batch cancel failed, trying individually", "error", err)
			for _, id := range ids {
				if err := e.exchange.CancelOrder(ctx, id); err != nil && !apperrors.IsNotFound(err) {
					e.logger.Warn("Shutdown cancel failed", "exchange_order_id", id, "error", err)
				}
			}
		}
	}

	for _, o := range active {
		if err := e.machine.Transition(o.ClientOrderID, core.StatusCanceled, orders.TransitionOpts{Error: "canceled:shutdown", AllowOverride: true}); err != nil {
			e.logger.Debug("Shutdown transition skipped", "client_order_id", o.ClientOrderID, "error", err)
		}
		e.store.CloseOrder(o.ClientOrderID, core.StatusCanceled, map[string]interface{}{"reason": "shutdown"})
		e.store.RemovePendingMarker(o.Symbol, core.SideBuy)
	}
}

// Helpers

func incrementOf(meta *core.ProductMeta) decimal.Decimal {
	if meta == nil {
		return decimal.Zero
	}
	return meta.BaseIncrement
}

// roundToIncrement floors a size to the product's increment; a zero
// increment passes the size through
func roundToIncrement(size, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return size
	}
	return size.Div(increment).Floor().Mul(increment)
}
