// Package core defines the shared types and interfaces for the trading system
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the execution mode of the bot
type Mode string

const (
	ModeDryRun Mode = "DRY_RUN"
	ModePaper  Mode = "PAPER"
	ModeLive   Mode = "LIVE"
)

// IsWrite reports whether this mode is allowed to place real orders
func (m Mode) IsWrite() bool {
	return m == ModeLive
}

// Side is the order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusNew         OrderStatus = "NEW"
	StatusOpen        OrderStatus = "OPEN"
	StatusPartialFill OrderStatus = "PARTIAL_FILL"
	StatusFilled      OrderStatus = "FILLED"
	StatusCanceled    OrderStatus = "CANCELED"
	StatusExpired     OrderStatus = "EXPIRED"
	StatusRejected    OrderStatus = "REJECTED"
	StatusFailed      OrderStatus = "FAILED"
)

// IsTerminal reports whether the status is final
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Route identifies how an order reaches the exchange
type Route string

const (
	RouteLimitPostOnly Route = "limit_post_only"
	RouteLimitIOC      Route = "limit_ioc"
	RouteMarketIOC     Route = "market_ioc"
)

// Liquidity indicates whether a fill added or removed liquidity
type Liquidity string

const (
	LiquidityMaker Liquidity = "MAKER"
	LiquidityTaker Liquidity = "TAKER"
)

// CircuitName identifies a circuit breaker
type CircuitName string

const (
	CircuitRateLimitCooldown    CircuitName = "rate_limit_cooldown"
	CircuitAPIHealth            CircuitName = "api_health"
	CircuitExchangeConnectivity CircuitName = "exchange_connectivity"
	CircuitExchangeHealth       CircuitName = "exchange_health"
	CircuitVolatilityCrash      CircuitName = "volatility_crash"
)

// Quote is a top-of-book snapshot for one product
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	SpreadBps decimal.Decimal `json:"spread_bps"`
	Last      decimal.Decimal `json:"last"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how old the quote is relative to now
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// OrderbookSnapshot aggregates USD depth within a band around mid
type OrderbookSnapshot struct {
	Symbol      string          `json:"symbol"`
	Mid         decimal.Decimal `json:"mid"`
	BidDepthUSD decimal.Decimal `json:"bid_depth_usd"`
	AskDepthUSD decimal.Decimal `json:"ask_depth_usd"`
	BandBps     decimal.Decimal `json:"band_bps"`
	Timestamp   time.Time       `json:"timestamp"`
}

// DepthForSide returns the depth consumed by an order of the given side.
// A buy consumes ask-side liquidity, a sell consumes bid-side liquidity.
func (o *OrderbookSnapshot) DepthForSide(side Side) decimal.Decimal {
	if side == SideBuy {
		return o.AskDepthUSD
	}
	return o.BidDepthUSD
}

// Candle is one OHLCV bar
type Candle struct {
	Start  time.Time       `json:"start"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// TradeProposal is a strategy's request to change exposure
type TradeProposal struct {
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	TargetWeightPct decimal.Decimal `json:"target_weight_pct,omitempty"`
	NotionalUSD     decimal.Decimal `json:"notional_usd,omitempty"`
	Confidence      float64         `json:"confidence"`
	Conviction      string          `json:"conviction,omitempty"`
	Tier            int             `json:"tier"`
	StopLossPct     float64         `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   float64         `json:"take_profit_pct,omitempty"`
	MaxHoldHours    float64         `json:"max_hold_hours,omitempty"`
	TriggerName     string          `json:"trigger_name"`
	Notes           string          `json:"notes,omitempty"`
	BypassRisk      bool            `json:"bypass_risk,omitempty"`
}

// Fill is one execution report row
type Fill struct {
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Commission  decimal.Decimal `json:"commission"`
	SizeInQuote bool            `json:"size_in_quote"`
	Liquidity   Liquidity       `json:"liquidity_indicator"`
	TradeTime   time.Time       `json:"trade_time"`
}

// BaseSize returns the base-currency quantity of the fill. When the size is
// expressed in quote currency the base units must be derived from price.
func (f *Fill) BaseSize() decimal.Decimal {
	if f.SizeInQuote {
		if f.Price.IsZero() {
			return decimal.Zero
		}
		return f.Size.Div(f.Price)
	}
	return f.Size
}

// QuoteValue returns the quote-currency notional of the fill
func (f *Fill) QuoteValue() decimal.Decimal {
	if f.SizeInQuote {
		return f.Size
	}
	return f.Price.Mul(f.Size)
}

// Position is an open holding in one product
type Position struct {
	Symbol        string          `json:"symbol"`
	BaseQty       decimal.Decimal `json:"base_qty"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryValueUSD decimal.Decimal `json:"entry_value_usd"`
	FeesPaid      decimal.Decimal `json:"fees_paid"`
	CurrentUSD    decimal.Decimal `json:"current_usd"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// PnLPct returns the unrealized move relative to entry, as a percentage
func (p *Position) PnLPct() decimal.Decimal {
	if p.EntryValueUSD.IsZero() {
		return decimal.Zero
	}
	return p.CurrentUSD.Sub(p.EntryValueUSD).Div(p.EntryValueUSD).Mul(decimal.NewFromInt(100))
}

// ManagedPosition carries the exit parameters attached to an open position
type ManagedPosition struct {
	StopLossPct   float64   `json:"stop_loss_pct"`
	TakeProfitPct float64   `json:"take_profit_pct"`
	MaxHoldHours  float64   `json:"max_hold_hours"`
	OpenedAt      time.Time `json:"opened_at"`
}

// PendingMarker is a TTL-bounded record of a dispatched buy's notional so
// exposure checks include it before the exchange reflects the order
type PendingMarker struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// PortfolioState is the bot's view of the account for one cycle
type PortfolioState struct {
	AccountValueUSD   decimal.Decimal                     `json:"account_value_usd"`
	OpenPositions     map[string]*Position                `json:"open_positions"`
	CashBalances      map[string]decimal.Decimal          `json:"cash_balances"`
	PendingOrders     map[Side]map[string]decimal.Decimal `json:"pending_orders"`
	DailyPnLPct       decimal.Decimal                     `json:"daily_pnl_pct"`
	WeeklyPnLPct      decimal.Decimal                     `json:"weekly_pnl_pct"`
	MaxDrawdownPct    decimal.Decimal                     `json:"max_drawdown_pct"`
	TradesToday       int                                 `json:"trades_today"`
	TradesThisHour    int                                 `json:"trades_this_hour"`
	ConsecutiveLosses int                                 `json:"consecutive_losses"`
	LastLossTime      time.Time                           `json:"last_loss_time"`
	HighWaterMark     decimal.Decimal                     `json:"high_water_mark"`
	ManagedPositions  map[string]*ManagedPosition         `json:"managed_positions"`
	UpdatedAt         time.Time                           `json:"updated_at"`
}

// NewPortfolioState returns an empty, fully-initialized portfolio state
func NewPortfolioState() *PortfolioState {
	return &PortfolioState{
		OpenPositions: make(map[string]*Position),
		CashBalances:  make(map[string]decimal.Decimal),
		PendingOrders: map[Side]map[string]decimal.Decimal{
			SideBuy:  make(map[string]decimal.Decimal),
			SideSell: make(map[string]decimal.Decimal),
		},
		ManagedPositions: make(map[string]*ManagedPosition),
	}
}

// TotalPositionsUSD sums the USD value of positions at or above the dust floor
func (ps *PortfolioState) TotalPositionsUSD(dustUSD decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps.OpenPositions {
		if p.CurrentUSD.GreaterThanOrEqual(dustUSD) {
			total = total.Add(p.CurrentUSD)
		}
	}
	return total
}

// PendingBuyNotional sums the notional of dispatched-but-unconfirmed buys
func (ps *PortfolioState) PendingBuyNotional() decimal.Decimal {
	total := decimal.Zero
	for _, n := range ps.PendingOrders[SideBuy] {
		total = total.Add(n)
	}
	return total
}

// ProductMeta carries exchange trading rules for one product
type ProductMeta struct {
	Symbol         string          `json:"symbol"`
	BaseIncrement  decimal.Decimal `json:"base_increment"`
	QuoteIncrement decimal.Decimal `json:"quote_increment"`
	MinMarketFunds decimal.Decimal `json:"min_market_funds"`
	Status         string          `json:"status"`
}

// AccountBalance is one currency balance on the exchange
type AccountBalance struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
}

// UniverseEntry is one tradeable symbol with its liquidity tier
type UniverseEntry struct {
	Symbol string `json:"symbol"`
	Tier   int    `json:"tier"`
}

// Universe is the tiered set of symbols eligible for trading this cycle
type Universe struct {
	Regime  string          `json:"regime"`
	Entries []UniverseEntry `json:"entries"`
	BuiltAt time.Time       `json:"built_at"`
}

// TierOf returns the tier of a symbol, or defaultTier when unknown
func (u *Universe) TierOf(symbol string, defaultTier int) int {
	for _, e := range u.Entries {
		if e.Symbol == symbol {
			return e.Tier
		}
	}
	return defaultTier
}

// Symbols returns all universe symbols in declaration order
func (u *Universe) Symbols() []string {
	out := make([]string, 0, len(u.Entries))
	for _, e := range u.Entries {
		out = append(out, e.Symbol)
	}
	return out
}
