// Package core defines the core interfaces for the trading system
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PlaceOrderRequest describes an order to be submitted to the exchange
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Route         Route
	// LimitPrice and BaseSize drive limit configurations; QuoteSize drives
	// market buys (quote-denominated per the exchange contract).
	LimitPrice decimal.Decimal
	BaseSize   decimal.Decimal
	QuoteSize  decimal.Decimal
	PostOnly   bool
}

// OrderInfo is the exchange's view of one order
type OrderInfo struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Status          OrderStatus
	FilledBaseSize  decimal.Decimal
	FilledValueUSD  decimal.Decimal
	TotalFees       decimal.Decimal
	AveragePrice    decimal.Decimal
	CreatedAt       time.Time
	RejectReason    string
}

// PreviewResult is the exchange's pre-trade estimate for an order
type PreviewResult struct {
	EstimatedFees  decimal.Decimal
	EstimatedTotal decimal.Decimal
	Errors         []string
	Warnings       []string
}

// ConvertQuote is a firm quote for a currency conversion
type ConvertQuote struct {
	TradeID      string
	FromCurrency string
	ToCurrency   string
	FromAmount   decimal.Decimal
	ToAmount     decimal.Decimal
	ExpiresAt    time.Time
}

// ListFillsQuery filters a fills listing. OrderID and ProductID are both
// optional; StartTime bounds the window.
type ListFillsQuery struct {
	OrderID   string
	ProductID string
	StartTime time.Time
}

// IExchange is the authenticated exchange surface the core depends on
type IExchange interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOrderbook(ctx context.Context, symbol string, levels int) (*OrderbookSnapshot, error)
	GetCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]*Candle, error)
	GetAccounts(ctx context.Context) ([]*AccountBalance, error)
	ListPublicProducts(ctx context.Context) ([]*ProductMeta, error)
	GetProductMetadata(ctx context.Context, symbol string) (*ProductMeta, error)
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderInfo, error)
	PreviewOrder(ctx context.Context, req *PlaceOrderRequest) (*PreviewResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	CancelOrders(ctx context.Context, exchangeOrderIDs []string) error
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (*OrderInfo, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]*OrderInfo, error)
	ListFills(ctx context.Context, q ListFillsQuery) ([]*Fill, error)
	CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*ConvertQuote, error)
	CommitConvert(ctx context.Context, tradeID, from, to string) error
}

// IStrategy produces trade proposals from the current cycle inputs
type IStrategy interface {
	Name() string
	Enabled() bool
	Propose(ctx context.Context, universe *Universe, portfolio *PortfolioState, quotes map[string]*Quote) ([]*TradeProposal, error)
}

// IUniverseBuilder produces the tiered set of tradeable symbols per regime
type IUniverseBuilder interface {
	Build(ctx context.Context, regime string) (*Universe, error)
}

// IAlertSink delivers a typed alert to one destination
type IAlertSink interface {
	Send(ctx context.Context, event AlertEvent) error
	Name() string
}

// AlertSeverity orders alert levels for sink filtering
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// AlertEvent is a typed severity event routed to configured sinks
type AlertEvent struct {
	ID        string
	Severity  AlertSeverity
	Type      string
	Summary   string
	Symbol    string
	Detail    map[string]interface{}
	Timestamp time.Time
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
