// Package orders tracks the in-memory order lifecycle with a strict
// transition table
package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// Order is one tracked order keyed by its deterministic client id
type Order struct {
	ClientOrderID   string           `json:"client_order_id"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Symbol          string           `json:"symbol"`
	Side            core.Side        `json:"side"`
	SizeUSD         decimal.Decimal  `json:"size_usd"`
	SizeBase        decimal.Decimal  `json:"size_base"`
	Status          core.OrderStatus `json:"status"`
	Route           core.Route       `json:"route"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	FirstFillAt time.Time `json:"first_fill_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	FilledSize   decimal.Decimal `json:"filled_size"`
	FilledValue  decimal.Decimal `json:"filled_value"`
	Fees         decimal.Decimal `json:"fees"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Fills        []*core.Fill    `json:"fills,omitempty"`

	Error           string `json:"error,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// FillFraction returns filled base size over requested base size
func (o *Order) FillFraction() decimal.Decimal {
	if o.SizeBase.IsZero() {
		return decimal.Zero
	}
	return o.FilledSize.Div(o.SizeBase)
}

// IsActive reports whether the order can still fill or be canceled
func (o *Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// Age returns time since creation
func (o *Order) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// clone returns a shallow copy with its own fills slice, so callers cannot
// mutate machine state through returned pointers
func (o *Order) clone() *Order {
	cp := *o
	cp.Fills = make([]*core.Fill, len(o.Fills))
	copy(cp.Fills, o.Fills)
	return &cp
}
