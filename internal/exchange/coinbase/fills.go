package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/symbols"
	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
)

// Base sizes computed from quote notional win over reported base sizes
// when they disagree by more than this amount.
var baseDisagreementTolerance = decimal.NewFromFloat(1e-6)

// ListFills fetches execution reports, following pagination. The exchange
// sometimes rejects order_id+product_id together with a 400; the call is
// retried scoped to order_id only.
func (c *Client) ListFills(ctx context.Context, q core.ListFillsQuery) ([]*core.Fill, error) {
	fills, err := c.listFills(ctx, q)
	if err == nil {
		return fills, nil
	}

	var httpErr *apperrors.HTTPStatusError
	if q.OrderID != "" && q.ProductID != "" && errors.As(err, &httpErr) && httpErr.StatusCode == 400 {
		c.logger.Warn("Fills query rejected with both order_id and product_id, retrying with order_id only",
			"order_id", q.OrderID,
			"product_id", q.ProductID)
		q.ProductID = ""
		return c.listFills(ctx, q)
	}
	return nil, err
}

func (c *Client) listFills(ctx context.Context, q core.ListFillsQuery) ([]*core.Fill, error) {
	var out []*core.Fill
	cursor := ""

	for {
		params := map[string]string{"limit": "250"}
		if q.OrderID != "" {
			params["order_id"] = q.OrderID
		}
		if q.ProductID != "" {
			params["product_id"] = symbols.Normalize(q.ProductID)
		}
		if !q.StartTime.IsZero() {
			params["start_sequence_timestamp"] = q.StartTime.UTC().Format(time.RFC3339)
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var resp listFillsResponse
		err := c.call(ctx, epFills, func() error {
			return c.getJSON(ctx, "/orders/historical/fills", params, &resp)
		})
		if err != nil {
			return nil, err
		}

		for _, w := range resp.Fills {
			out = append(out, mapFill(w))
		}
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}

	// Reconciliation needs monotone position accounting.
	sort.Slice(out, func(i, j int) bool { return out[i].TradeTime.Before(out[j].TradeTime) })
	return out, nil
}

// FillAggregate is the totalled view of a set of fills for one order
type FillAggregate struct {
	TotalBaseSize      decimal.Decimal
	TotalQuoteNotional decimal.Decimal
	TotalFees          decimal.Decimal
	AveragePrice       decimal.Decimal
}

// AggregateFills totals base size, quote notional and fees across fills.
// Quote-denominated fills contribute base = size/price; when a fill reports
// both and they disagree beyond tolerance, the quote-derived base wins.
func AggregateFills(fills []*core.Fill) FillAggregate {
	var agg FillAggregate

	for _, f := range fills {
		quote := f.QuoteValue()
		base := f.BaseSize()

		if !f.SizeInQuote && f.Price.IsPositive() {
			derived := quote.Div(f.Price)
			if derived.Sub(base).Abs().GreaterThan(baseDisagreementTolerance) {
				base = derived
			}
		}

		agg.TotalBaseSize = agg.TotalBaseSize.Add(base)
		agg.TotalQuoteNotional = agg.TotalQuoteNotional.Add(quote)
		agg.TotalFees = agg.TotalFees.Add(f.Commission)
	}

	if agg.TotalBaseSize.IsPositive() {
		agg.AveragePrice = agg.TotalQuoteNotional.Div(agg.TotalBaseSize)
	}
	return agg
}

func unmarshalResponse(body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode exchange response: %w", err)
	}
	return nil
}
