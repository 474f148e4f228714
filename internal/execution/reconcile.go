package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

// ReconcileReport summarizes one reconciliation pass
type ReconcileReport struct {
	FillsSeen      int
	OrdersUpdated  int
	OrdersFilled   int
	UnmatchedFills int
	TotalFees      decimal.Decimal
}

// ReconcileFills pulls execution reports for the lookback window and folds
// them into local order state and the persisted portfolio. Fills for orders
// this process never placed are logged and their fees counted, nothing more.
func (e *Engine) ReconcileFills(ctx context.Context, lookback time.Duration) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	fills, err := e.exchange.ListFills(ctx, core.ListFillsQuery{
		StartTime: e.now().Add(-lookback),
	})
	if err != nil {
		return report, err
	}
	report.FillsSeen = len(fills)
	if len(fills) == 0 {
		return report, nil
	}

	byOrder := make(map[string][]*core.Fill)
	for _, f := range fills {
		byOrder[f.OrderID] = append(byOrder[f.OrderID], f)
	}

	clientByExchangeID := e.exchangeIDIndex()

	for exchangeID, orderFills := range byOrder {
		clientID, known := clientByExchangeID[exchangeID]
		if !known {
			report.UnmatchedFills += len(orderFills)
			fees := sumFees(orderFills)
			report.TotalFees = report.TotalFees.Add(fees)
			e.logger.Warn("Fills for unknown order",
				"exchange_order_id", exchangeID,
				"fills", len(orderFills),
				"fees", fees.StringFixed(4))
			continue
		}

		base, quoteValue, fees := aggregateCoreFills(orderFills)
		report.TotalFees = report.TotalFees.Add(fees)

		if err := e.machine.UpdateFill(clientID, base, quoteValue, fees, orderFills); err != nil {
			e.logger.Warn("Fill update failed", "client_order_id", clientID, "error", err)
			continue
		}
		report.OrdersUpdated++

		order := e.machine.Get(clientID)
		if order == nil {
			continue
		}

		symbol := order.Symbol
		e.store.UpdateFromFills(symbol, order.Side, orderFills)

		if order.Status == core.StatusFilled {
			report.OrdersFilled++
			e.store.CloseOrder(clientID, core.StatusFilled, map[string]interface{}{
				"filled_base":  base.String(),
				"filled_value": quoteValue.StringFixed(2),
				"fees":         fees.StringFixed(4),
			})
			e.store.RemovePendingMarker(symbol, core.SideBuy)
			telemetry.GetGlobalMetrics().AddOrderFilled(ctx, symbol)
		}
	}

	fees, _ := report.TotalFees.Float64()
	telemetry.GetGlobalMetrics().AddFees(ctx, fees)

	if report.OrdersUpdated > 0 || report.UnmatchedFills > 0 {
		e.logger.Info("Fill reconciliation complete",
			"fills", report.FillsSeen,
			"orders_updated", report.OrdersUpdated,
			"orders_filled", report.OrdersFilled,
			"unmatched", report.UnmatchedFills)
	}
	return report, nil
}

// exchangeIDIndex maps exchange order ids back to client order ids for
// every order the machine has seen, terminal included: late fills for
// locally-canceled orders must still match.
func (e *Engine) exchangeIDIndex() map[string]string {
	index := make(map[string]string)
	for _, o := range e.machine.Active() {
		if o.ExchangeOrderID != "" {
			index[o.ExchangeOrderID] = o.ClientOrderID
		}
	}
	for _, o := range e.machine.Terminal() {
		if o.ExchangeOrderID != "" {
			index[o.ExchangeOrderID] = o.ClientOrderID
		}
	}
	return index
}

// aggregateCoreFills sums base, quote value and fees across fills.
// Quote-denominated fills derive their base size from price, which makes
// the quote-side figure authoritative when the two representations differ.
func aggregateCoreFills(fills []*core.Fill) (base, quoteValue, fees decimal.Decimal) {
	for _, f := range fills {
		base = base.Add(f.BaseSize())
		quoteValue = quoteValue.Add(f.QuoteValue())
		fees = fees.Add(f.Commission)
	}
	return base, quoteValue, fees
}

func sumFees(fills []*core.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Commission)
	}
	return total
}
