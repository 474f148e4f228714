package coinbase

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

func TestAggregateFills_SizeInQuote(t *testing.T) {
	// A $2.68 quote-denominated ETH buy: size is the quote notional and
	// base units must come from size/price.
	fills := []*core.Fill{{
		OrderID:     "ex-1",
		ProductID:   "ETH-USD",
		Price:       decimal.RequireFromString("2975.32"),
		Size:        decimal.RequireFromString("2.6399716828"),
		Commission:  decimal.RequireFromString("0.0316796601936"),
		SizeInQuote: true,
	}}

	agg := AggregateFills(fills)

	assert.InDelta(t, 0.000887, agg.TotalBaseSize.InexactFloat64(), 0.000001)
	assert.InDelta(t, 2.64, agg.TotalQuoteNotional.InexactFloat64(), 0.01)
	assert.InDelta(t, 0.032, agg.TotalFees.InexactFloat64(), 0.001)
}

func TestAggregateFills_BaseDenominated(t *testing.T) {
	fills := []*core.Fill{
		{
			Price:      decimal.NewFromInt(50000),
			Size:       decimal.NewFromFloat(0.001),
			Commission: decimal.NewFromFloat(0.3),
		},
		{
			Price:      decimal.NewFromInt(50100),
			Size:       decimal.NewFromFloat(0.001),
			Commission: decimal.NewFromFloat(0.3),
		},
	}

	agg := AggregateFills(fills)

	assert.True(t, agg.TotalBaseSize.Equal(decimal.NewFromFloat(0.002)))
	assert.True(t, agg.TotalQuoteNotional.Equal(decimal.NewFromFloat(100.1)))
	assert.True(t, agg.AveragePrice.Equal(decimal.NewFromInt(50050)))
	assert.True(t, agg.TotalFees.Equal(decimal.NewFromFloat(0.6)))
}

func TestAggregateFills_Empty(t *testing.T) {
	agg := AggregateFills(nil)
	assert.True(t, agg.TotalBaseSize.IsZero())
	assert.True(t, agg.AveragePrice.IsZero())
}

func TestListFills_SortedByTradeTime(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"fills": []map[string]interface{}{
				{"order_id": "ex-1", "product_id": "BTC-USD", "price": "50100", "size": "0.001", "trade_time": base.Add(time.Minute).Format(time.RFC3339)},
				{"order_id": "ex-1", "product_id": "BTC-USD", "price": "50000", "size": "0.001", "trade_time": base.Format(time.RFC3339)},
			},
		})
	}))

	fills, err := client.ListFills(context.Background(), core.ListFillsQuery{OrderID: "ex-1"})
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.True(t, fills[0].TradeTime.Before(fills[1].TradeTime))
	assert.True(t, fills[0].Price.Equal(decimal.NewFromInt(50000)))
}

func TestListFills_BadRequestFallsBackToOrderIDOnly(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		if q.Get("order_id") != "" && q.Get("product_id") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "ex-1", q.Get("order_id"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"fills": []map[string]interface{}{
				{"order_id": "ex-1", "product_id": "BTC-USD", "price": "50000", "size": "0.001", "trade_time": time.Now().UTC().Format(time.RFC3339)},
			},
		})
	}))

	fills, err := client.ListFills(context.Background(), core.ListFillsQuery{OrderID: "ex-1", ProductID: "BTC-USD"})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	// One rejected call, one scoped retry; the 400 is not retried by backoff.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestListFills_LiquidityMapping(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"fills": []map[string]interface{}{
				{"order_id": "ex-1", "price": "100", "size": "1", "liquidity_indicator": "MAKER", "trade_time": time.Now().UTC().Format(time.RFC3339)},
				{"order_id": "ex-2", "price": "100", "size": "1", "liquidity_indicator": "TAKER", "trade_time": time.Now().UTC().Format(time.RFC3339)},
			},
		})
	}))

	fills, err := client.ListFills(context.Background(), core.ListFillsQuery{})
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, core.LiquidityMaker, fills[0].Liquidity)
	assert.Equal(t, core.LiquidityTaker, fills[1].Liquidity)
}
