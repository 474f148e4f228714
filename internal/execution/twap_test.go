package execution

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/internal/config"
	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

func testPurgeConfig() config.PurgeExecConfig {
	return config.PurgeExecConfig{
		SliceUSD:             100,
		MaxDurationSeconds:   3600,
		PollIntervalSeconds:  2,
		MaxSlices:            10,
		MaxResidualUSD:       1,
		MaxConsecutiveNoFill: 2,
	}
}

// instantFillExchange fills every placed order at its limit price
func wireInstantFills(fx *engineFixture) {
	var mu sync.Mutex
	fills := make(map[string]*core.OrderInfo)

	fx.exchange.placeOrderFn = func(req *core.PlaceOrderRequest) (*core.OrderInfo, error) {
		exID := "ex-" + req.ClientOrderID
		mu.Lock()
		fills[exID] = &core.OrderInfo{
			ExchangeOrderID: exID,
			Status:          core.StatusFilled,
			FilledBaseSize:  req.BaseSize,
			FilledValueUSD:  req.BaseSize.Mul(req.LimitPrice),
		}
		mu.Unlock()
		return &core.OrderInfo{ExchangeOrderID: exID, Status: core.StatusOpen}, nil
	}
	fx.exchange.orderStatusFn = func(id string) (*core.OrderInfo, error) {
		mu.Lock()
		defer mu.Unlock()
		if info, ok := fills[id]; ok {
			return info, nil
		}
		return &core.OrderInfo{ExchangeOrderID: id, Status: core.StatusOpen}, nil
	}
}

func TestLiquidatePosition_SlicesUntilTarget(t *testing.T) {
	fx := newFixture(t, core.ModeLive)
	fx.exchange.quoteFn = func(symbol string) (*core.Quote, error) {
		return freshQuote(symbol, fx.current), nil
	}
	wireInstantFills(fx)

	res, err := fx.engine.LiquidatePosition(context.Background(),
		"SOL-USD", decimal.NewFromInt(250), testPurgeConfig(), 1)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Slices, "two full slices plus the tail")
	sold, _ := res.SoldUSD.Float64()
	assert.InDelta(t, 250, sold, 1.0)
	assert.True(t, res.Complete(decimal.NewFromInt(1)))
	assert.False(t, res.TakerFallback)
	assert.Empty(t, res.StoppedReason)

	// Sells rest one tick above the ask.
	for _, req := range fx.exchange.placeCalls {
		assert.Equal(t, core.SideSell, req.Side)
		assert.True(t, req.PostOnly)
		assert.True(t, req.LimitPrice.Equal(decimal.NewFromFloat(100.21)), "got %s", req.LimitPrice)
	}
}

func TestLiquidatePosition_TakerFallbackForTail(t *testing.T) {
	fx := newFixture(t, core.ModeLive)
	fx.exchange.quoteFn = func(symbol string) (*core.Quote, error) {
		return freshQuote(symbol, fx.current), nil
	}

	// Post-only orders never fill; IOC orders fill at the bid.
	var mu sync.Mutex
	iocFills := make(map[string]*core.OrderInfo)
	fx.exchange.placeOrderFn = func(req *core.PlaceOrderRequest) (*core.OrderInfo, error) {
		exID := "ex-" + req.ClientOrderID
		if req.Route == core.RouteLimitIOC {
			mu.Lock()
			iocFills[exID] = &core.OrderInfo{
				ExchangeOrderID: exID,
				Status:          core.StatusFilled,
				FilledBaseSize:  req.BaseSize,
				FilledValueUSD:  req.BaseSize.Mul(req.LimitPrice),
			}
			mu.Unlock()
		}
		return &core.OrderInfo{ExchangeOrderID: exID, Status: core.StatusOpen}, nil
	}
	fx.exchange.orderStatusFn = func(id string) (*core.OrderInfo, error) {
		mu.Lock()
		defer mu.Unlock()
		if info, ok := iocFills[id]; ok {
			return info, nil
		}
		return &core.OrderInfo{ExchangeOrderID: id, Status: core.StatusOpen}, nil
	}

	cfg := testPurgeConfig()
	cfg.SliceUSD = 25
	cfg.AllowTakerFallback = true
	cfg.TakerFallbackThresholdUSD = 100

	res, err := fx.engine.LiquidatePosition(context.Background(),
		"SOL-USD", decimal.NewFromInt(50), cfg, 1)

	require.NoError(t, err)
	assert.True(t, res.TakerFallback, "stalled sell forced a taker slice")
	assert.True(t, res.SoldUSD.IsPositive())
}

func TestLiquidatePosition_MaxSlicesExhausted(t *testing.T) {
	fx := newFixture(t, core.ModeLive)
	fx.exchange.quoteFn = func(symbol string) (*core.Quote, error) {
		return freshQuote(symbol, fx.current), nil
	}
	// Nothing ever fills.

	cfg := testPurgeConfig()
	cfg.MaxSlices = 1

	res, err := fx.engine.LiquidatePosition(context.Background(),
		"SOL-USD", decimal.NewFromInt(100), cfg, 1)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Slices)
	assert.True(t, res.SoldUSD.IsZero())
	assert.Equal(t, "max_slices_exhausted", res.StoppedReason)
}
