package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
)

type stubStrategy struct {
	name      string
	enabled   bool
	proposals []*core.TradeProposal
	err       error
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Enabled() bool { return s.enabled }
func (s *stubStrategy) Propose(context.Context, *core.Universe, *core.PortfolioState, map[string]*core.Quote) ([]*core.TradeProposal, error) {
	return s.proposals, s.err
}

func proposal(symbol string, confidence float64) *core.TradeProposal {
	return &core.TradeProposal{
		Symbol:      symbol,
		Side:        core.SideBuy,
		NotionalUSD: decimal.NewFromInt(100),
		Confidence:  confidence,
	}
}

func TestCollect_MergesEnabledStrategies(t *testing.T) {
	r := NewRegistry(logging.NewNop(),
		&stubStrategy{name: "momentum", enabled: true, proposals: []*core.TradeProposal{proposal("BTC-USD", 0.7)}},
		&stubStrategy{name: "meanrev", enabled: true, proposals: []*core.TradeProposal{proposal("ETH-USD", 0.6)}},
		&stubStrategy{name: "disabled", enabled: false, proposals: []*core.TradeProposal{proposal("SOL-USD", 0.9)}},
	)

	got := r.Collect(context.Background(), &core.Universe{}, core.NewPortfolioState(), nil)

	require.Len(t, got, 2)
	assert.Equal(t, "BTC-USD", got[0].Symbol)
	assert.Equal(t, "ETH-USD", got[1].Symbol)
}

func TestCollect_DedupesKeepingHighestConfidence(t *testing.T) {
	r := NewRegistry(logging.NewNop(),
		&stubStrategy{name: "a", enabled: true, proposals: []*core.TradeProposal{proposal("BTC-USD", 0.5)}},
		&stubStrategy{name: "b", enabled: true, proposals: []*core.TradeProposal{proposal("btc/usd", 0.9)}},
	)

	got := r.Collect(context.Background(), &core.Universe{}, core.NewPortfolioState(), nil)

	require.Len(t, got, 1)
	assert.Equal(t, "BTC-USD", got[0].Symbol, "symbols normalize before dedupe")
	assert.Equal(t, 0.9, got[0].Confidence)
}

func TestCollect_SameSymbolDifferentSidesSurvive(t *testing.T) {
	sell := proposal("BTC-USD", 0.6)
	sell.Side = core.SideSell

	r := NewRegistry(logging.NewNop(),
		&stubStrategy{name: "a", enabled: true, proposals: []*core.TradeProposal{proposal("BTC-USD", 0.5), sell}},
	)

	got := r.Collect(context.Background(), &core.Universe{}, core.NewPortfolioState(), nil)
	assert.Len(t, got, 2)
}

func TestCollect_FailingStrategySkipped(t *testing.T) {
	r := NewRegistry(logging.NewNop(),
		&stubStrategy{name: "broken", enabled: true, err: errors.New("feed down")},
		&stubStrategy{name: "ok", enabled: true, proposals: []*core.TradeProposal{proposal("ETH-USD", 0.6)}},
	)

	got := r.Collect(context.Background(), &core.Universe{}, core.NewPortfolioState(), nil)

	require.Len(t, got, 1)
	assert.Equal(t, "ETH-USD", got[0].Symbol)
}

func TestCollect_FillsMissingTriggerName(t *testing.T) {
	r := NewRegistry(logging.NewNop(),
		&stubStrategy{name: "momentum", enabled: true, proposals: []*core.TradeProposal{proposal("BTC-USD", 0.7)}},
	)

	got := r.Collect(context.Background(), &core.Universe{}, core.NewPortfolioState(), nil)
	require.Len(t, got, 1)
	assert.Equal(t, "momentum", got[0].TriggerName)
}

func TestNames(t *testing.T) {
	r := NewRegistry(logging.NewNop(),
		&stubStrategy{name: "a", enabled: true},
		&stubStrategy{name: "b", enabled: false},
	)
	assert.Equal(t, []string{"a"}, r.Names())
}
