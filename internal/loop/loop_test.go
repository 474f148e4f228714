package loop

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/internal/alert"
	"github.com/aelhadee/247trader-V2-sub000/internal/audit"
	"github.com/aelhadee/247trader-V2-sub000/internal/config"
	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/costs"
	"github.com/aelhadee/247trader-V2-sub000/internal/execution"
	"github.com/aelhadee/247trader-V2-sub000/internal/orders"
	"github.com/aelhadee/247trader-V2-sub000/internal/position"
	"github.com/aelhadee/247trader-V2-sub000/internal/risk"
	"github.com/aelhadee/247trader-V2-sub000/internal/state"
	"github.com/aelhadee/247trader-V2-sub000/internal/strategy"
	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
)

// mockExchange implements core.IExchange with per-method hooks
type mockExchange struct {
	mu sync.Mutex

	accountsFn func() ([]*core.AccountBalance, error)
	quoteFn    func(symbol string) (*core.Quote, error)
	placeCalls int
}

func (m *mockExchange) GetQuote(_ context.Context, symbol string) (*core.Quote, error) {
	if m.quoteFn != nil {
		return m.quoteFn(symbol)
	}
	return nil, errors.New("no quote hook")
}

func (m *mockExchange) GetOrderbook(_ context.Context, symbol string, _ int) (*core.OrderbookSnapshot, error) {
	return &core.OrderbookSnapshot{
		Symbol:      symbol,
		Mid:         decimal.NewFromFloat(100.1),
		BidDepthUSD: decimal.NewFromInt(100000),
		AskDepthUSD: decimal.NewFromInt(100000),
	}, nil
}

func (m *mockExchange) GetCandles(context.Context, string, string, time.Time, time.Time) ([]*core.Candle, error) {
	return nil, nil
}

func (m *mockExchange) GetAccounts(context.Context) ([]*core.AccountBalance, error) {
	if m.accountsFn != nil {
		return m.accountsFn()
	}
	return []*core.AccountBalance{
		{Currency: "USD", Available: decimal.NewFromInt(10000)},
	}, nil
}

func (m *mockExchange) ListPublicProducts(context.Context) ([]*core.ProductMeta, error) {
	return nil, nil
}

func (m *mockExchange) GetProductMetadata(_ context.Context, symbol string) (*core.ProductMeta, error) {
	return &core.ProductMeta{
		Symbol:         symbol,
		BaseIncrement:  decimal.NewFromFloat(0.0001),
		QuoteIncrement: decimal.NewFromFloat(0.01),
		MinMarketFunds: decimal.NewFromInt(1),
		Status:         "online",
	}, nil
}

func (m *mockExchange) PlaceOrder(_ context.Context, req *core.PlaceOrderRequest) (*core.OrderInfo, error) {
	m.mu.Lock()
	m.placeCalls++
	m.mu.Unlock()
	return &core.OrderInfo{ExchangeOrderID: "ex-" + req.ClientOrderID, Status: core.StatusOpen}, nil
}

func (m *mockExchange) PreviewOrder(context.Context, *core.PlaceOrderRequest) (*core.PreviewResult, error) {
	return &core.PreviewResult{}, nil
}

func (m *mockExchange) CancelOrder(context.Context, string) error   { return nil }
func (m *mockExchange) CancelOrders(context.Context, []string) error { return nil }

func (m *mockExchange) GetOrderStatus(_ context.Context, id string) (*core.OrderInfo, error) {
	return &core.OrderInfo{ExchangeOrderID: id, Status: core.StatusOpen}, nil
}

func (m *mockExchange) ListOpenOrders(context.Context, string) ([]*core.OrderInfo, error) {
	return nil, nil
}

func (m *mockExchange) ListFills(context.Context, core.ListFillsQuery) ([]*core.Fill, error) {
	return nil, nil
}

func (m *mockExchange) CreateConvertQuote(context.Context, string, string, decimal.Decimal) (*core.ConvertQuote, error) {
	return nil, nil
}

func (m *mockExchange) CommitConvert(context.Context, string, string, string) error {
	return nil
}

type stubStrategy struct {
	name      string
	proposals []*core.TradeProposal
	panicWith interface{}
	calls     int
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Enabled() bool { return true }

func (s *stubStrategy) Propose(context.Context, *core.Universe, *core.PortfolioState, map[string]*core.Quote) ([]*core.TradeProposal, error) {
	s.calls++
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.proposals, nil
}

type stubUniverse struct {
	u   *core.Universe
	err error
}

func (s *stubUniverse) Build(context.Context, string) (*core.Universe, error) {
	return s.u, s.err
}

type captureSink struct {
	mu     sync.Mutex
	events []core.AlertEvent
}

func (c *captureSink) Send(_ context.Context, event core.AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) Name() string { return "capture" }

func testLoopConfig() *config.Config {
	cfg := &config.Config{Hash: "abcd1234abcd1234"}
	cfg.App.App.Mode = "PAPER"
	cfg.App.Loop.IntervalSeconds = 300
	cfg.App.Loop.JitterPct = 10
	cfg.Policy.Risk = config.RiskConfig{
		MaxTotalAtRiskPct:        50,
		PerSymbolCapPct:          25,
		MinTradeNotionalUSD:      10,
		DustPositionUSD:          1,
		PerSymbolCooldownEnabled: true,
	}
	cfg.Policy.Execution = config.ExecutionConfig{
		MakerFeeBps:         25,
		TakerFeeBps:         60,
		MakerMaxReprices:    2,
		MakerMaxTTLSec:      45,
		MakerFirstMinTTLSec: 10,
		CancelAfterSeconds:  900,
		PostOnlyTTLSeconds:  30,
		// High threshold keeps tests on the deterministic market route.
		SmallOrderMarketThresholdUSD: 1000,
		DepthMultiplier:              2,
		PendingMarkerTTLSeconds:      600,
		KeepTerminalOrders:           200,
		ClientOrderIDPrefix:          "t247-",
	}
	cfg.Policy.Microstructure = config.MicrostructureConfig{
		MaxQuoteAgeSeconds: 30,
		MaxSpreadBps:       50,
	}
	cfg.Policy.Governance = config.GovernanceConfig{LiveTradingEnabled: true}
	return cfg
}

type loopFixture struct {
	loop     *Loop
	exchange *mockExchange
	machine  *orders.StateMachine
	store    *state.Store
	risk     *risk.Engine
	alerts   *alert.Manager
	sink     *captureSink
	strat    *stubStrategy
	cfg      *config.Config
	current  time.Time
	auditLog string
}

func newLoopFixture(t *testing.T, cfg *config.Config) *loopFixture {
	t.Helper()
	dir := t.TempDir()

	fx := &loopFixture{
		cfg:      cfg,
		exchange: &mockExchange{},
		current:  time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		auditLog: filepath.Join(dir, "audit.jsonl"),
	}
	clock := func() time.Time { return fx.current }
	sleep := func(_ context.Context, d time.Duration) error {
		fx.current = fx.current.Add(d)
		return nil
	}

	fx.exchange.quoteFn = func(symbol string) (*core.Quote, error) {
		return &core.Quote{
			Symbol:    symbol,
			Bid:       decimal.NewFromInt(100),
			Ask:       decimal.NewFromFloat(100.2),
			Mid:       decimal.NewFromFloat(100.1),
			SpreadBps: decimal.NewFromInt(20),
			Timestamp: fx.current,
		}, nil
	}

	nop := logging.NewNop()

	fx.machine = orders.NewStateMachine(nop)
	fx.machine.SetClock(clock)
	fx.store = state.NewStore(state.Options{Path: filepath.Join(dir, "state.json")}, nop)
	fx.store.SetClock(clock)

	engine := execution.NewEngine(fx.exchange, fx.machine, fx.store, costs.NewModel(25, 60),
		cfg.Policy.Execution, cfg.Policy.Microstructure, cfg.Mode(), nop)
	engine.SetClock(clock, sleep)

	circuits := risk.NewCircuitRegistry(risk.CircuitConfig{
		MaxConsecutiveAPIErrors: 5,
		RateLimitCooldownCycles: 3,
	}, nop)
	circuits.SetClock(clock)
	cooldowns := risk.NewCooldownTracker(time.Hour, 4*time.Hour, true, nop)
	fx.risk = risk.NewEngine(cfg.Policy.Risk, cfg.Policy.Governance, circuits, cooldowns, nop)

	fx.strat = &stubStrategy{name: "stub"}
	positions := position.NewManager(nop)
	positions.SetClock(clock)

	auditLog, err := audit.NewLogger(fx.auditLog, nop)
	require.NoError(t, err)
	auditLog.SetClock(clock)

	fx.sink = &captureSink{}
	fx.alerts = alert.NewManager(core.SeverityWarning, true, nop, fx.sink)

	universeStub := &stubUniverse{u: &core.Universe{
		Regime:  "normal",
		Entries: []core.UniverseEntry{{Symbol: "BTC-USD", Tier: 1}},
		BuiltAt: fx.current,
	}}

	fx.loop = New(Deps{
		Cfg:        cfg,
		Exchange:   fx.exchange,
		Engine:     engine,
		Risk:       fx.risk,
		Strategies: strategy.NewRegistry(nop, fx.strat),
		Positions:  positions,
		Universe:   universeStub,
		Store:      fx.store,
		Audit:      auditLog,
		Alerts:     fx.alerts,
		Logger:     nop,
	})
	fx.loop.SetClock(clock, sleep)
	fx.loop.SetRand(rand.New(rand.NewSource(7)))
	return fx
}

// drainAlerts stops the dispatch pool and returns everything delivered
func (fx *loopFixture) drainAlerts() []core.AlertEvent {
	fx.alerts.Close()
	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()
	return append([]core.AlertEvent(nil), fx.sink.events...)
}

func buyProposal(notional float64) *core.TradeProposal {
	return &core.TradeProposal{
		Symbol:      "BTC-USD",
		Side:        core.SideBuy,
		NotionalUSD: decimal.NewFromFloat(notional),
		Confidence:  0.8,
		Tier:        1,
		StopLossPct: 5,
		TriggerName: "stub_momentum",
	}
}

func TestRunCycle_PaperBuyExecutes(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	fx.strat.proposals = []*core.TradeProposal{buyProposal(100)}

	rec := fx.loop.runCycle(context.Background())

	assert.Empty(t, rec.NoTradeReason)
	assert.Equal(t, 1, rec.Proposals)
	assert.Equal(t, 1, rec.Approved)
	assert.Equal(t, 1, rec.Executed)
	require.Len(t, rec.Orders, 1)
	assert.Equal(t, execution.StatusExecuted, rec.Orders[0].Status)
	assert.Equal(t, core.RouteMarketIOC, rec.Orders[0].Route)
	assert.Equal(t, "abcd1234abcd1234", rec.ConfigHash)

	// The filled buy goes under position management.
	assert.Contains(t, fx.store.Portfolio().ManagedPositions, "BTC-USD")
}

func TestRunCycle_FailClosedOnAccounts(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	fx.strat.proposals = []*core.TradeProposal{buyProposal(100)}
	fx.exchange.accountsFn = func() ([]*core.AccountBalance, error) {
		return nil, errors.New("503 service unavailable")
	}

	rec := fx.loop.runCycle(context.Background())

	assert.Equal(t, "data_unavailable:accounts", rec.NoTradeReason)
	assert.Zero(t, rec.Executed)
	assert.Equal(t, 0, fx.strat.calls, "no decisions without account data")

	events := fx.drainAlerts()
	require.NotEmpty(t, events)
	assert.Equal(t, "data_unavailable", events[0].Type)
	assert.Equal(t, core.SeverityCritical, events[0].Severity)
}

func TestRunCycle_NoProposalsCountsZeroTrigger(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())

	rec := fx.loop.runCycle(context.Background())

	assert.Equal(t, "rules_engine_no_proposals", rec.NoTradeReason)
	assert.Equal(t, 1, fx.store.ZeroTriggerCycles())
}

func TestRunCycle_AutoTuneAppliesOverrides(t *testing.T) {
	cfg := testLoopConfig()
	cfg.App.AutoTune = config.AutoTuneConfig{
		ZeroTriggerCycles: 2,
		Loosen:            map[string]float64{"min_confidence": 0.5},
		Floors:            map[string]float64{"min_confidence": 0.3},
	}
	fx := newLoopFixture(t, cfg)

	fx.loop.runCycle(context.Background())
	assert.Empty(t, fx.loop.AutoTuneOverrides())

	fx.loop.runCycle(context.Background())
	overrides := fx.loop.AutoTuneOverrides()
	require.NotEmpty(t, overrides)
	assert.Equal(t, 0.5, overrides["min_confidence"])
	assert.Equal(t, 0, fx.store.ZeroTriggerCycles(), "counter resets after applying")
}

func TestRunCycle_OpenOrdersPending(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	fx.strat.proposals = []*core.TradeProposal{buyProposal(100)}

	fx.machine.CreateOrder("t247-pending", "ETH-USD", core.SideBuy,
		decimal.NewFromInt(50), decimal.Zero, core.RouteLimitPostOnly)
	require.NoError(t, fx.machine.Transition("t247-pending", core.StatusOpen,
		orders.TransitionOpts{ExchangeOrderID: "ex-pending"}))

	rec := fx.loop.runCycle(context.Background())

	assert.Equal(t, "open_orders_pending", rec.NoTradeReason)
	assert.Equal(t, 0, fx.strat.calls)
	assert.Zero(t, rec.Executed)
}

func TestRunCycle_RateLimitCircuitBlocksBatch(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	fx.strat.proposals = []*core.TradeProposal{buyProposal(100)}
	fx.loop.deps.ExchangeHealth = func() (int, int) { return 0, 5 }

	rec := fx.loop.runCycle(context.Background())

	assert.Equal(t, "circuit_tripped:rate_limit_cooldown", rec.NoTradeReason)
	assert.Zero(t, rec.Approved)
	assert.Zero(t, fx.exchange.placeCalls)
	assert.Contains(t, rec.CircuitsOpen, "rate_limit_cooldown")
}

func TestRunCycle_PanicContainedAndBurstEscalates(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	fx.strat.panicWith = "boom"

	rec := fx.loop.runCycle(context.Background())
	assert.Equal(t, "exception:string", rec.NoTradeReason)

	// The loop survives and a second panic inside the window escalates.
	rec = fx.loop.runCycle(context.Background())
	assert.Equal(t, "exception:string", rec.NoTradeReason)

	events := fx.drainAlerts()
	var burst bool
	for _, e := range events {
		if e.Type == "exception_burst" && e.Severity == core.SeverityCritical {
			burst = true
		}
	}
	assert.True(t, burst, "expected a CRITICAL exception_burst alert")
}

func TestRunCycle_StopLossExitBypassesRisk(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())

	// Seed a badly underwater managed holding; the exchange reports the
	// matching BTC balance on refresh.
	p := fx.store.Portfolio()
	p.OpenPositions["BTC-USD"] = &core.Position{
		Symbol:        "BTC-USD",
		BaseQty:       decimal.NewFromFloat(0.1),
		EntryPrice:    decimal.NewFromInt(20000),
		EntryValueUSD: decimal.NewFromInt(2000),
		OpenedAt:      fx.current.Add(-24 * time.Hour),
	}
	p.ManagedPositions["BTC-USD"] = &core.ManagedPosition{
		StopLossPct: 5,
		OpenedAt:    fx.current.Add(-24 * time.Hour),
	}
	fx.exchange.accountsFn = func() ([]*core.AccountBalance, error) {
		return []*core.AccountBalance{
			{Currency: "USD", Available: decimal.NewFromInt(10000)},
			{Currency: "BTC", Available: decimal.NewFromFloat(0.1)},
		}, nil
	}

	rec := fx.loop.runCycle(context.Background())

	assert.Empty(t, rec.NoTradeReason)
	require.Len(t, rec.Orders, 1)
	assert.Equal(t, core.SideSell, rec.Orders[0].Side)
	assert.Equal(t, execution.StatusExecuted, rec.Orders[0].Status)
	assert.NotContains(t, fx.store.Portfolio().ManagedPositions, "BTC-USD")

	// The stop-loss cooldown blocks immediate re-entry.
	res := fx.risk.Evaluate([]*core.TradeProposal{buyProposal(100)}, fx.store.Portfolio(), core.ModePaper)
	require.Contains(t, res.ProposalRejections, "BTC-USD")
	assert.Contains(t, res.ProposalRejections["BTC-USD"][0], "cooldown_active")
}

func TestRun_OnceWritesAuditLine(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	fx.strat.proposals = []*core.TradeProposal{buyProposal(100)}
	fx.loop.SetOnce(true)

	require.NoError(t, fx.loop.Run(context.Background()))

	records, err := audit.ReadAll(fx.auditLog)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].CycleNumber)
	assert.Equal(t, 1, records[0].Executed)
	assert.Equal(t, "abcd1234abcd1234", records[0].ConfigHash)
}

func TestSleepDuration(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	base := 300 * time.Second

	// Jitter adds up to 10% of base on top of base-elapsed.
	d := fx.loop.sleepDuration(10*time.Second, 0)
	assert.GreaterOrEqual(t, d, base-10*time.Second)
	assert.LessOrEqual(t, d, base-10*time.Second+30*time.Second)

	// A cycle longer than the interval clamps to the 1s floor.
	assert.Equal(t, time.Second, fx.loop.sleepDuration(400*time.Second, 0))

	// Hot rate usage adds the fixed back-off.
	d = fx.loop.sleepDuration(0, 80)
	assert.GreaterOrEqual(t, d, base+rateBackoff)
	assert.LessOrEqual(t, d, base+rateBackoff+30*time.Second)
}

func TestStatus_ReflectsCycleAndCircuits(t *testing.T) {
	fx := newLoopFixture(t, testLoopConfig())
	fx.strat.proposals = []*core.TradeProposal{buyProposal(100)}
	fx.loop.setRunning(true)

	fx.loop.runCycle(context.Background())

	st := fx.loop.Status()
	assert.True(t, st.OK)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Cycle.Executed)
	assert.True(t, st.Portfolio.AccountValueUSD.IsPositive())
	assert.NotEmpty(t, st.StageDurations)

	fx.risk.Circuits().RecordConnectivity(false)
	st = fx.loop.Status()
	assert.False(t, st.OK)
	assert.Contains(t, st.Issues, "circuit_open:exchange_connectivity")
}
