package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCyclesTotal         = "trader_cycles_total"
	MetricCycleDuration       = "trader_cycle_duration_seconds"
	MetricStageDuration       = "trader_stage_duration_seconds"
	MetricOrdersPlacedTotal   = "trader_orders_placed_total"
	MetricOrdersFilledTotal   = "trader_orders_filled_total"
	MetricOrdersCanceledTotal = "trader_orders_canceled_total"
	MetricFeesPaidTotal       = "trader_fees_paid_usd_total"
	MetricRetriesTotal        = "trader_api_retries_total"
	MetricAPIErrorsTotal      = "trader_api_errors_total"
	MetricAPILatency          = "trader_api_latency_seconds"
	MetricNoTradeTotal        = "trader_no_trade_total"
	MetricCircuitOpen         = "trader_circuit_open"
	MetricOpenPositions       = "trader_open_positions"
	MetricAccountValue        = "trader_account_value_usd"
	MetricRateUtilization     = "trader_rate_limit_utilization"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	CyclesTotal         metric.Int64Counter
	CycleDuration       metric.Float64Histogram
	StageDuration       metric.Float64Histogram
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersCanceledTotal metric.Int64Counter
	FeesPaidTotal       metric.Float64Counter
	RetriesTotal        metric.Int64Counter
	APIErrorsTotal      metric.Int64Counter
	APILatency          metric.Float64Histogram
	NoTradeTotal        metric.Int64Counter
	CircuitOpen         metric.Int64ObservableGauge
	OpenPositions       metric.Int64ObservableGauge
	AccountValue        metric.Float64ObservableGauge
	RateUtilization     metric.Float64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	initialized     bool
	circuitOpenMap  map[string]int64
	openPositions   int64
	accountValue    float64
	rateUtilization map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			circuitOpenMap:  make(map[string]int64),
			rateUtilization: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CyclesTotal, err = meter.Int64Counter(MetricCyclesTotal, metric.WithDescription("Total trading cycles run"))
	if err != nil {
		return err
	}
	m.CycleDuration, err = meter.Float64Histogram(MetricCycleDuration, metric.WithDescription("Trading cycle wall time"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	m.StageDuration, err = meter.Float64Histogram(MetricStageDuration, metric.WithDescription("Per-stage wall time"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}
	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total orders canceled"))
	if err != nil {
		return err
	}
	m.FeesPaidTotal, err = meter.Float64Counter(MetricFeesPaidTotal, metric.WithDescription("Cumulative fees paid"))
	if err != nil {
		return err
	}
	m.RetriesTotal, err = meter.Int64Counter(MetricRetriesTotal, metric.WithDescription("Total exchange request retries"))
	if err != nil {
		return err
	}
	m.APIErrorsTotal, err = meter.Int64Counter(MetricAPIErrorsTotal, metric.WithDescription("Total exchange request errors"))
	if err != nil {
		return err
	}
	m.APILatency, err = meter.Float64Histogram(MetricAPILatency, metric.WithDescription("Exchange request latency"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	m.NoTradeTotal, err = meter.Int64Counter(MetricNoTradeTotal, metric.WithDescription("Cycles ended without trading, by reason"))
	if err != nil {
		return err
	}

	m.CircuitOpen, err = meter.Int64ObservableGauge(MetricCircuitOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.circuitOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("circuit", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Number of open positions above the dust floor"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.AccountValue, err = meter.Float64ObservableGauge(MetricAccountValue, metric.WithDescription("Current account NAV in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.accountValue)
			return nil
		}))
	if err != nil {
		return err
	}

	m.RateUtilization, err = meter.Float64ObservableGauge(MetricRateUtilization, metric.WithDescription("Rate limiter utilization per endpoint"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ep, val := range m.rateUtilization {
				obs.Observe(val, metric.WithAttributes(attribute.String("endpoint", ep)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether InitMetrics has completed. Counter helpers no-op
// before setup so unit tests do not need the provider.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *MetricsHolder) SetCircuitOpen(name string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitOpenMap[name] = val
}

func (m *MetricsHolder) SetOpenPositions(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}

func (m *MetricsHolder) SetAccountValue(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountValue = value
}

func (m *MetricsHolder) SetRateUtilization(endpoint string, utilization float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateUtilization[endpoint] = utilization
}

// AddCycle records one completed cycle with its outcome label
func (m *MetricsHolder) AddCycle(ctx context.Context, outcome string, seconds float64) {
	if !m.Ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.CyclesTotal.Add(ctx, 1, attrs)
	m.CycleDuration.Record(ctx, seconds, attrs)
}

// AddStage records one stage timing
func (m *MetricsHolder) AddStage(ctx context.Context, stage string, seconds float64) {
	if !m.Ready() {
		return
	}
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// AddNoTrade records a no-trade cycle outcome by reason
func (m *MetricsHolder) AddNoTrade(ctx context.Context, reason string) {
	if !m.Ready() {
		return
	}
	m.NoTradeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AddOrderPlaced records an order submission by route
func (m *MetricsHolder) AddOrderPlaced(ctx context.Context, symbol, route string) {
	if !m.Ready() {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("route", route),
	))
}

// AddAPICall records latency and, when failed is true, an error for endpoint
func (m *MetricsHolder) AddAPICall(ctx context.Context, endpoint string, seconds float64, failed bool) {
	if !m.Ready() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("endpoint", endpoint))
	m.APILatency.Record(ctx, seconds, attrs)
	if failed {
		m.APIErrorsTotal.Add(ctx, 1, attrs)
	}
}

// AddRetry records one retried exchange request
func (m *MetricsHolder) AddRetry(ctx context.Context, endpoint string) {
	if !m.Ready() {
		return
	}
	m.RetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// AddOrderFilled records a completed fill for symbol
func (m *MetricsHolder) AddOrderFilled(ctx context.Context, symbol string) {
	if !m.Ready() {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// AddOrderCanceled records a canceled order by reason
func (m *MetricsHolder) AddOrderCanceled(ctx context.Context, symbol, reason string) {
	if !m.Ready() {
		return
	}
	m.OrdersCanceledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("reason", reason),
	))
}

// AddFees accumulates fees paid in USD
func (m *MetricsHolder) AddFees(ctx context.Context, usd float64) {
	if !m.Ready() {
		return
	}
	m.FeesPaidTotal.Add(ctx, usd, metric.WithAttributes())
}
