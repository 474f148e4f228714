// Package coinbase implements the Advanced Trade REST exchange client
package coinbase

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/internal/ratelimit"
	"github.com/aelhadee/247trader-V2-sub000/internal/symbols"
	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
	pkghttp "github.com/aelhadee/247trader-V2-sub000/pkg/http"
	"github.com/aelhadee/247trader-V2-sub000/pkg/retry"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

const (
	defaultBaseURL = "https://api.coinbase.com/api/v3/brokerage"

	// Rate-limiter endpoint keys
	epProducts    = "products"
	epQuotes      = "quotes"
	epOrderbook   = "orderbook"
	epCandles     = "candles"
	epAccounts    = "accounts"
	epOrders      = "orders"
	epOrderStatus = "order_status"
	epCancel      = "cancel"
	epFills       = "fills"
	epPreview     = "preview"
	epConvert     = "convert"
)

// Depth band for orderbook snapshots, in basis points around mid
var depthBandBps = decimal.NewFromInt(20)

// Options configure the client beyond credentials
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	ReadOnly    bool
	RetryPolicy retry.Policy
	RateLimits  map[string]float64
}

// Client is the Advanced Trade REST implementation of core.IExchange.
// Every call acquires a rate-limit token first, then runs through the
// full-jitter retry policy.
type Client struct {
	http    *pkghttp.Client
	limiter *ratelimit.Limiter
	logger  core.ILogger
	policy  retry.Policy

	readOnly bool

	mu                sync.Mutex
	rng               *rand.Rand
	latencyFn         func(endpoint string, seconds float64)
	consecutiveErrors int
	recent429s        int
}

// NewClient builds a client from credentials and options
func NewClient(creds *Credentials, opts Options, logger core.ILogger) (*Client, error) {
	signer, err := creds.NewSigner()
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	policy := opts.RetryPolicy
	if policy.MaxRetries == 0 && policy.Base == 0 {
		policy = retry.DefaultPolicy
	}

	return &Client{
		http:     pkghttp.NewClient(baseURL, opts.Timeout, signer),
		limiter:  ratelimit.NewLimiter(ratelimit.Config{Endpoints: opts.RateLimits}, logger),
		logger:   logger.WithField("component", "coinbase_client"),
		policy:   policy,
		readOnly: opts.ReadOnly,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// RateLimiter exposes the limiter for utilization reporting
func (c *Client) RateLimiter() *ratelimit.Limiter {
	return c.limiter
}

// Health returns the consecutive-error count and 429s seen since the last
// window reset. The circuit breakers read these each cycle.
func (c *Client) Health() (consecutiveErrors, recent429s int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors, c.recent429s
}

// ResetRateLimitWindow clears the 429 counter at cycle boundaries
func (c *Client) ResetRateLimitWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent429s = 0
}

// SetLatencyObserver registers a callback receiving per-call wall time by
// endpoint, including retries
func (c *Client) SetLatencyObserver(fn func(endpoint string, seconds float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencyFn = fn
}

// call acquires a token for endpoint and runs fn under the retry policy
func (c *Client) call(ctx context.Context, endpoint string, fn func() error) error {
	if err := c.limiter.Acquire(ctx, endpoint, 1, true); err != nil {
		return err
	}

	c.mu.Lock()
	rng := c.rng
	latencyFn := c.latencyFn
	c.mu.Unlock()

	start := time.Now()
	err := retry.Do(ctx, c.policy, rng, apperrors.IsRetryable, func() error {
		callErr := fn()
		c.observe(ctx, endpoint, callErr)
		return callErr
	})
	if latencyFn != nil {
		latencyFn(endpoint, time.Since(start).Seconds())
	}
	return err
}

func (c *Client) observe(ctx context.Context, endpoint string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.consecutiveErrors = 0
		return
	}
	c.consecutiveErrors++
	if apperrors.IsRateLimited(err) {
		c.recent429s++
	}
	if apperrors.IsRetryable(err) {
		telemetry.GetGlobalMetrics().AddRetry(ctx, endpoint)
	}
}

// GetQuote returns the top-of-book snapshot for one product
func (c *Client) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	productID := symbols.Normalize(symbol)

	var resp bestBidAskResponse
	err := c.call(ctx, epQuotes, func() error {
		return c.getJSON(ctx, "/best_bid_ask", map[string]string{"product_ids": productID}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Pricebooks) == 0 || len(resp.Pricebooks[0].Bids) == 0 || len(resp.Pricebooks[0].Asks) == 0 {
		return nil, fmt.Errorf("empty pricebook for %s", productID)
	}

	pb := resp.Pricebooks[0]
	bid := parseDecimal(pb.Bids[0].Price)
	ask := parseDecimal(pb.Asks[0].Price)
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	q := &core.Quote{
		Symbol:    productID,
		Bid:       bid,
		Ask:       ask,
		Mid:       mid,
		Last:      mid,
		Timestamp: parseTime(pb.Time),
	}
	if mid.IsPositive() {
		q.SpreadBps = ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000))
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}
	return q, nil
}

// GetOrderbook returns aggregate USD depth within ±20 bps of mid
func (c *Client) GetOrderbook(ctx context.Context, symbol string, levels int) (*core.OrderbookSnapshot, error) {
	productID := symbols.Normalize(symbol)
	if levels <= 0 {
		levels = 50
	}

	var resp productBookResponse
	err := c.call(ctx, epOrderbook, func() error {
		return c.getJSON(ctx, "/product_book", map[string]string{
			"product_id": productID,
			"limit":      strconv.Itoa(levels),
		}, &resp)
	})
	if err != nil {
		return nil, err
	}

	book := resp.Pricebook
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil, fmt.Errorf("%w: empty book for %s", apperrors.ErrInsufficientDepth, productID)
	}

	bestBid := parseDecimal(book.Bids[0].Price)
	bestAsk := parseDecimal(book.Asks[0].Price)
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))

	band := mid.Mul(depthBandBps).Div(decimal.NewFromInt(10000))
	low, high := mid.Sub(band), mid.Add(band)

	snap := &core.OrderbookSnapshot{
		Symbol:    productID,
		Mid:       mid,
		BandBps:   depthBandBps,
		Timestamp: parseTime(book.Time),
	}
	for _, lvl := range book.Bids {
		price := parseDecimal(lvl.Price)
		if price.GreaterThanOrEqual(low) {
			snap.BidDepthUSD = snap.BidDepthUSD.Add(price.Mul(parseDecimal(lvl.Size)))
		}
	}
	for _, lvl := range book.Asks {
		price := parseDecimal(lvl.Price)
		if price.LessThanOrEqual(high) {
			snap.AskDepthUSD = snap.AskDepthUSD.Add(price.Mul(parseDecimal(lvl.Size)))
		}
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return snap, nil
}

// GetCandles returns OHLCV bars for the window, oldest first
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]*core.Candle, error) {
	productID := symbols.Normalize(symbol)

	var resp candlesResponse
	err := c.call(ctx, epCandles, func() error {
		return c.getJSON(ctx, "/products/"+productID+"/candles", map[string]string{
			"start":       strconv.FormatInt(start.Unix(), 10),
			"end":         strconv.FormatInt(end.Unix(), 10),
			"granularity": interval,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]*core.Candle, 0, len(resp.Candles))
	for _, w := range resp.Candles {
		startUnix, _ := strconv.ParseInt(w.Start, 10, 64)
		candles = append(candles, &core.Candle{
			Start:  time.Unix(startUnix, 0).UTC(),
			Open:   parseDecimal(w.Open),
			High:   parseDecimal(w.High),
			Low:    parseDecimal(w.Low),
			Close:  parseDecimal(w.Close),
			Volume: parseDecimal(w.Volume),
		})
	}
	// Exchange returns newest first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetAccounts returns all currency balances, following pagination
func (c *Client) GetAccounts(ctx context.Context) ([]*core.AccountBalance, error) {
	var out []*core.AccountBalance
	cursor := ""

	for {
		params := map[string]string{"limit": "250"}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var resp accountsResponse
		err := c.call(ctx, epAccounts, func() error {
			return c.getJSON(ctx, "/accounts", params, &resp)
		})
		if err != nil {
			return nil, err
		}

		for _, a := range resp.Accounts {
			out = append(out, &core.AccountBalance{
				Currency:  a.Currency,
				Available: parseDecimal(a.AvailableBalance.Value),
				Hold:      parseDecimal(a.Hold.Value),
			})
		}
		if !resp.HasNext || resp.Cursor == "" {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

// ListPublicProducts returns trading rules for every listed product
func (c *Client) ListPublicProducts(ctx context.Context) ([]*core.ProductMeta, error) {
	var resp productsResponse
	err := c.call(ctx, epProducts, func() error {
		return c.getJSON(ctx, "/products", nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*core.ProductMeta, 0, len(resp.Products))
	for _, p := range resp.Products {
		out = append(out, mapProductMeta(p))
	}
	return out, nil
}

// GetProductMetadata returns the trading rules for one product
func (c *Client) GetProductMetadata(ctx context.Context, symbol string) (*core.ProductMeta, error) {
	productID := symbols.Normalize(symbol)

	var resp productResponse
	err := c.call(ctx, epProducts, func() error {
		return c.getJSON(ctx, "/products/"+productID, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return mapProductMeta(resp), nil
}

func mapProductMeta(p productResponse) *core.ProductMeta {
	status := p.Status
	if p.TradingDisabled {
		status = "TRADING_DISABLED"
	}
	return &core.ProductMeta{
		Symbol:         p.ProductID,
		BaseIncrement:  parseDecimal(p.BaseIncrement),
		QuoteIncrement: parseDecimal(p.QuoteIncrement),
		MinMarketFunds: parseDecimal(p.QuoteMinSize),
		Status:         status,
	}
}

// PlaceOrder submits an order, mirroring the caller's client_order_id
func (c *Client) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.OrderInfo, error) {
	if c.readOnly {
		return nil, fmt.Errorf("exchange client is read-only, refusing to place order for %s", req.Symbol)
	}

	payload, err := buildOrderPayload(req)
	if err != nil {
		return nil, err
	}

	var resp placeOrderResponse
	err = c.call(ctx, epOrders, func() error {
		return c.postJSON(ctx, "/orders", payload, &resp)
	})
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		reason := resp.ErrorResponse.NewOrderFailureReason
		if reason == "" {
			reason = resp.ErrorResponse.Error
		}
		if reason == "DUPLICATE_CLIENT_ORDER_ID" {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, req.ClientOrderID)
		}
		return nil, fmt.Errorf("%w: %s: %s", apperrors.ErrInvalidOrderParameter, reason, resp.ErrorResponse.Message)
	}

	c.logger.Info("Order placed",
		"client_order_id", req.ClientOrderID,
		"exchange_order_id", resp.SuccessResponse.OrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"route", req.Route)

	return &core.OrderInfo{
		ExchangeOrderID: resp.SuccessResponse.OrderID,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          core.StatusOpen,
	}, nil
}

func buildOrderPayload(req *core.PlaceOrderRequest) (*placeOrderRequest, error) {
	payload := &placeOrderRequest{
		ClientOrderID: req.ClientOrderID,
		ProductID:     symbols.Normalize(req.Symbol),
		Side:          string(req.Side),
	}

	switch req.Route {
	case core.RouteMarketIOC:
		cfg := &marketIOCConfig{}
		if req.Side == core.SideBuy {
			// Market buys are quote-denominated per the exchange contract.
			if !req.QuoteSize.IsPositive() {
				return nil, fmt.Errorf("%w: market buy requires quote_size", apperrors.ErrInvalidOrderParameter)
			}
			cfg.QuoteSize = req.QuoteSize.String()
		} else {
			if !req.BaseSize.IsPositive() {
				return nil, fmt.Errorf("%w: market sell requires base_size", apperrors.ErrInvalidOrderParameter)
			}
			cfg.BaseSize = req.BaseSize.String()
		}
		payload.OrderConfiguration.MarketIOC = cfg

	case core.RouteLimitPostOnly:
		if !req.BaseSize.IsPositive() || !req.LimitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: post-only limit requires base_size and limit_price", apperrors.ErrInvalidOrderParameter)
		}
		payload.OrderConfiguration.LimitGTC = &limitGTCConfig{
			BaseSize:   req.BaseSize.String(),
			LimitPrice: req.LimitPrice.String(),
			PostOnly:   true,
		}

	case core.RouteLimitIOC:
		if !req.BaseSize.IsPositive() || !req.LimitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: IOC limit requires base_size and limit_price", apperrors.ErrInvalidOrderParameter)
		}
		payload.OrderConfiguration.LimitIOC = &limitIOCConfig{
			BaseSize:   req.BaseSize.String(),
			LimitPrice: req.LimitPrice.String(),
		}

	default:
		return nil, fmt.Errorf("%w: unknown route %q", apperrors.ErrInvalidOrderParameter, req.Route)
	}

	return payload, nil
}

// PreviewOrder asks the exchange to estimate fees and totals for an order
func (c *Client) PreviewOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.PreviewResult, error) {
	payload, err := buildOrderPayload(req)
	if err != nil {
		return nil, err
	}

	preview := struct {
		ProductID          string             `json:"product_id"`
		Side               string             `json:"side"`
		OrderConfiguration orderConfiguration `json:"order_configuration"`
	}{
		ProductID:          payload.ProductID,
		Side:               payload.Side,
		OrderConfiguration: payload.OrderConfiguration,
	}

	var resp previewOrderResponse
	err = c.call(ctx, epPreview, func() error {
		return c.postJSON(ctx, "/orders/preview", preview, &resp)
	})
	if err != nil {
		return nil, err
	}

	return &core.PreviewResult{
		EstimatedFees:  parseDecimal(resp.CommissionTotal),
		EstimatedTotal: parseDecimal(resp.OrderTotal),
		Errors:         resp.Errs,
		Warnings:       resp.Warning,
	}, nil
}

// CancelOrder cancels one order by exchange id
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	return c.CancelOrders(ctx, []string{exchangeOrderID})
}

// CancelOrders batch-cancels orders. Unknown ids surface as
// ErrOrderNotFound so callers can treat them as already closed.
func (c *Client) CancelOrders(ctx context.Context, exchangeOrderIDs []string) error {
	if c.readOnly {
		return fmt.Errorf("exchange client is read-only, refusing to cancel orders")
	}
	if len(exchangeOrderIDs) == 0 {
		return nil
	}

	var resp batchCancelResponse
	err := c.call(ctx, epCancel, func() error {
		return c.postJSON(ctx, "/orders/batch_cancel", map[string][]string{"order_ids": exchangeOrderIDs}, &resp)
	})
	if err != nil {
		return err
	}

	var notFound []string
	var failed []string
	for _, r := range resp.Results {
		if r.Success {
			continue
		}
		if r.FailureReason == "UNKNOWN_CANCEL_ORDER" || r.FailureReason == "INVALID_CANCEL_REQUEST" {
			notFound = append(notFound, r.OrderID)
			continue
		}
		failed = append(failed, fmt.Sprintf("%s: %s", r.OrderID, r.FailureReason))
	}

	if len(failed) > 0 {
		return fmt.Errorf("cancel failed for %d orders: %v", len(failed), failed)
	}
	if len(notFound) == len(exchangeOrderIDs) {
		return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, notFound)
	}
	return nil
}

// GetOrderStatus fetches one order by exchange id
func (c *Client) GetOrderStatus(ctx context.Context, exchangeOrderID string) (*core.OrderInfo, error) {
	var resp getOrderResponse
	err := c.call(ctx, epOrderStatus, func() error {
		return c.getJSON(ctx, "/orders/historical/"+exchangeOrderID, nil, &resp)
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, exchangeOrderID)
		}
		return nil, err
	}
	return mapOrderInfo(resp.Order), nil
}

// ListOpenOrders returns all OPEN orders, optionally scoped to one product
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]*core.OrderInfo, error) {
	params := map[string]string{"order_status": "OPEN"}
	if symbol != "" {
		params["product_id"] = symbols.Normalize(symbol)
	}

	var resp listOrdersResponse
	err := c.call(ctx, epOrderStatus, func() error {
		return c.getJSON(ctx, "/orders/historical/batch", params, &resp)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*core.OrderInfo, 0, len(resp.Orders))
	for _, w := range resp.Orders {
		out = append(out, mapOrderInfo(w))
	}
	return out, nil
}

// CreateConvertQuote requests a firm conversion quote between currencies
func (c *Client) CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*core.ConvertQuote, error) {
	payload := map[string]interface{}{
		"from_account": from,
		"to_account":   to,
		"amount":       amount.String(),
	}

	var resp convertQuoteResponse
	err := c.call(ctx, epConvert, func() error {
		return c.postJSON(ctx, "/convert/quote", payload, &resp)
	})
	if err != nil {
		return nil, err
	}

	return &core.ConvertQuote{
		TradeID:      resp.Trade.ID,
		FromCurrency: from,
		ToCurrency:   to,
		FromAmount:   parseDecimal(resp.Trade.UserEnteredAmount.Value),
		ToAmount:     parseDecimal(resp.Trade.Amount.Value),
		ExpiresAt:    parseTime(resp.Trade.ExpiresAt),
	}, nil
}

// CommitConvert executes a previously quoted conversion
func (c *Client) CommitConvert(ctx context.Context, tradeID, from, to string) error {
	if c.readOnly {
		return fmt.Errorf("exchange client is read-only, refusing to commit conversion")
	}

	payload := map[string]string{
		"from_account": from,
		"to_account":   to,
	}
	var resp convertQuoteResponse
	return c.call(ctx, epConvert, func() error {
		return c.postJSON(ctx, "/convert/trade/"+tradeID, payload, &resp)
	})
}

// JSON helpers over the resilient HTTP client

func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, out interface{}) error {
	body, err := c.http.Get(ctx, path, params)
	if err != nil {
		return err
	}
	return unmarshalResponse(body, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := c.http.Post(ctx, path, payload)
	if err != nil {
		return err
	}
	return unmarshalResponse(body, out)
}
