package coinbase

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// Wire types for the Advanced Trade REST API. Numeric fields arrive as
// strings and are parsed into decimals at the mapping boundary.

type productResponse struct {
	ProductID       string `json:"product_id"`
	Price           string `json:"price"`
	Volume24h       string `json:"volume_24h"`
	BaseIncrement   string `json:"base_increment"`
	QuoteIncrement  string `json:"quote_increment"`
	QuoteMinSize    string `json:"quote_min_size"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

type productsResponse struct {
	Products []productResponse `json:"products"`
}

type bestBidAskResponse struct {
	Pricebooks []struct {
		ProductID string      `json:"product_id"`
		Bids      []bookLevel `json:"bids"`
		Asks      []bookLevel `json:"asks"`
		Time      string      `json:"time"`
	} `json:"pricebooks"`
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type productBookResponse struct {
	Pricebook struct {
		ProductID string      `json:"product_id"`
		Bids      []bookLevel `json:"bids"`
		Asks      []bookLevel `json:"asks"`
		Time      string      `json:"time"`
	} `json:"pricebook"`
}

type candlesResponse struct {
	Candles []struct {
		Start  string `json:"start"`
		Low    string `json:"low"`
		High   string `json:"high"`
		Open   string `json:"open"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}

type accountsResponse struct {
	Accounts []struct {
		UUID             string `json:"uuid"`
		Currency         string `json:"currency"`
		AvailableBalance struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"available_balance"`
		Hold struct {
			Value string `json:"value"`
		} `json:"hold"`
	} `json:"accounts"`
	HasNext bool   `json:"has_next"`
	Cursor  string `json:"cursor"`
}

// orderConfiguration mirrors the exchange's order_configuration union.
// Exactly one member is populated per request.
type orderConfiguration struct {
	MarketIOC *marketIOCConfig `json:"market_market_ioc,omitempty"`
	LimitGTC  *limitGTCConfig  `json:"limit_limit_gtc,omitempty"`
	LimitIOC  *limitIOCConfig  `json:"sor_limit_ioc,omitempty"`
}

type marketIOCConfig struct {
	QuoteSize string `json:"quote_size,omitempty"`
	BaseSize  string `json:"base_size,omitempty"`
}

type limitGTCConfig struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only"`
}

type limitIOCConfig struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
}

type placeOrderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type placeOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		Side          string `json:"side"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                 string `json:"error"`
		Message               string `json:"message"`
		ErrorDetails          string `json:"error_details"`
		PreviewFailureReason  string `json:"preview_failure_reason"`
		NewOrderFailureReason string `json:"new_order_failure_reason"`
	} `json:"error_response"`
}

type previewOrderResponse struct {
	OrderTotal      string   `json:"order_total"`
	CommissionTotal string   `json:"commission_total"`
	Errs            []string `json:"errs"`
	Warning         []string `json:"warning"`
	QuoteSize       string   `json:"quote_size"`
	BaseSize        string   `json:"base_size"`
	BestBid         string   `json:"best_bid"`
	BestAsk         string   `json:"best_ask"`
	AverageFilledPrice string `json:"average_filled_price"`
}

type wireOrder struct {
	OrderID            string `json:"order_id"`
	ProductID          string `json:"product_id"`
	ClientOrderID      string `json:"client_order_id"`
	Side               string `json:"side"`
	Status             string `json:"status"`
	FilledSize         string `json:"filled_size"`
	FilledValue        string `json:"filled_value"`
	AverageFilledPrice string `json:"average_filled_price"`
	TotalFees          string `json:"total_fees"`
	CreatedTime        string `json:"created_time"`
	RejectReason       string `json:"reject_reason"`
}

type getOrderResponse struct {
	Order wireOrder `json:"order"`
}

type listOrdersResponse struct {
	Orders  []wireOrder `json:"orders"`
	HasNext bool        `json:"has_next"`
	Cursor  string      `json:"cursor"`
}

type batchCancelResponse struct {
	Results []struct {
		Success       bool   `json:"success"`
		OrderID       string `json:"order_id"`
		FailureReason string `json:"failure_reason"`
	} `json:"results"`
}

type wireFill struct {
	EntryID            string `json:"entry_id"`
	TradeID            string `json:"trade_id"`
	OrderID            string `json:"order_id"`
	TradeTime          string `json:"trade_time"`
	Price              string `json:"price"`
	Size               string `json:"size"`
	Commission         string `json:"commission"`
	ProductID          string `json:"product_id"`
	SequenceTimestamp  string `json:"sequence_timestamp"`
	LiquidityIndicator string `json:"liquidity_indicator"`
	SizeInQuote        bool   `json:"size_in_quote"`
	Side               string `json:"side"`
}

type listFillsResponse struct {
	Fills  []wireFill `json:"fills"`
	Cursor string     `json:"cursor"`
}

type convertQuoteResponse struct {
	Trade struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		UserEnteredAmount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"user_entered_amount"`
		Amount struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		ExpiresAt string `json:"exchange_rate_expiry"`
	} `json:"trade"`
}

// Mapping helpers

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "PENDING", "QUEUED", "UNKNOWN_ORDER_STATUS":
		return core.StatusNew
	case "OPEN":
		return core.StatusOpen
	case "FILLED":
		return core.StatusFilled
	case "CANCELLED", "CANCEL_QUEUED":
		return core.StatusCanceled
	case "EXPIRED":
		return core.StatusExpired
	case "FAILED":
		return core.StatusFailed
	default:
		return core.StatusRejected
	}
}

func mapOrderInfo(w wireOrder) *core.OrderInfo {
	info := &core.OrderInfo{
		ExchangeOrderID: w.OrderID,
		ClientOrderID:   w.ClientOrderID,
		Symbol:          w.ProductID,
		Side:            core.Side(w.Side),
		Status:          mapOrderStatus(w.Status),
		FilledBaseSize:  parseDecimal(w.FilledSize),
		FilledValueUSD:  parseDecimal(w.FilledValue),
		TotalFees:       parseDecimal(w.TotalFees),
		AveragePrice:    parseDecimal(w.AverageFilledPrice),
		CreatedAt:       parseTime(w.CreatedTime),
		RejectReason:    w.RejectReason,
	}

	// Partial fills surface as OPEN with a nonzero filled size.
	if info.Status == core.StatusOpen && info.FilledBaseSize.IsPositive() {
		info.Status = core.StatusPartialFill
	}
	return info
}

func mapFill(w wireFill) *core.Fill {
	liquidity := core.LiquidityTaker
	if w.LiquidityIndicator == "MAKER" {
		liquidity = core.LiquidityMaker
	}
	return &core.Fill{
		OrderID:     w.OrderID,
		ProductID:   w.ProductID,
		Price:       parseDecimal(w.Price),
		Size:        parseDecimal(w.Size),
		Commission:  parseDecimal(w.Commission),
		SizeInQuote: w.SizeInQuote,
		Liquidity:   liquidity,
		TradeTime:   parseTime(w.TradeTime),
	}
}
