package orders

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
)

// Valid forward transitions. Everything else is rejected unless the caller
// overrides or the late-fill rule applies.
var validTransitions = map[core.OrderStatus][]core.OrderStatus{
	core.StatusNew:         {core.StatusOpen, core.StatusFailed, core.StatusRejected},
	core.StatusOpen:        {core.StatusPartialFill, core.StatusFilled, core.StatusCanceled, core.StatusExpired, core.StatusRejected},
	core.StatusPartialFill: {core.StatusFilled, core.StatusCanceled, core.StatusExpired},
}

// A fill fraction at or above this threshold promotes the order to FILLED
var filledThreshold = decimal.NewFromFloat(0.999)

// StateMachine holds orders keyed by client_order_id. All mutations
// serialize under one mutex; it is only touched from the cycle goroutine.
type StateMachine struct {
	mu     sync.Mutex
	orders map[string]*Order
	logger core.ILogger
	now    func() time.Time
}

// NewStateMachine creates an empty order state machine
func NewStateMachine(logger core.ILogger) *StateMachine {
	return &StateMachine{
		orders: make(map[string]*Order),
		logger: logger.WithField("component", "order_state_machine"),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests
func (sm *StateMachine) SetClock(now func() time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.now = now
}

// CreateOrder registers a new order in NEW. Idempotent: a known client id
// returns the existing order untouched.
func (sm *StateMachine) CreateOrder(clientID, symbol string, side core.Side, sizeUSD, sizeBase decimal.Decimal, route core.Route) *Order {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if existing, ok := sm.orders[clientID]; ok {
		return existing.clone()
	}

	o := &Order{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		SizeUSD:       sizeUSD,
		SizeBase:      sizeBase,
		Status:        core.StatusNew,
		Route:         route,
		CreatedAt:     sm.now(),
	}
	sm.orders[clientID] = o
	return o.clone()
}

// TransitionOpts carries optional data applied on a successful transition
type TransitionOpts struct {
	ExchangeOrderID string
	Error           string
	RejectionReason string
	AllowOverride   bool
}

// Transition moves an order to newStatus, validating against the transition
// table. The late-fill override admits terminal-to-FILLED when
// reconciliation reports a fill after local cancellation.
func (sm *StateMachine) Transition(clientID string, newStatus core.OrderStatus, opts TransitionOpts) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	o, ok := sm.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientID)
	}

	if o.Status == newStatus {
		sm.applyOpts(o, opts)
		return nil
	}

	if !opts.AllowOverride && !isValidTransition(o.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s for %s", apperrors.ErrStateTransition, o.Status, newStatus, clientID)
	}

	sm.logger.Info("Order transition",
		"client_order_id", clientID,
		"from", o.Status,
		"to", newStatus)

	prev := o.Status
	o.Status = newStatus
	sm.applyOpts(o, opts)

	now := sm.now()
	switch newStatus {
	case core.StatusOpen:
		o.SubmittedAt = now
	case core.StatusFilled, core.StatusCanceled, core.StatusExpired, core.StatusRejected, core.StatusFailed:
		o.CompletedAt = now
	}

	if prev.IsTerminal() && newStatus == core.StatusFilled {
		sm.logger.Warn("Late fill override applied",
			"client_order_id", clientID,
			"was", prev)
	}

	return nil
}

func isValidTransition(from, to core.OrderStatus) bool {
	// Late-fill rule: reconciliation may report a fill for an order we
	// already closed locally.
	if to == core.StatusFilled {
		switch from {
		case core.StatusCanceled, core.StatusExpired, core.StatusFailed:
			return true
		}
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (sm *StateMachine) applyOpts(o *Order, opts TransitionOpts) {
	if opts.ExchangeOrderID != "" {
		o.ExchangeOrderID = opts.ExchangeOrderID
	}
	if opts.Error != "" {
		o.Error = opts.Error
	}
	if opts.RejectionReason != "" {
		o.RejectionReason = opts.RejectionReason
	}
}

// UpdateFill replaces the cumulative fill aggregates for an order and
// auto-promotes to PARTIAL_FILL or FILLED based on the fill fraction.
func (sm *StateMachine) UpdateFill(clientID string, baseSize, quoteValue, fees decimal.Decimal, fills []*core.Fill) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	o, ok := sm.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientID)
	}

	if o.FirstFillAt.IsZero() && baseSize.IsPositive() {
		o.FirstFillAt = sm.now()
	}

	o.FilledSize = baseSize
	o.FilledValue = quoteValue
	o.Fees = fees
	o.Fills = fills
	if baseSize.IsPositive() {
		o.AveragePrice = quoteValue.Div(baseSize)
	}

	if o.SizeBase.IsZero() {
		return nil
	}

	fraction := o.FilledSize.Div(o.SizeBase)
	switch {
	case fraction.GreaterThanOrEqual(filledThreshold):
		if o.Status != core.StatusFilled {
			o.Status = core.StatusFilled
			o.CompletedAt = sm.now()
		}
	case fraction.IsPositive():
		// Auto-promotion covers CANCELED with a partial late fill too.
		if o.Status == core.StatusOpen || o.Status == core.StatusCanceled {
			o.Status = core.StatusPartialFill
		}
	}

	return nil
}

// Get returns a copy of the order, or nil when unknown
func (sm *StateMachine) Get(clientID string) *Order {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if o, ok := sm.orders[clientID]; ok {
		return o.clone()
	}
	return nil
}

// Active returns all non-terminal orders
func (sm *StateMachine) Active() []*Order {
	return sm.selectOrders(func(o *Order) bool { return o.IsActive() })
}

// Terminal returns all terminal orders
func (sm *StateMachine) Terminal() []*Order {
	return sm.selectOrders(func(o *Order) bool { return !o.IsActive() })
}

// ByStatus returns all orders with the given status
func (sm *StateMachine) ByStatus(status core.OrderStatus) []*Order {
	return sm.selectOrders(func(o *Order) bool { return o.Status == status })
}

// StaleActive returns active orders older than maxAge
func (sm *StateMachine) StaleActive(maxAge time.Duration) []*Order {
	sm.mu.Lock()
	now := sm.now()
	sm.mu.Unlock()
	return sm.selectOrders(func(o *Order) bool {
		return o.IsActive() && o.Status != core.StatusNew && now.Sub(o.CreatedAt) > maxAge
	})
}

func (sm *StateMachine) selectOrders(keep func(*Order) bool) []*Order {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var out []*Order
	for _, o := range sm.orders {
		if keep(o) {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CleanupOldOrders drops the oldest terminal orders beyond keepLastN.
// Returns how many were removed.
func (sm *StateMachine) CleanupOldOrders(keepLastN int) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var terminal []*Order
	for _, o := range sm.orders {
		if !o.IsActive() {
			terminal = append(terminal, o)
		}
	}
	if len(terminal) <= keepLastN {
		return 0
	}

	sort.Slice(terminal, func(i, j int) bool { return terminal[i].CreatedAt.Before(terminal[j].CreatedAt) })
	toDrop := terminal[:len(terminal)-keepLastN]
	for _, o := range toDrop {
		delete(sm.orders, o.ClientOrderID)
	}
	return len(toDrop)
}

// Summary exposes counts and oldest-active age for health reporting
type Summary struct {
	Total           int                      `json:"total"`
	ByStatus        map[core.OrderStatus]int `json:"by_status"`
	OldestActiveAge time.Duration            `json:"oldest_active_age"`
}

// GetSummary returns the current machine summary
func (sm *StateMachine) GetSummary() Summary {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s := Summary{ByStatus: make(map[core.OrderStatus]int)}
	now := sm.now()
	for _, o := range sm.orders {
		s.Total++
		s.ByStatus[o.Status]++
		if o.IsActive() {
			if age := now.Sub(o.CreatedAt); age > s.OldestActiveAge {
				s.OldestActiveAge = age
			}
		}
	}
	return s
}
