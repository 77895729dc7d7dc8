package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"idex-connector/internal/core"
)

// Order is one tracked in-flight order. All fields past the identity block
// are owned by the Book and mutated only under its lock.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Market          string
	Side            core.Side
	Type            core.OrderType
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	CreatedAt       time.Time

	status        core.OrderStatus
	executedBase  decimal.Decimal
	executedQuote decimal.Decimal
	feePaid       decimal.Decimal
	feeAsset      string
	appliedFills  map[string]struct{}

	// closed when the order reaches a terminal state; callers awaiting
	// cancellation block on it
	done chan struct{}
}

// New returns an order in the open state with no fills applied.
func New(clientOrderID, market string, side core.Side, orderType core.OrderType, price, quantity decimal.Decimal) *Order {
	return &Order{
		ClientOrderID: clientOrderID,
		Market:        market,
		Side:          side,
		Type:          orderType,
		Price:         price,
		Quantity:      quantity,
		CreatedAt:     time.Now().UTC(),
		status:        core.OrderOpen,
		appliedFills:  make(map[string]struct{}),
		done:          make(chan struct{}),
	}
}

func (o *Order) Status() core.OrderStatus { return o.status }

// Done is closed once the order reaches a terminal state.
func (o *Order) Done() <-chan struct{} { return o.done }

func (o *Order) ExecutedBase() decimal.Decimal { return o.executedBase }

func (o *Order) ExecutedQuote() decimal.Decimal { return o.executedQuote }

// applyFill records a fill exactly once. Returns false when the fill id has
// already been applied.
func (o *Order) applyFill(fill core.Fill) bool {
	if _, seen := o.appliedFills[fill.FillID]; seen {
		return false
	}
	o.appliedFills[fill.FillID] = struct{}{}
	o.executedBase = o.executedBase.Add(fill.Quantity)
	o.executedQuote = o.executedQuote.Add(fill.Quantity.Mul(fill.Price))
	o.feePaid = o.feePaid.Add(fill.Fee)
	if fill.FeeAsset != "" {
		o.feeAsset = fill.FeeAsset
	}
	return true
}

// completionTolerance absorbs the venue's rounding of fill quantities.
// Orders whose executed base is within one part in 1e8 of the ordered
// quantity count as fully filled.
var completionTolerance = decimal.New(1, -8)

func (o *Order) isCompletelyFilled() bool {
	if o.Quantity.IsZero() {
		return false
	}
	threshold := o.Quantity.Mul(decimal.New(1, 0).Sub(completionTolerance))
	return o.executedBase.GreaterThanOrEqual(threshold)
}

// State is the serializable form of a tracked order, used for restart
// snapshots. AppliedFills carries the dedup set so a restored order does not
// double-count fills replayed by the venue.
type State struct {
	ClientOrderID   string              `json:"clientOrderId"`
	ExchangeOrderID string              `json:"exchangeOrderId,omitempty"`
	Market          string              `json:"market"`
	Side            core.Side           `json:"side"`
	Type            core.OrderType      `json:"type"`
	Price           decimal.Decimal     `json:"price"`
	Quantity        decimal.Decimal     `json:"quantity"`
	CreatedAt       time.Time           `json:"createdAt"`
	Status          core.OrderStatus    `json:"status"`
	ExecutedBase    decimal.Decimal     `json:"executedBase"`
	ExecutedQuote   decimal.Decimal     `json:"executedQuote"`
	FeePaid         decimal.Decimal     `json:"feePaid"`
	FeeAsset        string              `json:"feeAsset,omitempty"`
	AppliedFills    []string            `json:"appliedFills,omitempty"`
}

func (o *Order) state() State {
	fills := make([]string, 0, len(o.appliedFills))
	for id := range o.appliedFills {
		fills = append(fills, id)
	}
	return State{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Market:          o.Market,
		Side:            o.Side,
		Type:            o.Type,
		Price:           o.Price,
		Quantity:        o.Quantity,
		CreatedAt:       o.CreatedAt,
		Status:          o.status,
		ExecutedBase:    o.executedBase,
		ExecutedQuote:   o.executedQuote,
		FeePaid:         o.feePaid,
		FeeAsset:        o.feeAsset,
		AppliedFills:    fills,
	}
}

func fromState(s State) *Order {
	order := &Order{
		ClientOrderID:   s.ClientOrderID,
		ExchangeOrderID: s.ExchangeOrderID,
		Market:          s.Market,
		Side:            s.Side,
		Type:            s.Type,
		Price:           s.Price,
		Quantity:        s.Quantity,
		CreatedAt:       s.CreatedAt,
		status:          s.Status,
		executedBase:    s.ExecutedBase,
		executedQuote:   s.ExecutedQuote,
		feePaid:         s.FeePaid,
		feeAsset:        s.FeeAsset,
		appliedFills:    make(map[string]struct{}, len(s.AppliedFills)),
		done:            make(chan struct{}),
	}
	if order.status == "" {
		order.status = core.OrderOpen
	}
	for _, id := range s.AppliedFills {
		order.appliedFills[id] = struct{}{}
	}
	return order
}
