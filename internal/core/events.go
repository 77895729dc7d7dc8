package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBuyOrderCreated    EventType = "BuyOrderCreated"
	EventSellOrderCreated   EventType = "SellOrderCreated"
	EventOrderFilled        EventType = "OrderFilled"
	EventOrderCancelled     EventType = "OrderCancelled"
	EventOrderFailed        EventType = "OrderFailed"
	EventBuyOrderCompleted  EventType = "BuyOrderCompleted"
	EventSellOrderCompleted EventType = "SellOrderCompleted"
)

// Event is a lifecycle notification emitted to the host. State-mutating
// methods return events instead of dispatching them, so the state machine can
// be tested without an event bus; the connector does the dispatching.
type Event struct {
	Type            EventType
	Time            time.Time
	ClientOrderID   string
	ExchangeOrderID string
	Market          string
	Side            Side
	OrderType       OrderType
	Price           decimal.Decimal
	Quantity        decimal.Decimal

	// fill fields, set on OrderFilled
	FillID   string
	Fee      decimal.Decimal
	FeeAsset string

	// economic totals, set on Buy/SellOrderCompleted
	ExecutedBase  decimal.Decimal
	ExecutedQuote decimal.Decimal
	FeePaid       decimal.Decimal
}

func NewEvent(t EventType) Event {
	return Event{Type: t, Time: time.Now().UTC()}
}
