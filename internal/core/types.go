package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type TimeInForce string

type SelfTradePrevention string

type OrderStatus string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	Market     OrderType = "market"
	Limit      OrderType = "limit"
	LimitMaker OrderType = "limitMaker"
)

const (
	GoodTilCanceled   TimeInForce = "gtc"
	ImmediateOrCancel TimeInForce = "ioc"
	FillOrKill        TimeInForce = "fok"
)

const (
	DecrementAndCancel SelfTradePrevention = "dc"
	CancelOldest       SelfTradePrevention = "co"
	CancelNewest       SelfTradePrevention = "cn"
	CancelBoth         SelfTradePrevention = "cb"
)

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partiallyFilled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// The venue signs order intents over small integer codes, not the wire
// strings. The positional mapping is part of the venue protocol and must stay
// in sync with its settlement contract.
var sideCodes = map[Side]uint8{
	Buy:  0,
	Sell: 1,
}

var orderTypeCodes = map[OrderType]uint8{
	Market:     0,
	Limit:      1,
	LimitMaker: 2,
}

var timeInForceCodes = map[TimeInForce]uint8{
	GoodTilCanceled:   0,
	ImmediateOrCancel: 2,
	FillOrKill:        3,
}

var selfTradePreventionCodes = map[SelfTradePrevention]uint8{
	DecrementAndCancel: 0,
	CancelOldest:       1,
	CancelNewest:       2,
	CancelBoth:         3,
}

func (s Side) Code() (uint8, bool) {
	code, ok := sideCodes[s]
	return code, ok
}

func (t OrderType) Code() (uint8, bool) {
	code, ok := orderTypeCodes[t]
	return code, ok
}

func (t TimeInForce) Code() (uint8, bool) {
	code, ok := timeInForceCodes[t]
	return code, ok
}

func (p SelfTradePrevention) Code() (uint8, bool) {
	code, ok := selfTradePreventionCodes[p]
	return code, ok
}

// venue status vocabulary -> four-state lifecycle model
var orderStatusByWire = map[string]OrderStatus{
	"active":          OrderOpen,
	"open":            OrderOpen,
	"partiallyFilled": OrderPartiallyFilled,
	"filled":          OrderFilled,
	"canceled":        OrderCanceled,
	"cancelled":       OrderCanceled,
	"rejected":        OrderRejected,
}

func ParseOrderStatus(wire string) (OrderStatus, bool) {
	status, ok := orderStatusByWire[wire]
	return status, ok
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

type TradingRule struct {
	Market            string
	MinOrderSize      decimal.Decimal
	MinPriceIncrement decimal.Decimal
	MinBaseIncrement  decimal.Decimal
}

type CancellationResult struct {
	ClientOrderID string
	Success       bool
}

type Fill struct {
	FillID   string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	Time     time.Time
}

// OrderUpdate is the channel-agnostic order message the reconciler consumes.
// Both the REST poll path and the push stream decode into it.
type OrderUpdate struct {
	ClientOrderID string
	OrderID       string
	Market        string
	Status        string
	Side          Side
	Type          OrderType
	Fills         []Fill
}
