package orders

import (
	"log"
	"sync"

	"idex-connector/internal/core"
)

// Book tracks in-flight orders and reconciles venue updates into lifecycle
// events. REST poll results and push stream messages feed the same entry
// point, so duplicate delivery across channels is absorbed here.
type Book struct {
	mu     sync.Mutex
	orders map[string]*Order
}

func NewBook() *Book {
	return &Book{orders: make(map[string]*Order)}
}

func (b *Book) StartTracking(order *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if previous, exists := b.orders[order.ClientOrderID]; exists {
		log.Printf("level=WARN event=order_retracked client_id=%s market=%s", order.ClientOrderID, order.Market)
		close(previous.done)
	}
	b.orders[order.ClientOrderID] = order
}

// StopTracking removes an order and releases its completion signal, since no
// further updates will reach it. Unknown ids are a no-op.
func (b *Book) StopTracking(clientOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if order, ok := b.orders[clientOrderID]; ok {
		b.release(order)
	}
}

func (b *Book) Get(clientOrderID string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[clientOrderID]
	if !ok {
		return State{}, false
	}
	return order.state(), true
}

// Active returns the states of all non-terminal tracked orders.
func (b *Book) Active() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	active := make([]State, 0, len(b.orders))
	for _, order := range b.orders {
		if order.status.IsTerminal() {
			continue
		}
		active = append(active, order.state())
	}
	return active
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// DoneSignal returns the channel closed when the order reaches a terminal
// state. Untracked orders (including already-terminal ones) return false.
func (b *Book) DoneSignal(clientOrderID string) (<-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[clientOrderID]
	if !ok {
		return nil, false
	}
	return order.done, true
}

// ConfirmSubmitted records the venue order id after a successful submission
// and emits the creation event. Untracked ids emit nothing.
func (b *Book) ConfirmSubmitted(clientOrderID, exchangeOrderID string) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[clientOrderID]
	if !ok {
		return nil
	}
	if exchangeOrderID != "" && order.ExchangeOrderID == "" {
		order.ExchangeOrderID = exchangeOrderID
	}
	eventType := core.EventBuyOrderCreated
	if order.Side == core.Sell {
		eventType = core.EventSellOrderCreated
	}
	return []core.Event{b.orderEvent(order, eventType)}
}

// MarkFailed transitions a tracked order to rejected after a submission or
// lifecycle failure and stops tracking it.
func (b *Book) MarkFailed(clientOrderID string) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[clientOrderID]
	if !ok {
		return nil
	}
	order.status = core.OrderRejected
	events := []core.Event{b.orderEvent(order, core.EventOrderFailed)}
	b.release(order)
	return events
}

// ConfirmCanceled transitions a tracked order to canceled without a venue
// message. The cancel path uses it when the venue reports the order as
// already gone.
func (b *Book) ConfirmCanceled(clientOrderID string) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[clientOrderID]
	if !ok {
		return nil
	}
	return b.transition(order, core.OrderCanceled)
}

// ApplyUpdate reconciles one venue order message. Fills are applied first,
// exactly once each by fill id, then the reported status. Updates for
// untracked orders and repeated terminal transitions produce no events.
func (b *Book) ApplyUpdate(update core.OrderUpdate) []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[update.ClientOrderID]
	if !ok {
		return nil
	}
	if update.OrderID != "" && order.ExchangeOrderID == "" {
		order.ExchangeOrderID = update.OrderID
	}

	events := b.applyFills(order, update.Fills)

	if update.Status == "" {
		return events
	}
	status, ok := core.ParseOrderStatus(update.Status)
	if !ok {
		log.Printf("level=WARN event=unknown_order_status client_id=%s status=%q", order.ClientOrderID, update.Status)
		return events
	}
	events = append(events, b.transition(order, status)...)
	return events
}

func (b *Book) applyFills(order *Order, fills []core.Fill) []core.Event {
	var events []core.Event
	for _, fill := range fills {
		if fill.FillID == "" {
			continue
		}
		if !order.applyFill(fill) {
			continue
		}
		if order.executedBase.GreaterThan(order.Quantity) {
			log.Printf("level=WARN event=fill_overshoot client_id=%s executed=%s quantity=%s",
				order.ClientOrderID, order.executedBase, order.Quantity)
		}
		event := b.orderEvent(order, core.EventOrderFilled)
		event.Price = fill.Price
		event.Quantity = fill.Quantity
		event.FillID = fill.FillID
		event.Fee = fill.Fee
		event.FeeAsset = fill.FeeAsset
		if !fill.Time.IsZero() {
			event.Time = fill.Time
		}
		events = append(events, event)
	}
	if !order.status.IsTerminal() && order.isCompletelyFilled() {
		events = append(events, b.complete(order)...)
	} else if !order.status.IsTerminal() && order.executedBase.IsPositive() {
		order.status = core.OrderPartiallyFilled
	}
	return events
}

func (b *Book) transition(order *Order, status core.OrderStatus) []core.Event {
	if order.status.IsTerminal() {
		return nil
	}
	switch status {
	case core.OrderFilled:
		return b.complete(order)
	case core.OrderCanceled:
		order.status = core.OrderCanceled
		events := []core.Event{b.orderEvent(order, core.EventOrderCancelled)}
		b.release(order)
		return events
	case core.OrderRejected:
		order.status = core.OrderRejected
		events := []core.Event{b.orderEvent(order, core.EventOrderFailed)}
		b.release(order)
		return events
	case core.OrderPartiallyFilled:
		order.status = core.OrderPartiallyFilled
	case core.OrderOpen:
		// no downgrade from partiallyFilled
		if order.status != core.OrderPartiallyFilled {
			order.status = core.OrderOpen
		}
	}
	return nil
}

func (b *Book) complete(order *Order) []core.Event {
	order.status = core.OrderFilled
	eventType := core.EventBuyOrderCompleted
	if order.Side == core.Sell {
		eventType = core.EventSellOrderCompleted
	}
	event := b.orderEvent(order, eventType)
	event.ExecutedBase = order.executedBase
	event.ExecutedQuote = order.executedQuote
	event.FeePaid = order.feePaid
	event.FeeAsset = order.feeAsset
	b.release(order)
	return []core.Event{event}
}

// release closes the completion signal and drops the record. Terminal orders
// are not retained; later venue messages for them hit the untracked no-op.
func (b *Book) release(order *Order) {
	close(order.done)
	delete(b.orders, order.ClientOrderID)
}

func (b *Book) orderEvent(order *Order, eventType core.EventType) core.Event {
	event := core.NewEvent(eventType)
	event.ClientOrderID = order.ClientOrderID
	event.ExchangeOrderID = order.ExchangeOrderID
	event.Market = order.Market
	event.Side = order.Side
	event.OrderType = order.Type
	event.Price = order.Price
	event.Quantity = order.Quantity
	return event
}

// Snapshot returns the restartable states of all non-terminal orders.
func (b *Book) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make(map[string]State, len(b.orders))
	for id, order := range b.orders {
		if order.status.IsTerminal() {
			continue
		}
		snapshot[id] = order.state()
	}
	return snapshot
}

// Restore replaces the tracked set with orders rebuilt from a snapshot.
func (b *Book) Restore(states map[string]State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = make(map[string]*Order, len(states))
	for id, s := range states {
		if s.ClientOrderID == "" {
			s.ClientOrderID = id
		}
		b.orders[s.ClientOrderID] = fromState(s)
	}
}
