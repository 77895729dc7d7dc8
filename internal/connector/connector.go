package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"idex-connector/internal/alert"
	"idex-connector/internal/auth"
	"idex-connector/internal/core"
	"idex-connector/internal/exchange/idex"
	"idex-connector/internal/orders"
)

const eventBufferSize = 256

type Config struct {
	InstanceID              string
	TradingPairs            []string
	ShortPollInterval       time.Duration
	LongPollInterval        time.Duration
	OrderStatusMinInterval  time.Duration
	MetadataRefreshInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "ic"
	}
	if c.ShortPollInterval <= 0 {
		c.ShortPollInterval = 11 * time.Second
	}
	if c.LongPollInterval <= 0 {
		c.LongPollInterval = 120 * time.Second
	}
	if c.OrderStatusMinInterval <= 0 {
		c.OrderStatusMinInterval = 45 * time.Second
	}
	if c.MetadataRefreshInterval <= 0 {
		c.MetadataRefreshInterval = 10 * time.Minute
	}
}

// Connector is the trading façade over the venue client and the order book.
// Buy, Sell and Cancel are safe for concurrent use; the order mutex holds
// across each venue call so submissions and cancels serialize.
type Connector struct {
	client *idex.Client
	book   *orders.Book
	cfg    Config

	orderMu sync.Mutex

	mu               sync.Mutex
	balances         map[string]core.Balance
	rules            map[string]core.TradingRule
	lastPushAt       time.Time
	lastStatusPollAt time.Time
	lastMetadataAt   time.Time
	alerter          alert.Alerter

	events chan core.Event
}

func New(client *idex.Client, book *orders.Book, cfg Config) *Connector {
	cfg.applyDefaults()
	return &Connector{
		client:   client,
		book:     book,
		cfg:      cfg,
		balances: make(map[string]core.Balance),
		rules:    make(map[string]core.TradingRule),
		events:   make(chan core.Event, eventBufferSize),
	}
}

func (c *Connector) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Connector) alertImportant(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Important(event, fields)
}

// Events is the lifecycle event feed. Events are dropped with a warning if
// the host stops draining the channel.
func (c *Connector) Events() <-chan core.Event { return c.events }

func (c *Connector) dispatch(events []core.Event) {
	for _, event := range events {
		select {
		case c.events <- event:
		default:
			log.Printf("level=WARN event=event_dropped type=%s client_id=%s", event.Type, event.ClientOrderID)
		}
	}
}

// Buy submits a buy order asynchronously and returns the generated client
// order id immediately. The outcome arrives as lifecycle events.
func (c *Connector) Buy(ctx context.Context, market string, quantity, price decimal.Decimal, orderType core.OrderType) string {
	return c.submit(ctx, core.Buy, market, orderType, quantity, price)
}

func (c *Connector) Sell(ctx context.Context, market string, quantity, price decimal.Decimal, orderType core.OrderType) string {
	return c.submit(ctx, core.Sell, market, orderType, quantity, price)
}

func (c *Connector) submit(ctx context.Context, side core.Side, market string, orderType core.OrderType, quantity, price decimal.Decimal) string {
	clientOrderID := newClientOrderID(c.cfg.InstanceID, side, market)
	order := orders.New(clientOrderID, market, side, orderType, price, quantity)
	go c.submitOrder(ctx, order)
	return clientOrderID
}

// submitOrder places the order and starts tracking it only once the venue
// has accepted it. Until then the book has no record, so a racing status
// poll cannot touch the in-flight submission.
func (c *Connector) submitOrder(ctx context.Context, order *orders.Order) {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	rule, hasRule := c.tradingRule(order.Market)
	quantity := order.Quantity
	price := order.Price
	if hasRule {
		quantity = quantizeDown(quantity, rule.MinBaseIncrement)
		price = quantizeDown(price, rule.MinPriceIncrement)
	}
	if hasRule && rule.MinOrderSize.IsPositive() && quantity.LessThan(rule.MinOrderSize) {
		log.Printf("level=ERROR event=order_below_minimum client_id=%s market=%s quantity=%s min=%s",
			order.ClientOrderID, order.Market, quantity.String(), rule.MinOrderSize.String())
		c.dispatch([]core.Event{submissionFailedEvent(order)})
		return
	}
	intent := auth.OrderIntent{
		Market:        order.Market,
		Type:          order.Type,
		Side:          order.Side,
		Quantity:      quantity.StringFixed(8),
		ClientOrderID: order.ClientOrderID,
		TimeInForce:   core.GoodTilCanceled,
	}
	if order.Type != core.Market {
		intent.Price = price.StringFixed(8)
	}

	update, err := c.client.PlaceOrder(ctx, intent)
	if err != nil {
		log.Printf("level=ERROR event=order_submit_failed client_id=%s market=%s err=%q",
			order.ClientOrderID, order.Market, err.Error())
		c.alertImportant("order_submit_failed", map[string]string{
			"client_id": order.ClientOrderID,
			"market":    order.Market,
			"reason":    err.Error(),
		})
		c.dispatch([]core.Event{submissionFailedEvent(order)})
		return
	}
	c.book.StartTracking(order)
	c.dispatch(c.book.ConfirmSubmitted(order.ClientOrderID, update.OrderID))
	c.dispatch(c.book.ApplyUpdate(update))
}

func submissionFailedEvent(order *orders.Order) core.Event {
	event := core.NewEvent(core.EventOrderFailed)
	event.ClientOrderID = order.ClientOrderID
	event.Market = order.Market
	event.Side = order.Side
	event.OrderType = order.Type
	event.Price = order.Price
	event.Quantity = order.Quantity
	return event
}

// Cancel cancels a tracked order. A venue response that no longer knows the
// order counts as a successful no-op; an id mismatch in the response is an
// error and the order stays tracked.
func (c *Connector) Cancel(ctx context.Context, market, clientOrderID string) error {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	state, ok := c.book.Get(clientOrderID)
	if !ok {
		return core.ErrOrderNotFound
	}
	ids, err := c.client.CancelOrder(ctx, market, clientOrderID)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			log.Printf("level=INFO event=cancel_not_found client_id=%s market=%s", clientOrderID, market)
			c.dispatch(c.book.ConfirmCanceled(clientOrderID))
			return nil
		}
		return err
	}
	if len(ids) == 0 {
		c.dispatch(c.book.ConfirmCanceled(clientOrderID))
		return nil
	}
	for _, id := range ids {
		if state.ExchangeOrderID == "" || id == state.ExchangeOrderID {
			c.dispatch(c.book.ConfirmCanceled(clientOrderID))
			return nil
		}
	}
	return fmt.Errorf("cancel response matched order ids %v, want %s", ids, state.ExchangeOrderID)
}

// CancelAll cancels every non-terminal tracked order and returns exactly one
// result per order. Cancels still outstanding at the deadline are reported
// failed; their venue calls are left to run to completion on their own. Every
// order in scope is untracked afterwards, so a late result lands on the
// silent untracked path.
func (c *Connector) CancelAll(ctx context.Context, timeout time.Duration) []core.CancellationResult {
	states := c.book.Active()
	results := make([]core.CancellationResult, len(states))
	for i, state := range states {
		results[i] = core.CancellationResult{ClientOrderID: state.ClientOrderID}
	}

	type outcome struct {
		index   int
		success bool
	}
	outcomes := make(chan outcome, len(states))
	callCtx := context.WithoutCancel(ctx)
	for i, state := range states {
		go func(i int, state orders.State) {
			err := c.Cancel(callCtx, state.Market, state.ClientOrderID)
			// gone from the book before the cancel ran means another
			// channel already confirmed the terminal state
			if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
				log.Printf("level=WARN event=cancel_all_order_failed client_id=%s err=%q",
					state.ClientOrderID, err.Error())
				outcomes <- outcome{index: i}
				return
			}
			outcomes <- outcome{index: i, success: true}
		}(i, state)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for pending := len(states); pending > 0; {
		select {
		case out := <-outcomes:
			results[out.index].Success = out.success
			pending--
		case <-deadline.C:
			pending = 0
		case <-ctx.Done():
			pending = 0
		}
	}
	for _, state := range states {
		c.book.StopTracking(state.ClientOrderID)
	}
	return results
}

// CheckNetwork verifies venue reachability.
func (c *Connector) CheckNetwork(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *Connector) Balances() map[string]core.Balance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core.Balance, len(c.balances))
	for asset, balance := range c.balances {
		out[asset] = balance
	}
	return out
}

func (c *Connector) TradingRules() map[string]core.TradingRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core.TradingRule, len(c.rules))
	for market, rule := range c.rules {
		out[market] = rule
	}
	return out
}

func (c *Connector) tradingRule(market string) (core.TradingRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule, ok := c.rules[market]
	return rule, ok
}

// TrackingStates snapshots all non-terminal orders for restart recovery.
func (c *Connector) TrackingStates() map[string]orders.State {
	return c.book.Snapshot()
}

func (c *Connector) RestoreTrackingStates(states map[string]orders.State) {
	c.book.Restore(states)
}

// Run drives the poll and push loops until ctx is canceled.
func (c *Connector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pushLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// pollLoop refreshes balances, metadata and order statuses over REST. The
// cadence stretches to the long interval while the push stream is delivering.
func (c *Connector) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastCycle := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Since(lastCycle) < c.pollInterval() {
			continue
		}
		lastCycle = time.Now()
		c.pollOnce(ctx)
	}
}

func (c *Connector) pollInterval() time.Duration {
	c.mu.Lock()
	lastPush := c.lastPushAt
	c.mu.Unlock()
	if !lastPush.IsZero() && time.Since(lastPush) <= c.cfg.ShortPollInterval {
		return c.cfg.LongPollInterval
	}
	return c.cfg.ShortPollInterval
}

func (c *Connector) pollOnce(ctx context.Context) {
	c.refreshMetadata(ctx, false)
	c.refreshBalances(ctx)
	c.refreshOrderStatuses(ctx)
}

// refreshMetadata rebuilds the trading rules from exchange, asset and market
// metadata. The minimum order size is the venue's maker trade minimum
// converted into the market's base asset via the asset's native-asset price.
func (c *Connector) refreshMetadata(ctx context.Context, force bool) {
	c.mu.Lock()
	due := force || time.Since(c.lastMetadataAt) >= c.cfg.MetadataRefreshInterval
	c.mu.Unlock()
	if !due {
		return
	}
	status, err := c.client.ExchangeInfo(ctx)
	if err != nil {
		log.Printf("level=WARN event=metadata_refresh_failed stage=exchange err=%q", err.Error())
		return
	}
	assets, err := c.client.Assets(ctx)
	if err != nil {
		log.Printf("level=WARN event=metadata_refresh_failed stage=assets err=%q", err.Error())
		return
	}
	rules, err := c.client.Markets(ctx)
	if err != nil {
		log.Printf("level=WARN event=metadata_refresh_failed stage=markets err=%q", err.Error())
		return
	}

	priceBySymbol := make(map[string]decimal.Decimal, len(assets))
	for _, asset := range assets {
		if price, parseErr := decimal.NewFromString(asset.MaticPrice); parseErr == nil && price.IsPositive() {
			priceBySymbol[asset.Symbol] = price
		}
	}
	c.mu.Lock()
	for _, rule := range rules {
		base, _, ok := strings.Cut(rule.Market, "-")
		if price, hasPrice := priceBySymbol[base]; ok && hasPrice && status.MakerTradeMinimum.IsPositive() {
			rule.MinOrderSize = status.MakerTradeMinimum.Div(price)
		} else {
			log.Printf("level=WARN event=trading_rule_incomplete market=%s", rule.Market)
		}
		c.rules[rule.Market] = rule
	}
	c.lastMetadataAt = time.Now()
	c.mu.Unlock()
}

func (c *Connector) refreshBalances(ctx context.Context) {
	balances, err := c.client.Balances(ctx)
	if err != nil {
		log.Printf("level=WARN event=balance_refresh_failed err=%q", err.Error())
		return
	}
	c.mu.Lock()
	for _, balance := range balances {
		c.balances[balance.Asset] = balance
	}
	c.mu.Unlock()
}

// refreshOrderStatuses fetches every tracked order concurrently. Each fetch
// is isolated: one failing order never blocks the others. Any fetch failure
// drops its order from tracking with a failure event.
func (c *Connector) refreshOrderStatuses(ctx context.Context) {
	c.mu.Lock()
	if time.Since(c.lastStatusPollAt) < c.cfg.OrderStatusMinInterval {
		c.mu.Unlock()
		return
	}
	c.lastStatusPollAt = time.Now()
	c.mu.Unlock()

	states := c.book.Active()
	var wg sync.WaitGroup
	for _, state := range states {
		wg.Add(1)
		go func(state orders.State) {
			defer wg.Done()
			var (
				update core.OrderUpdate
				err    error
			)
			if state.ExchangeOrderID != "" {
				update, err = c.client.Order(ctx, state.ExchangeOrderID)
			} else {
				update, err = c.client.OrderByClientID(ctx, state.ClientOrderID)
			}
			if err != nil {
				if errors.Is(err, core.ErrOrderNotFound) {
					log.Printf("level=WARN event=order_vanished client_id=%s market=%s",
						state.ClientOrderID, state.Market)
				} else {
					log.Printf("level=WARN event=order_status_fetch_failed client_id=%s err=%q",
						state.ClientOrderID, err.Error())
				}
				c.dispatch(c.book.MarkFailed(state.ClientOrderID))
				return
			}
			if update.ClientOrderID == "" {
				update.ClientOrderID = state.ClientOrderID
			}
			c.dispatch(c.book.ApplyUpdate(update))
		}(state)
	}
	wg.Wait()
}

// pushLoop keeps one push stream alive, reconnecting with capped backoff.
func (c *Connector) pushLoop(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		stream, err := c.client.NewUserStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("level=WARN event=user_stream_connect_failed err=%q backoff=%s", err.Error(), backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}
		log.Printf("level=INFO event=user_stream_connected")
		backoff = time.Second

		events, errCh := stream.Events(ctx)
		for event := range events {
			c.handlePushEvent(event)
		}
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		select {
		case err := <-errCh:
			log.Printf("level=WARN event=user_stream_disconnected err=%q", err.Error())
			c.alertImportant("user_stream_disconnected", map[string]string{"reason": err.Error()})
		default:
			log.Printf("level=WARN event=user_stream_disconnected err=%q", "stream closed")
		}
	}
}

func (c *Connector) handlePushEvent(event idex.PushEvent) {
	c.mu.Lock()
	c.lastPushAt = time.Now()
	c.mu.Unlock()
	switch {
	case event.Order != nil:
		c.dispatch(c.book.ApplyUpdate(*event.Order))
	case event.Balance != nil:
		c.mu.Lock()
		c.balances[event.Balance.Asset] = *event.Balance
		c.mu.Unlock()
	}
}

func quantizeDown(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

func marketTag(market string) string {
	return strings.ToLower(strings.ReplaceAll(market, "-", ""))
}
