package connector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"idex-connector/internal/auth"
	"idex-connector/internal/config"
	"idex-connector/internal/core"
	"idex-connector/internal/exchange/idex"
	"idex-connector/internal/orders"
	"idex-connector/internal/ratelimit"
)

const testWalletKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestConnector(t *testing.T, handler http.Handler) (*Connector, *orders.Book, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds, err := auth.New("k", "s", testWalletKey, 104)
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	gate, err := ratelimit.NewGate(map[ratelimit.Pool]ratelimit.Limit{
		ratelimit.PoolPublic: {Requests: 1000, Interval: time.Second},
		ratelimit.PoolUser:   {Requests: 1000, Interval: time.Second},
	})
	if err != nil {
		t.Fatalf("ratelimit.NewGate() error = %v", err)
	}
	client, err := idex.NewClient(config.ExchangeConfig{
		RestBaseURL:    srv.URL,
		HTTPTimeoutSec: 5,
	}, creds, gate)
	if err != nil {
		t.Fatalf("idex.NewClient() error = %v", err)
	}
	book := orders.NewBook()
	conn := New(client, book, Config{InstanceID: "ic", TradingPairs: []string{"ETH-USD"}})
	return conn, book, srv
}

func trackOrder(book *orders.Book, clientID, exchangeID string) {
	book.Restore(map[string]orders.State{
		clientID: {
			ClientOrderID:   clientID,
			ExchangeOrderID: exchangeID,
			Market:          "ETH-USD",
			Side:            core.Buy,
			Type:            core.Limit,
			Price:           decimal.RequireFromString("2000"),
			Quantity:        decimal.RequireFromString("1"),
			Status:          core.OrderOpen,
		},
	})
}

func awaitEvent(t *testing.T, conn *Connector, want core.EventType) core.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-conn.Events():
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestCancelUntrackedOrder(t *testing.T) {
	conn, _, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected venue call for untracked cancel")
	}))
	err := conn.Cancel(context.Background(), "ETH-USD", "cid-unknown")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("Cancel() error = %v, want ErrOrderNotFound", err)
	}
}

func TestCancelNotFoundOnVenueIsSuccess(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"code":"ORDER_NOT_FOUND","message":"order not found"}`)
	}))
	trackOrder(book, "cid-1", "ex-1")

	if err := conn.Cancel(context.Background(), "ETH-USD", "cid-1"); err != nil {
		t.Fatalf("Cancel() error = %v, want nil for venue not-found", err)
	}
	if _, ok := book.Get("cid-1"); ok {
		t.Fatal("order still tracked after not-found cancel")
	}
	event := awaitEvent(t, conn, core.EventOrderCancelled)
	if event.ClientOrderID != "cid-1" {
		t.Fatalf("event client id = %q, want cid-1", event.ClientOrderID)
	}
}

func TestCancelResponseMatchSucceeds(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"orderId":"ex-1"}]`)
	}))
	trackOrder(book, "cid-1", "ex-1")

	if err := conn.Cancel(context.Background(), "ETH-USD", "cid-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, ok := book.Get("cid-1"); ok {
		t.Fatal("order still tracked after confirmed cancel")
	}
}

func TestCancelResponseMismatchKeepsTracking(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"orderId":"ex-other"}]`)
	}))
	trackOrder(book, "cid-1", "ex-1")

	err := conn.Cancel(context.Background(), "ETH-USD", "cid-1")
	if err == nil {
		t.Fatal("Cancel() succeeded despite response id mismatch")
	}
	if _, ok := book.Get("cid-1"); !ok {
		t.Fatal("order untracked after failed cancel")
	}
}

func TestCancelAllReturnsResultForEveryOrder(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	states := make(map[string]orders.State)
	for _, id := range []string{"cid-1", "cid-2", "cid-3"} {
		states[id] = orders.State{
			ClientOrderID: id,
			Market:        "ETH-USD",
			Side:          core.Buy,
			Type:          core.Limit,
			Price:         decimal.RequireFromString("2000"),
			Quantity:      decimal.RequireFromString("1"),
			Status:        core.OrderOpen,
		}
	}
	book.Restore(states)

	results := conn.CancelAll(context.Background(), 5*time.Second)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	seen := make(map[string]bool)
	for _, result := range results {
		if !result.Success {
			t.Fatalf("result for %s failed, want success", result.ClientOrderID)
		}
		if seen[result.ClientOrderID] {
			t.Fatalf("duplicate result for %s", result.ClientOrderID)
		}
		seen[result.ClientOrderID] = true
	}
	if book.Len() != 0 {
		t.Fatalf("book.Len() = %d, want 0 after cancel all", book.Len())
	}
}

func TestCancelAllReportsTimeouts(t *testing.T) {
	release := make(chan struct{})
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)
	trackOrder(book, "cid-1", "ex-1")

	start := time.Now()
	results := conn.CancelAll(context.Background(), 300*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("CancelAll took %s, want prompt return after timeout", elapsed)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Success {
		t.Fatal("timed-out cancel reported successful")
	}
	if _, ok := book.Get("cid-1"); ok {
		t.Fatal("order still tracked after cancel all")
	}
}

func TestBuyConfirmsSubmission(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"market":"ETH-USD","orderId":"ex-1","clientOrderId":"","side":"buy","type":"limit","status":"active"}`)
	}))

	clientID := conn.Buy(context.Background(), "ETH-USD",
		decimal.RequireFromString("1"), decimal.RequireFromString("2000"), core.Limit)
	if clientID == "" {
		t.Fatal("Buy() returned empty client order id")
	}

	event := awaitEvent(t, conn, core.EventBuyOrderCreated)
	if event.ClientOrderID != clientID {
		t.Fatalf("event client id = %q, want %q", event.ClientOrderID, clientID)
	}
	if event.ExchangeOrderID != "ex-1" {
		t.Fatalf("event exchange id = %q, want ex-1", event.ExchangeOrderID)
	}
	state, ok := book.Get(clientID)
	if !ok {
		t.Fatal("order untracked after confirmed submission")
	}
	if state.ExchangeOrderID != "ex-1" {
		t.Fatalf("tracked exchange id = %q, want ex-1", state.ExchangeOrderID)
	}
}

func TestSubmitFailureEmitsOrderFailed(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":"INSUFFICIENT_FUNDS","message":"insufficient funds"}`)
	}))

	clientID := conn.Sell(context.Background(), "ETH-USD",
		decimal.RequireFromString("1"), decimal.RequireFromString("2000"), core.Limit)

	event := awaitEvent(t, conn, core.EventOrderFailed)
	if event.ClientOrderID != clientID {
		t.Fatalf("event client id = %q, want %q", event.ClientOrderID, clientID)
	}
	if _, ok := book.Get(clientID); ok {
		t.Fatal("failed order still tracked")
	}
}

func TestStatusPollDuringSubmissionLeavesOrderAlone(t *testing.T) {
	release := make(chan struct{})
	posted := make(chan struct{}, 1)
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s while submission in flight", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		posted <- struct{}{}
		<-release
		io.WriteString(w, `{"market":"ETH-USD","orderId":"ex-1","clientOrderId":"","side":"buy","type":"limit","status":"active"}`)
	}))

	clientID := conn.Buy(context.Background(), "ETH-USD",
		decimal.RequireFromString("1"), decimal.RequireFromString("2000"), core.Limit)
	<-posted
	conn.refreshOrderStatuses(context.Background())
	close(release)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-conn.Events():
			if event.Type == core.EventOrderFailed {
				t.Fatalf("OrderFailed emitted for %s while submission in flight", event.ClientOrderID)
			}
			if event.Type != core.EventBuyOrderCreated {
				continue
			}
			if event.ClientOrderID != clientID {
				t.Fatalf("event client id = %q, want %q", event.ClientOrderID, clientID)
			}
			if _, ok := book.Get(clientID); !ok {
				t.Fatal("order not tracked after venue accepted it")
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for BuyOrderCreated")
		}
	}
}

func TestStatusFetchErrorDropsOrder(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"code":"INTERNAL_SERVER_ERROR","message":"try again"}`)
	}))
	trackOrder(book, "cid-1", "ex-1")

	conn.refreshOrderStatuses(context.Background())

	event := awaitEvent(t, conn, core.EventOrderFailed)
	if event.ClientOrderID != "cid-1" {
		t.Fatalf("event client id = %q, want cid-1", event.ClientOrderID)
	}
	if _, ok := book.Get("cid-1"); ok {
		t.Fatal("order still tracked after fetch failure")
	}
}

func TestUndersizedOrderRejectedLocally(t *testing.T) {
	conn, book, _ := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/exchange":
			io.WriteString(w, `{"serverTime":1637440989597,"makerTradeMinimum":"1.00000000"}`)
		case "/v1/assets":
			io.WriteString(w, `[{"symbol":"ETH","maticPrice":"152.67175572"},{"symbol":"USD","maticPrice":"0.76335877"}]`)
		case "/v1/markets":
			io.WriteString(w, `[{"market":"ETH-USD","status":"active","baseAsset":"ETH","baseAssetPrecision":8,"quoteAsset":"USD","quoteAssetPrecision":8}]`)
		default:
			t.Errorf("unexpected %s %s for undersized order", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	conn.refreshMetadata(context.Background(), true)
	rules := conn.TradingRules()
	rule, ok := rules["ETH-USD"]
	if !ok {
		t.Fatal("ETH-USD trading rule missing after metadata refresh")
	}
	wantMin := decimal.RequireFromString("1").Div(decimal.RequireFromString("152.67175572"))
	if !rule.MinOrderSize.Equal(wantMin) {
		t.Fatalf("MinOrderSize = %s, want %s", rule.MinOrderSize, wantMin)
	}

	clientID := conn.Buy(context.Background(), "ETH-USD",
		decimal.RequireFromString("0.001"), decimal.RequireFromString("2000"), core.Limit)

	event := awaitEvent(t, conn, core.EventOrderFailed)
	if event.ClientOrderID != clientID {
		t.Fatalf("event client id = %q, want %q", event.ClientOrderID, clientID)
	}
	if _, ok := book.Get(clientID); ok {
		t.Fatal("undersized order tracked")
	}
}

func TestClientOrderIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newClientOrderID("ic", core.Buy, "ETH-USD")
		if seen[id] {
			t.Fatalf("duplicate client order id %q", id)
		}
		seen[id] = true
	}
}
