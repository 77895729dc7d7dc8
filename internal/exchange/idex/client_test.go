package idex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"idex-connector/internal/auth"
	"idex-connector/internal/config"
	"idex-connector/internal/core"
	"idex-connector/internal/ratelimit"
)

const (
	testAPIKey    = "test-api-key"
	testAPISecret = "test-api-secret"
	testWalletKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testWalletHex = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func newTestClient(t *testing.T, restURL, wsURL string) *Client {
	t.Helper()
	creds, err := auth.New(testAPIKey, testAPISecret, testWalletKey, 104)
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
	client, err := NewClient(config.ExchangeConfig{
		RestBaseURL:    restURL,
		WSBaseURL:      wsURL,
		HTTPTimeoutSec: 5,
		WSKeepaliveSec: 1,
	}, creds, gate)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func hmacHex(payload string) string {
	mac := hmac.New(sha256.New, []byte(testAPISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestBalancesSignsQueryString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/balances" {
			t.Errorf("path = %q, want /v1/balances", r.URL.Path)
		}
		if got := r.Header.Get(headerAPIKey); got != testAPIKey {
			t.Errorf("api key header = %q, want %q", got, testAPIKey)
		}
		query := r.URL.Query()
		if query.Get("nonce") == "" {
			t.Error("nonce query parameter missing")
		}
		if got := query.Get("wallet"); got != testWalletHex {
			t.Errorf("wallet = %q, want %q", got, testWalletHex)
		}
		if got, want := r.Header.Get(headerHMACSignature), hmacHex(r.URL.RawQuery); got != want {
			t.Errorf("hmac header = %q, want %q", got, want)
		}
		io.WriteString(w, `[{"asset":"ETH","quantity":"2.50000000","availableForTrade":"1.00000000","locked":"1.50000000"}]`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	balances, err := client.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances() error = %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("len(balances) = %d, want 1", len(balances))
	}
	if balances[0].Asset != "ETH" {
		t.Fatalf("Asset = %q, want ETH", balances[0].Asset)
	}
	if !balances[0].Total.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("Total = %s, want 2.5", balances[0].Total)
	}
	if !balances[0].Available.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("Available = %s, want 1", balances[0].Available)
	}
}

func TestPlaceOrderEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if got, want := r.Header.Get(headerHMACSignature), hmacHex(string(body)); got != want {
			t.Errorf("hmac header = %q, want %q", got, want)
		}
		var req signedRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("unmarshal envelope: %v", err)
		}
		if !strings.HasPrefix(req.Signature, "0x") || len(req.Signature) != 132 {
			t.Errorf("wallet signature = %q, want 0x-prefixed 65-byte hex", req.Signature)
		}
		var params orderParameters
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			t.Errorf("unmarshal parameters: %v", err)
		}
		if params.Nonce == "" {
			t.Error("nonce missing from parameters")
		}
		if params.Wallet != testWalletHex {
			t.Errorf("wallet = %q, want %q", params.Wallet, testWalletHex)
		}
		if params.Market != "ETH-USD" || params.Side != "buy" || params.Type != "limit" {
			t.Errorf("order fields = %s/%s/%s, want ETH-USD/buy/limit", params.Market, params.Side, params.Type)
		}
		if params.Quantity != "1.50000000" || params.QuoteOrderQuantity != "" {
			t.Errorf("quantity = %q quoteOrderQuantity = %q, want base quantity only", params.Quantity, params.QuoteOrderQuantity)
		}
		if params.Price != "1999.00000000" {
			t.Errorf("price = %q, want 1999.00000000", params.Price)
		}
		if params.ClientOrderID != "cid-1" {
			t.Errorf("clientOrderId = %q, want cid-1", params.ClientOrderID)
		}
		io.WriteString(w, `{"market":"ETH-USD","orderId":"ex-1","clientOrderId":"cid-1","side":"buy","type":"limit","status":"active","fills":[]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	update, err := client.PlaceOrder(context.Background(), auth.OrderIntent{
		Market:        "ETH-USD",
		Type:          core.Limit,
		Side:          core.Buy,
		Quantity:      "1.50000000",
		Price:         "1999.00000000",
		ClientOrderID: "cid-1",
		TimeInForce:   core.GoodTilCanceled,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if update.OrderID != "ex-1" || update.ClientOrderID != "cid-1" {
		t.Fatalf("update ids = %s/%s, want ex-1/cid-1", update.OrderID, update.ClientOrderID)
	}
	if status, ok := core.ParseOrderStatus(update.Status); !ok || status != core.OrderOpen {
		t.Fatalf("status %q did not parse to open", update.Status)
	}
}

func TestCancelOrderAddressesClientID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var req signedRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("unmarshal envelope: %v", err)
		}
		var params cancelParameters
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			t.Errorf("unmarshal parameters: %v", err)
		}
		if params.OrderID != "client:cid-9" {
			t.Errorf("orderId = %q, want client:cid-9", params.OrderID)
		}
		io.WriteString(w, `[{"orderId":"ex-9"}]`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	ids, err := client.CancelOrder(context.Background(), "ETH-USD", "cid-9")
	if err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "ex-9" {
		t.Fatalf("ids = %v, want [ex-9]", ids)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   error
	}{
		{"order not found code", http.StatusNotFound, `{"code":"ORDER_NOT_FOUND","message":"order not found"}`, core.ErrOrderNotFound},
		{"insufficient funds", http.StatusBadRequest, `{"code":"INSUFFICIENT_FUNDS","message":"insufficient funds"}`, core.ErrInsufficientBalance},
		{"bad hmac", http.StatusUnauthorized, `{"code":"INVALID_HMAC_SIGNATURE","message":"invalid signature"}`, core.ErrAuthentication},
		{"unauthorized without code", http.StatusUnauthorized, `nope`, core.ErrAuthentication},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()
			client := newTestClient(t, srv.URL, "")
			_, err := client.OpenOrders(context.Background())
			if err == nil {
				t.Fatal("OpenOrders() succeeded, want error")
			}
			if !errors.Is(err, tc.kind) {
				t.Fatalf("error %v does not wrap %v", err, tc.kind)
			}
		})
	}
}

func TestOrderMessageDualSpellings(t *testing.T) {
	restJSON := `{"market":"ETH-USD","orderId":"ex-1","clientOrderId":"cid-1","side":"buy","type":"limit","status":"partiallyFilled","fills":[{"fillId":"f-1","price":"2000.00000000","quantity":"0.50000000","fee":"0.00100000","feeAsset":"ETH","time":1718000000000}]}`
	pushJSON := `{"m":"ETH-USD","i":"ex-1","c":"cid-1","s":"buy","o":"limit","X":"partiallyFilled","F":[{"i":"f-1","p":"2000.00000000","q":"0.50000000","f":"0.00100000","a":"ETH","t":1718000000000}]}`

	var fromREST, fromPush orderMessage
	if err := json.Unmarshal([]byte(restJSON), &fromREST); err != nil {
		t.Fatalf("unmarshal rest: %v", err)
	}
	if err := json.Unmarshal([]byte(pushJSON), &fromPush); err != nil {
		t.Fatalf("unmarshal push: %v", err)
	}
	restUpdate := fromREST.toOrderUpdate()
	pushUpdate := fromPush.toOrderUpdate()
	if restUpdate.ClientOrderID != pushUpdate.ClientOrderID ||
		restUpdate.OrderID != pushUpdate.OrderID ||
		restUpdate.Market != pushUpdate.Market ||
		restUpdate.Status != pushUpdate.Status {
		t.Fatalf("rest update %+v != push update %+v", restUpdate, pushUpdate)
	}
	if len(restUpdate.Fills) != 1 || len(pushUpdate.Fills) != 1 {
		t.Fatalf("fill counts = %d/%d, want 1/1", len(restUpdate.Fills), len(pushUpdate.Fills))
	}
	rf, pf := restUpdate.Fills[0], pushUpdate.Fills[0]
	if rf.FillID != pf.FillID || !rf.Price.Equal(pf.Price) || !rf.Quantity.Equal(pf.Quantity) ||
		!rf.Fee.Equal(pf.Fee) || rf.FeeAsset != pf.FeeAsset || !rf.Time.Equal(pf.Time) {
		t.Fatalf("rest fill %+v != push fill %+v", rf, pf)
	}
}

func TestParseTradingRule(t *testing.T) {
	rule := parseTradingRule(marketResponse{
		Market:              "ETH-USD",
		BaseAssetPrecision:  8,
		QuoteAssetPrecision: 2,
	})
	if rule.Market != "ETH-USD" {
		t.Fatalf("Market = %q, want ETH-USD", rule.Market)
	}
	if !rule.MinPriceIncrement.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("MinPriceIncrement = %s, want 0.01", rule.MinPriceIncrement)
	}
	if !rule.MinBaseIncrement.Equal(decimal.RequireFromString("0.00000001")) {
		t.Fatalf("MinBaseIncrement = %s, want 0.00000001", rule.MinBaseIncrement)
	}
	if !rule.MinOrderSize.IsZero() {
		t.Fatalf("MinOrderSize = %s, want zero before metadata refresh", rule.MinOrderSize)
	}
}

func TestExchangeInfoParsesTradeMinimum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/exchange" {
			t.Errorf("path = %q, want /v1/exchange", r.URL.Path)
		}
		io.WriteString(w, `{"timeZone":"UTC","serverTime":1637440989597,"makerTradeMinimum":"1.00000000"}`)
	}))
	defer srv.Close()
	client := newTestClient(t, srv.URL, "")

	status, err := client.ExchangeInfo(context.Background())
	if err != nil {
		t.Fatalf("ExchangeInfo() error = %v", err)
	}
	if !status.MakerTradeMinimum.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("MakerTradeMinimum = %s, want 1", status.MakerTradeMinimum)
	}
	if got, want := status.ServerTime.UnixMilli(), int64(1637440989597); got != want {
		t.Fatalf("ServerTime = %d, want %d", got, want)
	}
}

func TestAssetsParseNativePrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/assets" {
			t.Errorf("path = %q, want /v1/assets", r.URL.Path)
		}
		io.WriteString(w, `[{"name":"Ether","symbol":"ETH","contractAddress":"0x0000000000000000000000000000000000000000","assetDecimals":18,"exchangeDecimals":8,"maticPrice":"152.67175572"}]`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	assets, err := client.Assets(context.Background())
	if err != nil {
		t.Fatalf("Assets() error = %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("len(assets) = %d, want 1", len(assets))
	}
	if assets[0].Symbol != "ETH" || assets[0].MaticPrice != "152.67175572" {
		t.Fatalf("asset = %+v, want ETH at 152.67175572", assets[0])
	}
}

func TestUserStreamDeliversOrderEvents(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/wsToken" {
			t.Errorf("path = %q, want /v1/wsToken", r.URL.Path)
		}
		io.WriteString(w, `{"token":"stream-token"}`)
	}))
	defer rest.Close()

	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var sub wsSubscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Method != "subscribe" || sub.Token != "stream-token" {
			t.Errorf("subscribe = %+v, want method=subscribe token=stream-token", sub)
		}
		msg := `{"type":"orders","data":{"m":"ETH-USD","i":"ex-1","c":"cid-1","s":"buy","o":"limit","X":"filled","F":[{"i":"f-1","p":"2000","q":"1","f":"0.001","a":"ETH","t":1718000000000}]}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Errorf("write order message: %v", err)
		}
		// keep the connection open until the client is done reading
		conn.ReadMessage()
	}))
	defer ws.Close()

	wsURL := "ws" + strings.TrimPrefix(ws.URL, "http")
	client := newTestClient(t, rest.URL, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.NewUserStream(ctx)
	if err != nil {
		t.Fatalf("NewUserStream() error = %v", err)
	}
	events, _ := stream.Events(ctx)

	select {
	case event := <-events:
		if event.Type != "orders" || event.Order == nil {
			t.Fatalf("event = %+v, want orders event with payload", event)
		}
		if event.Order.ClientOrderID != "cid-1" || event.Order.Status != "filled" {
			t.Fatalf("order update = %+v, want cid-1 filled", event.Order)
		}
		if len(event.Order.Fills) != 1 || event.Order.Fills[0].FillID != "f-1" {
			t.Fatalf("fills = %+v, want single fill f-1", event.Order.Fills)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for push event")
	}
	stream.Close()
}
