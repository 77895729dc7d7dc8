package idex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"idex-connector/internal/auth"
	"idex-connector/internal/config"
	"idex-connector/internal/core"
	"idex-connector/internal/ratelimit"
)

const (
	headerAPIKey        = "IDEX-API-Key"
	headerHMACSignature = "IDEX-HMAC-Signature"

	// Cancels and order lookups address orders by client id with this
	// prefix, which is what the cancel signature tuple covers.
	clientOrderRefPrefix = "client:"
)

type Client struct {
	auth        *auth.Auth
	gate        *ratelimit.Gate
	baseURL     string
	wsBaseURL   string
	wsKeepalive time.Duration
	httpClient  *http.Client
}

func NewClient(cfg config.ExchangeConfig, creds *auth.Auth, gate *ratelimit.Gate) (*Client, error) {
	if creds == nil {
		return nil, errors.New("credentials required")
	}
	if gate == nil {
		return nil, errors.New("rate gate required")
	}
	timeout := 15 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	keepalive := 30 * time.Second
	if cfg.WSKeepaliveSec > 0 {
		keepalive = time.Duration(cfg.WSKeepaliveSec) * time.Second
	}
	return &Client{
		auth:        creds,
		gate:        gate,
		baseURL:     strings.TrimRight(cfg.RestBaseURL, "/"),
		wsBaseURL:   strings.TrimRight(cfg.WSBaseURL, "/"),
		wsKeepalive: keepalive,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Name() string { return "idex" }

func (c *Client) WalletAddress() string { return c.auth.WalletAddress() }

// Ping checks venue reachability. The endpoint returns an empty object.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doPublicGet(ctx, "/v1/ping", url.Values{})
	return err
}

func (c *Client) ExchangeInfo(ctx context.Context) (ExchangeStatus, error) {
	body, err := c.doPublicGet(ctx, "/v1/exchange", url.Values{})
	if err != nil {
		return ExchangeStatus{}, err
	}
	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ExchangeStatus{}, err
	}
	status := ExchangeStatus{}
	if resp.ServerTime > 0 {
		status.ServerTime = time.UnixMilli(resp.ServerTime)
	}
	if minimum, err := decimal.NewFromString(resp.MakerTradeMinimum); err == nil {
		status.MakerTradeMinimum = minimum
	}
	return status, nil
}

// Markets returns the trading rule for every active market, keyed by the
// venue's asset precisions.
func (c *Client) Markets(ctx context.Context) ([]core.TradingRule, error) {
	body, err := c.doPublicGet(ctx, "/v1/markets", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp []marketResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	rules := make([]core.TradingRule, 0, len(resp))
	for _, m := range resp {
		if m.Market == "" {
			continue
		}
		rules = append(rules, parseTradingRule(m))
	}
	return rules, nil
}

type Asset struct {
	Name             string `json:"name"`
	Symbol           string `json:"symbol"`
	ContractAddress  string `json:"contractAddress"`
	AssetDecimals    int    `json:"assetDecimals"`
	ExchangeDecimals int    `json:"exchangeDecimals"`
	MaticPrice       string `json:"maticPrice"`
}

func (c *Client) Assets(ctx context.Context) ([]Asset, error) {
	body, err := c.doPublicGet(ctx, "/v1/assets", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp []Asset
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Balances(ctx context.Context) ([]core.Balance, error) {
	body, err := c.doUserGet(ctx, "/v1/balances", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp []balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	balances := make([]core.Balance, 0, len(resp))
	for _, b := range resp {
		balances = append(balances, parseBalance(b))
	}
	return balances, nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]core.OrderUpdate, error) {
	body, err := c.doUserGet(ctx, "/v1/orders", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp []orderMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.OrderUpdate, 0, len(resp))
	for _, m := range resp {
		orders = append(orders, m.toOrderUpdate())
	}
	return orders, nil
}

// Order fetches a single order. ref is the venue order id; orders without a
// known venue id are addressed as "client:"+clientOrderID.
func (c *Client) Order(ctx context.Context, ref string) (core.OrderUpdate, error) {
	if ref == "" {
		return core.OrderUpdate{}, errors.New("order reference required")
	}
	params := url.Values{}
	params.Set("orderId", ref)
	body, err := c.doUserGet(ctx, "/v1/orders", params)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	var resp orderMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderUpdate{}, err
	}
	return resp.toOrderUpdate(), nil
}

func (c *Client) OrderByClientID(ctx context.Context, clientOrderID string) (core.OrderUpdate, error) {
	return c.Order(ctx, clientOrderRefPrefix+clientOrderID)
}

func (c *Client) PlaceOrder(ctx context.Context, intent auth.OrderIntent) (core.OrderUpdate, error) {
	nonce, err := auth.NewNonce()
	if err != nil {
		return core.OrderUpdate{}, err
	}
	signature, err := c.auth.SignOrder(nonce, intent)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	params := orderParameters{
		Nonce:               nonce.String(),
		Wallet:              c.auth.WalletAddress(),
		Market:              intent.Market,
		Type:                string(intent.Type),
		Side:                string(intent.Side),
		Price:               intent.Price,
		StopPrice:           intent.StopPrice,
		ClientOrderID:       intent.ClientOrderID,
		TimeInForce:         string(intent.TimeInForce),
		SelfTradePrevention: string(intent.SelfTradePrevention),
	}
	if intent.QuantityInQuote {
		params.QuoteOrderQuantity = intent.Quantity
	} else {
		params.Quantity = intent.Quantity
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/v1/orders", params, signature)
	if err != nil {
		return core.OrderUpdate{}, err
	}
	var resp orderMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderUpdate{}, err
	}
	return resp.toOrderUpdate(), nil
}

// CancelOrder cancels a single order by client id and returns the venue order
// ids the venue reports as canceled. An empty slice means the venue accepted
// the request but matched no order.
func (c *Client) CancelOrder(ctx context.Context, market, clientOrderID string) ([]string, error) {
	if clientOrderID == "" {
		return nil, errors.New("client order id required")
	}
	nonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	ref := clientOrderRefPrefix + clientOrderID
	signature, err := c.auth.SignCancel(nonce, market, ref)
	if err != nil {
		return nil, err
	}
	params := cancelParameters{
		Nonce:   nonce.String(),
		Wallet:  c.auth.WalletAddress(),
		OrderID: ref,
	}
	body, err := c.doSigned(ctx, http.MethodDelete, "/v1/orders", params, signature)
	if err != nil {
		return nil, err
	}
	var resp []cancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp))
	for _, r := range resp {
		if r.OrderID != "" {
			ids = append(ids, r.OrderID)
		}
	}
	return ids, nil
}

func (c *Client) WSToken(ctx context.Context) (string, error) {
	body, err := c.doUserGet(ctx, "/v1/wsToken", url.Values{})
	if err != nil {
		return "", err
	}
	var resp wsTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.New("empty websocket token")
	}
	return resp.Token, nil
}

func (c *Client) doPublicGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.gate.Acquire(ctx, ratelimit.PoolPublic); err != nil {
		return nil, err
	}
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return c.execute(req)
}

// doUserGet issues an authenticated GET. The nonce and wallet ride in the
// query string and the HMAC covers the exact encoded query the request
// carries.
func (c *Client) doUserGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.gate.Acquire(ctx, ratelimit.PoolUser); err != nil {
		return nil, err
	}
	nonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	params.Set("nonce", nonce.String())
	if wallet := c.auth.WalletAddress(); wallet != "" {
		params.Set("wallet", wallet)
	}
	encoded := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+encoded, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAPIKey, c.auth.APIKey())
	req.Header.Set(headerHMACSignature, c.auth.HMACSign([]byte(encoded)))
	return c.execute(req)
}

// doSigned issues a mutating request. The body wraps the wallet-signed
// parameter set and the HMAC covers the marshaled body byte for byte.
func (c *Client) doSigned(ctx context.Context, method, path string, params interface{}, walletSignature string) ([]byte, error) {
	if err := c.gate.Acquire(ctx, ratelimit.PoolUser); err != nil {
		return nil, err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(signedRequest{
		Parameters: rawParams,
		Signature:  walletSignature,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, c.auth.APIKey())
	req.Header.Set(headerHMACSignature, c.auth.HMACSign(payload))
	return c.execute(req)
}

func (c *Client) execute(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var raw apiError
	if err := json.Unmarshal(body, &raw); err == nil && (raw.Code != "" || raw.Message != "") {
		return classifyAPIError(APIError{Status: status, Code: raw.Code, Msg: raw.Message})
	}
	return classifyAPIError(APIError{
		Status: status,
		Code:   "HTTP_" + fmt.Sprint(status),
		Msg:    strings.TrimSpace(string(body)),
	})
}

func parseBalance(src balanceResponse) core.Balance {
	total, _ := decimal.NewFromString(src.Quantity)
	available, _ := decimal.NewFromString(src.AvailableForTrade)
	return core.Balance{Asset: src.Asset, Total: total, Available: available}
}
