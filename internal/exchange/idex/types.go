package idex

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"idex-connector/internal/core"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e APIError) Error() string {
	return "idex api error " + e.Code + ": " + e.Msg
}

type exchangeResponse struct {
	TimeZone          string `json:"timeZone"`
	ServerTime        int64  `json:"serverTime"`
	MakerTradeMinimum string `json:"makerTradeMinimum"`
}

// ExchangeStatus is the subset of venue metadata the connector consumes.
// MakerTradeMinimum is denominated in the chain's native asset; dividing it
// by a base asset's native-asset price yields that market's minimum order
// size.
type ExchangeStatus struct {
	ServerTime        time.Time
	MakerTradeMinimum decimal.Decimal
}

type marketResponse struct {
	Market              string `json:"market"`
	Status              string `json:"status"`
	BaseAsset           string `json:"baseAsset"`
	BaseAssetPrecision  int32  `json:"baseAssetPrecision"`
	QuoteAsset          string `json:"quoteAsset"`
	QuoteAssetPrecision int32  `json:"quoteAssetPrecision"`
}

type balanceResponse struct {
	Asset             string `json:"asset"`
	Quantity          string `json:"quantity"`
	AvailableForTrade string `json:"availableForTrade"`
	Locked            string `json:"locked"`
}

type wsTokenResponse struct {
	Token string `json:"token"`
}

type cancelResponse struct {
	OrderID string `json:"orderId"`
}

// fillMessage accepts both the REST spelling and the single-letter push
// spelling of each field. The venue never sends both spellings in one
// message, so the coalesce below is unambiguous.
type fillMessage struct {
	FillID   string
	Price    string
	Quantity string
	Fee      string
	FeeAsset string
	Time     int64
}

func (m *fillMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		FillID        string `json:"fillId"`
		FillIDShort   string `json:"i"`
		Price         string `json:"price"`
		PriceShort    string `json:"p"`
		Quantity      string `json:"quantity"`
		QuantityShort string `json:"q"`
		Fee           string `json:"fee"`
		FeeShort      string `json:"f"`
		FeeAsset      string `json:"feeAsset"`
		FeeAssetShort string `json:"a"`
		Time          int64  `json:"time"`
		TimeShort     int64  `json:"t"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.FillID = coalesce(raw.FillID, raw.FillIDShort)
	m.Price = coalesce(raw.Price, raw.PriceShort)
	m.Quantity = coalesce(raw.Quantity, raw.QuantityShort)
	m.Fee = coalesce(raw.Fee, raw.FeeShort)
	m.FeeAsset = coalesce(raw.FeeAsset, raw.FeeAssetShort)
	m.Time = raw.Time
	if m.Time == 0 {
		m.Time = raw.TimeShort
	}
	return nil
}

type orderMessage struct {
	Market        string
	OrderID       string
	ClientOrderID string
	Side          string
	Type          string
	Status        string
	Price         string
	Quantity      string
	Fills         []fillMessage
}

func (m *orderMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Market             string        `json:"market"`
		MarketShort        string        `json:"m"`
		OrderID            string        `json:"orderId"`
		OrderIDShort       string        `json:"i"`
		ClientOrderID      string        `json:"clientOrderId"`
		ClientOrderIDShort string        `json:"c"`
		Side               string        `json:"side"`
		SideShort          string        `json:"s"`
		Type               string        `json:"type"`
		TypeShort          string        `json:"o"`
		Status             string        `json:"status"`
		StatusShort        string        `json:"X"`
		Price              string        `json:"price"`
		PriceShort         string        `json:"p"`
		Quantity           string        `json:"quantity"`
		QuantityShort      string        `json:"q"`
		Fills              []fillMessage `json:"fills"`
		FillsShort         []fillMessage `json:"F"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Market = coalesce(raw.Market, raw.MarketShort)
	m.OrderID = coalesce(raw.OrderID, raw.OrderIDShort)
	m.ClientOrderID = coalesce(raw.ClientOrderID, raw.ClientOrderIDShort)
	m.Side = coalesce(raw.Side, raw.SideShort)
	m.Type = coalesce(raw.Type, raw.TypeShort)
	m.Status = coalesce(raw.Status, raw.StatusShort)
	m.Price = coalesce(raw.Price, raw.PriceShort)
	m.Quantity = coalesce(raw.Quantity, raw.QuantityShort)
	m.Fills = raw.Fills
	if len(m.Fills) == 0 {
		m.Fills = raw.FillsShort
	}
	return nil
}

func coalesce(long, short string) string {
	if long != "" {
		return long
	}
	return short
}

func (m orderMessage) toOrderUpdate() core.OrderUpdate {
	update := core.OrderUpdate{
		ClientOrderID: m.ClientOrderID,
		OrderID:       m.OrderID,
		Market:        m.Market,
		Status:        m.Status,
		Side:          core.Side(m.Side),
		Type:          core.OrderType(m.Type),
	}
	for _, f := range m.Fills {
		if f.FillID == "" {
			continue
		}
		price, _ := decimal.NewFromString(f.Price)
		qty, _ := decimal.NewFromString(f.Quantity)
		fee, _ := decimal.NewFromString(f.Fee)
		fill := core.Fill{
			FillID:   f.FillID,
			Price:    price,
			Quantity: qty,
			Fee:      fee,
			FeeAsset: f.FeeAsset,
		}
		if f.Time > 0 {
			fill.Time = time.UnixMilli(f.Time)
		}
		update.Fills = append(update.Fills, fill)
	}
	return update
}

// parseTradingRule derives the increment steps from the market's asset
// precisions. MinOrderSize is left zero here; it depends on exchange and
// asset metadata and is filled in by the metadata refresh.
func parseTradingRule(src marketResponse) core.TradingRule {
	baseStep := decimal.New(1, -src.BaseAssetPrecision)
	quoteStep := decimal.New(1, -src.QuoteAssetPrecision)
	return core.TradingRule{
		Market:            src.Market,
		MinPriceIncrement: quoteStep,
		MinBaseIncrement:  baseStep,
	}
}

// orderParameters is the signed parameter set for order placement. Field
// order is fixed so the marshaled bytes the HMAC covers are reproducible.
type orderParameters struct {
	Nonce               string `json:"nonce"`
	Wallet              string `json:"wallet"`
	Market              string `json:"market"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Quantity            string `json:"quantity,omitempty"`
	QuoteOrderQuantity  string `json:"quoteOrderQuantity,omitempty"`
	Price               string `json:"price,omitempty"`
	StopPrice           string `json:"stopPrice,omitempty"`
	ClientOrderID       string `json:"clientOrderId"`
	TimeInForce         string `json:"timeInForce,omitempty"`
	SelfTradePrevention string `json:"selfTradePrevention,omitempty"`
}

type cancelParameters struct {
	Nonce   string `json:"nonce"`
	Wallet  string `json:"wallet"`
	OrderID string `json:"orderId"`
}

type signedRequest struct {
	Parameters json.RawMessage `json:"parameters"`
	Signature  string          `json:"signature"`
}
