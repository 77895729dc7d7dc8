package idex

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"idex-connector/internal/core"
)

// UserStream is the authenticated push channel that carries order and
// balance updates for the wallet.
type UserStream struct {
	client    *Client
	conn      *websocket.Conn
	keepalive time.Duration
}

// PushEvent is one decoded message from the push stream. Exactly one of
// Order and Balance is set depending on Type.
type PushEvent struct {
	Type    string
	Order   *core.OrderUpdate
	Balance *core.Balance
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsBalanceMessage struct {
	Asset             string `json:"a"`
	Quantity          string `json:"q"`
	AvailableForTrade string `json:"f"`
}

type wsSubscribeRequest struct {
	Method        string   `json:"method"`
	Token         string   `json:"token"`
	Subscriptions []string `json:"subscriptions"`
}

// NewUserStream obtains a single-use stream token over REST, dials the push
// endpoint and subscribes to the wallet's order and balance feeds.
func (c *Client) NewUserStream(ctx context.Context) (*UserStream, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	token, err := c.WSToken(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return nil, err
	}
	sub := wsSubscribeRequest{
		Method:        "subscribe",
		Token:         token,
		Subscriptions: []string{"orders", "balances"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &UserStream{client: c, conn: conn, keepalive: c.wsKeepalive}, nil
}

func (u *UserStream) Close() error {
	return u.conn.Close()
}

// Events decodes push messages until the connection drops or ctx is
// canceled. Decode failures on individual messages are skipped; connection
// level failures land on the error channel and close the event channel.
func (u *UserStream) Events(ctx context.Context) (<-chan PushEvent, <-chan error) {
	events := make(chan PushEvent)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if u.keepalive > 0 {
		readTimeout = u.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	u.conn.SetPongHandler(func(string) error {
		return u.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(events)
		defer u.conn.Close()

		for {
			_ = u.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := u.conn.ReadMessage()
			if err != nil {
				reportErr(err)
				return
			}
			if len(data) == 0 {
				continue
			}
			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			var event PushEvent
			switch msg.Type {
			case "orders":
				var order orderMessage
				if err := json.Unmarshal(msg.Data, &order); err != nil {
					continue
				}
				update := order.toOrderUpdate()
				event = PushEvent{Type: msg.Type, Order: &update}
			case "balances":
				var raw wsBalanceMessage
				if err := json.Unmarshal(msg.Data, &raw); err != nil {
					continue
				}
				total, _ := decimal.NewFromString(raw.Quantity)
				available, _ := decimal.NewFromString(raw.AvailableForTrade)
				balance := core.Balance{Asset: raw.Asset, Total: total, Available: available}
				event = PushEvent{Type: msg.Type, Balance: &balance}
			case "error":
				var raw apiError
				if err := json.Unmarshal(msg.Data, &raw); err != nil {
					continue
				}
				reportErr(APIError{Code: raw.Code, Msg: raw.Message})
				continue
			default:
				// subscription acks and unknown feeds
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	if u.keepalive > 0 {
		go func() {
			ticker := time.NewTicker(u.keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := u.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						reportErr(err)
						_ = u.conn.Close()
						return
					}
				case <-done:
					return
				case <-ctx.Done():
					_ = u.conn.Close()
					return
				}
			}
		}()
	}

	return events, errCh
}
