package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramDefaultTimeout = 10 * time.Second

// TelegramNotifier delivers alert messages through the Telegram bot API.
// A disabled notifier accepts and discards every message.
type TelegramNotifier struct {
	enabled bool
	sendURL string
	chatID  string
	client  *http.Client
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = telegramDefaultTimeout
	}
	return &TelegramNotifier{
		enabled: enabled,
		sendURL: strings.TrimRight(baseURL, "/") + "/bot" + botToken + "/sendMessage",
		chatID:  chatID,
		client:  &http.Client{Timeout: timeout},
	}
}

type telegramPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.enabled {
		return nil
	}
	payload, err := json.Marshal(telegramPayload{ChatID: t.chatID, Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sendURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeTelegramResponse(resp)
}

func decodeTelegramResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result telegramResult
	if len(body) == 0 || json.Unmarshal(body, &result) != nil {
		return nil
	}
	if !result.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(result.Description))
	}
	return nil
}
