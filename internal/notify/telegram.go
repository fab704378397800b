// Package notify delivers best-effort operator notifications. Delivery
// failures are reported to the caller but must never affect transfer state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier posts transfer events to a Telegram chat via the bot API.
type TelegramNotifier struct {
	BotToken string
	ChatID   string

	// BaseURL overrides the Telegram API host, for tests.
	BaseURL string
	Client  *http.Client
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		BotToken: botToken,
		ChatID:   chatID,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether the notifier has credentials to deliver with.
func (n *TelegramNotifier) Enabled() bool {
	return n.BotToken != "" && n.ChatID != ""
}

func (n *TelegramNotifier) TransferCompleted(ctx context.Context, assetAmount decimal.Decimal, sender, recipient string) error {
	text := fmt.Sprintf("Transfer completed: %s ETH from %s to %s", assetAmount, sender, recipient)
	return n.send(ctx, text)
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}

	base := n.BaseURL
	if base == "" {
		base = defaultTelegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, n.BotToken)

	body, err := json.Marshal(map[string]string{
		"chat_id": n.ChatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api returned %d", resp.StatusCode)
	}
	return nil
}
