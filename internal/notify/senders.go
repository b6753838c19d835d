// Package notify delivers operator alerts for trading events that need a
// human: circuit-breaker changes, degraded or abandoned settlements, and
// partial fills. Alerting is a plain event-sink consumer; losing a channel
// never affects trading.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Alert is one rendered operator notification.
type Alert struct {
	Event string // domain event type that produced it
	Title string
	Body  string
}

// Sender delivers alerts over one channel.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// TelegramSender delivers alerts to a chat via the Telegram Bot API.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramSender creates a sender for the given bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel identifier.
func (t *TelegramSender) Name() string { return "telegram" }

// Send posts the alert with the title in Markdown bold.
func (t *TelegramSender) Send(ctx context.Context, alert Alert) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", alert.Title, alert.Body),
		"parse_mode": "Markdown",
	}
	if err := postJSON(ctx, t.client, endpoint, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// DiscordSender delivers alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel identifier.
func (d *DiscordSender) Name() string { return "discord" }

// Send posts the alert as a single webhook message.
func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", alert.Title, alert.Body),
	}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// postJSON marshals payload and POSTs it, treating any non-2xx response as an
// error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
