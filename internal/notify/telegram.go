package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"actionrunner/internal/core"
)

var _ core.Notifier = (*TelegramNotifier)(nil)

// TelegramOption configures the Telegram notifier.
type TelegramOption func(*TelegramNotifier)

// WithTelegramBaseURL points the notifier at another Bot API host.
func WithTelegramBaseURL(u string) TelegramOption {
	return func(t *TelegramNotifier) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithTelegramDefaultChat sets the chat used for messages without a channel.
func WithTelegramDefaultChat(chatID string) TelegramOption {
	return func(t *TelegramNotifier) { t.defaultChat = chatID }
}

// TelegramNotifier posts to Telegram chats through the Bot API. Messages
// carrying an image URL are sent as photos with the text as caption.
type TelegramNotifier struct {
	token       string
	baseURL     string
	defaultChat string
	client      *http.Client
}

// NewTelegramNotifier creates a notifier for the bot token.
func NewTelegramNotifier(token string, opts ...TelegramOption) (*TelegramNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}
	t := &TelegramNotifier{
		token:   token,
		baseURL: "https://api.telegram.org",
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

type telegramSendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendPhoto struct {
	ChatID  string `json:"chat_id"`
	Photo   string `json:"photo"`
	Caption string `json:"caption,omitempty"`
}

// Notify sends msg to its channel, or to the default chat. Without either
// the message is dropped.
func (t *TelegramNotifier) Notify(ctx context.Context, msg core.Notification) error {
	chatID := msg.ChannelID
	if chatID == "" {
		chatID = t.defaultChat
	}
	if chatID == "" {
		return nil
	}
	text := msg.Title
	if msg.Body != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Body
	}
	if msg.ImageURL != "" {
		return t.call(ctx, "sendPhoto", telegramSendPhoto{ChatID: chatID, Photo: msg.ImageURL, Caption: text})
	}
	return t.call(ctx, "sendMessage", telegramSendMessage{ChatID: chatID, Text: text})
}

func (t *TelegramNotifier) call(ctx context.Context, method string, payload any) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram %s error %d: %s", method, resp.StatusCode, string(respBody))
	}
	return nil
}
