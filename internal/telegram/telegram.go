package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	cmdpkg "github.com/stupiduntilnot/mctrelay/internal/commander"
)

// maxMessageRunes stays under Telegram's 4096 character limit.
const maxMessageRunes = 4000

// ParseMode values accepted by SendMessage.
const (
	ModePlain = cmdpkg.ParseModePlain
	ModeHTML  = tgbotapi.ModeHTML
)

// ErrMissingUpdateID is returned for webhook payloads that are not updates.
var ErrMissingUpdateID = errors.New("telegram update has no update_id")

// Client wraps the Bot API for polling, webhook registration and replies.
type Client struct {
	bot *tgbotapi.BotAPI
}

type Update = cmdpkg.Update

// NewClient creates a Telegram client. endpoint is a Bot API URL template with
// two verbs for token and method (e.g. "https://api.telegram.org/bot%s/%s");
// empty selects the public API. The token is verified with getMe.
func NewClient(token, endpoint string, requestTimeout time.Duration) (*Client, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: requestTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot client: %w", err)
	}
	return &Client{bot: bot}, nil
}

// Username returns the bot's username as reported by getMe.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// GetUpdates long-polls for message updates starting at offset.
func (c *Client) GetUpdates(offset int64, timeout int) ([]Update, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = timeout
	cfg.AllowedUpdates = []string{"message"}

	raws, err := c.bot.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}

	updates := make([]Update, 0, len(raws))
	for _, ru := range raws {
		updates = append(updates, convertUpdate(ru))
	}
	return updates, nil
}

// ParseUpdate decodes a webhook request body.
func ParseUpdate(body []byte) (Update, error) {
	var raw tgbotapi.Update
	if err := json.Unmarshal(body, &raw); err != nil {
		return Update{}, fmt.Errorf("failed to parse telegram update: %w", err)
	}
	if raw.UpdateID == 0 {
		return Update{}, ErrMissingUpdateID
	}
	return convertUpdate(raw), nil
}

func convertUpdate(ru tgbotapi.Update) Update {
	u := Update{UpdateID: int64(ru.UpdateID)}
	m := ru.Message
	if m == nil || m.Chat == nil {
		return u
	}
	msg := &cmdpkg.Message{
		Chat: cmdpkg.Chat{ID: m.Chat.ID},
		Date: int64(m.Date),
	}
	if m.From != nil {
		msg.From = &cmdpkg.User{ID: m.From.ID, FirstName: m.From.FirstName}
	}
	if m.Text != "" {
		text := m.Text
		msg.Text = &text
	}
	u.Message = msg
	return u
}

// SendMessage sends text to the given chat, split into several messages when
// it exceeds the platform limit.
func (c *Client) SendMessage(chatID int64, text string, parseMode string) error {
	for _, chunk := range split(text, maxMessageRunes) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = parseMode
		if _, err := c.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram sendMessage request failed: %w", err)
		}
	}
	return nil
}

// SendTyping shows the typing indicator in the chat.
func (c *Client) SendTyping(chatID int64) error {
	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram sendChatAction request failed: %w", err)
	}
	return nil
}

// SetWebhook registers url as the update delivery target.
func (c *Client) SetWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if _, err := c.bot.Request(wh); err != nil {
		return fmt.Errorf("telegram setWebhook request failed: %w", err)
	}
	return nil
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook(dropPending bool) error {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending}); err != nil {
		return fmt.Errorf("telegram deleteWebhook request failed: %w", err)
	}
	return nil
}

func split(s string, maxChars int) []string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return []string{s}
	}
	var chunks []string
	for len(runes) > 0 {
		n := maxChars
		if len(runes) < n {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
