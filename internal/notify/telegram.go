package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tadams95/4ex.ninja-sub000/internal/model"
)

// TelegramSender posts notifications to a chat through the Bot API.
type TelegramSender struct {
	id     string
	bot    *tgbot.BotAPI
	chatID int64
}

// NewTelegramSender creates a Telegram sender. endpoint is the Bot API
// endpoint format ("https://api.telegram.org/bot%s/%s" when empty).
// No request is made here; a bad token or an unreachable API shows up as
// a Send error.
func NewTelegramSender(id, token string, chatID int64, endpoint string) (*TelegramSender, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram %s: empty bot token", id)
	}
	if endpoint == "" {
		endpoint = tgbot.APIEndpoint
	}
	bot := &tgbot.BotAPI{
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
		Buffer: 100,
	}
	bot.SetAPIEndpoint(endpoint)
	return &TelegramSender{id: id, bot: bot, chatID: chatID}, nil
}

func (t *TelegramSender) ID() string { return t.id }

func (t *TelegramSender) Send(ctx context.Context, p Payload) error {
	emoji := "🟢"
	if p.Signal != nil && p.Signal.Direction == model.Sell {
		emoji = "🔴"
	}
	msg := tgbot.NewMessage(t.chatID, fmt.Sprintf("%s *%s*\n\n%s", emoji, escapeMarkdown(p.Title), escapeMarkdown(p.Text)))
	msg.ParseMode = tgbot.ModeMarkdownV2

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(msg)
		done <- err
	}()

	var err error
	select {
	case <-ctx.Done():
		return fmt.Errorf("telegram: send: %w", ctx.Err())
	case err = <-done:
	}
	if err == nil {
		return nil
	}

	var apiErr *tgbot.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 && apiErr.Code != http.StatusTooManyRequests && apiErr.Code < 500 {
		return Permanent(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: send: %w", err)
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
