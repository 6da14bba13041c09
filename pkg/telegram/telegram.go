package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot delivers messages over the Telegram Bot API.
type Bot struct {
	api *tgbotapi.BotAPI
}

// New authenticates against the Bot API with the given token.
func New(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Bot{api: api}, nil
}

// Username returns the bot account name, for startup logging.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Deliver sends one message to a chat. A non-empty imageURL sends a
// photo with the text as caption; plain text otherwise. The bot API
// client has no context support, so ctx is only checked up front.
func (b *Bot) Deliver(ctx context.Context, chatID int64, text, imageURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if imageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(imageURL))
		photo.Caption = text
		if _, err := b.api.Send(photo); err != nil {
			return fmt.Errorf("send photo to chat %d: %w", chatID, err)
		}
		return nil
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	return nil
}
