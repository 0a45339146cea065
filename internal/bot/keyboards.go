package bot

import (
	"context"
	"fmt"
	"strings"

	"lotwatch/internal/app"
	"lotwatch/internal/notify"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sendMessage sends MarkdownV2 text with the menu keyboard. When Telegram
// rejects the markup the text is resent without formatting.
func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) error {
	normalizedText := strings.ToValidUTF8(text, "?")
	if normalizedText != text {
		b.log.WarnContext(ctx, "Message text had invalid UTF-8 and was normalized",
			"chatID", chatID,
			"originalLen", len(text),
			"normalizedLen", len(normalizedText))
	}

	message := tgbotapi.NewMessage(chatID, normalizedText)

	// See https://core.telegram.org/bots/api#markdownv2-style.
	message.ParseMode = tgbotapi.ModeMarkdownV2

	message.DisableWebPagePreview = true
	message.ReplyMarkup = b.keyboard

	_, err := b.sender.Send(message)
	if err == nil {
		return nil
	}

	if !notify.IsMalformedMarkup(err) {
		return fmt.Errorf("send message: %w", err)
	}

	b.log.WarnContext(ctx, "Markup is rejected, falling back to plain text",
		"error", err,
		"chatID", chatID)

	message.Text = plainText(normalizedText)
	message.ParseMode = ""

	if _, err = b.sender.Send(message); err != nil {
		return fmt.Errorf("send plain message: %w", err)
	}

	return nil
}

func getMenuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(app.ButtonAddLink),
			tgbotapi.NewKeyboardButton(app.ButtonMyLinks),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(app.ButtonHelp),
		),
	)
	keyboard.ResizeKeyboard = true

	return keyboard
}
