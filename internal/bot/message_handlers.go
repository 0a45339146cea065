package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lotwatch/internal/app"
	"lotwatch/internal/domain"
	"lotwatch/internal/feed"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	failedText  = "❌ Произошла ошибка\\. Попробуйте позже\\."
	askLinkText = "Отправьте ссылку на RSS\\-ленту, которую нужно отслеживать\\."
	unknownText = "Не понимаю\\. Отправьте ссылку или воспользуйтесь /help\\."
)

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) error {
	chatID := message.Chat.ID

	return b.withSpinner(ctx, chatID, func() error {
		d := domain.UserDescriptor{
			ID:        message.From.ID,
			ChatID:    chatID,
			FirstName: message.From.FirstName,
			Username:  message.From.UserName,
		}

		reply, handled, err := b.dispatch(ctx, d, message)
		if err != nil {
			errs := []error{err}

			if sendErr := b.sendMessage(ctx, chatID, failedText); sendErr != nil {
				errs = append(errs, fmt.Errorf("send message: %w", sendErr))
			}

			return errors.Join(errs...)
		}

		if !handled {
			return b.sendMessage(ctx, chatID, unknownText)
		}

		if reply.NeedsPopulation && !b.populator.Enqueue(reply.LinkURL) {
			b.log.WarnContext(ctx, "Population queue is full",
				"url", reply.LinkURL)
		}

		return b.sendMessage(ctx, chatID, reply.Text)
	})
}

// dispatch routes commands, keyboard buttons and bare URLs to their handlers.
func (b *Bot) dispatch(
	ctx context.Context,
	d domain.UserDescriptor,
	message *tgbotapi.Message,
) (app.Reply, bool, error) {
	if message.IsCommand() {
		args := strings.TrimSpace(message.CommandArguments())

		var (
			reply app.Reply
			err   error
		)

		switch message.Command() {
		case "start", "help":
			reply, err = b.commands.HandleStart(ctx, d)
		case "add":
			reply, err = b.commands.HandleAddLink(ctx, d, args)
		case "mylinks":
			reply, err = b.commands.HandleMyLinks(ctx, d)
		case "remove":
			reply, err = b.commands.HandleRemoveLink(ctx, d, args)
		case "alias":
			reply, err = b.commands.HandleAliasCommand(ctx, d, args)
		default:
			return app.Reply{}, false, nil
		}

		if err != nil {
			return app.Reply{}, true, fmt.Errorf("handle /%s: %w", message.Command(), err)
		}

		return reply, true, nil
	}

	text := strings.TrimSpace(message.Text)

	switch text {
	case app.ButtonAddLink:
		return app.Reply{Text: askLinkText}, true, nil
	case app.ButtonMyLinks:
		reply, err := b.commands.HandleMyLinks(ctx, d)
		if err != nil {
			return app.Reply{}, true, fmt.Errorf("handle my links: %w", err)
		}

		return reply, true, nil
	case app.ButtonHelp:
		reply, err := b.commands.HandleStart(ctx, d)
		if err != nil {
			return app.Reply{}, true, fmt.Errorf("handle help: %w", err)
		}

		return reply, true, nil
	}

	url, ok := feed.ExtractURL(text)
	if !ok {
		return app.Reply{}, false, nil
	}

	reply, err := b.commands.HandleAddLink(ctx, d, url)
	if err != nil {
		return app.Reply{}, true, fmt.Errorf("handle add link: %w", err)
	}

	return reply, true, nil
}
