package bot

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"lotwatch/internal/app"
	"lotwatch/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	maxBackoffSeconds         = 60
	initialBackoffSeconds     = 3
	backoffGrowthFactor       = 2
	resetOffsetBackoffSeconds = 30
	updateProcessingTimeout   = 60 * time.Second

	BotUpdateTimeout = 60
)

// Updater is the polling half of *tgbotapi.BotAPI.
type Updater interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Sender is the sending half; in production the rate limiter.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Commands interface {
	HandleStart(ctx context.Context, d domain.UserDescriptor) (app.Reply, error)
	HandleAddLink(ctx context.Context, d domain.UserDescriptor, raw string) (app.Reply, error)
	HandleMyLinks(ctx context.Context, d domain.UserDescriptor) (app.Reply, error)
	HandleRemoveLink(ctx context.Context, d domain.UserDescriptor, arg string) (app.Reply, error)
	HandleAliasCommand(ctx context.Context, d domain.UserDescriptor, args string) (app.Reply, error)
}

// Enqueuer schedules one-shot population of a freshly subscribed link.
type Enqueuer interface {
	Enqueue(url string) bool
}

type Bot struct {
	updater      Updater
	sender       Sender
	commands     Commands
	populator    Enqueuer
	allowedUsers []int64
	keyboard     tgbotapi.ReplyKeyboardMarkup
	log          *slog.Logger
}

func New(
	updater Updater,
	sender Sender,
	commands Commands,
	populator Enqueuer,
	allowedUsers []int64,
	log *slog.Logger,
) *Bot {
	return &Bot{
		updater:      updater,
		sender:       sender,
		commands:     commands,
		populator:    populator,
		allowedUsers: allowedUsers,
		keyboard:     getMenuKeyboard(),
		log:          log,
	}
}

// Start long-polls updates until ctx is done, reconnecting with backoff
// whenever the update channel closes.
func (b *Bot) Start(ctx context.Context) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = BotUpdateTimeout

	backoffSeconds := initialBackoffSeconds

	defer b.updater.StopReceivingUpdates()

	for {
		if ctx.Err() != nil {
			b.log.InfoContext(ctx, "Bot context is done",
				"error", ctx.Err())
			return
		}

		updates := b.updater.GetUpdatesChan(updateConfig)
		updatesClosed := false

		for !updatesClosed {
			select {
			case <-ctx.Done():
				b.log.InfoContext(ctx, "Bot context is done",
					"error", ctx.Err())
				return

			case update, ok := <-updates:
				if !ok {
					updatesClosed = true
					continue
				}
				updateConfig.Offset = update.UpdateID + 1

				b.handleUpdate(ctx, &update)
			}
		}

		b.log.WarnContext(ctx, "Update channel is closed, reconnecting...",
			"offset", updateConfig.Offset,
			"backoffSeconds", backoffSeconds)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(backoffSeconds) * time.Second):
		}

		backoffSeconds = updateBackoffSeconds(backoffSeconds)

		if backoffSeconds >= resetOffsetBackoffSeconds {
			updateConfig.Offset = 0
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update *tgbotapi.Update) {
	message := update.Message
	if message == nil || message.From == nil || message.Chat == nil {
		return
	}

	updateCtx, cancel := context.WithTimeout(ctx, updateProcessingTimeout)
	defer cancel()

	userID := message.From.ID
	if !b.userAllowed(userID) {
		b.log.DebugContext(updateCtx, "User is not allowed",
			"userID", userID,
			"chatID", message.Chat.ID,
			"username", message.From.UserName,
			"chatType", message.Chat.Type)

		return
	}

	if err := b.handleMessage(updateCtx, message); err != nil {
		b.log.ErrorContext(updateCtx, "Failed to handle message",
			"error", err,
			"chatID", message.Chat.ID,
			"userID", userID,
			"chatType", message.Chat.Type,
			"messageID", message.MessageID)
	}
}

// userAllowed treats an empty allowlist as open access.
func (b *Bot) userAllowed(userID int64) bool {
	return len(b.allowedUsers) == 0 || slices.Contains(b.allowedUsers, userID)
}

func updateBackoffSeconds(backoffSeconds int) int {
	if backoffSeconds < maxBackoffSeconds {
		backoffSeconds *= backoffGrowthFactor
		if backoffSeconds > maxBackoffSeconds {
			backoffSeconds = maxBackoffSeconds
		}
	}
	return backoffSeconds
}
