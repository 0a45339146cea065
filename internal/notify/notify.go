package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"lotwatch/internal/domain"
	"lotwatch/internal/markdown"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	titleMaxRunes      = 300
	displayURLMaxRunes = 70
)

// ErrRecipientUnreachable means the chat will never accept messages again,
// e.g. the bot was blocked. The user has already been marked inactive.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

//nolint:gochecknoglobals // Compiled once, safe for concurrent use.
var cadastralNumberRe = regexp.MustCompile(`\b\d{2}:\d{2}:\d{6,8}:\d{1,5}\b`)

// Sender delivers one message. *ratelimiter.RateLimiter satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// UserStatus lets the dispatcher retire users it can no longer reach.
type UserStatus interface {
	SetActive(ctx context.Context, userID int64, active bool) error
}

type Dispatcher struct {
	sender Sender
	users  UserStatus
	log    *slog.Logger
}

func New(sender Sender, users UserStatus, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		users:  users,
		log:    log,
	}
}

// NotifyNewEntry tells sub about a new entry found in link.
func (d *Dispatcher) NotifyNewEntry(
	ctx context.Context,
	sub domain.Subscriber,
	link domain.Link,
	entry domain.Entry,
) error {
	text := FormatNewEntry(sub, link, entry)

	return d.send(ctx, sub, text, "new entry")
}

// NotifyDeactivated tells sub that displayURL is no longer checked.
func (d *Dispatcher) NotifyDeactivated(
	ctx context.Context,
	sub domain.Subscriber,
	displayURL string,
) error {
	text := FormatDeactivated(displayURL)

	return d.send(ctx, sub, text, "deactivation")
}

func (d *Dispatcher) send(ctx context.Context, sub domain.Subscriber, text string, kind string) error {
	msg := tgbotapi.NewMessage(sub.ChatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	_, err := d.sender.Send(msg)
	if err == nil {
		d.log.DebugContext(ctx, "Notification is sent",
			"kind", kind,
			"userID", sub.UserID,
			"chatID", sub.ChatID)

		return nil
	}

	if !IsUnreachable(err) {
		d.log.ErrorContext(ctx, "Failed to send notification",
			"error", err,
			"kind", kind,
			"userID", sub.UserID,
			"chatID", sub.ChatID)

		return fmt.Errorf("send %s notification: %w", kind, err)
	}

	d.log.WarnContext(ctx, "Recipient is unreachable, deactivating user",
		"error", err,
		"userID", sub.UserID,
		"chatID", sub.ChatID)

	if setErr := d.users.SetActive(ctx, sub.UserID, false); setErr != nil {
		d.log.ErrorContext(ctx, "Failed to deactivate user",
			"error", setErr,
			"userID", sub.UserID)
	}

	return fmt.Errorf("send %s notification: %w", kind, ErrRecipientUnreachable)
}

// IsUnreachable reports whether a Telegram error means the chat is gone for
// good: the bot was blocked or kicked, the user was deleted, or the chat does
// not exist.
func IsUnreachable(err error) bool {
	code, description, ok := describe(err)
	if !ok {
		return false
	}

	switch {
	case code == http.StatusForbidden:
		return true
	case code == http.StatusBadRequest && strings.Contains(description, "chat not found"):
		return true
	case strings.Contains(description, "bot was blocked"),
		strings.Contains(description, "bot was kicked"),
		strings.Contains(description, "user is deactivated"):
		return true
	default:
		return false
	}
}

// IsMalformedMarkup reports whether Telegram rejected the message entities.
func IsMalformedMarkup(err error) bool {
	code, description, ok := describe(err)

	return ok && code == http.StatusBadRequest && strings.Contains(description, "can't parse entities")
}

// describe extracts the code and lowercased description of a Telegram API error.
func describe(err error) (int, string, bool) {
	var apiErrPtr *tgbotapi.Error
	var apiErr tgbotapi.Error

	switch {
	case errors.As(err, &apiErrPtr):
		return apiErrPtr.Code, strings.ToLower(apiErrPtr.Message), true
	case errors.As(err, &apiErr):
		return apiErr.Code, strings.ToLower(apiErr.Message), true
	default:
		return 0, "", false
	}
}

func FormatNewEntry(sub domain.Subscriber, link domain.Link, entry domain.Entry) string {
	var b strings.Builder

	b.WriteString("🔔 *")
	b.WriteString(markdown.EscapeV2("Новый лот!"))
	b.WriteString("*\n")

	if sub.Alias != "" {
		fmt.Fprintf(&b, "🏷️ *%s*\n", markdown.EscapeV2(sub.Alias))
	} else if display := link.DisplayURL(); display != "" {
		fmt.Fprintf(&b, "🏷️ `%s`\n", markdown.EscapeCode(markdown.Truncate(display, displayURLMaxRunes)))
	}

	b.WriteString("\n")

	fmt.Fprintf(&b, "🏷️ *%s* %s\n",
		markdown.EscapeV2("Название:"),
		markdown.EscapeV2(markdown.Truncate(entry.Title, titleMaxRunes)))
	fmt.Fprintf(&b, "🔗 [%s](%s)\n",
		markdown.EscapeV2("Источник RSS"),
		markdown.EscapeURL(repairHref(link.URL)))
	fmt.Fprintf(&b, "👉 [%s](%s)\n",
		markdown.EscapeV2("Подробнее о лоте"),
		markdown.EscapeURL(repairHref(entry.URL)))

	if number := cadastralNumberRe.FindString(entry.Description); number != "" {
		escaped := url.QueryEscape(number)

		fmt.Fprintf(&b, "🏠 [%s](%s) [%s](%s)\n",
			markdown.EscapeV2("MapRu"),
			markdown.EscapeURL("https://map.ru/pkk?kad="+escaped+"&z=17"),
			markdown.EscapeV2("KadastrRU"),
			markdown.EscapeURL("https://links.kadastrru.info/objects/find?cadnum="+escaped+"&type=parcel"))
	}

	return b.String()
}

func FormatDeactivated(displayURL string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "⚠️ *%s*\n\n", markdown.EscapeV2("Ссылка деактивирована!"))
	fmt.Fprintf(&b, "%s`%s`%s\n",
		markdown.EscapeV2("Ссылка "),
		markdown.EscapeCode(displayURL),
		markdown.EscapeV2(" была деактивирована из-за слишком большого количества ошибок при проверке или стала недоступна."))
	b.WriteString(markdown.EscapeV2(
		"Вы больше не будете получать уведомления по ней, пока ошибка не будет устранена и ссылка не будет добавлена заново."))

	return b.String()
}

// repairHref undoes a double-escaped ampersand some feeds emit in links.
func repairHref(href string) string {
	return strings.ReplaceAll(href, "amp%3B", "&")
}
