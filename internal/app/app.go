package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"lotwatch/internal/domain"
	"lotwatch/internal/feed"
	"lotwatch/internal/markdown"
)

const MaxAliasLength = 50

type Links interface {
	GetOrCreate(ctx context.Context, url string, originalURL string) (domain.Link, error)
	Get(ctx context.Context, url string) (domain.Link, bool, error)
}

type Subscriptions interface {
	Touch(ctx context.Context, d domain.UserDescriptor) (domain.User, error)
	Subscribe(ctx context.Context, userID int64, url string) (bool, error)
	Unsubscribe(ctx context.Context, userID int64, url string) (bool, error)
	ListForUser(ctx context.Context, userID int64) ([]domain.Subscription, error)
	SetAlias(ctx context.Context, userID int64, url string, alias string) (bool, error)
}

// Reply is a MarkdownV2 answer to a command. NeedsPopulation asks the caller
// to seed LinkURL's known identifiers in the background.
type Reply struct {
	Text            string
	NeedsPopulation bool
	LinkURL         string
}

func text(s string) Reply {
	return Reply{Text: s}
}

// Service implements the chat commands independently of the chat platform.
type Service struct {
	links      Links
	subs       Subscriptions
	supportURL string
	log        *slog.Logger
}

func New(links Links, subs Subscriptions, supportURL string, log *slog.Logger) *Service {
	return &Service{
		links:      links,
		subs:       subs,
		supportURL: supportURL,
		log:        log,
	}
}

// listed is a subscription as the user sees it in /mylinks.
type listed struct {
	index      int
	url        string
	alias      string
	displayURL string
	active     bool
}

func (s *Service) list(ctx context.Context, userID int64) ([]listed, error) {
	subs, err := s.subs.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	out := make([]listed, 0, len(subs))
	for i, sub := range subs {
		item := listed{
			index:      i + 1,
			url:        sub.URL,
			alias:      sub.Alias,
			displayURL: sub.URL,
			active:     true,
		}

		link, ok, err := s.links.Get(ctx, sub.URL)
		if err != nil {
			return nil, fmt.Errorf("get link: %w", err)
		}
		if ok {
			item.displayURL = link.DisplayURL()
			item.active = link.Active
		}

		out = append(out, item)
	}

	return out, nil
}

func (s *Service) touch(ctx context.Context, d domain.UserDescriptor) error {
	if _, err := s.subs.Touch(ctx, d); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}

	return nil
}

func (s *Service) HandleStart(ctx context.Context, d domain.UserDescriptor) (Reply, error) {
	if err := s.touch(ctx, d); err != nil {
		return Reply{}, err
	}

	welcome := welcomeText
	if s.supportURL != "" {
		welcome += fmt.Sprintf("\n\n🛠️ [Поддержка](%s)", markdown.EscapeURL(s.supportURL))
	}

	return text(welcome), nil
}

func (s *Service) HandleAddLink(ctx context.Context, d domain.UserDescriptor, raw string) (Reply, error) {
	if err := s.touch(ctx, d); err != nil {
		return Reply{}, err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return text(askLinkHint), nil
	}

	normalized, err := feed.NormalizeURL(raw)
	if err != nil {
		s.log.DebugContext(ctx, "URL is rejected",
			"error", err,
			"userID", d.ID,
			"url", raw)

		return text(fmt.Sprintf("Не удалось распознать URL: %s\\. Убедитесь, что это корректная ссылка\\.",
			markdown.EscapeV2(raw))), nil
	}

	if err = feed.CheckFetchable(normalized); err != nil {
		s.log.DebugContext(ctx, "URL is not fetchable",
			"error", err,
			"userID", d.ID,
			"url", normalized)

		return text(fmt.Sprintf("Ссылка `%s` не поддерживается: принимаются только адреса http\\(s\\) "+
			"на стандартных портах 80 и 443\\.", markdown.EscapeCode(normalized))), nil
	}

	link, err := s.links.GetOrCreate(ctx, normalized, raw)
	if err != nil {
		return Reply{}, fmt.Errorf("get or create link: %w", err)
	}

	added, err := s.subs.Subscribe(ctx, d.ID, normalized)
	if err != nil {
		return Reply{}, fmt.Errorf("subscribe: %w", err)
	}

	reply := Reply{
		NeedsPopulation: link.Active && !link.Seeded,
		LinkURL:         normalized,
	}

	if added {
		s.log.InfoContext(ctx, "User is subscribed",
			"userID", d.ID,
			"url", normalized)

		reply.Text = fmt.Sprintf("Вы подписались на отслеживание ссылки:\n`%s`", markdown.EscapeCode(normalized))
	} else {
		reply.Text = fmt.Sprintf("Вы уже подписаны на эту ссылку:\n`%s`", markdown.EscapeCode(normalized))
	}

	return reply, nil
}

func (s *Service) HandleMyLinks(ctx context.Context, d domain.UserDescriptor) (Reply, error) {
	if err := s.touch(ctx, d); err != nil {
		return Reply{}, err
	}

	items, err := s.list(ctx, d.ID)
	if err != nil {
		return Reply{}, err
	}

	if len(items) == 0 {
		return text("У вас пока нет активных подписок\\."), nil
	}

	var b strings.Builder
	b.WriteString("*Ваши подписки:*")

	for _, item := range items {
		fmt.Fprintf(&b, "\n%d\\.", item.index)
		if item.alias != "" {
			fmt.Fprintf(&b, " *%s*", markdown.EscapeV2(item.alias))
		}
		fmt.Fprintf(&b, " `%s`", markdown.EscapeCode(item.displayURL))
		if !item.active {
			b.WriteString(" ⏸ _приостановлена_")
		}
	}

	return text(b.String()), nil
}

// HandleRemoveLink accepts a 1-based index, a URL, or the displayed example URL.
func (s *Service) HandleRemoveLink(ctx context.Context, d domain.UserDescriptor, arg string) (Reply, error) {
	if err := s.touch(ctx, d); err != nil {
		return Reply{}, err
	}

	items, err := s.list(ctx, d.ID)
	if err != nil {
		return Reply{}, err
	}

	if len(items) == 0 {
		return text("У вас нет подписок для удаления\\."), nil
	}

	arg = strings.TrimSpace(arg)
	if arg == "" {
		return text(removeUsageText), nil
	}

	item, ok, reply := match(items, arg)
	if !ok {
		return text(reply), nil
	}

	removed, err := s.subs.Unsubscribe(ctx, d.ID, item.url)
	if err != nil {
		return Reply{}, fmt.Errorf("unsubscribe: %w", err)
	}

	if !removed {
		return text(fmt.Sprintf("Не удалось удалить подписку на `%s`\\. Попробуйте еще раз\\.",
			markdown.EscapeCode(item.displayURL))), nil
	}

	s.log.InfoContext(ctx, "User is unsubscribed",
		"userID", d.ID,
		"url", item.url)

	return text(fmt.Sprintf("Подписка на `%s` удалена\\.", markdown.EscapeCode(item.displayURL))), nil
}

// match resolves a remove argument, returning the reply text when nothing matches.
func match(items []listed, arg string) (listed, bool, string) {
	if isDigits(arg) {
		n, err := strconv.Atoi(arg)
		if err == nil && n >= 1 && n <= len(items) {
			return items[n-1], true, ""
		}

		return listed{}, false, "Неверный номер ссылки\\. Посмотрите список в /mylinks\\."
	}

	normalized, err := feed.NormalizeURL(arg)
	if err != nil {
		for _, item := range items {
			if item.displayURL == arg {
				return item, true, ""
			}
		}

		return listed{}, false, "Не удалось найти ссылку среди ваших подписок\\. Попробуйте указать номер из /mylinks\\."
	}

	for _, item := range items {
		if item.url == normalized || item.displayURL == arg {
			return item, true, ""
		}
	}

	return listed{}, false, "Вы не подписаны на такую ссылку\\."
}

// HandleAliasCommand handles "<index> [name]". A missing name clears the alias.
func (s *Service) HandleAliasCommand(ctx context.Context, d domain.UserDescriptor, args string) (Reply, error) {
	if err := s.touch(ctx, d); err != nil {
		return Reply{}, err
	}

	indexArg, name, _ := strings.Cut(strings.TrimSpace(args), " ")
	name = strings.TrimSpace(name)

	if indexArg == "" {
		return text(aliasUsageText), nil
	}

	if utf8.RuneCountInString(name) > MaxAliasLength {
		return text(fmt.Sprintf("Название алиаса слишком длинное \\(максимум %d символов\\)\\.", MaxAliasLength)), nil
	}

	items, err := s.list(ctx, d.ID)
	if err != nil {
		return Reply{}, err
	}

	if len(items) == 0 {
		return text("У вас нет подписок для установки алиаса\\."), nil
	}

	if !isDigits(indexArg) {
		return text("Номер ссылки должен быть числом\\. Посмотрите список в /mylinks\\."), nil
	}

	n, err := strconv.Atoi(indexArg)
	if err != nil || n < 1 || n > len(items) {
		return text("Неверный номер ссылки\\. Посмотрите список в /mylinks\\."), nil
	}

	item := items[n-1]

	ok, err := s.subs.SetAlias(ctx, d.ID, item.url, name)
	if err != nil {
		return Reply{}, fmt.Errorf("set alias: %w", err)
	}

	if !ok {
		return text("Не удалось изменить алиас\\. Попробуйте снова\\."), nil
	}

	if name == "" {
		return text(fmt.Sprintf("Алиас для ссылки `%s` удален\\.", markdown.EscapeCode(item.displayURL))), nil
	}

	return text(fmt.Sprintf("Алиас '%s' установлен для ссылки `%s`\\.",
		markdown.EscapeV2(name), markdown.EscapeCode(item.displayURL))), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
