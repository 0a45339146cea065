package registry

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"lotwatch/internal/domain"
	"lotwatch/internal/store"
)

var ErrUserNotFound = errors.New("user not found")

// Subscriptions owns the user collection: user lifecycle plus each user's
// ordered subscription list.
type Subscriptions struct {
	c   *store.Collection[userRecord]
	now func() time.Time
	log *slog.Logger
}

func NewSubscriptions(backend store.Backend, log *slog.Logger) *Subscriptions {
	return &Subscriptions{
		c:   store.NewCollection[userRecord](store.KindUsers, backend, migrateUsers, log),
		now: func() time.Time { return time.Now().UTC() },
		log: log,
	}
}

// Touch creates the user on first contact, refreshes profile fields and
// reactivates a user that was marked unreachable.
func (s *Subscriptions) Touch(ctx context.Context, d domain.UserDescriptor) (domain.User, error) {
	key := userKey(d.ID)

	var user domain.User

	err := s.c.Update(ctx, func(records map[string]userRecord) (bool, error) {
		rec, ok := records[key]
		if !ok {
			rec = userRecord{
				SchemaVersion: currentUserSchemaVersion,
				ChatID:        d.ChatID,
				FirstName:     d.FirstName,
				Username:      d.Username,
				Active:        true,
				JoinedAt:      s.now(),
			}
			records[key] = rec
			user = rec.toDomain(key)

			s.log.InfoContext(ctx, "User is created",
				"userID", d.ID,
				"chatID", d.ChatID)

			return true, nil
		}

		changed := false

		if !rec.Active {
			rec.Active = true
			changed = true

			s.log.InfoContext(ctx, "User is reactivated",
				"userID", d.ID)
		}

		if rec.ChatID != d.ChatID || rec.FirstName != d.FirstName || rec.Username != d.Username {
			rec.ChatID = d.ChatID
			rec.FirstName = d.FirstName
			rec.Username = d.Username
			changed = true
		}

		records[key] = rec
		user = rec.toDomain(key)

		return changed, nil
	})

	return user, err
}

func (s *Subscriptions) Get(ctx context.Context, userID int64) (domain.User, bool, error) {
	key := userKey(userID)

	var (
		user  domain.User
		found bool
	)

	err := s.c.View(ctx, func(records map[string]userRecord) error {
		rec, ok := records[key]
		if ok {
			user = rec.toDomain(key)
			found = true
		}

		return nil
	})

	return user, found, err
}

func (s *Subscriptions) IsActive(ctx context.Context, userID int64) (bool, error) {
	user, found, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}

	return found && user.Active, nil
}

func (s *Subscriptions) SetActive(ctx context.Context, userID int64, active bool) error {
	key := userKey(userID)

	return s.c.Update(ctx, func(records map[string]userRecord) (bool, error) {
		rec, ok := records[key]
		if !ok || rec.Active == active {
			return false, nil
		}

		rec.Active = active
		records[key] = rec

		s.log.InfoContext(ctx, "User activity is changed",
			"userID", userID,
			"active", active)

		return true, nil
	})
}

// Subscribe appends url to the user's list. It reports false when the user
// is already subscribed.
func (s *Subscriptions) Subscribe(ctx context.Context, userID int64, url string) (bool, error) {
	key := userKey(userID)
	added := false

	err := s.c.Update(ctx, func(records map[string]userRecord) (bool, error) {
		rec, ok := records[key]
		if !ok {
			return false, ErrUserNotFound
		}

		if _, exists := rec.find(url); exists {
			return false, nil
		}

		rec.Subscriptions.items = append(rec.Subscriptions.items, subscriptionRecord{URL: url})
		records[key] = rec
		added = true

		return true, nil
	})

	return added, err
}

// Unsubscribe reports whether a subscription was actually removed.
func (s *Subscriptions) Unsubscribe(ctx context.Context, userID int64, url string) (bool, error) {
	key := userKey(userID)
	removed := false

	err := s.c.Update(ctx, func(records map[string]userRecord) (bool, error) {
		rec, ok := records[key]
		if !ok {
			return false, nil
		}

		i, exists := rec.find(url)
		if !exists {
			return false, nil
		}

		rec.Subscriptions.items = slices.Delete(rec.Subscriptions.items, i, i+1)
		records[key] = rec
		removed = true

		return true, nil
	})

	return removed, err
}

// ListForUser returns the subscriptions of an active user in insertion order.
// Inactive or unknown users get an empty list.
func (s *Subscriptions) ListForUser(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	key := userKey(userID)

	var subs []domain.Subscription

	err := s.c.View(ctx, func(records map[string]userRecord) error {
		rec, ok := records[key]
		if ok && rec.Active {
			subs = rec.subscriptions()
		}

		return nil
	})

	return subs, err
}

// SetAlias sets or, with an empty alias, clears the alias of an existing
// subscription. It reports false when there is no such subscription.
func (s *Subscriptions) SetAlias(ctx context.Context, userID int64, url string, alias string) (bool, error) {
	key := userKey(userID)
	updated := false

	err := s.c.Update(ctx, func(records map[string]userRecord) (bool, error) {
		rec, ok := records[key]
		if !ok {
			return false, nil
		}

		i, exists := rec.find(url)
		if !exists {
			return false, nil
		}

		items := slices.Clone(rec.Subscriptions.items)
		if alias == "" {
			items[i].Alias = nil
		} else {
			items[i].Alias = &alias
		}
		rec.Subscriptions.items = items
		records[key] = rec
		updated = true

		return true, nil
	})

	return updated, err
}

// SubscribersOf lists active users subscribed to url, ordered by user id.
func (s *Subscriptions) SubscribersOf(ctx context.Context, url string) ([]domain.Subscriber, error) {
	var subscribers []domain.Subscriber

	err := s.c.View(ctx, func(records map[string]userRecord) error {
		for key, rec := range records {
			if !rec.Active {
				continue
			}

			i, ok := rec.find(url)
			if !ok {
				continue
			}

			subscribers = append(subscribers, newSubscriber(key, rec, i))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sortSubscribers(subscribers)

	return subscribers, nil
}

// SubscribedURLs maps every URL that has at least one active subscriber to
// those subscribers.
func (s *Subscriptions) SubscribedURLs(ctx context.Context) (map[string][]domain.Subscriber, error) {
	byURL := make(map[string][]domain.Subscriber)

	err := s.c.View(ctx, func(records map[string]userRecord) error {
		for key, rec := range records {
			if !rec.Active {
				continue
			}

			for i, sub := range rec.Subscriptions.items {
				byURL[sub.URL] = append(byURL[sub.URL], newSubscriber(key, rec, i))
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, subscribers := range byURL {
		sortSubscribers(subscribers)
	}

	return byURL, nil
}

func newSubscriber(key string, rec userRecord, i int) domain.Subscriber {
	id, _ := strconv.ParseInt(key, 10, 64)

	return domain.Subscriber{
		UserID: id,
		ChatID: rec.ChatID,
		Alias:  deref(rec.Subscriptions.items[i].Alias),
	}
}

func sortSubscribers(subscribers []domain.Subscriber) {
	slices.SortFunc(subscribers, func(a, b domain.Subscriber) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
}
