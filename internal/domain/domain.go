package domain

import "time"

// UserDescriptor is the platform-neutral view of whoever sent a command.
type UserDescriptor struct {
	ID        int64
	ChatID    int64
	FirstName string
	Username  string
}

type Subscription struct {
	URL   string
	Alias string
}

type User struct {
	ID            int64
	ChatID        int64
	FirstName     string
	Username      string
	Active        bool
	Subscriptions []Subscription
	JoinedAt      time.Time
}

type Link struct {
	URL              string
	OriginalURL      string
	LastChecked      time.Time
	ErrorCount       int
	Active           bool
	KnownIdentifiers []string
	// Seeded is set once the feed's existing entries have been recorded, so
	// only entries appearing afterwards are announced.
	Seeded  bool
	AddedAt time.Time
}

// DisplayURL prefers the URL the user originally submitted.
func (l Link) DisplayURL() string {
	if l.OriginalURL != "" {
		return l.OriginalURL
	}

	return l.URL
}

// Entry is a single lot extracted from a feed. Only ID outlives a tick.
type Entry struct {
	ID          string
	Title       string
	URL         string
	Description string
}

// Subscriber is an active user subscribed to a particular link.
type Subscriber struct {
	UserID int64
	ChatID int64
	Alias  string
}

// Target is a link due for checking together with its active subscribers.
type Target struct {
	Link        Link
	Subscribers []Subscriber
}
