package registry

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"lotwatch/internal/domain"
)

// Version 0 stored subscriptions as bare URL strings; version 1 stores
// {url, alias} objects.
const currentUserSchemaVersion = 1

type userRecord struct {
	SchemaVersion int              `json:"schema_version"`
	ChatID        int64            `json:"chat_id"`
	FirstName     string           `json:"first_name"`
	Username      string           `json:"username"`
	Active        bool             `json:"is_active"`
	Subscriptions subscriptionList `json:"subscriptions"`
	JoinedAt      time.Time        `json:"joined_at"`
}

type subscriptionRecord struct {
	URL   string  `json:"url"`
	Alias *string `json:"alias"`
}

// subscriptionList decodes every representation that was ever persisted.
// Anything that is not the current shape marks the list as needing migration.
type subscriptionList struct {
	items  []subscriptionRecord
	legacy bool
}

func (l subscriptionList) MarshalJSON() ([]byte, error) {
	if l.items == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(l.items)
}

func (l *subscriptionList) UnmarshalJSON(data []byte) error {
	l.items = nil
	l.legacy = false

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		l.legacy = true
		return nil
	}

	for _, r := range raw {
		var bare string
		if err := json.Unmarshal(r, &bare); err == nil {
			l.legacy = true
			if bare != "" {
				l.items = append(l.items, subscriptionRecord{URL: bare})
			}
			continue
		}

		var rec subscriptionRecord
		if err := json.Unmarshal(r, &rec); err != nil || rec.URL == "" {
			l.legacy = true
			continue
		}

		l.items = append(l.items, rec)
	}

	return nil
}

func migrateUsers(records map[string]userRecord) bool {
	changed := false

	for key, rec := range records {
		if rec.SchemaVersion >= currentUserSchemaVersion && !rec.Subscriptions.legacy {
			continue
		}

		rec.SchemaVersion = currentUserSchemaVersion
		rec.Subscriptions.legacy = false
		records[key] = rec
		changed = true
	}

	return changed
}

func (r userRecord) toDomain(key string) domain.User {
	id, _ := strconv.ParseInt(key, 10, 64)

	return domain.User{
		ID:            id,
		ChatID:        r.ChatID,
		FirstName:     r.FirstName,
		Username:      r.Username,
		Active:        r.Active,
		Subscriptions: r.subscriptions(),
		JoinedAt:      r.JoinedAt,
	}
}

func (r userRecord) subscriptions() []domain.Subscription {
	subs := make([]domain.Subscription, 0, len(r.Subscriptions.items))
	for _, s := range r.Subscriptions.items {
		subs = append(subs, domain.Subscription{URL: s.URL, Alias: deref(s.Alias)})
	}

	return subs
}

func (r userRecord) find(url string) (int, bool) {
	for i, s := range r.Subscriptions.items {
		if s.URL == url {
			return i, true
		}
	}

	return -1, false
}

type linkRecord struct {
	OriginalURL      string    `json:"original_url_example"`
	LastChecked      time.Time `json:"last_checked,omitzero"`
	ErrorCount       int       `json:"error_count"`
	Active           bool      `json:"is_active"`
	KnownIdentifiers []string  `json:"known_lot_guids"`
	Seeded           bool      `json:"seeded,omitempty"`
	AddedAt          time.Time `json:"added_at"`
}

func (r linkRecord) toDomain(url string) domain.Link {
	return domain.Link{
		URL:              url,
		OriginalURL:      r.OriginalURL,
		LastChecked:      r.LastChecked,
		ErrorCount:       r.ErrorCount,
		Active:           r.Active,
		KnownIdentifiers: append([]string(nil), r.KnownIdentifiers...),
		Seeded:           r.Seeded || len(r.KnownIdentifiers) > 0,
		AddedAt:          r.AddedAt,
	}
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
