package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type Kind string

const (
	KindUsers Kind = "users"
	KindLinks Kind = "links"
)

// ErrNotFound is returned by a Backend when no snapshot has been written yet.
var ErrNotFound = errors.New("snapshot not found")

// Backend persists whole-collection snapshots. Write must replace the previous
// snapshot atomically: a reader sees either the old or the new bytes.
type Backend interface {
	Read(ctx context.Context, kind Kind) ([]byte, error)
	Write(ctx context.Context, kind Kind, data []byte) error
	// Quarantine moves an undecodable snapshot aside and reports where it went.
	Quarantine(ctx context.Context, kind Kind) (string, error)
}

// MigrateFunc upgrades records in place and reports whether anything changed.
type MigrateFunc[T any] func(records map[string]T) bool

// Collection serializes every read-modify-write cycle on one kind of record.
// Each operation re-reads the durable snapshot so that concurrent writers
// always mutate the latest committed state.
type Collection[T any] struct {
	mu      sync.Mutex
	kind    Kind
	backend Backend
	migrate MigrateFunc[T]
	log     *slog.Logger
}

func NewCollection[T any](
	kind Kind,
	backend Backend,
	migrate MigrateFunc[T],
	log *slog.Logger,
) *Collection[T] {
	return &Collection[T]{
		kind:    kind,
		backend: backend,
		migrate: migrate,
		log:     log.With("collection", string(kind)),
	}
}

func (c *Collection[T]) Kind() Kind {
	return c.kind
}

// View hands the latest snapshot to fn while holding the collection lock.
// fn must not retain the map.
func (c *Collection[T]) View(ctx context.Context, fn func(records map[string]T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx)
	if err != nil {
		return err
	}

	return fn(records)
}

// Update runs fn on the latest snapshot and saves the result when fn reports
// a change. Nothing is written if fn returns an error.
func (c *Collection[T]) Update(
	ctx context.Context,
	fn func(records map[string]T) (bool, error),
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx)
	if err != nil {
		return err
	}

	changed, err := fn(records)
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	return c.save(ctx, records)
}

func (c *Collection[T]) load(ctx context.Context) (map[string]T, error) {
	data, err := c.backend.Read(ctx, c.kind)
	if errors.Is(err, ErrNotFound) {
		return make(map[string]T), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s snapshot: %w", c.kind, err)
	}

	var records map[string]T
	if err = json.Unmarshal(data, &records); err != nil {
		c.log.ErrorContext(ctx, "Failed to decode snapshot, starting empty",
			"error", err,
			"bytes", len(data))

		backup, quarantineErr := c.backend.Quarantine(ctx, c.kind)
		if quarantineErr != nil {
			c.log.ErrorContext(ctx, "Failed to quarantine corrupted snapshot",
				"error", quarantineErr)
		} else {
			c.log.WarnContext(ctx, "Corrupted snapshot is moved aside",
				"backup", backup)
		}

		return make(map[string]T), nil
	}

	if records == nil {
		records = make(map[string]T)
	}

	if c.migrate != nil && c.migrate(records) {
		if err = c.save(ctx, records); err != nil {
			c.log.ErrorContext(ctx, "Failed to persist migrated snapshot",
				"error", err)
		} else {
			c.log.InfoContext(ctx, "Snapshot is migrated",
				"records", len(records))
		}
	}

	return records, nil
}

func (c *Collection[T]) save(ctx context.Context, records map[string]T) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", c.kind, err)
	}

	if err = c.backend.Write(ctx, c.kind, data); err != nil {
		return fmt.Errorf("write %s snapshot: %w", c.kind, err)
	}

	c.log.DebugContext(ctx, "Snapshot is saved",
		"records", len(records),
		"bytes", len(data))

	return nil
}
