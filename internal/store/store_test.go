package store_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"lotwatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Value   int `json:"value"`
	Version int `json:"version"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCollection(t *testing.T, migrate store.MigrateFunc[counter]) (*store.Collection[counter], *store.FileBackend) {
	t.Helper()

	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	return store.NewCollection(store.KindLinks, backend, migrate, discardLogger()), backend
}

func TestCollectionEmptyWhenMissing(t *testing.T) {
	c, _ := newCollection(t, nil)

	err := c.View(context.Background(), func(records map[string]counter) error {
		assert.Empty(t, records)
		return nil
	})
	require.NoError(t, err)
}

func TestCollectionUpdatePersists(t *testing.T) {
	c, backend := newCollection(t, nil)
	ctx := context.Background()

	err := c.Update(ctx, func(records map[string]counter) (bool, error) {
		records["a"] = counter{Value: 1}
		return true, nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(backend.Path(store.KindLinks))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value": 1`)

	err = c.View(ctx, func(records map[string]counter) error {
		assert.Equal(t, 1, records["a"].Value)
		return nil
	})
	require.NoError(t, err)
}

func TestCollectionUpdateWithoutChangeSkipsWrite(t *testing.T) {
	c, backend := newCollection(t, nil)

	err := c.Update(context.Background(), func(map[string]counter) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)

	_, err = os.Stat(backend.Path(store.KindLinks))
	assert.True(t, os.IsNotExist(err))
}

func TestCollectionQuarantinesCorruptedSnapshot(t *testing.T) {
	c, backend := newCollection(t, nil)
	path := backend.Path(store.KindLinks)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	err := c.View(context.Background(), func(records map[string]counter) error {
		assert.Empty(t, records)
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupted file must be moved away")

	matches, err := filepath.Glob(path + ".corrupted_*")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestCollectionWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := store.NewFileBackend(dir)
	require.NoError(t, err)

	c := store.NewCollection[counter](store.KindUsers, backend, nil, discardLogger())

	for i := range 5 {
		err = c.Update(context.Background(), func(records map[string]counter) (bool, error) {
			records["k"] = counter{Value: i}
			return true, nil
		})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover pending file %s", e.Name())
	}
	assert.Len(t, entries, 1)
}

func TestFileBackendWriteReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Write(ctx, store.KindLinks, []byte(`{"a":1}`)))
	require.NoError(t, backend.Write(ctx, store.KindLinks, []byte(`{"b":2}`)))

	data, err := backend.Read(ctx, store.KindLinks)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(data))

	info, err := os.Stat(backend.Path(store.KindLinks))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCollectionConcurrentUpdatesAreSerialized(t *testing.T) {
	c, _ := newCollection(t, nil)
	ctx := context.Background()

	const writers = 50

	var wg sync.WaitGroup
	for range writers {
		wg.Go(func() {
			err := c.Update(ctx, func(records map[string]counter) (bool, error) {
				cur := records["n"]
				cur.Value++
				records["n"] = cur
				return true, nil
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	err := c.View(ctx, func(records map[string]counter) error {
		assert.Equal(t, writers, records["n"].Value)
		return nil
	})
	require.NoError(t, err)
}

func TestCollectionMigrationIsPersisted(t *testing.T) {
	migrations := 0
	migrate := func(records map[string]counter) bool {
		changed := false
		for k, r := range records {
			if r.Version < 1 {
				r.Version = 1
				records[k] = r
				changed = true
			}
		}
		if changed {
			migrations++
		}
		return changed
	}

	c, backend := newCollection(t, migrate)
	require.NoError(t, os.WriteFile(backend.Path(store.KindLinks), []byte(`{"a":{"value":3}}`), 0o600))

	ctx := context.Background()
	for range 2 {
		err := c.View(ctx, func(records map[string]counter) error {
			assert.Equal(t, counter{Value: 3, Version: 1}, records["a"])
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, migrations, "second load must see the migrated snapshot")
}
