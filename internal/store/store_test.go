package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestStore_KeyValue(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "config", []byte(`{"a":1}`)))
			require.NoError(t, s.Put(ctx, "config", []byte(`{"a":2}`)))
			got, err := s.Get(ctx, "config")
			require.NoError(t, err)
			assert.Equal(t, `{"a":2}`, string(got))

			require.NoError(t, s.Delete(ctx, "config"))
			_, err = s.Get(ctx, "config")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.Delete(ctx, "config"), "deleting a missing key is not an error")
		})
	}
}

func TestStore_KeysByPrefix(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "deliveries/pending/b", []byte("2")))
			require.NoError(t, s.Put(ctx, "deliveries/pending/a", []byte("1")))
			require.NoError(t, s.Put(ctx, "deliveries/PENDING/c", []byte("3")))
			require.NoError(t, s.Put(ctx, "deliveriesXpending/d", []byte("4")))
			require.NoError(t, s.Put(ctx, "snapshot", []byte("5")))

			keys, err := s.Keys(ctx, "deliveries/pending/")
			require.NoError(t, err)
			assert.Equal(t, []string{"deliveries/pending/a", "deliveries/pending/b"}, keys)
		})
	}
}

func TestStore_BoundedList(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, v := range []string{"1", "2", "3", "4", "5"} {
				_, err := s.Append(ctx, "history", []byte(v), 3)
				require.NoError(t, err)
			}
			_, err := s.Append(ctx, "other", []byte("x"), 0)
			require.NoError(t, err)

			entries, err := s.Entries(ctx, "history")
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, "3", string(entries[0].Value), "oldest entries are evicted first")
			assert.Equal(t, "5", string(entries[2].Value))
			assert.Less(t, entries[0].ID, entries[1].ID)

			require.NoError(t, s.Remove(ctx, "history", entries[1].ID))
			require.NoError(t, s.Remove(ctx, "history", 999999))
			entries, err = s.Entries(ctx, "history")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "3", string(entries[0].Value))
			assert.Equal(t, "5", string(entries[1].Value))

			other, err := s.Entries(ctx, "other")
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}
