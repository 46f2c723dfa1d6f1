package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() Storage {
	t.Helper()
	return map[string]func() Storage{
		"memory": func() Storage { return NewMemoryStorage() },
		"badger": func() Storage {
			s, err := NewBadgerStorage("", nil)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStorageBasics(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			require.NoError(t, s.Set(ctx, "route/a/b/1", []byte("1")))
			require.NoError(t, s.Set(ctx, "route/a/b/2", []byte("2")))
			require.NoError(t, s.Set(ctx, "client/c1", []byte("1")))

			v, ok, err := s.Get(ctx, "route/a/b/2")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("2"), v)

			_, ok, err = s.Get(ctx, "route/missing")
			require.NoError(t, err)
			assert.False(t, ok)

			var keys []string
			require.NoError(t, s.Scan(ctx, "route/", func(k string, _ []byte) error {
				keys = append(keys, k)
				return nil
			}))
			assert.Equal(t, []string{"route/a/b/1", "route/a/b/2"}, keys)

			n, err := s.Count(ctx, "client/")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			deleted, err := s.Delete(ctx, "route/a/b/1", "route/nope")
			require.NoError(t, err)
			assert.Equal(t, 1, deleted)

			stop := errors.New("stop")
			err = s.Scan(ctx, "", func(string, []byte) error { return stop })
			assert.ErrorIs(t, err, stop)
		})
	}
}

func TestStorageBackupRestore(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			src := open()
			defer src.Close()
			require.NoError(t, src.Set(ctx, "route/x/1", []byte("1")))
			require.NoError(t, src.Set(ctx, "client/c9", []byte("3")))

			var dump bytes.Buffer
			require.NoError(t, src.Backup(ctx, &dump))

			dst := open()
			defer dst.Close()
			require.NoError(t, dst.Set(ctx, "stale/key", []byte("gone")))
			require.NoError(t, dst.Restore(ctx, &dump))

			_, ok, err := dst.Get(ctx, "stale/key")
			require.NoError(t, err)
			assert.False(t, ok, "restore replaces existing content")

			v, ok, err := dst.Get(ctx, "client/c9")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("3"), v)
		})
	}
}
