package kvdoc_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/ar-io/uploader/storage"
	"github.com/ar-io/uploader/storage/kvdoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *kvdoc.Store {
	t.Helper()
	s, err := kvdoc.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.Put(ctx, storage.RawKey("id1"), []byte("small item")))
	got, err := s.Get(ctx, storage.RawKey("id1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("small item"), got)

	_, err = s.Get(ctx, storage.RawKey("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ExistsDelete(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestStore_ValueThreshold(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	big := bytes.Repeat([]byte{1}, kvdoc.DefaultMaxValueBytes+1)
	err := s.Put(ctx, "big", big)
	assert.ErrorIs(t, err, storage.ErrIntegrityMismatch)

	exact := bytes.Repeat([]byte{1}, kvdoc.DefaultMaxValueBytes)
	require.NoError(t, s.Put(ctx, "exact", exact))
}

func TestStore_RenameForQuarantine(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	key := storage.RawKey("bad1")
	require.NoError(t, s.Put(ctx, key, []byte("suspect")))
	require.NoError(t, s.Rename(ctx, key, storage.QuarantineKey(key)))

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.Get(ctx, storage.QuarantineKey(key))
	require.NoError(t, err)
	assert.Equal(t, []byte("suspect"), got)

	err = s.Rename(ctx, "missing", "elsewhere")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
