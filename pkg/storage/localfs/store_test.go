package localfs

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perigee-storage/perigee/pkg/storage"
)

func setupStore(t *testing.T) storage.Store {
	t.Helper()
	s := New(afero.NewMemMapFs())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "chunk/aa11", bytes.NewReader([]byte("first piece"))))
	require.NoError(t, s.Put(ctx, "chunk/bb22", bytes.NewReader([]byte("second piece"))))
	require.NoError(t, s.Put(ctx, "manifest/cc33", bytes.NewReader([]byte("a manifest"))))
	return s
}

func TestHas(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	has, err := s.Has(ctx, "chunk/aa11")
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.Has(ctx, "chunk/zz99")
	require.NoError(t, err)
	require.False(t, has)
}

func TestGet(t *testing.T) {
	s := setupStore(t)

	rdr, err := s.Get(context.Background(), "chunk/aa11")
	require.NoError(t, err)
	b, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	assert.Equal(t, "first piece", string(b))

	_, err = s.Get(context.Background(), "chunk/zz99")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutOverwrites(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "chunk/aa11", bytes.NewReader([]byte("replaced"))))
	b, err := storage.ReadAll(ctx, s, "chunk/aa11")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(b))
}

func TestKeysAndPrefix(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	chunks, err := s.KeysPrefix(ctx, "chunk/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"chunk/aa11", "chunk/bb22"}, chunks)
}

func TestDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "chunk/aa11"))
	has, err := s.Has(ctx, "chunk/aa11")
	require.NoError(t, err)
	assert.False(t, has)

	// Deleting a missing key is not an error.
	require.NoError(t, s.Delete(ctx, "chunk/aa11"))
}

func TestClear(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Clear(ctx))
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestString(t *testing.T) {
	assert.Contains(t, New(afero.NewMemMapFs()).String(), "localfs")
}
