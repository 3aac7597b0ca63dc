package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "clusters/g1.json", []byte(`{"a":1}`)))
	data, err := s.Get(ctx, "clusters/g1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Overwrite replaces.
	require.NoError(t, s.Put(ctx, "clusters/g1.json", []byte(`{"a":2}`)))
	data, err = s.Get(ctx, "clusters/g1.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))
}

func TestLocalStore_GetMissing(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_List(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "clusters/g1.json", []byte("1")))
	require.NoError(t, s.Put(ctx, "clusters/g2.json", []byte("2")))
	require.NoError(t, s.Put(ctx, "other/x.json", []byte("3")))

	keys, err := s.List(ctx, "clusters/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"clusters/g1.json", "clusters/g2.json"}, keys)
}

func TestLocalStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, s.Delete(ctx, "k"))
}
