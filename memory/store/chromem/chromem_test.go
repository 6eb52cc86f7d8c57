package chromem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
)

func openIndex(t *testing.T, s *chromem.Store, key memory.UserKey) memory.Index {
	t.Helper()
	idx, err := s.Open(context.Background(), key, 3)
	require.NoError(t, err)
	return idx
}

func TestIndexSearch(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New()
	require.NoError(t, err)
	idx := openIndex(t, s, memory.Key("u", ""))

	empty, err := idx.Search(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 2, []float32{0, 1, 0}))

	got, err := idx.Search(ctx, []float32{1, 0.1, 0}, 10)
	require.NoError(t, err, "k is clamped to the collection size")
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].DenseID)
	assert.Less(t, got[0].Distance, got[1].Distance)
	assert.Equal(t, 2, idx.Len())
}

func TestIndexRejectsBadVectors(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New()
	require.NoError(t, err)
	idx := openIndex(t, s, memory.UserKey{})

	assert.ErrorIs(t, idx.Insert(ctx, 1, []float32{1, 0}), memory.ErrInvalidInput)
	_, err = idx.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestIndexDelete(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New()
	require.NoError(t, err)
	idx := openIndex(t, s, memory.UserKey{})
	require.NoError(t, idx.Insert(ctx, 1, []float32{1, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 2, []float32{0, 1, 0}))

	deleter, ok := idx.(memory.Deleter)
	require.True(t, ok)
	require.NoError(t, deleter.Delete(ctx, 1))

	got, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].DenseID)
}

func TestStoreIsolatesKeysAndDrops(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New()
	require.NoError(t, err)
	alice, bob := memory.Key("alice", ""), memory.Key("bob", "")

	require.NoError(t, openIndex(t, s, alice).Insert(ctx, 1, []float32{1, 0, 0}))
	assert.Zero(t, openIndex(t, s, bob).Len())

	require.NoError(t, s.Drop(ctx, alice))
	assert.Zero(t, openIndex(t, s, alice).Len())
}

func TestPersistentStoreReopens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := memory.Key("u", "s")

	s, err := chromem.NewPersistent(dir, false)
	require.NoError(t, err)
	require.NoError(t, openIndex(t, s, key).Insert(ctx, 7, []float32{0, 0, 1}))
	require.NoError(t, s.Close())

	s, err = chromem.NewPersistent(dir, false)
	require.NoError(t, err)
	got, err := openIndex(t, s, key).Search(ctx, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].DenseID)
}

func TestIndexSkipsZeroVectors(t *testing.T) {
	ctx := context.Background()
	s, err := chromem.New()
	require.NoError(t, err)
	idx := openIndex(t, s, memory.UserKey{})

	require.NoError(t, idx.Insert(ctx, 1, []float32{0, 0, 0}))
	require.NoError(t, idx.Insert(ctx, 2, []float32{0, 1, 0}))
	assert.Equal(t, 1, idx.Len(), "zero vectors are not indexed")

	got, err := idx.Search(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].DenseID)

	deleter := idx.(memory.Deleter)
	assert.NoError(t, deleter.Delete(ctx, 1), "deleting an unindexed id is a no-op")
}

