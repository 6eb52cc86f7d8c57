package cached_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/cached"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
)

func TestCachedEmbedderSkipsInner(t *testing.T) {
	inner := mock.NewWithDimensions(8)
	e, err := cached.New(inner, cached.Config{MaxEntries: 100})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	first, err := e.Embed(ctx, "remember the milk")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(ctx, "remember the milk")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.Calls())
	assert.Equal(t, 8, e.Dimensions())
}

func TestCachedEmbedderReturnsCopies(t *testing.T) {
	inner := mock.NewWithDimensions(4)
	e, err := cached.New(inner, cached.Config{})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	v, err := e.Embed(ctx, "x")
	require.NoError(t, err)
	e.Wait()

	v[0] = 42
	again, err := e.Embed(ctx, "x")
	require.NoError(t, err)
	assert.NotEqual(t, float32(42), again[0])
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	inner := mock.NewWithDimensions(4)
	e, err := cached.New(inner, cached.Config{})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	inner.Fail(errors.New("model offline"))
	_, err = e.Embed(ctx, "x")
	require.Error(t, err)
	e.Wait()

	inner.Fail(nil)
	_, err = e.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.Calls())
}

func TestNewRequiresInner(t *testing.T) {
	_, err := cached.New(nil, cached.Config{})
	assert.ErrorIs(t, err, memory.ErrConfig)
}
