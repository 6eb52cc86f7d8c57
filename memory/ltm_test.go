package memory_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
	"github.com/becomeliminal/nim-memory/memory/store/flat"
)

const dims = 4

type ltmFixture struct {
	ltm      *memory.LongTermMemory
	embedder *mock.Embedder
	docs     memory.DocumentStore
}

func newLTM(t *testing.T, indexes memory.IndexProvider, docs memory.DocumentStore, cfg memory.LTMConfig) ltmFixture {
	t.Helper()
	emb := mock.NewWithDimensions(dims)
	if docs == nil {
		docs = memory.NewInMemoryDocumentStore()
	}
	cfg.Dimensions = dims
	ltm, err := memory.NewLongTermMemory(emb, indexes, docs, cfg, nil)
	require.NoError(t, err)
	return ltmFixture{ltm: ltm, embedder: emb, docs: docs}
}

// providers covers a pre-filtering index, a hard-deleting index and a
// bare index that neither filters nor deletes.
func providers(t *testing.T) map[string]func() memory.IndexProvider {
	return map[string]func() memory.IndexProvider{
		"flat": func() memory.IndexProvider { return flat.NewProvider() },
		"chromem": func() memory.IndexProvider {
			s, err := chromem.New()
			require.NoError(t, err)
			return s
		},
		"plain": func() memory.IndexProvider { return newPlainProvider() },
	}
}

func TestLTMRoundTrip(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			f := newLTM(t, provider(), nil, memory.LTMConfig{})
			ctx := context.Background()
			key := memory.Key("u", "")

			require.NoError(t, f.ltm.Add(ctx, key, "id1", "hello", memory.Metadata{}))

			got, err := f.ltm.Get(ctx, key, "id1")
			require.NoError(t, err)
			assert.Equal(t, "hello", got.Content)
			assert.Empty(t, got.Metadata)
			assert.False(t, got.CreatedAt.IsZero())

			_, err = f.ltm.Get(ctx, memory.Key("other", ""), "id1")
			assert.ErrorIs(t, err, memory.ErrNotFound)
		})
	}
}

func TestLTMDeleteIdempotent(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			f := newLTM(t, provider(), nil, memory.LTMConfig{})
			ctx := context.Background()
			key := memory.UserKey{}

			require.NoError(t, f.ltm.Add(ctx, key, "id1", "hello", nil))
			require.NoError(t, f.ltm.Add(ctx, key, "id2", "world", nil))

			ok, err := f.ltm.Delete(ctx, key, "id1")
			require.NoError(t, err)
			assert.True(t, ok)
			_, err = f.ltm.Get(ctx, key, "id1")
			assert.ErrorIs(t, err, memory.ErrNotFound)

			ok, err = f.ltm.Delete(ctx, key, "id1")
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = f.ltm.Get(ctx, key, "id1")
			assert.ErrorIs(t, err, memory.ErrNotFound)

			res, err := f.ltm.Search(ctx, key, "hello", 10)
			require.NoError(t, err)
			for _, r := range res {
				assert.NotEqual(t, "id1", r.ID, "deleted notes never surface")
			}
			n, err := f.ltm.Count(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestLTMFilterContains(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			f := newLTM(t, provider(), nil, memory.LTMConfig{})
			ctx := context.Background()
			key := memory.UserKey{}

			require.NoError(t, f.ltm.Add(ctx, key, "d1", "first document", memory.Metadata{"tags": memory.Strings("x")}))
			require.NoError(t, f.ltm.Add(ctx, key, "d2", "second document", memory.Metadata{"tags": memory.Strings("y")}))

			res, err := f.ltm.Search(ctx, key, "document", 10, memory.Contains("tags", memory.String("x")))
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, "d1", res[0].ID)
			assert.Equal(t, memory.OriginLongTerm, res[0].Origin)

			res, err = f.ltm.Search(ctx, key, "document", 10, memory.Contains("tags", memory.String("z")))
			require.NoError(t, err)
			assert.Empty(t, res)
			assert.NotNil(t, res)
		})
	}
}

func TestLTMSearchRanksBySimilarity(t *testing.T) {
	f := newLTM(t, flat.NewProvider(), nil, memory.LTMConfig{KeywordWeight: 0})
	ctx := context.Background()
	key := memory.UserKey{}

	f.embedder.Set("query", []float32{1, 0, 0, 0})
	f.embedder.Set("close", []float32{0.9, 0.1, 0, 0})
	f.embedder.Set("far", []float32{0, 0, 1, 0})
	f.embedder.Set("opposite", []float32{-1, 0, 0, 0})
	for _, c := range []string{"far", "opposite", "close"} {
		require.NoError(t, f.ltm.Add(ctx, key, c, c, nil))
	}

	res, err := f.ltm.Search(ctx, key, "query", 3)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []string{"close", "far", "opposite"}, []string{res[0].ID, res[1].ID, res[2].ID})
	assert.InDelta(t, 0.5, res[1].RawScore, 1e-6, "orthogonal maps to 0.5")
	assert.InDelta(t, 0.0, res[2].RawScore, 1e-6, "opposite maps to 0")
	for _, r := range res {
		assert.GreaterOrEqual(t, r.RawScore, 0.0)
		assert.LessOrEqual(t, r.RawScore, 1.0)
	}
}

func TestLTMKeywordWeightBreaksTies(t *testing.T) {
	f := newLTM(t, flat.NewProvider(), nil, memory.LTMConfig{KeywordWeight: 0.5})
	ctx := context.Background()
	key := memory.UserKey{}

	vec := []float32{1, 0, 0, 0}
	f.embedder.Set("golang channels", vec)
	f.embedder.Set("bread recipes", vec)
	f.embedder.Set("channels", vec)
	require.NoError(t, f.ltm.Add(ctx, key, "bread", "bread recipes", nil))
	require.NoError(t, f.ltm.Add(ctx, key, "go", "golang channels", nil))

	res, err := f.ltm.Search(ctx, key, "channels", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "go", res[0].ID)
	assert.Greater(t, res[0].RawScore, res[1].RawScore)
}

func TestLTMOverfetchWidensWindow(t *testing.T) {
	plain := newPlainProvider()
	f := newLTM(t, plain, nil, memory.LTMConfig{OverfetchFactor: 1})
	ctx := context.Background()
	key := memory.UserKey{}

	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("near %d", i)
		f.embedder.Set(content, []float32{1, float32(i) * 0.01, 0, 0})
		require.NoError(t, f.ltm.Add(ctx, key, content, content, memory.Metadata{"kind": memory.String("near")}))
	}
	f.embedder.Set("target", []float32{0, 0, 1, 0})
	require.NoError(t, f.ltm.Add(ctx, key, "target", "target", memory.Metadata{"kind": memory.String("target")}))
	f.embedder.Set("probe", []float32{1, 0, 0, 0})

	res, err := f.ltm.Search(ctx, key, "probe", 1, memory.Equals("kind", memory.String("target")))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "target", res[0].ID)

	idx := plain.indexes[key]
	assert.Greater(t, idx.searches.Load(), int64(1), "filter survivors were scarce, so the window grew")
}

func TestLTMOverfetchSkipsTombstones(t *testing.T) {
	f := newLTM(t, newPlainProvider(), nil, memory.LTMConfig{OverfetchFactor: 1})
	ctx := context.Background()
	key := memory.UserKey{}

	f.embedder.Set("a", []float32{1, 0, 0, 0})
	f.embedder.Set("b", []float32{0.9, 0.1, 0, 0})
	require.NoError(t, f.ltm.Add(ctx, key, "a", "a", nil))
	require.NoError(t, f.ltm.Add(ctx, key, "b", "b", nil))

	ok, err := f.ltm.Delete(ctx, key, "a")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.ltm.Search(ctx, key, "a", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "b", res[0].ID)

	stats, err := f.ltm.Stats(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, memory.LTMStats{Live: 1, Tombstoned: 1, Vectors: 2}, stats)
}

func TestLTMReplaceKeepsOneResult(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			f := newLTM(t, provider(), nil, memory.LTMConfig{})
			ctx := context.Background()
			key := memory.UserKey{}

			require.NoError(t, f.ltm.Add(ctx, key, "n", "original text", nil))
			require.NoError(t, f.ltm.Add(ctx, key, "n", "updated text", nil))

			got, err := f.ltm.Get(ctx, key, "n")
			require.NoError(t, err)
			assert.Equal(t, "updated text", got.Content)

			res, err := f.ltm.Search(ctx, key, "text", 10)
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, "updated text", res[0].Content)

			n, err := f.ltm.Count(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestLTMCompact(t *testing.T) {
	f := newLTM(t, flat.NewProvider(), nil, memory.LTMConfig{})
	ctx := context.Background()
	key := memory.UserKey{}

	for i := 0; i < 5; i++ {
		require.NoError(t, f.ltm.Add(ctx, key, fmt.Sprint(i), fmt.Sprintf("note %d", i), nil))
	}
	for _, id := range []string{"1", "3"} {
		ok, err := f.ltm.Delete(ctx, key, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	stats, err := f.ltm.Stats(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, memory.LTMStats{Live: 3, Tombstoned: 2, Vectors: 5}, stats)

	reclaimed, err := f.ltm.Compact(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)

	stats, err = f.ltm.Stats(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, memory.LTMStats{Live: 3, Tombstoned: 0, Vectors: 3}, stats)

	_, err = f.docs.Get(ctx, key, "1")
	assert.ErrorIs(t, err, memory.ErrNotFound, "tombstoned documents are purged")

	res, err := f.ltm.Search(ctx, key, "note", 10)
	require.NoError(t, err)
	assert.Len(t, res, 3)
}

func TestLTMReloadsFromDocumentStore(t *testing.T) {
	docs := memory.NewInMemoryDocumentStore()
	ctx := context.Background()
	key := memory.Key("u", "s")

	first := newLTM(t, flat.NewProvider(), docs, memory.LTMConfig{})
	require.NoError(t, first.ltm.Add(ctx, key, "a", "alpha", nil))
	require.NoError(t, first.ltm.Add(ctx, key, "b", "beta", nil))
	_, err := first.ltm.Delete(ctx, key, "b")
	require.NoError(t, err)

	// A fresh process: same documents, empty index.
	second := newLTM(t, flat.NewProvider(), docs, memory.LTMConfig{})

	res, err := second.ltm.Search(ctx, key, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].ID)

	_, err = second.ltm.Get(ctx, key, "b")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, second.ltm.Add(ctx, key, "c", "gamma", nil))
	stats, err := second.ltm.Stats(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 1, stats.Tombstoned)
	assert.Equal(t, 2, stats.Vectors)
}

func TestLTMExpire(t *testing.T) {
	f := newLTM(t, flat.NewProvider(), nil, memory.LTMConfig{})
	ctx := context.Background()
	key := memory.UserKey{}
	now := time.Now()

	old := memory.NewMemoryNote("old", "old note", nil, now.Add(-48*time.Hour))
	fresh := memory.NewMemoryNote("fresh", "fresh note", nil, now)
	require.NoError(t, f.ltm.Put(ctx, key, old, unit(dims, 0)))
	require.NoError(t, f.ltm.Put(ctx, key, fresh, unit(dims, 1)))

	n, err := f.ltm.Expire(ctx, key, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.ltm.Get(ctx, key, "old")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = f.ltm.Get(ctx, key, "fresh")
	assert.NoError(t, err)
}

func TestLTMClear(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			f := newLTM(t, provider(), nil, memory.LTMConfig{})
			ctx := context.Background()
			key := memory.Key("u", "")
			other := memory.Key("v", "")

			require.NoError(t, f.ltm.Add(ctx, key, "a", "alpha", nil))
			require.NoError(t, f.ltm.Add(ctx, key, "b", "beta", nil))
			require.NoError(t, f.ltm.Add(ctx, other, "c", "gamma", nil))

			n, err := f.ltm.Clear(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			res, err := f.ltm.Search(ctx, key, "alpha", 10)
			require.NoError(t, err)
			assert.Empty(t, res)

			_, err = f.ltm.Get(ctx, other, "c")
			assert.NoError(t, err, "other tenants survive")

			require.NoError(t, f.ltm.Add(ctx, key, "d", "delta", nil))
			res, err = f.ltm.Search(ctx, key, "delta", 10)
			require.NoError(t, err)
			assert.Len(t, res, 1)
		})
	}
}

func TestLTMInvalidInput(t *testing.T) {
	f := newLTM(t, flat.NewProvider(), nil, memory.LTMConfig{MaxContentBytes: 16})
	ctx := context.Background()
	key := memory.UserKey{}

	assert.ErrorIs(t, f.ltm.Add(ctx, key, "a", "", nil), memory.ErrInvalidInput)
	assert.ErrorIs(t, f.ltm.Add(ctx, key, "a", strings.Repeat("x", 17), nil), memory.ErrInvalidInput)
	assert.ErrorIs(t, f.ltm.Put(ctx, key, note("a", "ok"), []float32{1, 0}), memory.ErrInvalidInput)
	assert.ErrorIs(t, f.ltm.Put(ctx, key, note("", "ok"), unit(dims, 0)), memory.ErrInvalidInput)

	_, err := f.ltm.SearchEmbedding(ctx, key, []float32{1}, "q", 5)
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
	_, err = f.ltm.Search(ctx, key, "q", 5, memory.Filter{Field: "a", Op: "like"})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	_, err = memory.NewLongTermMemory(mock.NewWithDimensions(8), flat.NewProvider(), memory.NewInMemoryDocumentStore(),
		memory.LTMConfig{Dimensions: 4}, nil)
	assert.ErrorIs(t, err, memory.ErrConfig)
}

func TestLTMEmbeddingFailure(t *testing.T) {
	f := newLTM(t, flat.NewProvider(), nil, memory.LTMConfig{})
	f.embedder.Fail(fmt.Errorf("model offline"))

	err := f.ltm.Add(context.Background(), memory.UserKey{}, "a", "alpha", nil)
	assert.ErrorIs(t, err, memory.ErrEmbedding)
	_, err = f.ltm.Search(context.Background(), memory.UserKey{}, "alpha", 1)
	assert.ErrorIs(t, err, memory.ErrEmbedding)
}

func TestLTMStorageFailure(t *testing.T) {
	docs := newFlakyStore()
	f := newLTM(t, flat.NewProvider(), docs, memory.LTMConfig{})
	ctx := context.Background()
	key := memory.UserKey{}

	require.NoError(t, f.ltm.Add(ctx, key, "a", "alpha", nil))
	docs.broken.Store(true)

	err := f.ltm.Add(ctx, key, "b", "beta", nil)
	assert.ErrorIs(t, err, memory.ErrStorage)
	assert.ErrorIs(t, err, errDiskFull)

	_, err = f.ltm.Get(ctx, key, "a")
	assert.ErrorIs(t, err, memory.ErrStorage)
	assert.NotErrorIs(t, err, memory.ErrNotFound)

	_, err = f.ltm.Search(ctx, key, "alpha", 5)
	assert.ErrorIs(t, err, memory.ErrStorage, "search fails loudly instead of returning nothing")
}

func TestLTMSearchEmptyTenant(t *testing.T) {
	f := newLTM(t, flat.NewProvider(), nil, memory.LTMConfig{})
	res, err := f.ltm.Search(context.Background(), memory.Key("nobody", ""), "anything", 5)
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestLTMSearchHugeLimit(t *testing.T) {
	strategies := []memory.SearchStrategy{memory.StrategyAuto, memory.StrategyPrefilter, memory.StrategyOverfetch}
	for name, provider := range providers(t) {
		for _, strategy := range strategies {
			t.Run(name+"/"+string(strategy), func(t *testing.T) {
				f := newLTM(t, provider(), nil, memory.LTMConfig{Strategy: strategy, OverfetchFactor: 3})
				ctx := context.Background()
				key := memory.Key("u", "")

				for i, content := range []string{"alpha note", "beta note", "gamma note"} {
					md := memory.Metadata{"n": memory.Int(i)}
					require.NoError(t, f.ltm.Add(ctx, key, fmt.Sprintf("id%d", i), content, md))
				}
				for _, limit := range []int{math.MaxInt, math.MaxInt / 2, math.MaxInt32} {
					res, err := f.ltm.Search(ctx, key, "note", limit)
					require.NoError(t, err)
					assert.Len(t, res, 3)

					res, err = f.ltm.Search(ctx, key, "note", limit, memory.GreaterThan("n", memory.Int(0)))
					require.NoError(t, err)
					assert.Len(t, res, 2)
				}
			})
		}
	}
}

func TestLTMOverfetchGrowsToOddIndexSize(t *testing.T) {
	plain := newPlainProvider()
	f := newLTM(t, plain, nil, memory.LTMConfig{OverfetchFactor: 1})
	ctx := context.Background()
	key := memory.UserKey{}

	f.embedder.Set("a", []float32{1, 0, 0, 0})
	f.embedder.Set("b", []float32{0.9, 0.1, 0, 0})
	f.embedder.Set("c", []float32{0, 0, 1, 0})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.ltm.Add(ctx, key, id, id, memory.Metadata{"id": memory.String(id)}))
	}

	res, err := f.ltm.Search(ctx, key, "a", 1, memory.Equals("id", memory.String("c")))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "c", res[0].ID)
	assert.Equal(t, int64(3), plain.indexes[key].searches.Load(), "windows of 1, 2, then the whole index")
}

func TestLTMZeroEmbedding(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			f := newLTM(t, provider(), nil, memory.LTMConfig{})
			ctx := context.Background()
			key := memory.Key("u", "")

			note := memory.MemoryNote{ID: "blank", Content: "nothing to embed"}
			require.NoError(t, f.ltm.Put(ctx, key, note, make([]float32, dims)))

			got, err := f.ltm.Get(ctx, key, "blank")
			require.NoError(t, err)
			assert.Equal(t, "nothing to embed", got.Content)

			_, err = f.ltm.SearchEmbedding(ctx, key, []float32{1, 0, 0, 0}, "embed", 5)
			require.NoError(t, err)

			deleted, err := f.ltm.Delete(ctx, key, "blank")
			require.NoError(t, err)
			assert.True(t, deleted)
			_, err = f.ltm.Get(ctx, key, "blank")
			assert.ErrorIs(t, err, memory.ErrNotFound)
		})
	}
}

func TestLTMTenantLoadSurvivesCancelledCaller(t *testing.T) {
	docs := newGatedStore()
	key := memory.Key("u", "")
	require.NoError(t, docs.InMemoryDocumentStore.Put(context.Background(), key, memory.Document{
		ID: "kept", DenseID: 1, Content: "kept", Embedding: []float32{1, 0, 0, 0},
	}))
	f := newLTM(t, flat.NewProvider(), docs, memory.LTMConfig{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.ltm.Count(first, key)
		firstErr <- err
	}()
	<-docs.scanning

	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := f.ltm.Count(context.Background(), key)
		second <- result{n, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	docs.open()
	select {
	case r := <-second:
		require.NoError(t, r.err, "a live caller is not failed by another caller's cancellation")
		assert.Equal(t, 1, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never finished")
	}
}
