package memory_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

// unit returns a one-hot vector of the given size.
func unit(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func note(id, content string) memory.MemoryNote {
	return memory.NewMemoryNote(id, content, nil, time.Now())
}

func newSTM(t *testing.T, capacity int) *memory.ShortTermMemory {
	t.Helper()
	stm, err := memory.NewShortTermMemory(capacity, 4)
	require.NoError(t, err)
	return stm
}

func TestSTMEvictsLeastRecentlyTouched(t *testing.T) {
	stm := newSTM(t, 3)
	key := memory.Key("u", "")

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("n%d", i)
		require.NoError(t, stm.Add(key, id, note(id, id), unit(4, i)))
	}

	_, ok := stm.Get(key, "n0")
	assert.False(t, ok, "n0 should be evicted")
	for _, id := range []string{"n1", "n2", "n3"} {
		_, ok := stm.Get(key, id)
		assert.True(t, ok, id)
	}
	_, ok = stm.Embedding(key, "n0")
	assert.False(t, ok, "embedding is evicted with its note")
	assert.Equal(t, 3, stm.Len(key))
}

func TestSTMTouchOrdering(t *testing.T) {
	stm := newSTM(t, 2)
	key := memory.UserKey{}

	require.NoError(t, stm.Add(key, "A", note("A", "a"), unit(4, 0)))
	require.NoError(t, stm.Add(key, "B", note("B", "b"), unit(4, 1)))
	_, ok := stm.Get(key, "A")
	require.True(t, ok)
	require.NoError(t, stm.Add(key, "C", note("C", "c"), unit(4, 2)))

	_, ok = stm.Get(key, "B")
	assert.False(t, ok)
	_, ok = stm.Get(key, "A")
	assert.True(t, ok)
	_, ok = stm.Get(key, "C")
	assert.True(t, ok)
}

func TestSTMReplaceDoesNotEvict(t *testing.T) {
	stm := newSTM(t, 2)
	key := memory.UserKey{}

	require.NoError(t, stm.Add(key, "A", note("A", "old"), unit(4, 0)))
	require.NoError(t, stm.Add(key, "B", note("B", "b"), unit(4, 1)))
	require.NoError(t, stm.Add(key, "A", note("A", "new"), unit(4, 2)))

	assert.Equal(t, 2, stm.Len(key))
	got, ok := stm.Get(key, "A")
	require.True(t, ok)
	assert.Equal(t, "new", got.Content)
	_, ok = stm.Get(key, "B")
	assert.True(t, ok)
}

func TestSTMSearch(t *testing.T) {
	stm := newSTM(t, 10)
	key := memory.Key("u", "s")

	require.NoError(t, stm.Add(key, "x", note("x", "x"), []float32{1, 0, 0, 0}))
	require.NoError(t, stm.Add(key, "y", note("y", "y"), []float32{0.8, 0.6, 0, 0}))
	require.NoError(t, stm.Add(key, "z", note("z", "z"), []float32{0, 0, 1, 0}))

	res := stm.Search(key, []float32{1, 0, 0, 0}, 2)
	require.Len(t, res, 2)
	assert.Equal(t, "x", res[0].ID)
	assert.InDelta(t, 1.0, res[0].RawScore, 1e-6)
	assert.Equal(t, "y", res[1].ID)
	assert.InDelta(t, 0.8, res[1].RawScore, 1e-6)
	assert.Equal(t, memory.OriginShortTerm, res[0].Origin)

	assert.Empty(t, stm.Search(memory.Key("nobody", ""), []float32{1, 0, 0, 0}, 5))
	assert.Empty(t, stm.Search(key, []float32{1, 0, 0, 0}, 0))
}

func TestSTMSearchTiesPreferNewest(t *testing.T) {
	stm := newSTM(t, 10)
	key := memory.UserKey{}

	require.NoError(t, stm.Add(key, "first", note("first", "1"), unit(4, 0)))
	require.NoError(t, stm.Add(key, "second", note("second", "2"), unit(4, 0)))

	res := stm.Search(key, unit(4, 0), 2)
	require.Len(t, res, 2)
	assert.Equal(t, "second", res[0].ID)
	assert.Equal(t, "first", res[1].ID)
}

func TestSTMKeysAreIsolated(t *testing.T) {
	stm := newSTM(t, 1)
	alice, bob := memory.Key("alice", ""), memory.Key("bob", "")

	require.NoError(t, stm.Add(alice, "a", note("a", "a"), unit(4, 0)))
	require.NoError(t, stm.Add(bob, "b", note("b", "b"), unit(4, 0)))

	_, ok := stm.Get(alice, "a")
	assert.True(t, ok, "bob's insert must not evict alice's note")
	_, ok = stm.Get(alice, "b")
	assert.False(t, ok)
}

func TestSTMDeleteAndClear(t *testing.T) {
	stm := newSTM(t, 4)
	key := memory.UserKey{}

	require.NoError(t, stm.Add(key, "a", note("a", "a"), unit(4, 0)))
	require.NoError(t, stm.Add(key, "b", note("b", "b"), unit(4, 1)))

	assert.True(t, stm.Delete(key, "a"))
	assert.False(t, stm.Delete(key, "a"))
	assert.False(t, stm.Delete(memory.Key("x", ""), "a"))

	// The freed slot is reused without disturbing the list.
	require.NoError(t, stm.Add(key, "c", note("c", "c"), unit(4, 2)))
	recent := stm.Recent(key, 10)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	assert.Equal(t, 2, stm.Clear(key))
	assert.Equal(t, 0, stm.Len(key))
	assert.Equal(t, 0, stm.Clear(key))
}

func TestSTMValidation(t *testing.T) {
	_, err := memory.NewShortTermMemory(0, 4)
	assert.ErrorIs(t, err, memory.ErrConfig)

	stm := newSTM(t, 2)
	err = stm.Add(memory.UserKey{}, "", note("", "x"), unit(4, 0))
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
	err = stm.Add(memory.UserKey{}, "a", note("a", "x"), []float32{1, 0})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestSTMGetReturnsCopy(t *testing.T) {
	stm := newSTM(t, 2)
	key := memory.UserKey{}
	n := memory.NewMemoryNote("a", "a", memory.Metadata{"k": memory.String("v")}, time.Now())
	require.NoError(t, stm.Add(key, "a", n, unit(4, 0)))

	got, _ := stm.Get(key, "a")
	got.Metadata["k"] = memory.String("changed")

	again, _ := stm.Get(key, "a")
	assert.Equal(t, memory.String("v"), again.Metadata["k"])
}

func TestSTMConcurrentAccess(t *testing.T) {
	stm := newSTM(t, 16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := memory.Key(fmt.Sprintf("u%d", w%2), "")
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("%d-%d", w, i)
				_ = stm.Add(key, id, note(id, id), unit(4, i%4))
				stm.Get(key, id)
				stm.Search(key, unit(4, i%4), 3)
				if i%3 == 0 {
					stm.Delete(key, id)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, stm.Len(memory.Key("u0", "")), 16)
	assert.LessOrEqual(t, stm.Len(memory.Key("u1", "")), 16)
}
