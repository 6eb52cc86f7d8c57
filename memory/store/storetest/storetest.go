// Package storetest holds behaviour tests shared by every
// memory.DocumentStore implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

var (
	alice = memory.Key("alice", "s1")
	bob   = memory.Key("bob", "")
)

// Keys lists the tenants Run writes to.
func Keys() []memory.UserKey { return []memory.UserKey{alice, bob} }

// created is truncated to microseconds, the coarsest precision among the
// backends.
var created = time.Date(2025, 6, 1, 9, 30, 0, 123456000, time.UTC)

func document(id string, dense uint64, content string) memory.Document {
	return memory.Document{
		ID:      id,
		DenseID: dense,
		Content: content,
		Metadata: memory.Metadata{
			memory.KeyKeywords: memory.Strings("deploy", "gateway"),
			memory.KeyCategory: memory.String("task"),
			"priority":         memory.Int(2),
			"urgent":           memory.Bool(true),
		},
		Embedding: []float32{0.25, -0.5, 1, 0},
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
	}
}

// Run exercises newStore's store. Each subtest gets a fresh store; stores
// backed by shared state should be empty for the keys used here.
func Run(t *testing.T, newStore func(t *testing.T) memory.DocumentStore) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ScanOrder", func(t *testing.T) { testScanOrder(t, newStore(t)) })
	t.Run("ScanStops", func(t *testing.T) { testScanStops(t, newStore(t)) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newStore(t)) })
	t.Run("Tombstone", func(t *testing.T) { testTombstone(t, newStore(t)) })
}

func testRoundTrip(t *testing.T, s memory.DocumentStore) {
	ctx := context.Background()
	want := document("n1", 7, "deploy the gateway")
	require.NoError(t, s.Put(ctx, alice, want))

	got, err := s.Get(ctx, alice, "n1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.DenseID, got.DenseID)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.Embedding, got.Embedding)
	assert.False(t, got.Tombstoned)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created %v, got %v", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated %v, got %v", want.UpdatedAt, got.UpdatedAt)

	require.Len(t, got.Metadata, len(want.Metadata))
	for k, v := range want.Metadata {
		assert.True(t, v.Equal(got.Metadata[k]), "metadata %s: want %v, got %v", k, v, got.Metadata[k])
	}

	_, err = s.Get(ctx, bob, "n1")
	assert.ErrorIs(t, err, memory.ErrNotFound, "keys are isolated")
	_, err = s.Get(ctx, alice, "missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func testReplace(t *testing.T, s memory.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, alice, document("n1", 1, "first")))

	updated := document("n1", 2, "second")
	updated.Metadata = memory.Metadata{"v": memory.Int(2)}
	require.NoError(t, s.Put(ctx, alice, updated))

	got, err := s.Get(ctx, alice, "n1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, uint64(2), got.DenseID)
	n, ok := got.Metadata["v"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 2.0, n)
	_, ok = got.Metadata[memory.KeyCategory]
	assert.False(t, ok, "metadata is replaced, not merged")
}

func testDelete(t *testing.T, s memory.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, alice, document("n1", 1, "gone soon")))

	ok, err := s.Delete(ctx, alice, "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, alice, "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, alice, "n1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func testScanOrder(t *testing.T, s memory.DocumentStore) {
	ctx := context.Background()
	for _, dense := range []uint64{5, 1, 3} {
		id := fmt.Sprintf("n%d", dense)
		require.NoError(t, s.Put(ctx, alice, document(id, dense, id)))
	}
	require.NoError(t, s.Put(ctx, bob, document("other", 2, "other tenant")))

	var ids []string
	require.NoError(t, s.Scan(ctx, alice, func(d memory.Document) bool {
		ids = append(ids, d.ID)
		return true
	}))
	assert.Equal(t, []string{"n1", "n3", "n5"}, ids, "dense id order")
}

func testScanStops(t *testing.T, s memory.DocumentStore) {
	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, s.Put(ctx, alice, document(fmt.Sprintf("n%d", i), i, "x")))
	}

	visited := 0
	require.NoError(t, s.Scan(ctx, alice, func(memory.Document) bool {
		visited++
		return visited < 2
	}))
	assert.Equal(t, 2, visited)
}

func testClear(t *testing.T, s memory.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, alice, document("a", 1, "a")))
	require.NoError(t, s.Put(ctx, alice, document("b", 2, "b")))
	require.NoError(t, s.Put(ctx, bob, document("c", 1, "c")))

	n, err := s.Clear(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, alice, "a")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = s.Get(ctx, bob, "c")
	assert.NoError(t, err)
}

func testTombstone(t *testing.T, s memory.DocumentStore) {
	ctx := context.Background()
	doc := document("n1", 1, "dead")
	doc.Tombstoned = true
	doc.Embedding = nil
	require.NoError(t, s.Put(ctx, alice, doc))

	got, err := s.Get(ctx, alice, "n1")
	require.NoError(t, err, "tombstoned documents are returned as stored")
	assert.True(t, got.Tombstoned)
	assert.Empty(t, got.Embedding)
}
