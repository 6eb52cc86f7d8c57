// Package chromem adapts chromem-go collections to memory.Index.
//
// chromem-go deletes by id, so indexes from this package implement
// memory.Deleter and LTM removes vectors physically instead of tombstoning.
// It has no predicate filtering, so LTM over-fetches for filtered searches.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-memory/memory"
)

// Store wraps a chromem-go DB and hands out one collection per UserKey.
type Store struct {
	db     *chromem.DB
	logger *log.Logger

	mu          sync.RWMutex
	collections map[memory.UserKey]*Index
}

// New creates an in-memory store.
func New() (*Store, error) {
	return newStore(chromem.NewDB()), nil
}

// NewPersistent creates a store that persists every collection under dir.
func NewPersistent(dir string, compress bool) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", dir, err)
	}
	return newStore(db), nil
}

func newStore(db *chromem.DB) *Store {
	return &Store{
		db:          db,
		logger:      log.Default().WithPrefix("chromem"),
		collections: make(map[memory.UserKey]*Index),
	}
}

// Open returns the index for key.
// Each key gets its own collection for namespace isolation.
func (s *Store) Open(ctx context.Context, key memory.UserKey, dimensions int) (memory.Index, error) {
	s.mu.RLock()
	idx, exists := s.collections[key]
	s.mu.RUnlock()

	if exists {
		return idx, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if idx, exists := s.collections[key]; exists {
		return idx, nil
	}

	col, err := s.db.GetOrCreateCollection(
		key.String(),
		map[string]string{"dimensions": strconv.Itoa(dimensions)},
		nil, // No embedding func, vectors are always provided
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	idx = &Index{col: col, dimensions: dimensions, logger: s.logger}
	s.collections[key] = idx
	s.logger.Debug("opened collection", "key", key, "documents", col.Count())
	return idx, nil
}

// Drop deletes the collection for key, on disk too when persistent.
func (s *Store) Drop(ctx context.Context, key memory.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, key)
	if err := s.db.DeleteCollection(key.String()); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *Store) Close() error {
	// chromem-go writes each document on insert; nothing is buffered
	return nil
}

// Index is one chromem-go collection. Document ids are decimal dense ids.
type Index struct {
	col        *chromem.Collection
	dimensions int
	logger     *log.Logger
}

// Insert stores a vector under denseID. chromem-go normalizes vectors, so a
// zero vector is not stored: it is similar to nothing and never ranks.
func (x *Index) Insert(ctx context.Context, denseID uint64, vector []float32) error {
	if len(vector) != x.dimensions {
		return fmt.Errorf("%w: vector has %d dimensions, want %d", memory.ErrInvalidInput, len(vector), x.dimensions)
	}
	if memory.IsZero(vector) {
		x.logger.Debug("zero vector not indexed", "dense", denseID)
		return nil
	}

	doc := chromem.Document{
		ID:        docID(denseID),
		Embedding: append([]float32(nil), vector...),
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search returns the k most similar vectors. chromem-go rejects k larger
// than the collection, so k is clamped first.
func (x *Index) Search(ctx context.Context, vector []float32, k int) ([]memory.Neighbor, error) {
	if len(vector) != x.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", memory.ErrInvalidInput, len(vector), x.dimensions)
	}
	k = min(k, x.col.Count())
	if k <= 0 || memory.IsZero(vector) {
		return nil, nil
	}

	results, err := x.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	neighbors := make([]memory.Neighbor, 0, len(results))
	for i, r := range results {
		id, err := strconv.ParseUint(r.ID, 10, 64)
		if err != nil {
			x.logger.Warn("skipping result", "n", i+1, "id", r.ID, "err", err)
			continue
		}
		neighbors = append(neighbors, memory.Neighbor{
			DenseID:  id,
			Distance: 1 - float64(r.Similarity),
		})
	}
	return neighbors, nil
}

// Delete removes the vector for denseID.
func (x *Index) Delete(ctx context.Context, denseID uint64) error {
	if err := x.col.Delete(ctx, nil, nil, docID(denseID)); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Len counts stored vectors.
func (x *Index) Len() int { return x.col.Count() }

func docID(dense uint64) string { return strconv.FormatUint(dense, 10) }

var (
	_ memory.Index         = (*Index)(nil)
	_ memory.Deleter       = (*Index)(nil)
	_ memory.IndexProvider = (*Store)(nil)
)
