package memory

import (
	"context"
	"sort"
	"sync"
)

// InMemoryDocumentStore is a DocumentStore backed by maps. It is the
// default for tests and for deployments that do not need durability.
type InMemoryDocumentStore struct {
	mu      sync.RWMutex
	tenants map[UserKey]map[string]Document
}

// NewInMemoryDocumentStore creates an empty store.
func NewInMemoryDocumentStore() *InMemoryDocumentStore {
	return &InMemoryDocumentStore{tenants: make(map[UserKey]map[string]Document)}
}

func (s *InMemoryDocumentStore) Put(ctx context.Context, key UserKey, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.tenants[key]
	if !ok {
		docs = make(map[string]Document)
		s.tenants[key] = docs
	}
	docs[doc.ID] = copyDocument(doc)
	return nil
}

func (s *InMemoryDocumentStore) Get(ctx context.Context, key UserKey, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.tenants[key][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *InMemoryDocumentStore) Delete(ctx context.Context, key UserKey, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.tenants[key]
	if _, ok := docs[id]; !ok {
		return false, nil
	}
	delete(docs, id)
	return true, nil
}

// Scan visits documents in dense id order so rebuilds are deterministic.
func (s *InMemoryDocumentStore) Scan(ctx context.Context, key UserKey, fn func(Document) bool) error {
	s.mu.RLock()
	docs := make([]Document, 0, len(s.tenants[key]))
	for _, d := range s.tenants[key] {
		docs = append(docs, copyDocument(d))
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].DenseID < docs[j].DenseID })
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(d) {
			return nil
		}
	}
	return nil
}

func (s *InMemoryDocumentStore) Clear(ctx context.Context, key UserKey) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tenants[key])
	delete(s.tenants, key)
	return n, nil
}

func (s *InMemoryDocumentStore) Close() error { return nil }

func copyDocument(d Document) Document {
	d.Metadata = d.Metadata.Clone()
	d.Embedding = append([]float32(nil), d.Embedding...)
	return d
}
