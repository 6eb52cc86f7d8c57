package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/store/flat"
)

var errDiskFull = errors.New("disk full")

// plainProvider hands out indexes that only implement memory.Index, so LTM
// has to tombstone deletes and over-fetch filtered searches.
type plainProvider struct {
	mu      sync.Mutex
	indexes map[memory.UserKey]*plainIndex
}

func newPlainProvider() *plainProvider {
	return &plainProvider{indexes: make(map[memory.UserKey]*plainIndex)}
}

func (p *plainProvider) Open(ctx context.Context, key memory.UserKey, dimensions int) (memory.Index, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.indexes[key]; ok {
		return idx, nil
	}
	idx := &plainIndex{inner: flat.New(dimensions)}
	p.indexes[key] = idx
	return idx, nil
}

func (p *plainProvider) Drop(ctx context.Context, key memory.UserKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.indexes, key)
	return nil
}

type plainIndex struct {
	inner    *flat.Index
	searches atomic.Int64
}

func (x *plainIndex) Insert(ctx context.Context, denseID uint64, vector []float32) error {
	return x.inner.Insert(ctx, denseID, vector)
}

func (x *plainIndex) Search(ctx context.Context, vector []float32, k int) ([]memory.Neighbor, error) {
	x.searches.Add(1)
	return x.inner.Search(ctx, vector, k)
}

func (x *plainIndex) Len() int { return x.inner.Len() }

// flakyStore is an in-memory document store that fails every call while
// broken is set.
type flakyStore struct {
	*memory.InMemoryDocumentStore
	broken atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryDocumentStore: memory.NewInMemoryDocumentStore()}
}

func (s *flakyStore) Put(ctx context.Context, key memory.UserKey, doc memory.Document) error {
	if s.broken.Load() {
		return errDiskFull
	}
	return s.InMemoryDocumentStore.Put(ctx, key, doc)
}

func (s *flakyStore) Get(ctx context.Context, key memory.UserKey, id string) (memory.Document, error) {
	if s.broken.Load() {
		return memory.Document{}, errDiskFull
	}
	return s.InMemoryDocumentStore.Get(ctx, key, id)
}

func (s *flakyStore) Delete(ctx context.Context, key memory.UserKey, id string) (bool, error) {
	if s.broken.Load() {
		return false, errDiskFull
	}
	return s.InMemoryDocumentStore.Delete(ctx, key, id)
}

func (s *flakyStore) Scan(ctx context.Context, key memory.UserKey, fn func(memory.Document) bool) error {
	if s.broken.Load() {
		return errDiskFull
	}
	return s.InMemoryDocumentStore.Scan(ctx, key, fn)
}

// failingDeep is a DeepProcessor that always fails.
type failingDeep struct{}

func (failingDeep) Process(ctx context.Context, content string, base memory.Metadata) (memory.Metadata, error) {
	return nil, errors.New("model unavailable")
}

// blockingDeep holds every call until unblock.
type blockingDeep struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingDeep() *blockingDeep {
	return &blockingDeep{started: make(chan struct{}, 64), release: make(chan struct{})}
}

func (b *blockingDeep) unblock() { b.once.Do(func() { close(b.release) }) }

func (b *blockingDeep) Process(ctx context.Context, content string, base memory.Metadata) (memory.Metadata, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return base, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// switchDeep fails while fail is set and otherwise defers to the heuristic
// processor.
type switchDeep struct {
	fail atomic.Bool
}

func (s *switchDeep) Process(ctx context.Context, content string, base memory.Metadata) (memory.Metadata, error) {
	if s.fail.Load() {
		return nil, errors.New("model unavailable")
	}
	return memory.HeuristicDeepProcessor{}.Process(ctx, content, base)
}

// stallingEmbedder never answers; Embed returns only when ctx ends.
type stallingEmbedder struct{ dims int }

func (e stallingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (e stallingEmbedder) Dimensions() int { return e.dims }

// gatedStore holds every Scan until open is called, honouring the scan's
// context. scanning receives a value each time a Scan starts.
type gatedStore struct {
	*memory.InMemoryDocumentStore
	gate     chan struct{}
	once     sync.Once
	scanning chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		InMemoryDocumentStore: memory.NewInMemoryDocumentStore(),
		gate:                  make(chan struct{}),
		scanning:              make(chan struct{}, 8),
	}
}

func (s *gatedStore) open() { s.once.Do(func() { close(s.gate) }) }

func (s *gatedStore) Scan(ctx context.Context, key memory.UserKey, fn func(memory.Document) bool) error {
	select {
	case s.scanning <- struct{}{}:
	default:
	}
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.InMemoryDocumentStore.Scan(ctx, key, fn)
}
