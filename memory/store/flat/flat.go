// Package flat provides an exact, in-memory Index that never deletes in
// place. Dead vectors are skipped through the caller's allow function and
// reclaimed by Compact.
package flat

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/becomeliminal/nim-memory/memory"
)

// Provider hands out one Index per UserKey.
type Provider struct {
	mu      sync.Mutex
	indexes map[memory.UserKey]*Index
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{indexes: make(map[memory.UserKey]*Index)}
}

// Open returns the index for key, creating it on first use.
func (p *Provider) Open(ctx context.Context, key memory.UserKey, dimensions int) (memory.Index, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("open flat index: invalid dimensions %d", dimensions)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.indexes[key]; ok {
		if idx.dimensions != dimensions {
			return nil, fmt.Errorf("%w: index for %s has %d dimensions, want %d",
				memory.ErrInvalidInput, key, idx.dimensions, dimensions)
		}
		return idx, nil
	}
	idx := New(dimensions)
	p.indexes[key] = idx
	return idx, nil
}

// Drop discards the index for key.
func (p *Provider) Drop(ctx context.Context, key memory.UserKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.indexes, key)
	return nil
}

// Index is an arena of vectors scanned exhaustively on every search.
type Index struct {
	dimensions int

	mu      sync.RWMutex
	ids     []uint64
	vectors [][]float32
	slot    map[uint64]int
}

// New creates an empty index.
func New(dimensions int) *Index {
	return &Index{dimensions: dimensions, slot: make(map[uint64]int)}
}

// Insert appends a vector. Re-inserting a dense id overwrites its vector.
func (x *Index) Insert(ctx context.Context, denseID uint64, vector []float32) error {
	if len(vector) != x.dimensions {
		return fmt.Errorf("%w: vector has %d dimensions, want %d", memory.ErrInvalidInput, len(vector), x.dimensions)
	}
	v := append([]float32(nil), vector...)

	x.mu.Lock()
	defer x.mu.Unlock()

	if i, ok := x.slot[denseID]; ok {
		x.vectors[i] = v
		return nil
	}
	x.slot[denseID] = len(x.ids)
	x.ids = append(x.ids, denseID)
	x.vectors = append(x.vectors, v)
	return nil
}

// Search returns the k nearest vectors by cosine distance.
func (x *Index) Search(ctx context.Context, vector []float32, k int) ([]memory.Neighbor, error) {
	return x.SearchFiltered(ctx, vector, k, nil)
}

// SearchFiltered is Search restricted to dense ids allow accepts. A nil
// allow accepts everything.
func (x *Index) SearchFiltered(ctx context.Context, vector []float32, k int, allow func(uint64) bool) ([]memory.Neighbor, error) {
	if len(vector) != x.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", memory.ErrInvalidInput, len(vector), x.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	k = min(k, len(x.ids))
	h := make(maxHeap, 0, k)
	for i, id := range x.ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if allow != nil && !allow(id) {
			continue
		}
		n := memory.Neighbor{DenseID: id, Distance: memory.CosineDistance(vector, x.vectors[i])}
		if len(h) < k {
			heap.Push(&h, n)
		} else if closer(n, h[0]) {
			h[0] = n
			heap.Fix(&h, 0)
		}
	}

	out := make([]memory.Neighbor, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(memory.Neighbor)
	}
	return out, nil
}

// Len counts stored vectors, dead ones included.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Compact rebuilds the arena keeping only ids keep accepts.
func (x *Index) Compact(ctx context.Context, keep func(uint64) bool) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	ids := make([]uint64, 0, len(x.ids))
	vectors := make([][]float32, 0, len(x.vectors))
	slot := make(map[uint64]int, len(x.slot))
	for i, id := range x.ids {
		if !keep(id) {
			continue
		}
		slot[id] = len(ids)
		ids = append(ids, id)
		vectors = append(vectors, x.vectors[i])
	}
	removed := len(x.ids) - len(ids)
	x.ids, x.vectors, x.slot = ids, vectors, slot
	return removed, nil
}

// closer orders by distance, then by lower dense id so results are stable.
func closer(a, b memory.Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.DenseID < b.DenseID
}

// maxHeap keeps the k best neighbours with the worst on top.
type maxHeap []memory.Neighbor

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(memory.Neighbor)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

var (
	_ memory.Index            = (*Index)(nil)
	_ memory.FilteredSearcher = (*Index)(nil)
	_ memory.Compactor        = (*Index)(nil)
	_ memory.IndexProvider    = (*Provider)(nil)
)
