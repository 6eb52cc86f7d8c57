package memory

import (
	"fmt"
	"sort"
	"sync"
)

const nilNode = -1

// ShortTermMemory is a per-UserKey bounded cache with LRU eviction and
// brute-force cosine search over in-memory embeddings.
type ShortTermMemory struct {
	capacity   int
	dimensions int

	mu      sync.RWMutex
	buckets map[UserKey]*stmBucket

	// onEvict is called with the bucket lock held.
	onEvict func(key UserKey, id string)
}

// NewShortTermMemory creates an STM holding at most capacity notes per
// bucket. dimensions of 0 disables the dimension check.
func NewShortTermMemory(capacity, dimensions int) (*ShortTermMemory, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: stm capacity must be >= 1, got %d", ErrConfig, capacity)
	}
	if dimensions < 0 {
		return nil, fmt.Errorf("%w: negative dimensions %d", ErrConfig, dimensions)
	}
	return &ShortTermMemory{
		capacity:   capacity,
		dimensions: dimensions,
		buckets:    make(map[UserKey]*stmBucket),
	}, nil
}

// Capacity returns the per-bucket capacity.
func (s *ShortTermMemory) Capacity() int { return s.capacity }

// bucket returns the bucket for key, creating it when create is set.
func (s *ShortTermMemory) bucket(key UserKey, create bool) *stmBucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := s.buckets[key]; ok {
		return b
	}
	b = newSTMBucket(s.capacity)
	s.buckets[key] = b
	return b
}

// Add inserts or replaces a note. A new id in a full bucket evicts the least
// recently touched entry first. Replacing an existing id never evicts.
func (s *ShortTermMemory) Add(key UserKey, id string, note MemoryNote, embedding []float32) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if s.dimensions > 0 && len(embedding) != s.dimensions {
		return fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrInvalidInput, len(embedding), s.dimensions)
	}
	note.ID = id
	embedding = append([]float32(nil), embedding...)

	b := s.bucket(key, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	if evicted, ok := b.put(id, note, embedding); ok && s.onEvict != nil {
		s.onEvict(key, evicted)
	}
	return nil
}

// Get returns a copy of the note and marks it most recently used.
func (s *ShortTermMemory) Get(key UserKey, id string) (MemoryNote, bool) {
	b := s.bucket(key, false)
	if b == nil {
		return MemoryNote{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[id]
	if !ok {
		return MemoryNote{}, false
	}
	b.touch(i)
	return b.nodes[i].note.Clone(), true
}

// Embedding returns a copy of the stored embedding without touching the entry.
func (s *ShortTermMemory) Embedding(key UserKey, id string) ([]float32, bool) {
	b := s.bucket(key, false)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), b.nodes[i].embedding...), true
}

// Search ranks every note in the bucket by cosine similarity to query.
// Ties go to the most recently inserted note. Search does not touch entries.
func (s *ShortTermMemory) Search(key UserKey, query []float32, limit int) []SearchResult {
	if limit <= 0 {
		return []SearchResult{}
	}
	b := s.bucket(key, false)
	if b == nil {
		return []SearchResult{}
	}

	type scored struct {
		node int
		sim  float64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	hits := make([]scored, 0, len(b.index))
	for i := b.head; i != nilNode; i = b.nodes[i].next {
		hits = append(hits, scored{node: i, sim: CosineSimilarity(query, b.nodes[i].embedding)})
	}
	sort.Slice(hits, func(x, y int) bool {
		if hits[x].sim != hits[y].sim {
			return hits[x].sim > hits[y].sim
		}
		return b.nodes[hits[x].node].seq > b.nodes[hits[y].node].seq
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		n := b.nodes[h.node].note
		results[i] = SearchResult{
			ID:        n.ID,
			Content:   n.Content,
			RawScore:  h.sim,
			Distance:  1 - h.sim,
			Metadata:  n.Metadata.Clone(),
			Origin:    OriginShortTerm,
			CreatedAt: n.CreatedAt,
		}
	}
	return results
}

// Delete removes the note and its embedding.
func (s *ShortTermMemory) Delete(key UserKey, id string) bool {
	b := s.bucket(key, false)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[id]
	if !ok {
		return false
	}
	b.remove(i)
	return true
}

// Recent returns up to limit notes, most recently used first.
func (s *ShortTermMemory) Recent(key UserKey, limit int) []MemoryNote {
	b := s.bucket(key, false)
	if b == nil || limit <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	notes := make([]MemoryNote, 0, min(limit, len(b.index)))
	for i := b.head; i != nilNode && len(notes) < limit; i = b.nodes[i].next {
		notes = append(notes, b.nodes[i].note.Clone())
	}
	return notes
}

// Len counts notes in the bucket.
func (s *ShortTermMemory) Len(key UserKey) int {
	b := s.bucket(key, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

// Clear drops the whole bucket and returns how many notes it held.
func (s *ShortTermMemory) Clear(key UserKey) int {
	s.mu.Lock()
	b, ok := s.buckets[key]
	delete(s.buckets, key)
	s.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index)
}

// stmBucket is an arena of nodes threaded on a doubly linked list, head
// being most recently used. Freed slots are reused through free.
type stmBucket struct {
	mu       sync.Mutex
	capacity int
	nodes    []stmNode
	index    map[string]int
	free     []int
	head     int
	tail     int
	seq      uint64
}

type stmNode struct {
	id         string
	note       MemoryNote
	embedding  []float32
	seq        uint64
	prev, next int
}

func newSTMBucket(capacity int) *stmBucket {
	return &stmBucket{
		capacity: capacity,
		nodes:    make([]stmNode, 0, capacity),
		index:    make(map[string]int, capacity),
		head:     nilNode,
		tail:     nilNode,
	}
}

// put inserts or replaces id and returns the id it evicted, if any.
func (b *stmBucket) put(id string, note MemoryNote, embedding []float32) (string, bool) {
	b.seq++
	if i, ok := b.index[id]; ok {
		b.nodes[i].note = note
		b.nodes[i].embedding = embedding
		b.nodes[i].seq = b.seq
		b.touch(i)
		return "", false
	}

	var evicted string
	var didEvict bool
	if len(b.index) >= b.capacity {
		evicted, didEvict = b.nodes[b.tail].id, true
		b.remove(b.tail)
	}

	n := stmNode{id: id, note: note, embedding: embedding, seq: b.seq, prev: nilNode, next: nilNode}
	var i int
	if k := len(b.free); k > 0 {
		i = b.free[k-1]
		b.free = b.free[:k-1]
		b.nodes[i] = n
	} else {
		i = len(b.nodes)
		b.nodes = append(b.nodes, n)
	}
	b.index[id] = i
	b.pushFront(i)
	return evicted, didEvict
}

func (b *stmBucket) touch(i int) {
	if b.head == i {
		return
	}
	b.unlink(i)
	b.pushFront(i)
}

func (b *stmBucket) remove(i int) {
	b.unlink(i)
	delete(b.index, b.nodes[i].id)
	b.nodes[i] = stmNode{prev: nilNode, next: nilNode}
	b.free = append(b.free, i)
}

func (b *stmBucket) pushFront(i int) {
	b.nodes[i].prev = nilNode
	b.nodes[i].next = b.head
	if b.head != nilNode {
		b.nodes[b.head].prev = i
	}
	b.head = i
	if b.tail == nilNode {
		b.tail = i
	}
}

func (b *stmBucket) unlink(i int) {
	n := &b.nodes[i]
	if n.prev != nilNode {
		b.nodes[n.prev].next = n.next
	} else {
		b.head = n.next
	}
	if n.next != nilNode {
		b.nodes[n.next].prev = n.prev
	} else {
		b.tail = n.prev
	}
	n.prev, n.next = nilNode, nilNode
}
