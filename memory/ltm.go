package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// LTMConfig configures a LongTermMemory.
type LTMConfig struct {
	// Dimensions is the embedding size. 0 takes it from the Embedder.
	Dimensions      int
	MaxContentBytes int
	Strategy        SearchStrategy
	OverfetchFactor int
	KeywordWeight   float64
}

// LTMStats describes one tenant of long-term memory.
type LTMStats struct {
	Live       int
	Tombstoned int
	Vectors    int
}

// LongTermMemory is the persistent tier: a DocumentStore holding content and
// metadata plus a per-tenant ANN index addressed through an IDMapper.
type LongTermMemory struct {
	embedder Embedder
	indexes  IndexProvider
	docs     DocumentStore
	cfg      LTMConfig
	now      func() time.Time
	logger   *log.Logger

	// counter is shared by every tenant's IDMapper.
	counter atomic.Uint64

	mu      sync.Mutex
	tenants map[UserKey]*ltmTenant
}

type ltmTenant struct {
	ready chan struct{}
	err   error

	mu     sync.RWMutex
	index  Index
	mapper *IDMapper
}

// NewLongTermMemory wires an embedder, an index provider and a document
// store together. logger may be nil.
func NewLongTermMemory(embedder Embedder, indexes IndexProvider, docs DocumentStore, cfg LTMConfig, logger *log.Logger) (*LongTermMemory, error) {
	if embedder == nil || indexes == nil || docs == nil {
		return nil, fmt.Errorf("%w: embedder, index provider and document store are required", ErrConfig)
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = embedder.Dimensions()
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %d", ErrConfig, cfg.Dimensions)
	}
	if embedder.Dimensions() != cfg.Dimensions {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, configured %d", ErrConfig, embedder.Dimensions(), cfg.Dimensions)
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultConfig().MaxContentBytes
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAuto
	}
	if cfg.OverfetchFactor < 1 {
		cfg.OverfetchFactor = DefaultConfig().OverfetchFactor
	}
	if cfg.KeywordWeight < 0 || cfg.KeywordWeight > 1 {
		return nil, fmt.Errorf("%w: keyword weight %v outside [0,1]", ErrConfig, cfg.KeywordWeight)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &LongTermMemory{
		embedder: embedder,
		indexes:  indexes,
		docs:     docs,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.WithPrefix("ltm"),
		tenants:  make(map[UserKey]*ltmTenant),
	}, nil
}

// Dimensions returns the embedding size every vector must match.
func (l *LongTermMemory) Dimensions() int { return l.cfg.Dimensions }

// tenantLoadTimeout bounds a tenant load, which runs detached from the
// context of whichever caller triggered it.
const tenantLoadTimeout = time.Minute

// tenant returns the loaded state for key, loading it on first use.
// Concurrent first callers wait for a single load. A caller whose context
// ends stops waiting without failing the load for the others.
func (l *LongTermMemory) tenant(ctx context.Context, key UserKey) (*ltmTenant, error) {
	l.mu.Lock()
	t, ok := l.tenants[key]
	if !ok {
		t = &ltmTenant{ready: make(chan struct{})}
		l.tenants[key] = t
	}
	l.mu.Unlock()

	if !ok {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tenantLoadTimeout)
		go func() {
			defer cancel()
			t.err = l.load(loadCtx, key, t)
			if t.err != nil {
				l.mu.Lock()
				if l.tenants[key] == t {
					delete(l.tenants, key)
				}
				l.mu.Unlock()
			}
			close(t.ready)
		}()
	}

	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if t.err != nil {
		return nil, t.err
	}
	return t, nil
}

// load opens the tenant's index and rebuilds its IDMapper from the document
// store. An index that comes back empty is refilled from stored embeddings.
func (l *LongTermMemory) load(ctx context.Context, key UserKey, t *ltmTenant) error {
	idx, err := l.indexes.Open(ctx, key, l.cfg.Dimensions)
	if err != nil {
		return storageErr("open index", err)
	}
	mapper := NewIDMapper(&l.counter)
	refill := idx.Len() == 0

	var insertErr error
	restored, reinserted := 0, 0
	err = l.docs.Scan(ctx, key, func(d Document) bool {
		mapper.Restore(d.ID, d.DenseID, d.Tombstoned)
		restored++
		if refill && !d.Tombstoned && len(d.Embedding) == l.cfg.Dimensions {
			if insertErr = idx.Insert(ctx, d.DenseID, d.Embedding); insertErr != nil {
				return false
			}
			reinserted++
		}
		return true
	})
	if err != nil {
		return storageErr("scan documents", err)
	}
	if insertErr != nil {
		return storageErr("rebuild index", insertErr)
	}

	t.index, t.mapper = idx, mapper
	if restored > 0 {
		l.logger.Debug("loaded tenant", "key", key, "documents", restored, "reinserted", reinserted)
	}
	return nil
}

// Add embeds content and stores it under id. Re-adding an id replaces the
// previous version.
func (l *LongTermMemory) Add(ctx context.Context, key UserKey, id, content string, metadata Metadata) error {
	if err := l.validateContent(content); err != nil {
		return err
	}
	vec, err := l.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("%w: embed note %s: %w", ErrEmbedding, id, err)
	}
	now := l.now()
	return l.Put(ctx, key, NewMemoryNote(id, content, metadata, now), vec)
}

// Put stores a note whose embedding is already known. The note's CreatedAt
// is kept when set; UpdatedAt is always stamped now.
func (l *LongTermMemory) Put(ctx context.Context, key UserKey, note MemoryNote, embedding []float32) error {
	if note.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if err := l.validateContent(note.Content); err != nil {
		return err
	}
	if len(embedding) != l.cfg.Dimensions {
		return fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrInvalidInput, len(embedding), l.cfg.Dimensions)
	}

	t, err := l.tenant(ctx, key)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := l.now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	prev, prevErr := l.docs.Get(ctx, key, note.ID)
	if prevErr != nil && !errors.Is(prevErr, ErrNotFound) {
		return storageErr("get document", prevErr)
	}

	dense := t.mapper.Reserve()
	doc := Document{
		ID:        note.ID,
		DenseID:   dense,
		Content:   note.Content,
		Metadata:  note.Metadata.Clone(),
		Embedding: append([]float32(nil), embedding...),
		CreatedAt: note.CreatedAt,
		UpdatedAt: now,
	}
	if err := l.docs.Put(ctx, key, doc); err != nil {
		return storageErr("put document", err)
	}
	if err := t.index.Insert(ctx, dense, embedding); err != nil {
		// Roll the document back so Get never returns what Search cannot find.
		var rbErr error
		if prevErr == nil {
			rbErr = l.docs.Put(ctx, key, prev)
		} else {
			_, rbErr = l.docs.Delete(ctx, key, note.ID)
		}
		if rbErr != nil {
			l.logger.Error("rollback failed", "key", key, "id", note.ID, "err", rbErr)
		}
		return storageErr("insert vector", err)
	}

	previous, replaced := t.mapper.Bind(note.ID, dense)
	if replaced {
		if d, ok := t.index.(Deleter); ok {
			if err := d.Delete(ctx, previous); err != nil {
				l.logger.Warn("stale vector left tombstoned", "key", key, "id", note.ID, "dense", previous, "err", err)
			} else {
				t.mapper.Release(previous)
			}
		}
	}
	return nil
}

// Get looks the note up in the document store. Tombstoned notes are not found.
func (l *LongTermMemory) Get(ctx context.Context, key UserKey, id string) (MemoryNote, error) {
	doc, err := l.docs.Get(ctx, key, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return MemoryNote{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
		return MemoryNote{}, storageErr("get document", err)
	}
	if doc.Tombstoned {
		return MemoryNote{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return doc.Note(), nil
}

// Delete removes id physically when the index can delete, otherwise
// tombstones it. It reports whether a live note was removed.
func (l *LongTermMemory) Delete(ctx context.Context, key UserKey, id string) (bool, error) {
	t, err := l.tenant(ctx, key)
	if err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, err := l.docs.Get(ctx, key, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get document", err)
	}
	if doc.Tombstoned {
		return false, nil
	}

	if d, ok := t.index.(Deleter); ok {
		if err := d.Delete(ctx, doc.DenseID); err != nil {
			return false, storageErr("delete vector", err)
		}
		if _, err := l.docs.Delete(ctx, key, id); err != nil {
			return false, storageErr("delete document", err)
		}
		t.mapper.Remove(id)
		return true, nil
	}

	doc.Tombstoned = true
	doc.UpdatedAt = l.now()
	if err := l.docs.Put(ctx, key, doc); err != nil {
		return false, storageErr("tombstone document", err)
	}
	t.mapper.Tombstone(id)
	return true, nil
}

// Search embeds query and searches the tenant.
func (l *LongTermMemory) Search(ctx context.Context, key UserKey, query string, limit int, filters ...Filter) ([]SearchResult, error) {
	vec, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrEmbedding, err)
	}
	return l.SearchEmbedding(ctx, key, vec, query, limit, filters...)
}

// SearchEmbedding ranks live notes by a hybrid of vector similarity and
// keyword overlap with query. Every filter must match. No hits is an empty
// slice, not an error.
func (l *LongTermMemory) SearchEmbedding(ctx context.Context, key UserKey, vec []float32, query string, limit int, filters ...Filter) ([]SearchResult, error) {
	if len(vec) != l.cfg.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrInvalidInput, len(vec), l.cfg.Dimensions)
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		return []SearchResult{}, nil
	}

	t, err := l.tenant(ctx, key)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.index.Len()
	if size == 0 {
		return []SearchResult{}, nil
	}
	limit = min(limit, size)

	var hits []ltmHit
	fs, canFilter := t.index.(FilteredSearcher)
	switch {
	case canFilter && l.cfg.Strategy != StrategyOverfetch:
		hits, err = l.prefilter(ctx, key, t, fs, vec, limit, filters)
	default:
		if l.cfg.Strategy == StrategyPrefilter && len(filters) > 0 {
			l.logger.Debug("index cannot pre-filter, over-fetching", "key", key)
		}
		hits, err = l.overfetch(ctx, key, t, vec, limit, filters)
	}
	if err != nil {
		return nil, err
	}

	return l.score(hits, query, limit), nil
}

type ltmHit struct {
	doc      Document
	distance float64
}

// prefilter restricts the ANN search to documents that pass every filter.
func (l *LongTermMemory) prefilter(ctx context.Context, key UserKey, t *ltmTenant, fs FilteredSearcher, vec []float32, limit int, filters []Filter) ([]ltmHit, error) {
	var allowed map[uint64]Document
	if len(filters) > 0 {
		allowed = make(map[uint64]Document)
		err := l.docs.Scan(ctx, key, func(d Document) bool {
			if !d.Tombstoned && MatchAll(d.Metadata, filters) {
				allowed[d.DenseID] = d
			}
			return true
		})
		if err != nil {
			return nil, storageErr("scan documents", err)
		}
		if len(allowed) == 0 {
			return nil, nil
		}
	}

	neighbors, err := fs.SearchFiltered(ctx, vec, limit, func(dense uint64) bool {
		if allowed != nil {
			if _, ok := allowed[dense]; !ok {
				return false
			}
		}
		return t.mapper.IsLive(dense)
	})
	if err != nil {
		return nil, storageErr("filtered search", err)
	}

	hits := make([]ltmHit, 0, len(neighbors))
	cache := make(map[uint64]*Document)
	for _, n := range neighbors {
		if doc, ok := allowed[n.DenseID]; ok {
			hits = append(hits, ltmHit{doc: doc, distance: n.Distance})
			continue
		}
		doc, err := l.lookup(ctx, key, t, n.DenseID, cache)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			hits = append(hits, ltmHit{doc: *doc, distance: n.Distance})
		}
	}
	return hits, nil
}

// overfetch asks the index for limit*OverfetchFactor neighbours, drops dead
// and filtered ones, and doubles the window until limit survive or the index
// is exhausted.
func (l *LongTermMemory) overfetch(ctx context.Context, key UserKey, t *ltmTenant, vec []float32, limit int, filters []Filter) ([]ltmHit, error) {
	size := t.index.Len()
	window := size
	if limit <= size/l.cfg.OverfetchFactor {
		window = limit * l.cfg.OverfetchFactor
	}
	cache := make(map[uint64]*Document)

	for {
		k := min(window, size)
		neighbors, err := t.index.Search(ctx, vec, k)
		if err != nil {
			return nil, storageErr("search index", err)
		}

		hits := make([]ltmHit, 0, min(limit, len(neighbors)))
		for _, n := range neighbors {
			doc, err := l.lookup(ctx, key, t, n.DenseID, cache)
			if err != nil {
				return nil, err
			}
			if doc == nil || !MatchAll(doc.Metadata, filters) {
				continue
			}
			hits = append(hits, ltmHit{doc: *doc, distance: n.Distance})
			if len(hits) == limit {
				return hits, nil
			}
		}
		if k >= size || len(neighbors) < k {
			return hits, nil
		}
		if window > size/2 {
			window = size
		} else {
			window *= 2
		}
	}
}

// lookup resolves a dense id to its live document, caching misses as nil.
func (l *LongTermMemory) lookup(ctx context.Context, key UserKey, t *ltmTenant, dense uint64, cache map[uint64]*Document) (*Document, error) {
	if d, ok := cache[dense]; ok {
		return d, nil
	}
	id, live := t.mapper.ID(dense)
	if !live {
		cache[dense] = nil
		return nil, nil
	}
	doc, err := l.docs.Get(ctx, key, id)
	if errors.Is(err, ErrNotFound) {
		cache[dense] = nil
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get document", err)
	}
	if doc.Tombstoned || doc.DenseID != dense {
		cache[dense] = nil
		return nil, nil
	}
	cache[dense] = &doc
	return &doc, nil
}

// score computes the hybrid score, sorts and truncates. The sort is stable
// so equal scores keep the index's distance order.
func (l *LongTermMemory) score(hits []ltmHit, query string, limit int) []SearchResult {
	qt := Tokenize(query)
	w := l.cfg.KeywordWeight
	if len(qt) == 0 {
		w = 0
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		note := h.doc.Note()
		semantic := clamp01(1 - h.distance/2)
		hybrid := (1-w)*semantic + w*keywordOverlap(qt, note)
		results = append(results, SearchResult{
			ID:        note.ID,
			Content:   note.Content,
			RawScore:  hybrid,
			Distance:  h.distance,
			Metadata:  note.Metadata,
			Origin:    OriginLongTerm,
			CreatedAt: note.CreatedAt,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].RawScore > results[j].RawScore })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Compact drops tombstoned vectors from indexes that support it, purges
// tombstoned documents and frees their dense ids. It returns how many
// tombstones were reclaimed.
func (l *LongTermMemory) Compact(ctx context.Context, key UserKey) (int, error) {
	t, err := l.tenant(ctx, key)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.index.(Compactor); ok {
		removed, err := c.Compact(ctx, t.mapper.IsLive)
		if err != nil {
			return 0, storageErr("compact index", err)
		}
		l.logger.Debug("compacted index", "key", key, "vectors", removed)
	}

	var dead []string
	err = l.docs.Scan(ctx, key, func(d Document) bool {
		if d.Tombstoned {
			dead = append(dead, d.ID)
		}
		return true
	})
	if err != nil {
		return 0, storageErr("scan documents", err)
	}
	for _, id := range dead {
		if _, err := l.docs.Delete(ctx, key, id); err != nil {
			return 0, storageErr("purge document", err)
		}
	}
	return len(t.mapper.Purge()), nil
}

// Expire deletes notes created before cutoff and returns how many.
func (l *LongTermMemory) Expire(ctx context.Context, key UserKey, cutoff time.Time) (int, error) {
	var ids []string
	err := l.docs.Scan(ctx, key, func(d Document) bool {
		if !d.Tombstoned && d.CreatedAt.Before(cutoff) {
			ids = append(ids, d.ID)
		}
		return true
	})
	if err != nil {
		return 0, storageErr("scan documents", err)
	}
	n := 0
	for _, id := range ids {
		ok, err := l.Delete(ctx, key, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Clear removes every document and vector of a tenant.
func (l *LongTermMemory) Clear(ctx context.Context, key UserKey) (int, error) {
	t, err := l.tenant(ctx, key)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.mapper.Len()
	if _, err := l.docs.Clear(ctx, key); err != nil {
		return 0, storageErr("clear documents", err)
	}
	if err := l.indexes.Drop(ctx, key); err != nil {
		return 0, storageErr("drop index", err)
	}
	idx, err := l.indexes.Open(ctx, key, l.cfg.Dimensions)
	if err != nil {
		return 0, storageErr("reopen index", err)
	}
	t.index, t.mapper = idx, NewIDMapper(&l.counter)
	return live, nil
}

// Count returns the number of live notes for key.
func (l *LongTermMemory) Count(ctx context.Context, key UserKey) (int, error) {
	t, err := l.tenant(ctx, key)
	if err != nil {
		return 0, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mapper.Len(), nil
}

// Stats reports live, tombstoned and physically stored vector counts.
func (l *LongTermMemory) Stats(ctx context.Context, key UserKey) (LTMStats, error) {
	t, err := l.tenant(ctx, key)
	if err != nil {
		return LTMStats{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return LTMStats{
		Live:       t.mapper.Len(),
		Tombstoned: t.mapper.Tombstones(),
		Vectors:    t.index.Len(),
	}, nil
}

// Tenants lists the keys loaded so far.
func (l *LongTermMemory) Tenants() []UserKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]UserKey, 0, len(l.tenants))
	for k := range l.tenants {
		keys = append(keys, k)
	}
	return keys
}

func (l *LongTermMemory) validateContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len(content) > l.cfg.MaxContentBytes {
		return fmt.Errorf("%w: content is %d bytes, max %d", ErrInvalidInput, len(content), l.cfg.MaxContentBytes)
	}
	return nil
}

// storageErr wraps err with ErrStorage. Context and input errors pass
// through so they never count against the circuit breaker.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrStorage) || errors.Is(err, ErrInvalidInput) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
