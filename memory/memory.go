package memory

import (
	"context"
	"time"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local), cached (ristretto front for any Embedder).
//
// Failures must be returned as-is; callers wrap them with ErrEmbedding.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// LightProcessor builds STM metadata. It runs inline on every AddNote, so it
// must be cheap, deterministic and infallible.
type LightProcessor interface {
	Process(content string, metadata Metadata) Metadata
}

// DeepProcessor builds enriched LTM metadata. It may be slow (LLM calls) and
// is always run under a timeout. A failure aborts only the LTM write.
type DeepProcessor interface {
	Process(ctx context.Context, content string, base Metadata) (Metadata, error)
}

// Neighbor is one ANN hit. Distance is cosine distance in [0,2].
type Neighbor struct {
	DenseID  uint64
	Distance float64
}

// Index is the per-tenant approximate nearest neighbour index. It only knows
// dense integer ids; the IDMapper translates them to note ids.
//
// Implementations are not assumed to support delete or filtering; those are
// opt-in through Deleter, FilteredSearcher and Compactor.
type Index interface {
	Insert(ctx context.Context, denseID uint64, vector []float32) error

	// Search returns up to k neighbours ordered by ascending distance.
	Search(ctx context.Context, vector []float32, k int) ([]Neighbor, error)

	// Len counts physically stored vectors, tombstoned ones included.
	Len() int
}

// Deleter is implemented by indexes that support true deletion.
type Deleter interface {
	Delete(ctx context.Context, denseID uint64) error
}

// FilteredSearcher is implemented by indexes that can restrict candidates
// before ranking. allow is called with the index's internal lock held and
// must not call back into the index.
type FilteredSearcher interface {
	SearchFiltered(ctx context.Context, vector []float32, k int, allow func(denseID uint64) bool) ([]Neighbor, error)
}

// Compactor is implemented by indexes that can drop dead vectors offline.
type Compactor interface {
	Compact(ctx context.Context, keep func(denseID uint64) bool) (removed int, err error)
}

// IndexProvider opens and drops per-tenant indexes.
type IndexProvider interface {
	Open(ctx context.Context, key UserKey, dimensions int) (Index, error)
	Drop(ctx context.Context, key UserKey) error
}

// Document is the at-rest LTM record.
type Document struct {
	ID         string
	DenseID    uint64
	Content    string
	Metadata   Metadata
	Embedding  []float32
	Tombstoned bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Note converts the document to a MemoryNote.
func (d Document) Note() MemoryNote {
	return MemoryNote{
		ID:        d.ID,
		Content:   d.Content,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// DocumentStore is the durable key/value store behind LTM, keyed by
// (UserKey, note id) and independent of the index's dense ids.
// Implementations: in-memory (this package), sqlite, postgres.
type DocumentStore interface {
	// Put inserts or replaces a document.
	Put(ctx context.Context, key UserKey, doc Document) error

	// Get returns ErrNotFound when absent. Tombstoned documents are returned
	// as stored; filtering them is the caller's job.
	Get(ctx context.Context, key UserKey, id string) (Document, error)

	// Delete removes a document physically and reports whether it existed.
	Delete(ctx context.Context, key UserKey, id string) (bool, error)

	// Scan visits every document of a tenant until fn returns false.
	Scan(ctx context.Context, key UserKey, fn func(Document) bool) error

	// Clear removes every document of a tenant and returns how many.
	Clear(ctx context.Context, key UserKey) (int, error)

	// Close releases resources.
	Close() error
}
