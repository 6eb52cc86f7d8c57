// Package cached fronts an Embedder with a ristretto cache so repeated
// texts (retries, duplicate interactions, repeated queries) skip the model.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-memory/memory"
)

// Config sizes the cache.
type Config struct {
	// MaxEntries bounds the number of cached embeddings (default: 10000).
	MaxEntries int64
}

// Embedder caches embeddings by exact text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// New wraps inner.
func New(inner memory.Embedder, cfg Config) (*Embedder, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: inner embedder is required", memory.ErrConfig)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
		Metrics:     true,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding cache: %w", memory.ErrConfig, err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns a cached copy when text was embedded before. Failures are
// not cached.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Dimensions returns the inner embedder's size.
func (e *Embedder) Dimensions() int { return e.inner.Dimensions() }

// Wait blocks until buffered writes are visible to Embed.
func (e *Embedder) Wait() { e.cache.Wait() }

// Hits and Misses report cache effectiveness.
func (e *Embedder) Hits() uint64   { return e.cache.Metrics.Hits() }
func (e *Embedder) Misses() uint64 { return e.cache.Metrics.Misses() }

// Close releases the cache. It does not close inner.
func (e *Embedder) Close() error {
	e.cache.Close()
	return nil
}

var _ memory.Embedder = (*Embedder)(nil)
