// Package mock provides a deterministic embedder for tests and examples.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// Embedder generates deterministic unit vectors from a hash of the text.
// Identical texts always embed identically; different texts are close to
// orthogonal.
type Embedder struct {
	dimensions int

	mu        sync.RWMutex
	overrides map[string][]float32
	err       error

	calls atomic.Int64
}

// New creates a mock embedder with DefaultDimensions.
func New() *Embedder {
	return NewWithDimensions(DefaultDimensions)
}

// NewWithDimensions creates a mock embedder producing n-dimensional vectors.
func NewWithDimensions(n int) *Embedder {
	return &Embedder{
		dimensions: n,
		overrides:  make(map[string][]float32),
	}
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	fixed, ok := m.overrides[text]
	err := m.err
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if ok {
		return append([]float32(nil), fixed...), nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// LCG step, mapped to [-1, 1]
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Set pins the embedding returned for text. Tests use it to build notes
// with known similarities.
func (m *Embedder) Set(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[text] = append([]float32(nil), vec...)
}

// Fail makes every following Embed call return err. nil restores normal
// behaviour.
func (m *Embedder) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls counts Embed invocations.
func (m *Embedder) Calls() int64 { return m.calls.Load() }

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
