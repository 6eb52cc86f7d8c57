package memory

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by this package wraps exactly one of
// these sentinels so callers can branch with errors.Is.
var (
	// ErrNotFound is returned by get/delete paths when an id is unknown or tombstoned.
	ErrNotFound = errors.New("memory not found")

	// ErrEmbedding wraps embedder failures. Fatal for STM writes.
	ErrEmbedding = errors.New("embedding error")

	// ErrStorage wraps LTM index and document store failures.
	ErrStorage = errors.New("storage error")

	// ErrInvalidInput covers empty or oversized content and dimension mismatches.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfig covers bad tenant or limit configuration.
	ErrConfig = errors.New("config error")

	// ErrCircuitOpen is returned while the LTM circuit breaker rejects calls.
	ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", ErrStorage)

	// ErrClosed is returned after Manager.Close.
	ErrClosed = errors.New("memory manager closed")
)
