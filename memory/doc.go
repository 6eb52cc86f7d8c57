// Package memory provides a two-tier memory engine for agents.
//
// Notes are written synchronously to a bounded short-term memory (STM) and
// enriched into a persistent long-term memory (LTM). Every store is
// partitioned by UserKey; the zero key is the global bucket.
//
// Architecture:
//   - ShortTermMemory: per-key LRU arena with brute-force cosine search
//   - LongTermMemory: DocumentStore plus a per-key ANN Index, addressed through an IDMapper
//   - IDMapper: note id to dense id mapping with tombstones for indexes that cannot delete
//   - RetrievalProcessor: normalizes both tiers, dedups promoted notes, reranks by recency
//   - Manager: orchestrates writes, background enrichment and hybrid search
//
// Pluggable collaborators:
//   - Embedder: mock (testing), onnx (local model), cached (ristretto front)
//   - Index: chromem-go (persistent, hard delete) or flat (in-memory arena, tombstones)
//   - DocumentStore: in-memory, sqlite or postgres
//   - DeepProcessor: HeuristicDeepProcessor or the Claude-backed processor
//
// Background enrichment is eventually consistent: a note is searchable in STM
// as soon as AddNote returns, and in LTM once a worker has written it. Use
// EnrichSync when the LTM write must complete before AddNote returns.
package memory
