package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Interaction quality limits used by RecordInteraction.
const (
	minInteractionLen = 10
	maxInteractionLen = 10000
)

// FeedbackStore records whether a recalled memory helped.
type FeedbackStore interface {
	Record(ctx context.Context, memoryID string, helpful bool) error
	Stats(ctx context.Context) (helpful, notHelpful int, err error)
}

// SearchOptions narrows a Manager search.
type SearchOptions struct {
	// Context is appended to the query text before embedding.
	Context string

	// Filters apply to both tiers. Every filter must match.
	Filters []Filter
}

// Stats summarizes one UserKey.
type Stats struct {
	Enabled     bool
	STMCount    int
	STMCapacity int
	LTM         LTMStats
	QueueDepth  int
	Breaker     BreakerState
	Helpful     int
	NotHelpful  int
}

// Manager is the entry point to the memory system. It writes every note to
// short-term memory synchronously, enriches it into long-term memory either
// inline or through a bounded worker pool, and answers searches by merging
// both tiers.
//
// A Manager is safe for concurrent use.
type Manager struct {
	cfg       Config
	embedder  Embedder
	stm       *ShortTermMemory
	ltm       *LongTermMemory
	light     LightProcessor
	deep      DeepProcessor
	retrieval *RetrievalProcessor
	breaker   *Breaker
	feedback  FeedbackStore
	metrics   *Metrics
	logger    *log.Logger
	now       func() time.Time

	enabled atomic.Bool
	closed  atomic.Bool

	queue *enrichQueue

	// base bounds background work; cancelled when Close gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]*pendingJob

	stop        chan struct{}
	compactDone chan struct{}
}

type pendingJob struct {
	refs      int
	cancelled bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: log.Default().
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics reports to m. Default: no metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLightProcessor replaces KeywordLightProcessor.
func WithLightProcessor(p LightProcessor) Option {
	return func(m *Manager) { m.light = p }
}

// WithDeepProcessor replaces HeuristicDeepProcessor.
func WithDeepProcessor(p DeepProcessor) Option {
	return func(m *Manager) { m.deep = p }
}

// WithFeedback enables Manager.Feedback.
func WithFeedback(f FeedbackStore) Option {
	return func(m *Manager) { m.feedback = f }
}

// WithClock overrides time.Now for timestamps, recency and the breaker.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds both tiers from cfg and starts background workers.
// Call Close to stop them.
func NewManager(cfg Config, embedder Embedder, indexes IndexProvider, docs DocumentStore, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrConfig)
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = embedder.Dimensions()
	}

	m := &Manager{
		cfg:      cfg,
		embedder: embedder,
		light:    KeywordLightProcessor{},
		deep:     HeuristicDeepProcessor{},
		logger:   log.Default(),
		now:      time.Now,
		pending:  make(map[string]*pendingJob),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithPrefix("memory")

	var err error
	if m.stm, err = NewShortTermMemory(cfg.STMCapacity, cfg.Dimensions); err != nil {
		return nil, err
	}
	m.stm.onEvict = func(UserKey, string) { m.metrics.evicted() }

	m.ltm, err = NewLongTermMemory(embedder, indexes, docs, LTMConfig{
		Dimensions:      cfg.Dimensions,
		MaxContentBytes: cfg.MaxContentBytes,
		Strategy:        cfg.SearchStrategy,
		OverfetchFactor: cfg.OverfetchFactor,
		KeywordWeight:   cfg.KeywordWeight,
	}, m.logger)
	if err != nil {
		return nil, err
	}
	m.ltm.now = m.now

	if m.retrieval, err = NewRetrievalProcessor(cfg.TemporalWeight, cfg.HalfLife, m.now); err != nil {
		return nil, err
	}
	m.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, m.now)
	m.enabled.Store(cfg.Enabled)
	m.base, m.cancel = context.WithCancel(context.Background())

	if cfg.EnrichmentMode == EnrichAsync {
		m.queue = newEnrichQueue(cfg.Workers, cfg.QueueSize, m.runJob, m.metrics)
		m.queue.start()
	}
	if cfg.CompactionInterval > 0 {
		m.stop = make(chan struct{})
		m.compactDone = make(chan struct{})
		go m.compactLoop()
	}

	m.logger.Info("memory manager started",
		"mode", cfg.EnrichmentMode,
		"stm_capacity", cfg.STMCapacity,
		"dimensions", cfg.Dimensions)
	return m, nil
}

// Enabled reports whether the manager is accepting writes and searches.
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// SetEnabled toggles the manager. A disabled manager returns empty ids and
// results without touching storage.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	m.logger.Info("memory toggled", "enabled", enabled)
}

// AddNote writes content to STM and schedules LTM enrichment. It returns the
// new note's id.
//
// In sync mode an enrichment failure is returned together with the id, since
// the STM write has already happened. In async mode enrichment failures are
// only logged.
func (m *Manager) AddNote(ctx context.Context, content string, metadata Metadata, key UserKey) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	if !m.Enabled() {
		return "", nil
	}
	if err := m.validateContent(content); err != nil {
		return "", err
	}
	vec, err := m.embed(ctx, content)
	if err != nil {
		return "", err
	}
	return m.addNote(ctx, key, content, metadata, vec)
}

func (m *Manager) addNote(ctx context.Context, key UserKey, content string, metadata Metadata, vec []float32) (string, error) {
	id := uuid.NewString()
	md := m.light.Process(content, metadata)
	if md == nil {
		md = Metadata{}
	}
	if key.UserID != "" {
		md[KeyUserID] = String(key.UserID)
	}
	if key.SessionID != "" {
		md[KeySession] = String(key.SessionID)
	}

	note := NewMemoryNote(id, content, md, m.now())
	if err := m.stm.Add(key, id, note, vec); err != nil {
		return "", fmt.Errorf("add note to stm: %w", err)
	}
	m.metrics.noteAdded("stm")

	job := enrichJob{key: key, note: note.Clone(), embedding: vec, queued: m.now()}
	if m.queue == nil {
		if err := m.enrich(ctx, job); err != nil {
			return id, err
		}
		return id, nil
	}

	m.track(id)
	if err := m.queue.enqueue(ctx, job); err != nil {
		m.untrack(id)
		m.metrics.enrichmentFailed("queue")
		m.logger.Warn("enrichment dropped", "key", key, "id", id, "err", err)
	}
	return id, nil
}

// RecordInteraction stores a user/assistant exchange as one note. Exchanges
// that are too short, too long, look like error output, or nearly duplicate
// a note already in STM are skipped and yield an empty id.
func (m *Manager) RecordInteraction(ctx context.Context, key UserKey, user, assistant string) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	if !m.Enabled() {
		return "", nil
	}
	if !ShouldStore(user, assistant) {
		m.logger.Debug("skipping low-quality interaction", "key", key)
		return "", nil
	}

	content := fmt.Sprintf("User: %s\nAssistant: %s", user, assistant)
	if err := m.validateContent(content); err != nil {
		return "", err
	}
	vec, err := m.embed(ctx, content)
	if err != nil {
		return "", err
	}
	if hits := m.stm.Search(key, vec, 1); len(hits) > 0 && hits[0].RawScore > m.cfg.DuplicateThreshold {
		m.logger.Info("skipping duplicate memory", "key", key, "similar_to", hits[0].ID,
			"similarity", fmt.Sprintf("%.3f", hits[0].RawScore))
		return "", nil
	}
	return m.addNote(ctx, key, content, Metadata{"source": String("interaction")}, vec)
}

// ShouldStore is the quality gate for RecordInteraction.
func ShouldStore(user, assistant string) bool {
	if len(user) < minInteractionLen || len(assistant) < minInteractionLen {
		return false
	}
	if len(user) > maxInteractionLen || len(assistant) > maxInteractionLen {
		return false
	}
	if strings.Contains(assistant, "Error:") ||
		strings.Contains(assistant, "Failed to") ||
		strings.Contains(assistant, "error[E") ||
		strings.HasPrefix(assistant, "error:") {
		return false
	}
	return true
}

// Get returns the note from STM if cached, otherwise from LTM. The two tiers
// may briefly disagree on metadata while enrichment is in flight.
func (m *Manager) Get(ctx context.Context, id string, key UserKey) (MemoryNote, error) {
	if m.closed.Load() {
		return MemoryNote{}, ErrClosed
	}
	if !m.Enabled() {
		return MemoryNote{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if note, ok := m.stm.Get(key, id); ok {
		return note, nil
	}
	var note MemoryNote
	err := m.guard(func() error {
		var err error
		note, err = m.ltm.Get(ctx, key, id)
		return err
	})
	return note, err
}

// Delete removes id from both tiers and cancels its pending enrichment.
// It reports whether either tier held the note.
func (m *Manager) Delete(ctx context.Context, id string, key UserKey) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	fromSTM := m.stm.Delete(key, id)
	m.cancelPending(id)

	var fromLTM bool
	err := m.guard(func() error {
		var err error
		fromLTM, err = m.ltm.Delete(ctx, key, id)
		return err
	})
	if err != nil {
		return fromSTM, err
	}
	return fromSTM || fromLTM, nil
}

// Search embeds query (plus opts.Context) once and queries both tiers
// concurrently, then merges and reranks. No matches is an empty slice; an
// error means a tier was unavailable.
func (m *Manager) Search(ctx context.Context, query string, limit int, key UserKey, opts SearchOptions) ([]SearchResult, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if !m.Enabled() || limit <= 0 {
		return []SearchResult{}, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	for _, f := range opts.Filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}

	text := query
	if opts.Context != "" {
		text = query + "\n" + opts.Context
	}
	vec, err := m.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	var stmHits, ltmHits []SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		defer func() { m.metrics.observeSearch("stm", time.Since(start).Seconds()) }()

		if len(opts.Filters) == 0 {
			stmHits = m.stm.Search(key, vec, limit)
			return nil
		}
		// STM has no filter support; rank the whole bucket and filter after.
		all := m.stm.Search(key, vec, m.stm.Capacity())
		stmHits = all[:0]
		for _, r := range all {
			if MatchAll(r.Metadata, opts.Filters) {
				stmHits = append(stmHits, r)
				if len(stmHits) == limit {
					break
				}
			}
		}
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		defer func() { m.metrics.observeSearch("ltm", time.Since(start).Seconds()) }()

		return m.guard(func() error {
			var err error
			ltmHits, err = m.ltm.SearchEmbedding(gctx, key, vec, text, limit, opts.Filters...)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	results := m.retrieval.Merge(stmHits, ltmHits, limit)
	m.logger.Debug("search", "key", key, "query", truncateLog(query, 50),
		"stm", len(stmHits), "ltm", len(ltmHits), "returned", len(results))
	return results, nil
}

// Promote writes an STM note into LTM immediately, bypassing the queue.
// It reports false when the note is not in STM.
func (m *Manager) Promote(ctx context.Context, id string, key UserKey) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	note, ok := m.stm.Get(key, id)
	if !ok {
		return false, nil
	}
	vec, ok := m.stm.Embedding(key, id)
	if !ok {
		return false, nil
	}
	if err := m.enrich(ctx, enrichJob{key: key, note: note, embedding: vec, queued: m.now()}); err != nil {
		return false, err
	}
	return true, nil
}

// ListRecent returns up to limit STM notes, most recently used first.
func (m *Manager) ListRecent(key UserKey, limit int) []MemoryNote {
	if !m.Enabled() {
		return nil
	}
	return m.stm.Recent(key, limit)
}

// Clear drops every note for key from both tiers. The count is the sum over
// both tiers, so a note held in each counts twice.
func (m *Manager) Clear(ctx context.Context, key UserKey) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	n := m.stm.Clear(key)
	var fromLTM int
	err := m.guard(func() error {
		var err error
		fromLTM, err = m.ltm.Clear(ctx, key)
		return err
	})
	if err != nil {
		return n, err
	}
	m.logger.Info("cleared memories", "key", key, "stm", n, "ltm", fromLTM)
	return n + fromLTM, nil
}

// Stats reports counts for key plus manager-wide state.
func (m *Manager) Stats(ctx context.Context, key UserKey) (Stats, error) {
	s := Stats{
		Enabled:     m.Enabled(),
		STMCount:    m.stm.Len(key),
		STMCapacity: m.stm.Capacity(),
		Breaker:     m.breaker.State(),
	}
	if m.queue != nil {
		s.QueueDepth = m.queue.depth()
	}
	err := m.guard(func() error {
		var err error
		s.LTM, err = m.ltm.Stats(ctx, key)
		return err
	})
	if err != nil {
		return s, err
	}
	if m.feedback != nil {
		if s.Helpful, s.NotHelpful, err = m.feedback.Stats(ctx); err != nil {
			return s, fmt.Errorf("feedback stats: %w", err)
		}
	}
	return s, nil
}

// Feedback records whether a recalled memory was helpful. It needs
// WithFeedback.
func (m *Manager) Feedback(ctx context.Context, id string, helpful bool) error {
	if m.feedback == nil {
		return fmt.Errorf("%w: no feedback store configured", ErrConfig)
	}
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if err := m.feedback.Record(ctx, id, helpful); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// Compact runs LTM maintenance for key: expiry (when Retention is set) and
// tombstone compaction.
func (m *Manager) Compact(ctx context.Context, key UserKey) (int, error) {
	var expired, reclaimed int
	err := m.guard(func() error {
		var err error
		if m.cfg.Retention > 0 {
			if expired, err = m.ltm.Expire(ctx, key, m.now().Add(-m.cfg.Retention)); err != nil {
				return err
			}
		}
		reclaimed, err = m.ltm.Compact(ctx, key)
		return err
	})
	if expired > 0 || reclaimed > 0 {
		m.logger.Info("compacted", "key", key, "expired", expired, "reclaimed", reclaimed)
	}
	return reclaimed, err
}

// Close stops compaction, stops accepting enrichment and waits for queued
// jobs until ctx ends. Jobs still running then are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.stop != nil {
		close(m.stop)
		<-m.compactDone
	}
	var err error
	if m.queue != nil {
		if err = m.queue.close(ctx); err != nil {
			m.logger.Warn("enrichment queue not drained", "pending", m.queue.depth(), "err", err)
		}
	}
	m.cancel()
	m.logger.Info("memory manager closed")
	return err
}

// enrich runs the deep processor, derives links and writes the note to LTM.
func (m *Manager) enrich(ctx context.Context, job enrichJob) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DeepTimeout)
	defer cancel()

	md, err := m.deep.Process(ctx, job.note.Content, job.note.Metadata.Clone())
	if err != nil {
		m.metrics.enrichmentFailed("deep")
		return fmt.Errorf("deep process %s: %w", job.note.ID, err)
	}
	if md == nil {
		md = job.note.Metadata.Clone()
	}

	if m.cfg.LinkCandidates > 0 {
		links, err := m.deriveLinks(ctx, job)
		if err != nil {
			m.logger.Warn("link derivation failed", "key", job.key, "id", job.note.ID, "err", err)
		} else if len(links) > 0 {
			vals := make([]Value, len(links))
			for i, l := range links {
				vals[i] = l.Value()
			}
			md[KeyLinks] = Array(vals...)
		}
	}

	note := job.note
	note.Metadata = md
	err = m.guard(func() error { return m.ltm.Put(ctx, job.key, note, job.embedding) })
	if err != nil {
		m.metrics.enrichmentFailed("ltm")
		return fmt.Errorf("write ltm %s: %w", job.note.ID, err)
	}
	m.metrics.noteAdded("ltm")
	return nil
}

// deriveLinks finds the closest existing LTM notes above LinkThreshold.
func (m *Manager) deriveLinks(ctx context.Context, job enrichJob) ([]Link, error) {
	var hits []SearchResult
	err := m.guard(func() error {
		var err error
		hits, err = m.ltm.SearchEmbedding(ctx, job.key, job.embedding, job.note.Content, m.cfg.LinkCandidates+1)
		return err
	})
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, m.cfg.LinkCandidates)
	for _, h := range hits {
		if h.ID == job.note.ID || h.RawScore < m.cfg.LinkThreshold {
			continue
		}
		links = append(links, Link{ID: h.ID, Type: "related", Strength: h.RawScore})
		if len(links) == m.cfg.LinkCandidates {
			break
		}
	}
	return links, nil
}

// runJob is the worker-side handler for queued enrichment.
func (m *Manager) runJob(job enrichJob) {
	id := job.note.ID
	defer m.untrack(id)

	if m.isCancelled(id) {
		return
	}
	if err := m.enrich(m.base, job); err != nil {
		m.logger.Error("background enrichment failed", "key", job.key, "id", id,
			"waited", m.now().Sub(job.queued), "err", err)
		return
	}
	// A Delete that raced the write must still win.
	if m.isCancelled(id) {
		if _, err := m.ltm.Delete(m.base, job.key, id); err != nil {
			m.logger.Warn("failed to drop cancelled note", "key", job.key, "id", id, "err", err)
		}
	}
}

func (m *Manager) track(id string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		p = &pendingJob{}
		m.pending[id] = p
	}
	p.refs++
}

func (m *Manager) untrack(id string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return
	}
	if p.refs--; p.refs <= 0 {
		delete(m.pending, id)
	}
}

func (m *Manager) cancelPending(id string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if p, ok := m.pending[id]; ok {
		p.cancelled = true
	}
}

func (m *Manager) isCancelled(id string) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	p, ok := m.pending[id]
	return ok && p.cancelled
}

// guard runs an LTM call through the circuit breaker.
func (m *Manager) guard(fn func() error) error {
	if err := m.breaker.Allow(); err != nil {
		return err
	}
	err := fn()
	m.breaker.Record(err)
	m.metrics.breaker(m.breaker.State())
	return err
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EmbedTimeout)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(vec) != m.cfg.Dimensions {
		return nil, fmt.Errorf("%w: embedder returned %d dimensions, want %d", ErrInvalidInput, len(vec), m.cfg.Dimensions)
	}
	return vec, nil
}

func (m *Manager) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len(content) > m.cfg.MaxContentBytes {
		return fmt.Errorf("%w: content is %d bytes, max %d", ErrInvalidInput, len(content), m.cfg.MaxContentBytes)
	}
	return nil
}

func (m *Manager) compactLoop() {
	defer close(m.compactDone)
	ticker := time.NewTicker(m.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			for _, key := range m.ltm.Tenants() {
				if _, err := m.Compact(m.base, key); err != nil && !errors.Is(err, ErrCircuitOpen) {
					m.logger.Warn("compaction failed", "key", key, "err", err)
				}
			}
		}
	}
}

// FormatResults renders results as a numbered block for prompt injection,
// sharing maxTotal characters between them.
func FormatResults(results []SearchResult, maxTotal int) string {
	if len(results) == 0 {
		return ""
	}

	var parts []string
	parts = append(parts, "=== RELEVANT MEMORIES ===\n")

	// Calculate max length per memory
	maxPer := maxTotal / len(results)
	if maxPer < 100 {
		maxPer = 100 // Minimum reasonable length
	}
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("%d. %s\n", i+1, r.Format(maxPer)))
	}
	return strings.Join(parts, "\n")
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return Clip(s, maxLen) + "..."
}
