// Package feedback records whether recalled memories helped, in a SQLite
// table that can share the sqlite document store's database.
package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-memory/memory"
)

// Feedback is the latest verdict for one memory.
type Feedback struct {
	MemoryID  string
	Helpful   bool
	Timestamp time.Time
}

// Store keeps one row per memory; recording again replaces the verdict.
type Store struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// New creates the feedback table in db. The caller keeps ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens a standalone feedback database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open feedback db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, owned: true, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS memory_feedback (
		memory_id TEXT PRIMARY KEY,
		helpful INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("init feedback schema: %w", err)
	}
	return nil
}

// Record stores the verdict for memoryID, replacing any earlier one.
func (s *Store) Record(ctx context.Context, memoryID string, helpful bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_feedback (memory_id, helpful, timestamp) VALUES (?, ?, ?)`,
		memoryID, helpful, s.now().Unix())
	if err != nil {
		return fmt.Errorf("record feedback %s: %w", memoryID, err)
	}
	return nil
}

// Get returns memory.ErrNotFound when memoryID has no feedback.
func (s *Store) Get(ctx context.Context, memoryID string) (Feedback, error) {
	var (
		f  Feedback
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_id, helpful, timestamp FROM memory_feedback WHERE memory_id = ?`, memoryID).
		Scan(&f.MemoryID, &f.Helpful, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Feedback{}, memory.ErrNotFound
	}
	if err != nil {
		return Feedback{}, fmt.Errorf("get feedback %s: %w", memoryID, err)
	}
	f.Timestamp = time.Unix(ts, 0)
	return f, nil
}

// Stats counts helpful and unhelpful verdicts.
func (s *Store) Stats(ctx context.Context) (helpful, notHelpful int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN helpful = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN helpful = 0 THEN 1 ELSE 0 END), 0)
		FROM memory_feedback`).Scan(&helpful, &notHelpful)
	if err != nil {
		return 0, 0, fmt.Errorf("feedback stats: %w", err)
	}
	return helpful, notHelpful, nil
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

var _ memory.FeedbackStore = (*Store)(nil)
