// Package sqlite implements memory.DocumentStore on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-memory/memory"
)

// Store keeps LTM documents in one table keyed by (user, session, id).
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create memory db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention and keeps a
	// ":memory:" database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the connection so other tables (feedback) can share the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memories (
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			id TEXT NOT NULL,
			dense_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			embedding BLOB,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			created_at_ns INTEGER NOT NULL,
			updated_at_ns INTEGER NOT NULL,
			PRIMARY KEY (user_id, session_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS memories_tenant_dense_idx ON memories(user_id, session_id, dense_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key memory.UserKey, doc memory.Document) error {
	md, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (user_id, session_id, id, dense_id, content, metadata_json, embedding, tombstoned, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id, id) DO UPDATE SET
			dense_id = excluded.dense_id,
			content = excluded.content,
			metadata_json = excluded.metadata_json,
			embedding = excluded.embedding,
			tombstoned = excluded.tombstoned,
			created_at_ns = excluded.created_at_ns,
			updated_at_ns = excluded.updated_at_ns`,
		key.UserID, key.SessionID, doc.ID, int64(doc.DenseID), doc.Content, string(md),
		encodeVector(doc.Embedding), boolToInt(doc.Tombstoned),
		doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w", doc.ID, err)
	}
	return nil
}

const selectColumns = `id, dense_id, content, metadata_json, embedding, tombstoned, created_at_ns, updated_at_ns`

func (s *Store) Get(ctx context.Context, key memory.UserKey, id string) (memory.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM memories WHERE user_id = ? AND session_id = ? AND id = ?`,
		key.UserID, key.SessionID, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Document{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Document{}, fmt.Errorf("get memory %s: %w", id, err)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, key memory.UserKey, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND session_id = ? AND id = ?`,
		key.UserID, key.SessionID, id)
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	return n > 0, nil
}

// Scan reads the whole tenant before calling fn so fn may write to the store.
func (s *Store) Scan(ctx context.Context, key memory.UserKey, fn func(memory.Document) bool) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM memories WHERE user_id = ? AND session_id = ? ORDER BY dense_id`,
		key.UserID, key.SessionID)
	if err != nil {
		return fmt.Errorf("scan memories: %w", err)
	}
	var docs []memory.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan memory row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("scan memories: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan memories: %w", err)
	}

	for _, d := range docs {
		if !fn(d) {
			break
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key memory.UserKey) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND session_id = ?`,
		key.UserID, key.SessionID)
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (memory.Document, error) {
	var (
		doc        memory.Document
		dense      int64
		mdJSON     string
		embedding  []byte
		tombstoned int
		created    int64
		updated    int64
	)
	if err := row.Scan(&doc.ID, &dense, &doc.Content, &mdJSON, &embedding, &tombstoned, &created, &updated); err != nil {
		return memory.Document{}, err
	}
	doc.Metadata = memory.Metadata{}
	if err := json.Unmarshal([]byte(mdJSON), &doc.Metadata); err != nil {
		return memory.Document{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if doc.Metadata == nil {
		doc.Metadata = memory.Metadata{}
	}
	vec, err := decodeVector(embedding)
	if err != nil {
		return memory.Document{}, err
	}
	doc.DenseID = uint64(dense)
	doc.Embedding = vec
	doc.Tombstoned = tombstoned != 0
	doc.CreatedAt = time.Unix(0, created)
	doc.UpdatedAt = time.Unix(0, updated)
	return doc, nil
}

// encodeVector packs float32s little-endian, 4 bytes each.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("decode embedding: %d bytes is not a multiple of 4", len(buf))
	}
	if len(buf) == 0 {
		return nil, nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ memory.DocumentStore = (*Store)(nil)
