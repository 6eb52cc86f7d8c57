// Package postgres implements memory.DocumentStore on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/becomeliminal/nim-memory/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	user_id    TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	id         TEXT NOT NULL,
	dense_id   BIGINT NOT NULL,
	content    TEXT NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding  REAL[],
	tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, session_id, id)
);
CREATE INDEX IF NOT EXISTS memories_tenant_dense_idx ON memories (user_id, session_id, dense_id);
`

// Store keeps LTM documents in a Postgres table.
type Store struct {
	DB *pgxpool.Pool
}

// New connects to Postgres and creates the table if needed.
func New(ctx context.Context, connStr string) (*Store, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	s := &Store{DB: db}
	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memories table: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s != nil && s.DB != nil {
		s.DB.Close()
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key memory.UserKey, doc memory.Document) error {
	md, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO memories (user_id, session_id, id, dense_id, content, metadata, embedding, tombstoned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
		ON CONFLICT (user_id, session_id, id) DO UPDATE SET
			dense_id = EXCLUDED.dense_id,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			tombstoned = EXCLUDED.tombstoned,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		key.UserID, key.SessionID, doc.ID, int64(doc.DenseID), doc.Content, string(md),
		doc.Embedding, doc.Tombstoned, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w", doc.ID, err)
	}
	return nil
}

const selectColumns = `id, dense_id, content, metadata::text, embedding, tombstoned, created_at, updated_at`

func (s *Store) Get(ctx context.Context, key memory.UserKey, id string) (memory.Document, error) {
	row := s.DB.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM memories WHERE user_id = $1 AND session_id = $2 AND id = $3`,
		key.UserID, key.SessionID, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Document{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Document{}, fmt.Errorf("get memory %s: %w", id, err)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, key memory.UserKey, id string) (bool, error) {
	tag, err := s.DB.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND session_id = $2 AND id = $3`,
		key.UserID, key.SessionID, id)
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Scan collects the tenant first so fn may write back to the store.
func (s *Store) Scan(ctx context.Context, key memory.UserKey, fn func(memory.Document) bool) error {
	rows, err := s.DB.Query(ctx,
		`SELECT `+selectColumns+` FROM memories WHERE user_id = $1 AND session_id = $2 ORDER BY dense_id`,
		key.UserID, key.SessionID)
	if err != nil {
		return fmt.Errorf("scan memories: %w", err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Document, error) {
		return scanDocument(row)
	})
	if err != nil {
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
	tag, err := s.DB.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND session_id = $2`,
		key.UserID, key.SessionID)
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDocument(row pgx.Row) (memory.Document, error) {
	var (
		doc    memory.Document
		dense  int64
		mdJSON string
	)
	if err := row.Scan(&doc.ID, &dense, &doc.Content, &mdJSON, &doc.Embedding, &doc.Tombstoned, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return memory.Document{}, err
	}
	doc.DenseID = uint64(dense)
	doc.Metadata = memory.Metadata{}
	if err := json.Unmarshal([]byte(mdJSON), &doc.Metadata); err != nil {
		return memory.Document{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if doc.Metadata == nil {
		doc.Metadata = memory.Metadata{}
	}
	return doc, nil
}

var _ memory.DocumentStore = (*Store)(nil)
