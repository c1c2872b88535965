package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mafa-ai/mafa-core/internal/port/memory"
)

// MemoryStore implements the memory port on Postgres. Relevance ranking uses
// full-text search; when nothing matches the query text it falls back to the
// most recent records for the session so context enrichment still works for
// follow-ups like "how did it do today?".
type MemoryStore struct {
	pool *pgxpool.Pool
}

// NewMemoryStore wraps a connection pool as a memory store.
func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

// Put persists one conversation turn.
func (s *MemoryStore) Put(ctx context.Context, rec memory.Record) error {
	const q = `
		INSERT INTO session_memory (session_id, agent, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	metadata := json.RawMessage(`{}`)
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal memory metadata: %w", err)
		}
		metadata = b
	}

	if _, err := s.pool.Exec(ctx, q, rec.SessionID, rec.Agent, rec.Content, metadata, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Query returns up to topK records for the session, ranked by text relevance,
// falling back to recency when the query matches nothing.
func (s *MemoryStore) Query(ctx context.Context, sessionID, text string, topK int) ([]memory.Record, error) {
	const ranked = `
		SELECT session_id, agent, content, metadata, created_at
		FROM session_memory
		WHERE session_id = $1 AND content_tsv @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $2)) DESC, created_at DESC
		LIMIT $3`

	records, err := s.query(ctx, ranked, sessionID, text, topK)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return records, nil
	}

	const recent = `
		SELECT session_id, agent, content, metadata, created_at
		FROM session_memory
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	return s.query(ctx, recent, sessionID, topK)
}

func (s *MemoryStore) query(ctx context.Context, q string, args ...any) ([]memory.Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var rec memory.Record
		var metadata []byte
		if err := rows.Scan(&rec.SessionID, &rec.Agent, &rec.Content, &metadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &rec.Metadata)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

var _ memory.Store = (*MemoryStore)(nil)
