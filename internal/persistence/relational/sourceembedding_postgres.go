package relational

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresSourceEmbeddingStore struct{ pool *pgxpool.Pool }

// NewPostgresSourceEmbeddingStore ensures the source_embeddings table exists.
func NewPostgresSourceEmbeddingStore(ctx context.Context, pool *pgxpool.Pool) (SourceEmbeddingStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS source_embeddings (
			source_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			strategy TEXT NOT NULL,
			start_byte INT NOT NULL,
			end_byte INT NOT NULL,
			chunk_text TEXT NOT NULL,
			chunk_hash TEXT NOT NULL,
			source_hash TEXT NOT NULL,
			embedding JSONB NOT NULL,
			model TEXT NOT NULL,
			dimensions INT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (source_id, chunk_index, strategy)
		)`,
		`CREATE INDEX IF NOT EXISTS source_embeddings_source ON source_embeddings(source_id)`,
		`CREATE INDEX IF NOT EXISTS source_embeddings_hash ON source_embeddings(source_hash)`,
		`CREATE INDEX IF NOT EXISTS source_embeddings_strategy ON source_embeddings(strategy)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("ensure source_embeddings schema: %w", err)
		}
	}
	return &postgresSourceEmbeddingStore{pool: pool}, nil
}

func (s *postgresSourceEmbeddingStore) Upsert(ctx context.Context, row SourceEmbeddingRow) error {
	emb, err := json.Marshal(row.Embedding)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO source_embeddings (source_id, chunk_index, strategy, start_byte, end_byte, chunk_text,
  chunk_hash, source_hash, embedding, model, dimensions, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (source_id, chunk_index, strategy) DO UPDATE SET
  start_byte=EXCLUDED.start_byte, end_byte=EXCLUDED.end_byte, chunk_text=EXCLUDED.chunk_text,
  chunk_hash=EXCLUDED.chunk_hash, source_hash=EXCLUDED.source_hash, embedding=EXCLUDED.embedding,
  model=EXCLUDED.model, dimensions=EXCLUDED.dimensions, created_at=EXCLUDED.created_at`,
		row.SourceID, row.ChunkIndex, row.Strategy, row.StartByte, row.EndByte, row.ChunkText,
		row.ChunkHash, row.SourceHash, emb, row.Model, row.Dimensions, row.CreatedAt)
	return err
}

func (s *postgresSourceEmbeddingStore) ListBySource(ctx context.Context, sourceID string) ([]SourceEmbeddingRow, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source_id, chunk_index, strategy, start_byte, end_byte, chunk_text, chunk_hash, source_hash,
  embedding, model, dimensions, created_at
FROM source_embeddings WHERE source_id=$1 ORDER BY chunk_index`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceEmbeddingRow
	for rows.Next() {
		var r SourceEmbeddingRow
		var emb []byte
		if err := rows.Scan(&r.SourceID, &r.ChunkIndex, &r.Strategy, &r.StartByte, &r.EndByte, &r.ChunkText,
			&r.ChunkHash, &r.SourceHash, &emb, &r.Model, &r.Dimensions, &r.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(emb, &r.Embedding)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresSourceEmbeddingStore) DeleteBySource(ctx context.Context, sourceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM source_embeddings WHERE source_id=$1`, sourceID)
	return err
}

func (s *postgresSourceEmbeddingStore) ListStaleOrMissing(ctx context.Context, currentHash func(string) (string, bool), allSourceIDs []string) ([]string, error) {
	var out []string
	for _, id := range allSourceIDs {
		var count int
		if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM source_embeddings WHERE source_id=$1`, id).Scan(&count); err != nil {
			return nil, err
		}
		if count == 0 {
			out = append(out, id)
			continue
		}
		want, ok := currentHash(id)
		if !ok {
			continue
		}
		var staleCount int
		if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM source_embeddings WHERE source_id=$1 AND source_hash != $2`, id, want).Scan(&staleCount); err != nil {
			return nil, err
		}
		if staleCount > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}
