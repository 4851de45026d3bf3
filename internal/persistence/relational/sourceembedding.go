package relational

import (
	"context"
	"sort"
	"sync"
)

// SourceEmbeddingRow is one embedding-chunk row of a Source (§3, §4.F).
// Unique on (SourceID, ChunkIndex, Strategy).
type SourceEmbeddingRow struct {
	SourceID   string
	ChunkIndex int
	Strategy   string
	StartByte  int
	EndByte    int
	ChunkText  string
	ChunkHash  string // sha256(ChunkText)
	SourceHash string // sha256(Source.FullText) at write time
	Embedding  []float32
	Model      string
	Dimensions int
	CreatedAt  int64 // unix nanos
}

// SourceEmbeddingStore is the relational side of §4.F; the embedding vector
// is additionally indexed into the vectorstore for similarity search, but
// the row itself (with its integrity hashes) lives here.
type SourceEmbeddingStore interface {
	Upsert(ctx context.Context, row SourceEmbeddingRow) error
	ListBySource(ctx context.Context, sourceID string) ([]SourceEmbeddingRow, error)
	DeleteBySource(ctx context.Context, sourceID string) error
	// ListStaleOrMissing returns source ids needing (re)embedding: rows whose
	// source_hash differs from currentHash(sourceID), plus any sourceID in
	// allSourceIDs with zero rows. Used by the regeneration worker (§4.F).
	ListStaleOrMissing(ctx context.Context, currentHash func(sourceID string) (string, bool), allSourceIDs []string) ([]string, error)
}

type memorySourceEmbeddingStore struct {
	mu   sync.Mutex
	rows map[string][]SourceEmbeddingRow // sourceID -> rows
}

// NewMemorySourceEmbeddingStore returns an in-memory SourceEmbeddingStore.
func NewMemorySourceEmbeddingStore() SourceEmbeddingStore {
	return &memorySourceEmbeddingStore{rows: make(map[string][]SourceEmbeddingRow)}
}

func (s *memorySourceEmbeddingStore) Upsert(_ context.Context, row SourceEmbeddingRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[row.SourceID]
	for i, r := range rows {
		if r.ChunkIndex == row.ChunkIndex && r.Strategy == row.Strategy {
			rows[i] = row
			s.rows[row.SourceID] = rows
			return nil
		}
	}
	s.rows[row.SourceID] = append(rows, row)
	return nil
}

func (s *memorySourceEmbeddingStore) ListBySource(_ context.Context, sourceID string) ([]SourceEmbeddingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]SourceEmbeddingRow{}, s.rows[sourceID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *memorySourceEmbeddingStore) DeleteBySource(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, sourceID)
	return nil
}

func (s *memorySourceEmbeddingStore) ListStaleOrMissing(_ context.Context, currentHash func(string) (string, bool), allSourceIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range allSourceIDs {
		rows := s.rows[id]
		if len(rows) == 0 {
			out = append(out, id)
			continue
		}
		want, ok := currentHash(id)
		if !ok {
			continue
		}
		for _, r := range rows {
			if r.SourceHash != want {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}
