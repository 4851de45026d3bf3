// Package vectorstore provides cosine-similarity search over Concept label
// embeddings (for the matcher) and SourceEmbedding chunk embeddings (for
// source search), partitioned by namespace so the two populations never
// collide in one index.
package vectorstore

import "context"

// Result is a single nearest-neighbor hit.
type Result struct {
	ID       string
	Score    float64 // cosine similarity, higher is closer
	Metadata map[string]string
}

// VectorStore is the minimal operation set the matcher and source-search
// components need. Namespace separates concept embeddings from source-chunk
// embeddings (and, within those, different ontologies via the Metadata
// filter) without requiring a distinct Go type per backend per namespace.
type VectorStore interface {
	Upsert(ctx context.Context, namespace, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, namespace, id string) error
	SimilaritySearch(ctx context.Context, namespace string, vector []float32, k int, filter map[string]string) ([]Result, error)
	Dimension() int
	Close() error
}
