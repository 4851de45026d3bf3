// Package provider defines the pluggable Embedder/Extractor capability sets
// the ingestion pipeline runs against, plus their concrete backends: a
// deterministic mock for tests, Anthropic, OpenAI, and an OpenAI-compatible
// local endpoint. No call site outside this package references a specific
// backend by name.
package provider

import (
	"context"
	"errors"
	"fmt"

	"veridian/internal/config"
)

// ErrUnavailable marks a transient provider failure: the caller may retry
// with backoff inside its per-chunk budget.
var ErrUnavailable = errors.New("provider unavailable")

// ErrInvalidRequest marks a permanent provider failure: the request itself
// is malformed or rejected, and retrying cannot help.
var ErrInvalidRequest = errors.New("provider invalid request")

// Embedder converts text to fixed-dimension embedding vectors.
type Embedder interface {
	// EmbedBatch returns one embedding vector per input text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns a model identifier string.
	Name() string
	// Dimension returns the embedding dimensionality.
	Dimension() int
}

// ExtractedConcept is one concept candidate returned by an Extractor. The
// Quote is an exact substring of the chunk supporting the concept.
type ExtractedConcept struct {
	Label       string   `json:"label"`
	SearchTerms []string `json:"search_terms"`
	Description string   `json:"description"`
	Quote       string   `json:"quote"`
}

// ExtractedRelationship is a typed edge candidate between two concept
// labels. Endpoints are labels, not graph ids; the upsert engine resolves
// them against its per-chunk label map.
type ExtractedRelationship struct {
	FromLabel  string  `json:"from_label"`
	ToLabel    string  `json:"to_label"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the full result of one extraction call.
type Extraction struct {
	Concepts      []ExtractedConcept      `json:"concepts"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// PriorConcept is one element of the recursive context: a concept an earlier
// chunk produced, shown to the extractor so it reuses labels instead of
// coining near-duplicates.
type PriorConcept struct {
	Label       string
	Description string
}

// ExtractionContext carries the assembled priors for one chunk.
type ExtractionContext struct {
	OntologyName  string
	DocumentName  string
	ChunkIndex    int
	PriorConcepts []PriorConcept
}

// Extractor maps chunk text plus prior context to concept and relationship
// candidates. DescribeImage supports the ingest-image job kind: the image is
// narrated to text, which then flows through the normal text pipeline.
type Extractor interface {
	Extract(ctx context.Context, chunkText string, ec ExtractionContext) (Extraction, error)
	DescribeImage(ctx context.Context, image []byte, mediaType string) (string, error)
	Name() string
}

// New resolves the configured provider kind to concrete Embedder/Extractor
// implementations.
func New(cfg config.ProviderConfig) (Embedder, Extractor, error) {
	switch cfg.Kind {
	case "", "mock":
		m := NewMock(cfg.EmbeddingDims, ModeDefault)
		return m, m, nil
	case "anthropic":
		// Anthropic has no embeddings endpoint; pair its extractor with the
		// deterministic embedder unless an OpenAI-compatible embedding base
		// URL is configured.
		ext := NewAnthropic(cfg)
		var emb Embedder
		if cfg.BaseURL != "" {
			emb = NewOpenAIEmbedder(cfg)
		} else {
			emb = NewMock(cfg.EmbeddingDims, ModeDefault)
		}
		return emb, ext, nil
	case "openai":
		return NewOpenAIEmbedder(cfg), NewOpenAIExtractor(cfg), nil
	case "local":
		return NewLocal(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
