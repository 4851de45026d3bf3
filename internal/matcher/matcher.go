// Package matcher decides whether a candidate concept already exists in an
// ontology: top-k cosine search over concept label embeddings, then a
// two-threshold policy (merge vs. suggest) with deterministic tie-breaks.
package matcher

import (
	"context"
	"sort"

	"veridian/internal/config"
	"veridian/internal/persistence/vectorstore"
)

// NamespaceConcepts is the vector-store namespace holding concept label
// embeddings, keyed by concept id.
const NamespaceConcepts = "concepts"

// Decision classifies a match outcome.
type Decision int

const (
	NoMatch Decision = iota
	// Ambiguous means the best hit cleared the suggest threshold but not the
	// merge threshold: the MCP surface shows these as suggestions, the
	// ingestion pipeline treats them as NoMatch.
	Ambiguous
	Matched
)

// Candidate is one scored existing concept.
type Candidate struct {
	ConceptID string
	Score     float64
}

// Outcome is the full result of one match query. Candidates is populated
// (top 3) only for Ambiguous outcomes.
type Outcome struct {
	Decision   Decision
	Best       Candidate
	Candidates []Candidate
}

// Matcher runs threshold-gated similarity search against the vector store.
type Matcher struct {
	vectors vectorstore.VectorStore
	cfg     config.MatcherConfig
}

// New builds a Matcher. Thresholds come from config, never hard-coded.
func New(vectors vectorstore.VectorStore, cfg config.MatcherConfig) *Matcher {
	return &Matcher{vectors: vectors, cfg: cfg.WithDefaults()}
}

// Match finds the best existing concept for a candidate embedding within an
// ontology. Deterministic for a fixed store snapshot: ties on score resolve
// to the lexicographically smaller concept id.
func (m *Matcher) Match(ctx context.Context, ontologyID string, embedding []float32) (Outcome, error) {
	hits, err := m.vectors.SimilaritySearch(ctx, NamespaceConcepts, embedding, m.cfg.TopK, map[string]string{"ontology": ontologyID})
	if err != nil {
		return Outcome{}, err
	}
	if len(hits) == 0 {
		return Outcome{Decision: NoMatch}, nil
	}

	cands := make([]Candidate, len(hits))
	for i, h := range hits {
		cands[i] = Candidate{ConceptID: h.ID, Score: h.Score}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ConceptID < cands[j].ConceptID
	})

	best := cands[0]
	switch {
	case best.Score >= m.cfg.MergeThreshold:
		return Outcome{Decision: Matched, Best: best}, nil
	case best.Score >= m.cfg.SuggestThreshold:
		top := cands
		if len(top) > 3 {
			top = top[:3]
		}
		return Outcome{Decision: Ambiguous, Best: best, Candidates: top}, nil
	default:
		return Outcome{Decision: NoMatch, Best: best}, nil
	}
}
