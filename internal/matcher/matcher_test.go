package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/config"
	"veridian/internal/persistence/vectorstore"
)

func seedConcept(t *testing.T, vs vectorstore.VectorStore, id, ontology string, vec []float32) {
	t.Helper()
	require.NoError(t, vs.Upsert(context.Background(), NamespaceConcepts, id, vec, map[string]string{"ontology": ontology}))
}

func TestMatchEmptyStore(t *testing.T) {
	t.Parallel()
	m := New(vectorstore.NewMemory(3), config.MatcherConfig{})
	out, err := m.Match(context.Background(), "T", []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, NoMatch, out.Decision)
}

func TestMatchAboveMergeThreshold(t *testing.T) {
	t.Parallel()
	vs := vectorstore.NewMemory(3)
	seedConcept(t, vs, "c1", "T", []float32{1, 0, 0})
	seedConcept(t, vs, "c2", "T", []float32{0, 1, 0})

	m := New(vs, config.MatcherConfig{})
	out, err := m.Match(context.Background(), "T", []float32{1, 0.05, 0})
	require.NoError(t, err)
	assert.Equal(t, Matched, out.Decision)
	assert.Equal(t, "c1", out.Best.ConceptID)
	assert.Greater(t, out.Best.Score, 0.85)
}

func TestMatchAmbiguousBand(t *testing.T) {
	t.Parallel()
	vs := vectorstore.NewMemory(2)
	// ~45 degrees from the query: cosine ≈ 0.707, between suggest and merge
	seedConcept(t, vs, "c1", "T", []float32{1, 1})
	m := New(vs, config.MatcherConfig{})
	out, err := m.Match(context.Background(), "T", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, out.Decision)
	require.NotEmpty(t, out.Candidates)
	assert.Equal(t, "c1", out.Candidates[0].ConceptID)
}

func TestMatchBelowSuggestThreshold(t *testing.T) {
	t.Parallel()
	vs := vectorstore.NewMemory(2)
	seedConcept(t, vs, "c1", "T", []float32{0, 1})
	m := New(vs, config.MatcherConfig{})
	out, err := m.Match(context.Background(), "T", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, NoMatch, out.Decision)
}

func TestMatchScopedToOntology(t *testing.T) {
	t.Parallel()
	vs := vectorstore.NewMemory(2)
	seedConcept(t, vs, "c1", "other", []float32{1, 0})
	m := New(vs, config.MatcherConfig{})
	out, err := m.Match(context.Background(), "T", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, NoMatch, out.Decision)
}

func TestMatchTieBreaksOnSmallerID(t *testing.T) {
	t.Parallel()
	vs := vectorstore.NewMemory(2)
	seedConcept(t, vs, "c-b", "T", []float32{1, 0})
	seedConcept(t, vs, "c-a", "T", []float32{1, 0})
	m := New(vs, config.MatcherConfig{})

	// identical vectors give identical scores; the smaller id must win, and
	// repeat queries must agree
	for i := 0; i < 5; i++ {
		out, err := m.Match(context.Background(), "T", []float32{1, 0})
		require.NoError(t, err)
		assert.Equal(t, Matched, out.Decision)
		assert.Equal(t, "c-a", out.Best.ConceptID)
	}
}

func TestMatchThresholdsComeFromConfig(t *testing.T) {
	t.Parallel()
	vs := vectorstore.NewMemory(2)
	seedConcept(t, vs, "c1", "T", []float32{1, 1})

	strict := New(vs, config.MatcherConfig{MergeThreshold: 0.99, SuggestThreshold: 0.95})
	out, err := strict.Match(context.Background(), "T", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, NoMatch, out.Decision)

	loose := New(vs, config.MatcherConfig{MergeThreshold: 0.5, SuggestThreshold: 0.3})
	out, err = loose.Match(context.Background(), "T", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, Matched, out.Decision)
}
