package sourceembed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/errs"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/persistence/vectorstore"
	"veridian/internal/provider"
)

type fixture struct {
	worker  *Worker
	graph   graphdb.GraphDB
	rows    relational.SourceEmbeddingStore
	vectors vectorstore.VectorStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	graph := graphdb.NewMemory()
	rows := relational.NewMemorySourceEmbeddingStore()
	vectors := vectorstore.NewMemory(64)
	mock := provider.NewMock(64, provider.ModeDefault)
	return &fixture{
		worker:  New(graph, rows, vectors, mock, 120),
		graph:   graph,
		rows:    rows,
		vectors: vectors,
	}
}

func seedSource(t *testing.T, g graphdb.GraphDB, id, ontology, text string) {
	t.Helper()
	require.NoError(t, g.UpsertSource(context.Background(), graphdb.Source{
		ID: id, OntologyID: ontology, DocumentID: "doc", FullText: text,
	}))
}

const sampleText = "First sentence of the source. Second sentence follows here. " +
	"Third one rounds out the text. A fourth for good measure."

func TestEmbedSourceWritesVerifiedRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedSource(t, f.graph, "s1", "T", sampleText)

	require.NoError(t, f.worker.EmbedSource(ctx, "s1"))

	rows, err := f.rows.ListBySource(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		assert.Equal(t, ChunkStrategy, r.Strategy)
		assert.Equal(t, 64, r.Dimensions)
		fresh, intact := VerifyRow(r, sampleText)
		assert.True(t, fresh, "row %d must carry the current source hash", r.ChunkIndex)
		assert.True(t, intact, "row %d offsets/hash must verify", r.ChunkIndex)
	}

	src, ok, err := f.graph.GetSource(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hashText(sampleText), src.ContentHash)
}

func TestEmbedSourceUnknownID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	err := f.worker.EmbedSource(context.Background(), "missing")
	require.Error(t, err)
	ae, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, ae.Kind)
}

func TestMutationMakesRowsStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedSource(t, f.graph, "s1", "T", sampleText)
	require.NoError(t, f.worker.EmbedSource(ctx, "s1"))

	mutated := sampleText + " An appended afterthought."
	require.NoError(t, f.graph.UpdateSourceText(ctx, "s1", mutated, ""))

	rows, err := f.rows.ListBySource(ctx, "s1")
	require.NoError(t, err)
	for _, r := range rows {
		fresh, _ := VerifyRow(r, mutated)
		assert.False(t, fresh, "rows must read stale after the source text changes")
	}
}

func TestRegenerateCuresStaleSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedSource(t, f.graph, "s1", "T", sampleText)
	require.NoError(t, f.worker.EmbedSource(ctx, "s1"))

	mutated := strings.Replace(sampleText, "First", "Altered", 1)
	require.NoError(t, f.graph.UpdateSourceText(ctx, "s1", mutated, ""))

	n, err := f.worker.Regenerate(ctx, Selector{Ontology: "T"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := f.rows.ListBySource(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		fresh, intact := VerifyRow(r, mutated)
		assert.True(t, fresh)
		assert.True(t, intact)
	}
}

func TestRegenerateSkipsFreshSources(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedSource(t, f.graph, "s1", "T", sampleText)
	require.NoError(t, f.worker.EmbedSource(ctx, "s1"))

	n, err := f.worker.Regenerate(ctx, Selector{Ontology: "T"}, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh sources must not be re-embedded")
}

func TestRegenerateCoversLegacyNullHash(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	// legacy source: text present, hash never stamped
	seedSource(t, f.graph, "legacy", "T", sampleText)

	n, err := f.worker.Regenerate(ctx, Selector{All: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	src, ok, err := f.graph.GetSource(ctx, "legacy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, src.ContentHash)
}

func TestRegenerateSelectorValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.worker.Regenerate(context.Background(), Selector{}, nil, nil)
	require.Error(t, err)
	_, err = f.worker.Regenerate(context.Background(), Selector{All: true, Ontology: "T"}, nil, nil)
	require.Error(t, err)
}

func TestRegenerateCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s3"} {
		seedSource(t, f.graph, id, "T", sampleText+" Unique for "+id+".")
	}

	done := 0
	n, err := f.worker.Regenerate(ctx, Selector{All: true},
		func(d, total int, sourceID string) { done = d },
		func(context.Context) bool { return done >= 1 })
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, n)
}

func TestRegenerateSingleSourceSelector(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedSource(t, f.graph, "s1", "T", sampleText)
	seedSource(t, f.graph, "s2", "T", sampleText+" More.")

	n, err := f.worker.Regenerate(ctx, Selector{SourceID: "s1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := f.rows.ListBySource(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, rows, "unselected sources must be untouched")
}
