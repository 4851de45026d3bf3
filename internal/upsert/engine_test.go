package upsert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/config"
	"veridian/internal/epoch"
	"veridian/internal/errs"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/persistence/vectorstore"
	"veridian/internal/provider"
)

var testVocab = []string{"IMPLIES", "SUPPORTS", "CONTRADICTS", "ENABLES", "REQUIRES", "CAUSED_BY"}

type engineFixture struct {
	engine  *Engine
	graph   graphdb.GraphDB
	vectors vectorstore.VectorStore
	counter epoch.Counter
	mock    *provider.Mock
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	graph := graphdb.NewMemory()
	vectors := vectorstore.NewMemory(64)
	counter := epoch.NewMemory()
	mock := provider.NewMock(64, provider.ModeDefault)
	eng := NewEngine(graph, vectors, mock, mock, counter, config.MatcherConfig{}, testVocab, 3)
	return &engineFixture{engine: eng, graph: graph, vectors: vectors, counter: counter, mock: mock}
}

func docWithConcepts(sentences int) string {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "Distributed Authority shapes Consensus Protocols in section %d. ", i)
	}
	return strings.TrimSpace(b.String())
}

func TestIngestEmptyDocumentRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.engine.IngestDocument(context.Background(), Request{OntologyName: "T", Text: "   "})
	require.Error(t, err)
	ae, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, ae.Kind)
}

func TestIngestSerialSingleChunk(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out, err := f.engine.IngestDocument(context.Background(), Request{
		JobID:        "j1",
		OntologyName: "T",
		DocumentName: "doc-a",
		Text:         "Distributed Authority depends on Consensus Protocols.",
		Mode:         relational.ModeSerial,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ChunksDone)
	require.Len(t, out.SourceIDs, 1)
	assert.GreaterOrEqual(t, out.Counters.ConceptsCreated, 2)
	assert.GreaterOrEqual(t, out.Counters.RelationshipsCreated, 1)
	assert.GreaterOrEqual(t, out.Counters.EvidenceAppended, 2)

	src, ok, err := f.graph.GetSource(context.Background(), out.SourceIDs[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "doc-a", src.DocumentID)
}

func TestIngestBumpsEpochPerChunk(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out, err := f.engine.IngestDocument(context.Background(), Request{
		OntologyName: "T",
		Text:         docWithConcepts(300),
		Mode:         relational.ModeSerial,
		Chunking:     config.ChunkingConfig{TargetWords: 120, OverlapWords: 20},
	})
	require.NoError(t, err)
	require.Greater(t, out.ChunksDone, 1)
	cur, err := f.counter.Current(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, out.ChunksDone, cur)
}

func TestRecursiveHitAcrossDocuments(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	outA, err := f.engine.IngestDocument(ctx, Request{
		OntologyName: "T", DocumentName: "doc-a",
		Text: "Distributed Authority governs modern systems. Distributed Authority is resilient.",
		Mode: relational.ModeSerial,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, outA.Counters.ConceptsCreated, 1)

	outB, err := f.engine.IngestDocument(ctx, Request{
		OntologyName: "T", DocumentName: "doc-b",
		Text: "Distributed Authority appears again in this other document.",
		Mode: relational.ModeSerial,
	})
	require.NoError(t, err)

	// doc B's mention of the same label must match, not create
	assert.Equal(t, 0, outB.Counters.ConceptsCreated)
	assert.GreaterOrEqual(t, outB.Counters.ConceptsMatched, 1)

	// one concept node with provenance from both documents and >= 2 instances
	concepts, err := f.graph.RecentConcepts(ctx, "T", 10)
	require.NoError(t, err)
	var da graphdb.Concept
	for _, c := range concepts {
		if c.Label == "Distributed Authority" {
			da = c
			break
		}
	}
	require.NotEmpty(t, da.ID, "concept must exist")
	prov := map[string]bool{}
	for _, p := range da.Provenance {
		prov[p] = true
	}
	assert.True(t, prov[outA.SourceIDs[0]])
	assert.True(t, prov[outB.SourceIDs[0]])
	n, err := f.graph.EvidenceCount(ctx, da.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestRelationshipVocabularyClosure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// an engine with an empty allowlist drops every extracted relationship
	strict := NewEngine(f.graph, f.vectors, f.mock, f.mock, f.counter, config.MatcherConfig{}, nil, 1)
	out, err := strict.IngestDocument(context.Background(), Request{
		OntologyName: "T",
		Text:         "Distributed Authority depends on Consensus Protocols and Quorum Rules.",
		Mode:         relational.ModeSerial,
	})
	require.NoError(t, err)
	assert.Zero(t, out.Counters.RelationshipsCreated)
	assert.Greater(t, out.Counters.RelationshipsDropped, 0)
	assert.NotEmpty(t, out.Warnings)
}

// failingExtractor wraps the mock and fails every Extract call.
type failingExtractor struct {
	*provider.Mock
	err   error
	calls int
	mu    sync.Mutex
}

func (f *failingExtractor) Extract(ctx context.Context, text string, ec provider.ExtractionContext) (provider.Extraction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return provider.Extraction{}, f.err
}

func TestTransientProviderFailureRetriesThenFails(t *testing.T) {
	t.Parallel()
	graph := graphdb.NewMemory()
	vectors := vectorstore.NewMemory(64)
	mock := provider.NewMock(64, provider.ModeDefault)
	ext := &failingExtractor{Mock: mock, err: fmt.Errorf("%w: 503", provider.ErrUnavailable)}
	eng := NewEngine(graph, vectors, mock, ext, epoch.NewMemory(), config.MatcherConfig{}, testVocab, 2)

	_, err := eng.IngestDocument(context.Background(), Request{
		OntologyName: "T",
		Text:         "Some Concept here.",
		Mode:         relational.ModeSerial,
	})
	require.Error(t, err)
	ae, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindProviderUnavailable, ae.Kind)
	assert.Equal(t, 2, ext.calls, "must retry up to the budget")
}

func TestPermanentProviderFailureDoesNotRetry(t *testing.T) {
	t.Parallel()
	graph := graphdb.NewMemory()
	vectors := vectorstore.NewMemory(64)
	mock := provider.NewMock(64, provider.ModeDefault)
	ext := &failingExtractor{Mock: mock, err: fmt.Errorf("%w: bad request", provider.ErrInvalidRequest)}
	eng := NewEngine(graph, vectors, mock, ext, epoch.NewMemory(), config.MatcherConfig{}, testVocab, 3)

	_, err := eng.IngestDocument(context.Background(), Request{
		OntologyName: "T",
		Text:         "Some Concept here.",
		Mode:         relational.ModeSerial,
	})
	require.Error(t, err)
	ae, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindProviderInvalid, ae.Kind)
	assert.Equal(t, 1, ext.calls, "permanent errors must not retry")
}

func TestCancellationStopsFurtherWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	done := 0
	cancelAfter := 3

	out, err := f.engine.IngestDocument(ctx, Request{
		OntologyName: "T",
		Text:         docWithConcepts(600),
		Mode:         relational.ModeSerial,
		Chunking:     config.ChunkingConfig{TargetWords: 60, OverlapWords: 10},
		Progress: func(stage string, itemsDone, itemsTotal int, delta relational.StageCounters, msg string) {
			mu.Lock()
			done = itemsDone
			mu.Unlock()
		},
		Cancelled: func(context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			return done >= cancelAfter
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, cancelAfter, out.ChunksDone)
	assert.Len(t, out.SourceIDs, cancelAfter)

	// no graph writes happened past the observed cancellation: the epoch
	// bump count equals the committed chunk count
	cur, cerr := f.counter.Current(ctx)
	require.NoError(t, cerr)
	assert.EqualValues(t, cancelAfter, cur)
}

func TestParallelModeCompletesAllChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out, err := f.engine.IngestDocument(context.Background(), Request{
		OntologyName: "T",
		Text:         docWithConcepts(400),
		Mode:         relational.ModeParallel,
		Chunking:     config.ChunkingConfig{TargetWords: 100, OverlapWords: 10},
	})
	require.NoError(t, err)
	assert.Greater(t, out.ChunksDone, 1)
	assert.GreaterOrEqual(t, out.Counters.ConceptsCreated, 2)

	// identical labels across concurrent chunks converge on one node via the
	// deterministic id + find-or-create path
	concepts, err := f.graph.RecentConcepts(context.Background(), "T", 100)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, c := range concepts {
		seen[c.Label]++
	}
	for label, n := range seen {
		assert.Equal(t, 1, n, "label %q must have one node", label)
	}
}

func TestConsolidateMergesNearDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// two concepts with identical embeddings but different ids/labels,
	// as parallel extraction can produce
	emb := []float32{1, 0, 0}
	for _, c := range []graphdb.Concept{
		{ID: "c-aaa", Label: "Quorum", Embedding: emb, Provenance: []string{"s1"}, OntologyID: "T"},
		{ID: "c-bbb", Label: "The Quorum", Embedding: emb, Provenance: []string{"s2"}, OntologyID: "T"},
	} {
		require.NoError(t, f.graph.UpsertConcept(ctx, c))
		require.NoError(t, f.vectors.Upsert(ctx, "concepts", c.ID, c.Embedding, map[string]string{"ontology": "T"}))
	}

	merged, err := f.engine.consolidate(ctx, "T", []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	// the lexicographically smaller id survives with unioned provenance
	keep, ok, err := f.graph.GetConcept(ctx, "T", "c-aaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"s1", "s2"}, keep.Provenance)
	_, ok, err = f.graph.GetConcept(ctx, "T", "c-bbb")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSourceFullTextIsChunkText(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	text := "Distributed Authority governs the cluster. Consensus Protocols decide order."
	out, err := f.engine.IngestDocument(ctx, Request{
		OntologyName: "T", DocumentName: "d", Text: text, Mode: relational.ModeSerial,
	})
	require.NoError(t, err)
	src, ok, err := f.graph.GetSource(ctx, out.SourceIDs[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, text, src.FullText)
}
