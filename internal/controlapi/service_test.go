package controlapi

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/artifact"
	"veridian/internal/broker"
	"veridian/internal/config"
	"veridian/internal/epoch"
	"veridian/internal/job"
	"veridian/internal/objectstore"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/persistence/vectorstore"
	"veridian/internal/provider"
	"veridian/internal/queue"
	"veridian/internal/sourceembed"
	"veridian/internal/upsert"
)

var testVocab = []string{"IMPLIES", "SUPPORTS", "CONTRADICTS", "ENABLES", "REQUIRES"}

type stack struct {
	svc     *Service
	store   relational.JobStore
	graph   graphdb.GraphDB
	vectors vectorstore.VectorStore
	counter epoch.Counter
	embeds  *sourceembed.Worker
	rows    relational.SourceEmbeddingStore
	cancel  context.CancelFunc
}

// newStack assembles the whole control plane on memory backends with the
// mock provider and a live worker pool.
func newStack(t *testing.T) *stack {
	t.Helper()
	store := relational.NewMemoryJobStore()
	jobs := job.NewManager(store, job.NewMemoryDedupeCache())
	events := broker.New(store)
	graph := graphdb.NewMemory()
	vectors := vectorstore.NewMemory(64)
	counter := epoch.NewMemory()
	mock := provider.NewMock(64, provider.ModeDefault)
	objects := objectstore.NewMemoryStore()
	rows := relational.NewMemorySourceEmbeddingStore()
	artifacts := artifact.New(relational.NewMemoryArtifactStore(), objects, counter, 0)

	engine := upsert.NewEngine(graph, vectors, mock, mock, counter, config.MatcherConfig{}, testVocab, 2)
	embeds := sourceembed.New(graph, rows, vectors, mock, 200)
	workers := map[relational.JobKind]queue.Worker{
		relational.JobKindIngestText: &queue.IngestWorker{
			Engine: engine, Embeds: embeds, Objects: objects, Extractor: mock,
			Chunking: config.ChunkingConfig{TargetWords: 80, OverlapWords: 15},
		},
		relational.JobKindIngestFile: &queue.IngestWorker{
			Engine: engine, Embeds: embeds, Objects: objects, Extractor: mock,
			Chunking: config.ChunkingConfig{TargetWords: 80, OverlapWords: 15},
		},
		relational.JobKindIngestImage: &queue.IngestWorker{
			Engine: engine, Embeds: embeds, Objects: objects, Extractor: mock,
			Chunking: config.ChunkingConfig{TargetWords: 80, OverlapWords: 15},
		},
		relational.JobKindRegenerateEmbed: &queue.RegenerateWorker{Embeds: embeds},
		relational.JobKindAnalysis:        &queue.AnalysisWorker{Graph: graph, Artifacts: artifacts},
	}
	pool := queue.NewPool(store, jobs, events, workers, 2, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = pool.Run(ctx) }()
	t.Cleanup(cancel)

	svc := NewService(jobs, events, pool, artifacts, graph, vectors, mock, rows, objects, counter, nil)
	return &stack{svc: svc, store: store, graph: graph, vectors: vectors, counter: counter, embeds: embeds, rows: rows, cancel: cancel}
}

func (s *stack) awaitTerminal(t *testing.T, id string) relational.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.store.LoadByID(context.Background(), id)
		require.NoError(t, err)
		if j.State.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return relational.Job{}
}

func TestSubmitValidatesInput(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	_, err := s.svc.Submit(ctx, SubmitRequest{Text: "hello"})
	require.Error(t, err, "ontology required")

	_, err = s.svc.Submit(ctx, SubmitRequest{Ontology: "T"})
	require.Error(t, err, "one of text/image required")

	_, err = s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "x", ImageData: []byte{1}})
	require.Error(t, err, "not both text and image")
}

func TestDuplicateDetectionEndToEnd(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	first, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Hello World.", AutoApprove: true})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	done := s.awaitTerminal(t, first.JobID)
	require.Equal(t, relational.StateCompleted, done.State)
	require.NotNil(t, done.Result)
	assert.GreaterOrEqual(t, done.Result.Counters.ConceptsCreated, 1)

	second, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Hello World.", AutoApprove: true})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)
	require.NotNil(t, second.Result, "dedup hit returns the prior result")
	assert.Equal(t, done.Result.Counters.ConceptsCreated, second.Result.Counters.ConceptsCreated)
}

func TestApprovalGateAndCostEstimate(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	resp, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Manual Approval needed for this one."})
	require.NoError(t, err)
	assert.Equal(t, relational.StateAwaitingApproval, resp.State)
	assert.Positive(t, resp.Cost.TokensIn, "estimate is computed before any provider call")
	assert.Positive(t, resp.Chunks.Count)

	// nothing runs until approved
	time.Sleep(100 * time.Millisecond)
	st, err := s.svc.Status(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, relational.StateAwaitingApproval, st.Job.State)

	_, err = s.svc.Approve(ctx, resp.JobID)
	require.NoError(t, err)
	done := s.awaitTerminal(t, resp.JobID)
	assert.Equal(t, relational.StateCompleted, done.State)
}

func TestRecursiveHitAndConceptSearch(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	a, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Distributed Authority governs resilient systems.", AutoApprove: true})
	require.NoError(t, err)
	s.awaitTerminal(t, a.JobID)

	b, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Distributed Authority appears in a second document.", AutoApprove: true})
	require.NoError(t, err)
	doneB := s.awaitTerminal(t, b.JobID)
	require.Equal(t, relational.StateCompleted, doneB.State)
	assert.Zero(t, doneB.Result.Counters.ConceptsCreated, "repeat label must match, not create")

	hits, err := s.svc.SearchConcepts(ctx, ConceptSearchRequest{Ontology: "T", Query: "Distributed Authority", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "Distributed Authority", hits[0].Label)
	assert.GreaterOrEqual(t, hits[0].EvidenceCount, 2)
}

func TestOrderedPathSearch(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	// a -> IMPLIES -> b -> SUPPORTS -> c
	for _, c := range []graphdb.Concept{
		{ID: "a", Label: "Alpha", OntologyID: "T"},
		{ID: "b", Label: "Beta", OntologyID: "T"},
		{ID: "c", Label: "Gamma", OntologyID: "T"},
	} {
		require.NoError(t, s.graph.UpsertConcept(ctx, c))
	}
	_, err := s.graph.UpsertRelationship(ctx, graphdb.Relationship{FromConcept: "a", ToConcept: "b", Type: "IMPLIES", Confidence: 0.9})
	require.NoError(t, err)
	_, err = s.graph.UpsertRelationship(ctx, graphdb.Relationship{FromConcept: "b", ToConcept: "c", Type: "SUPPORTS", Confidence: 0.9})
	require.NoError(t, err)

	paths, err := s.svc.SearchPaths(ctx, PathSearchRequest{Ontology: "T", FromID: "a", ToID: "c", MaxHops: 3})
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, []string{"a", "b", "c"}, paths[0].Nodes)
	assert.Equal(t, []string{"IMPLIES", "SUPPORTS"}, paths[0].Types)
}

func TestSourceSearchAndStaleness(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	resp, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Quorum Consensus requires majority votes to proceed. It tolerates minority failure.", AutoApprove: true})
	require.NoError(t, err)
	done := s.awaitTerminal(t, resp.JobID)
	require.Equal(t, relational.StateCompleted, done.State)
	require.NotEmpty(t, done.Result.SourcesIDs)
	sourceID := done.Result.SourcesIDs[0]

	hits, err := s.svc.SearchSources(ctx, SourceSearchRequest{Ontology: "T", Query: "majority votes", MinSimilarity: 0.1, Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	hit := hits[0]
	assert.False(t, hit.IsStale)
	assert.Equal(t, hit.FullText[hit.StartByte:hit.EndByte], hit.ChunkText)

	// mutate the source; hits must flag stale until regeneration cures them
	require.NoError(t, s.graph.UpdateSourceText(ctx, sourceID, "Entirely different text now lives here.", ""))
	hits, err = s.svc.SearchSources(ctx, SourceSearchRequest{Ontology: "T", Query: "majority votes", MinSimilarity: 0.1, Limit: 5})
	require.NoError(t, err)
	found := false
	for _, h := range hits {
		if h.SourceID == sourceID {
			found = true
			assert.True(t, h.IsStale)
		}
	}
	require.True(t, found, "stale rows are flagged, not hidden")

	n, err := s.embeds.Regenerate(ctx, sourceembed.Selector{Ontology: "T"}, nil, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	hits, err = s.svc.SearchSources(ctx, SourceSearchRequest{Ontology: "T", Query: "different text", MinSimilarity: 0.1, Limit: 5})
	require.NoError(t, err)
	for _, h := range hits {
		if h.SourceID == sourceID {
			assert.False(t, h.IsStale, "regeneration cures staleness")
		}
	}
}

func TestCancellationScenario(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("Distributed Authority meets Consensus Protocols once more in passing. ")
	}
	resp, err := s.svc.Submit(ctx, SubmitRequest{
		Ontology: "T", Text: b.String(), AutoApprove: true,
		Chunking: config.ChunkingConfig{TargetWords: 50, OverlapWords: 10},
	})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := s.svc.Status(ctx, resp.JobID)
		require.NoError(t, err)
		if st.Job.State == relational.StateProcessing {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err = s.svc.Cancel(ctx, resp.JobID, "operator")
	require.NoError(t, err)

	done := s.awaitTerminal(t, resp.JobID)
	if done.State == relational.StateCompleted {
		t.Skip("job finished before cancellation was observed")
	}
	assert.Equal(t, relational.StateCancelled, done.State)
	require.NotNil(t, done.Result)
	assert.Less(t, done.Result.ChunksDone, done.Chunks.Count, "only a prefix of chunks committed")
}

func TestArtifactCRUDAndFreshness(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	a, err := s.svc.CreateArtifact(ctx, "saved-search", "alice", `{"q":"quorum"}`, json.RawMessage(`{"hits":[1,2]}`))
	require.NoError(t, err)
	assert.False(t, a.IsStale)

	got, err := s.svc.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":[1,2]}`, string(got.Payload))

	// any graph mutation makes it stale
	_, err = s.counter.Bump(ctx)
	require.NoError(t, err)
	got, err = s.svc.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsStale)

	list, err := s.svc.ListArtifacts(ctx, relational.ArtifactFilter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.svc.DeleteArtifact(ctx, a.ID))
	_, err = s.svc.GetArtifact(ctx, a.ID)
	require.Error(t, err)
}

func TestAnalysisJobProducesArtifact(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	ing, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Distributed Authority supports Consensus Protocols here.", AutoApprove: true})
	require.NoError(t, err)
	s.awaitTerminal(t, ing.JobID)

	jm := job.NewManager(s.store, nil)
	an, _, err := jm.Submit(ctx, job.Submission{Kind: relational.JobKindAnalysis, Ontology: "T", Owner: "alice", AutoApprove: true})
	require.NoError(t, err)
	done := s.awaitTerminal(t, an.ID)
	require.Equal(t, relational.StateCompleted, done.State)
	require.NotNil(t, done.Result)
	require.NotEmpty(t, done.Result.ArtifactID)

	view, err := s.svc.GetArtifact(ctx, done.Result.ArtifactID)
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(view.Payload, &summary))
	assert.Equal(t, "T", summary["ontology"])
}

func TestStreamStatusDeliversTerminalEvent(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ctx := context.Background()

	resp, err := s.svc.Submit(ctx, SubmitRequest{Ontology: "T", Text: "Streaming Progress works end to end.", AutoApprove: true})
	require.NoError(t, err)

	events, cancel, err := s.svc.StreamStatus(ctx, resp.JobID)
	require.NoError(t, err)
	defer cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return // closed after terminal: fine
			}
			if ev.Terminal {
				assert.Equal(t, relational.StateCompleted, ev.State)
				return
			}
		case <-deadline:
			t.Fatal("no terminal event arrived")
		}
	}
}
