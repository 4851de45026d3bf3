package broker

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/persistence/relational"
)

func seedJob(t *testing.T, store relational.JobStore, id string, state relational.JobState) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), relational.Job{
		ID: id, Kind: relational.JobKindIngestText, OntologyName: "T",
		SubmittedAt: time.Now(), State: state,
	}))
}

func TestPublishFansOutInOrder(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	seedJob(t, store, "j1", relational.StateProcessing)
	b := New(store)
	ctx := context.Background()

	events, cancel, err := b.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer cancel()

	for i := 1; i <= 5; i++ {
		b.Publish(ctx, Event{JobID: "j1", Stage: "extract", ItemsDone: i, ItemsTotal: 5})
	}

	for i := 1; i <= 5; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, i, ev.ItemsDone, "events must arrive in emission order")
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestPublishAccumulatesCounters(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	seedJob(t, store, "j1", relational.StateProcessing)
	b := New(store)
	ctx := context.Background()

	b.Publish(ctx, Event{JobID: "j1", Stage: "extract", ItemsDone: 1, CountersDelta: relational.StageCounters{ConceptsCreated: 2}})
	b.Publish(ctx, Event{JobID: "j1", Stage: "extract", ItemsDone: 2, CountersDelta: relational.StageCounters{ConceptsCreated: 1, ConceptsMatched: 3}})

	snap, ok := b.Snapshot("j1")
	require.True(t, ok)
	assert.Equal(t, 3, snap.Counters.ConceptsCreated)
	assert.Equal(t, 3, snap.Counters.ConceptsMatched)
	assert.Equal(t, 2, snap.ItemsDone)
}

func TestFirstPublishPersistsSnapshot(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	seedJob(t, store, "j1", relational.StateProcessing)
	b := New(store)
	ctx := context.Background()

	b.Publish(ctx, Event{JobID: "j1", Stage: "extract", ItemsDone: 1, ItemsTotal: 9})

	j, err := store.LoadByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.Progress.ItemsDone)
	assert.Equal(t, 9, j.Progress.ItemsTotal)
}

func TestPublishDoneDeliversTerminalAndCloses(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	seedJob(t, store, "j1", relational.StateProcessing)
	b := New(store)
	ctx := context.Background()

	events, cancel, err := b.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer cancel()

	res := &relational.Result{ChunksDone: 4}
	b.PublishDone(ctx, "j1", relational.StateCompleted, res, nil)

	select {
	case ev := <-events:
		assert.True(t, ev.Terminal)
		assert.Equal(t, relational.StateCompleted, ev.State)
		require.NotNil(t, ev.Result)
		assert.Equal(t, 4, ev.Result.ChunksDone)
	case <-time.After(time.Second):
		t.Fatal("terminal event not delivered")
	}

	_, open := <-events
	assert.False(t, open, "channel must close after the terminal event")
}

func TestLateSubscriberGetsTerminalFromSnapshot(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	seedJob(t, store, "j1", relational.StateProcessing)
	require.NoError(t, store.UpdateProgress(context.Background(), "j1", relational.Progress{ItemsDone: 7, ItemsTotal: 7, UpdatedAt: time.Now()}))
	ok, err := store.UpdateStateAtomically(context.Background(), "j1", relational.StateProcessing, relational.StateCompleted, func(j *relational.Job) {
		j.Result = &relational.Result{ChunksDone: 7}
	})
	require.NoError(t, err)
	require.True(t, ok)

	b := New(store)
	events, cancel, err := b.Subscribe(context.Background(), "j1")
	require.NoError(t, err)
	defer cancel()

	ev, open := <-events
	require.True(t, open)
	assert.True(t, ev.Terminal)
	assert.Equal(t, relational.StateCompleted, ev.State)
	assert.Equal(t, 7, ev.ItemsDone)

	_, open = <-events
	assert.False(t, open)
}

func TestServeSSEFraming(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	seedJob(t, store, "j1", relational.StateProcessing)
	b := New(store)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	done := make(chan error, 1)
	go func() { done <- b.ServeSSE(ctx, rec, "j1") }()

	// give the subscriber a moment to register, then stream
	time.Sleep(50 * time.Millisecond)
	b.Publish(ctx, Event{JobID: "j1", Stage: "extract", ItemsDone: 1, ItemsTotal: 2})
	b.PublishDone(ctx, "j1", relational.StateCompleted, &relational.Result{ChunksDone: 2}, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeSSE did not return after the terminal event")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: progress\n")
	assert.Contains(t, body, "event: done\n")
	assert.True(t, strings.Contains(body, `"items_done":1`))
}
