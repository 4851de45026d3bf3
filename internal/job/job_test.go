package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/config"
	"veridian/internal/errs"
	"veridian/internal/persistence/relational"
)

func newManager() (*Manager, relational.JobStore) {
	store := relational.NewMemoryJobStore()
	return NewManager(store, NewMemoryDedupeCache()), store
}

func TestDedupKeyCanonicalizes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DedupKey("hello\nworld", "T"), DedupKey("hello\r\nworld", "T"))
	assert.Equal(t, DedupKey("text", "T"), DedupKey("  text  \n", "T"))
	assert.NotEqual(t, DedupKey("text", "T"), DedupKey("text", "U"))
	assert.NotEqual(t, DedupKey("a", "T"), DedupKey("b", "T"))
}

func TestEstimateCostScalesWithWords(t *testing.T) {
	t.Parallel()
	small, planSmall := EstimateCost(100, config.ChunkingConfig{})
	large, planLarge := EstimateCost(10000, config.ChunkingConfig{})
	assert.Less(t, small.TokensIn, large.TokensIn)
	assert.Less(t, small.ApproxCurrencyCost, large.ApproxCurrencyCost)
	assert.Equal(t, 1, planSmall.Count)
	assert.Greater(t, planLarge.Count, 1)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	ctx := context.Background()

	_, _, err := m.Submit(ctx, Submission{Kind: relational.JobKindIngestText, Text: "x"})
	require.Error(t, err, "missing ontology")

	_, _, err = m.Submit(ctx, Submission{Kind: relational.JobKindIngestText, Ontology: "T", Text: "  "})
	require.Error(t, err, "empty text")
	ae, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, ae.Kind)
}

func TestSubmitAutoApprove(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	j, prior, err := m.Submit(context.Background(), Submission{
		Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world.", AutoApprove: true,
	})
	require.NoError(t, err)
	assert.False(t, prior)
	assert.Equal(t, relational.StateApproved, j.State)
	assert.Nil(t, j.ApprovalDeadline)
	assert.NotEmpty(t, j.DedupKey)
	assert.Positive(t, j.Cost.TokensIn)
}

func TestSubmitManualApprovalSetsDeadline(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	j, _, err := m.Submit(context.Background(), Submission{
		Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world.",
		ApprovalTTL: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, relational.StateAwaitingApproval, j.State)
	require.NotNil(t, j.ApprovalDeadline)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *j.ApprovalDeadline, time.Minute)
}

func TestApproveTransition(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	ctx := context.Background()
	j, _, err := m.Submit(ctx, Submission{Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world."})
	require.NoError(t, err)

	approved, err := m.Approve(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, relational.StateApproved, approved.State)
	assert.Nil(t, approved.ApprovalDeadline)

	_, err = m.Approve(ctx, j.ID)
	require.Error(t, err, "double approval must be rejected")
}

func TestDedupReturnsPriorTerminalJob(t *testing.T) {
	t.Parallel()
	m, store := newManager()
	ctx := context.Background()

	j1, _, err := m.Submit(ctx, Submission{
		Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world.", AutoApprove: true,
	})
	require.NoError(t, err)

	// drive j1 to completed through the CAS chain
	mustCAS(t, store, j1.ID, relational.StateApproved, relational.StateQueued)
	mustCAS(t, store, j1.ID, relational.StateQueued, relational.StateProcessing)
	require.NoError(t, m.RecordResult(ctx, j1.ID, relational.Result{ChunksDone: 1}))

	j2, prior, err := m.Submit(ctx, Submission{
		Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world.", AutoApprove: true,
	})
	require.NoError(t, err)
	assert.True(t, prior)
	assert.Equal(t, j1.ID, j2.ID)

	// force bypasses dedup
	j3, prior, err := m.Submit(ctx, Submission{
		Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world.", AutoApprove: true, Force: true,
	})
	require.NoError(t, err)
	assert.False(t, prior)
	assert.NotEqual(t, j1.ID, j3.ID)

	// same text in another ontology is not a duplicate
	j4, prior, err := m.Submit(ctx, Submission{
		Kind: relational.JobKindIngestText, Ontology: "U", Text: "Hello world.", AutoApprove: true,
	})
	require.NoError(t, err)
	assert.False(t, prior)
	assert.NotEqual(t, j1.ID, j4.ID)
}

func TestCancelBeforeProcessing(t *testing.T) {
	t.Parallel()
	m, _ := newManager()
	ctx := context.Background()
	j, _, err := m.Submit(ctx, Submission{Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world."})
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, j.ID, "")
	require.NoError(t, err)
	assert.Equal(t, relational.StateCancelled, cancelled.State)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, string(errs.KindCancelled), cancelled.Error.Kind)

	// cancelling a terminal job is a no-op
	again, err := m.Cancel(ctx, j.ID, "")
	require.NoError(t, err)
	assert.Equal(t, relational.StateCancelled, again.State)
}

func TestCancelWhileProcessingSetsFlag(t *testing.T) {
	t.Parallel()
	m, store := newManager()
	ctx := context.Background()
	j, _, err := m.Submit(ctx, Submission{Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world.", AutoApprove: true})
	require.NoError(t, err)
	mustCAS(t, store, j.ID, relational.StateApproved, relational.StateQueued)
	mustCAS(t, store, j.ID, relational.StateQueued, relational.StateProcessing)

	got, err := m.Cancel(ctx, j.ID, "")
	require.NoError(t, err)
	assert.Equal(t, relational.StateProcessing, got.State, "processing jobs cancel cooperatively")
	assert.True(t, got.CancelRequested)
}

func TestRecordFailure(t *testing.T) {
	t.Parallel()
	m, store := newManager()
	ctx := context.Background()
	j, _, err := m.Submit(ctx, Submission{Kind: relational.JobKindIngestText, Ontology: "T", Text: "Hello world.", AutoApprove: true})
	require.NoError(t, err)
	mustCAS(t, store, j.ID, relational.StateApproved, relational.StateQueued)
	mustCAS(t, store, j.ID, relational.StateQueued, relational.StateProcessing)

	partial := &relational.Result{ChunksDone: 3}
	require.NoError(t, m.RecordFailure(ctx, j.ID, relational.StateFailed, errs.KindProviderUnavailable, "retries exhausted", partial))

	got, err := store.LoadByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, relational.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, string(errs.KindProviderUnavailable), got.Error.Kind)
	require.NotNil(t, got.Result)
	assert.Equal(t, 3, got.Result.ChunksDone)
	assert.NotNil(t, got.TerminalAt)
}

func mustCAS(t *testing.T, store relational.JobStore, id string, from, to relational.JobState) {
	t.Helper()
	ok, err := store.UpdateStateAtomically(context.Background(), id, from, to, nil)
	require.NoError(t, err)
	require.True(t, ok)
}
