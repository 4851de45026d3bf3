package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridian/internal/errs"
	"veridian/internal/persistence/relational"
)

func seed(t *testing.T, store relational.JobStore, j relational.Job) {
	t.Helper()
	if j.Kind == "" {
		j.Kind = relational.JobKindIngestText
	}
	if j.OntologyName == "" {
		j.OntologyName = "T"
	}
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now().Add(-time.Hour)
	}
	require.NoError(t, store.Insert(context.Background(), j))
}

type fakeSignaler struct {
	id        string
	cancelled []string
}

func (f *fakeSignaler) WorkerID() string        { return f.id }
func (f *fakeSignaler) SignalCancel(job string) { f.cancelled = append(f.cancelled, job) }

func TestExpireApprovals(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	seed(t, store, relational.Job{ID: "late", State: relational.StateAwaitingApproval, ApprovalDeadline: &past})
	seed(t, store, relational.Job{ID: "fresh", State: relational.StateAwaitingApproval, ApprovalDeadline: &future})

	s := New(store, nil, nil, Options{})
	n, err := s.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	late, err := store.LoadByID(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, relational.StateExpired, late.State)
	require.NotNil(t, late.Error)
	assert.Equal(t, string(errs.KindExpired), late.Error.Kind)

	fresh, err := store.LoadByID(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, relational.StateAwaitingApproval, fresh.State)
}

func TestReapStalled(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	sig := &fakeSignaler{id: "me"}
	seed(t, store, relational.Job{ID: "stalled-local", State: relational.StateProcessing, WorkerID: "me", LastProgressAt: time.Now().Add(-time.Hour)})
	seed(t, store, relational.Job{ID: "stalled-remote", State: relational.StateProcessing, WorkerID: "other", LastProgressAt: time.Now().Add(-time.Hour)})
	seed(t, store, relational.Job{ID: "lively", State: relational.StateProcessing, WorkerID: "me", LastProgressAt: time.Now()})

	s := New(store, sig, nil, Options{StallThreshold: 30 * time.Minute})
	n, err := s.ReapStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"stalled-local"}, sig.cancelled, "only local workers get the cancel signal")

	lively, err := store.LoadByID(context.Background(), "lively")
	require.NoError(t, err)
	assert.Equal(t, relational.StateProcessing, lively.State)

	reaped, err := store.LoadByID(context.Background(), "stalled-remote")
	require.NoError(t, err)
	assert.Equal(t, relational.StateFailed, reaped.State)
	assert.Equal(t, string(errs.KindStalled), reaped.Error.Kind)
}

func TestRecoverOrphansRequeuesThenFails(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	sig := &fakeSignaler{id: "me"}
	seed(t, store, relational.Job{ID: "orphan", State: relational.StateProcessing, WorkerID: "dead-worker"})
	seed(t, store, relational.Job{ID: "spent", State: relational.StateQueued, WorkerID: "dead-worker", RetryCount: 1})
	seed(t, store, relational.Job{ID: "mine", State: relational.StateProcessing, WorkerID: "me"})

	s := New(store, sig, nil, Options{RetryBudget: 1})
	n, err := s.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	orphan, err := store.LoadByID(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, relational.StateApproved, orphan.State, "within budget: requeued")
	assert.Empty(t, orphan.WorkerID)
	assert.Equal(t, 1, orphan.RetryCount)

	spent, err := store.LoadByID(context.Background(), "spent")
	require.NoError(t, err)
	assert.Equal(t, relational.StateFailed, spent.State, "budget exhausted: failed")

	mine, err := store.LoadByID(context.Background(), "mine")
	require.NoError(t, err)
	assert.Equal(t, relational.StateProcessing, mine.State, "local claims are not orphans")
}

func TestPruneRespectsRetention(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	old := time.Now().Add(-10 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	seed(t, store, relational.Job{ID: "old-done", State: relational.StateCompleted, TerminalAt: &old})
	seed(t, store, relational.Job{ID: "recent-done", State: relational.StateCompleted, TerminalAt: &recent})
	seed(t, store, relational.Job{ID: "running", State: relational.StateProcessing})

	s := New(store, nil, nil, Options{RetentionWindow: 7 * 24 * time.Hour})
	n, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.LoadByID(context.Background(), "old-done")
	assert.ErrorIs(t, err, relational.ErrNotFound)
	_, err = store.LoadByID(context.Background(), "recent-done")
	assert.NoError(t, err)
}

func TestSweepEmitsStats(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	past := time.Now().Add(-time.Minute)
	seed(t, store, relational.Job{ID: "late", State: relational.StateAwaitingApproval, ApprovalDeadline: &past})

	sink := NewMemorySink()
	s := New(store, nil, sink, Options{})
	st := s.Sweep(context.Background())
	assert.Equal(t, 1, st.Expired)

	sweeps := sink.Sweeps()
	require.Len(t, sweeps, 1)
	assert.Equal(t, 1, sweeps[0].Expired)
}

func TestApprovalExpiryEndToEnd(t *testing.T) {
	t.Parallel()
	store := relational.NewMemoryJobStore()
	deadline := time.Now().Add(time.Second)
	seed(t, store, relational.Job{ID: "j1", State: relational.StateAwaitingApproval, ApprovalDeadline: &deadline})

	s := New(store, nil, nil, Options{})
	// before the deadline nothing expires
	n, err := s.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(1100 * time.Millisecond)
	n, err = s.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := store.LoadByID(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, relational.StateExpired, j.State)
}
