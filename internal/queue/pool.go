// Package queue dispatches approved jobs to typed workers. The dispatch CAS
// (approved -> queued, stamping the claiming worker) is the at-most-once
// start guarantee; everything else here is plumbing around it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"veridian/internal/broker"
	"veridian/internal/errs"
	"veridian/internal/job"
	"veridian/internal/observability"
	"veridian/internal/persistence/relational"
)

// Status tags a worker's outcome; workers report results, they do not panic
// to signal failure.
type Status int

const (
	StatusDone Status = iota
	StatusFailed
	StatusCancelled
)

// Outcome is the tagged result every worker returns.
type Outcome struct {
	Status  Status
	Result  *relational.Result
	Cause   errs.Kind
	Message string
}

// Done wraps a successful result.
func Done(res relational.Result) Outcome {
	return Outcome{Status: StatusDone, Result: &res}
}

// Failed wraps a failure with its taxonomy kind.
func Failed(cause errs.Kind, message string, partial *relational.Result) Outcome {
	return Outcome{Status: StatusFailed, Cause: cause, Message: message, Result: partial}
}

// Cancelled wraps a cooperative stop with whatever completed.
func Cancelled(message string, partial *relational.Result) Outcome {
	return Outcome{Status: StatusCancelled, Cause: errs.KindCancelled, Message: message, Result: partial}
}

// Worker executes one job kind. Implementations must poll cancelled between
// chunks and before provider calls, and stop writing once it returns true.
type Worker interface {
	Run(ctx context.Context, j relational.Job, emit func(broker.Event), cancelled func(context.Context) bool) Outcome
}

// Pool runs a fixed number of dispatch loops over the Job Store.
type Pool struct {
	store    relational.JobStore
	jobs     *job.Manager
	events   *broker.Broker
	workers  map[relational.JobKind]Worker
	workerID string
	size     int
	poll     time.Duration

	wake    chan struct{}
	metrics *observability.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// SetMetrics attaches an instrument set; nil (the default) disables
// recording without branching at call sites.
func (p *Pool) SetMetrics(m *observability.Metrics) { p.metrics = m }

// NewPool builds a Pool of size dispatch loops polling every poll interval.
func NewPool(store relational.JobStore, jobs *job.Manager, events *broker.Broker, workers map[relational.JobKind]Worker, size int, poll time.Duration) *Pool {
	if size <= 0 {
		size = len(workers)
		if size == 0 {
			size = 1
		}
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	host, _ := os.Hostname()
	return &Pool{
		store:    store,
		jobs:     jobs,
		events:   events,
		workers:  workers,
		workerID: host + "/" + uuid.NewString()[:8],
		size:     size,
		poll:     poll,
		wake:     make(chan struct{}, 1),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// WorkerID identifies this pool instance in job rows, so orphan recovery can
// tell local claims from dead ones.
func (p *Pool) WorkerID() string { return p.workerID }

// Wake nudges the dispatch loops ahead of the next poll tick. Safe from any
// goroutine; a full signal buffer means a wakeup is already pending.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SignalCancel aborts the in-flight task for a job running on this instance.
// Remote instances observe the store's cancel flag instead.
func (p *Pool) SignalCancel(jobID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run blocks until ctx ends, dispatching approved jobs across size loops.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dispatchLoop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	for {
		claimed, err := p.dispatchOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			observability.LoggerWithTrace(ctx).Error().Err(err).Msg("dispatch_error")
		}
		if claimed {
			continue // drain the backlog before sleeping
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.poll):
		}
	}
}

// dispatchOne claims and runs at most one approved job. Returns whether a
// job was claimed (won the CAS), regardless of its outcome.
func (p *Pool) dispatchOne(ctx context.Context) (bool, error) {
	candidates, err := p.store.List(ctx, relational.JobFilter{State: relational.StateApproved}, relational.Pagination{Limit: 10})
	if err != nil {
		return false, fmt.Errorf("list approved jobs: %w", err)
	}
	for _, cand := range candidates {
		if p.workers[cand.Kind] == nil {
			continue
		}
		ok, err := p.store.UpdateStateAtomically(ctx, cand.ID, relational.StateApproved, relational.StateQueued, func(j *relational.Job) {
			j.WorkerID = p.workerID
		})
		if err != nil {
			return false, err
		}
		if !ok {
			continue // another dispatcher won
		}
		p.runClaimed(ctx, cand.ID)
		return true, nil
	}
	return false, nil
}

func (p *Pool) runClaimed(ctx context.Context, jobID string) {
	log := observability.LoggerWithTrace(ctx)

	ok, err := p.store.UpdateStateAtomically(ctx, jobID, relational.StateQueued, relational.StateProcessing, func(j *relational.Job) {
		j.LastProgressAt = time.Now().UTC()
	})
	if err != nil || !ok {
		log.Error().Err(err).Str("job_id", jobID).Msg("queued_to_processing_failed")
		return
	}
	j, err := p.store.LoadByID(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("load_claimed_job_failed")
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[jobID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, jobID)
		p.mu.Unlock()
	}()

	cancelled := func(c context.Context) bool {
		if c.Err() != nil {
			return true
		}
		row, err := p.store.LoadByID(c, jobID)
		if err != nil {
			return false
		}
		return row.CancelRequested
	}
	emit := func(ev broker.Event) {
		ev.JobID = jobID
		p.events.Publish(taskCtx, ev)
	}

	log.Info().Str("job_id", jobID).Str("kind", string(j.Kind)).Str("worker_id", p.workerID).Msg("job_start")
	stop := p.metrics.StageTimer(ctx, "job_duration_ms")
	out := p.workers[j.Kind].Run(taskCtx, j, emit, cancelled)
	stop()
	p.finalize(ctx, jobID, out)
}

func (p *Pool) finalize(ctx context.Context, jobID string, out Outcome) {
	log := observability.LoggerWithTrace(ctx)
	var (
		state  relational.JobState
		jobErr *relational.JobError
		err    error
	)
	switch out.Status {
	case StatusDone:
		state = relational.StateCompleted
		res := relational.Result{}
		if out.Result != nil {
			res = *out.Result
		}
		err = p.jobs.RecordResult(ctx, jobID, res)
	case StatusCancelled:
		state = relational.StateCancelled
		jobErr = &relational.JobError{Kind: string(errs.KindCancelled), Message: out.Message}
		err = p.jobs.RecordFailure(ctx, jobID, relational.StateCancelled, errs.KindCancelled, out.Message, out.Result)
	default:
		state = relational.StateFailed
		cause := out.Cause
		if cause == "" {
			cause = errs.KindInternal
		}
		jobErr = &relational.JobError{Kind: string(cause), Message: out.Message}
		err = p.jobs.RecordFailure(ctx, jobID, relational.StateFailed, cause, out.Message, out.Result)
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("job_finalize_failed")
		return
	}
	p.metrics.IncCounter(ctx, "jobs_"+string(state), 1)
	p.events.PublishDone(ctx, jobID, state, out.Result, jobErr)
	log.Info().Str("job_id", jobID).Str("state", string(state)).Msg("job_end")
}
