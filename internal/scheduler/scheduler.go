// Package scheduler runs the periodic sweep over the Job Store (expiring
// stale approvals, reaping stalled processing jobs, pruning old terminal
// jobs) and, once at startup, recovers orphans from dead workers. All
// mutations go through the
// store's CAS, so any number of instances can sweep concurrently without
// double-applying a transition.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"veridian/internal/errs"
	"veridian/internal/observability"
	"veridian/internal/persistence/relational"
)

// Stats summarizes one sweep tick.
type Stats struct {
	At       time.Time
	Expired  int
	Stalled  int
	Orphaned int
	Pruned   int
	Took     time.Duration
}

// LocalSignaler lets the scheduler abort a stalled task running on this
// instance; the worker pool implements it.
type LocalSignaler interface {
	WorkerID() string
	SignalCancel(jobID string)
}

// Options tunes the sweep.
type Options struct {
	Interval        time.Duration // default 60s
	StallThreshold  time.Duration // default 30m
	RetentionWindow time.Duration // default 7d
	RetryBudget     int           // orphan requeue budget, default 1
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.StallThreshold <= 0 {
		o.StallThreshold = 30 * time.Minute
	}
	if o.RetentionWindow <= 0 {
		o.RetentionWindow = 7 * 24 * time.Hour
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 1
	}
	return o
}

// Scheduler is the background sweeper.
type Scheduler struct {
	store relational.JobStore
	local LocalSignaler
	sink  StatsSink
	audit func(context.Context) ([]string, error)
	opts  Options
}

// New builds a Scheduler. local and sink may be nil.
func New(store relational.JobStore, local LocalSignaler, sink StatsSink, opts Options) *Scheduler {
	return &Scheduler{store: store, local: local, sink: sink, opts: opts.withDefaults()}
}

// SetArtifactAudit attaches the artifact store's orphan-blob audit so each
// sweep reports leaked blobs. Audit findings are logged by the audit itself;
// the sweep only cares that it ran.
func (s *Scheduler) SetArtifactAudit(audit func(context.Context) ([]string, error)) {
	s.audit = audit
}

// Run recovers orphans once at startup, then sweeps until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.RecoverOrphans(ctx); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Msg("orphan_recovery_failed")
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every maintenance pass once and emits stats.
func (s *Scheduler) Sweep(ctx context.Context) Stats {
	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	st := Stats{At: start.UTC()}

	n, err := s.ExpireApprovals(ctx)
	st.Expired = n
	if err != nil {
		log.Error().Err(err).Msg("expire_approvals_failed")
	}
	n, err = s.ReapStalled(ctx)
	st.Stalled = n
	if err != nil {
		log.Error().Err(err).Msg("reap_stalled_failed")
	}
	n, err = s.Prune(ctx)
	st.Pruned = n
	if err != nil {
		log.Error().Err(err).Msg("prune_failed")
	}
	if s.audit != nil {
		if _, err := s.audit(ctx); err != nil {
			log.Warn().Err(err).Msg("artifact_audit_failed")
		}
	}

	st.Took = time.Since(start)
	log.Info().
		Int("expired", st.Expired).
		Int("stalled", st.Stalled).
		Int("pruned", st.Pruned).
		Dur("took", st.Took).
		Msg("scheduler_sweep")
	if s.sink != nil {
		if err := s.sink.RecordSweep(ctx, st); err != nil {
			log.Warn().Err(err).Msg("scheduler_stats_sink_failed")
		}
	}
	return st
}

// ExpireApprovals moves awaiting_approval jobs past their deadline to
// expired.
func (s *Scheduler) ExpireApprovals(ctx context.Context) (int, error) {
	rows, err := s.store.List(ctx, relational.JobFilter{State: relational.StateAwaitingApproval}, relational.Pagination{})
	if err != nil {
		return 0, fmt.Errorf("list awaiting approval: %w", err)
	}
	now := time.Now()
	n := 0
	for _, j := range rows {
		if j.ApprovalDeadline == nil || j.ApprovalDeadline.After(now) {
			continue
		}
		ok, err := s.store.UpdateStateAtomically(ctx, j.ID, relational.StateAwaitingApproval, relational.StateExpired, func(row *relational.Job) {
			row.Error = &relational.JobError{Kind: string(errs.KindExpired), Message: "approval deadline passed"}
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ReapStalled fails processing jobs whose last progress update is older than
// the stall threshold, signalling local cancellation when the worker is ours.
func (s *Scheduler) ReapStalled(ctx context.Context) (int, error) {
	rows, err := s.store.List(ctx, relational.JobFilter{State: relational.StateProcessing}, relational.Pagination{})
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	cutoff := time.Now().Add(-s.opts.StallThreshold)
	n := 0
	for _, j := range rows {
		last := j.LastProgressAt
		if last.IsZero() {
			last = j.SubmittedAt
		}
		if last.After(cutoff) {
			continue
		}
		ok, err := s.store.UpdateStateAtomically(ctx, j.ID, relational.StateProcessing, relational.StateFailed, func(row *relational.Job) {
			row.Error = &relational.JobError{Kind: string(errs.KindStalled), Message: "no progress within stall threshold"}
		})
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		if s.local != nil && j.WorkerID == s.local.WorkerID() {
			s.local.SignalCancel(j.ID)
		}
	}
	return n, nil
}

// RecoverOrphans requeues queued/processing jobs whose claiming worker is
// not this instance's pool — runs at startup, when any such claim is
// necessarily dead. Jobs past the retry budget fail instead of requeueing.
func (s *Scheduler) RecoverOrphans(ctx context.Context) (int, error) {
	n := 0
	for _, state := range []relational.JobState{relational.StateQueued, relational.StateProcessing} {
		rows, err := s.store.List(ctx, relational.JobFilter{State: state}, relational.Pagination{})
		if err != nil {
			return n, fmt.Errorf("list %s: %w", state, err)
		}
		for _, j := range rows {
			if s.local != nil && j.WorkerID == s.local.WorkerID() {
				continue
			}
			if j.RetryCount >= s.opts.RetryBudget {
				ok, err := s.store.UpdateStateAtomically(ctx, j.ID, state, relational.StateFailed, func(row *relational.Job) {
					row.Error = &relational.JobError{Kind: string(errs.KindInternal), Message: "orphaned with retry budget exhausted"}
				})
				if err != nil {
					return n, err
				}
				if ok {
					n++
				}
				continue
			}
			ok, err := s.store.UpdateStateAtomically(ctx, j.ID, state, relational.StateApproved, func(row *relational.Job) {
				row.WorkerID = ""
				row.RetryCount++
			})
			if err != nil {
				return n, err
			}
			if ok {
				n++
			}
		}
	}
	return n, nil
}

// Prune deletes terminal jobs older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.opts.RetentionWindow)
	return s.store.GarbageCollect(ctx, cutoff, []relational.JobState{
		relational.StateCompleted, relational.StateFailed, relational.StateCancelled, relational.StateExpired,
	})
}
