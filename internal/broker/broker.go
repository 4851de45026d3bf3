// Package broker collects progress events from workers and serves them to
// pollers (via rate-limited Job Store snapshots) and event-stream
// subscribers (via per-job channels). Per job, events reach each subscriber
// in emission order; nothing is promised across jobs.
package broker

import (
	"context"
	"sync"
	"time"

	"veridian/internal/observability"
	"veridian/internal/persistence/relational"
)

// Event is one progress or terminal notification for a job.
type Event struct {
	JobID         string                   `json:"job_id"`
	Stage         string                   `json:"stage"`
	ItemsDone     int                      `json:"items_done"`
	ItemsTotal    int                      `json:"items_total"`
	Message       string                   `json:"message,omitempty"`
	Level         string                   `json:"level,omitempty"` // "", "warning"
	Timestamp     time.Time                `json:"timestamp"`
	CountersDelta relational.StageCounters `json:"counters_delta"`

	// Terminal fields, set only on the final event of a job.
	Terminal bool                  `json:"terminal,omitempty"`
	State    relational.JobState   `json:"state,omitempty"`
	Result   *relational.Result    `json:"result,omitempty"`
	Error    *relational.JobError  `json:"error,omitempty"`
}

// subscriber buffers generously so a slow reader drops events rather than
// stalling the worker; the store snapshot remains the source of truth.
const subscriberBuffer = 64

// persistInterval rate-limits snapshot writes to the Job Store (~1 Hz).
const persistInterval = time.Second

type subscription struct {
	ch chan Event
}

// Broker multiplexes worker progress. One instance per control plane.
type Broker struct {
	store relational.JobStore

	mu          sync.Mutex
	subs        map[string]map[*subscription]bool // jobID -> subscribers
	snapshots   map[string]relational.Progress    // running accumulation per job
	lastPersist map[string]time.Time
}

// New builds a Broker over the given Job Store.
func New(store relational.JobStore) *Broker {
	return &Broker{
		store:       store,
		subs:        make(map[string]map[*subscription]bool),
		snapshots:   make(map[string]relational.Progress),
		lastPersist: make(map[string]time.Time),
	}
}

// Publish accumulates an event into the job's progress snapshot, persists it
// (rate-limited) and fans it out to live subscribers.
func (b *Broker) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	snap := b.snapshots[ev.JobID]
	snap.Stage = ev.Stage
	snap.ItemsDone = ev.ItemsDone
	snap.ItemsTotal = ev.ItemsTotal
	snap.Message = ev.Message
	snap.UpdatedAt = ev.Timestamp
	addCounters(&snap.Counters, ev.CountersDelta)
	b.snapshots[ev.JobID] = snap

	persist := time.Since(b.lastPersist[ev.JobID]) >= persistInterval
	if persist {
		b.lastPersist[ev.JobID] = time.Now()
	}
	targets := b.collectSubs(ev.JobID)
	b.mu.Unlock()

	if persist {
		if err := b.store.UpdateProgress(ctx, ev.JobID, snap); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("job_id", ev.JobID).Msg("progress_persist_failed")
		}
	}
	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			// slow subscriber: drop; terminal events are never dropped
			// because PublishDone closes after a blocking send
		}
	}
}

// PublishDone emits the terminal event for a job, persists the final
// snapshot unconditionally, and closes every subscription.
func (b *Broker) PublishDone(ctx context.Context, jobID string, state relational.JobState, result *relational.Result, jobErr *relational.JobError) {
	ev := Event{
		JobID:     jobID,
		Stage:     "done",
		Timestamp: time.Now().UTC(),
		Terminal:  true,
		State:     state,
		Result:    result,
		Error:     jobErr,
	}

	b.mu.Lock()
	snap := b.snapshots[jobID]
	snap.Stage = "done"
	snap.UpdatedAt = ev.Timestamp
	ev.ItemsDone, ev.ItemsTotal = snap.ItemsDone, snap.ItemsTotal
	targets := b.collectSubs(jobID)
	delete(b.subs, jobID)
	delete(b.snapshots, jobID)
	delete(b.lastPersist, jobID)
	b.mu.Unlock()

	if err := b.store.UpdateProgress(ctx, jobID, snap); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("job_id", jobID).Msg("final_progress_persist_failed")
	}
	for _, sub := range targets {
		sub.ch <- ev
		close(sub.ch)
	}
}

// Subscribe returns a channel of events for one job and a cancel func. A
// subscriber arriving after the job reached a terminal state receives one
// synthesized terminal event from the store snapshot, then a close.
func (b *Broker) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	j, err := b.store.LoadByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if j.State.Terminal() {
		ch := make(chan Event, 1)
		ch <- Event{
			JobID:      jobID,
			Stage:      "done",
			ItemsDone:  j.Progress.ItemsDone,
			ItemsTotal: j.Progress.ItemsTotal,
			Timestamp:  time.Now().UTC(),
			Terminal:   true,
			State:      j.State,
			Result:     j.Result,
			Error:      j.Error,
		}
		close(ch)
		return ch, func() {}, nil
	}

	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*subscription]bool)
	}
	b.subs[jobID][sub] = true
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[jobID]; ok && set[sub] {
			delete(set, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Snapshot returns the broker's in-memory progress for a job, if any. Used
// by pollers between persisted writes.
func (b *Broker) Snapshot(jobID string) (relational.Progress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.snapshots[jobID]
	return p, ok
}

func (b *Broker) collectSubs(jobID string) []*subscription {
	out := make([]*subscription, 0, len(b.subs[jobID]))
	for sub := range b.subs[jobID] {
		out = append(out, sub)
	}
	return out
}

func addCounters(dst *relational.StageCounters, d relational.StageCounters) {
	dst.ConceptsCreated += d.ConceptsCreated
	dst.ConceptsMatched += d.ConceptsMatched
	dst.ConceptsMerged += d.ConceptsMerged
	dst.RelationshipsCreated += d.RelationshipsCreated
	dst.RelationshipsMerged += d.RelationshipsMerged
	dst.RelationshipsDropped += d.RelationshipsDropped
	dst.EvidenceAppended += d.EvidenceAppended
}
