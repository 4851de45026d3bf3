package relational

import (
	"context"
	"sort"
	"sync"
	"time"
)

// JobFilter narrows List results.
type JobFilter struct {
	State    JobState
	Owner    string
	Kind     JobKind
	DedupKey string
	Ontology string
}

// Pagination is a simple offset/limit page request.
type Pagination struct {
	Offset int
	Limit  int
}

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = jobNotFoundError{}

type jobNotFoundError struct{}

func (jobNotFoundError) Error() string { return "job not found" }

// JobStore is the durable persistence interface §4.H requires. Every state
// transition MUST go through UpdateStateAtomically's CAS so two concurrent
// schedulers/workers can never both win a transition.
type JobStore interface {
	Insert(ctx context.Context, j Job) error
	LoadByID(ctx context.Context, id string) (Job, error)
	// FindTerminalByDedupKey returns the most recent terminal job with this dedup key
	// and ontology, if any (§4.E duplicate detection).
	FindTerminalByDedupKey(ctx context.Context, dedupKey, ontology string) (Job, bool, error)
	// UpdateStateAtomically performs `UPDATE ... WHERE id=id AND state=from`
	// semantics: patch is applied only if the CAS succeeds. Returns ok=false
	// without error if another writer already moved the state.
	UpdateStateAtomically(ctx context.Context, id string, from, to JobState, patch func(*Job)) (ok bool, err error)
	UpdateProgress(ctx context.Context, id string, p Progress) error
	RequestCancel(ctx context.Context, id string) error
	List(ctx context.Context, filter JobFilter, page Pagination) ([]Job, error)
	GarbageCollect(ctx context.Context, olderThan time.Time, states []JobState) (int, error)
}

// memoryJobStore is an in-process JobStore for tests and the mock control
// plane, CAS implemented with a single mutex (adequate for a single
// process — the Postgres JobStore uses a SQL row-level CAS).
type memoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemoryJobStore returns an in-memory JobStore.
func NewMemoryJobStore() JobStore {
	return &memoryJobStore{jobs: make(map[string]Job)}
}

func (s *memoryJobStore) Insert(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memoryJobStore) LoadByID(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

func (s *memoryJobStore) FindTerminalByDedupKey(_ context.Context, dedupKey, ontology string) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Job
	found := false
	for _, j := range s.jobs {
		if j.DedupKey == dedupKey && j.OntologyName == ontology && j.State.Terminal() {
			if !found || j.SubmittedAt.After(best.SubmittedAt) {
				best = j
				found = true
			}
		}
	}
	return best, found, nil
}

func (s *memoryJobStore) UpdateStateAtomically(_ context.Context, id string, from, to JobState, patch func(*Job)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.State != from {
		return false, nil
	}
	j.State = to
	if to.Terminal() {
		now := time.Now()
		j.TerminalAt = &now
	}
	if patch != nil {
		patch(&j)
	}
	s.jobs[id] = j
	return true, nil
}

func (s *memoryJobStore) UpdateProgress(_ context.Context, id string, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Progress = p
	j.LastProgressAt = p.UpdatedAt
	s.jobs[id] = j
	return nil
}

func (s *memoryJobStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.CancelRequested = true
	s.jobs[id] = j
	return nil
}

func (s *memoryJobStore) List(_ context.Context, filter JobFilter, page Pagination) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.Owner != "" && j.OwnerPrincipal != filter.Owner {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.DedupKey != "" && j.DedupKey != filter.DedupKey {
			continue
		}
		if filter.Ontology != "" && j.OntologyName != filter.Ontology {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.After(out[k].SubmittedAt) })
	if page.Limit > 0 {
		start := page.Offset
		if start > len(out) {
			start = len(out)
		}
		end := start + page.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, nil
}

func (s *memoryJobStore) GarbageCollect(_ context.Context, olderThan time.Time, states []JobState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	n := 0
	for id, j := range s.jobs {
		if !want[j.State] {
			continue
		}
		if j.TerminalAt == nil || j.TerminalAt.After(olderThan) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}
