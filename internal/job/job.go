// Package job owns the lifecycle of durable job records: submission with
// dedup and cost estimation, the approval gate, and every CAS-guarded state
// transition the queue and scheduler perform.
package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"veridian/internal/chunker"
	"veridian/internal/config"
	"veridian/internal/errs"
	"veridian/internal/observability"
	"veridian/internal/persistence/relational"
)

// Cost heuristics, calibrated once against observed provider billing. Used
// only for the pre-approval estimate; nothing downstream depends on them.
const (
	tokensPerWord      = 1.4
	contextTokensChunk = 1200 // prior-concept context re-sent per chunk
	outputTokensChunk  = 900
	usdPerMTokIn       = 3.0
	usdPerMTokOut      = 15.0
)

// DedupKey is the §6 dedup key: SHA-256 over the canonicalized input text,
// a NUL separator, and the ontology name.
func DedupKey(text, ontology string) string {
	h := sha256.New()
	h.Write([]byte(canonicalize(text)))
	h.Write([]byte{0})
	h.Write([]byte(ontology))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize normalizes line endings and trims surrounding whitespace so
// cosmetic differences don't defeat duplicate detection.
func canonicalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}

// EstimateCost predicts token usage and approximate currency cost from word
// counts alone — no provider call happens before approval.
func EstimateCost(wordCount int, opt config.ChunkingConfig) (relational.CostEstimate, relational.ChunkPlan) {
	opt = opt.WithDefaults()
	chunks := chunker.PlanChunkCount(wordCount, opt)
	in := int64(float64(wordCount)*tokensPerWord) + int64(chunks*contextTokensChunk)
	out := int64(chunks * outputTokensChunk)
	return relational.CostEstimate{
			TokensIn:           in,
			TokensOut:          out,
			ApproxCurrencyCost: float64(in)/1e6*usdPerMTokIn + float64(out)/1e6*usdPerMTokOut,
		}, relational.ChunkPlan{
			Count:        chunks,
			TargetWords:  opt.TargetWords,
			OverlapWords: opt.OverlapWords,
			Strategy:     "words",
		}
}

// Submission carries everything needed to create a job record.
type Submission struct {
	Kind            relational.JobKind
	Owner           string
	Ontology        string
	Text            string
	DocumentName    string
	InputObjectKey  string
	Mode            relational.ProcessingMode
	Chunking        config.ChunkingConfig
	AutoApprove     bool
	Force           bool
	ApprovalTTL     time.Duration
	ClientRequestID string
}

// Manager performs lifecycle operations against the Job Store. Every state
// change goes through the store's CAS; the Manager adds policy, not locking.
type Manager struct {
	store      relational.JobStore
	dedupe     DedupeCache
	defaultTTL time.Duration
}

// NewManager builds a Manager. dedupe may be nil; the store's index is the
// correctness-bearing dedup path, the cache only skips a query.
func NewManager(store relational.JobStore, dedupe DedupeCache) *Manager {
	return &Manager{store: store, dedupe: dedupe, defaultTTL: 24 * time.Hour}
}

// SetApprovalTTL overrides the default approval deadline for submissions
// that don't carry their own.
func (m *Manager) SetApprovalTTL(d time.Duration) {
	if d > 0 {
		m.defaultTTL = d
	}
}

// Submit validates, dedup-checks, and inserts a job. When a terminal job
// with the same dedup key exists and force is off, the prior job is returned
// with prior=true and nothing is inserted.
func (m *Manager) Submit(ctx context.Context, sub Submission) (j relational.Job, prior bool, err error) {
	if sub.Ontology == "" {
		return relational.Job{}, false, errs.New(errs.KindValidation, "ontology name is required")
	}
	if needsText(sub.Kind) && strings.TrimSpace(sub.Text) == "" {
		return relational.Job{}, false, errs.New(errs.KindValidation, "submission text is empty")
	}
	if sub.Mode == "" {
		sub.Mode = relational.ModeSerial
	}
	if sub.ApprovalTTL <= 0 {
		sub.ApprovalTTL = m.defaultTTL
	}

	dedupKey := ""
	if needsText(sub.Kind) {
		dedupKey = DedupKey(sub.Text, sub.Ontology)
		if !sub.Force {
			if existing, ok, err := m.findDuplicate(ctx, dedupKey, sub.Ontology); err != nil {
				return relational.Job{}, false, err
			} else if ok {
				return existing, true, nil
			}
		}
	}

	words := len(strings.Fields(sub.Text))
	cost, plan := EstimateCost(words, sub.Chunking)

	now := time.Now().UTC()
	j = relational.Job{
		ID:              uuid.NewString(),
		Kind:            sub.Kind,
		OwnerPrincipal:  sub.Owner,
		OntologyName:    sub.Ontology,
		DocumentName:    sub.DocumentName,
		InputObjectKey:  sub.InputObjectKey,
		SubmittedAt:     now,
		State:           relational.StateSubmitted,
		Cost:            cost,
		Chunks:          plan,
		Mode:            sub.Mode,
		DedupKey:        dedupKey,
		ClientRequestID: sub.ClientRequestID,
		LastProgressAt:  now,
	}
	if err := m.store.Insert(ctx, j); err != nil {
		return relational.Job{}, false, errs.Wrap(errs.KindInternal, "insert job", err)
	}

	if sub.AutoApprove {
		ok, err := m.store.UpdateStateAtomically(ctx, j.ID, relational.StateSubmitted, relational.StateApproved, nil)
		if err != nil || !ok {
			return relational.Job{}, false, errs.Wrap(errs.KindInternal, "auto-approve job", err)
		}
		j.State = relational.StateApproved
	} else {
		deadline := now.Add(sub.ApprovalTTL)
		ok, err := m.store.UpdateStateAtomically(ctx, j.ID, relational.StateSubmitted, relational.StateAwaitingApproval, func(row *relational.Job) {
			row.ApprovalDeadline = &deadline
		})
		if err != nil || !ok {
			return relational.Job{}, false, errs.Wrap(errs.KindInternal, "move job to awaiting approval", err)
		}
		j.State = relational.StateAwaitingApproval
		j.ApprovalDeadline = &deadline
	}

	observability.LoggerWithTrace(ctx).Info().
		Str("job_id", j.ID).
		Str("kind", string(j.Kind)).
		Str("ontology", j.OntologyName).
		Str("state", string(j.State)).
		Int("planned_chunks", plan.Count).
		Float64("approx_cost", cost.ApproxCurrencyCost).
		Msg("job_submitted")
	return j, false, nil
}

func needsText(kind relational.JobKind) bool {
	switch kind {
	case relational.JobKindIngestText, relational.JobKindIngestFile, relational.JobKindIngestImage:
		return true
	default:
		return false
	}
}

func (m *Manager) findDuplicate(ctx context.Context, dedupKey, ontology string) (relational.Job, bool, error) {
	if m.dedupe != nil {
		if id, err := m.dedupe.Get(ctx, dedupKey); err == nil && id != "" {
			if j, err := m.store.LoadByID(ctx, id); err == nil && j.State.Terminal() {
				return j, true, nil
			}
		}
	}
	j, ok, err := m.store.FindTerminalByDedupKey(ctx, dedupKey, ontology)
	if err != nil {
		return relational.Job{}, false, errs.Wrap(errs.KindInternal, "dedup lookup", err)
	}
	return j, ok, nil
}

// Approve moves awaiting_approval (or submitted, for callers approving
// before the gate engages) to approved and clears the deadline.
func (m *Manager) Approve(ctx context.Context, id string) (relational.Job, error) {
	j, err := m.store.LoadByID(ctx, id)
	if err != nil {
		return relational.Job{}, errs.Wrap(errs.KindValidation, "job not found", err)
	}
	switch j.State {
	case relational.StateAwaitingApproval, relational.StateSubmitted, relational.StatePending:
	default:
		return relational.Job{}, errs.New(errs.KindValidation, "job is not awaiting approval (state "+string(j.State)+")")
	}
	ok, err := m.store.UpdateStateAtomically(ctx, id, j.State, relational.StateApproved, func(row *relational.Job) {
		row.ApprovalDeadline = nil
	})
	if err != nil {
		return relational.Job{}, errs.Wrap(errs.KindInternal, "approve job", err)
	}
	if !ok {
		return relational.Job{}, errs.New(errs.KindValidation, "job state changed concurrently")
	}
	return m.store.LoadByID(ctx, id)
}

// Cancel requests cancellation: pre-processing states transition directly to
// cancelled; a processing job gets its cancel flag set for the worker to
// observe cooperatively.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (relational.Job, error) {
	j, err := m.store.LoadByID(ctx, id)
	if err != nil {
		return relational.Job{}, errs.Wrap(errs.KindValidation, "job not found", err)
	}
	if j.State.Terminal() {
		return j, nil
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	if j.State == relational.StateProcessing {
		if err := m.store.RequestCancel(ctx, id); err != nil {
			return relational.Job{}, errs.Wrap(errs.KindInternal, "request cancel", err)
		}
		return m.store.LoadByID(ctx, id)
	}

	ok, err := m.store.UpdateStateAtomically(ctx, id, j.State, relational.StateCancelled, func(row *relational.Job) {
		row.Error = &relational.JobError{Kind: string(errs.KindCancelled), Message: reason}
	})
	if err != nil {
		return relational.Job{}, errs.Wrap(errs.KindInternal, "cancel job", err)
	}
	if !ok {
		// lost the race with a dispatcher; fall back to the flag
		if err := m.store.RequestCancel(ctx, id); err != nil {
			return relational.Job{}, errs.Wrap(errs.KindInternal, "request cancel", err)
		}
	}
	return m.store.LoadByID(ctx, id)
}

// RecordResult finalizes a completed job and caches its dedup key for the
// fast-path duplicate lookup.
func (m *Manager) RecordResult(ctx context.Context, id string, res relational.Result) error {
	ok, err := m.store.UpdateStateAtomically(ctx, id, relational.StateProcessing, relational.StateCompleted, func(row *relational.Job) {
		row.Result = &res
	})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "complete job", err)
	}
	if !ok {
		return errs.New(errs.KindInternal, "job left processing state before completion")
	}
	if m.dedupe != nil {
		if j, err := m.store.LoadByID(ctx, id); err == nil && j.DedupKey != "" {
			_ = m.dedupe.Set(ctx, j.DedupKey, id, 7*24*time.Hour)
		}
	}
	return nil
}

// RecordFailure finalizes a failed or cancelled job with a structured cause.
func (m *Manager) RecordFailure(ctx context.Context, id string, to relational.JobState, cause errs.Kind, message string, partial *relational.Result) error {
	ok, err := m.store.UpdateStateAtomically(ctx, id, relational.StateProcessing, to, func(row *relational.Job) {
		row.Error = &relational.JobError{Kind: string(cause), Message: message}
		if partial != nil {
			row.Result = partial
		}
	})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "finalize job", err)
	}
	if !ok {
		return errs.New(errs.KindInternal, "job left processing state before finalization")
	}
	return nil
}

// Store exposes the underlying JobStore for read paths (status, list).
func (m *Manager) Store() relational.JobStore { return m.store }
