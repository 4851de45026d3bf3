// Package relational holds the durable, row-oriented state the rest of the
// control plane depends on: Job records (with CAS state transitions),
// SourceEmbedding rows, and Artifact metadata. Grounded on the teacher's
// pgx pool usage (postgres_doc.go, pool.go) and its plain-struct row shapes.
package relational

import "time"

// JobKind enumerates the worker-dispatchable job types (§3).
type JobKind string

const (
	JobKindIngestText      JobKind = "ingest-text"
	JobKindIngestFile      JobKind = "ingest-file"
	JobKindIngestImage     JobKind = "ingest-image"
	JobKindRestore         JobKind = "restore"
	JobKindRegenerateEmbed JobKind = "regenerate-embeddings"
	JobKindAnalysis        JobKind = "analysis"
)

// JobState enumerates the single-path state machine (§4.9/§8).
type JobState string

const (
	StateSubmitted        JobState = "submitted"
	StatePending          JobState = "pending"
	StateAwaitingApproval JobState = "awaiting_approval"
	StateApproved         JobState = "approved"
	StateQueued           JobState = "queued"
	StateProcessing       JobState = "processing"
	StateCompleted        JobState = "completed"
	StateFailed           JobState = "failed"
	StateCancelled        JobState = "cancelled"
	StateExpired          JobState = "expired"
)

// Terminal reports whether a state ends the job's lifecycle.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// ProcessingMode selects serial vs. parallel chunk processing (§4.E).
type ProcessingMode string

const (
	ModeSerial   ProcessingMode = "serial"
	ModeParallel ProcessingMode = "parallel"
)

// CostEstimate is computed before any LLM call by cheap heuristics.
type CostEstimate struct {
	TokensIn           int64
	TokensOut          int64
	ApproxCurrencyCost float64
}

// ChunkPlan records the ingestion chunking parameters chosen at submission.
type ChunkPlan struct {
	Count        int
	TargetWords  int
	OverlapWords int
	Strategy     string
}

// StageCounters tracks the per-stage counters named in §4.E.7.
type StageCounters struct {
	ConceptsCreated       int `json:"concepts_created"`
	ConceptsMatched       int `json:"concepts_matched"`
	ConceptsMerged        int `json:"concepts_merged"`
	RelationshipsCreated  int `json:"relationships_created"`
	RelationshipsMerged   int `json:"relationships_merged"`
	RelationshipsDropped  int `json:"relationships_dropped"`
	EvidenceAppended      int `json:"evidence_appended"`
}

// Progress is the live snapshot polled by the control API and persisted
// (rate-limited) by the broker.
type Progress struct {
	Stage      string        `json:"stage"`
	ItemsDone  int           `json:"items_done"`
	ItemsTotal int           `json:"items_total"`
	Counters   StageCounters `json:"counters"`
	Message    string        `json:"message,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Result is the terminal payload for a completed job.
type Result struct {
	ChunksDone  int           `json:"chunks_done"`
	SourcesIDs  []string      `json:"source_ids"`
	Counters    StageCounters `json:"counters"`
	Warnings    []string      `json:"warnings,omitempty"`
	ArtifactID  string        `json:"artifact_id,omitempty"` // set by analysis jobs
	RefersToJob string        `json:"refers_to_job,omitempty"` // set on dedup hit
}

// JobError is the structured, user-visible failure cause (§7).
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Job is the durable record described in §3.
type Job struct {
	ID                string
	Kind              JobKind
	OwnerPrincipal    string
	OntologyName      string
	DocumentName      string
	InputObjectKey    string // object-store key of the submitted payload
	SubmittedAt       time.Time
	State             JobState
	Cost              CostEstimate
	Chunks            ChunkPlan
	Mode              ProcessingMode
	Progress          Progress
	Result            *Result
	Error             *JobError
	DedupKey          string
	ApprovalDeadline  *time.Time
	TerminalAt        *time.Time
	ClientRequestID   string
	WorkerID          string
	CancelRequested   bool
	RetryCount        int
	LastProgressAt    time.Time
}
