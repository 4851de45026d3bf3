// Package controlapi is the Go-level contract of the control plane: the
// request/response shapes and the Facade every outer transport (HTTP, CLI,
// tool surface) would call through. No routing or auth lives here.
package controlapi

import (
	"context"
	"encoding/json"
	"time"

	"veridian/internal/broker"
	"veridian/internal/config"
	"veridian/internal/persistence/relational"
)

// SubmitRequest covers text, file, and image submissions. Exactly one of
// Text/ImageData is set; Filename is advisory for text and required-ish for
// images (extension selects the media type).
type SubmitRequest struct {
	Ontology    string
	Text        string
	ImageData   []byte
	Filename    string
	Owner       string
	Chunking    config.ChunkingConfig
	Mode        relational.ProcessingMode
	Force       bool
	AutoApprove bool
	RequestID   string
}

// SubmitResponse returns the created (or deduplicated) job and its estimate.
type SubmitResponse struct {
	JobID     string
	State     relational.JobState
	Duplicate bool
	Cost      relational.CostEstimate
	Chunks    relational.ChunkPlan
	// Result is set only on a dedup hit: the prior terminal job's result,
	// which is nil or partial when that job did not complete.
	Result *relational.Result
}

// JobStatus is the poll response: the row plus the freshest progress the
// broker holds in memory.
type JobStatus struct {
	Job      relational.Job
	Progress relational.Progress
}

// ConceptHit is one concept search result.
type ConceptHit struct {
	ConceptID     string
	Label         string
	Similarity    float64
	EvidenceCount int
}

// ConceptSearchRequest parameterizes concept search.
type ConceptSearchRequest struct {
	Ontology      string
	Query         string
	Limit         int
	MinSimilarity float64 // default 0.7
	Offset        int
}

// PathSearchRequest asks for up to K shortest paths between two concepts,
// addressed by id or by query string (best concept-search hit wins).
type PathSearchRequest struct {
	Ontology  string
	FromID    string
	ToID      string
	FromQuery string
	ToQuery   string
	MaxHops   int
	Limit     int
}

// PathHit is one path result: node ids and the edge-type sequence.
type PathHit struct {
	Nodes []string
	Types []string
}

// SourceHit is one source search result with enough context to render the
// match inside its source.
type SourceHit struct {
	SourceID   string
	ChunkIndex int
	ChunkText  string
	StartByte  int
	EndByte    int
	FullText   string
	Similarity float64
	IsStale    bool
}

// SourceSearchRequest parameterizes source-embedding search.
type SourceSearchRequest struct {
	Ontology      string
	Query         string
	Limit         int
	MinSimilarity float64
}

// ArtifactView is the read-side artifact shape.
type ArtifactView struct {
	ID         string
	Type       string
	Owner      string
	Params     string
	Payload    json.RawMessage
	CreatedAt  time.Time
	GraphEpoch uint64
	IsStale    bool
}

// Facade is the full control-plane contract.
type Facade interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
	Approve(ctx context.Context, jobID string) (relational.Job, error)
	Cancel(ctx context.Context, jobID, reason string) (relational.Job, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
	StreamStatus(ctx context.Context, jobID string) (<-chan broker.Event, func(), error)
	ListJobs(ctx context.Context, filter relational.JobFilter, page relational.Pagination) ([]relational.Job, error)

	CreateArtifact(ctx context.Context, typ, owner, params string, payload json.RawMessage) (ArtifactView, error)
	GetArtifact(ctx context.Context, id string) (ArtifactView, error)
	ListArtifacts(ctx context.Context, filter relational.ArtifactFilter) ([]ArtifactView, error)
	DeleteArtifact(ctx context.Context, id string) error

	SearchConcepts(ctx context.Context, req ConceptSearchRequest) ([]ConceptHit, error)
	SearchPaths(ctx context.Context, req PathSearchRequest) ([]PathHit, error)
	SearchSources(ctx context.Context, req SourceSearchRequest) ([]SourceHit, error)

	DeleteOntology(ctx context.Context, name string) error
}
