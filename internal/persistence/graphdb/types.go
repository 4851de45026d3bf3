// Package graphdb provides a typed facade over the property graph: Concept,
// Source, and Instance nodes and typed Relationship edges between Concepts.
// All mutations go through this package's narrow interface — no free-form
// query strings from caller input ever reach a concrete backend.
package graphdb

import "context"

// Concept is a deduplicated semantic unit produced by the upsert engine.
type Concept struct {
	ID          string
	Label       string
	SearchTerms []string
	Description string
	Embedding   []float32
	Provenance  []string // source ids
	OntologyID  string
	CreatedAt   int64 // unix nanos, monotonic ordering for context assembly
}

// Source is a chunk of ingested text (an ingestion chunk).
type Source struct {
	ID          string
	OntologyID  string
	DocumentID  string
	ChunkIndex  int
	FullText    string
	ContentHash string // sha256 hex, empty until embedded/backfilled
	ObjectKey   string // optional pointer to the full original document
}

// Instance is an exact quote from a Source supporting a Concept.
type Instance struct {
	ID       string
	ConceptID string
	SourceID string
	Quote    string
}

// Relationship is a directed, typed edge between two Concepts.
type Relationship struct {
	ID          string
	FromConcept string
	ToConcept   string
	Type        string
	Confidence  float64
	Provenance  []string
}

// PathHop is one edge traversed by an ordered path search result.
type PathHop struct {
	FromConceptID string
	ToConceptID   string
	Type          string
}

// Path is a sequence of hops returned by an ordered path search.
type Path struct {
	Nodes []string // concept ids, len(Nodes) == len(Hops)+1
	Hops  []PathHop
}

// GraphDB is the allowlisted operation set the rest of the system is
// permitted to invoke against the property graph. There is no "run this
// query string" method: every operation here is a fixed, parameterized
// shape, so no caller-controlled query text ever reaches a backend driver.
type GraphDB interface {
	// UpsertConcept creates or overwrites a Concept by id. Callers that want
	// match-or-create semantics use FindOrCreateConcept instead.
	UpsertConcept(ctx context.Context, c Concept) error
	GetConcept(ctx context.Context, ontologyID, id string) (Concept, bool, error)
	// FindOrCreateConcept atomically resolves a label+ontology to a concept,
	// serializing concurrent upserts of the same label (§5 shared-resource
	// policy). create is invoked only if no concept with exactly this id
	// exists yet (used by the matcher after it has already decided there is
	// no acceptable match).
	FindOrCreateConcept(ctx context.Context, ontologyID, id string, create func() Concept) (Concept, bool, error)
	UpdateConceptSearchTerms(ctx context.Context, ontologyID, id string, terms []string) error

	AppendEvidence(ctx context.Context, inst Instance) error
	EvidenceCount(ctx context.Context, conceptID string) (int, error)

	UpsertSource(ctx context.Context, s Source) error
	GetSource(ctx context.Context, id string) (Source, bool, error)
	UpdateSourceText(ctx context.Context, id, fullText, contentHash string) error
	UpdateSourceHash(ctx context.Context, id, contentHash string) error

	// UpsertRelationship merges an edge keyed by (type, from, to): provenance
	// is unioned and confidence is taken as the max of old/new. Reports
	// whether the edge was newly created.
	UpsertRelationship(ctx context.Context, r Relationship) (created bool, err error)

	// RecentConcepts returns up to n concepts in an ontology ordered by
	// creation time descending, for recursive-context assembly (§4.E.2).
	RecentConcepts(ctx context.Context, ontologyID string, n int) ([]Concept, error)

	// ConceptsCreatedBy returns concepts created/touched during job-scoped
	// ingestion, used by the parallel-mode consolidation pass.
	ConceptsCreatedBy(ctx context.Context, ontologyID string, sourceIDs []string) ([]Concept, error)

	// MergeConcepts folds dropID into keepID: search terms and provenance are
	// unioned, evidence and relationship endpoints re-pointed, dropID removed.
	// Used by the parallel-mode consolidation pass.
	MergeConcepts(ctx context.Context, ontologyID, keepID, dropID string) error

	// ListSources returns all sources, scoped to an ontology when ontologyID
	// is non-empty. Used by the embedding regeneration sweep.
	ListSources(ctx context.Context, ontologyID string) ([]Source, error)

	// PathSearch returns up to k shortest paths between two concepts bounded
	// by maxHops.
	PathSearch(ctx context.Context, fromConceptID, toConceptID string, maxHops, k int) ([]Path, error)

	// DeleteOntology cascades: all Concepts/Sources/Instances/Relationships
	// scoped to the ontology are removed.
	DeleteOntology(ctx context.Context, ontologyID string) error

	Close() error
}
