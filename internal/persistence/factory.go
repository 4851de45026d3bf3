// Package persistence resolves concrete storage backends from configuration,
// following the teacher's factory.go memory|auto|postgres switch pattern
// extended with the neo4j/qdrant backend names this domain's SPEC_FULL
// wiring adds.
package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"veridian/internal/objectstore"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/persistence/vectorstore"
)

// Manager holds every resolved storage backend.
type Manager struct {
	Graph         graphdb.GraphDB
	Vectors       vectorstore.VectorStore
	Jobs          relational.JobStore
	Artifacts     relational.ArtifactStore
	SourceEmbeds  relational.SourceEmbeddingStore
	Objects       objectstore.ObjectStore
	pgPool        *pgxpool.Pool
}

// Close releases any pooled connections. Memory backends no-op.
func (m Manager) Close() {
	if m.Graph != nil {
		_ = m.Graph.Close()
	}
	if m.Vectors != nil {
		_ = m.Vectors.Close()
	}
	if m.pgPool != nil {
		m.pgPool.Close()
	}
}

// Backends selects which concrete implementation backs each concern.
// Each field is one of "memory", "postgres" (relational/graph fallback
// only), "neo4j" (graph), "qdrant" (vector), "s3" (objects).
type Backends struct {
	Graph        string
	Vector       string
	Relational   string
	Objects      string
	PostgresDSN  string
	Neo4jURI     string
	Neo4jUser    string
	Neo4jPass    string
	QdrantAddr   string
	VectorDims   int
	VectorMetric string
	S3Bucket     string
	S3Endpoint   string
}

// NewManager builds a Manager from Backends, dialing each configured
// external system. A blank backend name (or "memory") uses the in-process
// fallback so the rest of the system never has to special-case tests.
func NewManager(ctx context.Context, b Backends) (Manager, error) {
	var m Manager

	var pool *pgxpool.Pool
	needPG := b.Relational == "postgres" || b.Graph == "postgres"
	if needPG {
		if b.PostgresDSN == "" {
			return Manager{}, fmt.Errorf("postgres backend requested but no DSN configured")
		}
		p, err := pgxpool.New(ctx, b.PostgresDSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres: %w", err)
		}
		pool = p
		m.pgPool = p
	}

	switch b.Graph {
	case "", "memory":
		m.Graph = graphdb.NewMemory()
	case "neo4j":
		g, err := graphdb.NewNeo4j(ctx, b.Neo4jURI, b.Neo4jUser, b.Neo4jPass)
		if err != nil {
			return Manager{}, fmt.Errorf("connect neo4j: %w", err)
		}
		m.Graph = g
	case "postgres":
		g, err := graphdb.NewPostgres(pool)
		if err != nil {
			return Manager{}, fmt.Errorf("init postgres graph: %w", err)
		}
		m.Graph = g
	default:
		return Manager{}, fmt.Errorf("unsupported graph backend: %s", b.Graph)
	}

	switch b.Vector {
	case "", "memory":
		m.Vectors = vectorstore.NewMemory(b.VectorDims)
	case "qdrant":
		v, err := vectorstore.NewQdrant(b.QdrantAddr, "veridian", b.VectorDims, b.VectorMetric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vectors = v
	default:
		return Manager{}, fmt.Errorf("unsupported vector backend: %s", b.Vector)
	}

	switch b.Relational {
	case "", "memory":
		m.Jobs = relational.NewMemoryJobStore()
		m.Artifacts = relational.NewMemoryArtifactStore()
		m.SourceEmbeds = relational.NewMemorySourceEmbeddingStore()
	case "postgres":
		jobs, err := relational.NewPostgresJobStore(ctx, pool)
		if err != nil {
			return Manager{}, fmt.Errorf("init postgres jobs: %w", err)
		}
		artifacts, err := relational.NewPostgresArtifactStore(ctx, pool)
		if err != nil {
			return Manager{}, fmt.Errorf("init postgres artifacts: %w", err)
		}
		embeds, err := relational.NewPostgresSourceEmbeddingStore(ctx, pool)
		if err != nil {
			return Manager{}, fmt.Errorf("init postgres source embeddings: %w", err)
		}
		m.Jobs, m.Artifacts, m.SourceEmbeds = jobs, artifacts, embeds
	default:
		return Manager{}, fmt.Errorf("unsupported relational backend: %s", b.Relational)
	}

	switch b.Objects {
	case "", "memory":
		m.Objects = objectstore.NewMemoryStore()
	case "s3":
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{Bucket: b.S3Bucket, Endpoint: b.S3Endpoint})
		if err != nil {
			return Manager{}, fmt.Errorf("connect s3: %w", err)
		}
		m.Objects = store
	default:
		return Manager{}, fmt.Errorf("unsupported object backend: %s", b.Objects)
	}

	return m, nil
}
