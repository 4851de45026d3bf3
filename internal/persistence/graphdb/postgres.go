package graphdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresGraph is a JSONB-table fallback property graph for deployments
// without Neo4j. Adapted from the teacher's postgres_graph.go nodes/edges
// table shape, extended with the Concept/Source/Instance/Relationship
// columns this domain needs instead of the teacher's generic node/edge pair.
type postgresGraph struct{ pool *pgxpool.Pool }

// NewPostgres creates the schema (best-effort) and returns a GraphDB backed
// by plain JSONB columns and btree indexes — no graph extension required.
func NewPostgres(pool *pgxpool.Pool) (GraphDB, error) {
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS concepts (
			id TEXT NOT NULL,
			ontology TEXT NOT NULL,
			label TEXT NOT NULL,
			search_terms TEXT[] NOT NULL DEFAULT '{}',
			description TEXT NOT NULL DEFAULT '',
			embedding JSONB NOT NULL DEFAULT '[]'::jsonb,
			provenance TEXT[] NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (ontology, id)
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			ontology TEXT NOT NULL,
			document TEXT NOT NULL,
			chunk_index INT NOT NULL,
			full_text TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			object_key TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			concept_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			quote TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			from_concept TEXT NOT NULL,
			to_concept TEXT NOT NULL,
			type TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			provenance TEXT[] NOT NULL DEFAULT '{}',
			PRIMARY KEY (from_concept, to_concept, type)
		)`,
		`CREATE INDEX IF NOT EXISTS concepts_ontology_created ON concepts(ontology, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS instances_concept ON instances(concept_id)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("ensure graph schema: %w", err)
		}
	}
	return &postgresGraph{pool: pool}, nil
}

func (g *postgresGraph) UpsertConcept(ctx context.Context, c Concept) error {
	emb, err := json.Marshal(c.Embedding)
	if err != nil {
		return err
	}
	_, err = g.pool.Exec(ctx, `
INSERT INTO concepts (id, ontology, label, search_terms, description, embedding, provenance, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (ontology, id) DO UPDATE SET
  label=EXCLUDED.label, search_terms=EXCLUDED.search_terms, description=EXCLUDED.description,
  embedding=EXCLUDED.embedding, provenance=EXCLUDED.provenance`,
		c.ID, c.OntologyID, c.Label, c.SearchTerms, c.Description, emb, c.Provenance, c.CreatedAt)
	return err
}

func (g *postgresGraph) scanConcept(row interface {
	Scan(dest ...any) error
}) (Concept, error) {
	var c Concept
	var emb []byte
	if err := row.Scan(&c.ID, &c.OntologyID, &c.Label, &c.SearchTerms, &c.Description, &emb, &c.Provenance, &c.CreatedAt); err != nil {
		return Concept{}, err
	}
	var floats []float32
	_ = json.Unmarshal(emb, &floats)
	c.Embedding = floats
	return c, nil
}

func (g *postgresGraph) GetConcept(ctx context.Context, ontologyID, id string) (Concept, bool, error) {
	row := g.pool.QueryRow(ctx, `SELECT id, ontology, label, search_terms, description, embedding, provenance, created_at
FROM concepts WHERE ontology=$1 AND id=$2`, ontologyID, id)
	c, err := g.scanConcept(row)
	if err != nil {
		return Concept{}, false, nil
	}
	return c, true, nil
}

// FindOrCreateConcept relies on the ON CONFLICT DO NOTHING + re-read pattern
// as the atomic find-or-create primitive: a unique key on (ontology, id)
// guarantees at most one row wins under concurrent inserts.
func (g *postgresGraph) FindOrCreateConcept(ctx context.Context, ontologyID, id string, create func() Concept) (Concept, bool, error) {
	if c, ok, err := g.GetConcept(ctx, ontologyID, id); err != nil {
		return Concept{}, false, err
	} else if ok {
		return c, false, nil
	}
	c := create()
	emb, _ := json.Marshal(c.Embedding)
	tag, err := g.pool.Exec(ctx, `
INSERT INTO concepts (id, ontology, label, search_terms, description, embedding, provenance, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (ontology, id) DO NOTHING`,
		c.ID, c.OntologyID, c.Label, c.SearchTerms, c.Description, emb, c.Provenance, c.CreatedAt)
	if err != nil {
		return Concept{}, false, err
	}
	if tag.RowsAffected() == 0 {
		existing, _, err := g.GetConcept(ctx, ontologyID, id)
		return existing, false, err
	}
	return c, true, nil
}

func (g *postgresGraph) UpdateConceptSearchTerms(ctx context.Context, ontologyID, id string, terms []string) error {
	_, err := g.pool.Exec(ctx, `
UPDATE concepts SET search_terms = (
  SELECT array_agg(DISTINCT t) FROM unnest(search_terms || $3::text[]) AS t
) WHERE ontology=$1 AND id=$2`, ontologyID, id, terms)
	return err
}

func (g *postgresGraph) AppendEvidence(ctx context.Context, inst Instance) error {
	_, err := g.pool.Exec(ctx, `INSERT INTO instances (id, concept_id, source_id, quote) VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO NOTHING`, inst.ID, inst.ConceptID, inst.SourceID, inst.Quote)
	if err != nil {
		return err
	}
	_, err = g.pool.Exec(ctx, `
UPDATE concepts SET provenance = (SELECT array_agg(DISTINCT p) FROM unnest(provenance || ARRAY[$2]) AS p)
WHERE id=$1`, inst.ConceptID, inst.SourceID)
	return err
}

func (g *postgresGraph) EvidenceCount(ctx context.Context, conceptID string) (int, error) {
	var n int
	err := g.pool.QueryRow(ctx, `SELECT count(*) FROM instances WHERE concept_id=$1`, conceptID).Scan(&n)
	return n, err
}

func (g *postgresGraph) UpsertSource(ctx context.Context, s Source) error {
	_, err := g.pool.Exec(ctx, `
INSERT INTO sources (id, ontology, document, chunk_index, full_text, content_hash, object_key)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET full_text=EXCLUDED.full_text, content_hash=EXCLUDED.content_hash, object_key=EXCLUDED.object_key`,
		s.ID, s.OntologyID, s.DocumentID, s.ChunkIndex, s.FullText, s.ContentHash, s.ObjectKey)
	return err
}

func (g *postgresGraph) GetSource(ctx context.Context, id string) (Source, bool, error) {
	var s Source
	err := g.pool.QueryRow(ctx, `SELECT id, ontology, document, chunk_index, full_text, content_hash, object_key
FROM sources WHERE id=$1`, id).Scan(&s.ID, &s.OntologyID, &s.DocumentID, &s.ChunkIndex, &s.FullText, &s.ContentHash, &s.ObjectKey)
	if err != nil {
		return Source{}, false, nil
	}
	return s, true, nil
}

func (g *postgresGraph) UpdateSourceText(ctx context.Context, id, fullText, contentHash string) error {
	_, err := g.pool.Exec(ctx, `UPDATE sources SET full_text=$2, content_hash=$3 WHERE id=$1`, id, fullText, contentHash)
	return err
}

func (g *postgresGraph) UpdateSourceHash(ctx context.Context, id, contentHash string) error {
	_, err := g.pool.Exec(ctx, `UPDATE sources SET content_hash=$2 WHERE id=$1`, id, contentHash)
	return err
}

func (g *postgresGraph) UpsertRelationship(ctx context.Context, r Relationship) (bool, error) {
	// xmax = 0 distinguishes a fresh insert from an ON CONFLICT update
	var created bool
	err := g.pool.QueryRow(ctx, `
INSERT INTO relationships (from_concept, to_concept, type, confidence, provenance)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (from_concept, to_concept, type) DO UPDATE SET
  confidence = GREATEST(relationships.confidence, EXCLUDED.confidence),
  provenance = (SELECT array_agg(DISTINCT p) FROM unnest(relationships.provenance || EXCLUDED.provenance) AS p)
RETURNING (xmax = 0)`,
		r.FromConcept, r.ToConcept, r.Type, r.Confidence, r.Provenance).Scan(&created)
	return created, err
}

func (g *postgresGraph) RecentConcepts(ctx context.Context, ontologyID string, n int) ([]Concept, error) {
	rows, err := g.pool.Query(ctx, `SELECT id, ontology, label, search_terms, description, embedding, provenance, created_at
FROM concepts WHERE ontology=$1 ORDER BY created_at DESC LIMIT $2`, ontologyID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Concept
	for rows.Next() {
		c, err := g.scanConcept(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *postgresGraph) ConceptsCreatedBy(ctx context.Context, ontologyID string, sourceIDs []string) ([]Concept, error) {
	rows, err := g.pool.Query(ctx, `SELECT id, ontology, label, search_terms, description, embedding, provenance, created_at
FROM concepts WHERE ontology=$1 AND provenance && $2::text[] ORDER BY id`, ontologyID, sourceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Concept
	for rows.Next() {
		c, err := g.scanConcept(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *postgresGraph) MergeConcepts(ctx context.Context, ontologyID, keepID, dropID string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
UPDATE concepts k SET
  search_terms = (SELECT array_agg(DISTINCT t) FROM unnest(k.search_terms || d.search_terms) AS t),
  provenance   = (SELECT array_agg(DISTINCT p) FROM unnest(k.provenance || d.provenance) AS p)
FROM concepts d
WHERE k.ontology=$1 AND k.id=$2 AND d.ontology=$1 AND d.id=$3`, ontologyID, keepID, dropID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE instances SET concept_id=$1 WHERE concept_id=$2`, keepID, dropID); err != nil {
		return err
	}
	// re-pointing can collide with an existing edge on the (from,to,type)
	// key: merge those, then move the rest
	for _, stmt := range []string{
		`INSERT INTO relationships (from_concept, to_concept, type, confidence, provenance)
SELECT $1, r.to_concept, r.type, r.confidence, r.provenance FROM relationships r
WHERE r.from_concept=$2 AND r.to_concept <> $1
ON CONFLICT (from_concept, to_concept, type) DO UPDATE SET
  confidence = GREATEST(relationships.confidence, EXCLUDED.confidence),
  provenance = (SELECT array_agg(DISTINCT p) FROM unnest(relationships.provenance || EXCLUDED.provenance) AS p)`,
		`INSERT INTO relationships (from_concept, to_concept, type, confidence, provenance)
SELECT r.from_concept, $1, r.type, r.confidence, r.provenance FROM relationships r
WHERE r.to_concept=$2 AND r.from_concept <> $1
ON CONFLICT (from_concept, to_concept, type) DO UPDATE SET
  confidence = GREATEST(relationships.confidence, EXCLUDED.confidence),
  provenance = (SELECT array_agg(DISTINCT p) FROM unnest(relationships.provenance || EXCLUDED.provenance) AS p)`,
	} {
		if _, err := tx.Exec(ctx, stmt, keepID, dropID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM relationships WHERE from_concept=$1 OR to_concept=$1`, dropID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM concepts WHERE ontology=$1 AND id=$2`, ontologyID, dropID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (g *postgresGraph) ListSources(ctx context.Context, ontologyID string) ([]Source, error) {
	q := `SELECT id, ontology, document, chunk_index, full_text, content_hash, object_key FROM sources ORDER BY id`
	args := []any{}
	if ontologyID != "" {
		q = `SELECT id, ontology, document, chunk_index, full_text, content_hash, object_key FROM sources WHERE ontology=$1 ORDER BY id`
		args = append(args, ontologyID)
	}
	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.ID, &s.OntologyID, &s.DocumentID, &s.ChunkIndex, &s.FullText, &s.ContentHash, &s.ObjectKey); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PathSearch uses a recursive CTE over the relationships table — a portable
// substitute for Cypher's shortestPath when no graph extension is present.
func (g *postgresGraph) PathSearch(ctx context.Context, fromID, toID string, maxHops, k int) ([]Path, error) {
	if maxHops <= 0 {
		maxHops = 3
	}
	if k <= 0 {
		k = 5
	}
	rows, err := g.pool.Query(ctx, `
WITH RECURSIVE search(cur, path_nodes, path_types, hops) AS (
  SELECT from_concept, ARRAY[from_concept, to_concept], ARRAY[type], 1
  FROM relationships WHERE from_concept = $1
  UNION ALL
  SELECT r.to_concept, s.path_nodes || r.to_concept, s.path_types || r.type, s.hops + 1
  FROM relationships r JOIN search s ON r.from_concept = s.cur
  WHERE s.hops < $3 AND NOT r.to_concept = ANY(s.path_nodes)
)
SELECT path_nodes, path_types FROM search WHERE cur = $2 LIMIT $4`, fromID, toID, maxHops, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Path
	for rows.Next() {
		var nodes, types []string
		if err := rows.Scan(&nodes, &types); err != nil {
			return nil, err
		}
		p := Path{Nodes: nodes}
		for i := 0; i+1 < len(nodes) && i < len(types); i++ {
			p.Hops = append(p.Hops, PathHop{FromConceptID: nodes[i], ToConceptID: nodes[i+1], Type: types[i]})
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (g *postgresGraph) DeleteOntology(ctx context.Context, ontologyID string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM instances WHERE concept_id IN (SELECT id FROM concepts WHERE ontology=$1)`, ontologyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM relationships WHERE from_concept IN (SELECT id FROM concepts WHERE ontology=$1) OR to_concept IN (SELECT id FROM concepts WHERE ontology=$1)`, ontologyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM concepts WHERE ontology=$1`, ontologyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sources WHERE ontology=$1`, ontologyID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (g *postgresGraph) Close() error {
	g.pool.Close()
	return nil
}
