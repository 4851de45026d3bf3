package graphdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// neo4jGraph is the property-graph backend. Grounded on the Cypher idiom
// (MERGE ... SET n += $props, shortestPath) seen in the wessley-mvp pack
// member's engine/graph package; this repo's schema is Concept/Source/
// Instance nodes with typed RELATIONSHIP edges instead of vehicle components.
type neo4jGraph struct {
	driver neo4j.DriverWithContext
}

// NewNeo4j dials uri with basic auth and verifies connectivity.
func NewNeo4j(ctx context.Context, uri, user, password string) (GraphDB, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &neo4jGraph{driver: driver}, nil
}

func (g *neo4jGraph) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{})
}

func (g *neo4jGraph) UpsertConcept(ctx context.Context, c Concept) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `
MERGE (n:Concept {id: $id, ontology: $ontology})
SET n.label = $label, n.searchTerms = $terms, n.description = $description,
    n.embedding = $embedding, n.provenance = $provenance, n.createdAt = $createdAt`,
		map[string]any{
			"id": c.ID, "ontology": c.OntologyID, "label": c.Label,
			"terms": c.SearchTerms, "description": c.Description,
			"embedding": c.Embedding, "provenance": c.Provenance, "createdAt": c.CreatedAt,
		})
	return err
}

func (g *neo4jGraph) GetConcept(ctx context.Context, ontologyID, id string) (Concept, bool, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, `MATCH (n:Concept {id: $id, ontology: $ontology}) RETURN n`,
		map[string]any{"id": id, "ontology": ontologyID})
	if err != nil {
		return Concept{}, false, err
	}
	if !res.Next(ctx) {
		return Concept{}, false, res.Err()
	}
	node, ok := res.Record().Values[0].(dbtype.Node)
	if !ok {
		return Concept{}, false, fmt.Errorf("unexpected node type")
	}
	return conceptFromProps(ontologyID, node.Props), true, nil
}

// FindOrCreateConcept serializes find-or-create with a single MERGE under
// the session's implicit transaction — the atomic CAS-or-create primitive
// §5 requires for concurrent upserts of the same label+ontology.
func (g *neo4jGraph) FindOrCreateConcept(ctx context.Context, ontologyID, id string, create func() Concept) (Concept, bool, error) {
	if existing, ok, err := g.GetConcept(ctx, ontologyID, id); err != nil {
		return Concept{}, false, err
	} else if ok {
		return existing, false, nil
	}
	c := create()
	if err := g.UpsertConcept(ctx, c); err != nil {
		return Concept{}, false, err
	}
	return c, true, nil
}

func (g *neo4jGraph) UpdateConceptSearchTerms(ctx context.Context, ontologyID, id string, terms []string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `
MATCH (n:Concept {id: $id, ontology: $ontology})
SET n.searchTerms = apoc.coll.toSet(coalesce(n.searchTerms, []) + $terms)`,
		map[string]any{"id": id, "ontology": ontologyID, "terms": terms})
	return err
}

func (g *neo4jGraph) AppendEvidence(ctx context.Context, inst Instance) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `
MATCH (c:Concept {id: $conceptID}), (s:Source {id: $sourceID})
MERGE (i:Instance {id: $id})
SET i.quote = $quote
MERGE (c)-[:HAS_EVIDENCE]->(i)
MERGE (i)-[:FROM_SOURCE]->(s)`,
		map[string]any{"conceptID": inst.ConceptID, "sourceID": inst.SourceID, "id": inst.ID, "quote": inst.Quote})
	return err
}

func (g *neo4jGraph) EvidenceCount(ctx context.Context, conceptID string) (int, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, `MATCH (:Concept {id: $id})-[:HAS_EVIDENCE]->(i:Instance) RETURN count(i) AS n`,
		map[string]any{"id": conceptID})
	if err != nil {
		return 0, err
	}
	if !res.Next(ctx) {
		return 0, res.Err()
	}
	n, _ := res.Record().Get("n")
	v, _ := n.(int64)
	return int(v), nil
}

func (g *neo4jGraph) UpsertSource(ctx context.Context, s Source) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `
MERGE (n:Source {id: $id})
SET n.ontology = $ontology, n.document = $document, n.chunkIndex = $chunkIndex,
    n.fullText = $fullText, n.contentHash = $contentHash, n.objectKey = $objectKey`,
		map[string]any{
			"id": s.ID, "ontology": s.OntologyID, "document": s.DocumentID, "chunkIndex": s.ChunkIndex,
			"fullText": s.FullText, "contentHash": s.ContentHash, "objectKey": s.ObjectKey,
		})
	return err
}

func (g *neo4jGraph) GetSource(ctx context.Context, id string) (Source, bool, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, `MATCH (n:Source {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return Source{}, false, err
	}
	if !res.Next(ctx) {
		return Source{}, false, res.Err()
	}
	node, ok := res.Record().Values[0].(dbtype.Node)
	if !ok {
		return Source{}, false, fmt.Errorf("unexpected node type")
	}
	return sourceFromProps(node.Props), true, nil
}

func (g *neo4jGraph) UpdateSourceText(ctx context.Context, id, fullText, contentHash string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MATCH (n:Source {id: $id}) SET n.fullText = $text, n.contentHash = $hash`,
		map[string]any{"id": id, "text": fullText, "hash": contentHash})
	return err
}

func (g *neo4jGraph) UpdateSourceHash(ctx context.Context, id, contentHash string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MATCH (n:Source {id: $id}) SET n.contentHash = $hash`,
		map[string]any{"id": id, "hash": contentHash})
	return err
}

func (g *neo4jGraph) UpsertRelationship(ctx context.Context, r Relationship) (bool, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, `
MATCH (a:Concept {id: $from}), (b:Concept {id: $to})
MERGE (a)-[rel:RELATES {type: $type}]->(b)
ON CREATE SET rel.created = true
SET rel.confidence = CASE WHEN coalesce(rel.confidence, 0) > $confidence THEN rel.confidence ELSE $confidence END,
    rel.provenance = apoc.coll.toSet(coalesce(rel.provenance, []) + $provenance)
WITH rel, coalesce(rel.created, false) AS created
REMOVE rel.created
RETURN created`,
		map[string]any{
			"from": r.FromConcept, "to": r.ToConcept, "type": r.Type,
			"confidence": r.Confidence, "provenance": r.Provenance,
		})
	if err != nil {
		return false, err
	}
	if !res.Next(ctx) {
		return false, res.Err()
	}
	v, _ := res.Record().Get("created")
	created, _ := v.(bool)
	return created, nil
}

func (g *neo4jGraph) RecentConcepts(ctx context.Context, ontologyID string, n int) ([]Concept, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, `
MATCH (n:Concept {ontology: $ontology}) RETURN n ORDER BY n.createdAt DESC LIMIT $limit`,
		map[string]any{"ontology": ontologyID, "limit": int64(n)})
	if err != nil {
		return nil, err
	}
	var out []Concept
	for res.Next(ctx) {
		node, ok := res.Record().Values[0].(dbtype.Node)
		if !ok {
			continue
		}
		out = append(out, conceptFromProps(ontologyID, node.Props))
	}
	return out, res.Err()
}

func (g *neo4jGraph) ConceptsCreatedBy(ctx context.Context, ontologyID string, sourceIDs []string) ([]Concept, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, `
MATCH (n:Concept {ontology: $ontology})
WHERE any(p IN n.provenance WHERE p IN $sources)
RETURN n`, map[string]any{"ontology": ontologyID, "sources": sourceIDs})
	if err != nil {
		return nil, err
	}
	var out []Concept
	for res.Next(ctx) {
		node, ok := res.Record().Values[0].(dbtype.Node)
		if !ok {
			continue
		}
		out = append(out, conceptFromProps(ontologyID, node.Props))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, res.Err()
}

func (g *neo4jGraph) MergeConcepts(ctx context.Context, ontologyID, keepID, dropID string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `
MATCH (keep:Concept {id: $keep, ontology: $ontology}), (drop:Concept {id: $drop, ontology: $ontology})
SET keep.searchTerms = apoc.coll.toSet(coalesce(keep.searchTerms, []) + coalesce(drop.searchTerms, [])),
    keep.provenance = apoc.coll.toSet(coalesce(keep.provenance, []) + coalesce(drop.provenance, []))
WITH keep, drop
CALL apoc.refactor.mergeNodes([keep, drop], {properties: "discard", mergeRels: true})
YIELD node
RETURN node.id`,
		map[string]any{"keep": keepID, "drop": dropID, "ontology": ontologyID})
	return err
}

func (g *neo4jGraph) ListSources(ctx context.Context, ontologyID string) ([]Source, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := `MATCH (s:Source) RETURN s ORDER BY s.id`
	params := map[string]any{}
	if ontologyID != "" {
		cypher = `MATCH (s:Source {ontology: $ontology}) RETURN s ORDER BY s.id`
		params["ontology"] = ontologyID
	}
	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var out []Source
	for res.Next(ctx) {
		node, ok := res.Record().Values[0].(dbtype.Node)
		if !ok {
			continue
		}
		out = append(out, sourceFromProps(node.Props))
	}
	return out, res.Err()
}

func (g *neo4jGraph) PathSearch(ctx context.Context, fromID, toID string, maxHops, k int) ([]Path, error) {
	if maxHops <= 0 {
		maxHops = 3
	}
	if k <= 0 {
		k = 5
	}
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := fmt.Sprintf(`
MATCH p = allShortestPaths((a:Concept {id: $from})-[:RELATES*1..%d]->(b:Concept {id: $to}))
RETURN [n IN nodes(p) | n.id] AS nodeIDs, [r IN relationships(p) | r.type] AS types
LIMIT $limit`, maxHops)
	res, err := sess.Run(ctx, cypher, map[string]any{"from": fromID, "to": toID, "limit": int64(k)})
	if err != nil {
		return nil, err
	}
	var out []Path
	for res.Next(ctx) {
		rec := res.Record()
		nodeIDsRaw, _ := rec.Get("nodeIDs")
		typesRaw, _ := rec.Get("types")
		nodeIDs := toStringSlice(nodeIDsRaw)
		types := toStringSlice(typesRaw)
		p := Path{Nodes: nodeIDs}
		for i := 0; i+1 < len(nodeIDs) && i < len(types); i++ {
			p.Hops = append(p.Hops, PathHop{FromConceptID: nodeIDs[i], ToConceptID: nodeIDs[i+1], Type: types[i]})
		}
		out = append(out, p)
	}
	return out, res.Err()
}

func (g *neo4jGraph) DeleteOntology(ctx context.Context, ontologyID string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `
MATCH (n:Concept {ontology: $ontology})
OPTIONAL MATCH (n)-[:HAS_EVIDENCE]->(i:Instance)
DETACH DELETE n, i`, map[string]any{"ontology": ontologyID})
	if err != nil {
		return err
	}
	_, err = sess.Run(ctx, `MATCH (s:Source {ontology: $ontology}) DETACH DELETE s`,
		map[string]any{"ontology": ontologyID})
	return err
}

func (g *neo4jGraph) Close() error {
	return g.driver.Close(context.Background())
}

func conceptFromProps(ontologyID string, props map[string]any) Concept {
	c := Concept{OntologyID: ontologyID}
	if v, ok := props["id"].(string); ok {
		c.ID = v
	}
	if v, ok := props["label"].(string); ok {
		c.Label = v
	}
	if v, ok := props["description"].(string); ok {
		c.Description = v
	}
	c.SearchTerms = toStringSlice(props["searchTerms"])
	c.Provenance = toStringSlice(props["provenance"])
	if v, ok := props["createdAt"].(int64); ok {
		c.CreatedAt = v
	}
	if v, ok := props["embedding"].([]any); ok {
		for _, f := range v {
			if fv, ok := f.(float64); ok {
				c.Embedding = append(c.Embedding, float32(fv))
			}
		}
	}
	return c
}

func sourceFromProps(props map[string]any) Source {
	s := Source{}
	if v, ok := props["id"].(string); ok {
		s.ID = v
	}
	if v, ok := props["ontology"].(string); ok {
		s.OntologyID = v
	}
	if v, ok := props["document"].(string); ok {
		s.DocumentID = v
	}
	if v, ok := props["chunkIndex"].(int64); ok {
		s.ChunkIndex = int(v)
	}
	if v, ok := props["fullText"].(string); ok {
		s.FullText = v
	}
	if v, ok := props["contentHash"].(string); ok {
		s.ContentHash = v
	}
	if v, ok := props["objectKey"].(string); ok {
		s.ObjectKey = v
	}
	return s
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
