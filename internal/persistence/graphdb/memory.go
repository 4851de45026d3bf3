package graphdb

import (
	"context"
	"sort"
	"sync"
)

// memoryGraph is an in-process GraphDB used by unit tests and the mock
// control plane. Grounded on the teacher's memory_graph.go map-of-maps shape,
// extended with the domain-specific node kinds this repo needs.
type memoryGraph struct {
	mu            sync.Mutex
	concepts      map[string]Concept // key: ontologyID + "/" + id
	sources       map[string]Source
	instances     map[string][]Instance            // key: conceptID
	relationships map[string]map[string]Relationship // key: fromID+"/"+toID -> type -> rel
}

// NewMemory returns an in-memory GraphDB.
func NewMemory() GraphDB {
	return &memoryGraph{
		concepts:      make(map[string]Concept),
		sources:       make(map[string]Source),
		instances:     make(map[string][]Instance),
		relationships: make(map[string]map[string]Relationship),
	}
}

func conceptKey(ontologyID, id string) string { return ontologyID + "/" + id }

func (m *memoryGraph) UpsertConcept(_ context.Context, c Concept) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concepts[conceptKey(c.OntologyID, c.ID)] = cloneConcept(c)
	return nil
}

func (m *memoryGraph) GetConcept(_ context.Context, ontologyID, id string) (Concept, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.concepts[conceptKey(ontologyID, id)]
	return cloneConcept(c), ok, nil
}

func (m *memoryGraph) FindOrCreateConcept(_ context.Context, ontologyID, id string, create func() Concept) (Concept, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := conceptKey(ontologyID, id)
	if c, ok := m.concepts[key]; ok {
		return cloneConcept(c), false, nil
	}
	c := create()
	m.concepts[key] = cloneConcept(c)
	return cloneConcept(c), true, nil
}

func (m *memoryGraph) UpdateConceptSearchTerms(_ context.Context, ontologyID, id string, terms []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := conceptKey(ontologyID, id)
	c, ok := m.concepts[key]
	if !ok {
		return nil
	}
	c.SearchTerms = unionStrings(c.SearchTerms, terms)
	m.concepts[key] = c
	return nil
}

func (m *memoryGraph) AppendEvidence(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ConceptID] = append(m.instances[inst.ConceptID], inst)
	for key, c := range m.concepts {
		if c.ID == inst.ConceptID {
			c.Provenance = unionStrings(c.Provenance, []string{inst.SourceID})
			m.concepts[key] = c
		}
	}
	return nil
}

func (m *memoryGraph) EvidenceCount(_ context.Context, conceptID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances[conceptID]), nil
}

func (m *memoryGraph) UpsertSource(_ context.Context, s Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.ID] = s
	return nil
}

func (m *memoryGraph) GetSource(_ context.Context, id string) (Source, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	return s, ok, nil
}

func (m *memoryGraph) UpdateSourceText(_ context.Context, id, fullText, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil
	}
	s.FullText = fullText
	s.ContentHash = contentHash
	m.sources[id] = s
	return nil
}

func (m *memoryGraph) UpdateSourceHash(_ context.Context, id, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil
	}
	s.ContentHash = contentHash
	m.sources[id] = s
	return nil
}

func (m *memoryGraph) UpsertRelationship(_ context.Context, r Relationship) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edgeKey := r.FromConcept + "/" + r.ToConcept
	byType, ok := m.relationships[edgeKey]
	if !ok {
		byType = make(map[string]Relationship)
		m.relationships[edgeKey] = byType
	}
	if existing, ok := byType[r.Type]; ok {
		existing.Provenance = unionStrings(existing.Provenance, r.Provenance)
		if r.Confidence > existing.Confidence {
			existing.Confidence = r.Confidence
		}
		byType[r.Type] = existing
		return false, nil
	}
	byType[r.Type] = r
	return true, nil
}

func (m *memoryGraph) RecentConcepts(_ context.Context, ontologyID string, n int) ([]Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Concept
	for _, c := range m.concepts {
		if c.OntologyID == ontologyID {
			out = append(out, cloneConcept(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > n && n > 0 {
		out = out[:n]
	}
	return out, nil
}

func (m *memoryGraph) ConceptsCreatedBy(_ context.Context, ontologyID string, sourceIDs []string) ([]Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(sourceIDs))
	for _, s := range sourceIDs {
		want[s] = true
	}
	var out []Concept
	for _, c := range m.concepts {
		if c.OntologyID != ontologyID {
			continue
		}
		for _, p := range c.Provenance {
			if want[p] {
				out = append(out, cloneConcept(c))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryGraph) MergeConcepts(_ context.Context, ontologyID, keepID, dropID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keepKey, dropKey := conceptKey(ontologyID, keepID), conceptKey(ontologyID, dropID)
	keep, ok := m.concepts[keepKey]
	if !ok {
		return nil
	}
	drop, ok := m.concepts[dropKey]
	if !ok {
		return nil
	}

	keep.SearchTerms = unionStrings(keep.SearchTerms, drop.SearchTerms)
	keep.Provenance = unionStrings(keep.Provenance, drop.Provenance)
	m.concepts[keepKey] = keep
	delete(m.concepts, dropKey)

	for _, inst := range m.instances[dropID] {
		inst.ConceptID = keepID
		m.instances[keepID] = append(m.instances[keepID], inst)
	}
	delete(m.instances, dropID)

	moved := make(map[string]map[string]Relationship)
	for edgeKey, byType := range m.relationships {
		src, dst, ok := splitEdgeKey(edgeKey)
		if !ok || (src != dropID && dst != dropID) {
			continue
		}
		delete(m.relationships, edgeKey)
		if src == dropID {
			src = keepID
		}
		if dst == dropID {
			dst = keepID
		}
		if src == dst {
			continue
		}
		newKey := src + "/" + dst
		if moved[newKey] == nil {
			moved[newKey] = make(map[string]Relationship)
		}
		for t, r := range byType {
			r.FromConcept, r.ToConcept = src, dst
			if prev, ok := moved[newKey][t]; ok {
				r.Provenance = unionStrings(prev.Provenance, r.Provenance)
				if prev.Confidence > r.Confidence {
					r.Confidence = prev.Confidence
				}
			}
			moved[newKey][t] = r
		}
	}
	for newKey, byType := range moved {
		existing, ok := m.relationships[newKey]
		if !ok {
			m.relationships[newKey] = byType
			continue
		}
		for t, r := range byType {
			if prev, ok := existing[t]; ok {
				r.Provenance = unionStrings(prev.Provenance, r.Provenance)
				if prev.Confidence > r.Confidence {
					r.Confidence = prev.Confidence
				}
			}
			existing[t] = r
		}
	}
	return nil
}

func (m *memoryGraph) ListSources(_ context.Context, ontologyID string) ([]Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Source
	for _, s := range m.sources {
		if ontologyID == "" || s.OntologyID == ontologyID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PathSearch does a bounded breadth-first search over in-memory edges. It is
// deliberately simple: the memory backend exists for tests, not scale.
func (m *memoryGraph) PathSearch(_ context.Context, fromID, toID string, maxHops, k int) ([]Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxHops <= 0 {
		maxHops = 3
	}
	if k <= 0 {
		k = 5
	}

	type frame struct {
		node string
		path Path
	}
	queue := []frame{{node: fromID, path: Path{Nodes: []string{fromID}}}}
	var found []Path
	for len(queue) > 0 && len(found) < k {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.path.Hops) >= maxHops {
			continue
		}
		for edgeKey, byType := range m.relationships {
			src, dst, ok := splitEdgeKey(edgeKey)
			if !ok || src != cur.node {
				continue
			}
			types := make([]string, 0, len(byType))
			for t := range byType {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				nextPath := Path{
					Nodes: append(append([]string{}, cur.path.Nodes...), dst),
					Hops:  append(append([]PathHop{}, cur.path.Hops...), PathHop{FromConceptID: src, ToConceptID: dst, Type: t}),
				}
				if dst == toID {
					found = append(found, nextPath)
					if len(found) >= k {
						break
					}
					continue
				}
				queue = append(queue, frame{node: dst, path: nextPath})
			}
		}
	}
	return found, nil
}

func splitEdgeKey(k string) (string, string, bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}

func (m *memoryGraph) DeleteOntology(_ context.Context, ontologyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deadConcepts = map[string]bool{}
	for key, c := range m.concepts {
		if c.OntologyID == ontologyID {
			deadConcepts[c.ID] = true
			delete(m.concepts, key)
			delete(m.instances, c.ID)
		}
	}
	for key := range m.sources {
		if s := m.sources[key]; s.OntologyID == ontologyID {
			delete(m.sources, key)
		}
	}
	for edgeKey := range m.relationships {
		src, dst, ok := splitEdgeKey(edgeKey)
		if ok && (deadConcepts[src] || deadConcepts[dst]) {
			delete(m.relationships, edgeKey)
		}
	}
	return nil
}

func (m *memoryGraph) Close() error { return nil }

func cloneConcept(c Concept) Concept {
	out := c
	out.SearchTerms = append([]string{}, c.SearchTerms...)
	out.Provenance = append([]string{}, c.Provenance...)
	out.Embedding = append([]float32{}, c.Embedding...)
	return out
}

func unionStrings(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
