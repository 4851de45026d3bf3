package controlapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"veridian/internal/artifact"
	"veridian/internal/broker"
	"veridian/internal/epoch"
	"veridian/internal/errs"
	"veridian/internal/job"
	"veridian/internal/matcher"
	"veridian/internal/objectstore"
	"veridian/internal/observability"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/persistence/vectorstore"
	"veridian/internal/provider"
	"veridian/internal/queue"
	"veridian/internal/sourceembed"
)

// Notifier abstracts the optional approval wake signal (Kafka-backed in
// production, nil in tests).
type Notifier interface {
	Announce(ctx context.Context, jobID string)
}

// Service implements Facade over the assembled components.
type Service struct {
	jobs      *job.Manager
	store     relational.JobStore
	events    *broker.Broker
	pool      *queue.Pool
	artifacts *artifact.Store
	graph     graphdb.GraphDB
	vectors   vectorstore.VectorStore
	embedder  provider.Embedder
	embedRows relational.SourceEmbeddingStore
	objects   objectstore.ObjectStore
	counter   epoch.Counter
	notify    Notifier
}

// NewService wires a Service. pool and notify may be nil (submission-only
// deployments still answer searches and artifact CRUD).
func NewService(
	jobs *job.Manager,
	events *broker.Broker,
	pool *queue.Pool,
	artifacts *artifact.Store,
	graph graphdb.GraphDB,
	vectors vectorstore.VectorStore,
	embedder provider.Embedder,
	embedRows relational.SourceEmbeddingStore,
	objects objectstore.ObjectStore,
	counter epoch.Counter,
	notify Notifier,
) *Service {
	return &Service{
		jobs:      jobs,
		store:     jobs.Store(),
		events:    events,
		pool:      pool,
		artifacts: artifacts,
		graph:     graph,
		vectors:   vectors,
		embedder:  embedder,
		embedRows: embedRows,
		objects:   objects,
		counter:   counter,
		notify:    notify,
	}
}

func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if req.Ontology == "" {
		return SubmitResponse{}, errs.New(errs.KindValidation, "ontology name is required")
	}
	hasText := strings.TrimSpace(req.Text) != ""
	hasImage := len(req.ImageData) > 0
	if hasText == hasImage {
		return SubmitResponse{}, errs.New(errs.KindValidation, "exactly one of text or image data must be provided")
	}

	kind := relational.JobKindIngestText
	dedupText := req.Text
	var payload []byte
	var key string
	docName := req.Filename

	switch {
	case hasImage:
		kind = relational.JobKindIngestImage
		payload = req.ImageData
		sum := sha256.Sum256(req.ImageData)
		ext := strings.TrimPrefix(path.Ext(req.Filename), ".")
		if ext == "" {
			ext = "jpg"
		}
		key = fmt.Sprintf("images/%s.%s", hex.EncodeToString(sum[:]), ext)
		dedupText = hex.EncodeToString(sum[:])
		if docName == "" {
			docName = "image-" + hex.EncodeToString(sum[:8])
		}
	default:
		if req.Filename != "" {
			kind = relational.JobKindIngestFile
		}
		payload = []byte(req.Text)
		if docName == "" {
			docName = "submission"
		}
		key = fmt.Sprintf("sources/%s/%s", req.Ontology, docName)
	}

	if _, err := s.objects.Put(ctx, key, bytes.NewReader(payload), objectstore.PutOptions{}); err != nil {
		return SubmitResponse{}, errs.Wrap(errs.KindInternal, "store submission payload", err)
	}

	j, prior, err := s.jobs.Submit(ctx, job.Submission{
		Kind:           kind,
		Owner:          req.Owner,
		Ontology:       req.Ontology,
		Text:           dedupText,
		DocumentName:   docName,
		InputObjectKey: key,
		Mode:           req.Mode,
		Chunking:       req.Chunking,
		AutoApprove:    req.AutoApprove,
		Force:          req.Force,
		ClientRequestID: req.RequestID,
	})
	if err != nil {
		return SubmitResponse{}, err
	}

	resp := SubmitResponse{
		JobID:     j.ID,
		State:     j.State,
		Duplicate: prior,
		Cost:      j.Cost,
		Chunks:    j.Chunks,
	}
	if prior {
		if j.Result != nil {
			r := *j.Result
			r.RefersToJob = j.ID
			resp.Result = &r
		}
		return resp, nil
	}
	if j.State == relational.StateApproved {
		s.wake(ctx, j.ID)
	}
	return resp, nil
}

func (s *Service) Approve(ctx context.Context, jobID string) (relational.Job, error) {
	j, err := s.jobs.Approve(ctx, jobID)
	if err != nil {
		return relational.Job{}, err
	}
	s.wake(ctx, j.ID)
	return j, nil
}

func (s *Service) wake(ctx context.Context, jobID string) {
	if s.pool != nil {
		s.pool.Wake()
	}
	if s.notify != nil {
		s.notify.Announce(ctx, jobID)
	}
}

func (s *Service) Cancel(ctx context.Context, jobID, reason string) (relational.Job, error) {
	j, err := s.jobs.Cancel(ctx, jobID, reason)
	if err != nil {
		return relational.Job{}, err
	}
	if s.pool != nil && j.State == relational.StateProcessing {
		s.pool.SignalCancel(jobID)
	}
	return j, nil
}

func (s *Service) Status(ctx context.Context, jobID string) (JobStatus, error) {
	j, err := s.store.LoadByID(ctx, jobID)
	if err != nil {
		return JobStatus{}, errs.Wrap(errs.KindValidation, "job not found", err)
	}
	progress := j.Progress
	if snap, ok := s.events.Snapshot(jobID); ok && snap.UpdatedAt.After(progress.UpdatedAt) {
		progress = snap
	}
	return JobStatus{Job: j, Progress: progress}, nil
}

func (s *Service) StreamStatus(ctx context.Context, jobID string) (<-chan broker.Event, func(), error) {
	return s.events.Subscribe(ctx, jobID)
}

func (s *Service) ListJobs(ctx context.Context, filter relational.JobFilter, page relational.Pagination) ([]relational.Job, error) {
	return s.store.List(ctx, filter, page)
}

func (s *Service) CreateArtifact(ctx context.Context, typ, owner, params string, payload json.RawMessage) (ArtifactView, error) {
	a, err := s.artifacts.Create(ctx, typ, owner, params, payload)
	if err != nil {
		return ArtifactView{}, err
	}
	return artifactView(a), nil
}

func (s *Service) GetArtifact(ctx context.Context, id string) (ArtifactView, error) {
	a, err := s.artifacts.Get(ctx, id)
	if err != nil {
		return ArtifactView{}, err
	}
	return artifactView(a), nil
}

func (s *Service) ListArtifacts(ctx context.Context, filter relational.ArtifactFilter) ([]ArtifactView, error) {
	rows, err := s.artifacts.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ArtifactView, 0, len(rows))
	for _, a := range rows {
		out = append(out, artifactView(a))
	}
	return out, nil
}

func (s *Service) DeleteArtifact(ctx context.Context, id string) error {
	return s.artifacts.Delete(ctx, id)
}

func artifactView(a artifact.Artifact) ArtifactView {
	return ArtifactView{
		ID:         a.ID,
		Type:       a.Type,
		Owner:      a.Owner,
		Params:     a.Params,
		Payload:    a.Payload,
		CreatedAt:  a.CreatedAt,
		GraphEpoch: a.GraphEpoch,
		IsStale:    a.IsStale,
	}
}

func (s *Service) SearchConcepts(ctx context.Context, req ConceptSearchRequest) ([]ConceptHit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errs.New(errs.KindValidation, "query is required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.MinSimilarity <= 0 {
		req.MinSimilarity = 0.7
	}

	vecs, err := s.embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	filter := map[string]string{}
	if req.Ontology != "" {
		filter["ontology"] = req.Ontology
	}
	hits, err := s.vectors.SimilaritySearch(ctx, matcher.NamespaceConcepts, vecs[0], req.Limit+req.Offset, filter)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "concept search", err)
	}

	var out []ConceptHit
	for i, h := range hits {
		if i < req.Offset || h.Score < req.MinSimilarity {
			continue
		}
		n, err := s.graph.EvidenceCount(ctx, h.ID)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "evidence count", err)
		}
		out = append(out, ConceptHit{
			ConceptID:     h.ID,
			Label:         h.Metadata["label"],
			Similarity:    h.Score,
			EvidenceCount: n,
		})
		if len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

func (s *Service) SearchPaths(ctx context.Context, req PathSearchRequest) ([]PathHit, error) {
	fromID, err := s.resolveConcept(ctx, req.Ontology, req.FromID, req.FromQuery)
	if err != nil {
		return nil, err
	}
	toID, err := s.resolveConcept(ctx, req.Ontology, req.ToID, req.ToQuery)
	if err != nil {
		return nil, err
	}
	if req.MaxHops <= 0 {
		req.MaxHops = 3
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}
	paths, err := s.graph.PathSearch(ctx, fromID, toID, req.MaxHops, req.Limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "path search", err)
	}
	out := make([]PathHit, 0, len(paths))
	for _, p := range paths {
		hit := PathHit{Nodes: p.Nodes}
		for _, h := range p.Hops {
			hit.Types = append(hit.Types, h.Type)
		}
		out = append(out, hit)
	}
	return out, nil
}

func (s *Service) resolveConcept(ctx context.Context, ontology, id, query string) (string, error) {
	if id != "" {
		return id, nil
	}
	if strings.TrimSpace(query) == "" {
		return "", errs.New(errs.KindValidation, "either a concept id or a query is required")
	}
	hits, err := s.SearchConcepts(ctx, ConceptSearchRequest{Ontology: ontology, Query: query, Limit: 1, MinSimilarity: 0.5})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", errs.New(errs.KindValidation, "no concept matches query "+strconv.Quote(query))
	}
	return hits[0].ConceptID, nil
}

func (s *Service) SearchSources(ctx context.Context, req SourceSearchRequest) ([]SourceHit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errs.New(errs.KindValidation, "query is required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	vecs, err := s.embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	filter := map[string]string{}
	if req.Ontology != "" {
		filter["ontology"] = req.Ontology
	}
	hits, err := s.vectors.SimilaritySearch(ctx, sourceembed.NamespaceSourceChunks, vecs[0], req.Limit, filter)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "source search", err)
	}

	log := observability.LoggerWithTrace(ctx)
	var out []SourceHit
	for _, h := range hits {
		if h.Score < req.MinSimilarity {
			continue
		}
		sourceID := h.Metadata["source_id"]
		chunkIndex, _ := strconv.Atoi(h.Metadata["chunk_index"])
		src, ok, err := s.graph.GetSource(ctx, sourceID)
		if err != nil || !ok {
			log.Warn().Str("source_id", sourceID).Msg("source_search_dangling_vector")
			continue
		}
		rows, err := s.embedRows.ListBySource(ctx, sourceID)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "load embedding rows", err)
		}
		var row relational.SourceEmbeddingRow
		found := false
		for _, r := range rows {
			if r.ChunkIndex == chunkIndex && r.Strategy == sourceembed.ChunkStrategy {
				row = r
				found = true
				break
			}
		}
		if !found {
			continue
		}
		fresh, intact := sourceembed.VerifyRow(row, src.FullText)
		if !intact && fresh {
			// hashes agree but offsets don't slice: corrupt row; flag stale
			// and let the regeneration sweep cure it
			log.Warn().Str("source_id", sourceID).Int("chunk", chunkIndex).Msg("source_embedding_integrity_violation")
		}
		out = append(out, SourceHit{
			SourceID:   sourceID,
			ChunkIndex: chunkIndex,
			ChunkText:  row.ChunkText,
			StartByte:  row.StartByte,
			EndByte:    row.EndByte,
			FullText:   src.FullText,
			Similarity: h.Score,
			IsStale:    !fresh || !intact,
		})
	}
	return out, nil
}

func (s *Service) DeleteOntology(ctx context.Context, name string) error {
	if name == "" {
		return errs.New(errs.KindValidation, "ontology name is required")
	}
	if err := s.graph.DeleteOntology(ctx, name); err != nil {
		return errs.Wrap(errs.KindInternal, "delete ontology", err)
	}
	if _, err := s.counter.Bump(ctx); err != nil {
		return errs.Wrap(errs.KindInternal, "bump graph epoch", err)
	}
	return nil
}
