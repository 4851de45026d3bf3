package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"veridian/internal/artifact"
	"veridian/internal/broker"
	"veridian/internal/config"
	"veridian/internal/errs"
	"veridian/internal/objectstore"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/provider"
	"veridian/internal/sourceembed"
	"veridian/internal/upsert"
)

// IngestWorker serves the ingest-text, ingest-file, and ingest-image kinds:
// resolve the payload to text, run the upsert engine, then embed every
// source the run created.
type IngestWorker struct {
	Engine    *upsert.Engine
	Embeds    *sourceembed.Worker
	Objects   objectstore.ObjectStore
	Extractor provider.Extractor
	Chunking  config.ChunkingConfig
}

func (w *IngestWorker) Run(ctx context.Context, j relational.Job, emit func(broker.Event), cancelled func(context.Context) bool) Outcome {
	text, err := w.resolveText(ctx, j)
	if err != nil {
		return outcomeFromErr(err, nil)
	}

	chunking := w.Chunking
	if j.Chunks.TargetWords > 0 {
		chunking.TargetWords = j.Chunks.TargetWords
	}
	if j.Chunks.OverlapWords > 0 {
		chunking.OverlapWords = j.Chunks.OverlapWords
	}

	out, err := w.Engine.IngestDocument(ctx, upsert.Request{
		JobID:        j.ID,
		OntologyName: j.OntologyName,
		DocumentName: j.DocumentName,
		Text:         text,
		Mode:         j.Mode,
		Chunking:     chunking,
		Cancelled:    cancelled,
		Progress: func(stage string, done, total int, delta relational.StageCounters, msg string) {
			emit(broker.Event{Stage: stage, ItemsDone: done, ItemsTotal: total, CountersDelta: delta, Message: msg})
		},
	})
	partial := &relational.Result{
		ChunksDone: out.ChunksDone,
		SourcesIDs: out.SourceIDs,
		Counters:   out.Counters,
		Warnings:   out.Warnings,
	}
	if err != nil {
		return outcomeFromErr(err, partial)
	}

	// second-level chunking for every source this run produced
	for i, sourceID := range out.SourceIDs {
		if cancelled(ctx) {
			return Cancelled(fmt.Sprintf("cancelled while embedding sources (%d of %d done)", i, len(out.SourceIDs)), partial)
		}
		if err := w.Embeds.EmbedSource(ctx, sourceID); err != nil {
			return outcomeFromErr(err, partial)
		}
		emit(broker.Event{Stage: "embed_sources", ItemsDone: i + 1, ItemsTotal: len(out.SourceIDs)})
	}
	return Done(*partial)
}

func (w *IngestWorker) resolveText(ctx context.Context, j relational.Job) (string, error) {
	if j.InputObjectKey == "" {
		return "", errs.New(errs.KindValidation, "job has no input payload")
	}
	rc, attrs, err := w.Objects.Get(ctx, j.InputObjectKey)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "fetch input payload", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "read input payload", err)
	}

	if j.Kind != relational.JobKindIngestImage {
		return string(raw), nil
	}
	mediaType := attrs.ContentType
	if mediaType == "" {
		mediaType = mediaTypeFromKey(j.InputObjectKey)
	}
	desc, err := w.Extractor.DescribeImage(ctx, raw, mediaType)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(desc) == "" {
		return "", errs.New(errs.KindValidation, "image produced no describable content")
	}
	return desc, nil
}

func mediaTypeFromKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".gif"):
		return "image/gif"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// RegenerateWorker serves regenerate-embeddings jobs. The selector rides on
// the job row: ontology "*" sweeps everything, a document name selects one
// source id, otherwise the named ontology is swept.
type RegenerateWorker struct {
	Embeds *sourceembed.Worker
}

func (w *RegenerateWorker) Run(ctx context.Context, j relational.Job, emit func(broker.Event), cancelled func(context.Context) bool) Outcome {
	sel := sourceembed.Selector{}
	switch {
	case j.DocumentName != "":
		sel.SourceID = j.DocumentName
	case j.OntologyName == "*":
		sel.All = true
	default:
		sel.Ontology = j.OntologyName
	}

	n, err := w.Embeds.Regenerate(ctx, sel,
		func(done, total int, sourceID string) {
			emit(broker.Event{Stage: "regenerate", ItemsDone: done, ItemsTotal: total, Message: sourceID})
		}, cancelled)
	partial := &relational.Result{ChunksDone: n}
	if err != nil {
		if errors.Is(err, sourceembed.ErrCancelled) {
			return Cancelled(err.Error(), partial)
		}
		return outcomeFromErr(err, partial)
	}
	return Done(*partial)
}

// AnalysisWorker serves analysis jobs: a summary of the ontology's graph
// (concept and evidence counts, strongest relationships) persisted as an
// artifact stamped with the current graph epoch.
type AnalysisWorker struct {
	Graph     graphdb.GraphDB
	Artifacts *artifact.Store
}

type ontologySummary struct {
	Ontology     string           `json:"ontology"`
	ConceptCount int              `json:"concept_count"`
	TopConcepts  []conceptSummary `json:"top_concepts"`
}

type conceptSummary struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	EvidenceCount int    `json:"evidence_count"`
	SourceCount   int    `json:"source_count"`
}

func (w *AnalysisWorker) Run(ctx context.Context, j relational.Job, emit func(broker.Event), cancelled func(context.Context) bool) Outcome {
	concepts, err := w.Graph.RecentConcepts(ctx, j.OntologyName, 1000)
	if err != nil {
		return outcomeFromErr(errs.Wrap(errs.KindInternal, "load concepts", err), nil)
	}

	summary := ontologySummary{Ontology: j.OntologyName, ConceptCount: len(concepts)}
	for i, c := range concepts {
		if cancelled(ctx) {
			return Cancelled(fmt.Sprintf("cancelled after %d of %d concepts", i, len(concepts)), nil)
		}
		n, err := w.Graph.EvidenceCount(ctx, c.ID)
		if err != nil {
			return outcomeFromErr(errs.Wrap(errs.KindInternal, "count evidence", err), nil)
		}
		summary.TopConcepts = append(summary.TopConcepts, conceptSummary{
			ID: c.ID, Label: c.Label, EvidenceCount: n, SourceCount: len(c.Provenance),
		})
		if (i+1)%50 == 0 {
			emit(broker.Event{Stage: "analyze", ItemsDone: i + 1, ItemsTotal: len(concepts)})
		}
	}
	sort.Slice(summary.TopConcepts, func(a, b int) bool {
		if summary.TopConcepts[a].EvidenceCount != summary.TopConcepts[b].EvidenceCount {
			return summary.TopConcepts[a].EvidenceCount > summary.TopConcepts[b].EvidenceCount
		}
		return summary.TopConcepts[a].ID < summary.TopConcepts[b].ID
	})
	if len(summary.TopConcepts) > 25 {
		summary.TopConcepts = summary.TopConcepts[:25]
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return outcomeFromErr(errs.Wrap(errs.KindInternal, "encode summary", err), nil)
	}
	params := fmt.Sprintf(`{"ontology":%q}`, j.OntologyName)
	a, err := w.Artifacts.Create(ctx, "ontology-summary", j.OwnerPrincipal, params, payload)
	if err != nil {
		return outcomeFromErr(err, nil)
	}
	return Done(relational.Result{ChunksDone: len(concepts), ArtifactID: a.ID})
}

// RestoreWorker serves restore jobs: a JSON dump of sources (from a prior
// export) is replayed into the graph and re-embedded.
type RestoreWorker struct {
	Graph   graphdb.GraphDB
	Embeds  *sourceembed.Worker
	Objects objectstore.ObjectStore
}

type restoreDump struct {
	Sources []graphdb.Source `json:"sources"`
}

func (w *RestoreWorker) Run(ctx context.Context, j relational.Job, emit func(broker.Event), cancelled func(context.Context) bool) Outcome {
	if j.InputObjectKey == "" {
		return outcomeFromErr(errs.New(errs.KindValidation, "restore job has no dump key"), nil)
	}
	rc, _, err := w.Objects.Get(ctx, j.InputObjectKey)
	if err != nil {
		return outcomeFromErr(errs.Wrap(errs.KindInternal, "fetch dump", err), nil)
	}
	defer rc.Close()
	var dump restoreDump
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return outcomeFromErr(errs.Wrap(errs.KindValidation, "parse dump", err), nil)
	}

	res := relational.Result{}
	for i, src := range dump.Sources {
		if cancelled(ctx) {
			return Cancelled(fmt.Sprintf("cancelled after %d of %d sources", i, len(dump.Sources)), &res)
		}
		src.OntologyID = j.OntologyName
		src.ContentHash = "" // force re-embedding against the restored text
		if err := w.Graph.UpsertSource(ctx, src); err != nil {
			return outcomeFromErr(errs.Wrap(errs.KindInternal, "restore source", err), &res)
		}
		if err := w.Embeds.EmbedSource(ctx, src.ID); err != nil {
			return outcomeFromErr(err, &res)
		}
		res.ChunksDone++
		res.SourcesIDs = append(res.SourcesIDs, src.ID)
		emit(broker.Event{Stage: "restore", ItemsDone: i + 1, ItemsTotal: len(dump.Sources)})
	}
	return Done(res)
}

// outcomeFromErr maps the error taxonomy onto the tagged worker result.
func outcomeFromErr(err error, partial *relational.Result) Outcome {
	if errors.Is(err, upsert.ErrCancelled) {
		return Cancelled(err.Error(), partial)
	}
	if ae, ok := errs.As(err); ok {
		return Failed(ae.Kind, ae.Message, partial)
	}
	if errors.Is(err, provider.ErrUnavailable) {
		return Failed(errs.KindProviderUnavailable, err.Error(), partial)
	}
	if errors.Is(err, provider.ErrInvalidRequest) {
		return Failed(errs.KindProviderInvalid, err.Error(), partial)
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled("context cancelled", partial)
	}
	return Failed(errs.KindInternal, err.Error(), partial)
}
