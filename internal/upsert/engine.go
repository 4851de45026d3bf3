// Package upsert is the recursive upsert engine: per ingestion chunk it
// assembles context from the concepts earlier chunks produced, extracts
// concepts and relationships, resolves each candidate against the existing
// graph via vector matching, and commits the merge. "Recursive" is domain
// vocabulary for this iterate-with-prior-output loop, not call recursion.
package upsert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"veridian/internal/chunker"
	"veridian/internal/config"
	"veridian/internal/epoch"
	"veridian/internal/errs"
	"veridian/internal/matcher"
	"veridian/internal/observability"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/persistence/vectorstore"
	"veridian/internal/provider"
)

// ErrCancelled reports that the engine observed a cancellation request and
// stopped; the partial Outcome describes what committed before the stop.
var ErrCancelled = errors.New("ingestion cancelled")

// contextWindow bounds how many recent concepts feed the extractor context.
const contextWindow = 25

// parallelWorkers caps chunk-level concurrency in parallel mode.
const parallelWorkers = 4

// ProgressFn receives one update per committed chunk (and per consolidation
// pass). Deltas, not running totals, so the broker can accumulate.
type ProgressFn func(stage string, itemsDone, itemsTotal int, delta relational.StageCounters, message string)

// CancelFn is polled at the top of each chunk and before each provider call.
type CancelFn func(ctx context.Context) bool

// Request describes one document ingestion.
type Request struct {
	JobID        string
	OntologyName string
	DocumentName string
	Text         string
	Mode         relational.ProcessingMode
	Chunking     config.ChunkingConfig
	Progress     ProgressFn
	Cancelled    CancelFn
}

// Outcome is what an ingestion run committed, whether it finished or not.
type Outcome struct {
	ChunksDone int
	SourceIDs  []string
	Counters   relational.StageCounters
	Warnings   []string
}

// Engine wires the pipeline stages together.
type Engine struct {
	graph       graphdb.GraphDB
	vectors     vectorstore.VectorStore
	embedder    provider.Embedder
	extractor   provider.Extractor
	match       *matcher.Matcher
	counter     epoch.Counter
	vocab       map[string]bool
	matchCfg    config.MatcherConfig
	retryBudget int
}

// NewEngine builds an Engine. vocabulary is the relationship type allowlist;
// retryBudget is the per-chunk transient-failure retry count (<=0 selects 3).
func NewEngine(
	graph graphdb.GraphDB,
	vectors vectorstore.VectorStore,
	embedder provider.Embedder,
	extractor provider.Extractor,
	counter epoch.Counter,
	matchCfg config.MatcherConfig,
	vocabulary []string,
	retryBudget int,
) *Engine {
	vocab := make(map[string]bool, len(vocabulary))
	for _, v := range vocabulary {
		vocab[v] = true
	}
	if retryBudget <= 0 {
		retryBudget = 3
	}
	return &Engine{
		graph:       graph,
		vectors:     vectors,
		embedder:    embedder,
		extractor:   extractor,
		match:       matcher.New(vectors, matchCfg),
		counter:     counter,
		vocab:       vocab,
		matchCfg:    matchCfg.WithDefaults(),
		retryBudget: retryBudget,
	}
}

// IngestDocument runs the full pipeline over one document. On cancellation
// the returned error wraps ErrCancelled and the Outcome holds the committed
// prefix; on a chunk failure the Outcome likewise holds whatever committed.
func (e *Engine) IngestDocument(ctx context.Context, req Request) (Outcome, error) {
	if req.Cancelled == nil {
		req.Cancelled = func(context.Context) bool { return false }
	}
	if req.Progress == nil {
		req.Progress = func(string, int, int, relational.StageCounters, string) {}
	}

	chunks := chunker.IngestionChunks(req.Text, req.Chunking)
	if len(chunks) == 0 {
		return Outcome{}, errs.New(errs.KindValidation, "document contains no text")
	}

	log := observability.LoggerWithTrace(ctx)
	log.Info().
		Str("job_id", req.JobID).
		Str("ontology", req.OntologyName).
		Str("document", req.DocumentName).
		Int("chunks", len(chunks)).
		Str("mode", string(req.Mode)).
		Msg("ingest_start")

	if req.Mode == relational.ModeParallel {
		return e.ingestParallel(ctx, req, chunks)
	}
	return e.ingestSerial(ctx, req, chunks)
}

func (e *Engine) ingestSerial(ctx context.Context, req Request, chunks []chunker.Chunk) (Outcome, error) {
	var out Outcome
	for _, ch := range chunks {
		if req.Cancelled(ctx) {
			return out, fmt.Errorf("%w after chunk %d of %d", ErrCancelled, out.ChunksDone, len(chunks))
		}
		res, err := e.processChunk(ctx, req, ch)
		if err != nil {
			return out, fmt.Errorf("chunk %d: %w", ch.Index, err)
		}
		out.ChunksDone++
		out.SourceIDs = append(out.SourceIDs, res.sourceID)
		addCounters(&out.Counters, res.delta)
		out.Warnings = append(out.Warnings, res.warnings...)
		req.Progress("extract", out.ChunksDone, len(chunks), res.delta, "")
	}
	return out, nil
}

func (e *Engine) ingestParallel(ctx context.Context, req Request, chunks []chunker.Chunk) (Outcome, error) {
	var (
		mu       sync.Mutex
		out      Outcome
		firstErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelWorkers)
	for _, ch := range chunks {
		ch := ch
		g.Go(func() error {
			if req.Cancelled(gctx) {
				mu.Lock()
				if firstErr == nil {
					firstErr = ErrCancelled
				}
				mu.Unlock()
				return nil
			}
			res, err := e.processChunk(gctx, req, ch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// remaining chunks keep going; the job still fails
				if firstErr == nil {
					firstErr = fmt.Errorf("chunk %d: %w", ch.Index, err)
				}
				out.Warnings = append(out.Warnings, fmt.Sprintf("chunk %d failed: %v", ch.Index, err))
				return nil
			}
			out.ChunksDone++
			out.SourceIDs = append(out.SourceIDs, res.sourceID)
			addCounters(&out.Counters, res.delta)
			out.Warnings = append(out.Warnings, res.warnings...)
			req.Progress("extract", out.ChunksDone, len(chunks), res.delta, "")
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(out.SourceIDs)

	if firstErr != nil {
		if errors.Is(firstErr, ErrCancelled) {
			return out, fmt.Errorf("%w after %d of %d chunks", ErrCancelled, out.ChunksDone, len(chunks))
		}
		return out, firstErr
	}

	merged, err := e.consolidate(ctx, req.OntologyName, out.SourceIDs)
	if err != nil {
		return out, fmt.Errorf("consolidation: %w", err)
	}
	out.Counters.ConceptsMerged += merged
	if merged > 0 {
		delta := relational.StageCounters{ConceptsMerged: merged}
		req.Progress("consolidate", len(chunks), len(chunks), delta, fmt.Sprintf("merged %d near-duplicate concepts", merged))
	}
	return out, nil
}

type chunkResult struct {
	sourceID string
	delta    relational.StageCounters
	warnings []string
}

func (e *Engine) processChunk(ctx context.Context, req Request, ch chunker.Chunk) (chunkResult, error) {
	var res chunkResult

	sourceID := hashID("src", req.OntologyName, req.DocumentName, fmt.Sprint(ch.Index), ch.Text)
	src := graphdb.Source{
		ID:         sourceID,
		OntologyID: req.OntologyName,
		DocumentID: req.DocumentName,
		ChunkIndex: ch.Index,
		FullText:   ch.Text,
	}
	if err := e.graph.UpsertSource(ctx, src); err != nil {
		return res, errs.Wrap(errs.KindInternal, "persist source", err)
	}
	res.sourceID = sourceID

	priors, err := e.graph.RecentConcepts(ctx, req.OntologyName, contextWindow)
	if err != nil {
		return res, errs.Wrap(errs.KindInternal, "assemble context", err)
	}
	ec := provider.ExtractionContext{
		OntologyName: req.OntologyName,
		DocumentName: req.DocumentName,
		ChunkIndex:   ch.Index,
	}
	for _, p := range priors {
		ec.PriorConcepts = append(ec.PriorConcepts, provider.PriorConcept{Label: p.Label, Description: p.Description})
	}

	if req.Cancelled(ctx) {
		return res, ErrCancelled
	}
	var extraction provider.Extraction
	err = e.withRetry(ctx, func() error {
		var err error
		extraction, err = e.extractor.Extract(ctx, ch.Text, ec)
		return err
	})
	if err != nil {
		return res, classify(err, "extract concepts")
	}
	if len(extraction.Concepts) == 0 {
		// the Source node still committed, which is a graph mutation
		if _, err := e.counter.Bump(ctx); err != nil {
			return res, errs.Wrap(errs.KindInternal, "bump graph epoch", err)
		}
		return res, nil
	}

	if req.Cancelled(ctx) {
		return res, ErrCancelled
	}
	texts := make([]string, len(extraction.Concepts))
	for i, c := range extraction.Concepts {
		texts[i] = embeddingText(c.Label, c.SearchTerms)
	}
	var embeds [][]float32
	err = e.withRetry(ctx, func() error {
		var err error
		embeds, err = e.embedder.EmbedBatch(ctx, texts)
		return err
	})
	if err != nil {
		return res, classify(err, "embed concepts")
	}
	if len(embeds) != len(extraction.Concepts) {
		return res, errs.New(errs.KindInternal, "embedder returned wrong vector count")
	}

	labelToID := make(map[string]string, len(extraction.Concepts))
	for i, cand := range extraction.Concepts {
		conceptID, created, err := e.upsertConcept(ctx, req.OntologyName, sourceID, cand, embeds[i])
		if err != nil {
			return res, err
		}
		labelToID[cand.Label] = conceptID
		if created {
			res.delta.ConceptsCreated++
		} else {
			res.delta.ConceptsMatched++
		}
		res.delta.EvidenceAppended++
	}

	for _, rel := range extraction.Relationships {
		fromID, okFrom := labelToID[rel.FromLabel]
		toID, okTo := labelToID[rel.ToLabel]
		if !okFrom || !okTo {
			res.delta.RelationshipsDropped++
			res.warnings = append(res.warnings, fmt.Sprintf("chunk %d: dropped relationship %s -> %s (unresolved endpoint)", ch.Index, rel.FromLabel, rel.ToLabel))
			continue
		}
		if !e.vocab[rel.Type] {
			res.delta.RelationshipsDropped++
			res.warnings = append(res.warnings, fmt.Sprintf("chunk %d: dropped relationship type %q (not in vocabulary)", ch.Index, rel.Type))
			continue
		}
		created, err := e.graph.UpsertRelationship(ctx, graphdb.Relationship{
			ID:          hashID("rel", fromID, toID, rel.Type),
			FromConcept: fromID,
			ToConcept:   toID,
			Type:        rel.Type,
			Confidence:  clamp01(rel.Confidence),
			Provenance:  []string{sourceID},
		})
		if err != nil {
			return res, errs.Wrap(errs.KindInternal, "persist relationship", err)
		}
		if created {
			res.delta.RelationshipsCreated++
		} else {
			res.delta.RelationshipsMerged++
		}
	}

	if _, err := e.counter.Bump(ctx); err != nil {
		return res, errs.Wrap(errs.KindInternal, "bump graph epoch", err)
	}
	return res, nil
}

// upsertConcept resolves one candidate: match above threshold merges into the
// existing concept, anything else creates (find-or-create keyed by a label
// hash, so concurrent chunks coining the same label converge on one node).
func (e *Engine) upsertConcept(ctx context.Context, ontology, sourceID string, cand provider.ExtractedConcept, embedding []float32) (string, bool, error) {
	outcome, err := e.match.Match(ctx, ontology, embedding)
	if err != nil {
		return "", false, errs.Wrap(errs.KindInternal, "match concept", err)
	}

	var conceptID string
	created := false
	if outcome.Decision == matcher.Matched {
		conceptID = outcome.Best.ConceptID
		if err := e.graph.UpdateConceptSearchTerms(ctx, ontology, conceptID, cand.SearchTerms); err != nil {
			return "", false, errs.Wrap(errs.KindInternal, "merge search terms", err)
		}
	} else {
		conceptID = hashID("c", ontology, strings.ToLower(cand.Label))
		_, wasCreated, err := e.graph.FindOrCreateConcept(ctx, ontology, conceptID, func() graphdb.Concept {
			return graphdb.Concept{
				ID:          conceptID,
				Label:       cand.Label,
				SearchTerms: cand.SearchTerms,
				Description: cand.Description,
				Embedding:   embedding,
				Provenance:  []string{sourceID},
				OntologyID:  ontology,
				CreatedAt:   time.Now().UnixNano(),
			}
		})
		if err != nil {
			return "", false, errs.Wrap(errs.KindInternal, "create concept", err)
		}
		created = wasCreated
		if created {
			meta := map[string]string{"ontology": ontology, "label": cand.Label}
			if err := e.vectors.Upsert(ctx, matcher.NamespaceConcepts, conceptID, embedding, meta); err != nil {
				return "", false, errs.Wrap(errs.KindInternal, "index concept embedding", err)
			}
		} else if err := e.graph.UpdateConceptSearchTerms(ctx, ontology, conceptID, cand.SearchTerms); err != nil {
			return "", false, errs.Wrap(errs.KindInternal, "merge search terms", err)
		}
	}

	inst := graphdb.Instance{
		ID:        hashID("inst", conceptID, sourceID, cand.Quote),
		ConceptID: conceptID,
		SourceID:  sourceID,
		Quote:     cand.Quote,
	}
	if err := e.graph.AppendEvidence(ctx, inst); err != nil {
		return "", false, errs.Wrap(errs.KindInternal, "append evidence", err)
	}
	return conceptID, created, nil
}

// consolidate scans concepts the job touched for pairwise similarity above
// the merge threshold and folds each near-duplicate into the
// lexicographically smaller id. Parallel mode only: serial mode cannot
// produce such pairs because each chunk sees its predecessors' concepts.
func (e *Engine) consolidate(ctx context.Context, ontology string, sourceIDs []string) (int, error) {
	concepts, err := e.graph.ConceptsCreatedBy(ctx, ontology, sourceIDs)
	if err != nil {
		return 0, err
	}
	if len(concepts) < 2 {
		return 0, nil
	}

	dropped := make(map[string]bool)
	merges := 0
	for i := 0; i < len(concepts); i++ {
		if dropped[concepts[i].ID] {
			continue
		}
		for j := i + 1; j < len(concepts); j++ {
			if dropped[concepts[j].ID] {
				continue
			}
			sim := cosine32(concepts[i].Embedding, concepts[j].Embedding)
			if sim < e.matchCfg.MergeThreshold {
				continue
			}
			keep, drop := concepts[i], concepts[j]
			if drop.ID < keep.ID {
				keep, drop = drop, keep
			}
			if err := e.graph.MergeConcepts(ctx, ontology, keep.ID, drop.ID); err != nil {
				return merges, err
			}
			if err := e.vectors.Delete(ctx, matcher.NamespaceConcepts, drop.ID); err != nil {
				return merges, err
			}
			dropped[drop.ID] = true
			merges++
		}
	}
	if merges > 0 {
		if _, err := e.counter.Bump(ctx); err != nil {
			return merges, err
		}
	}
	return merges, nil
}

// withRetry retries transient provider failures with doubling backoff up to
// the per-chunk budget. Permanent failures and cancellations pass through.
func (e *Engine) withRetry(ctx context.Context, call func() error) error {
	var err error
	delay := time.Second
	for attempt := 1; attempt <= e.retryBudget; attempt++ {
		err = call()
		if err == nil || !errors.Is(err, provider.ErrUnavailable) {
			return err
		}
		if attempt == e.retryBudget {
			break
		}
		observability.LoggerWithTrace(ctx).Warn().
			Err(err).
			Int("attempt", attempt).
			Int("budget", e.retryBudget).
			Msg("provider_retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func classify(err error, what string) error {
	switch {
	case errors.Is(err, provider.ErrUnavailable):
		return errs.Wrap(errs.KindProviderUnavailable, what+": retries exhausted", err)
	case errors.Is(err, provider.ErrInvalidRequest):
		return errs.Wrap(errs.KindProviderInvalid, what, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return errs.Wrap(errs.KindInternal, what, err)
	}
}

func embeddingText(label string, terms []string) string {
	if len(terms) == 0 {
		return label
	}
	return label + " " + strings.Join(terms, " ")
}

func hashID(prefix string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return prefix + "-" + hex.EncodeToString(h.Sum(nil))[:16]
}

func addCounters(dst *relational.StageCounters, d relational.StageCounters) {
	dst.ConceptsCreated += d.ConceptsCreated
	dst.ConceptsMatched += d.ConceptsMatched
	dst.ConceptsMerged += d.ConceptsMerged
	dst.RelationshipsCreated += d.RelationshipsCreated
	dst.RelationshipsMerged += d.RelationshipsMerged
	dst.RelationshipsDropped += d.RelationshipsDropped
	dst.EvidenceAppended += d.EvidenceAppended
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func cosine32(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
