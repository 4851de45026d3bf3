// Package sourceembed maintains the second chunking level: sentence-sized
// embedding chunks of each Source, hash-verified so drift between a Source's
// current text and its embedded rows is detectable at query time.
package sourceembed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"veridian/internal/chunker"
	"veridian/internal/errs"
	"veridian/internal/observability"
	"veridian/internal/persistence/graphdb"
	"veridian/internal/persistence/relational"
	"veridian/internal/persistence/vectorstore"
	"veridian/internal/provider"
)

// NamespaceSourceChunks is the vector-store namespace for embedding chunks,
// keyed by "<source_id>:<chunk_index>".
const NamespaceSourceChunks = "source_chunks"

// ChunkStrategy names the only chunking strategy this worker writes.
const ChunkStrategy = "sentence"

// ErrCancelled reports a regeneration sweep stopped by cancellation.
var ErrCancelled = errors.New("regeneration cancelled")

// Selector picks which sources a regeneration sweep covers.
type Selector struct {
	All      bool
	Ontology string
	SourceID string
}

func (s Selector) validate() error {
	n := 0
	if s.All {
		n++
	}
	if s.Ontology != "" {
		n++
	}
	if s.SourceID != "" {
		n++
	}
	if n != 1 {
		return errs.New(errs.KindValidation, "exactly one of --all, --ontology, --source must be given")
	}
	return nil
}

// ProgressFn reports sweep progress: sources embedded so far out of total.
type ProgressFn func(done, total int, sourceID string)

// Worker sentence-chunks, batch-embeds, and hash-stamps sources.
type Worker struct {
	graph    graphdb.GraphDB
	rows     relational.SourceEmbeddingStore
	vectors  vectorstore.VectorStore
	embedder provider.Embedder
	maxLen   int
}

// New builds a Worker. maxLen <= 0 selects the 500-char default.
func New(graph graphdb.GraphDB, rows relational.SourceEmbeddingStore, vectors vectorstore.VectorStore, embedder provider.Embedder, maxLen int) *Worker {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &Worker{graph: graph, rows: rows, vectors: vectors, embedder: embedder, maxLen: maxLen}
}

// EmbedSource (re)writes every embedding row of one source: hash the current
// full text, sentence-chunk, batch-embed, upsert rows keyed on (source,
// index, strategy), then stamp the source's content hash. Stale rows beyond
// the new chunk count are left for the staleness check to flag — rows are
// marked by drift and cured by rewrite, never deleted eagerly.
func (w *Worker) EmbedSource(ctx context.Context, sourceID string) error {
	src, ok, err := w.graph.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source %s: %w", sourceID, err)
	}
	if !ok {
		return errs.New(errs.KindValidation, "source not found: "+sourceID)
	}

	sourceHash := hashText(src.FullText)
	chunks := chunker.SentenceChunks(src.FullText, w.maxLen)
	if len(chunks) == 0 {
		return w.graph.UpdateSourceHash(ctx, sourceID, sourceHash)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeds, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed source %s: %w", sourceID, err)
	}
	if len(embeds) != len(chunks) {
		return errs.New(errs.KindInternal, "embedder returned wrong vector count")
	}

	now := time.Now().UnixNano()
	for i, c := range chunks {
		row := relational.SourceEmbeddingRow{
			SourceID:   sourceID,
			ChunkIndex: c.Index,
			Strategy:   ChunkStrategy,
			StartByte:  c.StartByte,
			EndByte:    c.EndByte,
			ChunkText:  c.Text,
			ChunkHash:  hashText(c.Text),
			SourceHash: sourceHash,
			Embedding:  embeds[i],
			Model:      w.embedder.Name(),
			Dimensions: w.embedder.Dimension(),
			CreatedAt:  now,
		}
		if err := w.rows.Upsert(ctx, row); err != nil {
			return fmt.Errorf("persist embedding row %s/%d: %w", sourceID, c.Index, err)
		}
		meta := map[string]string{
			"source_id":   sourceID,
			"ontology":    src.OntologyID,
			"chunk_index": strconv.Itoa(c.Index),
		}
		if err := w.vectors.Upsert(ctx, NamespaceSourceChunks, vectorID(sourceID, c.Index), embeds[i], meta); err != nil {
			return fmt.Errorf("index embedding %s/%d: %w", sourceID, c.Index, err)
		}
	}

	if err := w.graph.UpdateSourceHash(ctx, sourceID, sourceHash); err != nil {
		return fmt.Errorf("stamp source hash %s: %w", sourceID, err)
	}
	observability.LoggerWithTrace(ctx).Debug().
		Str("source_id", sourceID).
		Int("chunks", len(chunks)).
		Str("model", w.embedder.Name()).
		Msg("source_embedded")
	return nil
}

// Regenerate sweeps sources selected by sel, re-embedding any with a missing
// content hash or rows whose source_hash drifted from the current text.
// Returns the number of sources rewritten.
func (w *Worker) Regenerate(ctx context.Context, sel Selector, progress ProgressFn, cancelled func(context.Context) bool) (int, error) {
	if err := sel.validate(); err != nil {
		return 0, err
	}
	if progress == nil {
		progress = func(int, int, string) {}
	}
	if cancelled == nil {
		cancelled = func(context.Context) bool { return false }
	}

	var sources []graphdb.Source
	switch {
	case sel.SourceID != "":
		src, ok, err := w.graph.GetSource(ctx, sel.SourceID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errs.New(errs.KindValidation, "source not found: "+sel.SourceID)
		}
		sources = []graphdb.Source{src}
	default:
		var err error
		sources, err = w.graph.ListSources(ctx, sel.Ontology)
		if err != nil {
			return 0, err
		}
	}

	var targets []graphdb.Source
	for _, src := range sources {
		stale, err := w.isStale(ctx, src)
		if err != nil {
			return 0, err
		}
		if stale || sel.SourceID != "" {
			targets = append(targets, src)
		}
	}

	done := 0
	for _, src := range targets {
		if cancelled(ctx) {
			return done, fmt.Errorf("%w after %d of %d sources", ErrCancelled, done, len(targets))
		}
		if err := w.EmbedSource(ctx, src.ID); err != nil {
			return done, err
		}
		done++
		progress(done, len(targets), src.ID)
	}
	return done, nil
}

// isStale reports whether a source needs (re)embedding: no hash stamped yet,
// hash drifted from the current text, or no rows at all.
func (w *Worker) isStale(ctx context.Context, src graphdb.Source) (bool, error) {
	cur := hashText(src.FullText)
	if src.ContentHash == "" || src.ContentHash != cur {
		return true, nil
	}
	rows, err := w.rows.ListBySource(ctx, src.ID)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return true, nil
	}
	for _, r := range rows {
		if r.SourceHash != cur {
			return true, nil
		}
	}
	return false, nil
}

// VerifyRow checks a row's integrity invariants against the current source
// text: chunk hash matches its text, offsets slice out the chunk text, and
// the stamped source hash matches the live text. Used by tests and the
// search path's staleness flag.
func VerifyRow(row relational.SourceEmbeddingRow, fullText string) (fresh bool, intact bool) {
	intact = row.ChunkHash == hashText(row.ChunkText) &&
		row.StartByte >= 0 && row.EndByte <= len(fullText) && row.StartByte <= row.EndByte &&
		fullText[row.StartByte:row.EndByte] == row.ChunkText
	fresh = row.SourceHash == hashText(fullText)
	return fresh, intact
}

func vectorID(sourceID string, idx int) string {
	return sourceID + ":" + strconv.Itoa(idx)
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
