// Package artifact persists computed results with size-routed storage:
// small JSON payloads inline in the metadata row, large ones in the object
// store. Every artifact is stamped with the graph epoch at creation so reads
// can report staleness against the current counter.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"veridian/internal/epoch"
	"veridian/internal/errs"
	"veridian/internal/objectstore"
	"veridian/internal/observability"
	"veridian/internal/persistence/relational"
)

// DefaultInlineLimit is the inline/object-store routing boundary in bytes.
const DefaultInlineLimit = 10 * 1024

const objectKeyPrefix = "artifacts/"

// Artifact is the read-side view: metadata plus resolved payload bytes.
type Artifact struct {
	ID         string
	Type       string
	Owner      string
	Params     string
	Payload    json.RawMessage
	CreatedAt  time.Time
	GraphEpoch uint64
	IsStale    bool
}

// Store routes artifact persistence between the relational metadata row and
// the object store, and stamps/judges freshness via the epoch counter.
type Store struct {
	meta        relational.ArtifactStore
	objects     objectstore.ObjectStore
	epoch       epoch.Counter
	inlineLimit int
}

// New builds a Store. inlineLimit <= 0 selects DefaultInlineLimit. Changing
// the limit later never breaks existing artifacts: reads handle both layouts.
func New(meta relational.ArtifactStore, objects objectstore.ObjectStore, counter epoch.Counter, inlineLimit int) *Store {
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	return &Store{meta: meta, objects: objects, epoch: counter, inlineLimit: inlineLimit}
}

// Create validates and persists a payload, returning the stored artifact
// with its freshness stamp.
func (s *Store) Create(ctx context.Context, typ, owner, params string, payload json.RawMessage) (Artifact, error) {
	if typ == "" {
		return Artifact{}, errs.New(errs.KindValidation, "artifact type is required")
	}
	if !json.Valid(payload) {
		return Artifact{}, errs.New(errs.KindValidation, "artifact payload is not valid JSON")
	}

	cur, err := s.epoch.Current(ctx)
	if err != nil {
		return Artifact{}, fmt.Errorf("read graph epoch: %w", err)
	}

	row := relational.ArtifactRow{
		ID:         uuid.NewString(),
		Type:       typ,
		Owner:      owner,
		Params:     params,
		CreatedAt:  time.Now().UTC(),
		GraphEpoch: cur,
	}
	if len(payload) <= s.inlineLimit {
		row.InlinePayload = append([]byte(nil), payload...)
	} else {
		key := fmt.Sprintf("%s%s/%s.json", objectKeyPrefix, typ, row.ID)
		if _, err := s.objects.Put(ctx, key, bytes.NewReader(payload), objectstore.PutOptions{ContentType: "application/json"}); err != nil {
			return Artifact{}, fmt.Errorf("put artifact blob %s: %w", key, err)
		}
		row.ObjectKey = key
	}

	if err := s.meta.Insert(ctx, row); err != nil {
		return Artifact{}, fmt.Errorf("insert artifact row: %w", err)
	}
	return Artifact{
		ID:         row.ID,
		Type:       row.Type,
		Owner:      row.Owner,
		Params:     row.Params,
		Payload:    payload,
		CreatedAt:  row.CreatedAt,
		GraphEpoch: row.GraphEpoch,
		IsStale:    false,
	}, nil
}

// Get resolves an artifact's payload (inline or object-store, transparently)
// and its staleness against the current graph epoch.
func (s *Store) Get(ctx context.Context, id string) (Artifact, error) {
	row, ok, err := s.meta.Get(ctx, id)
	if err != nil {
		return Artifact{}, fmt.Errorf("load artifact row: %w", err)
	}
	if !ok {
		return Artifact{}, errs.New(errs.KindValidation, "artifact not found")
	}

	var payload json.RawMessage
	switch {
	case row.ObjectKey != "":
		rc, _, err := s.objects.Get(ctx, row.ObjectKey)
		if err != nil {
			return Artifact{}, fmt.Errorf("get artifact blob %s: %w", row.ObjectKey, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return Artifact{}, fmt.Errorf("read artifact blob %s: %w", row.ObjectKey, err)
		}
		payload = b
	default:
		payload = append(json.RawMessage(nil), row.InlinePayload...)
	}

	cur, err := s.epoch.Current(ctx)
	if err != nil {
		return Artifact{}, fmt.Errorf("read graph epoch: %w", err)
	}
	return Artifact{
		ID:         row.ID,
		Type:       row.Type,
		Owner:      row.Owner,
		Params:     row.Params,
		Payload:    payload,
		CreatedAt:  row.CreatedAt,
		GraphEpoch: row.GraphEpoch,
		IsStale:    row.GraphEpoch != cur,
	}, nil
}

// List returns metadata rows matching the filter, each with staleness
// resolved against the current counter. Payloads are not loaded.
func (s *Store) List(ctx context.Context, filter relational.ArtifactFilter) ([]Artifact, error) {
	rows, err := s.meta.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	cur, err := s.epoch.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("read graph epoch: %w", err)
	}
	out := make([]Artifact, 0, len(rows))
	for _, row := range rows {
		out = append(out, Artifact{
			ID:         row.ID,
			Type:       row.Type,
			Owner:      row.Owner,
			Params:     row.Params,
			CreatedAt:  row.CreatedAt,
			GraphEpoch: row.GraphEpoch,
			IsStale:    row.GraphEpoch != cur,
		})
	}
	return out, nil
}

// Delete removes the blob first (when present), then the metadata row. A
// crash between the two steps leaves a row whose blob is gone, so Get on it
// fails. Blobs without a row (a Create whose row insert failed after the
// upload) are found by AuditOrphans.
func (s *Store) Delete(ctx context.Context, id string) error {
	row, ok, err := s.meta.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load artifact row: %w", err)
	}
	if !ok {
		return errs.New(errs.KindValidation, "artifact not found")
	}
	if row.ObjectKey != "" {
		if err := s.objects.Delete(ctx, row.ObjectKey); err != nil {
			return fmt.Errorf("delete artifact blob %s: %w", row.ObjectKey, err)
		}
	}
	if err := s.meta.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete artifact row: %w", err)
	}
	observability.LoggerWithTrace(ctx).Info().
		Str("artifact_id", id).
		Str("type", row.Type).
		Str("owner", row.Owner).
		Msg("artifact_deleted")
	return nil
}

// AuditOrphans lists object-store keys under artifacts/ that no metadata row
// references. Orphans are logged, never auto-deleted; an operator (or a
// future cleanup pass) decides their fate.
func (s *Store) AuditOrphans(ctx context.Context) ([]string, error) {
	known := make(map[string]bool)
	rows, err := s.meta.List(ctx, relational.ArtifactFilter{})
	if err != nil {
		return nil, fmt.Errorf("list artifact rows: %w", err)
	}
	for _, row := range rows {
		if row.ObjectKey != "" {
			known[row.ObjectKey] = true
		}
	}

	var orphans []string
	token := ""
	for {
		res, err := s.objects.List(ctx, objectstore.ListOptions{Prefix: objectKeyPrefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list artifact blobs: %w", err)
		}
		for _, obj := range res.Objects {
			if obj.IsPrefix || known[obj.Key] {
				continue
			}
			if !strings.HasSuffix(obj.Key, ".json") {
				continue
			}
			orphans = append(orphans, obj.Key)
		}
		if !res.IsTruncated {
			break
		}
		token = res.NextContinuationToken
	}

	if len(orphans) > 0 {
		observability.LoggerWithTrace(ctx).Warn().
			Int("count", len(orphans)).
			Strs("keys", orphans).
			Msg("artifact_orphan_blobs")
	}
	return orphans, nil
}
