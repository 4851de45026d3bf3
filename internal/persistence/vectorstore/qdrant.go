package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDField stores the caller's original string id, since Qdrant point
// ids must be a UUID or a positive integer. Carried over from the teacher's
// qdrant_vector.go.
const payloadIDField = "_original_id"

// qdrantStore lazily creates one Qdrant collection per namespace
// (collectionPrefix+"_"+namespace), since concept embeddings and source-chunk
// embeddings are different populations that must never be searched together.
type qdrantStore struct {
	client           *qdrant.Client
	collectionPrefix string
	dimension        int
	metric           string

	mu       sync.Mutex
	ensured  map[string]bool
}

// NewQdrant connects to dsn (gRPC, default port 6334) and returns a
// VectorStore that creates namespace-scoped collections on demand.
func NewQdrant(dsn, collectionPrefix string, dimensions int, metric string) (VectorStore, error) {
	if collectionPrefix == "" {
		return nil, fmt.Errorf("collection prefix is required")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if u.Scheme == "https" {
		cfg.UseTLS = true
	}
	if key := u.Query().Get("api_key"); key != "" {
		cfg.APIKey = key
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &qdrantStore{
		client:           client,
		collectionPrefix: collectionPrefix,
		dimension:        dimensions,
		metric:           strings.ToLower(strings.TrimSpace(metric)),
		ensured:          make(map[string]bool),
	}, nil
}

func (q *qdrantStore) collectionFor(namespace string) string {
	return q.collectionPrefix + "_" + namespace
}

func (q *qdrantStore) ensureCollection(ctx context.Context, namespace string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	coll := q.collectionFor(namespace)
	if q.ensured[coll] {
		return nil
	}
	exists, err := q.client.CollectionExists(ctx, coll)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if !exists {
		var distance qdrant.Distance
		switch q.metric {
		case "l2", "euclidean":
			distance = qdrant.Distance_Euclid
		case "ip", "dot":
			distance = qdrant.Distance_Dot
		case "manhattan":
			distance = qdrant.Distance_Manhattan
		default:
			distance = qdrant.Distance_Cosine
		}
		if q.dimension <= 0 {
			return fmt.Errorf("qdrant requires dimensions > 0")
		}
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: coll,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.dimension),
				Distance: distance,
			}),
		}); err != nil {
			return fmt.Errorf("create collection %s: %w", coll, err)
		}
	}
	q.ensured[coll] = true
	return nil
}

func pointIDFor(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *qdrantStore) Upsert(ctx context.Context, namespace, id string, vector []float32, metadata map[string]string) error {
	if err := q.ensureCollection(ctx, namespace); err != nil {
		return err
	}
	uuidStr, remapped := pointIDFor(id)
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	if remapped {
		meta[payloadIDField] = id
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionFor(namespace),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(meta),
		}},
	})
	return err
}

func (q *qdrantStore) Delete(ctx context.Context, namespace, id string) error {
	uuidStr, _ := pointIDFor(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionFor(namespace),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(uuidStr)),
	})
	return err
}

func (q *qdrantStore) SimilaritySearch(ctx context.Context, namespace string, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if err := q.ensureCollection(ctx, namespace); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qf = &qdrant.Filter{Must: must}
	}
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collectionFor(namespace),
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		uuidStr := h.Id.GetUuid()
		metadata := make(map[string]string)
		var original string
		if h.Payload != nil {
			for k, v := range h.Payload {
				if k == payloadIDField {
					original = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := original
		if id == "" {
			id = uuidStr
		}
		out = append(out, Result{ID: id, Score: float64(h.Score), Metadata: metadata})
	}
	return out, nil
}

func (q *qdrantStore) Dimension() int { return q.dimension }
func (q *qdrantStore) Close() error   { return q.client.Close() }
