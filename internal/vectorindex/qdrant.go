package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	qdrant "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/tenant"
)

// QdrantConfig configures the external Qdrant provider.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey string `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// QdrantIndex stores vectors in an external Qdrant service over gRPC.
// One Qdrant collection per tenant, created lazily with cosine distance.
type QdrantIndex struct {
	client    *qdrant.Client
	dimension int
	logger    *zap.Logger

	mu          sync.Mutex
	collections map[string]bool
}

// NewQdrantIndex connects to Qdrant and returns an index for vectors of
// the given dimension.
func NewQdrantIndex(cfg QdrantConfig, dimension int, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	logger.Info("qdrant index initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("dimension", dimension),
	)
	return &QdrantIndex{
		client:      client,
		dimension:   dimension,
		logger:      logger,
		collections: make(map[string]bool),
	}, nil
}

// ensureCollection creates the tenant's collection on first use.
func (q *QdrantIndex) ensureCollection(ctx context.Context, tenantKey string) (string, error) {
	name, err := tenant.EmbeddingCollection(tenantKey)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.collections[name] {
		return name, nil
	}

	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return "", fmt.Errorf("checking collection %s: %w", name, err)
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return "", fmt.Errorf("creating collection %s: %w", name, err)
		}
	}
	q.collections[name] = true
	return name, nil
}

// Upsert implements Index.
func (q *QdrantIndex) Upsert(ctx context.Context, tenantKey string, records []Record) error {
	name, err := q.ensureCollection(ctx, tenantKey)
	if err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		if err := checkRecord(r, q.dimension); err != nil {
			return err
		}

		payload := map[string]*qdrant.Value{
			"text":        qdrant.NewValueString(r.Text),
			metaTestID:    qdrant.NewValueString(r.TestID),
			metaKind:      qdrant.NewValueString(r.Kind),
			metaTimestamp: qdrant.NewValueString(r.Timestamp.UTC().Format(time.RFC3339Nano)),
		}
		for k, v := range r.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: payload,
		})
	}
	if len(points) == 0 {
		return nil
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting points for %s: %w", tenantKey, err)
	}
	return nil
}

// Search implements Index. Scores from Qdrant's cosine distance are
// already cosine similarities.
func (q *QdrantIndex) Search(ctx context.Context, tenantKey string, vector []float32, k int, kindFilter string) ([]Scored, error) {
	if err := checkVector(vector, q.dimension); err != nil {
		return nil, err
	}
	name, err := q.ensureCollection(ctx, tenantKey)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	var filter *qdrant.Filter
	if kindFilter != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(metaKind, kindFilter),
			},
		}
	}

	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying collection for %s: %w", tenantKey, err)
	}

	hits := make([]Scored, 0, len(results))
	for _, pt := range results {
		rec := Record{
			Tenant:   tenantKey,
			Metadata: make(map[string]string),
		}
		if id := pt.GetId(); id != nil {
			rec.ID = id.GetUuid()
		}
		for k, v := range pt.GetPayload() {
			sv := v.GetStringValue()
			switch k {
			case "text":
				rec.Text = sv
			case metaTestID:
				rec.TestID = sv
			case metaKind:
				rec.Kind = sv
			case metaTimestamp:
				rec.Timestamp = parseTimestamp(sv)
			default:
				rec.Metadata[k] = sv
			}
		}
		hits = append(hits, Scored{Record: rec, Similarity: float64(pt.GetScore())})
	}
	rankResults(hits)
	return hits, nil
}

// Count implements Index.
func (q *QdrantIndex) Count(ctx context.Context, tenantKey string) (int, error) {
	name, err := q.ensureCollection(ctx, tenantKey)
	if err != nil {
		return 0, err
	}
	n, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: name})
	if err != nil {
		return 0, fmt.Errorf("counting points for %s: %w", tenantKey, err)
	}
	return int(n), nil
}

// Close implements Index.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
