package vectorindex

import (
	"context"
	"fmt"
	"os"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/tenant"
)

// metadata keys stored alongside each chromem document.
const (
	metaTestID    = "test_id"
	metaKind      = "kind"
	metaTimestamp = "timestamp"
)

// ChromemIndex is the embedded default provider, backed by a persistent
// chromem database on local disk. One chromem collection per tenant.
type ChromemIndex struct {
	db        *chromem.DB
	dimension int
	logger    *zap.Logger
}

// NewChromemIndex opens (or creates) a persistent chromem database at path.
func NewChromemIndex(path string, dimension int, compress bool, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem index initialized",
		zap.String("path", path),
		zap.Int("dimension", dimension),
		zap.Bool("compress", compress),
	)
	return &ChromemIndex{db: db, dimension: dimension, logger: logger}, nil
}

// collection returns the tenant's collection, creating it on first use.
// Vectors always arrive precomputed, so the embedding func only guards
// against a stray text-only document slipping through.
func (c *ChromemIndex) collection(tenantKey string) (*chromem.Collection, error) {
	name, err := tenant.EmbeddingCollection(tenantKey)
	if err != nil {
		return nil, err
	}
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("index stores precomputed embeddings only")
	}
	coll, err := c.db.GetOrCreateCollection(name, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	return coll, nil
}

// Upsert implements Index.
func (c *ChromemIndex) Upsert(ctx context.Context, tenantKey string, records []Record) error {
	coll, err := c.collection(tenantKey)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		if err := checkRecord(r, c.dimension); err != nil {
			return err
		}
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Embedding: r.Vector,
			Metadata:  recordMetadata(r),
		})
	}
	if len(docs) == 0 {
		return nil
	}

	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to %s: %w", tenantKey, err)
	}
	return nil
}

// Search implements Index.
func (c *ChromemIndex) Search(ctx context.Context, tenantKey string, vector []float32, k int, kindFilter string) ([]Scored, error) {
	if err := checkVector(vector, c.dimension); err != nil {
		return nil, err
	}
	coll, err := c.collection(tenantKey)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than stored.
	count := coll.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	var where map[string]string
	if kindFilter != "" {
		where = map[string]string{metaKind: kindFilter}
	}

	results, err := coll.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection for %s: %w", tenantKey, err)
	}

	hits := make([]Scored, 0, len(results))
	for _, res := range results {
		hits = append(hits, Scored{
			Record: Record{
				ID:        res.ID,
				Tenant:    tenantKey,
				TestID:    res.Metadata[metaTestID],
				Kind:      res.Metadata[metaKind],
				Text:      res.Content,
				Metadata:  res.Metadata,
				Timestamp: parseTimestamp(res.Metadata[metaTimestamp]),
			},
			Similarity: float64(res.Similarity),
		})
	}
	rankResults(hits)
	return hits, nil
}

// Count implements Index.
func (c *ChromemIndex) Count(ctx context.Context, tenantKey string) (int, error) {
	coll, err := c.collection(tenantKey)
	if err != nil {
		return 0, err
	}
	return coll.Count(), nil
}

// Close implements Index. The persistent DB flushes on write, so there is
// nothing to release.
func (c *ChromemIndex) Close() error { return nil }

func recordMetadata(r Record) map[string]string {
	md := make(map[string]string, len(r.Metadata)+3)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[metaTestID] = r.TestID
	md[metaKind] = r.Kind
	md[metaTimestamp] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	return md
}

func parseTimestamp(s string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
