// Package vectorindex stores embedding records and answers tenant-scoped
// cosine-similarity queries.
//
// Three providers implement the Index interface: an embedded chromem
// database (the default, zero external infrastructure), a Qdrant client
// for deployments with an external vector service, and an in-memory
// exact-scan index used in tests and as the reference for scoring
// semantics. All providers enforce the same contract: one collection per
// tenant, vectors checked against the configured dimension before any
// write or query, and results ordered by similarity with ties broken by
// the most recent record.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Common errors.
var (
	// ErrDimensionMismatch is returned when a vector's length differs
	// from the index's configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("invalid embedding record")
)

// Artifact kinds. Kind tells the retriever what a stored vector describes.
const (
	KindTestCase      = "test_case"
	KindUISnapshot    = "ui_snapshot"
	KindCodeDiff      = "code_diff"
	KindExecutionLog  = "execution_log"
	KindDefectPattern = "defect_pattern"
)

// Record is one stored embedding with its source text and metadata.
type Record struct {
	ID        string            `json:"id"`
	Tenant    string            `json:"tenant"`
	TestID    string            `json:"test_id"`
	Kind      string            `json:"kind"`
	Text      string            `json:"text"`
	Vector    []float32         `json:"vector,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Scored is a search hit with its cosine similarity to the query.
type Scored struct {
	Record
	Similarity float64 `json:"similarity"`
}

// Index is a tenant-scoped vector store.
type Index interface {
	// Upsert inserts or replaces records in the tenant's collection.
	Upsert(ctx context.Context, tenantKey string, records []Record) error

	// Search returns up to k records most similar to the query vector,
	// ordered by similarity descending, ties broken by recency. A
	// non-empty kindFilter restricts results to one artifact kind.
	Search(ctx context.Context, tenantKey string, vector []float32, k int, kindFilter string) ([]Scored, error)

	// Count returns the number of records in the tenant's collection.
	Count(ctx context.Context, tenantKey string) (int, error)

	// Close releases provider resources.
	Close() error
}

// checkVector validates a vector against the expected dimension.
func checkVector(vec []float32, dim int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidRecord)
	}
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

// checkRecord validates the fields every provider requires.
func checkRecord(r Record, dim int) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if r.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidRecord)
	}
	return checkVector(r.Vector, dim)
}

// rankResults orders hits by similarity descending, breaking ties in
// favor of the most recent record so stale precedents never shadow
// fresher ones with equal scores.
func rankResults(hits []Scored) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})
}

// cosineSimilarity computes the cosine similarity of two equal-length
// vectors. Zero-magnitude vectors score 0 rather than dividing by zero.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
