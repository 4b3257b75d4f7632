package vectorindex

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/mendd/internal/tenant"
)

// MemoryIndex is an exact-scan in-memory index. It is the reference
// implementation for scoring semantics and the provider of choice in
// tests; it holds every vector in a per-tenant map and scans linearly.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	tenants   map[string]map[string]Record
}

// NewMemoryIndex creates an empty in-memory index for vectors of the
// given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		tenants:   make(map[string]map[string]Record),
	}
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(ctx context.Context, tenantKey string, records []Record) error {
	if err := tenant.Validate(tenantKey); err != nil {
		return err
	}
	for _, r := range records {
		if err := checkRecord(r, m.dimension); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.tenants[tenantKey]
	if !ok {
		coll = make(map[string]Record)
		m.tenants[tenantKey] = coll
	}
	for _, r := range records {
		r.Tenant = tenantKey
		coll[r.ID] = r
	}
	return nil
}

// Search implements Index.
func (m *MemoryIndex) Search(ctx context.Context, tenantKey string, vector []float32, k int, kindFilter string) ([]Scored, error) {
	if err := tenant.Validate(tenantKey); err != nil {
		return nil, err
	}
	if err := checkVector(vector, m.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Scored
	for _, r := range m.tenants[tenantKey] {
		if kindFilter != "" && r.Kind != kindFilter {
			continue
		}
		hits = append(hits, Scored{
			Record:     r,
			Similarity: cosineSimilarity(vector, r.Vector),
		})
	}
	rankResults(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count implements Index.
func (m *MemoryIndex) Count(ctx context.Context, tenantKey string) (int, error) {
	if err := tenant.Validate(tenantKey); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants[tenantKey]), nil
}

// Close implements Index.
func (m *MemoryIndex) Close() error { return nil }
