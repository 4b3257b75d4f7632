package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// indexUnderTest runs the shared contract suite against any provider.
func indexUnderTest(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	records := []Record{
		{
			ID: "11111111-1111-1111-1111-111111111111", TestID: "TC_LOGIN_001", Kind: KindExecutionLog,
			Text: "ElementNotFound: #login-btn", Vector: []float32{1, 0, 0}, Timestamp: base,
		},
		{
			ID: "22222222-2222-2222-2222-222222222222", TestID: "TC_LOGIN_001", Kind: KindCodeDiff,
			Text: "replaced #login-btn with #login-button-v2", Vector: []float32{0.9, 0.1, 0}, Timestamp: base.Add(time.Hour),
		},
		{
			ID: "33333333-3333-3333-3333-333333333333", TestID: "TC_SEARCH_004", Kind: KindExecutionLog,
			Text: "TimeoutError waiting for #results", Vector: []float32{0, 1, 0}, Timestamp: base,
		},
	}
	require.NoError(t, idx.Upsert(ctx, "client_a", records))

	count, err := idx.Count(ctx, "client_a")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	hits, err := idx.Search(ctx, "client_a", []float32{1, 0, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, "TC_LOGIN_001", hits[0].TestID)
	assert.Equal(t, KindExecutionLog, hits[0].Kind)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)

	// Kind filter restricts hits to one artifact kind.
	hits, err = idx.Search(ctx, "client_a", []float32{1, 0, 0}, 3, KindCodeDiff)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, KindCodeDiff, hits[0].Kind)

	// Dimension mismatch fails before touching the collection.
	_, err = idx.Search(ctx, "client_a", []float32{1, 0}, 2, "")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	err = idx.Upsert(ctx, "client_a", []Record{{
		ID: "44444444-4444-4444-4444-444444444444", Kind: KindTestCase, Vector: []float32{1, 0, 0, 0},
	}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// A tenant with no records yields no hits, not an error.
	hits, err = idx.Search(ctx, "client_empty", []float32{1, 0, 0}, 5, "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryIndexContract(t *testing.T) {
	indexUnderTest(t, NewMemoryIndex(3))
}

func TestChromemIndexContract(t *testing.T) {
	idx, err := NewChromemIndex(t.TempDir(), 3, false, zap.NewNop())
	require.NoError(t, err)
	indexUnderTest(t, idx)
}

func TestMemoryIndexTenantIsolation(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)

	require.NoError(t, idx.Upsert(ctx, "client_a", []Record{
		{ID: "a1", TestID: "TC_1", Kind: KindExecutionLog, Vector: []float32{1, 0}},
	}))
	require.NoError(t, idx.Upsert(ctx, "client_b", []Record{
		{ID: "b1", TestID: "TC_1", Kind: KindExecutionLog, Vector: []float32{1, 0}},
	}))

	hits, err := idx.Search(ctx, "client_a", []float32{1, 0}, 10, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a1", hits[0].ID)
	assert.Equal(t, "client_a", hits[0].Tenant)
}

func TestRankResultsTieBreaksByRecency(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	hits := []Scored{
		{Record: Record{ID: "old", Timestamp: older}, Similarity: 0.9},
		{Record: Record{ID: "new", Timestamp: newer}, Similarity: 0.9},
		{Record: Record{ID: "best", Timestamp: older}, Similarity: 0.95},
	}
	rankResults(hits)
	assert.Equal(t, "best", hits[0].ID)
	assert.Equal(t, "new", hits[1].ID)
	assert.Equal(t, "old", hits[2].ID)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestFactoryRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Provider: ProviderMemory, Dimension: 0}, zap.NewNop())
	assert.Error(t, err)
	_, err = New(Config{Provider: "pinecone", Dimension: 3}, zap.NewNop())
	assert.Error(t, err)
}

func TestFactoryMemory(t *testing.T) {
	idx, err := New(Config{Provider: ProviderMemory, Dimension: 3}, zap.NewNop())
	require.NoError(t, err)
	_, ok := idx.(*MemoryIndex)
	assert.True(t, ok)
}
