package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/snapshot"
	"github.com/fyrsmithlabs/mendd/internal/vectorindex"
)

// fakeEmbedder returns a fixed vector, or an error when broken.
type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vector
	}
	return out, nil
}

// brokenIndex fails every operation.
type brokenIndex struct{}

func (brokenIndex) Upsert(context.Context, string, []vectorindex.Record) error { return errors.New("down") }
func (brokenIndex) Search(context.Context, string, []float32, int, string) ([]vectorindex.Scored, error) {
	return nil, errors.New("down")
}
func (brokenIndex) Count(context.Context, string) (int, error) { return 0, errors.New("down") }
func (brokenIndex) Close() error                               { return nil }

func seedIndex(t *testing.T) vectorindex.Index {
	t.Helper()
	idx := vectorindex.NewMemoryIndex(3)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, idx.Upsert(context.Background(), "client_a", []vectorindex.Record{
		{
			ID: "r1", TestID: "TC_LOGIN_001", Kind: vectorindex.KindExecutionLog,
			Text: "ElementNotFound: #login-btn", Vector: []float32{1, 0, 0}, Timestamp: base,
		},
		{
			ID: "r2", TestID: "TC_LOGIN_001", Kind: vectorindex.KindCodeDiff,
			Text: "replaced #login-btn with #login-button-v2", Vector: []float32{0.95, 0.3, 0}, Timestamp: base,
		},
		{
			ID: "r3", TestID: "TC_REPORT_009", Kind: vectorindex.KindExecutionLog,
			Text: "TimeoutError on #export", Vector: []float32{0, 0, 1}, Timestamp: base,
		},
	}))
	return idx
}

func TestRetrieveFiltersBySimilarityFloor(t *testing.T) {
	idx := seedIndex(t)
	emb := &fakeEmbedder{vector: []float32{1, 0, 0}}
	r := New(emb, idx, Config{SimilarityFloor: 0.35, TopK: 10}, zap.NewNop())

	got, err := r.Retrieve(context.Background(), "client_a", "ElementNotFound: #login-btn", "")
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "ElementNotFound: #login-btn", got.Entries[0].Text)
	assert.InDelta(t, 1.0, got.MaxSimilarity, 1e-6)
	// The orthogonal precedent stays below the floor.
	for _, e := range got.Entries {
		assert.GreaterOrEqual(t, e.Similarity, 0.35)
	}
}

func TestRetrieveEmptyTenantDegradesToEmptyContext(t *testing.T) {
	idx := vectorindex.NewMemoryIndex(3)
	emb := &fakeEmbedder{vector: []float32{1, 0, 0}}
	r := New(emb, idx, Config{}, zap.NewNop())

	got, err := r.Retrieve(context.Background(), "client_new", "some failure", "")
	require.NoError(t, err)
	assert.True(t, got.Empty())
	assert.False(t, got.Degraded)
	assert.Zero(t, got.MaxSimilarity)
}

func TestRetrieveDegradesWhenEmbedderDown(t *testing.T) {
	idx := seedIndex(t)
	emb := &fakeEmbedder{err: errors.New("TEI unreachable")}
	r := New(emb, idx, Config{}, zap.NewNop())

	got, err := r.Retrieve(context.Background(), "client_a", "boom", "")
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.True(t, got.Empty())
}

func TestRetrieveDegradesWhenIndexDown(t *testing.T) {
	emb := &fakeEmbedder{vector: []float32{1, 0, 0}}
	r := New(emb, brokenIndex{}, Config{}, zap.NewNop())

	got, err := r.Retrieve(context.Background(), "client_a", "boom", "")
	require.NoError(t, err)
	assert.True(t, got.Degraded)
}

func TestRetrieveRejectsInvalidInput(t *testing.T) {
	r := New(&fakeEmbedder{vector: []float32{1, 0, 0}}, vectorindex.NewMemoryIndex(3), Config{}, zap.NewNop())

	_, err := r.Retrieve(context.Background(), "", "boom", "")
	assert.Error(t, err)
	_, err = r.Retrieve(context.Background(), "client_a", "   ", "")
	assert.Error(t, err)
}

func TestRetrieveCachesWithinTTL(t *testing.T) {
	idx := seedIndex(t)
	emb := &fakeEmbedder{vector: []float32{1, 0, 0}}
	r := New(emb, idx, Config{CacheTTL: time.Minute}, zap.NewNop())
	ctx := context.Background()

	_, err := r.Retrieve(ctx, "client_a", "ElementNotFound: #login-btn", "")
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "client_a", "ElementNotFound: #login-btn", "")
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls)

	// A different tenant never shares a cache entry.
	_, err = r.Retrieve(ctx, "client_b", "ElementNotFound: #login-btn", "")
	require.NoError(t, err)
	assert.Equal(t, 2, emb.calls)
}

func TestRetrieveDeduplicates(t *testing.T) {
	idx := vectorindex.NewMemoryIndex(2)
	// Two embeddings of the same source artifact with different text, e.g.
	// a script indexed before and after an edit.
	require.NoError(t, idx.Upsert(context.Background(), "client_a", []vectorindex.Record{
		{ID: "a", TestID: "TC_1", Kind: vectorindex.KindTestCase, Text: "click('#login-btn')", Vector: []float32{1, 0}},
		{ID: "b", TestID: "TC_1", Kind: vectorindex.KindTestCase, Text: "click('#login-button-v2')", Vector: []float32{0.99, 0.01}},
	}))
	r := New(&fakeEmbedder{vector: []float32{1, 0}}, idx, Config{}, zap.NewNop())

	got, err := r.Retrieve(context.Background(), "client_a", "login failure", "")
	require.NoError(t, err)
	require.Len(t, got.Entries, 1)
	// Best-first ranking keeps the highest-similarity embedding.
	assert.Equal(t, "a", got.Entries[0].ID)
	assert.InDelta(t, 1.0, got.Entries[0].Similarity, 1e-6)

	// Different kinds of the same test are distinct sources.
	require.NoError(t, idx.Upsert(context.Background(), "client_a", []vectorindex.Record{
		{ID: "c", TestID: "TC_1", Kind: vectorindex.KindCodeDiff, Text: "replaced selector", Vector: []float32{0.98, 0.02}},
	}))
	got, err = r.Retrieve(context.Background(), "client_a", "login failure again", "")
	require.NoError(t, err)
	assert.Len(t, got.Entries, 2)
}

func TestBuildPrompt(t *testing.T) {
	assert.Contains(t, BuildPrompt(nil), "No similar past failures")
	assert.Contains(t, BuildPrompt(&Context{}), "No similar past failures")

	prompt := BuildPrompt(&Context{Entries: []Entry{
		{ID: "r2", TestID: "TC_LOGIN_001", Kind: "code_diff", Text: "use #login-button-v2", Similarity: 0.91},
	}})
	assert.Contains(t, prompt, "TC_LOGIN_001")
	assert.Contains(t, prompt, "0.91")
}

func TestBuildGroundedPrompt(t *testing.T) {
	c := &Context{Entries: []Entry{
		{ID: "r1", TestID: "TC_LOGIN_001", Kind: "execution_log", Text: "ElementNotFound: #login-btn", Similarity: 0.88},
	}}
	snap := &snapshot.Snapshot{
		PageID: "login",
		Elements: []snapshot.Element{
			{Selector: "#login-button-v2", Type: "button", Text: "Sign in"},
		},
	}

	prompt := BuildGroundedPrompt("Fix the failing login test.", c, snap)
	assert.Contains(t, prompt, "Fix the failing login test.")
	assert.Contains(t, prompt, "TC_LOGIN_001")
	assert.Contains(t, prompt, "#login-button-v2")
	assert.Contains(t, prompt, "Sign in")

	// Without a snapshot the prompt still assembles.
	prompt = BuildGroundedPrompt("Fix it.", nil, nil)
	assert.Contains(t, prompt, "No similar past failures")
}

func TestCacheEviction(t *testing.T) {
	c := newCache(time.Minute, 2)
	c.set("a", &Context{})
	c.set("b", &Context{})
	c.set("c", &Context{})

	total := 0
	for _, key := range []string{"a", "b", "c"} {
		if _, ok := c.get(key); ok {
			total++
		}
	}
	assert.Equal(t, 2, total)
}

func TestCacheExpiry(t *testing.T) {
	c := newCache(time.Minute, 10)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.set("key", &Context{})

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := c.get("key")
	assert.False(t, ok)
}
