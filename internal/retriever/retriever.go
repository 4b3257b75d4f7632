// Package retriever turns a test failure into grounded context for fix
// generation.
//
// Retrieval embeds the failure text, queries the tenant's vector
// collection, and keeps hits above the similarity floor. Retrieval is
// advisory: when the embedder or the index is unavailable the retriever
// degrades to empty context and lets healing continue ungrounded rather
// than failing the decision.
package retriever

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/embeddings"
	"github.com/fyrsmithlabs/mendd/internal/snapshot"
	"github.com/fyrsmithlabs/mendd/internal/tenant"
	"github.com/fyrsmithlabs/mendd/internal/vectorindex"
)

// Config holds retriever tuning parameters.
type Config struct {
	// SimilarityFloor drops hits scoring below it.
	SimilarityFloor float64 `koanf:"similarity_floor"`

	// TopK bounds how many hits a query returns before filtering.
	TopK int `koanf:"top_k"`

	// CacheTTL is how long a retrieved context stays reusable.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// CacheSize bounds the number of cached contexts.
	CacheSize int `koanf:"cache_size"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.SimilarityFloor == 0 {
		c.SimilarityFloor = 0.35
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
}

// Entry is one retrieved precedent. ID links back to the embedding
// record that informed the proposal, for the audit trail.
type Entry struct {
	ID         string  `json:"id"`
	TestID     string  `json:"test_id"`
	Kind       string  `json:"kind"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Context is the retrieval result for one failure.
type Context struct {
	// Entries are the precedents above the similarity floor, best first.
	Entries []Entry `json:"entries"`

	// MaxSimilarity is the best similarity among all hits, including
	// those below the floor. Feeds the confidence score.
	MaxSimilarity float64 `json:"max_similarity"`

	// Degraded marks contexts produced while the embedder or index was
	// unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// Empty reports whether retrieval found no usable precedents.
func (c *Context) Empty() bool {
	return len(c.Entries) == 0
}

// Retriever performs tenant-scoped similarity retrieval.
type Retriever struct {
	embedder embeddings.Embedder
	index    vectorindex.Index
	config   Config
	cache    *cache
	logger   *zap.Logger
}

// New creates a retriever over the given embedder and index.
func New(embedder embeddings.Embedder, index vectorindex.Index, config Config, logger *zap.Logger) *Retriever {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		config:   config,
		cache:    newCache(config.CacheTTL, config.CacheSize),
		logger:   logger,
	}
}

// Retrieve returns grounded context for a failure. A non-empty kindFilter
// restricts retrieval to one artifact kind. Infrastructure failures
// degrade to empty context; only invalid input is an error.
func (r *Retriever) Retrieve(ctx context.Context, tenantKey, failureText, kindFilter string) (*Context, error) {
	if err := tenant.Validate(tenantKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(failureText) == "" {
		return nil, fmt.Errorf("failure text cannot be empty")
	}

	cacheKey := tenantKey + "\x00" + kindFilter + "\x00" + failureText
	if cached, ok := r.cache.get(cacheKey); ok {
		return cached, nil
	}

	vector, err := r.embedder.EmbedQuery(ctx, failureText)
	if err != nil {
		r.logger.Warn("embedding unavailable, degrading to empty context",
			zap.String("tenant", tenantKey), zap.Error(err))
		return &Context{Degraded: true}, nil
	}

	hits, err := r.index.Search(ctx, tenantKey, vector, r.config.TopK, kindFilter)
	if err != nil {
		r.logger.Warn("vector index unavailable, degrading to empty context",
			zap.String("tenant", tenantKey), zap.Error(err))
		return &Context{Degraded: true}, nil
	}

	result := &Context{}
	seen := make(map[string]bool)
	for _, hit := range hits {
		if hit.Similarity > result.MaxSimilarity {
			result.MaxSimilarity = hit.Similarity
		}
		if hit.Similarity < r.config.SimilarityFloor {
			continue
		}
		// One entry per source artifact; hits are ranked best-first, so
		// the best-scoring embedding of each source wins.
		source := hit.TestID
		if source == "" {
			source = hit.ID
		}
		dedupeKey := hit.Kind + "\x00" + source
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true
		result.Entries = append(result.Entries, Entry{
			ID:         hit.ID,
			TestID:     hit.TestID,
			Kind:       hit.Kind,
			Text:       hit.Text,
			Similarity: hit.Similarity,
		})
	}

	r.cache.set(cacheKey, result)
	return result, nil
}

// BuildPrompt renders retrieved context as a prompt section for the fix
// generator. Empty context renders as an explicit no-precedent note so
// the model knows it is working ungrounded.
func BuildPrompt(c *Context) string {
	if c == nil || c.Empty() {
		return "No similar past failures found; propose a fix from the failure detail alone."
	}

	var b strings.Builder
	b.WriteString("Similar past failures and fixes, most similar first:\n")
	for i, e := range c.Entries {
		fmt.Fprintf(&b, "%d. [%s] (%s, similarity %.2f) %s\n", i+1, e.TestID, e.Kind, e.Similarity, e.Text)
	}
	return b.String()
}

// BuildGroundedPrompt assembles a full generation request: task
// description, retrieved context in similarity order, and the current UI
// snapshot if supplied. Pure data assembly, no side effects.
func BuildGroundedPrompt(task string, c *Context, snap *snapshot.Snapshot) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\n")
	b.WriteString(BuildPrompt(c))

	if snap != nil && len(snap.Elements) > 0 {
		fmt.Fprintf(&b, "\nCurrent UI snapshot for page %q:\n", snap.PageID)
		for _, el := range snap.Elements {
			if el.Text != "" {
				fmt.Fprintf(&b, "- %s (%s) %q\n", el.Selector, el.Type, el.Text)
			} else {
				fmt.Fprintf(&b, "- %s (%s)\n", el.Selector, el.Type)
			}
		}
	}
	return b.String()
}
