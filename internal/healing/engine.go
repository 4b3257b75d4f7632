// Package healing implements the self-healing decision engine.
//
// A failure signal opens a decision and drives it through the lifecycle:
// context retrieval, fix generation, human approval, application, and
// cross-tenant propagation. The engine holds no decision state in memory;
// every state lives in the artifact store, so a restart resumes any
// pending decision from storage. Human approval gates every fix: there is
// no automatic apply path at any confidence score.
package healing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/mendd/internal/embeddings"
	"github.com/fyrsmithlabs/mendd/internal/inference"
	"github.com/fyrsmithlabs/mendd/internal/retriever"
	"github.com/fyrsmithlabs/mendd/internal/snapshot"
	"github.com/fyrsmithlabs/mendd/internal/store"
	"github.com/fyrsmithlabs/mendd/internal/vectorindex"
)

// ErrGenerationFailed mirrors the inference sentinel so callers can match
// on the healing package alone.
var ErrGenerationFailed = inference.ErrGenerationFailed

// Config holds engine tuning parameters.
type Config struct {
	// SimilarityWeight and QualityWeight combine the best retrieval
	// similarity and the generation-quality signal into the confidence
	// score. Tunable against observed approval outcomes.
	SimilarityWeight float64 `koanf:"similarity_weight"`
	QualityWeight    float64 `koanf:"quality_weight"`

	// PropagationThreshold is the minimum failure-pattern similarity for
	// a target tenant to receive a propagated proposal.
	PropagationThreshold float64 `koanf:"propagation_threshold"`

	// PropagationParallelism bounds concurrent per-tenant propagation.
	PropagationParallelism int `koanf:"propagation_parallelism"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.SimilarityWeight == 0 && c.QualityWeight == 0 {
		c.SimilarityWeight = 0.6
		c.QualityWeight = 0.4
	}
	if c.PropagationThreshold == 0 {
		c.PropagationThreshold = 0.8
	}
	if c.PropagationParallelism == 0 {
		c.PropagationParallelism = 4
	}
}

// FailureSignal is one reported test failure.
type FailureSignal struct {
	Tenant string `json:"tenant"`
	TestID string `json:"test_id"`
	Reason string `json:"reason"`

	// PageID optionally names the page whose latest UI snapshot should
	// inform the fix.
	PageID string `json:"page_id,omitempty"`
}

// Engine drives the self-heal decision lifecycle.
type Engine struct {
	store     *store.Store
	retriever *retriever.Retriever
	generator inference.Generator
	embedder  embeddings.Embedder
	index     vectorindex.Index
	config    Config
	logger    *zap.Logger
}

// New creates an engine. The embedder and index are used for best-effort
// artifact indexing; retrieval goes through the retriever.
func New(st *store.Store, ret *retriever.Retriever, gen inference.Generator,
	emb embeddings.Embedder, idx vectorindex.Index, config Config, logger *zap.Logger) *Engine {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     st,
		retriever: ret,
		generator: gen,
		embedder:  emb,
		index:     idx,
		config:    config,
		logger:    logger,
	}
}

// HandleFailure runs a failure signal through detection, context
// retrieval, and fix generation, leaving the decision at pending_approval.
// A live decision for the same test coalesces the signal into
// ErrDecisionInProgress. If generation fails after one retry the decision
// is removed so the signal can be resubmitted.
func (e *Engine) HandleFailure(ctx context.Context, sig FailureSignal) (*store.HealDecision, error) {
	if strings.TrimSpace(sig.Reason) == "" {
		return nil, fmt.Errorf("%w: failure reason is required", store.ErrValidation)
	}

	d, err := e.store.CreateDecision(ctx, sig.Tenant, sig.TestID, sig.Reason)
	if err != nil {
		return nil, err
	}

	tc, err := e.store.GetTestCase(ctx, sig.Tenant, sig.TestID)
	if err != nil {
		e.discard(ctx, d)
		return nil, err
	}

	// Context retrieval always succeeds; degraded retrieval yields empty
	// context, which is a valid (ungrounded) generation input.
	rctx, err := e.retriever.Retrieve(ctx, sig.Tenant, sig.Reason, "")
	if err != nil {
		e.discard(ctx, d)
		return nil, err
	}

	var snap *snapshot.Snapshot
	if sig.PageID != "" {
		snap, err = e.store.LatestSnapshot(ctx, sig.Tenant, sig.PageID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.discard(ctx, d)
			return nil, err
		}
	}
	uiChanges := summarizeUIChanges(tc.Script, snap)

	ctxJSON, err := json.Marshal(rctx)
	if err != nil {
		e.discard(ctx, d)
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	d, err = e.store.TransitionDecision(ctx, sig.Tenant, d.ID, store.StateContextRetrieved, store.DecisionUpdate{
		Context:   ptr(string(ctxJSON)),
		UIChanges: ptr(uiChanges),
	})
	if err != nil {
		return nil, err
	}

	task := fmt.Sprintf(
		"Test %s failed with: %s\nCurrent script:\n%s\nPropose a corrected script.",
		sig.TestID, sig.Reason, tc.Script)
	if uiChanges != "" {
		task += "\n" + uiChanges
	}
	prompt := retriever.BuildGroundedPrompt(task, rctx, snap)

	proposal, err := e.generateWithRetry(ctx, inference.FixRequest{
		Tenant:        sig.Tenant,
		TestID:        sig.TestID,
		Script:        tc.Script,
		FailureDetail: sig.Reason,
		Context:       prompt,
		UIChanges:     uiChanges,
	})
	if err != nil {
		// No decision survives a failed generation; the signal can be
		// resubmitted once the backend recovers.
		decisionsTotal.WithLabelValues(eventGenerationFailed).Inc()
		e.discard(ctx, d)
		return nil, fmt.Errorf("%w: test %s/%s: %v", ErrGenerationFailed, sig.Tenant, sig.TestID, err)
	}

	confidence := e.confidence(rctx.MaxSimilarity, e.quality(proposal, tc.Script))
	d, err = e.store.TransitionDecision(ctx, sig.Tenant, d.ID, store.StateFixProposed, store.DecisionUpdate{
		ProposedFix: ptr(proposal.Script),
		Confidence:  ptr(confidence),
		Rationale:   ptr(proposal.Rationale),
	})
	if err != nil {
		return nil, err
	}

	// Every proposal goes to a human; confidence only orders the queue.
	d, err = e.store.TransitionDecision(ctx, sig.Tenant, d.ID, store.StatePendingApproval, store.DecisionUpdate{})
	if err != nil {
		return nil, err
	}

	decisionsTotal.WithLabelValues(eventProposed).Inc()
	e.indexArtifact(ctx, sig.Tenant, vectorindex.KindDefectPattern, sig.TestID, sig.Reason)
	return d, nil
}

// Cancel abandons an in-flight decision that has not reached
// pending_approval. Later states require an explicit rejection to keep
// the audit trail.
func (e *Engine) Cancel(ctx context.Context, tenantKey, healID string) error {
	return e.store.DeleteDecision(ctx, tenantKey, healID)
}

// Approval outcomes accepted by Decide.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Decide records a human verdict on a pending decision. Approval also
// applies the fix: the test case gets a new script version and the
// decision advances to applied.
func (e *Engine) Decide(ctx context.Context, tenantKey, healID, approver, outcome, reason string) (*store.HealDecision, error) {
	if approver == "" {
		return nil, fmt.Errorf("%w: approver reference is required", store.ErrValidation)
	}

	switch outcome {
	case OutcomeRejected:
		d, err := e.store.TransitionDecision(ctx, tenantKey, healID, store.StateRejected, store.DecisionUpdate{
			RejectedReason: ptr(fmt.Sprintf("%s: %s", approver, reason)),
		})
		if err == nil {
			decisionsTotal.WithLabelValues(eventRejected).Inc()
		}
		return d, err
	case OutcomeApproved:
	default:
		return nil, fmt.Errorf("%w: outcome must be %q or %q, got %q",
			store.ErrValidation, OutcomeApproved, OutcomeRejected, outcome)
	}

	d, err := e.store.TransitionDecision(ctx, tenantKey, healID, store.StateApproved, store.DecisionUpdate{
		ApprovedBy: ptr(approver),
	})
	if err != nil {
		if !errors.Is(err, store.ErrInvalidState) {
			return nil, err
		}
		// A crash between approval and apply strands the decision at
		// approved; a repeated approval resumes the apply.
		cur, getErr := e.store.GetDecision(ctx, tenantKey, healID)
		if getErr != nil || cur.State != store.StateApproved {
			return nil, err
		}
		d = cur
	}

	tc, err := e.store.GetTestCase(ctx, tenantKey, d.TestID)
	if err != nil {
		return nil, err
	}
	tc.Script = d.ProposedFix
	tc.SourceHeal = d.ID
	if _, err := e.store.UpsertTestCase(ctx, *tc); err != nil {
		return nil, fmt.Errorf("apply fix to %s/%s: %w", tenantKey, d.TestID, err)
	}

	d, err = e.store.TransitionDecision(ctx, tenantKey, healID, store.StateApplied, store.DecisionUpdate{})
	if err != nil {
		return nil, err
	}

	decisionsTotal.WithLabelValues(eventApproved).Inc()
	e.indexArtifact(ctx, tenantKey, vectorindex.KindCodeDiff, d.TestID, d.ProposedFix)
	return d, nil
}

// Propagate offers an applied decision's fix to the target tenants, in
// parallel, one result per tenant. A target receives a new decision at
// pending_approval only if it owns the same test identifier and its
// current failure pattern matches the source failure (or it has no
// recorded failure to contradict the match). An empty target list means
// every tenant owning the test. Idempotent: targets already in the
// propagation set are not offered twice.
func (e *Engine) Propagate(ctx context.Context, tenantKey, healID string, targets []string) ([]store.PropagationResult, error) {
	d, err := e.store.GetDecision(ctx, tenantKey, healID)
	if err != nil {
		return nil, err
	}
	if d.State != store.StateApplied && d.State != store.StatePropagated {
		return nil, fmt.Errorf("%w: decision %s is %s, propagation requires applied",
			store.ErrInvalidState, healID, d.State)
	}

	if len(targets) == 0 {
		owners, err := e.store.TenantsWithTest(ctx, d.TestID)
		if err != nil {
			return nil, err
		}
		for _, owner := range owners {
			if owner != tenantKey {
				targets = append(targets, owner)
			}
		}
	}

	existing := make(map[string]store.PropagationResult)
	recorded, err := e.store.Propagations(ctx, healID)
	if err != nil {
		return nil, err
	}
	for _, r := range recorded {
		existing[r.Tenant] = r
	}

	results := make([]store.PropagationResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.PropagationParallelism)
	for i, target := range targets {
		if prev, ok := existing[target]; ok {
			results[i] = prev
			continue
		}
		g.Go(func() error {
			// Per-tenant outcomes are reported, never aggregated into a
			// single failure; one bad target must not abort the rest.
			results[i] = e.propagateOne(gctx, d, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	reached := false
	for _, r := range results {
		if r.Applied {
			reached = true
			break
		}
	}
	if reached && d.State == store.StateApplied {
		if _, err := e.store.TransitionDecision(ctx, tenantKey, healID, store.StatePropagated, store.DecisionUpdate{}); err != nil && !errors.Is(err, store.ErrInvalidState) {
			return nil, err
		}
	}
	return results, nil
}

func (e *Engine) propagateOne(ctx context.Context, src *store.HealDecision, target string) store.PropagationResult {
	result := store.PropagationResult{
		DecisionID: src.ID,
		TestID:     src.TestID,
		Tenant:     target,
	}

	record := func() store.PropagationResult {
		if result.Applied {
			propagationsTotal.WithLabelValues("applied").Inc()
		} else {
			propagationsTotal.WithLabelValues("skipped").Inc()
		}
		stored, err := e.store.AppendPropagation(ctx, result)
		if err != nil {
			e.logger.Warn("recording propagation result failed",
				zap.String("tenant", target), zap.String("decision", src.ID), zap.Error(err))
			return result
		}
		return *stored
	}

	if target == src.Tenant {
		result.Reason = "source tenant"
		return record()
	}

	if _, err := e.store.GetTestCase(ctx, target, src.TestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			result.Reason = fmt.Sprintf("no test case %s", src.TestID)
		} else {
			result.Reason = err.Error()
		}
		return record()
	}

	// A target with a recorded failure must match the source pattern;
	// a target with no failure history has nothing to contradict it.
	latest, err := e.store.LatestFailure(ctx, target, src.TestID)
	if err == nil {
		sim := patternSimilarity(latest.FailureDetail, src.FailureDetail)
		if sim < e.config.PropagationThreshold {
			result.Reason = fmt.Sprintf("failure pattern similarity %.2f below %.2f", sim, e.config.PropagationThreshold)
			return record()
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		result.Reason = err.Error()
		return record()
	}

	targetDecision, err := e.store.CreatePropagatedDecision(ctx, target, *src)
	if err != nil {
		result.Reason = err.Error()
		return record()
	}

	result.Applied = true
	result.TargetDecisionID = targetDecision.ID
	return record()
}

// generateWithRetry calls the inference backend, retrying exactly once
// with the same prompt on failure.
func (e *Engine) generateWithRetry(ctx context.Context, req inference.FixRequest) (*inference.FixProposal, error) {
	timer := prometheus.NewTimer(generationDuration)
	defer timer.ObserveDuration()

	proposal, err := e.generator.ProposeFix(ctx, req)
	if err == nil {
		return proposal, nil
	}
	e.logger.Warn("fix generation failed, retrying once",
		zap.String("tenant", req.Tenant), zap.String("test_id", req.TestID), zap.Error(err))
	return e.generator.ProposeFix(ctx, req)
}

// confidence combines retrieval similarity and generation quality with
// the configured weights, clamped to [0,1].
func (e *Engine) confidence(maxSimilarity, quality float64) float64 {
	c := e.config.SimilarityWeight*maxSimilarity + e.config.QualityWeight*quality
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// quality returns the backend-reported quality signal, or a heuristic
// when the backend reported none: a script that actually changed is weak
// positive evidence, an unchanged script is near-certain failure to fix.
func (e *Engine) quality(p *inference.FixProposal, originalScript string) float64 {
	if p.Quality > 0 {
		return p.Quality
	}
	if strings.TrimSpace(p.Script) != strings.TrimSpace(originalScript) {
		return 0.5
	}
	return 0.1
}

// discard removes an in-flight decision, logging rather than failing when
// cleanup itself errors. Cleanup runs even when the caller's context is
// already canceled; a skipped delete would leave a live decision that
// blocks resubmission of the same failure signal.
func (e *Engine) discard(ctx context.Context, d *store.HealDecision) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.DeleteDecision(ctx, d.Tenant, d.ID); err != nil {
		e.logger.Warn("discarding decision failed",
			zap.String("tenant", d.Tenant), zap.String("decision", d.ID), zap.Error(err))
	}
}

// indexArtifact embeds and indexes one artifact, best effort. Indexing
// failures never fail the decision they accompany.
func (e *Engine) indexArtifact(ctx context.Context, tenantKey, kind, testID, text string) {
	if e.embedder == nil || e.index == nil || strings.TrimSpace(text) == "" {
		return
	}
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Warn("artifact embedding failed",
			zap.String("tenant", tenantKey), zap.String("kind", kind), zap.Error(err))
		return
	}
	err = e.index.Upsert(ctx, tenantKey, []vectorindex.Record{{
		ID:        uuid.NewString(),
		Tenant:    tenantKey,
		TestID:    testID,
		Kind:      kind,
		Text:      text,
		Vector:    vec,
		Timestamp: time.Now().UTC(),
	}})
	if err != nil {
		e.logger.Warn("artifact indexing failed",
			zap.String("tenant", tenantKey), zap.String("kind", kind), zap.Error(err))
	}
}

// selectorPattern matches CSS id/class selector tokens inside a script.
var selectorPattern = regexp.MustCompile(`[#.][A-Za-z][\w-]*`)

// summarizeUIChanges reports which selectors the script references that
// are missing from the current snapshot. Empty when there is no snapshot
// or nothing is missing.
func summarizeUIChanges(script string, snap *snapshot.Snapshot) string {
	if snap == nil {
		return ""
	}
	present := snap.Selectors()

	var missing []string
	seen := make(map[string]bool)
	for _, sel := range selectorPattern.FindAllString(script, -1) {
		if present[sel] || seen[sel] {
			continue
		}
		seen[sel] = true
		missing = append(missing, sel)
	}
	if len(missing) == 0 {
		return ""
	}
	return "Selectors referenced by the script but missing from the current UI: " + strings.Join(missing, ", ")
}

func ptr[T any](v T) *T { return &v }
