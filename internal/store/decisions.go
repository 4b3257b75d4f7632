package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateDecision inserts a new decision in the detected state. The partial
// unique index on (tenant, test_id) over non-terminal states rejects the
// insert when a live decision already exists, which surfaces here as
// ErrDecisionInProgress. Concurrent failure reports for the same test
// therefore coalesce onto one decision without any application-level lock.
func (s *Store) CreateDecision(ctx context.Context, tenantKey, testID, failureDetail string) (*HealDecision, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}
	if testID == "" {
		return nil, fmt.Errorf("%w: test_id is required", ErrValidation)
	}
	if err := s.requireTestCase(ctx, tenantKey, testID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &HealDecision{
		ID:            uuid.NewString(),
		Tenant:        tenantKey,
		TestID:        testID,
		State:         StateDetected,
		FailureDetail: failureDetail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heal_decisions (id, tenant, test_id, state, failure_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Tenant, d.TestID, string(d.State), d.FailureDetail, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: test %s/%s", ErrDecisionInProgress, tenantKey, testID)
		}
		return nil, fmt.Errorf("create decision: %w", err)
	}
	return d, nil
}

// CreatePropagatedDecision inserts a decision directly at pending_approval
// in the target tenant, pre-populated with the source decision's fix and
// confidence. The target tenant's engineer still has to approve it;
// propagation never bypasses tenant-local approval. The one-live-decision
// invariant applies in the target tenant too.
func (s *Store) CreatePropagatedDecision(ctx context.Context, tenantKey string, src HealDecision) (*HealDecision, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}
	if src.ID == "" || src.TestID == "" {
		return nil, fmt.Errorf("%w: source decision id and test_id are required", ErrValidation)
	}
	if err := s.requireTestCase(ctx, tenantKey, src.TestID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	d := &HealDecision{
		ID:             uuid.NewString(),
		Tenant:         tenantKey,
		TestID:         src.TestID,
		State:          StatePendingApproval,
		FailureDetail:  src.FailureDetail,
		Context:        src.Context,
		ProposedFix:    src.ProposedFix,
		Confidence:     src.Confidence,
		Rationale:      src.Rationale,
		PropagatedFrom: src.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heal_decisions (id, tenant, test_id, state, failure_detail, context,
			proposed_fix, confidence, rationale, propagated_from, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Tenant, d.TestID, string(d.State), d.FailureDetail, nullable(d.Context),
		nullable(d.ProposedFix), d.Confidence, nullable(d.Rationale), d.PropagatedFrom,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: test %s/%s", ErrDecisionInProgress, tenantKey, src.TestID)
		}
		return nil, fmt.Errorf("create propagated decision: %w", err)
	}
	return d, nil
}

// DeleteDecision removes an in-flight decision that has not yet reached
// pending_approval. After that point the audit trail requires an explicit
// rejection instead.
func (s *Store) DeleteDecision(ctx context.Context, tenantKey, id string) error {
	if err := validTenant(tenantKey); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM heal_decisions
		WHERE tenant = ? AND id = ? AND state IN (?, ?, ?)`,
		tenantKey, id,
		string(StateDetected), string(StateContextRetrieved), string(StateFixProposed))
	if err != nil {
		return fmt.Errorf("delete decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete decision: %w", err)
	}
	if n == 0 {
		cur, err := s.GetDecision(ctx, tenantKey, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot delete decision %s in state %s", ErrInvalidState, id, cur.State)
	}
	return nil
}

// GetDecision fetches one decision by id, scoped to its tenant.
func (s *Store) GetDecision(ctx context.Context, tenantKey, id string) (*HealDecision, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, decisionColumns+`
		WHERE tenant = ? AND id = ?`, tenantKey, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision %s in tenant %s", ErrNotFound, id, tenantKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// LiveDecision returns the non-terminal decision for a test, if any.
func (s *Store) LiveDecision(ctx context.Context, tenantKey, testID string) (*HealDecision, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, decisionColumns+`
		WHERE tenant = ? AND test_id = ? AND state NOT IN ('rejected', 'propagated')`,
		tenantKey, testID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no live decision for %s/%s", ErrNotFound, tenantKey, testID)
	}
	if err != nil {
		return nil, fmt.Errorf("live decision: %w", err)
	}
	return d, nil
}

// PendingDecisions lists decisions awaiting human approval, oldest first.
func (s *Store) PendingDecisions(ctx context.Context, tenantKey string) ([]HealDecision, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, decisionColumns+`
		WHERE tenant = ? AND state = ? ORDER BY created_at`,
		tenantKey, string(StatePendingApproval))
	if err != nil {
		return nil, fmt.Errorf("pending decisions: %w", err)
	}
	defer rows.Close()

	var out []HealDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DecisionUpdate carries the fields a transition may set alongside the
// state change. Nil pointers leave the stored value untouched.
type DecisionUpdate struct {
	UIChanges      *string
	Context        *string
	ProposedFix    *string
	Confidence     *float64
	Rationale      *string
	ApprovedBy     *string
	RejectedReason *string
}

// TransitionDecision advances a decision to next, applying upd atomically.
// The UPDATE is conditional on the current state being a legal predecessor
// of next, so two racing transitions cannot both succeed; the loser gets
// ErrInvalidState with the state it actually found.
func (s *Store) TransitionDecision(ctx context.Context, tenantKey, id string, next DecisionState, upd DecisionUpdate) (*HealDecision, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	var preds []any
	for from, tos := range transitions {
		for _, to := range tos {
			if to == next {
				preds = append(preds, string(from))
			}
		}
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("%w: %q is not a reachable state", ErrInvalidState, next)
	}

	query := `
		UPDATE heal_decisions SET
			state = ?,
			ui_changes = COALESCE(?, ui_changes),
			context = COALESCE(?, context),
			proposed_fix = COALESCE(?, proposed_fix),
			confidence = COALESCE(?, confidence),
			rationale = COALESCE(?, rationale),
			approved_by = COALESCE(?, approved_by),
			rejected_reason = COALESCE(?, rejected_reason),
			updated_at = ?
		WHERE tenant = ? AND id = ? AND state IN (` + placeholders(len(preds)) + `)`

	args := []any{
		string(next),
		upd.UIChanges, upd.Context, upd.ProposedFix, upd.Confidence, upd.Rationale,
		upd.ApprovedBy, upd.RejectedReason,
		s.now().UTC(), tenantKey, id,
	}
	args = append(args, preds...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition decision: %w", err)
	}
	if n == 0 {
		// Distinguish a missing decision from an illegal transition.
		cur, err := s.GetDecision(ctx, tenantKey, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s for decision %s", ErrInvalidState, cur.State, next, id)
	}
	return s.GetDecision(ctx, tenantKey, id)
}

// AppendPropagation records the outcome of offering a decision's fix to
// one target tenant. Idempotent: re-recording the same (decision, tenant)
// pair returns the existing row unchanged.
func (s *Store) AppendPropagation(ctx context.Context, r PropagationResult) (*PropagationResult, error) {
	if err := validTenant(r.Tenant); err != nil {
		return nil, err
	}
	if r.DecisionID == "" {
		return nil, fmt.Errorf("%w: decision_id is required", ErrValidation)
	}
	if r.AppliedAt.IsZero() {
		r.AppliedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO propagation_results (decision_id, tenant, test_id, applied, target_decision_id, reason, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (decision_id, tenant) DO NOTHING`,
		r.DecisionID, r.Tenant, r.TestID, r.Applied, nullable(r.TargetDecisionID), nullable(r.Reason), r.AppliedAt)
	if err != nil {
		return nil, fmt.Errorf("append propagation: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, tenant, test_id, applied, target_decision_id, reason, applied_at
		FROM propagation_results WHERE decision_id = ? AND tenant = ?`,
		r.DecisionID, r.Tenant)
	out, err := scanPropagation(row)
	if err != nil {
		return nil, fmt.Errorf("read propagation: %w", err)
	}
	return out, nil
}

// Propagations returns all recorded propagation results for a decision.
func (s *Store) Propagations(ctx context.Context, decisionID string) ([]PropagationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, tenant, test_id, applied, target_decision_id, reason, applied_at
		FROM propagation_results WHERE decision_id = ? ORDER BY tenant`,
		decisionID)
	if err != nil {
		return nil, fmt.Errorf("list propagations: %w", err)
	}
	defer rows.Close()

	var out []PropagationResult
	for rows.Next() {
		r, err := scanPropagation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan propagation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// HealStats aggregates decision outcomes for a tenant since the given
// time. A zero since covers all history.
func (s *Store) HealStats(ctx context.Context, tenantKey string, since time.Time) (*HealStats, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	var st HealStats
	var meanConf *float64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state IN ('approved', 'applied', 'propagated') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'rejected' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'pending_approval' THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN state IN ('approved', 'applied', 'propagated') THEN confidence END)
		FROM heal_decisions WHERE tenant = ? AND created_at >= ?`,
		tenantKey, since).Scan(&st.Total, &st.Approved, &st.Rejected, &st.Pending, &meanConf)
	if err != nil {
		return nil, fmt.Errorf("heal stats: %w", err)
	}
	if st.Total > 0 {
		st.ApprovalRate = float64(st.Approved) / float64(st.Total)
	}
	if meanConf != nil {
		st.MeanConfidence = *meanConf
	}
	return &st, nil
}

func (s *Store) requireTestCase(ctx context.Context, tenantKey, testID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM test_cases WHERE tenant = ? AND test_id = ?`,
		tenantKey, testID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check test case: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: unknown test case %s/%s", ErrValidation, tenantKey, testID)
	}
	return nil
}

const decisionColumns = `
	SELECT id, tenant, test_id, state, failure_detail, ui_changes, context, proposed_fix,
	       confidence, rationale, approved_by, rejected_reason, propagated_from, created_at, updated_at
	FROM heal_decisions`

func scanDecision(row rowScanner) (*HealDecision, error) {
	var d HealDecision
	var state string
	var uiChanges, ctxStr, fix, rationale, approvedBy, rejectedReason, propagatedFrom sql.NullString
	err := row.Scan(&d.ID, &d.Tenant, &d.TestID, &state, &d.FailureDetail,
		&uiChanges, &ctxStr, &fix, &d.Confidence, &rationale, &approvedBy, &rejectedReason,
		&propagatedFrom, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.State = DecisionState(state)
	d.UIChanges = uiChanges.String
	d.Context = ctxStr.String
	d.ProposedFix = fix.String
	d.Rationale = rationale.String
	d.ApprovedBy = approvedBy.String
	d.RejectedReason = rejectedReason.String
	d.PropagatedFrom = propagatedFrom.String
	return &d, nil
}

func scanPropagation(row rowScanner) (*PropagationResult, error) {
	var r PropagationResult
	var targetID, reason sql.NullString
	err := row.Scan(&r.DecisionID, &r.Tenant, &r.TestID, &r.Applied, &targetID, &reason, &r.AppliedAt)
	if err != nil {
		return nil, err
	}
	r.TargetDecisionID = targetID.String
	r.Reason = reason.String
	return &r, nil
}

func placeholders(n int) string {
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
