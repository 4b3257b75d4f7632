package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordExecution stores one test run. The referenced test case must
// already exist in the tenant; an unknown test_id is a validation error,
// not a silent insert.
func (s *Store) RecordExecution(ctx context.Context, e Execution) (*Execution, error) {
	if err := validTenant(e.Tenant); err != nil {
		return nil, err
	}
	if e.TestID == "" {
		return nil, fmt.Errorf("%w: test_id is required", ErrValidation)
	}
	switch e.Status {
	case ExecutionPassed, ExecutionFailed, ExecutionError:
	default:
		return nil, fmt.Errorf("%w: status must be one of %q, %q, %q, got %q",
			ErrValidation, ExecutionPassed, ExecutionFailed, ExecutionError, e.Status)
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM test_cases WHERE tenant = ? AND test_id = ?`,
		e.Tenant, e.TestID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check test case: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: unknown test case %s/%s", ErrValidation, e.Tenant, e.TestID)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, tenant, test_id, status, failure_detail, duration_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Tenant, e.TestID, e.Status, nullable(e.FailureDetail), e.DurationMS, e.ExecutedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: execution %s", ErrConflict, e.ID)
		}
		return nil, fmt.Errorf("record execution: %w", err)
	}
	return &e, nil
}

// ExecutionHistory returns the most recent runs of a test, newest first.
// limit <= 0 returns all runs.
func (s *Store) ExecutionHistory(ctx context.Context, tenantKey, testID string, limit int) ([]Execution, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant, test_id, status, failure_detail, duration_ms, executed_at
		FROM executions
		WHERE tenant = ? AND test_id = ?
		ORDER BY executed_at DESC`
	args := []any{tenantKey, testID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execution history: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Tenant, &e.TestID, &e.Status, &detail, &e.DurationMS, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.FailureDetail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestFailure returns the most recent failed or errored run of a test,
// or ErrNotFound when the test has no recorded failures.
func (s *Store) LatestFailure(ctx context.Context, tenantKey, testID string) (*Execution, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, test_id, status, failure_detail, duration_ms, executed_at
		FROM executions
		WHERE tenant = ? AND test_id = ? AND status IN (?, ?)
		ORDER BY executed_at DESC
		LIMIT 1`,
		tenantKey, testID, ExecutionFailed, ExecutionError)

	var e Execution
	var detail sql.NullString
	err := row.Scan(&e.ID, &e.Tenant, &e.TestID, &e.Status, &detail, &e.DurationMS, &e.ExecutedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no failures recorded for %s/%s", ErrNotFound, tenantKey, testID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest failure: %w", err)
	}
	e.FailureDetail = detail.String
	return &e, nil
}

// Stats aggregates a tenant's recorded runs since the given time. A zero
// since covers all history.
func (s *Store) Stats(ctx context.Context, tenantKey string, since time.Time) (*ExecutionStats, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	var st ExecutionStats
	var avg *float64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			AVG(duration_ms),
			COUNT(DISTINCT test_id)
		FROM executions WHERE tenant = ? AND executed_at >= ?`,
		tenantKey, since).Scan(&st.Total, &st.Passed, &st.Failed, &st.Errored, &avg, &st.UniqueTests)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	if st.Total > 0 {
		st.PassRate = float64(st.Passed) / float64(st.Total)
	}
	if avg != nil {
		st.AvgMS = *avg
	}
	return &st, nil
}

// FlakyTests returns tests whose pass rate lies strictly between lower and
// upper over at least minRuns executions, most flaky (closest to 0.5) first.
func (s *Store) FlakyTests(ctx context.Context, tenantKey string, lower, upper float64, minRuns int) ([]FlakyTest, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}
	if lower < 0 || upper > 1 || lower >= upper {
		return nil, fmt.Errorf("%w: bounds must satisfy 0 <= lower < upper <= 1", ErrValidation)
	}
	if minRuns < 1 {
		return nil, fmt.Errorf("%w: minimum executions must be at least 1", ErrValidation)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.test_id,
		       COALESCE(t.name, e.test_id),
		       COUNT(*) AS runs,
		       CAST(SUM(CASE WHEN e.status = 'passed' THEN 1 ELSE 0 END) AS REAL) / COUNT(*) AS rate
		FROM executions e
		LEFT JOIN test_cases t ON t.tenant = e.tenant AND t.test_id = e.test_id
		WHERE e.tenant = ?
		GROUP BY e.test_id
		HAVING runs >= ? AND rate > ? AND rate < ?
		ORDER BY ABS(rate - 0.5), e.test_id`,
		tenantKey, minRuns, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("flaky tests: %w", err)
	}
	defer rows.Close()

	var out []FlakyTest
	for rows.Next() {
		var f FlakyTest
		if err := rows.Scan(&f.TestID, &f.Name, &f.Executions, &f.PassRate); err != nil {
			return nil, fmt.Errorf("scan flaky test: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
