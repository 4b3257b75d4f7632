package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertTestCase creates or updates a test case within its tenant. An
// update bumps the version and appends the new script to the append-only
// history; the caller's Version field is ignored. Returns the stored row.
func (s *Store) UpsertTestCase(ctx context.Context, tc TestCase) (*TestCase, error) {
	if err := validTenant(tc.Tenant); err != nil {
		return nil, err
	}
	if tc.TestID == "" {
		return nil, fmt.Errorf("%w: test_id is required", ErrValidation)
	}
	if tc.Script == "" {
		return nil, fmt.Errorf("%w: script is required", ErrValidation)
	}
	if tc.Status == "" {
		tc.Status = TestActive
	}
	if tc.Status != TestActive && tc.Status != TestDeprecated {
		return nil, fmt.Errorf("%w: status must be %q or %q, got %q",
			ErrValidation, TestActive, TestDeprecated, tc.Status)
	}

	tags, err := json.Marshal(tc.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	version := 1
	createdAt := now
	scriptChanged := true
	var prevVersion int
	var prevScript string
	var prevCreated sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT version, script, created_at FROM test_cases WHERE tenant = ? AND test_id = ?`,
		tc.Tenant, tc.TestID).Scan(&prevVersion, &prevScript, &prevCreated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("lookup test case: %w", err)
	default:
		// Metadata-only updates keep the version; history records script
		// changes only.
		version = prevVersion
		scriptChanged = tc.Script != prevScript
		if scriptChanged {
			version = prevVersion + 1
		}
		if prevCreated.Valid {
			createdAt = prevCreated.Time
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO test_cases (tenant, test_id, name, description, script, status, version,
			source_heal, tags, created_at, updated_at, updated_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, test_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			script = excluded.script,
			status = excluded.status,
			version = excluded.version,
			source_heal = excluded.source_heal,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			updated_from = excluded.updated_from`,
		tc.Tenant, tc.TestID, tc.Name, nullable(tc.Description), tc.Script, tc.Status, version,
		nullable(tc.SourceHeal), string(tags), createdAt, now, nullable(tc.UpdatedFrom))
	if err != nil {
		return nil, fmt.Errorf("upsert test case: %w", err)
	}

	if scriptChanged {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO script_history (tenant, test_id, version, script, source_heal, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tc.Tenant, tc.TestID, version, tc.Script, nullable(tc.SourceHeal), now)
		if err != nil {
			return nil, fmt.Errorf("append script history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	tc.Version = version
	tc.CreatedAt = createdAt
	tc.UpdatedAt = now
	return &tc, nil
}

// GetTestCase fetches one test case by tenant-scoped identifier.
func (s *Store) GetTestCase(ctx context.Context, tenantKey, testID string) (*TestCase, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, testCaseColumns+`
		WHERE tenant = ? AND test_id = ?`, tenantKey, testID)

	tc, err := scanTestCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: test case %s/%s", ErrNotFound, tenantKey, testID)
	}
	if err != nil {
		return nil, fmt.Errorf("get test case: %w", err)
	}
	return tc, nil
}

// ListTestCases returns every test case in the tenant, ordered by test_id.
func (s *Store) ListTestCases(ctx context.Context, tenantKey string) ([]TestCase, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, testCaseColumns+`
		WHERE tenant = ? ORDER BY test_id`, tenantKey)
	if err != nil {
		return nil, fmt.Errorf("list test cases: %w", err)
	}
	defer rows.Close()

	var out []TestCase
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test case: %w", err)
		}
		out = append(out, *tc)
	}
	return out, rows.Err()
}

// ScriptHistory returns all versions of a test script, newest first.
func (s *Store) ScriptHistory(ctx context.Context, tenantKey, testID string) ([]ScriptVersion, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, script, source_heal, created_at
		FROM script_history
		WHERE tenant = ? AND test_id = ?
		ORDER BY version DESC`,
		tenantKey, testID)
	if err != nil {
		return nil, fmt.Errorf("script history: %w", err)
	}
	defer rows.Close()

	var out []ScriptVersion
	for rows.Next() {
		var v ScriptVersion
		var sourceHeal sql.NullString
		if err := rows.Scan(&v.Version, &v.Script, &sourceHeal, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan script version: %w", err)
		}
		v.SourceHeal = sourceHeal.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// TenantsWithTest returns every tenant that owns a test with the given
// identifier. Used by propagation, the one deliberately cross-tenant
// operation; tenant data still never mixes, propagation only discovers
// which sibling namespaces carry the same test.
func (s *Store) TenantsWithTest(ctx context.Context, testID string) ([]string, error) {
	if testID == "" {
		return nil, fmt.Errorf("%w: test_id is required", ErrValidation)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant FROM test_cases WHERE test_id = ? ORDER BY tenant`, testID)
	if err != nil {
		return nil, fmt.Errorf("tenants with test: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const testCaseColumns = `
	SELECT tenant, test_id, name, description, script, status, version,
	       source_heal, tags, created_at, updated_at, updated_from
	FROM test_cases`

func scanTestCase(row rowScanner) (*TestCase, error) {
	var tc TestCase
	var description, sourceHeal, tags, updatedFrom sql.NullString
	err := row.Scan(&tc.Tenant, &tc.TestID, &tc.Name, &description, &tc.Script, &tc.Status,
		&tc.Version, &sourceHeal, &tags, &tc.CreatedAt, &tc.UpdatedAt, &updatedFrom)
	if err != nil {
		return nil, err
	}
	tc.Description = description.String
	tc.SourceHeal = sourceHeal.String
	tc.UpdatedFrom = updatedFrom.String
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &tc.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &tc, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
