package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/mendd/internal/snapshot"
)

// SaveSnapshot persists a UI snapshot and returns the selector-level
// change relative to the previous snapshot of the same page.
func (s *Store) SaveSnapshot(ctx context.Context, snap snapshot.Snapshot) (*snapshot.Change, error) {
	if err := validTenant(snap.Tenant); err != nil {
		return nil, err
	}
	if snap.PageID == "" {
		return nil, fmt.Errorf("%w: page_id is required", ErrValidation)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.now().UTC()
	}

	previous, err := s.LatestSnapshot(ctx, snap.Tenant, snap.PageID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	elements, err := json.Marshal(snap.Elements)
	if err != nil {
		return nil, fmt.Errorf("marshal elements: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ui_snapshots (tenant, page_id, elements, captured_at)
		VALUES (?, ?, ?, ?)`,
		snap.Tenant, snap.PageID, string(elements), snap.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	return snapshot.Diff(previous, &snap), nil
}

// LatestSnapshot returns the most recent snapshot of a page, or
// ErrNotFound when none has been captured.
func (s *Store) LatestSnapshot(ctx context.Context, tenantKey, pageID string) (*snapshot.Snapshot, error) {
	if err := validTenant(tenantKey); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, page_id, elements, captured_at
		FROM ui_snapshots
		WHERE tenant = ? AND page_id = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`,
		tenantKey, pageID)

	var snap snapshot.Snapshot
	var elements string
	err := row.Scan(&snap.Tenant, &snap.PageID, &elements, &snap.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot %s/%s", ErrNotFound, tenantKey, pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(elements), &snap.Elements); err != nil {
		return nil, fmt.Errorf("unmarshal elements: %w", err)
	}
	return &snap, nil
}
