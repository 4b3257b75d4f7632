package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "mendd.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTestCase(t *testing.T, s *Store, tenantKey, testID string) *TestCase {
	t.Helper()
	tc, err := s.UpsertTestCase(context.Background(), TestCase{
		Tenant: tenantKey,
		TestID: testID,
		Name:   "Login with valid credentials",
		Script: `await page.click("#login-btn");`,
	})
	require.NoError(t, err)
	return tc
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mendd.db")

	s, err := New(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must not reapply migrations.
	s, err = New(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
