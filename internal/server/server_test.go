package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/analytics"
	"github.com/fyrsmithlabs/mendd/internal/healing"
	"github.com/fyrsmithlabs/mendd/internal/inference"
	"github.com/fyrsmithlabs/mendd/internal/retriever"
	"github.com/fyrsmithlabs/mendd/internal/store"
	"github.com/fyrsmithlabs/mendd/internal/vectorindex"
)

type stubGenerator struct {
	proposal inference.FixProposal
}

func (g stubGenerator) ProposeFix(ctx context.Context, req inference.FixRequest) (*inference.FixProposal, error) {
	p := g.proposal
	return &p, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "mendd.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := stubEmbedder{}
	idx := vectorindex.NewMemoryIndex(3)
	ret := retriever.New(emb, idx, retriever.Config{}, zap.NewNop())
	gen := stubGenerator{proposal: inference.FixProposal{
		Script:    `click("#login-button-v2")`,
		Rationale: "selector renamed",
		Quality:   0.9,
	}}
	engine := healing.New(st, ret, gen, emb, idx, healing.Config{}, zap.NewNop())
	agg := analytics.New(st, analytics.Config{}, zap.NewNop())

	s, err := New(st, engine, agg, zap.NewNop(), Config{})
	require.NoError(t, err)
	return s, st
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTestCaseRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/tenants/client_a/tests",
		`{"test_id":"TC_LOGIN_001","name":"login","script":"click(\"#login-btn\")"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v1/tenants/client_a/tests/TC_LOGIN_001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tc store.TestCase
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tc))
	assert.Equal(t, 1, tc.Version)

	// Another tenant never sees it.
	rec = do(t, s, http.MethodGet, "/v1/tenants/client_b/tests/TC_LOGIN_001", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Invalid tenant key is forbidden, not a lookup miss.
	rec = do(t, s, http.MethodGet, "/v1/tenants/Client%20A/tests/TC_LOGIN_001", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/tenants/client_a/tests", `{"test_id":"TC_X"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailureToApprovalFlow(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	_, err := st.UpsertTestCase(ctx, store.TestCase{
		Tenant: "client_a", TestID: "TC_LOGIN_001", Name: "login", Script: `click("#login-btn")`,
	})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/v1/tenants/client_a/failures",
		`{"test_id":"TC_LOGIN_001","reason":"ElementNotFound: #login-btn"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var d store.HealDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, store.StatePendingApproval, d.State)

	// A duplicate signal coalesces.
	rec = do(t, s, http.MethodPost, "/v1/tenants/client_a/failures",
		`{"test_id":"TC_LOGIN_001","reason":"ElementNotFound: #login-btn"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/tenants/client_a/heals/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []store.HealDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)

	rec = do(t, s, http.MethodPost,
		fmt.Sprintf("/v1/tenants/client_a/heals/%s/decision", d.ID),
		`{"approver":"qa@client-a","outcome":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, store.StateApplied, d.State)

	tc, err := st.GetTestCase(ctx, "client_a", "TC_LOGIN_001")
	require.NoError(t, err)
	assert.Equal(t, `click("#login-button-v2")`, tc.Script)
	assert.Equal(t, 2, tc.Version)
}

func TestPropagateRoute(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	for _, tenant := range []string{"client_a", "client_b"} {
		_, err := st.UpsertTestCase(ctx, store.TestCase{
			Tenant: tenant, TestID: "TC_LOGIN_001", Name: "login", Script: `click("#login-btn")`,
		})
		require.NoError(t, err)
	}

	rec := do(t, s, http.MethodPost, "/v1/tenants/client_a/failures",
		`{"test_id":"TC_LOGIN_001","reason":"ElementNotFound: #login-btn"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var d store.HealDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	rec = do(t, s, http.MethodPost,
		fmt.Sprintf("/v1/tenants/client_a/heals/%s/decision", d.ID),
		`{"approver":"qa","outcome":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost,
		fmt.Sprintf("/v1/tenants/client_a/heals/%s/propagate", d.ID),
		`{"targets":["client_b","client_c"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var results []store.PropagationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)

	byTenant := make(map[string]store.PropagationResult)
	for _, r := range results {
		byTenant[r.Tenant] = r
	}
	assert.True(t, byTenant["client_b"].Applied)
	assert.False(t, byTenant["client_c"].Applied)

	// Empty targets re-propagate to every tenant owning the test; the
	// existing result for client_b is returned unchanged.
	rec = do(t, s, http.MethodPost,
		fmt.Sprintf("/v1/tenants/client_a/heals/%s/propagate", d.ID), `{"targets":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "client_b", results[0].Tenant)
	assert.Equal(t, byTenant["client_b"].TargetDecisionID, results[0].TargetDecisionID)
}

func TestSnapshotRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/tenants/client_a/snapshots",
		`{"page_id":"login","elements":[{"selector":"#login-button-v2","type":"button"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"is_new":true`)

	rec = do(t, s, http.MethodGet, "/v1/tenants/client_a/snapshots/login", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "#login-button-v2")

	rec = do(t, s, http.MethodGet, "/v1/tenants/client_a/snapshots/checkout", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyticsRoutes(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	_, err := st.UpsertTestCase(ctx, store.TestCase{
		Tenant: "client_a", TestID: "TC_1", Name: "t", Script: "click('#x')",
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = st.RecordExecution(ctx, store.Execution{
			Tenant: "client_a", TestID: "TC_1", Status: store.ExecutionPassed, DurationMS: 100,
		})
		require.NoError(t, err)
	}

	rec := do(t, s, http.MethodGet, "/v1/tenants/client_a/analytics/executions?since_days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.ExecutionStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Total)

	rec = do(t, s, http.MethodGet, "/v1/tenants/client_a/analytics/heals", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/tenants/client_a/flaky", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/tenants/client_a/analytics/executions?since_days=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(store.ErrValidation))
	assert.Equal(t, http.StatusForbidden, statusFor(store.ErrTenantIsolation))
	assert.Equal(t, http.StatusNotFound, statusFor(store.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(store.ErrDecisionInProgress))
	assert.Equal(t, http.StatusConflict, statusFor(store.ErrInvalidState))
	assert.Equal(t, http.StatusBadGateway, statusFor(healing.ErrGenerationFailed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
