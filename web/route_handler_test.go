package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/valhalla/jobcore/client"
	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/quota"
	"github.com/valhalla/jobcore/internal/ratelimit"
	"github.com/valhalla/jobcore/internal/store/memory"
	"github.com/valhalla/jobcore/types"
	"github.com/valhalla/jobcore/types/config"
)

type testServer struct {
	handler http.Handler
	store   *memory.Store
	clock   *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	c := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	st := memory.New(c)
	cfg, err := config.NewConfig("api-1", config.WithStorageDriver(config.Memory))
	require.NoError(t, err)

	gate := quota.NewGate(st, st, cfg.DefaultLimit, cfg.QuotaWindow, c)
	limiter := ratelimit.NewLimiter(st, st, ratelimit.WithClock(c))
	manager := client.NewJobManager(cfg, st, client.NewBatchCoordinator(st, gate), st, st, limiter, gate, nil, c)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	rh := NewRouteHandler(manager, "admin", string(hash), 0)
	return &testServer{handler: rh.Handler(), store: st, clock: c}
}

func (s *testServer) do(t *testing.T, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func asAdmin(password string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth("admin", password) }
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/jobs", `{"tenant_id":"acme","name":"export","args":["csv"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[map[string]int64](t, rec)
	assert.Equal(t, int64(1), created["id"])

	rec = s.do(t, http.MethodGet, "/api/jobs/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[map[string]any](t, rec)
	assert.Equal(t, "queued", job["status"])
	assert.Equal(t, "acme", job["tenant_id"])
	assert.EqualValues(t, 100, job["priority"])
	assert.Equal(t, []any{"csv"}, job["payload"])

	rec = s.do(t, http.MethodGet, "/api/jobs/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/jobs/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobRejectsInvalidInput(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/jobs", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs", `{"name":"export"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, "validation failed", resp.Error)
	assert.Contains(t, resp.Errors, "tenant id is required")
}

func TestListJobs(t *testing.T) {
	s := newTestServer(t)
	for _, tenant := range []string{"acme", "acme", "globex"} {
		rec := s.do(t, http.MethodPost, "/api/jobs", `{"tenant_id":"`+tenant+`","name":"export"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/jobs?tenant=acme&status=queued", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[types.PaginationResult[map[string]any]](t, rec)
	assert.Equal(t, 2, page.TotalItems)
	assert.Len(t, page.Items, 2)

	rec = s.do(t, http.MethodGet, "/api/jobs?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"queued": 3}, decode[map[string]int](t, rec))
}

func TestCancelJob(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/jobs", `{"tenant_id":"acme","name":"export"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs/1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs/1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs/5/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/jobs/1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestBatchEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/batches", `{"tenant_id":"acme","template":{"job_name":"export","args":["pdf"]},"total":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["id"])

	rec = s.do(t, http.MethodPost, "/api/batches/1/enqueue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["job_id"])

	rec = s.do(t, http.MethodPost, "/api/batches/1/enqueue", `{"items":[["a"],["b"]]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{2}, decode[map[string][]int64](t, rec)["job_ids"])

	rec = s.do(t, http.MethodPost, "/api/batches/1/enqueue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/batches/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[types.BatchSummary](t, rec)
	assert.Equal(t, 2, summary.Batch.EnqueuedJobs)
	assert.Equal(t, 2, summary.JobCount)

	rec = s.do(t, http.MethodGet, "/api/batches/9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueOverDailyQuota(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.UpsertLimit(context.Background(), types.ExportLimit{TenantID: "acme", MaxConcurrent: 1, DailyQuota: 1}))

	rec := s.do(t, http.MethodPost, "/api/batches", `{"tenant_id":"acme","template":{"job_name":"export"},"total":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/batches/1/enqueue", `{"items":[["a"],["b"]]}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	decision := decode[quota.Decision](t, rec)
	assert.Equal(t, quota.ReasonDailyQuota, decision.Reason)

	rec = s.do(t, http.MethodPost, "/api/batches/1/enqueue", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/batches/1/enqueue", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAdminEndpointsRequireBasicAuth(t *testing.T) {
	s := newTestServer(t)
	body := `{"max_concurrent":2,"daily_quota":50}`

	rec := s.do(t, http.MethodPut, "/api/admin/limits/acme", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = s.do(t, http.MethodPut, "/api/admin/limits/acme", body, asAdmin("wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/admin/limits/acme", body, asAdmin("s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)

	limit, err := s.store.GetLimit(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, limit)
	assert.Equal(t, 50, limit.DailyQuota)

	rec = s.do(t, http.MethodGet, "/api/admin/limits/acme", "", asAdmin("s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.ExportLimit{TenantID: "acme", MaxConcurrent: 2, DailyQuota: 50}, decode[types.ExportLimit](t, rec))

	rec = s.do(t, http.MethodGet, "/api/tenants/acme/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["allowed"])
}

func TestAdminRateLimitRules(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/admin/rate-limits", `{"scope":"api","key":"*","window_seconds":0}`, asAdmin("s3cret"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/admin/rate-limits", `{"scope":"upload","key":"*","window_seconds":60,"max_requests":20,"enabled":true}`, asAdmin("s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/rate-limits", "", asAdmin("s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decode[[]types.RateLimitRule](t, rec)
	require.Len(t, rules, 1)
	assert.Equal(t, "upload", rules[0].Scope)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.UpsertRule(context.Background(), types.RateLimitRule{
		Scope: ScopeAPI, Key: "*", WindowSeconds: 60, MaxRequests: 2, Enabled: true,
	}))

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodGet, "/api/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, []string{"1", "0"}[i], rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := s.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// another client has its own window
	rec = s.do(t, http.MethodGet, "/api/stats", "", func(r *http.Request) { r.RemoteAddr = "198.51.100.7:4000" })
	assert.Equal(t, http.StatusOK, rec.Code)

	// paths outside /api have no rule and are let through
	rec = s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))

	s.clock.Advance(time.Minute)
	rec = s.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.UpsertRule(context.Background(), types.RateLimitRule{
		Scope: ScopeAPI, Key: "*", WindowSeconds: 60, MaxRequests: 2, Enabled: true,
	}))

	for i := 0; i < 3; i++ {
		fwd := func(r *http.Request) { r.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i)) }
		rec := s.do(t, http.MethodGet, "/api/jobs/1", "", fwd)
		if i < 2 {
			assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
}

func TestRequestScopeAndKey(t *testing.T) {
	assert.Equal(t, ScopeAuth, requestScope("/api/auth/login"))
	assert.Equal(t, ScopeUpload, requestScope("/upload/file"))
	assert.Equal(t, ScopeAPI, requestScope("/api/jobs"))
	assert.Equal(t, ScopeGlobal, requestScope("/healthz"))

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	assert.Equal(t, "ip:192.0.2.1", requestKey(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:192.0.2.1", requestKey(r))

	r.Header.Set("Authorization", "Bearer abc")
	key := requestKey(r)
	assert.True(t, strings.HasPrefix(key, "user:"))
	assert.NotContains(t, key, "abc")
}
