package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appgov "github.com/crm/backend/internal/application/governance"
	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/governance"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/crm/backend/internal/infrastructure/ratelimit"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/crm/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	subs   *persistence.MemorySubscriptionStore
	cache  *cache.StatsCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	limiter, err := ratelimit.NewFixedWindowLimiter(map[governance.Action]governance.RatePolicy{
		governance.ActionAPIRequest: {MaxRequests: 1000, Window: time.Minute},
		governance.ActionLeadCreate: {MaxRequests: 100, Window: time.Minute},
	}, ratelimit.WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	resolver := billing.MustNewLimitResolver(billing.DefaultLimitTable(), billing.DefaultFeatureTable())
	tracker, err := appgov.NewQuotaTracker(persistence.NewMemoryUsageStore(), resolver)
	require.NoError(t, err)

	engine, err := appgov.NewEngine(limiter, tracker)
	require.NoError(t, err)

	subs := persistence.NewMemorySubscriptionStore()
	statsCache := cache.NewStatsCache()
	t.Cleanup(func() { _ = statsCache.Close() })

	h := NewGovernanceHandler(engine, subs, statsCache, 5*time.Minute, nil)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Tenant())
	rt := router.NewRouter(r)
	rt.Register(h)
	rt.Setup()

	return &fixture{router: r, subs: subs, cache: statsCache}
}

func (f *fixture) do(method, path, tenantID string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(middleware.TenantHeaderKey, tenantID)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestGetUsageSummary(t *testing.T) {
	f := newFixture(t)
	tenant := uuid.New()
	require.NoError(t, f.subs.Save(context.Background(),
		tenant, billing.Subscription{Plan: billing.PlanBasic, Status: billing.SubscriptionActive}))

	w := f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                `json:"success"`
		Data    appgov.UsageSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, tenant, resp.Data.TenantID)
	assert.Equal(t, "basic", resp.Data.Plan)
	assert.False(t, resp.Data.Degraded)
}

func TestGetUsageSummaryCached(t *testing.T) {
	f := newFixture(t)
	tenant := uuid.New()

	f.cache.ResetStats()

	w := f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	hits, misses := f.cache.GetStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestGetUsageSummaryPeriodFollowsEngineClock(t *testing.T) {
	// Local midnight on March 1st in UTC+2 is still February in UTC. The
	// period key must come from the engine's clock, so the summary cached
	// here belongs to March and expires with the clock's month, not UTC's.
	now := time.Date(2026, time.March, 1, 0, 30, 0, 0, time.FixedZone("UTC+2", 2*60*60))
	clock := shared.ClockFunc(func() time.Time { return now })

	limiter, err := ratelimit.NewFixedWindowLimiter(map[governance.Action]governance.RatePolicy{
		governance.ActionAPIRequest: {MaxRequests: 1000, Window: time.Minute},
	}, ratelimit.WithSweepInterval(0), ratelimit.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	resolver := billing.MustNewLimitResolver(billing.DefaultLimitTable(), billing.DefaultFeatureTable())
	tracker, err := appgov.NewQuotaTracker(persistence.NewMemoryUsageStore(), resolver,
		appgov.WithTrackerClock(clock))
	require.NoError(t, err)

	engine, err := appgov.NewEngine(limiter, tracker, appgov.WithEngineClock(clock))
	require.NoError(t, err)

	subs := persistence.NewMemorySubscriptionStore()
	statsCache := cache.NewStatsCache()
	t.Cleanup(func() { _ = statsCache.Close() })

	h := NewGovernanceHandler(engine, subs, statsCache, time.Hour, nil)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Tenant())
	rt := router.NewRouter(r)
	rt.Register(h)
	rt.Setup()
	f := &fixture{router: r, subs: subs, cache: statsCache}

	tenant := uuid.New()
	w := f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	hits, misses := statsCache.GetStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	// The clock crosses into April while the March entry is still within
	// its TTL. The rollover must miss the cache and rebuild the summary.
	now = time.Date(2026, time.April, 1, 0, 30, 0, 0, now.Location())
	w = f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	hits, misses = statsCache.GetStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestCheckAdmission(t *testing.T) {
	f := newFixture(t)
	tenant := uuid.New()
	require.NoError(t, f.subs.Save(context.Background(),
		tenant, billing.Subscription{Plan: billing.PlanBasic, Status: billing.SubscriptionActive}))

	w := f.do(http.MethodPost, "/api/v1/governance/check", tenant.String(), gin.H{
		"action":   "lead.create",
		"category": "LEADS",
		"delta":    1,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Admitted  bool   `json:"admitted"`
			Reason    string `json:"reason"`
			Remaining int64  `json:"remaining"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Admitted)
	assert.Equal(t, "OK", resp.Data.Reason)
	assert.Equal(t, int64(99), resp.Data.Remaining)

	// A preflight charges nothing; a repeat sees the same headroom.
	w = f.do(http.MethodPost, "/api/v1/governance/check", tenant.String(), gin.H{
		"action":   "lead.create",
		"category": "LEADS",
		"delta":    1,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(99), resp.Data.Remaining)
}

func TestCheckAdmissionUnknownAction(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/governance/check", uuid.NewString(), gin.H{
		"action": "Lead.Create",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateSubscriptionInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	tenant := uuid.New()

	// Prime the summary cache on the free default.
	w := f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPut, "/api/v1/governance/subscription", tenant.String(), gin.H{
		"plan":   "pro",
		"status": "active",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data appgov.UsageSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pro", resp.Data.Plan)
}

func TestUpdateSubscriptionRejectsUnknownPlan(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPut, "/api/v1/governance/subscription", uuid.NewString(), gin.H{
		"plan":   "platinum",
		"status": "active",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCacheStats(t *testing.T) {
	f := newFixture(t)
	tenant := uuid.New()

	f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)
	f.do(http.MethodGet, "/api/v1/governance/usage", tenant.String(), nil)

	w := f.do(http.MethodGet, "/api/v1/admin/governance/cache/stats", tenant.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Hits    int64   `json:"hits"`
			Misses  int64   `json:"misses"`
			HitRate float64 `json:"hit_rate"`
			Entries int     `json:"entries"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Data.Hits)
	assert.Equal(t, int64(1), resp.Data.Misses)
	assert.Equal(t, 1, resp.Data.Entries)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	sys := NewSystemHandler("1.0.0")
	f.router.GET("/healthz", sys.Health)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1.0.0")
}
