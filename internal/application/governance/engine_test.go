package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/governance"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/crm/backend/internal/infrastructure/ratelimit"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ shared.Clock = (*fakeClock)(nil)

// brokenStore simulates a counter store outage.
type brokenStore struct{}

var errStoreDown = errors.New("connection refused")

func (brokenStore) Consume(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory, delta, limit int64) (int64, bool, error) {
	return 0, false, errStoreDown
}

func (brokenStore) Current(ctx context.Context, tenantID uuid.UUID, periodKey string, category billing.QuotaCategory) (int64, error) {
	return 0, errStoreDown
}

func (brokenStore) Usage(ctx context.Context, tenantID uuid.UUID, periodKey string) (map[billing.QuotaCategory]int64, error) {
	return nil, errStoreDown
}

var _ billing.UsageCounterStore = brokenStore{}

type engineFixture struct {
	engine *Engine
	clock  *fakeClock
	store  billing.UsageCounterStore
}

func activeSub(plan billing.Plan) billing.Subscription {
	return billing.Subscription{Plan: plan, Status: billing.SubscriptionActive}
}

func newEngineFixture(t *testing.T, store billing.UsageCounterStore) *engineFixture {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 8, 17, 10, 0, 0, 0, time.UTC))

	limiter, err := ratelimit.NewFixedWindowLimiter(map[governance.Action]governance.RatePolicy{
		governance.ActionAPIRequest:      {MaxRequests: 100, Window: time.Minute},
		governance.ActionLeadCreate:      {MaxRequests: 30, Window: time.Minute},
		governance.ActionAIImageGenerate: {MaxRequests: 10, Window: time.Hour},
	}, ratelimit.WithClock(clock), ratelimit.WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	resolver := billing.MustNewLimitResolver(billing.DefaultLimitTable(), billing.DefaultFeatureTable())
	tracker, err := NewQuotaTracker(store, resolver, WithTrackerClock(clock))
	require.NoError(t, err)

	engine, err := NewEngine(limiter, tracker, WithEngineClock(clock))
	require.NoError(t, err)

	return &engineFixture{engine: engine, clock: clock, store: store}
}

func TestEngineAdmit(t *testing.T) {
	ctx := context.Background()

	t.Run("admits a metered operation within all limits", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())

		d, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:     uuid.New(),
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: activeSub(billing.PlanBasic),
		})

		require.NoError(t, err)
		assert.True(t, d.Admitted)
		assert.Equal(t, governance.ReasonOK, d.Reason)
		assert.Equal(t, governance.StateAdmitted, d.State)
		assert.Equal(t, int64(99), d.Remaining)
		assert.Equal(t, int64(29), d.RateRemaining)
		assert.Equal(t, f.clock.Now().Add(time.Minute), d.RateResetAt)
	})

	t.Run("unlimited quota still reports the rate window", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())

		d, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:     uuid.New(),
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: activeSub(billing.PlanEnterprise),
		})

		require.NoError(t, err)
		require.True(t, d.Admitted)
		assert.Equal(t, billing.Unlimited, d.Remaining)
		assert.Equal(t, int64(29), d.RateRemaining)
		assert.False(t, d.RateResetAt.IsZero())
	})

	t.Run("scope mismatch rejects before any limit is touched", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())
		tenantID := uuid.New()

		d, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:      tenantID,
			ResourceOwner: uuid.NewString(),
			Action:        governance.ActionLeadCreate,
			Category:      billing.CategoryLeads,
			Subscription:  activeSub(billing.PlanBasic),
		})

		require.NoError(t, err)
		assert.False(t, d.Admitted)
		assert.Equal(t, governance.ReasonScopeMismatch, d.Reason)
		// A scope rejection reveals nothing about the tenant's limits.
		assert.Zero(t, d.Remaining)
		assert.Zero(t, d.RetryAfter)
		assert.True(t, d.ResetAt.IsZero())

		// Nothing was consumed: the next admitted request still sees the
		// full rate allowance.
		d, err = f.engine.Admit(ctx, AdmitRequest{
			TenantID:     tenantID,
			Action:       governance.ActionLeadCreate,
			Subscription: activeSub(billing.PlanBasic),
		})
		require.NoError(t, err)
		require.True(t, d.Admitted)
		assert.Equal(t, int64(29), d.Remaining)
	})

	t.Run("own resource passes the scope check", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())
		tenantID := uuid.New()

		d, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:      tenantID,
			ResourceOwner: tenantID.String(),
			Action:        governance.ActionAPIRequest,
			Subscription:  activeSub(billing.PlanBasic),
		})

		require.NoError(t, err)
		assert.True(t, d.Admitted)
	})

	t.Run("rate limit rejects with retry hints and spares the quota", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())
		tenantID := uuid.New()
		sub := activeSub(billing.PlanPro)

		for i := 0; i < 10; i++ {
			req := AdmitRequest{
				TenantID:     tenantID,
				Action:       governance.ActionAIImageGenerate,
				Category:     billing.CategoryAIImages,
				Subscription: sub,
			}
			d, err := f.engine.Admit(ctx, req)
			require.NoError(t, err)
			require.True(t, d.Admitted)
			_, err = f.engine.Commit(ctx, req)
			require.NoError(t, err)
		}

		d, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:     tenantID,
			Action:       governance.ActionAIImageGenerate,
			Category:     billing.CategoryAIImages,
			Subscription: sub,
		})

		require.NoError(t, err)
		assert.False(t, d.Admitted)
		assert.Equal(t, governance.ReasonRateLimited, d.Reason)
		assert.Equal(t, time.Hour, d.RetryAfter)
		assert.Equal(t, f.clock.Now().Add(time.Hour), d.ResetAt)

		// The rate-limited attempt charged no quota.
		periodKey := billing.PeriodFor(f.clock.Now()).Key()
		current, err := f.store.Current(ctx, tenantID, periodKey, billing.CategoryAIImages)
		require.NoError(t, err)
		assert.Equal(t, int64(10), current)
	})

	t.Run("inactive subscription rejects with plan reason", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())

		d, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:     uuid.New(),
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: billing.Subscription{Plan: billing.PlanPro, Status: billing.SubscriptionSuspended},
		})

		require.NoError(t, err)
		assert.False(t, d.Admitted)
		assert.Equal(t, governance.ReasonPlanInactive, d.Reason)
	})

	t.Run("admission alone charges nothing until commit", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())
		tenantID := uuid.New()
		req := AdmitRequest{
			TenantID:     tenantID,
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: activeSub(billing.PlanBasic),
		}

		d, err := f.engine.Admit(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Admitted)

		periodKey := billing.PeriodFor(f.clock.Now()).Key()
		current, err := f.store.Current(ctx, tenantID, periodKey, billing.CategoryLeads)
		require.NoError(t, err)
		assert.Zero(t, current)

		result, err := f.engine.Commit(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.Applied)

		current, err = f.store.Current(ctx, tenantID, periodKey, billing.CategoryLeads)
		require.NoError(t, err)
		assert.Equal(t, int64(1), current)
	})

	t.Run("commit stays limit guarded when a race fills the quota", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())
		tenantID := uuid.New()
		req := AdmitRequest{
			TenantID:     tenantID,
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: activeSub(billing.PlanBasic),
		}

		d, err := f.engine.Admit(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Admitted)

		// Another request takes the last units between admit and commit.
		periodKey := billing.PeriodFor(f.clock.Now()).Key()
		_, applied, err := f.store.Consume(ctx, tenantID, periodKey, billing.CategoryLeads, 100, 100)
		require.NoError(t, err)
		require.True(t, applied)

		result, err := f.engine.Commit(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.Applied)

		current, err := f.store.Current(ctx, tenantID, periodKey, billing.CategoryLeads)
		require.NoError(t, err)
		assert.Equal(t, int64(100), current)
	})

	t.Run("unmetered action skips the quota step", func(t *testing.T) {
		f := newEngineFixture(t, brokenStore{})

		d, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:     uuid.New(),
			Action:       governance.ActionAPIRequest,
			Subscription: activeSub(billing.PlanFree),
		})

		require.NoError(t, err)
		assert.True(t, d.Admitted)
	})

	t.Run("store outage fails closed for metered operations", func(t *testing.T) {
		f := newEngineFixture(t, brokenStore{})

		_, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:     uuid.New(),
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: activeSub(billing.PlanBasic),
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	})

	t.Run("unknown action is a configuration error", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())

		_, err := f.engine.Admit(ctx, AdmitRequest{
			TenantID:     uuid.New(),
			Action:       governance.Action("never.configured"),
			Subscription: activeSub(billing.PlanBasic),
		})

		assert.Error(t, err)
	})

	t.Run("nil tenant is rejected", func(t *testing.T) {
		f := newEngineFixture(t, persistence.NewMemoryUsageStore())

		_, err := f.engine.Admit(ctx, AdmitRequest{
			Action:       governance.ActionLeadCreate,
			Subscription: activeSub(billing.PlanBasic),
		})

		assert.Error(t, err)
	})
}

func TestEngineQuotaExhaustionAndUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, persistence.NewMemoryUsageStore())
	tenantID := uuid.New()
	basic := activeSub(billing.PlanBasic)

	// Basic allows 100 leads per month; the per-minute rate limit is 30,
	// so spread the requests over several windows.
	admitted := 0
	for admitted < 100 {
		req := AdmitRequest{
			TenantID:     tenantID,
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: basic,
		}
		d, err := f.engine.Admit(ctx, req)
		require.NoError(t, err)
		if d.Admitted {
			_, err = f.engine.Commit(ctx, req)
			require.NoError(t, err)
			admitted++
			continue
		}
		require.Equal(t, governance.ReasonRateLimited, d.Reason)
		f.clock.Advance(time.Minute)
	}

	d, err := f.engine.Admit(ctx, AdmitRequest{
		TenantID:     tenantID,
		Action:       governance.ActionLeadCreate,
		Category:     billing.CategoryLeads,
		Subscription: basic,
	})
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, governance.ReasonQuotaExceeded, d.Reason)

	t.Run("plan upgrade admits immediately without resetting usage", func(t *testing.T) {
		req := AdmitRequest{
			TenantID:     tenantID,
			Action:       governance.ActionLeadCreate,
			Category:     billing.CategoryLeads,
			Subscription: activeSub(billing.PlanPro),
		}

		d, err := f.engine.Admit(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Admitted)

		_, err = f.engine.Commit(ctx, req)
		require.NoError(t, err)

		// The counter kept its value; only the limit changed.
		periodKey := billing.PeriodFor(f.clock.Now()).Key()
		current, err := f.store.Current(ctx, tenantID, periodKey, billing.CategoryLeads)
		require.NoError(t, err)
		assert.Equal(t, int64(101), current)
	})
}

type recordingMetrics struct {
	mu        sync.Mutex
	admitted  []string
	denied    []string
	warnings  []string
	durations int
}

func (m *recordingMetrics) RecordAdmitted(ctx context.Context, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admitted = append(m.admitted, action)
}

func (m *recordingMetrics) RecordDenied(ctx context.Context, action, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied = append(m.denied, action+"/"+reason)
}

func (m *recordingMetrics) RecordQuotaWarning(ctx context.Context, category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, category)
}

func (m *recordingMetrics) RecordCheckDuration(ctx context.Context, d time.Duration, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

var (
	_ AdmissionMetrics = (*recordingMetrics)(nil)
	_ AdmissionMetrics = (*telemetry.GovernanceMetrics)(nil)
)

func TestEngineMetrics(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 8, 17, 10, 0, 0, 0, time.UTC))
	metrics := &recordingMetrics{}

	limiter, err := ratelimit.NewFixedWindowLimiter(map[governance.Action]governance.RatePolicy{
		governance.ActionLeadCreate: {MaxRequests: 1, Window: time.Minute},
	}, ratelimit.WithClock(clock), ratelimit.WithSweepInterval(0))
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	resolver := billing.MustNewLimitResolver(billing.DefaultLimitTable(), billing.DefaultFeatureTable())
	tracker, err := NewQuotaTracker(persistence.NewMemoryUsageStore(), resolver, WithTrackerClock(clock))
	require.NoError(t, err)

	engine, err := NewEngine(limiter, tracker,
		WithEngineClock(clock), WithEngineMetrics(metrics))
	require.NoError(t, err)

	req := AdmitRequest{
		TenantID:     uuid.New(),
		Action:       governance.ActionLeadCreate,
		Category:     billing.CategoryLeads,
		Subscription: activeSub(billing.PlanBasic),
	}

	d, err := engine.Admit(ctx, req)
	require.NoError(t, err)
	require.True(t, d.Admitted)

	d, err = engine.Admit(ctx, req)
	require.NoError(t, err)
	require.False(t, d.Admitted)

	// Crossing the 80% soft limit on commit emits a warning metric.
	req.Delta = 85
	_, err = engine.Commit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, []string{"lead.create"}, metrics.admitted)
	assert.Equal(t, []string{"lead.create/RATE_LIMITED"}, metrics.denied)
	assert.Equal(t, []string{"LEADS"}, metrics.warnings)
	assert.Equal(t, 2, metrics.durations)
}

func TestEngineRequireFeature(t *testing.T) {
	f := newEngineFixture(t, persistence.NewMemoryUsageStore())

	t.Run("enabled feature admits", func(t *testing.T) {
		d := f.engine.RequireFeature(activeSub(billing.PlanPro), billing.FeatureAIAssist)
		assert.True(t, d.Admitted)
	})

	t.Run("missing feature rejects with plan reason", func(t *testing.T) {
		d := f.engine.RequireFeature(activeSub(billing.PlanFree), billing.FeatureAdvancedReports)
		assert.False(t, d.Admitted)
		assert.Equal(t, governance.ReasonPlanInactive, d.Reason)
	})

	t.Run("inactive subscription rejects regardless of plan", func(t *testing.T) {
		d := f.engine.RequireFeature(billing.Subscription{
			Plan:   billing.PlanEnterprise,
			Status: billing.SubscriptionCanceled,
		}, billing.FeatureAIAssist)
		assert.False(t, d.Admitted)
	})
}
