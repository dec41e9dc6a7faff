package handler

import (
	"time"

	appgov "github.com/crm/backend/internal/application/governance"
	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/governance"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const usageSummaryCacheKey = "usage_summary"

// GovernanceHandler serves the usage dashboard and admission dry runs.
// Summary reads go through the stats cache; subscription writes
// invalidate the tenant's cached entries.
type GovernanceHandler struct {
	BaseHandler
	engine        *appgov.Engine
	subscriptions billing.SubscriptionRepository
	cache         *cache.StatsCache
	cacheTTL      time.Duration
	logger        *zap.Logger
}

// NewGovernanceHandler creates a new GovernanceHandler
func NewGovernanceHandler(
	engine *appgov.Engine,
	subscriptions billing.SubscriptionRepository,
	statsCache *cache.StatsCache,
	cacheTTL time.Duration,
	logger *zap.Logger,
) *GovernanceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GovernanceHandler{
		engine:        engine,
		subscriptions: subscriptions,
		cache:         statsCache,
		cacheTTL:      cacheTTL,
		logger:        logger,
	}
}

// GetUsageSummary returns the tenant's current-period usage dashboard.
// The period key is part of the cache params so a month rollover never
// serves the prior period's summary.
func (h *GovernanceHandler) GetUsageSummary(c *gin.Context) {
	tenantID, err := middleware.GetTenantUUID(c)
	if err != nil || tenantID == uuid.Nil {
		h.Unauthorized(c, "Tenant identification required")
		return
	}

	ctx := c.Request.Context()
	// The period key must come from the engine's clock so the cache
	// entry and the counter rows roll over in the same instant.
	params := map[string]string{
		"period": billing.PeriodFor(h.engine.Clock().Now()).Key(),
	}

	if h.cache != nil {
		if cached, ok := h.cache.Get(ctx, tenantID.String(), usageSummaryCacheKey, params); ok {
			if summary, ok := cached.(*appgov.UsageSummary); ok {
				h.Success(c, summary)
				return
			}
		}
	}

	sub, err := h.subscriptions.SubscriptionFor(ctx, tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	summary, err := h.engine.Summary(ctx, tenantID, sub)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	// Degraded summaries are not cached: a store recovery should be
	// visible on the next read, not after the TTL.
	if h.cache != nil && !summary.Degraded {
		h.cache.Set(ctx, tenantID.String(), usageSummaryCacheKey, params, summary, h.cacheTTL)
	}

	h.Success(c, summary)
}

// CheckAdmission runs the admission pipeline without serving a real
// operation. Nothing is charged: admission only verifies headroom, and
// no governed operation follows whose success could commit usage. The
// rate limiter still counts the dry run like any other request.
func (h *GovernanceHandler) CheckAdmission(c *gin.Context) {
	tenantID, err := middleware.GetTenantUUID(c)
	if err != nil || tenantID == uuid.Nil {
		h.Unauthorized(c, "Tenant identification required")
		return
	}

	var req dto.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	action := governance.Action(req.Action)
	if err := action.Validate(); err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	sub, err := h.subscriptions.SubscriptionFor(ctx, tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	decision, err := h.engine.Admit(ctx, appgov.AdmitRequest{
		TenantID:      tenantID,
		ResourceOwner: req.ResourceOwner,
		Action:        action,
		Category:      billing.QuotaCategory(req.Category),
		Delta:         req.Delta,
		Subscription:  sub,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, decisionResponse(decision))
}

// UpdateSubscription upserts the tenant's subscription. Counters are
// untouched; the new limits apply from the next admission check.
func (h *GovernanceHandler) UpdateSubscription(c *gin.Context) {
	tenantID, err := middleware.GetTenantUUID(c)
	if err != nil || tenantID == uuid.Nil {
		h.Unauthorized(c, "Tenant identification required")
		return
	}

	var req dto.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	sub := billing.Subscription{
		Plan:        billing.Plan(req.Plan),
		Status:      billing.SubscriptionStatus(req.Status),
		TrialEndsAt: req.TrialEndsAt,
		ExpiresAt:   req.ExpiresAt,
	}

	ctx := c.Request.Context()
	if err := h.subscriptions.Save(ctx, tenantID, sub); err != nil {
		h.HandleError(c, err)
		return
	}

	if h.cache != nil {
		h.cache.InvalidateTenant(ctx, tenantID.String())
	}

	h.logger.Info("Subscription updated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan", string(sub.Plan)),
		zap.String("status", string(sub.Status)),
	)

	h.Success(c, gin.H{"plan": sub.Plan, "status": sub.Status})
}

// GetCacheStats reports response-cache effectiveness. Admin surface,
// not tenant scoped.
func (h *GovernanceHandler) GetCacheStats(c *gin.Context) {
	if h.cache == nil {
		h.Success(c, dto.CacheStatsResponse{})
		return
	}

	hits, misses := h.cache.GetStats()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	h.Success(c, dto.CacheStatsResponse{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
		Entries: h.cache.Count(),
	})
}

// RegisterRoutes registers governance routes on the group
func (h *GovernanceHandler) RegisterRoutes(rg *gin.RouterGroup) {
	gov := rg.Group("/governance")
	{
		gov.GET("/usage", h.GetUsageSummary)
		gov.POST("/check", h.CheckAdmission)
		gov.PUT("/subscription", h.UpdateSubscription)
	}

	admin := rg.Group("/admin/governance")
	{
		admin.GET("/cache/stats", h.GetCacheStats)
	}
}

func decisionResponse(d governance.Decision) dto.DecisionResponse {
	resp := dto.DecisionResponse{
		Admitted:  d.Admitted,
		Reason:    d.Reason.String(),
		Message:   d.Message,
		Remaining: d.Remaining,
	}
	if d.RetryAfter > 0 {
		resp.RetryAfter = int64(d.RetryAfter.Seconds())
	}
	if !d.ResetAt.IsZero() {
		resp.ResetAt = d.ResetAt.UTC().Format(time.RFC3339)
	}
	return resp
}
