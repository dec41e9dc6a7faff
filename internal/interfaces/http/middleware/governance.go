package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	appgov "github.com/crm/backend/internal/application/governance"
	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/governance"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TenantInvalidator drops cached aggregates for a tenant after a
// mutating operation so dashboards never serve stale counts.
type TenantInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) int
}

// GovernanceConfig wires the admission engine into the HTTP layer.
type GovernanceConfig struct {
	// Engine runs the admission pipeline.
	Engine *appgov.Engine
	// Subscriptions resolves the tenant's current plan. Resolved per
	// request so plan switches take effect immediately.
	Subscriptions billing.SubscriptionRepository
	// Cache, when set, is invalidated for the tenant after a metered
	// operation commits usage.
	Cache TenantInvalidator
	// Logger for middleware logging.
	Logger *zap.Logger
}

func (cfg GovernanceConfig) logger() *zap.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return zap.NewNop()
}

// GovernOption adjusts a single governed route.
type GovernOption func(*governOptions)

type governOptions struct {
	category   billing.QuotaCategory
	delta      int64
	ownerParam string
}

// WithCategory charges the request against a billing-period quota.
// Ungoverned routes are rate limited only.
func WithCategory(category billing.QuotaCategory) GovernOption {
	return func(o *governOptions) {
		o.category = category
	}
}

// WithDelta sets the quota charge per request, default 1.
func WithDelta(delta int64) GovernOption {
	return func(o *governOptions) {
		o.delta = delta
	}
}

// WithOwnerParam names the route parameter holding the tenant that owns
// the target resource. When set, the scope guard compares it against
// the requesting tenant.
func WithOwnerParam(param string) GovernOption {
	return func(o *governOptions) {
		o.ownerParam = param
	}
}

// Govern returns middleware that admits or denies the request through
// the governance pipeline. Denials abort with the reason's HTTP status
// and never reach the handler. Admission only verifies quota headroom;
// the charge is committed after the handler returns a success status,
// so a failed operation never burns quota.
func Govern(cfg GovernanceConfig, action governance.Action, opts ...GovernOption) gin.HandlerFunc {
	options := governOptions{delta: 1}
	for _, opt := range opts {
		opt(&options)
	}

	return func(c *gin.Context) {
		tenantID, err := GetTenantUUID(c)
		if err != nil || tenantID == uuid.Nil {
			abortUnauthorized(c, "Tenant identification required")
			return
		}

		ctx := c.Request.Context()

		sub, err := cfg.Subscriptions.SubscriptionFor(ctx, tenantID)
		if err != nil {
			cfg.logger().Error("Subscription lookup failed",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
			abortGovernanceError(c, err)
			return
		}

		req := appgov.AdmitRequest{
			TenantID:     tenantID,
			PrincipalID:  GetPrincipalUUID(c),
			Action:       action,
			Category:     options.category,
			Delta:        options.delta,
			Subscription: sub,
		}
		if options.ownerParam != "" {
			owner := c.Param(options.ownerParam)
			if owner == "" {
				// A configured owner param that resolves empty is a
				// route defect; nothing is ever owned by nobody.
				cfg.logger().Error("Owner route parameter resolved empty",
					zap.String("param", options.ownerParam),
					zap.String("path", c.FullPath()),
				)
				abortDenied(c, governance.RejectScope())
				return
			}
			req.ResourceOwner = owner
		}

		decision, err := cfg.Engine.Admit(ctx, req)
		if err != nil {
			cfg.logger().Error("Admission check failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("action", action.String()),
				zap.Error(err),
			)
			abortGovernanceError(c, err)
			return
		}

		// Scope denials carry no limit headers: nothing about the
		// owner's or the caller's allowance is disclosed.
		if decision.Reason != governance.ReasonScopeMismatch {
			setRateLimitHeaders(c, cfg.Engine, action, decision)
		}

		if !decision.Admitted {
			abortDenied(c, decision)
			return
		}

		c.Next()

		if options.category == "" || c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		// A client disconnect after the handler finished must not lose
		// the charge.
		ctx = context.WithoutCancel(ctx)
		if _, err := cfg.Engine.Commit(ctx, req); err != nil {
			// The operation already succeeded; the missed charge is
			// logged, never surfaced to the caller.
			cfg.logger().Error("Usage commit failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("category", string(options.category)),
				zap.Error(err),
			)
			return
		}
		if cfg.Cache != nil {
			cfg.Cache.InvalidateTenant(ctx, tenantID.String())
		}
	}
}

// RequireFeature returns middleware that rejects tenants whose plan does
// not include the named feature.
func RequireFeature(cfg GovernanceConfig, key billing.FeatureKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := GetTenantUUID(c)
		if err != nil || tenantID == uuid.Nil {
			abortUnauthorized(c, "Tenant identification required")
			return
		}

		sub, err := cfg.Subscriptions.SubscriptionFor(c.Request.Context(), tenantID)
		if err != nil {
			abortGovernanceError(c, err)
			return
		}

		if decision := cfg.Engine.RequireFeature(sub, key); !decision.Admitted {
			abortDenied(c, decision)
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders exposes the rate limiter's window state on every
// governed response, admitted or not. Quota remaining is not a rate
// header; it lives in the usage summary.
func setRateLimitHeaders(c *gin.Context, engine *appgov.Engine, action governance.Action, d governance.Decision) {
	h := c.Writer.Header()
	if policy, ok := engine.RatePolicy(action); ok {
		h.Set("X-RateLimit-Limit", strconv.Itoa(policy.MaxRequests))
	}
	if !d.RateResetAt.IsZero() {
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.RateRemaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.RateResetAt.Unix(), 10))
	}
}

func abortDenied(c *gin.Context, d governance.Decision) {
	if d.RetryAfter > 0 {
		seconds := int64(d.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		c.Writer.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	code := dto.ErrorCodeForReason(d.Reason.String())
	message := d.Message
	if message == "" {
		message = "Request denied"
	}
	c.AbortWithStatusJSON(d.Reason.HTTPStatus(),
		dto.NewErrorResponseWithRequestID(code, message, GetRequestID(c)))
}

// abortGovernanceError maps pipeline errors: a store outage fails closed
// with 503, anything else is a configuration or internal fault.
func abortGovernanceError(c *gin.Context, err error) {
	if errors.Is(err, shared.ErrStoreUnavailable) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable,
			dto.NewErrorResponseWithRequestID(dto.ErrCodeStoreUnavailable,
				"Usage accounting is temporarily unavailable", GetRequestID(c)))
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError,
		dto.NewErrorResponseWithRequestID(dto.ErrCodeInternal,
			"Admission check failed", GetRequestID(c)))
}
