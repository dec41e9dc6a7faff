package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/domain/governance"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdmitRequest describes one operation submitted for admission.
type AdmitRequest struct {
	// TenantID is the tenant making the request.
	TenantID uuid.UUID

	// PrincipalID is the verified user acting for the tenant. Carried
	// for audit logging; governance decisions are tenant scoped.
	PrincipalID uuid.UUID

	// ResourceOwner is the tenant that owns the target resource. Empty
	// for operations that do not touch an existing resource.
	ResourceOwner string

	// Action selects the rate policy.
	Action governance.Action

	// Category selects the billing-period quota to charge. Empty when
	// the operation is rate limited but not metered.
	Category billing.QuotaCategory

	// Delta is the quota charge, defaulting to 1.
	Delta int64

	// Subscription is the tenant's current subscription.
	Subscription billing.Subscription
}

// AdmissionMetrics records admission outcomes. Satisfied by
// telemetry.GovernanceMetrics; nil disables instrumentation.
type AdmissionMetrics interface {
	RecordAdmitted(ctx context.Context, action string)
	RecordDenied(ctx context.Context, action, reason string)
	RecordQuotaWarning(ctx context.Context, category string)
	RecordCheckDuration(ctx context.Context, d time.Duration, action string)
}

// Engine runs the full admission pipeline: tenant scope, then the
// short-window rate limit, then plan state, then the billing-period
// quota. Checks short-circuit at the first rejection and later checks
// consume nothing, so a denied request never burns allowance. Admit
// verifies quota headroom without charging it; the caller records the
// charge through Commit once the admitted operation has succeeded.
//
// The engine holds no per-request state; a Decision carries everything
// the caller needs.
type Engine struct {
	limiter *ratelimit.FixedWindowLimiter
	tracker *QuotaTracker
	clock   shared.Clock
	logger  *zap.Logger
	metrics AdmissionMetrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the wall clock, used by tests.
func WithEngineClock(clock shared.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics installs admission instrumentation.
func WithEngineMetrics(metrics AdmissionMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// NewEngine creates the governance engine over a rate limiter and a
// quota tracker.
func NewEngine(limiter *ratelimit.FixedWindowLimiter, tracker *QuotaTracker, opts ...EngineOption) (*Engine, error) {
	if limiter == nil {
		return nil, shared.NewDomainError("INVALID_LIMITER", "Rate limiter is required")
	}
	if tracker == nil {
		return nil, shared.NewDomainError("INVALID_TRACKER", "Quota tracker is required")
	}

	e := &Engine{
		limiter: limiter,
		tracker: tracker,
		clock:   shared.SystemClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Clock returns the engine's wall clock. Callers deriving period keys
// from it stay on the same time source and location the trackers use.
func (e *Engine) Clock() shared.Clock {
	return e.clock
}

// Admit runs the admission pipeline for one request. Denials come back
// as Decision values; an error means the pipeline itself could not run,
// and the caller must treat the operation as rejected.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (governance.Decision, error) {
	if e.metrics != nil {
		start := time.Now()
		defer func() {
			e.metrics.RecordCheckDuration(ctx, time.Since(start), req.Action.String())
		}()
	}

	if req.TenantID == uuid.Nil {
		return governance.Decision{}, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if err := req.Action.Validate(); err != nil {
		return governance.Decision{}, err
	}

	// Scope runs first and reveals nothing about limits on failure.
	if req.ResourceOwner != "" && !governance.CheckScope(req.ResourceOwner, req.TenantID.String()) {
		e.logger.Warn("Cross-tenant access rejected",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("principal_id", req.PrincipalID.String()),
			zap.String("action", req.Action.String()))
		return e.record(ctx, req, governance.RejectScope()), nil
	}

	rate, err := e.limiter.Allow(req.TenantID.String(), req.Action)
	if err != nil {
		return governance.Decision{}, err
	}
	if !rate.Admitted {
		return e.record(ctx, req, governance.RejectRate(rate.ResetAt, rate.RetryAfter(e.clock.Now()))), nil
	}

	// Unmetered actions finish after the rate check.
	if req.Category == "" {
		return e.record(ctx, req, governance.Admit(int64(rate.Remaining)).
			WithRate(int64(rate.Remaining), rate.ResetAt)), nil
	}

	if !req.Subscription.IsActive(e.clock.Now()) {
		return e.record(ctx, req, governance.RejectPlanInactive().
			WithRate(int64(rate.Remaining), rate.ResetAt)), nil
	}

	// Admission only verifies headroom. The charge lands in Commit,
	// after the governed operation succeeded, so a failed operation
	// never burns quota.
	quota, err := e.tracker.Check(ctx, req.TenantID, req.Subscription, req.Category, req.Delta)
	if err != nil {
		return governance.Decision{}, err
	}
	if !quota.Applied {
		msg := fmt.Sprintf("Quota exceeded for %s: %d of %d used",
			req.Category.DisplayName(), quota.Current, quota.Limit)
		return e.record(ctx, req, governance.RejectQuota(msg).
			WithRate(int64(rate.Remaining), rate.ResetAt)), nil
	}

	return e.record(ctx, req, governance.Admit(quota.Remaining).
		WithRate(int64(rate.Remaining), rate.ResetAt)), nil
}

// Commit records the quota charge for an admitted operation that has
// actually succeeded. The increment stays limit guarded and atomic, so
// concurrent commits can never push the counter past the limit; a
// commit squeezed out by such a race is logged and dropped rather than
// failing the already-completed operation.
func (e *Engine) Commit(ctx context.Context, req AdmitRequest) (ConsumeResult, error) {
	if req.Category == "" {
		return ConsumeResult{Applied: true, Limit: billing.Unlimited, Remaining: billing.Unlimited}, nil
	}

	result, err := e.tracker.Consume(ctx, req.TenantID, req.Subscription, req.Category, req.Delta)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !result.Applied {
		e.logger.Warn("Usage commit lost a concurrent race for the last quota units",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("category", string(req.Category)),
			zap.Int64("current", result.Current),
			zap.Int64("limit", result.Limit))
	}
	if result.Warning != nil && e.metrics != nil {
		e.metrics.RecordQuotaWarning(ctx, string(req.Category))
	}
	return result, nil
}

// RequireFeature gates access to a plan feature. Denials use the plan
// reason so callers can point the tenant at an upgrade.
func (e *Engine) RequireFeature(sub billing.Subscription, key billing.FeatureKey) governance.Decision {
	now := e.clock.Now()
	if !sub.IsActive(now) {
		return governance.RejectPlanInactive()
	}
	if !e.tracker.resolver.HasFeature(sub, key, now) {
		return governance.Decision{
			Admitted: false,
			State:    governance.StateRejectedQuota,
			Reason:   governance.ReasonPlanInactive,
			Message:  fmt.Sprintf("Plan %s does not include feature %s", sub.Plan, key),
		}
	}
	return governance.Admit(billing.Unlimited)
}

// Summary exposes the tracker's usage dashboard through the façade.
func (e *Engine) Summary(ctx context.Context, tenantID uuid.UUID, sub billing.Subscription) (*UsageSummary, error) {
	return e.tracker.Summary(ctx, tenantID, sub)
}

// RatePolicy returns the configured policy for an action, for callers
// that surface limit metadata in response headers.
func (e *Engine) RatePolicy(action governance.Action) (governance.RatePolicy, bool) {
	return e.limiter.Policy(action)
}

func (e *Engine) record(ctx context.Context, req AdmitRequest, d governance.Decision) governance.Decision {
	if e.metrics == nil {
		return d
	}
	if d.Admitted {
		e.metrics.RecordAdmitted(ctx, req.Action.String())
	} else {
		e.metrics.RecordDenied(ctx, req.Action.String(), d.Reason.String())
	}
	return d
}
