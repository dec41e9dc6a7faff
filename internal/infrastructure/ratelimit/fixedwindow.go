package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/crm/backend/internal/domain/governance"
	"github.com/crm/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// Result is the outcome of one admission attempt against a fixed window.
type Result struct {
	Admitted  bool
	Remaining int       // Admissions left in the current window after this one
	Limit     int       // Configured ceiling for the action
	ResetAt   time.Time // When the current window closes and the count resets
}

// RetryAfter returns how long the caller should wait before retrying,
// measured from now. Zero when the request was admitted.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Admitted {
		return 0
	}
	d := r.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// window is one live counting bucket for a (tenant, action) pair.
type window struct {
	start time.Time
	count int
}

// FixedWindowLimiter admits requests per tenant per action using fixed
// time windows. The count resets fully at each window boundary; a burst
// straddling the boundary can briefly see up to twice the configured
// rate, which is the accepted trade-off of the algorithm.
//
// All policies are fixed at construction. Asking about an unconfigured
// action is a deployment defect and returns an error rather than a
// denial.
type FixedWindowLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	policies map[governance.Action]governance.RatePolicy
	clock    shared.Clock
	logger   *zap.Logger

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

// LimiterOption configures a FixedWindowLimiter.
type LimiterOption func(*FixedWindowLimiter)

// WithClock overrides the wall clock, used by tests to step time.
func WithClock(clock shared.Clock) LimiterOption {
	return func(l *FixedWindowLimiter) {
		l.clock = clock
	}
}

// WithLogger attaches a logger for sweep diagnostics.
func WithLogger(logger *zap.Logger) LimiterOption {
	return func(l *FixedWindowLimiter) {
		l.logger = logger
	}
}

// WithSweepInterval overrides how often expired buckets are reclaimed.
// A non-positive interval disables the background sweeper.
func WithSweepInterval(interval time.Duration) LimiterOption {
	return func(l *FixedWindowLimiter) {
		l.sweepInterval = interval
	}
}

// NewFixedWindowLimiter validates every policy up front and fails fast on
// malformed configuration.
func NewFixedWindowLimiter(policies map[governance.Action]governance.RatePolicy, opts ...LimiterOption) (*FixedWindowLimiter, error) {
	if len(policies) == 0 {
		return nil, shared.NewDomainError("INVALID_RATE_POLICY", "At least one rate policy is required")
	}

	owned := make(map[governance.Action]governance.RatePolicy, len(policies))
	for action, policy := range policies {
		if err := action.Validate(); err != nil {
			return nil, err
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("rate policy for action %q: %w", action, err)
		}
		owned[action] = policy
	}

	l := &FixedWindowLimiter{
		windows:       make(map[string]*window),
		policies:      owned,
		clock:         shared.SystemClock{},
		logger:        zap.NewNop(),
		sweepInterval: time.Minute,
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.sweepInterval > 0 {
		go l.sweepLoop()
	}
	return l, nil
}

// Allow consumes one admission slot for the tenant and action. Denial is
// reported in the Result, not as an error; errors are reserved for
// configuration defects such as an unknown action.
func (l *FixedWindowLimiter) Allow(tenantID string, action governance.Action) (Result, error) {
	if tenantID == "" {
		return Result{}, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	policy, ok := l.policies[action]
	if !ok {
		return Result{}, shared.NewDomainError("UNKNOWN_ACTION", fmt.Sprintf("No rate policy configured for action %q", action))
	}

	now := l.clock.Now()
	key := tenantID + "|" + action.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(policy.Window)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	resetAt := w.start.Add(policy.Window)

	if w.count >= policy.MaxRequests {
		return Result{
			Admitted:  false,
			Remaining: 0,
			Limit:     policy.MaxRequests,
			ResetAt:   resetAt,
		}, nil
	}

	w.count++
	return Result{
		Admitted:  true,
		Remaining: policy.MaxRequests - w.count,
		Limit:     policy.MaxRequests,
		ResetAt:   resetAt,
	}, nil
}

// Policy returns the configured policy for an action.
func (l *FixedWindowLimiter) Policy(action governance.Action) (governance.RatePolicy, bool) {
	p, ok := l.policies[action]
	return p, ok
}

// Actions returns every action the limiter is configured for.
func (l *FixedWindowLimiter) Actions() []governance.Action {
	actions := make([]governance.Action, 0, len(l.policies))
	for a := range l.policies {
		actions = append(actions, a)
	}
	return actions
}

// Close stops the background sweeper. Safe to call more than once.
func (l *FixedWindowLimiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopSweep)
	})
}

func (l *FixedWindowLimiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

// sweep drops buckets whose window has fully elapsed. Idle tenants stop
// occupying memory without affecting live counts.
func (l *FixedWindowLimiter) sweep() {
	now := l.clock.Now()
	var longest time.Duration
	for _, p := range l.policies {
		if p.Window > longest {
			longest = p.Window
		}
	}

	l.mu.Lock()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.start.Add(longest)) {
			delete(l.windows, key)
			removed++
		}
	}
	remaining := len(l.windows)
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("Swept expired rate limit windows",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining))
	}
}
