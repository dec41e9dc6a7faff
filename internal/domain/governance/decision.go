package governance

import (
	"net/http"
	"time"
)

// ReasonCode classifies the outcome of a governance decision
type ReasonCode string

const (
	// ReasonOK indicates the operation is admitted
	ReasonOK ReasonCode = "OK"

	// ReasonScopeMismatch indicates the resource belongs to another tenant
	ReasonScopeMismatch ReasonCode = "SCOPE_MISMATCH"

	// ReasonRateLimited indicates the short-window rate limit is exhausted
	ReasonRateLimited ReasonCode = "RATE_LIMITED"

	// ReasonQuotaExceeded indicates the billing-period quota is exhausted
	ReasonQuotaExceeded ReasonCode = "QUOTA_EXCEEDED"

	// ReasonPlanInactive indicates the subscription grants no allowance
	ReasonPlanInactive ReasonCode = "PLAN_INACTIVE"
)

// String returns the string representation of ReasonCode
func (r ReasonCode) String() string {
	return string(r)
}

// HTTPStatus maps the reason to the conventional transport status.
// The governance layer never writes responses itself; this is advisory
// for the calling handler.
func (r ReasonCode) HTTPStatus() int {
	switch r {
	case ReasonOK:
		return http.StatusOK
	case ReasonScopeMismatch:
		return http.StatusForbidden
	case ReasonRateLimited, ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case ReasonPlanInactive:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// CheckState tracks a request's progress through the governance pipeline
type CheckState string

const (
	StatePending       CheckState = "PENDING"
	StateScopeChecked  CheckState = "SCOPE_CHECKED"
	StateRateChecked   CheckState = "RATE_CHECKED"
	StateQuotaChecked  CheckState = "QUOTA_CHECKED"
	StateAdmitted      CheckState = "ADMITTED"
	StateRejectedScope CheckState = "REJECTED_SCOPE"
	StateRejectedRate  CheckState = "REJECTED_RATE"
	StateRejectedQuota CheckState = "REJECTED_QUOTA"
)

// IsTerminal returns true if no further checks run after this state
func (s CheckState) IsTerminal() bool {
	switch s {
	case StateAdmitted, StateRejectedScope, StateRejectedRate, StateRejectedQuota:
		return true
	}
	return false
}

// Decision is the structured admit/deny answer returned to callers.
// Denials are normal values, never errors; the caller translates them
// into its own response.
type Decision struct {
	Admitted   bool          `json:"admitted"`
	State      CheckState    `json:"state"`
	Reason     ReasonCode    `json:"reason"`
	Message    string        `json:"message,omitempty"`
	Remaining  int64         `json:"remaining"`             // Remaining rate or quota allowance, -1 if unlimited
	RetryAfter time.Duration `json:"retry_after,omitempty"` // Hint for RATE_LIMITED denials
	ResetAt    time.Time     `json:"reset_at,omitempty"`    // Window reset for RATE_LIMITED denials

	// Rate window state observed during the check, carried for the
	// advisory X-RateLimit headers. Set on every decision that got past
	// the scope guard; zero on scope rejections, which leak nothing.
	RateRemaining int64     `json:"rate_remaining"`
	RateResetAt   time.Time `json:"rate_reset_at,omitempty"`
}

// WithRate attaches the rate window state observed during the check.
func (d Decision) WithRate(remaining int64, resetAt time.Time) Decision {
	d.RateRemaining = remaining
	d.RateResetAt = resetAt
	return d
}

// Admitted builds the terminal admitted decision
func Admit(remaining int64) Decision {
	return Decision{
		Admitted:  true,
		State:     StateAdmitted,
		Reason:    ReasonOK,
		Remaining: remaining,
	}
}

// RejectScope builds the terminal scope-mismatch decision. It carries no
// rate or quota information: scope failures must not leak limit state to
// an unauthorized caller.
func RejectScope() Decision {
	return Decision{
		Admitted: false,
		State:    StateRejectedScope,
		Reason:   ReasonScopeMismatch,
		Message:  "Resource belongs to a different tenant",
	}
}

// RejectRate builds the terminal rate-limited decision
func RejectRate(resetAt time.Time, retryAfter time.Duration) Decision {
	return Decision{
		Admitted:      false,
		State:         StateRejectedRate,
		Reason:        ReasonRateLimited,
		Message:       "Too many requests, retry after the window resets",
		Remaining:     0,
		RetryAfter:    retryAfter,
		ResetAt:       resetAt,
		RateRemaining: 0,
		RateResetAt:   resetAt,
	}
}

// RejectQuota builds the terminal quota-exceeded decision
func RejectQuota(message string) Decision {
	return Decision{
		Admitted: false,
		State:    StateRejectedQuota,
		Reason:   ReasonQuotaExceeded,
		Message:  message,
	}
}

// RejectPlanInactive builds the terminal decision for unpaid/expired
// subscriptions. Treated as a quota rejection in the state machine since
// it is discovered during the quota step.
func RejectPlanInactive() Decision {
	return Decision{
		Admitted: false,
		State:    StateRejectedQuota,
		Reason:   ReasonPlanInactive,
		Message:  "Subscription is not active",
	}
}
