package dto

import "net/http"

// Error code constants
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeNotFound is used when a resource is not found
	ErrCodeNotFound = "ERR_NOT_FOUND"
)

// Authentication error codes
const (
	// ErrCodeUnauthorized is used when tenant identification is missing or invalid
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	// ErrCodeForbidden is used when the tenant lacks access to the resource
	ErrCodeForbidden = "ERR_FORBIDDEN"
)

// Governance error codes
const (
	// ErrCodeRateLimited is used when the short-window rate limit is exhausted
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
	// ErrCodeQuotaExceeded is used when the billing-period quota is exhausted
	ErrCodeQuotaExceeded = "ERR_QUOTA_EXCEEDED"
	// ErrCodePlanInactive is used when the subscription grants no allowance
	ErrCodePlanInactive = "ERR_PLAN_INACTIVE"
	// ErrCodeStoreUnavailable is used when the usage store is unreachable
	// and enforcement must fail closed
	ErrCodeStoreUnavailable = "ERR_STORE_UNAVAILABLE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:   http.StatusInternalServerError,
	ErrCodeBadRequest: http.StatusBadRequest,
	ErrCodeNotFound:   http.StatusNotFound,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,

	ErrCodeRateLimited:      http.StatusTooManyRequests,
	ErrCodeQuotaExceeded:    http.StatusTooManyRequests,
	ErrCodePlanInactive:     http.StatusPaymentRequired,
	ErrCodeStoreUnavailable: http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code.
// Returns 500 Internal Server Error if the error code is not found.
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// reasonErrorCodes maps governance reason codes to wire error codes
var reasonErrorCodes = map[string]string{
	"SCOPE_MISMATCH": ErrCodeForbidden,
	"RATE_LIMITED":   ErrCodeRateLimited,
	"QUOTA_EXCEEDED": ErrCodeQuotaExceeded,
	"PLAN_INACTIVE":  ErrCodePlanInactive,
}

// ErrorCodeForReason converts a governance denial reason to the wire
// error code. Unknown reasons map to the internal code.
func ErrorCodeForReason(reason string) string {
	if code, ok := reasonErrorCodes[reason]; ok {
		return code
	}
	return ErrCodeInternal
}
