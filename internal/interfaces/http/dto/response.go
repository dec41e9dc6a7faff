package dto

import "time"

// Response represents a standard API response
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents error details
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data any) Response {
	return Response{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code, message string) Response {
	return Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewErrorResponseWithRequestID creates an error response carrying the
// request ID for log correlation
func NewErrorResponseWithRequestID(code, message, requestID string) Response {
	return Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	}
}

// DecisionResponse is the wire form of an admission decision. Denied
// requests carry it inside the error envelope's data sibling so clients
// can render limit state without parsing the message.
type DecisionResponse struct {
	Admitted   bool   `json:"admitted"`
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
	Remaining  int64  `json:"remaining"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
	ResetAt    string `json:"reset_at,omitempty"`
}

// CheckRequest is the body of a dry-run admission check
type CheckRequest struct {
	Action        string `json:"action" binding:"required"`
	Category      string `json:"category"`
	Delta         int64  `json:"delta"`
	ResourceOwner string `json:"resource_owner"`
}

// CacheStatsResponse reports response-cache effectiveness
type CacheStatsResponse struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Entries int     `json:"entries"`
}

// SubscriptionRequest is the body of a subscription upsert
type SubscriptionRequest struct {
	Plan        string     `json:"plan" binding:"required"`
	Status      string     `json:"status" binding:"required"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}
