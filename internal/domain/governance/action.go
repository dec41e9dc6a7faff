package governance

import (
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/shared"
)

// Action is a named class of governed operation. Every action carries its
// own rate policy and may contribute to a quota category.
type Action string

// Predefined actions governed across the CRM verticals
const (
	// ActionAPIRequest is the generic per-tenant API admission action
	ActionAPIRequest Action = "api.request"

	// ActionLeadCreate covers lead form submissions (real estate, law)
	ActionLeadCreate Action = "lead.create"

	// ActionPropertyCreate covers property listing creation
	ActionPropertyCreate Action = "property.create"

	// ActionCampaignCreate covers marketing campaign creation
	ActionCampaignCreate Action = "campaign.create"

	// ActionAIImageGenerate covers AI image generation calls
	ActionAIImageGenerate Action = "ai.image.generate"

	// ActionAIContentGenerate covers AI copy/content generation calls
	ActionAIContentGenerate Action = "ai.content.generate"

	// ActionSiteAudit covers the quota-shared third-party page speed probe
	ActionSiteAudit Action = "psi.audit"
)

// String returns the string representation of Action
func (a Action) String() string {
	return string(a)
}

// Validate checks that the action name is well formed: non-empty,
// lowercase, dot-separated segments.
func (a Action) Validate() error {
	if a == "" {
		return shared.NewDomainError("INVALID_ACTION", "Action name cannot be empty")
	}
	for _, seg := range strings.Split(string(a), ".") {
		if seg == "" {
			return shared.NewDomainError("INVALID_ACTION", "Action name cannot contain empty segments")
		}
		for _, r := range seg {
			if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-') {
				return shared.NewDomainError("INVALID_ACTION", "Action name must be lowercase dot-separated segments")
			}
		}
	}
	return nil
}

// RatePolicy defines the short-window admission policy for an action.
type RatePolicy struct {
	MaxRequests int           // Maximum admissions per window
	Window      time.Duration // Fixed window duration
}

// Validate checks the policy for configuration errors. Malformed policies
// are deployment defects and must fail at startup, not per request.
func (p RatePolicy) Validate() error {
	if p.MaxRequests <= 0 {
		return shared.NewDomainError("INVALID_RATE_POLICY", "Max requests must be positive")
	}
	if p.Window <= 0 {
		return shared.NewDomainError("INVALID_RATE_POLICY", "Window must be positive")
	}
	return nil
}
