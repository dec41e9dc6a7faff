package billing

import "fmt"

// Unlimited is the sentinel limit meaning no ceiling applies.
const Unlimited int64 = -1

// QuotaCategory represents a metered resource type counted against a
// plan limit per billing period.
type QuotaCategory string

const (
	// CategoryLeads tracks leads created
	CategoryLeads QuotaCategory = "LEADS"

	// CategoryProperties tracks property listings created
	CategoryProperties QuotaCategory = "PROPERTIES"

	// CategoryCampaigns tracks marketing campaigns created
	CategoryCampaigns QuotaCategory = "CAMPAIGNS"

	// CategoryAIImages tracks AI images generated
	CategoryAIImages QuotaCategory = "AI_IMAGES"

	// CategoryAIContent tracks AI content generations
	CategoryAIContent QuotaCategory = "AI_CONTENT"

	// CategoryAPICalls tracks metered API requests
	CategoryAPICalls QuotaCategory = "API_CALLS"

	// CategorySiteAudits tracks third-party page speed audits
	CategorySiteAudits QuotaCategory = "SITE_AUDITS"
)

// String returns the string representation of QuotaCategory
func (c QuotaCategory) String() string {
	return string(c)
}

// IsValid returns true if the quota category is valid
func (c QuotaCategory) IsValid() bool {
	switch c {
	case CategoryLeads, CategoryProperties, CategoryCampaigns,
		CategoryAIImages, CategoryAIContent, CategoryAPICalls,
		CategorySiteAudits:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the quota category
func (c QuotaCategory) DisplayName() string {
	switch c {
	case CategoryLeads:
		return "Leads"
	case CategoryProperties:
		return "Properties"
	case CategoryCampaigns:
		return "Campaigns"
	case CategoryAIImages:
		return "AI Images"
	case CategoryAIContent:
		return "AI Content"
	case CategoryAPICalls:
		return "API Calls"
	case CategorySiteAudits:
		return "Site Audits"
	default:
		return string(c)
	}
}

// AllQuotaCategories returns all valid quota categories
func AllQuotaCategories() []QuotaCategory {
	return []QuotaCategory{
		CategoryLeads,
		CategoryProperties,
		CategoryCampaigns,
		CategoryAIImages,
		CategoryAIContent,
		CategoryAPICalls,
		CategorySiteAudits,
	}
}

// ParseQuotaCategory parses a string into a QuotaCategory
func ParseQuotaCategory(s string) (QuotaCategory, error) {
	c := QuotaCategory(s)
	if !c.IsValid() {
		return "", fmt.Errorf("invalid quota category: %s", s)
	}
	return c, nil
}
