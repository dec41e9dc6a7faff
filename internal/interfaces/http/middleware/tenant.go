package middleware

import (
	"net/http"
	"strings"

	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// TenantIDKey is the gin context key for the tenant ID
	TenantIDKey = "tenant_id"
	// TenantHeaderKey is the header carrying the tenant ID
	TenantHeaderKey = "X-Tenant-ID"
	// ClaimTenantKey is set by an upstream auth layer that has already
	// verified the caller's token. Claims win over headers.
	ClaimTenantKey = "claim_tenant_id"

	// PrincipalIDKey is the gin context key for the acting user
	PrincipalIDKey = "principal_id"
	// PrincipalHeaderKey is the header carrying the principal ID
	PrincipalHeaderKey = "X-Principal-ID"
	// ClaimPrincipalKey is the verified principal claim
	ClaimPrincipalKey = "claim_principal_id"
)

// TenantConfig holds configuration for tenant middleware
type TenantConfig struct {
	// HeaderEnabled enables X-Tenant-ID header extraction
	HeaderEnabled bool
	// SkipPaths are paths that don't require tenant context
	SkipPaths []string
	// Required determines if tenant context is mandatory
	Required bool
	// Logger for middleware logging
	Logger *zap.Logger
}

// DefaultTenantConfig returns default tenant middleware configuration
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		HeaderEnabled: true,
		SkipPaths:     []string{"/health", "/healthz", "/ready", "/api/v1/health"},
		Required:      true,
	}
}

// Tenant extracts tenant identity from the request.
// Extraction order: verified auth claim, then X-Tenant-ID header.
func Tenant() gin.HandlerFunc {
	return TenantWithConfig(DefaultTenantConfig())
}

// TenantWithConfig returns tenant middleware with custom configuration
func TenantWithConfig(cfg TenantConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, skip := range cfg.SkipPaths {
			if path == skip || strings.HasPrefix(path, skip+"/") {
				c.Next()
				return
			}
		}

		var tenantID string

		if claim, exists := c.Get(ClaimTenantKey); exists {
			if tid, ok := claim.(string); ok && tid != "" {
				tenantID = tid
			}
		}

		if tenantID == "" && cfg.HeaderEnabled {
			tenantID = c.GetHeader(TenantHeaderKey)
		}

		if tenantID != "" {
			if _, err := uuid.Parse(tenantID); err != nil {
				abortUnauthorized(c, "Invalid tenant ID format")
				return
			}
		}

		if tenantID == "" && cfg.Required {
			abortUnauthorized(c, "Tenant identification required")
			return
		}

		// Principal is advisory: it scopes audit logs, not decisions.
		principalID := ""
		if claim, exists := c.Get(ClaimPrincipalKey); exists {
			if pid, ok := claim.(string); ok {
				principalID = pid
			}
		}
		if principalID == "" {
			principalID = c.GetHeader(PrincipalHeaderKey)
		}
		if principalID != "" {
			if _, err := uuid.Parse(principalID); err == nil {
				c.Set(PrincipalIDKey, principalID)
			}
		}

		if tenantID != "" {
			c.Set(TenantIDKey, tenantID)

			ctx := c.Request.Context()
			ctx, _ = logger.WithTenantID(ctx, logger.FromContext(ctx), tenantID)
			c.Request = c.Request.WithContext(ctx)

			if cfg.Logger != nil {
				cfg.Logger.Debug("Tenant identified", zap.String("tenant_id", tenantID))
			}
		}

		c.Next()
	}
}

// OptionalTenant creates middleware that doesn't require tenant context
func OptionalTenant() gin.HandlerFunc {
	cfg := DefaultTenantConfig()
	cfg.Required = false
	return TenantWithConfig(cfg)
}

// GetTenantID retrieves the tenant ID from gin.Context
func GetTenantID(c *gin.Context) string {
	if tenantID, exists := c.Get(TenantIDKey); exists {
		if tid, ok := tenantID.(string); ok {
			return tid
		}
	}
	return ""
}

// GetPrincipalUUID retrieves the principal ID from gin.Context,
// uuid.Nil when none was provided.
func GetPrincipalUUID(c *gin.Context) uuid.UUID {
	if v, exists := c.Get(PrincipalIDKey); exists {
		if pid, ok := v.(string); ok {
			if id, err := uuid.Parse(pid); err == nil {
				return id
			}
		}
	}
	return uuid.Nil
}

// GetTenantUUID retrieves the tenant ID as UUID from gin.Context.
// Returns uuid.Nil when no tenant has been identified.
func GetTenantUUID(c *gin.Context) (uuid.UUID, error) {
	tenantID := GetTenantID(c)
	if tenantID == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(tenantID)
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized,
		dto.NewErrorResponseWithRequestID(dto.ErrCodeUnauthorized, message, GetRequestID(c)))
}
