package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTenantRouter(cfg TenantConfig) *gin.Engine {
	r := gin.New()
	r.Use(TenantWithConfig(cfg))
	r.GET("/resource", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant_id": GetTenantID(c)})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func TestTenantFromHeader(t *testing.T) {
	r := newTenantRouter(DefaultTenantConfig())
	tenant := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(TenantHeaderKey, tenant)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tenant)
}

func TestTenantClaimWinsOverHeader(t *testing.T) {
	claimTenant := uuid.NewString()
	headerTenant := uuid.NewString()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ClaimTenantKey, claimTenant)
	})
	r.Use(Tenant())
	r.GET("/resource", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant_id": GetTenantID(c)})
	})

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(TenantHeaderKey, headerTenant)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), claimTenant)
	assert.NotContains(t, w.Body.String(), headerTenant)
}

func TestTenantMissingRejected(t *testing.T) {
	r := newTenantRouter(DefaultTenantConfig())

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "ERR_UNAUTHORIZED")
}

func TestTenantMalformedRejected(t *testing.T) {
	r := newTenantRouter(DefaultTenantConfig())

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.Header.Set(TenantHeaderKey, "not-a-uuid")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTenantSkipPaths(t *testing.T) {
	r := newTenantRouter(DefaultTenantConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOptionalTenant(t *testing.T) {
	cfg := DefaultTenantConfig()
	cfg.Required = false
	r := newTenantRouter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDGenerated(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDPreserved(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "upstream-id", w.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://app.example.com"}

	r := gin.New()
	r.Use(CORSWithConfig(cfg))
	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSUnknownOriginGetsNoHeaders(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://app.example.com"}

	r := gin.New()
	r.Use(CORSWithConfig(cfg))
	r.GET("/", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
