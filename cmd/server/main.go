package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	appgov "github.com/crm/backend/internal/application/governance"
	"github.com/crm/backend/internal/domain/billing"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/crm/backend/internal/infrastructure/ratelimit"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/crm/backend/internal/interfaces/http/handler"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/crm/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log := logger.New(cfg.Log)
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting CRM backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("usage_store", cfg.Governance.StoreBackend),
	)

	ctx := context.Background()

	// Telemetry
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := meterProvider.Shutdown(ctx); err != nil {
			log.Error("Error shutting down telemetry", zap.Error(err))
		}
	}()

	// Usage counter store and subscription source
	usageStore, subscriptions, cleanup, err := buildStores(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize usage store", zap.Error(err))
	}
	defer cleanup()

	// Governance pipeline
	limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Governance.RatePolicies(),
		ratelimit.WithLogger(log),
		ratelimit.WithSweepInterval(cfg.Governance.SweepInterval),
	)
	if err != nil {
		log.Fatal("Invalid rate limit configuration", zap.Error(err))
	}
	defer limiter.Close()

	resolver := billing.MustNewLimitResolver(billing.DefaultLimitTable(), billing.DefaultFeatureTable())
	for tenant, categories := range cfg.Governance.TenantOverrides {
		tenantID, err := uuid.Parse(tenant)
		if err != nil {
			log.Fatal("Invalid tenant ID in governance.tenant_overrides",
				zap.String("tenant", tenant), zap.Error(err))
		}
		for category, limit := range categories {
			if err := resolver.SetTenantOverride(tenantID,
				billing.QuotaCategory(strings.ToUpper(category)), limit); err != nil {
				log.Fatal("Invalid tenant override",
					zap.String("tenant", tenant),
					zap.String("category", category),
					zap.Error(err))
			}
		}
	}

	tracker, err := appgov.NewQuotaTracker(usageStore, resolver,
		appgov.WithTrackerLogger(log),
		appgov.WithSoftLimitPercent(cfg.Governance.SoftLimitPercent),
	)
	if err != nil {
		log.Fatal("Failed to initialize quota tracker", zap.Error(err))
	}

	engineOpts := []appgov.EngineOption{appgov.WithEngineLogger(log)}
	if meterProvider.IsEnabled() {
		govMetrics, err := telemetry.NewGovernanceMetrics(meterProvider.Meter("governance"), log)
		if err != nil {
			log.Fatal("Failed to initialize governance metrics", zap.Error(err))
		}
		engineOpts = append(engineOpts, appgov.WithEngineMetrics(govMetrics))
	}
	engine, err := appgov.NewEngine(limiter, tracker, engineOpts...)
	if err != nil {
		log.Fatal("Failed to initialize governance engine", zap.Error(err))
	}

	statsCache := cache.NewStatsCache(
		cache.WithTTL(cfg.Governance.StatsCacheTTL),
		cache.WithCacheLogger(log),
	)
	defer func() {
		_ = statsCache.Close()
	}()

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginEngine := gin.New()
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := ginEngine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Fatal("Invalid trusted proxy configuration", zap.Error(err))
		}
	}

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.HTTP.CORSAllowOrigins

	ginEngine.Use(
		logger.GinRecovery(log),
		middleware.RequestID(),
		logger.GinMiddleware(log),
		middleware.CORSWithConfig(corsCfg),
		middleware.Tenant(),
	)

	govHandler := handler.NewGovernanceHandler(engine, subscriptions, statsCache, cfg.Governance.StatsCacheTTL, log)
	sysHandler := handler.NewSystemHandler(version)

	r := router.NewRouter(ginEngine)
	r.Register(govHandler).Register(sysHandler)
	r.Setup()

	ginEngine.GET("/health", sysHandler.Health)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        ginEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// buildStores selects the usage counter store and subscription source
// for the configured backend. Postgres persists both; the memory and
// redis backends keep subscriptions in process.
func buildStores(cfg *config.Config, log *zap.Logger) (billing.UsageCounterStore, billing.SubscriptionRepository, func(), error) {
	noop := func() {}

	switch cfg.Governance.StoreBackend {
	case "postgres":
		db, err := persistence.NewDatabase(&cfg.Database, log)
		if err != nil {
			return nil, nil, noop, err
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, nil, noop, err
		}
		cleanup := func() {
			if err := db.Close(); err != nil {
				log.Error("Error closing database", zap.Error(err))
			}
		}
		return persistence.NewUsageCounterRepository(db.DB),
			persistence.NewSubscriptionRepository(db.DB), cleanup, nil

	case "redis":
		store, err := persistence.NewRedisUsageStore(persistence.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, noop, err
		}
		return store, persistence.NewMemorySubscriptionStore(), noop, nil

	default:
		return persistence.NewMemoryUsageStore(), persistence.NewMemorySubscriptionStore(), noop, nil
	}
}
