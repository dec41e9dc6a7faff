package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/governance"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	HTTP       HTTPConfig
	Governance GovernanceConfig
	Telemetry  TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int    // in minutes
	ConnMaxIdleTime int    // in minutes
	LogLevel        string // silent, error, warn, info
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// GovernanceConfig holds the admission policy configuration: which
// counter store backs quotas, the per-action rate policies, and the
// usage dashboard cache.
type GovernanceConfig struct {
	// StoreBackend selects the usage counter store: memory, postgres
	// or redis.
	StoreBackend string

	// SoftLimitPercent is the warning threshold as a percentage of the
	// hard quota limit.
	SoftLimitPercent float64

	// StatsCacheTTL bounds staleness of cached usage dashboards.
	StatsCacheTTL time.Duration

	// SweepInterval controls rate limiter bucket reclamation.
	SweepInterval time.Duration

	// RateLimits maps action names to their fixed-window policies.
	RateLimits map[string]RateLimitConfig

	// TenantOverrides installs per-tenant quota limits that win over
	// the plan defaults, keyed by tenant UUID then category name.
	TenantOverrides map[string]map[string]int64
}

// RateLimitConfig is one action's fixed-window policy as configured.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string // OTEL Collector endpoint (e.g., "localhost:4317")
	ExportInterval    time.Duration
	ServiceName       string
	Insecure          bool // Use insecure (non-TLS) connection (development only)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with CRM_ prefix (e.g., CRM_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("CRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Governance: GovernanceConfig{
			StoreBackend:     v.GetString("governance.store_backend"),
			SoftLimitPercent: v.GetFloat64("governance.soft_limit_percent"),
			StatsCacheTTL:    v.GetDuration("governance.stats_cache_ttl"),
			SweepInterval:    v.GetDuration("governance.sweep_interval"),
			RateLimits:       parseRateLimits(v.GetStringMap("governance.rate_limits")),
			TenantOverrides:  parseTenantOverrides(v.GetStringMap("governance.tenant_overrides")),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseRateLimits converts the raw viper map into typed policies. Action
// names containing dots must be quoted in TOML, e.g. ["lead.create"].
func parseRateLimits(raw map[string]any) map[string]RateLimitConfig {
	if len(raw) == 0 {
		return nil
	}
	limits := make(map[string]RateLimitConfig, len(raw))
	for action, value := range raw {
		entry := cast.ToStringMap(value)
		limits[action] = RateLimitConfig{
			MaxRequests: cast.ToInt(entry["max_requests"]),
			Window:      cast.ToDuration(entry["window"]),
		}
	}
	return limits
}

// parseTenantOverrides converts the raw viper map into per-tenant limit
// overrides. Viper lowercases keys, so category names are matched
// case-insensitively by the wiring that applies them.
func parseTenantOverrides(raw map[string]any) map[string]map[string]int64 {
	if len(raw) == 0 {
		return nil
	}
	overrides := make(map[string]map[string]int64, len(raw))
	for tenant, value := range raw {
		categories := cast.ToStringMap(value)
		limits := make(map[string]int64, len(categories))
		for category, limit := range categories {
			limits[category] = cast.ToInt64(limit)
		}
		overrides[tenant] = limits
	}
	return overrides
}

// DefaultRateLimits returns the built-in per-action policies used when
// the config file defines none.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		string(governance.ActionAPIRequest):        {MaxRequests: 100, Window: time.Minute},
		string(governance.ActionLeadCreate):        {MaxRequests: 30, Window: time.Minute},
		string(governance.ActionPropertyCreate):    {MaxRequests: 30, Window: time.Minute},
		string(governance.ActionCampaignCreate):    {MaxRequests: 10, Window: time.Minute},
		string(governance.ActionAIImageGenerate):   {MaxRequests: 10, Window: time.Hour},
		string(governance.ActionAIContentGenerate): {MaxRequests: 25, Window: time.Hour},
		string(governance.ActionSiteAudit):         {MaxRequests: 25, Window: 24 * time.Hour},
	}
}

// RatePolicies converts the configured limits into domain policies.
func (g *GovernanceConfig) RatePolicies() map[governance.Action]governance.RatePolicy {
	policies := make(map[governance.Action]governance.RatePolicy, len(g.RateLimits))
	for action, limit := range g.RateLimits {
		policies[governance.Action(action)] = governance.RatePolicy{
			MaxRequests: limit.MaxRequests,
			Window:      limit.Window,
		}
	}
	return policies
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "crm-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "crm"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Tenant-ID"}
	}
	if cfg.Governance.StoreBackend == "" {
		cfg.Governance.StoreBackend = "memory"
	}
	if cfg.Governance.SoftLimitPercent == 0 {
		cfg.Governance.SoftLimitPercent = 80.0
	}
	if cfg.Governance.StatsCacheTTL == 0 {
		cfg.Governance.StatsCacheTTL = 5 * time.Minute
	}
	if cfg.Governance.SweepInterval == 0 {
		cfg.Governance.SweepInterval = time.Minute
	}
	if len(cfg.Governance.RateLimits) == 0 {
		cfg.Governance.RateLimits = DefaultRateLimits()
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "crm-backend"
	}
}

// validate performs validation on the configuration. A malformed policy
// table is a deployment defect and must stop the process at startup.
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.Governance.StoreBackend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("governance.store_backend must be memory, postgres or redis, got %q", c.Governance.StoreBackend)
	}
	if c.Governance.SoftLimitPercent < 0 || c.Governance.SoftLimitPercent > 100 {
		return fmt.Errorf("governance.soft_limit_percent must be between 0 and 100, got %f", c.Governance.SoftLimitPercent)
	}
	for name, limit := range c.Governance.RateLimits {
		action := governance.Action(name)
		if err := action.Validate(); err != nil {
			return fmt.Errorf("governance.rate_limits: invalid action %q: %w", name, err)
		}
		policy := governance.RatePolicy{MaxRequests: limit.MaxRequests, Window: limit.Window}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("governance.rate_limits[%q]: %w", name, err)
		}
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Governance.StoreBackend == "memory" {
			return fmt.Errorf("governance.store_backend 'memory' loses counters on restart and is not allowed in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
