// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for development; production
// refuses to start on a missing or weak key and on unsafe settings.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/authz"
)

// MinKeyLength is the minimum master key size in bytes.
const MinKeyLength = 32

// devSecretKey is used only in development when SECRET_KEY is unset.
const devSecretKey = "gatekeeper-development-key-NOT-FOR-PRODUCTION"

// Storage backends for sessions, state nonces and rate-limit counters.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all application configuration. Populated from environment
// variables at startup. Passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment. Only "development" (any case) enables
	// development mode; everything else is treated as production.
	Env string

	// Port is the HTTP listen port (default: 8080).
	Port int

	// BaseURL is the public-facing URL used to build OAuth redirect URIs.
	BaseURL string

	// LogLevel controls log verbosity: "debug", "info", "warn", "error".
	LogLevel string

	// TrustedProxies lists CIDRs whose forwarding headers are believed.
	TrustedProxies []string

	// CORSOrigins lists origins allowed to call the API with credentials.
	CORSOrigins []string

	// Database holds MariaDB connection settings.
	Database DatabaseConfig

	// Redis holds Redis connection settings.
	Redis RedisConfig

	// Auth holds key material and auth-flow settings.
	Auth AuthConfig

	// Session holds session store settings.
	Session SessionConfig

	// RateLimit holds the per-IP limit for the auth endpoints.
	RateLimit RateLimitConfig

	// Providers holds identity provider credentials.
	Providers ProvidersConfig

	// Audit holds audit persistence settings.
	Audit AuditConfig
}

// DatabaseConfig holds MariaDB connection parameters. Individual fields
// (Host, User, Password, Name) are read from separate env vars so
// container orchestrators can manage each independently.
// If DATABASE_URL is set, it takes precedence over the individual fields.
type DatabaseConfig struct {
	// Host is the MariaDB address in host:port format (default: "localhost:3306").
	// If no port is specified, 3306 is appended automatically.
	Host string

	// User is the MariaDB username (default: "gatekeeper").
	User string

	// Password is the MariaDB password (default: "gatekeeper").
	Password string

	// Name is the database name (default: "gatekeeper").
	Name string

	// dsnOverride is set when DATABASE_URL is provided, bypassing individual fields.
	dsnOverride string

	// MaxOpenConns is the maximum number of open connections in the pool.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections in the pool.
	MaxIdleConns int

	// ConnMaxLifetime is how long a connection can be reused.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime closes pooled connections idle this long. Audit
	// writes are bursty, so idle connections are released early.
	ConnMaxIdleTime time.Duration

	// ConnectAttempts is how many pings are tried at startup before giving up.
	ConnectAttempts int

	// MigrationsPath is the directory holding the *.up.sql files.
	MigrationsPath string
}

// DSN returns the go-sql-driver/mysql connection string. If DATABASE_URL was
// set, it is returned as-is. Otherwise the DSN is built from the individual
// Host/User/Password/Name fields using the driver's Config.FormatDSN()
// to safely handle special characters in passwords.
func (d DatabaseConfig) DSN() string {
	if d.dsnOverride != "" {
		return d.dsnOverride
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = ensurePort(d.Host, "3306")
	cfg.DBName = d.Name
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ensurePort appends the default port if the host string doesn't include one.
// Allows users to set DB_HOST=mydb (gets :3306) or DB_HOST=mydb:3307 (as-is).
func ensurePort(host, defaultPort string) string {
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, defaultPort)
	}
	return host
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	// Ignored when ClusterAddrs is set.
	URL string

	// ClusterAddrs lists Redis Cluster seed nodes (host:port). When set,
	// sessions, nonces and rate limits are spread across the cluster.
	ClusterAddrs []string

	// Password authenticates against the cluster nodes. URL carries its
	// own credentials.
	Password string

	// ConnectAttempts is how many pings are tried at startup before giving up.
	ConnectAttempts int
}

// AuthConfig holds key material and auth-flow settings.
type AuthConfig struct {
	// SecretKey is the master key, at least 32 bytes. Never logged.
	SecretKey []byte

	// PreviousKey is the key being rotated out. Records sealed with it
	// still open. Optional.
	PreviousKey []byte

	// UsingDevKey is true when SecretKey is the built-in development key.
	UsingDevKey bool

	// StateTTL bounds how long a login may take between redirect and callback.
	StateTTL time.Duration

	// ProviderTimeout bounds each call to an identity provider.
	ProviderTimeout time.Duration

	// AnonDevCapabilities grants anonymous callers the wider development
	// set. Rejected in production.
	AnonDevCapabilities bool
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	TTL             time.Duration
	MaxPerUser      int
	CleanupInterval time.Duration
	Backend         string
}

// RateLimitConfig is the per-IP budget for login and callback requests.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Backend  string
}

// ProviderConfig holds one provider's OAuth client credentials.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Enabled reports whether the provider has a client id.
func (p ProviderConfig) Enabled() bool { return p.ClientID != "" }

// ProvidersConfig holds credentials for every supported provider.
type ProvidersConfig struct {
	Google    ProviderConfig
	Microsoft ProviderConfig
	GitHub    ProviderConfig
	Apple     ProviderConfig

	MicrosoftTenant string

	AppleTeamID     string
	AppleKeyID      string
	ApplePrivateKey string
}

// AuditConfig holds audit settings.
type AuditConfig struct {
	// DB enables the auth_audit table in MariaDB.
	DB bool

	// Retention is how long persisted entries are kept.
	Retention time.Duration

	// BufferSize is the dispatcher queue length.
	BufferSize int
}

// ConfigError lists every problem found while loading. It matches
// apperror.ErrConfig with errors.Is.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Is makes errors.Is(err, apperror.ErrConfig) true.
func (e *ConfigError) Is(target error) bool { return target == apperror.ErrConfig }

// Load reads configuration from environment variables with sensible defaults.
// Returns a *ConfigError describing every unsafe or missing setting.
func Load() (*Config, error) {
	cfg := &Config{
		Env:            getEnv("ENV", "development"),
		Port:           getEnvInt("PORT", 8080),
		BaseURL:        strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:       getEnv("LOG_LEVEL", "debug"),
		TrustedProxies: getEnvList("TRUSTED_PROXIES", []string{"127.0.0.1/8", "::1/128"}),
		CORSOrigins:    getEnvList("CORS_ORIGINS", nil),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost:3306"),
			User:            getEnv("DB_USER", "gatekeeper"),
			Password:        getEnv("DB_PASSWORD", "gatekeeper"),
			Name:            getEnv("DB_NAME", "gatekeeper"),
			dsnOverride:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", time.Minute),
			ConnectAttempts: getEnvInt("DB_CONNECT_ATTEMPTS", 10),
			MigrationsPath:  getEnv("MIGRATIONS_PATH", "db/migrations"),
		},

		Redis: RedisConfig{
			URL:             getEnv("REDIS_URL", "redis://localhost:6379"),
			ClusterAddrs:    getEnvList("REDIS_CLUSTER_ADDRS", nil),
			Password:        getEnv("REDIS_PASSWORD", ""),
			ConnectAttempts: getEnvInt("REDIS_CONNECT_ATTEMPTS", 5),
		},

		Auth: AuthConfig{
			StateTTL:            getEnvDuration("STATE_TTL", 10*time.Minute),
			ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
			AnonDevCapabilities: getEnvBool("ANON_DEV_CAPABILITIES", false),
		},

		Session: SessionConfig{
			TTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
			MaxPerUser:      getEnvInt("SESSION_MAX_PER_USER", 5),
			CleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute),
			Backend:         strings.ToLower(getEnv("SESSION_BACKEND", BackendMemory)),
		},

		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			Backend:  strings.ToLower(getEnv("RATE_LIMIT_BACKEND", BackendMemory)),
		},

		Providers: ProvidersConfig{
			Google:          loadProvider("GOOGLE"),
			Microsoft:       loadProvider("MICROSOFT"),
			GitHub:          loadProvider("GITHUB"),
			Apple:           loadProvider("APPLE"),
			MicrosoftTenant: getEnv("MICROSOFT_TENANT", "common"),
			AppleTeamID:     getEnv("APPLE_TEAM_ID", ""),
			AppleKeyID:      getEnv("APPLE_KEY_ID", ""),
			// Env files often carry PEM blocks with escaped newlines.
			ApplePrivateKey: strings.ReplaceAll(getEnv("APPLE_PRIVATE_KEY", ""), `\n`, "\n"),
		},

		Audit: AuditConfig{
			DB:         getEnvBool("AUDIT_DB", false),
			Retention:  getEnvDuration("AUDIT_RETENTION", 90*24*time.Hour),
			BufferSize: getEnvInt("AUDIT_BUFFER", 512),
		},
	}

	var problems []string

	key, err := decodeKey(getEnv("SECRET_KEY", ""))
	if err != nil {
		problems = append(problems, "SECRET_KEY: "+err.Error())
	}
	cfg.Auth.SecretKey = key

	if prev := getEnv("SECRET_KEY_PREVIOUS", ""); prev != "" {
		pk, err := decodeKey(prev)
		if err != nil {
			problems = append(problems, "SECRET_KEY_PREVIOUS: "+err.Error())
		}
		cfg.Auth.PreviousKey = pk
	}

	if len(cfg.Auth.SecretKey) == 0 {
		if cfg.IsDevelopment() {
			cfg.Auth.SecretKey = []byte(devSecretKey)
			cfg.Auth.UsingDevKey = true
		} else {
			problems = append(problems, "SECRET_KEY is required in production")
		}
	}

	problems = append(problems, cfg.validate()...)
	if len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}
	return cfg, nil
}

// validate checks settings that do not depend on key decoding.
func (c *Config) validate() []string {
	var problems []string

	if !c.IsDevelopment() && c.Auth.AnonDevCapabilities {
		problems = append(problems, "ANON_DEV_CAPABILITIES must not be enabled in production")
	}

	if c.Session.TTL <= 0 {
		problems = append(problems, "SESSION_TTL must be positive")
	}
	if c.Session.MaxPerUser <= 0 {
		problems = append(problems, "SESSION_MAX_PER_USER must be positive")
	}
	if c.Session.CleanupInterval <= 0 {
		problems = append(problems, "SESSION_CLEANUP_INTERVAL must be positive")
	}
	if c.Auth.StateTTL <= 0 {
		problems = append(problems, "STATE_TTL must be positive")
	}
	if c.Auth.ProviderTimeout <= 0 {
		problems = append(problems, "PROVIDER_TIMEOUT must be positive")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		problems = append(problems, "RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}

	backends := []struct{ env, value string }{
		{"SESSION_BACKEND", c.Session.Backend},
		{"RATE_LIMIT_BACKEND", c.RateLimit.Backend},
	}
	for _, b := range backends {
		if b.value != BackendMemory && b.value != BackendRedis {
			problems = append(problems, fmt.Sprintf("%s must be %q or %q", b.env, BackendMemory, BackendRedis))
		}
	}

	secretProviders := []struct {
		prefix string
		cfg    ProviderConfig
	}{
		{"GOOGLE", c.Providers.Google},
		{"MICROSOFT", c.Providers.Microsoft},
		{"GITHUB", c.Providers.GitHub},
	}
	for _, p := range secretProviders {
		if (p.cfg.ClientID == "") != (p.cfg.ClientSecret == "") {
			problems = append(problems, p.prefix+"_CLIENT_ID and "+p.prefix+"_CLIENT_SECRET must be set together")
		}
	}
	apple := []string{c.Providers.Apple.ClientID, c.Providers.AppleTeamID, c.Providers.AppleKeyID, c.Providers.ApplePrivateKey}
	set := 0
	for _, v := range apple {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != len(apple) {
		problems = append(problems, "APPLE_CLIENT_ID, APPLE_TEAM_ID, APPLE_KEY_ID and APPLE_PRIVATE_KEY must be set together")
	}

	return problems
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Mode() == authz.Development
}

// Mode is the deployment mode used for capability resolution.
func (c *Config) Mode() authz.Mode {
	return authz.ParseMode(c.Env)
}

// RedirectURL returns the callback URL for provider, preferring an explicit
// <P>_REDIRECT_URL over one derived from BASE_URL.
func (c *Config) RedirectURL(provider string, p ProviderConfig) string {
	if p.RedirectURL != "" {
		return p.RedirectURL
	}
	return c.BaseURL + "/auth/callback/" + provider
}

// NeedsRedis reports whether any component is configured for Redis.
func (c *Config) NeedsRedis() bool {
	return c.Session.Backend == BackendRedis || c.RateLimit.Backend == BackendRedis
}

// decodeKey accepts standard or URL-safe base64 (padded or not) when it
// decodes to at least MinKeyLength bytes, and otherwise the raw string.
func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= MinKeyLength {
			return b, nil
		}
	}
	if len(s) < MinKeyLength {
		return nil, errors.New("key must be at least 32 bytes")
	}
	return []byte(s), nil
}

func loadProvider(prefix string) ProviderConfig {
	return ProviderConfig{
		ClientID:     getEnv(prefix+"_CLIENT_ID", ""),
		ClientSecret: getEnv(prefix+"_CLIENT_SECRET", ""),
		RedirectURL:  getEnv(prefix+"_REDIRECT_URL", ""),
		Scopes:       getEnvList(prefix+"_SCOPES", nil),
	}
}

// --- Helper functions for reading environment variables ---

// getEnv reads a string env var or returns the default.
func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer env var or returns the default.
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool reads a boolean env var ("true", "1", ...) or returns the default.
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration reads a duration env var (e.g., "720h") or returns the default.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList reads a comma-separated env var, dropping empty items.
func getEnvList(key string, defaultVal []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
