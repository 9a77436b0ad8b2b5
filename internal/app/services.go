package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/gatekeeper/internal/authz"
	"github.com/keyxmakerx/gatekeeper/internal/config"
	"github.com/keyxmakerx/gatekeeper/internal/csrf"
	"github.com/keyxmakerx/gatekeeper/internal/fieldcrypt"
	"github.com/keyxmakerx/gatekeeper/internal/metrics"
	"github.com/keyxmakerx/gatekeeper/internal/oauth"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/audit"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/auth"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/scripts"
	"github.com/keyxmakerx/gatekeeper/internal/ratelimit"
	"github.com/keyxmakerx/gatekeeper/internal/sandbox"
	"github.com/keyxmakerx/gatekeeper/internal/session"
)

// Redis key prefixes for the nonce stores. Sessions and rate-limit
// counters carry their own.
const (
	csrfNoncePrefix  = "gatekeeper:csrf:"
	stateNoncePrefix = "gatekeeper:state:"
)

// csrfTokenTTL bounds how long a rendered form stays submittable.
const csrfTokenTTL = 2 * time.Hour

// Services holds every long-lived component built from the config. It is
// created once in main.go and handed to New.
type Services struct {
	Keyring    *fieldcrypt.Keyring
	Sessions   *session.Store
	CSRF       *csrf.Protector
	States     *csrf.StateManager
	Limiter    ratelimit.Limiter
	Providers  *oauth.Registry
	Resolver   *authz.Resolver
	Metrics    *metrics.Metrics
	Dispatcher *audit.Dispatcher
	Audit      audit.AuditService
	Auth       auth.AuthService
	Scripts    scripts.ScriptService
	Host       *sandbox.Registry
	Sweeper    *session.Sweeper

	sweeping bool
}

// NewServices wires the components together. db and rdb may be nil when
// the config does not call for them. The sweeper is created but not
// started.
func NewServices(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient) (*Services, error) {
	if cfg.NeedsRedis() && rdb == nil {
		return nil, fmt.Errorf("redis backend configured but no redis client given")
	}
	useRedis := cfg.Session.Backend == config.BackendRedis

	s := &Services{Metrics: metrics.New()}

	keyring, err := buildKeyring(cfg.Auth)
	if err != nil {
		return nil, err
	}
	s.Keyring = keyring

	// --- Audit ---
	var repo audit.AuditRepository
	sinks := audit.MultiSink{audit.SlogSink{Logger: slog.Default().With(slog.String("component", "audit"))}, s.Metrics}
	if cfg.Audit.DB && db != nil {
		repo = audit.NewAuditRepository(db)
		sinks = append(sinks, audit.RepositorySink{Repo: repo})
	}
	s.Dispatcher = audit.NewDispatcher(audit.DispatcherConfig{BufferSize: cfg.Audit.BufferSize, DropIfFull: true}, sinks)
	s.Audit = audit.NewAuditService(s.Dispatcher, repo, cfg.Audit.Retention)

	// --- Sessions ---
	var sessionRepo session.Repository
	var csrfNonces, stateNonces csrf.NonceStore
	if useRedis {
		sessionRepo = session.NewRedisRepository(rdb, 0)
		csrfNonces = csrf.NewRedisNonceStore(rdb, csrfNoncePrefix)
		stateNonces = csrf.NewRedisNonceStore(rdb, stateNoncePrefix)
	} else {
		sessionRepo = session.NewMemoryRepository()
		csrfNonces = csrf.NewMemoryNonceStore()
		stateNonces = csrf.NewMemoryNonceStore()
	}

	s.Sessions, err = session.NewStore(sessionRepo, keyring, session.Options{
		TTL:        cfg.Session.TTL,
		MaxPerUser: cfg.Session.MaxPerUser,
		Observer:   session.Observers{s.Metrics, auth.SessionAuditor{Audit: s.Audit}},
	})
	if err != nil {
		return nil, err
	}

	// --- CSRF and OAuth state ---
	csrfKey, err := fieldcrypt.DeriveKey(cfg.Auth.SecretKey, "csrf")
	if err != nil {
		return nil, err
	}
	if s.CSRF, err = csrf.NewProtector(csrfKey, csrfTokenTTL, csrfNonces); err != nil {
		return nil, err
	}
	stateKey, err := fieldcrypt.DeriveKey(cfg.Auth.SecretKey, "oauth-state")
	if err != nil {
		return nil, err
	}
	if s.States, err = csrf.NewStateManager(stateKey, cfg.Auth.StateTTL, stateNonces, keyring); err != nil {
		return nil, err
	}

	// --- Rate limiting ---
	limitCfg := ratelimit.Config{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}
	var memLimiter *ratelimit.MemoryLimiter
	if cfg.RateLimit.Backend == config.BackendRedis {
		if s.Limiter, err = ratelimit.NewRedisLimiter(rdb, "ip", limitCfg); err != nil {
			return nil, err
		}
	} else {
		if memLimiter, err = ratelimit.NewMemoryLimiter(limitCfg); err != nil {
			return nil, err
		}
		s.Limiter = memLimiter
	}

	// --- Providers and capabilities ---
	if s.Providers, err = buildProviders(cfg); err != nil {
		return nil, err
	}
	if len(s.Providers.Names()) == 0 {
		slog.Warn("no identity providers configured, sign-in is disabled")
	}

	var opts []authz.Option
	if cfg.Auth.AnonDevCapabilities {
		opts = append(opts, authz.WithWideAnonymous())
	}
	if s.Resolver, err = authz.NewResolver(cfg.Mode(), opts...); err != nil {
		return nil, err
	}

	// --- Auth ---
	s.Auth, err = auth.NewAuthService(auth.ServiceConfig{
		Sessions:  s.Sessions,
		States:    s.States,
		Providers: s.Providers,
		Resolver:  s.Resolver,
		Limiter:   s.Limiter,
		Audit:     s.Audit,
		RedirectURL: func(provider string) string {
			return cfg.RedirectURL(provider, providerConfig(cfg, provider))
		},
	})
	if err != nil {
		return nil, err
	}

	// --- Script catalog ---
	s.Scripts = scripts.NewScriptService(scripts.NewMemoryRepository())
	if s.Host, err = sandbox.NewRegistry(scripts.Bindings(s.Scripts)...); err != nil {
		return nil, err
	}

	// --- Background cleanup ---
	tasks := []session.SweepTask{
		{Name: "sessions", Run: s.Sessions.CleanupExpired},
		{Name: "csrf_nonces", Run: s.CSRF.Cleanup},
		{Name: "state_nonces", Run: s.States.Cleanup},
		{Name: "audit", Run: s.Audit.Prune},
	}
	if memLimiter != nil {
		tasks = append(tasks, session.SweepTask{Name: "rate_limit", Run: memLimiter.Prune})
	}
	s.Sweeper = session.NewSweeper(slog.Default().With(slog.String("component", "sweeper")), cfg.Session.CleanupInterval, tasks...)
	s.Sweeper.OnSweep = s.Metrics.ObserveSweep

	return s, nil
}

// StartBackground starts the periodic cleanup loop.
func (s *Services) StartBackground() {
	s.Sweeper.Start()
	s.sweeping = true
}

// Close stops background work in dependency order: no new sweeps, pending
// provider revocations, then whatever audit entries are still queued.
func (s *Services) Close() {
	if s.sweeping {
		s.Sweeper.Stop()
		s.sweeping = false
	}
	s.Auth.Close()
	s.Dispatcher.Close()
}

// RecordRateLimit returns a RateLimit onLimit hook that audits the trip
// under scope.
func (s *Services) RecordRateLimit(scope string) func(c echo.Context) {
	return func(c echo.Context) {
		s.recordRequest(c, audit.Entry{
			Action:  audit.ActionRateLimited,
			UserID:  auth.GetUserID(c),
			IP:      c.RealIP(),
			Reason:  "rate_limited",
			Details: map[string]string{"scope": scope},
		})
	}
}

// recordRequest audits e on behalf of the request in c. A failed record
// never fails the request; it is logged instead.
func (s *Services) recordRequest(c echo.Context, e audit.Entry) {
	if err := s.Audit.Record(context.WithoutCancel(c.Request().Context()), e); err != nil {
		slog.Warn("failed to record audit entry",
			slog.String("action", e.Action),
			slog.String("path", c.Request().URL.Path),
			slog.Any("error", err),
		)
	}
}

// buildKeyring derives the session-encryption keys from the master key.
// Records sealed under the previous scheme version stay readable: they
// use PreviousKey when one is configured, otherwise SecretKey.
func buildKeyring(a config.AuthConfig) (*fieldcrypt.Keyring, error) {
	material, err := fieldcrypt.DeriveKey(a.SecretKey, "session")
	if err != nil {
		return nil, err
	}
	current, err := fieldcrypt.NewKey(fieldcrypt.CurrentVersion, material)
	if err != nil {
		return nil, err
	}

	legacySecret := a.SecretKey
	if len(a.PreviousKey) > 0 {
		legacySecret = a.PreviousKey
	}
	legacyMaterial, err := fieldcrypt.DeriveKey(legacySecret, "session")
	if err != nil {
		return nil, err
	}
	legacy, err := fieldcrypt.NewKey(fieldcrypt.VersionAESGCM, legacyMaterial)
	if err != nil {
		return nil, err
	}
	return fieldcrypt.NewKeyring(current, legacy)
}

// buildProviders creates a provider for every configured client.
func buildProviders(cfg *config.Config) (*oauth.Registry, error) {
	p := cfg.Providers
	var list []oauth.Provider

	if p.Google.Enabled() {
		g, err := oauth.NewGoogle(oauthConfig(cfg, "google", p.Google))
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	if p.Microsoft.Enabled() {
		m, err := oauth.NewMicrosoft(oauthConfig(cfg, "microsoft", p.Microsoft), p.MicrosoftTenant)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	if p.GitHub.Enabled() {
		g, err := oauth.NewGitHub(oauthConfig(cfg, "github", p.GitHub))
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	if p.Apple.Enabled() {
		a, err := oauth.NewApple(oauthConfig(cfg, "apple", p.Apple), oauth.AppleKey{
			TeamID:     p.AppleTeamID,
			KeyID:      p.AppleKeyID,
			PrivateKey: []byte(p.ApplePrivateKey),
		})
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}

	return oauth.NewRegistry(list...)
}

func oauthConfig(cfg *config.Config, name string, p config.ProviderConfig) oauth.Config {
	return oauth.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  cfg.RedirectURL(name, p),
		Scopes:       p.Scopes,
		Timeout:      cfg.Auth.ProviderTimeout,
	}
}

func providerConfig(cfg *config.Config, name string) config.ProviderConfig {
	switch name {
	case "google":
		return cfg.Providers.Google
	case "microsoft":
		return cfg.Providers.Microsoft
	case "github":
		return cfg.Providers.GitHub
	case "apple":
		return cfg.Providers.Apple
	}
	return config.ProviderConfig{}
}
