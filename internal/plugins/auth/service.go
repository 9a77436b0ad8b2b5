package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/authz"
	"github.com/keyxmakerx/gatekeeper/internal/oauth"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/audit"
	"github.com/keyxmakerx/gatekeeper/internal/ratelimit"
	"github.com/keyxmakerx/gatekeeper/internal/session"
)

// DefaultRevokeTimeout bounds one background provider revocation.
const DefaultRevokeTimeout = 10 * time.Second

// rateLimitScope prefixes limiter keys for login traffic.
const rateLimitScope = "login"

// SessionStore is the subset of *session.Store the service needs.
type SessionStore interface {
	Create(ctx context.Context, in session.CreateInput) (string, error)
	Validate(ctx context.Context, token, ip, userAgent string) (*session.Claims, error)
	Take(ctx context.Context, token string) (*session.Claims, error)
	InvalidateAll(ctx context.Context, userID string) (int, error)
	InvalidateRef(ctx context.Context, userID, ref string) (*session.Claims, error)
	ListForUser(ctx context.Context, userID string) ([]session.Info, error)
}

// StateStore issues and redeems OAuth state parameters. Implemented by
// *csrf.StateManager.
type StateStore interface {
	Generate(ctx context.Context, provider, ip, boundSession string, verifier []byte) (string, error)
	Validate(ctx context.Context, state, provider, ip, boundSession string) ([]byte, error)
}

// AuditRecorder receives auth events. Implemented by audit.AuditService.
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// AuthService handles the login handshake and session lifecycle.
type AuthService interface {
	// StartLogin issues a state for provider and returns the consent URL.
	StartLogin(ctx context.Context, provider, ip string) (*LoginStart, error)

	// HandleCallback finishes a login and returns the new session token.
	// The state is checked before any provider call.
	HandleCallback(ctx context.Context, in CallbackInput) (string, error)

	// ValidateSession resolves a session token into a UserContext.
	ValidateSession(ctx context.Context, token, ip, userAgent string) (*UserContext, error)

	// Anonymous returns the context for a caller without a session.
	Anonymous() *UserContext

	// Logout ends one session. Ending an unknown session is not an error.
	// Provider revocation runs in the background.
	Logout(ctx context.Context, token, ip string) error

	// LogoutAll ends every session of userID.
	LogoutAll(ctx context.Context, userID, ip string) (int, error)

	// RevokeSession ends one of userID's other sessions by its Ref, for
	// example one left open on another device. 404 when userID has no
	// session with that ref.
	RevokeSession(ctx context.Context, userID, ref, ip string) error

	// Sessions lists userID's live sessions.
	Sessions(ctx context.Context, userID string) ([]session.Info, error)

	// Providers lists the configured provider names.
	Providers() []string

	// Close waits for background revocations to finish.
	Close()
}

// ServiceConfig wires the service's collaborators.
type ServiceConfig struct {
	Sessions  SessionStore
	States    StateStore
	Providers *oauth.Registry
	Resolver  *authz.Resolver

	// Limiter throttles StartLogin and HandleCallback per IP. Optional.
	Limiter ratelimit.Limiter

	// Audit records auth events. Optional.
	Audit AuditRecorder

	// RedirectURL returns the callback URL registered for a provider.
	RedirectURL func(provider string) string

	RevokeTimeout time.Duration
}

// authService implements AuthService.
type authService struct {
	sessions      SessionStore
	states        StateStore
	providers     *oauth.Registry
	resolver      *authz.Resolver
	limiter       ratelimit.Limiter
	audit         AuditRecorder
	redirectURL   func(string) string
	revokeTimeout time.Duration

	revocations sync.WaitGroup
}

// NewAuthService creates the auth service. Sessions, States, Providers,
// Resolver and RedirectURL are required.
func NewAuthService(cfg ServiceConfig) (AuthService, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("%w: auth service needs a session store", apperror.ErrConfig)
	case cfg.States == nil:
		return nil, fmt.Errorf("%w: auth service needs a state store", apperror.ErrConfig)
	case cfg.Providers == nil:
		return nil, fmt.Errorf("%w: auth service needs a provider registry", apperror.ErrConfig)
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("%w: auth service needs a capability resolver", apperror.ErrConfig)
	case cfg.RedirectURL == nil:
		return nil, fmt.Errorf("%w: auth service needs a redirect URL builder", apperror.ErrConfig)
	}
	if cfg.RevokeTimeout <= 0 {
		cfg.RevokeTimeout = DefaultRevokeTimeout
	}
	return &authService{
		sessions:      cfg.Sessions,
		states:        cfg.States,
		providers:     cfg.Providers,
		resolver:      cfg.Resolver,
		limiter:       cfg.Limiter,
		audit:         cfg.Audit,
		redirectURL:   cfg.RedirectURL,
		revokeTimeout: cfg.RevokeTimeout,
	}, nil
}

// StartLogin begins a login with provider for a client at ip.
func (s *authService) StartLogin(ctx context.Context, provider, ip string) (*LoginStart, error) {
	a := newAttempt(provider, ip, StageInitiated)

	if err := s.checkRate(ctx, a); err != nil {
		return nil, err
	}

	p, ok := s.providers.Get(provider)
	if !ok {
		a.reject(reasonUnknownProvider)
		return nil, apperror.NewNotFound("unknown identity provider")
	}

	verifier := oauth2.GenerateVerifier()
	// Bound to the address class so the callback survives address churn
	// inside the same network, as sessions do.
	state, err := s.states.Generate(ctx, provider, session.IPClass(ip), "", []byte(verifier))
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("generating oauth state: %w", err))
	}

	url := p.AuthorizationURL(state, s.redirectURL(provider), verifier)
	if err := a.advance(StageProviderRedirected); err != nil {
		return nil, apperror.NewInternal(err)
	}

	s.record(ctx, audit.Entry{
		Action:   audit.ActionLoginStarted,
		Provider: provider,
		IP:       ip,
		Success:  true,
		Details:  map[string]string{"attempt_id": a.id},
	})
	return &LoginStart{URL: url, State: state}, nil
}

// HandleCallback completes the handshake. Every failure ends the attempt;
// codes are single-use, so nothing is retried.
func (s *authService) HandleCallback(ctx context.Context, in CallbackInput) (string, error) {
	a := newAttempt(in.Provider, in.IP, StageCallbackReceived)

	if err := s.checkRate(ctx, a); err != nil {
		return "", err
	}

	p, ok := s.providers.Get(in.Provider)
	if !ok {
		a.reject(reasonUnknownProvider)
		s.recordFailure(ctx, a, nil)
		return "", apperror.NewNotFound("unknown identity provider")
	}

	verifier, err := s.states.Validate(ctx, in.State, in.Provider, session.IPClass(in.IP), "")
	if err != nil {
		a.reject(reasonStateInvalid)
		s.record(ctx, audit.Entry{
			Action:   audit.ActionCSRFFailed,
			Provider: in.Provider,
			IP:       in.IP,
			Reason:   reasonStateInvalid,
		})
		s.recordFailure(ctx, a, err)
		return "", apperror.NewAuthFailed(err)
	}
	if err := a.advance(StageStateValidated); err != nil {
		return "", apperror.NewInternal(err)
	}

	if in.Error != "" {
		a.reject(reasonProviderDenied)
		s.recordFailure(ctx, a, fmt.Errorf("provider returned error %q", in.Error))
		return "", apperror.NewUnauthorized("sign-in was cancelled or refused by the provider")
	}
	if in.Code == "" {
		a.reject(reasonMissingCode)
		s.recordFailure(ctx, a, nil)
		return "", apperror.NewBadRequest("missing authorization code")
	}

	tok, err := p.Exchange(ctx, in.Code, s.redirectURL(in.Provider), string(verifier))
	if err != nil {
		a.reject(reasonExchangeFailed)
		s.recordFailure(ctx, a, err)
		return "", apperror.NewProviderFailed(err)
	}
	if err := a.advance(StageCodeExchanged); err != nil {
		return "", apperror.NewInternal(err)
	}

	info, err := p.UserInfo(ctx, tok)
	if err == nil && info.ID == "" {
		err = &oauth.ProviderError{Provider: in.Provider, Op: "userinfo", Err: errors.New("empty subject")}
	}
	if err != nil {
		a.reject(reasonUserInfoFailed)
		s.recordFailure(ctx, a, err)
		return "", apperror.NewProviderFailed(err)
	}
	if err := a.advance(StageUserInfoFetched); err != nil {
		return "", apperror.NewInternal(err)
	}

	if info.EmailRejected() {
		a.reject(reasonEmailUnverified)
		s.recordFailure(ctx, a, nil)
		return "", apperror.NewForbidden("your email address is not verified with the provider")
	}

	create := session.CreateInput{
		UserID:    userID(in.Provider, info.ID),
		Provider:  in.Provider,
		Email:     info.Email,
		Name:      info.Name,
		IP:        in.IP,
		UserAgent: in.UserAgent,
	}
	if _, ok := p.(oauth.Revoker); ok {
		create.ProviderToken = tok.RevocationToken()
	}

	token, err := s.sessions.Create(ctx, create)
	if err != nil {
		a.reject(reasonSessionFailed)
		s.recordFailure(ctx, a, err)
		return "", apperror.NewInternal(fmt.Errorf("creating session: %w", err))
	}
	if err := a.advance(StageSessionCreated); err != nil {
		return "", apperror.NewInternal(err)
	}

	s.record(ctx, audit.Entry{
		Action:     audit.ActionLoginSucceeded,
		UserID:     create.UserID,
		Provider:   in.Provider,
		IP:         in.IP,
		Success:    true,
		SessionRef: session.Ref(token),
		Details:    map[string]string{"attempt_id": a.id},
	})
	return token, nil
}

// ValidateSession resolves token. Every failure is reported to the client
// as the same generic 401; the cause stays in the error for logging.
func (s *authService) ValidateSession(ctx context.Context, token, ip, userAgent string) (*UserContext, error) {
	claims, err := s.sessions.Validate(ctx, token, ip, userAgent)
	if err != nil {
		switch {
		case errors.Is(err, apperror.ErrSessionNotFound), errors.Is(err, apperror.ErrSessionExpired):
			return nil, apperror.NewAuthFailed(err)
		case errors.Is(err, apperror.ErrFingerprintMismatch):
			slog.Warn("session presented from a different client",
				slog.String("token_ref", session.Ref(token)),
				slog.String("ip", ip),
			)
			return nil, apperror.NewAuthFailed(err)
		case errors.Is(err, apperror.ErrDecryptionFailed):
			slog.Error("session payload could not be decrypted",
				slog.String("token_ref", session.Ref(token)),
				slog.Any("error", err),
			)
			return nil, apperror.NewAuthFailed(err)
		default:
			return nil, apperror.NewInternal(fmt.Errorf("validating session: %w", err))
		}
	}

	caps := s.resolver.Resolve(authz.Subject{
		Authenticated: true,
		UserID:        claims.UserID,
		Provider:      claims.Provider,
	})
	return &UserContext{
		Authenticated: true,
		UserID:        claims.UserID,
		Email:         claims.Email,
		Name:          claims.Name,
		Provider:      claims.Provider,
		Capabilities:  caps,
		ExpiresAt:     claims.ExpiresAt,
		SessionRef:    session.Ref(token),
	}, nil
}

// Anonymous returns a context with the mode's anonymous capabilities.
func (s *authService) Anonymous() *UserContext {
	return &UserContext{Capabilities: s.resolver.Anonymous()}
}

// Logout removes the session and revokes the provider token in the
// background. The local session is gone before Logout returns.
func (s *authService) Logout(ctx context.Context, token, ip string) error {
	claims, err := s.sessions.Take(ctx, token)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("invalidating session: %w", err))
	}
	if claims == nil {
		return nil
	}

	s.record(ctx, audit.Entry{
		Action:     audit.ActionLogout,
		UserID:     claims.UserID,
		Provider:   claims.Provider,
		IP:         ip,
		Success:    true,
		SessionRef: session.Ref(token),
	})

	if claims.ProviderToken != "" {
		s.revokeAsync(claims.Provider, claims.ProviderToken)
	}
	return nil
}

// LogoutAll removes every session of userID. Provider tokens are not
// revoked here.
func (s *authService) LogoutAll(ctx context.Context, userID, ip string) (int, error) {
	if userID == "" {
		return 0, apperror.NewBadRequest("user ID is required")
	}
	n, err := s.sessions.InvalidateAll(ctx, userID)
	if err != nil {
		return n, apperror.NewInternal(fmt.Errorf("invalidating sessions: %w", err))
	}
	s.record(ctx, audit.Entry{
		Action:  audit.ActionLogoutAll,
		UserID:  userID,
		IP:      ip,
		Success: true,
		Details: map[string]string{"count": fmt.Sprint(n)},
	})
	return n, nil
}

// RevokeSession removes one session of userID and revokes its provider
// token in the background.
func (s *authService) RevokeSession(ctx context.Context, userID, ref, ip string) error {
	if userID == "" {
		return apperror.NewBadRequest("user ID is required")
	}
	claims, err := s.sessions.InvalidateRef(ctx, userID, ref)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("revoking session: %w", err))
	}
	if claims == nil {
		return apperror.NewNotFound("session not found")
	}

	s.record(ctx, audit.Entry{
		Action:     audit.ActionSessionRevoked,
		UserID:     userID,
		Provider:   claims.Provider,
		IP:         ip,
		Success:    true,
		SessionRef: ref,
	})

	if claims.ProviderToken != "" {
		s.revokeAsync(claims.Provider, claims.ProviderToken)
	}
	return nil
}

// Sessions lists userID's live sessions.
func (s *authService) Sessions(ctx context.Context, userID string) ([]session.Info, error) {
	infos, err := s.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing sessions: %w", err))
	}
	return infos, nil
}

// Providers lists the configured providers.
func (s *authService) Providers() []string {
	return s.providers.Names()
}

// Close waits for in-flight revocations.
func (s *authService) Close() {
	s.revocations.Wait()
}

// --- Helpers ---

// checkRate applies the per-IP budget. A limiter failure lets the request
// through.
func (s *authService) checkRate(ctx context.Context, a *attempt) error {
	if s.limiter == nil {
		return nil
	}
	d, err := s.limiter.Allow(ctx, rateLimitScope+":"+a.ip)
	if err != nil {
		slog.Error("rate limiter unavailable",
			slog.String("scope", rateLimitScope),
			slog.Any("error", err),
		)
		return nil
	}
	if d.Allowed {
		return nil
	}

	a.reject(reasonRateLimited)
	s.record(ctx, audit.Entry{
		Action:   audit.ActionRateLimited,
		Provider: a.provider,
		IP:       a.ip,
		Reason:   reasonRateLimited,
		Details:  map[string]string{"scope": rateLimitScope},
	})
	appErr := apperror.NewRateLimited()
	appErr.Internal = &ratelimit.LimitedError{RetryAfter: d.RetryAfter}
	return appErr
}

// revokeAsync revokes a provider token without holding up the caller.
func (s *authService) revokeAsync(provider, token string) {
	p, ok := s.providers.Get(provider)
	if !ok {
		return
	}
	r, ok := p.(oauth.Revoker)
	if !ok {
		return
	}

	s.revocations.Add(1)
	go func() {
		defer s.revocations.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.revokeTimeout)
		defer cancel()
		if err := r.Revoke(ctx, token); err != nil {
			slog.Warn("provider token revocation failed",
				slog.String("provider", provider),
				slog.Any("error", err),
			)
		}
	}()
}

func (s *authService) recordFailure(ctx context.Context, a *attempt, cause error) {
	if cause != nil {
		slog.Warn("login attempt rejected",
			slog.String("attempt_id", a.id),
			slog.String("provider", a.provider),
			slog.String("reason", a.reason),
			slog.Any("error", cause),
		)
	}
	s.record(ctx, audit.Entry{
		Action:   audit.ActionLoginFailed,
		Provider: a.provider,
		IP:       a.ip,
		Reason:   a.reason,
		Details:  map[string]string{"attempt_id": a.id},
	})
}

func (s *authService) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, e); err != nil {
		slog.Error("failed to record audit entry",
			slog.String("action", e.Action),
			slog.Any("error", err),
		)
	}
}

// userID namespaces a provider subject so ids from different providers
// never collide.
func userID(provider, subject string) string {
	return provider + ":" + subject
}
