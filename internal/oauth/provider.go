// Package oauth implements the identity-provider side of the federation
// flow. Each provider is a flat struct implementing Provider on top of
// golang.org/x/oauth2; the Registry maps provider names to them.
//
// Every network call runs under the provider's timeout and returns a
// *ProviderError on failure. 4xx responses are final; 5xx, network errors
// and timeouts are marked Retryable so the user can restart the login.
// Nothing is retried here.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// DefaultTimeout bounds each provider call when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Provider is the contract every identity provider implements.
type Provider interface {
	// Name is the registry key, e.g. "google".
	Name() string

	// AuthorizationURL returns the provider consent URL. state is embedded
	// verbatim; verifier is the PKCE code verifier whose S256 challenge is
	// sent.
	AuthorizationURL(state, redirectURI, verifier string) string

	// Exchange trades an authorization code for tokens. Codes are
	// single-use, so a failure is never retried.
	Exchange(ctx context.Context, code, redirectURI, verifier string) (*Token, error)

	// UserInfo fetches and normalises the user's identity.
	UserInfo(ctx context.Context, tok *Token) (*UserInfo, error)
}

// Revoker is implemented by providers that can revoke a token upstream.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
}

// Token is the normalised result of a code exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// RevocationToken returns the token worth revoking on logout: the refresh
// token when present, else the access token.
func (t *Token) RevocationToken() string {
	if t.RefreshToken != "" {
		return t.RefreshToken
	}
	return t.AccessToken
}

// UserInfo is the provider-agnostic identity.
type UserInfo struct {
	ID    string
	Email string

	// EmailVerified is nil when the provider does not report verification.
	EmailVerified *bool

	Name    string
	Picture string
}

// EmailRejected reports whether the provider explicitly said the email is
// unverified.
func (u *UserInfo) EmailRejected() bool {
	return u.EmailVerified != nil && !*u.EmailVerified
}

// Config holds one provider's credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration

	// HTTPClient replaces http.DefaultClient for every call. Optional.
	HTTPClient *http.Client

	// Endpoint overrides, mainly for tests. Empty means the provider default.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
}

func (c Config) validate(provider string) error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("%w: %s client id and secret are required", apperror.ErrConfig, provider)
	}
	return nil
}

// --- Errors ---

// ProviderError describes a failed call to an identity provider.
type ProviderError struct {
	Provider string
	Op       string

	// Status is the HTTP status, or 0 for network failures and timeouts.
	Status int

	// Retryable means the user may restart the login and expect it to work.
	Retryable bool

	Err error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes every ProviderError match apperror.ErrProviderError.
func (e *ProviderError) Is(target error) bool { return target == apperror.ErrProviderError }

// classify wraps err from op into a ProviderError.
func classify(provider, op string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	out := &ProviderError{Provider: provider, Op: op, Err: err, Retryable: true}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		out.Status = re.Response.StatusCode
		out.Retryable = out.Status >= 500
	}
	return out
}

// statusError builds the error for a non-2xx HTTP response.
func statusError(provider, op string, status int) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Op:        op,
		Status:    status,
		Retryable: status >= 500,
		Err:       fmt.Errorf("unexpected status %s", http.StatusText(status)),
	}
}

// --- Registry ---

// Registry maps provider names to implementations. Read-only after
// construction.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry. Duplicate names are a ConfigError.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("%w: provider %q registered twice", apperror.ErrConfig, p.Name())
		}
		r.providers[p.Name()] = p
	}
	return r, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
