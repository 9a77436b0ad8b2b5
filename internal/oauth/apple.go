package oauth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

const (
	appleIssuer    = "https://appleid.apple.com"
	appleAuthURL   = "https://appleid.apple.com/auth/authorize"
	appleTokenURL  = "https://appleid.apple.com/auth/token"
	appleRevokeURL = "https://appleid.apple.com/auth/revoke"

	// appleSecretTTL is the lifetime of each minted client secret.
	appleSecretTTL = 5 * time.Minute
)

// AppleKey is the Sign in with Apple signing key.
type AppleKey struct {
	TeamID     string
	KeyID      string
	PrivateKey []byte // PEM, PKCS#8 EC P-256
}

// Apple signs users in with Sign in with Apple. Its client secret is an
// ES256 JWT minted per call, and identity comes from the id_token returned
// by the token endpoint rather than from a userinfo call.
type Apple struct {
	base
	teamID string
	keyID  string
	key    *ecdsa.PrivateKey
	now    func() time.Time
}

// NewApple creates the Apple provider. c.ClientSecret is ignored.
func NewApple(c Config, k AppleKey) (*Apple, error) {
	if c.ClientID == "" || k.TeamID == "" || k.KeyID == "" || len(k.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: apple client id, team id, key id and private key are required", apperror.ErrConfig)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: apple private key: %v", apperror.ErrConfig, err)
	}
	endpoint := oauth2.Endpoint{AuthURL: appleAuthURL, TokenURL: appleTokenURL, AuthStyle: oauth2.AuthStyleInParams}
	return &Apple{
		base:   newBase("apple", c, endpoint, []string{"name", "email"}, "", appleRevokeURL),
		teamID: k.TeamID,
		keyID:  k.KeyID,
		key:    key,
		now:    time.Now,
	}, nil
}

// AuthorizationURL adds response_mode=form_post, which Apple requires when
// name or email scopes are requested. The callback then arrives as a POST.
func (a *Apple) AuthorizationURL(state, redirectURI, verifier string) string {
	opts := append(a.authOptions(redirectURI, verifier), oauth2.SetAuthURLParam("response_mode", "form_post"))
	return a.cfg.AuthCodeURL(state, opts...)
}

// clientSecret mints the ES256 JWT Apple expects as client_secret.
func (a *Apple) clientSecret() (string, error) {
	now := a.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    a.teamID,
		Subject:   a.cfg.ClientID,
		Audience:  jwt.ClaimStrings{appleIssuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleSecretTTL)),
	})
	tok.Header["kid"] = a.keyID
	return tok.SignedString(a.key)
}

// Exchange trades the code using a freshly minted client secret.
func (a *Apple) Exchange(ctx context.Context, code, redirectURI, verifier string) (*Token, error) {
	secret, err := a.clientSecret()
	if err != nil {
		return nil, &ProviderError{Provider: a.name, Op: "exchange", Err: fmt.Errorf("minting client secret: %w", err)}
	}
	cfg := *a.cfg
	cfg.ClientSecret = secret
	return a.exchange(ctx, &cfg, code, redirectURI, verifier)
}

// appleIDClaims are the id_token claims Gatekeeper reads. Apple sends
// email_verified either as a bool or as the string "true"/"false".
type appleIDClaims struct {
	Email         string `json:"email"`
	EmailVerified any    `json:"email_verified"`
	jwt.RegisteredClaims
}

// UserInfo reads identity from the id_token. The token came straight from
// Apple's token endpoint over TLS, so only issuer, audience and expiry
// are checked.
func (a *Apple) UserInfo(_ context.Context, tok *Token) (*UserInfo, error) {
	if tok.IDToken == "" {
		return nil, &ProviderError{Provider: a.name, Op: "userinfo", Err: fmt.Errorf("token response has no id_token")}
	}

	var claims appleIDClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok.IDToken, &claims); err != nil {
		return nil, &ProviderError{Provider: a.name, Op: "userinfo", Err: fmt.Errorf("parsing id_token: %w", err)}
	}

	switch {
	case claims.Issuer != appleIssuer:
		return nil, &ProviderError{Provider: a.name, Op: "userinfo", Err: fmt.Errorf("id_token issuer %q", claims.Issuer)}
	case !audienceContains(claims.Audience, a.cfg.ClientID):
		return nil, &ProviderError{Provider: a.name, Op: "userinfo", Err: fmt.Errorf("id_token audience mismatch")}
	case claims.ExpiresAt == nil || !a.now().Before(claims.ExpiresAt.Time):
		return nil, &ProviderError{Provider: a.name, Op: "userinfo", Err: fmt.Errorf("id_token expired")}
	case claims.Subject == "":
		return nil, &ProviderError{Provider: a.name, Op: "userinfo", Err: fmt.Errorf("id_token has no subject")}
	}

	return &UserInfo{
		ID:            claims.Subject,
		Email:         claims.Email,
		EmailVerified: parseLooseBool(claims.EmailVerified),
	}, nil
}

// Revoke revokes a refresh or access token.
func (a *Apple) Revoke(ctx context.Context, token string) error {
	secret, err := a.clientSecret()
	if err != nil {
		return &ProviderError{Provider: a.name, Op: "revoke", Err: err}
	}
	return a.postForm(ctx, "revoke", a.revokeURL, url.Values{
		"client_id":       {a.cfg.ClientID},
		"client_secret":   {secret},
		"token":           {token},
		"token_type_hint": {"refresh_token"},
	})
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func parseLooseBool(v any) *bool {
	switch b := v.(type) {
	case bool:
		return &b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return nil
		}
		return &parsed
	}
	return nil
}
