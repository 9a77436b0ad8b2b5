package oauth

import (
	"context"
	"net/url"

	"golang.org/x/oauth2/google"
)

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	googleRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Google signs users in with Google OpenID Connect. Google reports
// email_verified.
type Google struct {
	base
}

// NewGoogle creates the Google provider.
func NewGoogle(c Config) (*Google, error) {
	if err := c.validate("google"); err != nil {
		return nil, err
	}
	return &Google{base: newBase("google", c, google.Endpoint,
		[]string{"openid", "email", "profile"}, googleUserInfoURL, googleRevokeURL)}, nil
}

type googleUser struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// UserInfo reads the OIDC userinfo endpoint.
func (g *Google) UserInfo(ctx context.Context, tok *Token) (*UserInfo, error) {
	var u googleUser
	if err := g.getJSON(ctx, "userinfo", g.userInfoURL, tok.AccessToken, &u); err != nil {
		return nil, err
	}
	return &UserInfo{
		ID:            u.Sub,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Name:          u.Name,
		Picture:       u.Picture,
	}, nil
}

// Revoke revokes an access or refresh token.
func (g *Google) Revoke(ctx context.Context, token string) error {
	return g.postForm(ctx, "revoke", g.revokeURL, url.Values{"token": {token}})
}
