package oauth

import (
	"context"

	"golang.org/x/oauth2/microsoft"
)

const microsoftUserInfoURL = "https://graph.microsoft.com/oidc/userinfo"

// Microsoft signs users in with Microsoft Entra ID. The userinfo endpoint
// does not report email verification, so EmailVerified stays nil.
type Microsoft struct {
	base
}

// NewMicrosoft creates the Microsoft provider for tenant ("common" when
// empty).
func NewMicrosoft(c Config, tenant string) (*Microsoft, error) {
	if err := c.validate("microsoft"); err != nil {
		return nil, err
	}
	if tenant == "" {
		tenant = "common"
	}
	return &Microsoft{base: newBase("microsoft", c, microsoft.AzureADEndpoint(tenant),
		[]string{"openid", "email", "profile"}, microsoftUserInfoURL, "")}, nil
}

type microsoftUser struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// UserInfo reads the Graph OIDC userinfo endpoint.
func (m *Microsoft) UserInfo(ctx context.Context, tok *Token) (*UserInfo, error) {
	var u microsoftUser
	if err := m.getJSON(ctx, "userinfo", m.userInfoURL, tok.AccessToken, &u); err != nil {
		return nil, err
	}
	return &UserInfo{ID: u.Sub, Email: u.Email, Name: u.Name, Picture: u.Picture}, nil
}
