package oauth

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/oauth2/github"
)

const githubAPIURL = "https://api.github.com"

// GitHub signs users in with a GitHub OAuth app. The primary address from
// /user/emails carries a verified flag.
type GitHub struct {
	base
}

// NewGitHub creates the GitHub provider. Config.UserInfoURL, when set,
// replaces the API base URL.
func NewGitHub(c Config) (*GitHub, error) {
	if err := c.validate("github"); err != nil {
		return nil, err
	}
	return &GitHub{base: newBase("github", c, github.Endpoint,
		[]string{"read:user", "user:email"}, githubAPIURL, "")}, nil
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// UserInfo reads /user and /user/emails.
func (g *GitHub) UserInfo(ctx context.Context, tok *Token) (*UserInfo, error) {
	api := strings.TrimRight(g.userInfoURL, "/")

	var u githubUser
	if err := g.getJSON(ctx, "userinfo", api+"/user", tok.AccessToken, &u); err != nil {
		return nil, err
	}
	// A missing id decodes as 0; GitHub never assigns it.
	if u.ID <= 0 {
		return nil, &ProviderError{Provider: g.name, Op: "userinfo", Err: errors.New("user has no id")}
	}
	var emails []githubEmail
	if err := g.getJSON(ctx, "userinfo", api+"/user/emails", tok.AccessToken, &emails); err != nil {
		return nil, err
	}

	info := &UserInfo{
		ID:      strconv.FormatInt(u.ID, 10),
		Name:    u.Name,
		Picture: u.AvatarURL,
	}
	if info.Name == "" {
		info.Name = u.Login
	}
	for _, e := range emails {
		if e.Primary {
			verified := e.Verified
			info.Email = e.Email
			info.EmailVerified = &verified
			break
		}
	}
	return info, nil
}
