package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// base carries what every provider shares: the oauth2 config, the HTTP
// client and the timeout.
type base struct {
	name        string
	cfg         *oauth2.Config
	userInfoURL string
	revokeURL   string
	httpClient  *http.Client
	timeout     time.Duration
}

func newBase(name string, c Config, endpoint oauth2.Endpoint, defaultScopes []string, userInfoURL, revokeURL string) base {
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	// Auto-detection retries a failed exchange with the other auth style,
	// which would replay a single-use code.
	if endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if c.UserInfoURL != "" {
		userInfoURL = c.UserInfoURL
	}
	if c.RevokeURL != "" {
		revokeURL = c.RevokeURL
	}
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return base{
		name: name,
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
		revokeURL:   revokeURL,
		httpClient:  c.HTTPClient,
		timeout:     c.Timeout,
	}
}

func (b *base) Name() string { return b.name }

func (b *base) AuthorizationURL(state, redirectURI, verifier string) string {
	return b.cfg.AuthCodeURL(state, b.authOptions(redirectURI, verifier)...)
}

func (b *base) authOptions(redirectURI, verifier string) []oauth2.AuthCodeOption {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	return opts
}

// callContext applies the provider timeout and injects the HTTP client
// for x/oauth2 to pick up.
func (b *base) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	if b.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	}
	return ctx, cancel
}

// exchange runs the code exchange against cfg, which may differ from b.cfg
// when the client secret is minted per call.
func (b *base) exchange(ctx context.Context, cfg *oauth2.Config, code, redirectURI, verifier string) (*Token, error) {
	ctx, cancel := b.callContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}

	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, classify(b.name, "exchange", err)
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	return out, nil
}

func (b *base) Exchange(ctx context.Context, code, redirectURI, verifier string) (*Token, error) {
	return b.exchange(ctx, b.cfg, code, redirectURI, verifier)
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func (b *base) getJSON(ctx context.Context, op, rawURL, accessToken string, out any) error {
	ctx, cancel := b.callContext(ctx)
	defer cancel()

	client := b.cfg.Client(ctx, &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return classify(b.name, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return classify(b.name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusError(b.name, op, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return &ProviderError{Provider: b.name, Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// postForm sends a form POST and only checks the status (used for revoke).
func (b *base) postForm(ctx context.Context, op, rawURL string, form url.Values) error {
	ctx, cancel := b.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return classify(b.name, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := b.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return classify(b.name, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return statusError(b.name, op, resp.StatusCode)
	}
	return nil
}
