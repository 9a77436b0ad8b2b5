package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// --- Fake identity provider ---

type fakeIdP struct {
	srv *httptest.Server

	tokenCalls  atomic.Int32
	tokenStatus int
	tokenDelay  time.Duration
	idToken     string
	lastForm    url.Values

	userStatus int
	userBody   any
	emailsBody any

	revoked atomic.Value
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{tokenStatus: http.StatusOK, userStatus: http.StatusOK}
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if f.tokenDelay > 0 {
			select {
			case <-time.After(f.tokenDelay):
			case <-r.Context().Done():
				return
			}
		}
		r.ParseForm()
		f.lastForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + r.PostForm.Get("code"),
			"refresh_token": "rt-" + r.PostForm.Get("code"),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      f.idToken,
		})
	})

	userHandler := func(body func() any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer at-good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if f.userStatus != http.StatusOK {
				w.WriteHeader(f.userStatus)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(body())
		}
	}
	mux.HandleFunc("/userinfo", userHandler(func() any { return f.userBody }))
	mux.HandleFunc("/api/user", userHandler(func() any { return f.userBody }))
	mux.HandleFunc("/api/user/emails", userHandler(func() any { return f.emailsBody }))

	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.revoked.Store(r.PostForm)
		w.WriteHeader(http.StatusOK)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdP) config() Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://gk.example.com/auth/callback/x",
		Timeout:      2 * time.Second,
		HTTPClient:   f.srv.Client(),
		AuthURL:      f.srv.URL + "/authorize",
		TokenURL:     f.srv.URL + "/token",
		UserInfoURL:  f.srv.URL + "/userinfo",
		RevokeURL:    f.srv.URL + "/revoke",
	}
}

func assertProviderError(t *testing.T, err error, status int, retryable bool) {
	t.Helper()
	if !errors.Is(err, apperror.ErrProviderError) {
		t.Fatalf("expected ErrProviderError, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T", err)
	}
	if pe.Status != status || pe.Retryable != retryable {
		t.Errorf("expected status=%d retryable=%v, got status=%d retryable=%v", status, retryable, pe.Status, pe.Retryable)
	}
}

// --- Authorization URL ---

func TestAuthorizationURL_EmbedsStateAndPKCE(t *testing.T) {
	f := newFakeIdP(t)
	g, err := NewGoogle(f.config())
	if err != nil {
		t.Fatalf("NewGoogle: %v", err)
	}

	state := "v1.abc.1.2.sig"
	raw := g.AuthorizationURL(state, "https://gk.example.com/auth/callback/google", "verifier-verifier-verifier-verifier-0123")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("state") != state {
		t.Errorf("state not embedded verbatim: %q", q.Get("state"))
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Errorf("missing PKCE params: %v", q)
	}
	if q.Get("redirect_uri") != "https://gk.example.com/auth/callback/google" {
		t.Errorf("unexpected redirect_uri %q", q.Get("redirect_uri"))
	}
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Errorf("expected default scopes, got %q", q.Get("scope"))
	}
}

// --- Exchange ---

func TestExchange_Success(t *testing.T) {
	f := newFakeIdP(t)
	g, _ := NewGoogle(f.config())

	tok, err := g.Exchange(context.Background(), "good", "", "the-verifier")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.AccessToken != "at-good" || tok.RefreshToken != "rt-good" {
		t.Errorf("unexpected token %+v", tok)
	}
	if tok.RevocationToken() != "rt-good" {
		t.Errorf("expected refresh token to be revoked first")
	}
	if f.lastForm.Get("code_verifier") != "the-verifier" {
		t.Errorf("code_verifier not sent: %v", f.lastForm)
	}
}

func TestExchange_ClientErrorIsFinalAndNotRetried(t *testing.T) {
	f := newFakeIdP(t)
	f.tokenStatus = http.StatusBadRequest
	g, _ := NewGoogle(f.config())

	_, err := g.Exchange(context.Background(), "reused", "", "v")
	assertProviderError(t, err, http.StatusBadRequest, false)
	if n := f.tokenCalls.Load(); n != 1 {
		t.Errorf("expected exactly one token request, got %d", n)
	}
}

func TestExchange_ServerErrorIsRetryable(t *testing.T) {
	f := newFakeIdP(t)
	f.tokenStatus = http.StatusServiceUnavailable
	g, _ := NewGoogle(f.config())

	_, err := g.Exchange(context.Background(), "good", "", "v")
	assertProviderError(t, err, http.StatusServiceUnavailable, true)
}

func TestExchange_TimeoutIsRetryable(t *testing.T) {
	f := newFakeIdP(t)
	f.tokenDelay = time.Second
	cfg := f.config()
	cfg.Timeout = 50 * time.Millisecond
	g, _ := NewGoogle(cfg)

	start := time.Now()
	_, err := g.Exchange(context.Background(), "good", "", "v")
	assertProviderError(t, err, 0, true)
	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("timeout not applied, call took %s", time.Since(start))
	}
}

// --- UserInfo ---

func TestGoogle_UserInfo(t *testing.T) {
	f := newFakeIdP(t)
	f.userBody = map[string]any{"sub": "g-1", "email": "a@example.com", "email_verified": true, "name": "Ada", "picture": "p.png"}
	g, _ := NewGoogle(f.config())

	info, err := g.UserInfo(context.Background(), &Token{AccessToken: "at-good"})
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	if info.ID != "g-1" || info.Email != "a@example.com" || info.Name != "Ada" || info.Picture != "p.png" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.EmailVerified == nil || !*info.EmailVerified || info.EmailRejected() {
		t.Errorf("expected verified email")
	}

	_, err = g.UserInfo(context.Background(), &Token{AccessToken: "at-bad"})
	assertProviderError(t, err, http.StatusUnauthorized, false)
}

func TestMicrosoft_UserInfoDoesNotReportVerification(t *testing.T) {
	f := newFakeIdP(t)
	f.userBody = map[string]any{"sub": "m-1", "email": "m@example.com", "name": "Mo"}
	m, err := NewMicrosoft(f.config(), "")
	if err != nil {
		t.Fatalf("NewMicrosoft: %v", err)
	}

	info, err := m.UserInfo(context.Background(), &Token{AccessToken: "at-good"})
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	if info.EmailVerified != nil || info.EmailRejected() {
		t.Errorf("microsoft should not report verification, got %v", info.EmailVerified)
	}
}

func TestGitHub_UserInfoUsesPrimaryEmail(t *testing.T) {
	f := newFakeIdP(t)
	f.userBody = map[string]any{"id": 42, "login": "octo", "avatar_url": "a.png"}
	f.emailsBody = []map[string]any{
		{"email": "old@example.com", "primary": false, "verified": true},
		{"email": "octo@example.com", "primary": true, "verified": false},
	}
	cfg := f.config()
	cfg.UserInfoURL = f.srv.URL + "/api"
	gh, _ := NewGitHub(cfg)

	info, err := gh.UserInfo(context.Background(), &Token{AccessToken: "at-good"})
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	if info.ID != "42" || info.Name != "octo" || info.Email != "octo@example.com" {
		t.Errorf("unexpected info %+v", info)
	}
	if !info.EmailRejected() {
		t.Error("unverified primary email should be rejected")
	}
}

func TestGitHub_UserInfoWithoutIDIsProviderError(t *testing.T) {
	for _, body := range []map[string]any{
		{"login": "octo"},
		{"id": 0, "login": "octo"},
	} {
		f := newFakeIdP(t)
		f.userBody = body
		cfg := f.config()
		cfg.UserInfoURL = f.srv.URL + "/api"
		gh, _ := NewGitHub(cfg)

		info, err := gh.UserInfo(context.Background(), &Token{AccessToken: "at-good"})
		if info != nil {
			t.Errorf("%v: expected no user info, got %+v", body, info)
		}
		assertProviderError(t, err, 0, false)
	}
}

func TestGoogle_Revoke(t *testing.T) {
	f := newFakeIdP(t)
	g, _ := NewGoogle(f.config())

	if err := g.Revoke(context.Background(), "rt-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	form, _ := f.revoked.Load().(url.Values)
	if form.Get("token") != "rt-1" {
		t.Errorf("expected token rt-1 to be revoked, got %v", form)
	}
}

// --- Apple ---

func newTestAppleKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func appleIDToken(t *testing.T, aud string, verified any, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":            appleIssuer,
		"aud":            aud,
		"sub":            "apple-user-1",
		"email":          "x@privaterelay.appleid.com",
		"email_verified": verified,
		"exp":            exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-only"))
	if err != nil {
		t.Fatalf("sign id_token: %v", err)
	}
	return s
}

func TestApple_ExchangeMintsClientSecret(t *testing.T) {
	f := newFakeIdP(t)
	key, pemKey := newTestAppleKey(t)
	f.idToken = appleIDToken(t, "client-id", "true", time.Now().Add(time.Hour))

	a, err := NewApple(f.config(), AppleKey{TeamID: "TEAM", KeyID: "KID", PrivateKey: pemKey})
	if err != nil {
		t.Fatalf("NewApple: %v", err)
	}

	if u, _ := url.Parse(a.AuthorizationURL("s", "", "v")); u.Query().Get("response_mode") != "form_post" {
		t.Errorf("expected response_mode=form_post")
	}

	tok, err := a.Exchange(context.Background(), "good", "", "v")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	secret := f.lastForm.Get("client_secret")
	parsed, err := jwt.Parse(secret, func(tk *jwt.Token) (any, error) { return &key.PublicKey, nil },
		jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("client secret does not verify: %v", err)
	}
	if parsed.Header["kid"] != "KID" {
		t.Errorf("expected kid header KID, got %v", parsed.Header["kid"])
	}
	if iss, _ := parsed.Claims.GetIssuer(); iss != "TEAM" {
		t.Errorf("expected issuer TEAM, got %q", iss)
	}

	info, err := a.UserInfo(context.Background(), tok)
	if err != nil {
		t.Fatalf("userinfo: %v", err)
	}
	if info.ID != "apple-user-1" || info.EmailVerified == nil || !*info.EmailVerified {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestApple_UserInfoRejectsForeignOrExpiredIDToken(t *testing.T) {
	_, pemKey := newTestAppleKey(t)
	f := newFakeIdP(t)
	a, _ := NewApple(f.config(), AppleKey{TeamID: "TEAM", KeyID: "KID", PrivateKey: pemKey})

	cases := map[string]string{
		"wrong audience": appleIDToken(t, "someone-else", true, time.Now().Add(time.Hour)),
		"expired":        appleIDToken(t, "client-id", true, time.Now().Add(-time.Minute)),
		"garbage":        "not.a.jwt",
		"missing":        "",
	}
	for name, idt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.UserInfo(context.Background(), &Token{IDToken: idt})
			if !errors.Is(err, apperror.ErrProviderError) {
				t.Fatalf("expected ErrProviderError, got %v", err)
			}
		})
	}
}

func TestNewApple_RejectsBadKey(t *testing.T) {
	_, err := NewApple(Config{ClientID: "c"}, AppleKey{TeamID: "T", KeyID: "K", PrivateKey: []byte("nope")})
	if !errors.Is(err, apperror.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

// --- Registry ---

func TestRegistry(t *testing.T) {
	f := newFakeIdP(t)
	g, _ := NewGoogle(f.config())
	gh, _ := NewGitHub(f.config())

	r, err := NewRegistry(g, gh)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if p, ok := r.Get("google"); !ok || p.Name() != "google" {
		t.Error("expected google to be registered")
	}
	if _, ok := r.Get("myspace"); ok {
		t.Error("unexpected provider")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "github" || names[1] != "google" {
		t.Errorf("unexpected names %v", names)
	}

	if _, err := NewRegistry(g, g); !errors.Is(err, apperror.ErrConfig) {
		t.Errorf("expected ErrConfig for duplicate, got %v", err)
	}
	if _, err := NewGoogle(Config{ClientID: "only-id"}); !errors.Is(err, apperror.ErrConfig) {
		t.Errorf("expected ErrConfig for half-configured provider, got %v", err)
	}
}
