package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/csrf"
	"github.com/keyxmakerx/gatekeeper/internal/ratelimit"
	"github.com/keyxmakerx/gatekeeper/internal/session"
)

func ok(c echo.Context) error { return c.NoContent(http.StatusOK) }

// --- Trusted proxies ---

func TestIPExtractor(t *testing.T) {
	extract := buildIPExtractor(parseTrusted([]string{"10.0.0.0/8", "::1", "not-a-cidr"}))

	tests := []struct {
		name   string
		remote string
		xff    []string
		realIP string
		want   string
	}{
		{"direct client", "203.0.113.5:1234", nil, "", "203.0.113.5"},
		{"untrusted peer cannot spoof", "203.0.113.5:1234", []string{"198.51.100.1"}, "", "203.0.113.5"},
		{"trusted proxy", "10.0.0.2:80", []string{"198.51.100.1"}, "", "198.51.100.1"},
		{"spoofed leftmost hop ignored", "10.0.0.2:80", []string{"1.1.1.1, 198.51.100.1"}, "", "198.51.100.1"},
		{"chain of trusted proxies", "10.0.0.2:80", []string{"198.51.100.1, 10.0.0.9"}, "", "198.51.100.1"},
		{"repeated headers", "10.0.0.2:80", []string{"1.1.1.1", "198.51.100.1"}, "", "198.51.100.1"},
		{"malformed hop", "10.0.0.2:80", []string{"198.51.100.1, junk"}, "", "10.0.0.2"},
		{"real ip fallback", "[::1]:80", nil, "198.51.100.7", "198.51.100.7"},
		{"bad real ip", "[::1]:80", nil, "nope", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := extract(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// --- CSRF ---

func newProtector(t *testing.T) *csrf.Protector {
	t.Helper()
	p, err := csrf.NewProtector(bytes.Repeat([]byte{7}, 32), time.Hour, csrf.NewMemoryNonceStore())
	if err != nil {
		t.Fatalf("NewProtector: %v", err)
	}
	return p
}

func csrfServer(t *testing.T, p *csrf.Protector, failures *int) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		_ = c.NoContent(apperror.SafeCode(err))
	}
	e.Use(CSRF(CSRFConfig{
		Protector:      p,
		SessionCookie:  "sid",
		ExemptPrefixes: []string{"/auth/callback/"},
		OnFailure:      func(echo.Context, error) { *failures++ },
	}))
	e.GET("/form", func(c echo.Context) error { return c.String(http.StatusOK, GetCSRFToken(c)) })
	e.POST("/submit", ok)
	e.POST("/auth/callback/apple", ok)
	return e
}

func TestCSRF(t *testing.T) {
	p := newProtector(t)
	failures := 0
	e := csrfServer(t, p, &failures)

	do := func(req *http.Request) int {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	// Safe methods and exempt prefixes pass.
	if code := do(httptest.NewRequest(http.MethodGet, "/form", nil)); code != http.StatusOK {
		t.Errorf("GET: expected 200, got %d", code)
	}
	if code := do(httptest.NewRequest(http.MethodPost, "/auth/callback/apple", nil)); code != http.StatusOK {
		t.Errorf("exempt callback: expected 200, got %d", code)
	}

	// Missing token.
	if code := do(httptest.NewRequest(http.MethodPost, "/submit", nil)); code != http.StatusForbidden {
		t.Errorf("missing token: expected 403, got %d", code)
	}

	// Bearer clients without a session cookie are exempt.
	bearer := httptest.NewRequest(http.MethodPost, "/submit", nil)
	bearer.Header.Set("Authorization", "Bearer abc")
	if code := do(bearer); code != http.StatusOK {
		t.Errorf("bearer: expected 200, got %d", code)
	}

	// A token minted for one session is refused for another.
	token, err := p.Generate(context.Background(), session.Ref("session-a"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wrong := httptest.NewRequest(http.MethodPost, "/submit", nil)
	wrong.AddCookie(&http.Cookie{Name: "sid", Value: "session-b"})
	wrong.Header.Set(csrfHeaderName, token)
	if code := do(wrong); code != http.StatusForbidden {
		t.Errorf("foreign session: expected 403, got %d", code)
	}

	// Form field works and the token is single-use.
	token, _ = p.Generate(context.Background(), session.Ref("session-a"))
	form := url.Values{csrfFormField: {token}}.Encode()
	for i, want := range []int{http.StatusOK, http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(&http.Cookie{Name: "sid", Value: "session-a"})
		if code := do(req); code != want {
			t.Errorf("submission %d: expected %d, got %d", i, want, code)
		}
	}

	if failures != 3 {
		t.Errorf("expected 3 failure callbacks, got %d", failures)
	}
}

func TestGetCSRFToken_WithoutMiddleware(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if got := GetCSRFToken(c); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}

// --- Rate limiting ---

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	l, err := ratelimit.NewMemoryLimiter(ratelimit.Config{Requests: 1, Window: time.Minute})
	if err != nil {
		t.Fatalf("NewMemoryLimiter: %v", err)
	}
	trips := 0
	e := echo.New()
	e.GET("/a", ok, RateLimit(l, "a", func(echo.Context) { trips++ }))
	e.GET("/b", ok, RateLimit(l, "b", nil))

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.5:1000"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := get("/a"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	rec := get("/a")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if trips != 1 {
		t.Errorf("expected one onLimit call, got %d", trips)
	}

	// Scopes have separate budgets.
	if rec := get("/b"); rec.Code != http.StatusOK {
		t.Errorf("other scope: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	e := echo.New()
	e.GET("/", ok, RateLimit(failingLimiter{}, "x", nil))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when the limiter fails, got %d", rec.Code)
	}
}

func TestSetRetryAfter_RoundsUp(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	SetRetryAfter(c, 1500*time.Millisecond)
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("expected 2, got %q", got)
	}
	SetRetryAfter(c, 0)
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected 1, got %q", got)
	}
}

// --- CORS ---

func TestCORS(t *testing.T) {
	e := echo.New()
	e.Use(CORS(CORSConfig{
		AllowedOrigins:   []string{"https://Editor.example.com/"},
		AllowCredentials: true,
		PathPrefixes:     []string{"/scripts"},
	}))
	e.GET("/scripts", ok)
	e.GET("/auth/login", ok)

	request := func(method, path, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Origin", origin)
		if method == http.MethodOptions {
			req.Header.Set("Access-Control-Request-Method", http.MethodPut)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := request(http.MethodGet, "/scripts", "https://editor.example.com")
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://editor.example.com" ||
		rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("allowed origin: unexpected headers %v", rec.Header())
	}

	rec = request(http.MethodOptions, "/scripts", "https://editor.example.com")
	if rec.Code != http.StatusNoContent || !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), csrfHeaderName) {
		t.Errorf("preflight: got %d %v", rec.Code, rec.Header())
	}

	if rec := request(http.MethodGet, "/scripts", "https://evil.example"); rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin must not get CORS headers")
	}
	if rec := request(http.MethodGet, "/auth/login", "https://editor.example.com"); rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("routes outside the prefixes must not get CORS headers")
	}
}

func TestCORS_WildcardDropsCredentials(t *testing.T) {
	e := echo.New()
	e.Use(CORS(CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true}))
	e.GET("/", ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://any.example")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" || rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Errorf("unexpected headers %v", rec.Header())
	}
}

// --- Logging and recovery ---

func TestRedactQuery(t *testing.T) {
	got := redactQuery("code=secret&state=abc&provider=google")
	if strings.Contains(got, "secret") || strings.Contains(got, "abc") || !strings.Contains(got, "provider=google") {
		t.Errorf("unexpected redaction %q", got)
	}
	if got := redactQuery("%zz"); got != "[unparseable]" {
		t.Errorf("expected unparseable marker, got %q", got)
	}
}

func TestRecovery(t *testing.T) {
	e := echo.New()
	e.Use(Recovery())
	e.GET("/", func(echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRecovery_ReturnsInternalAppError(t *testing.T) {
	e := echo.New()
	var handled error
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		handled = err
		_ = c.NoContent(apperror.SafeCode(err))
	}
	e.Use(Recovery())
	e.GET("/", func(echo.Context) error { panic(errors.New("boom")) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var appErr *apperror.AppError
	if !errors.As(handled, &appErr) || appErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected internal AppError, got %v", handled)
	}
	if strings.Contains(appErr.Message, "boom") {
		t.Error("panic value leaked into the client message")
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		cfg      SecurityConfig
		wantHSTS bool
		connect  string
	}{
		{"plain http", SecurityConfig{}, false, "connect-src 'self';"},
		{"https with editor", SecurityConfig{HSTS: true, ConnectSources: []string{"https://editor.example.com"}},
			true, "connect-src 'self' https://editor.example.com;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(SecurityHeaders(tt.cfg))
			e.GET("/", ok)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			h := rec.Header()
			if got := h.Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
			if !strings.Contains(h.Get("Content-Security-Policy"), tt.connect) {
				t.Errorf("CSP %q missing %q", h.Get("Content-Security-Policy"), tt.connect)
			}
			if h.Get("Cache-Control") != "no-store" || h.Get("X-Frame-Options") != "DENY" {
				t.Errorf("unexpected headers %v", h)
			}
		})
	}
}

func TestRender_FailedComponentCommitsNothing(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	failing := templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, _ = io.WriteString(w, "<p>half")
		return errors.New("render failed")
	})
	if err := Render(c, http.StatusOK, failing); err == nil {
		t.Fatal("expected render error")
	}
	if c.Response().Committed || rec.Body.Len() != 0 {
		t.Errorf("partial page was written: %q", rec.Body.String())
	}

	page := templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<p>ok</p>")
		return err
	})
	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := Render(c, http.StatusTeapot, page); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusTeapot || rec.Body.String() != "<p>ok</p>" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestWantsJSON(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   bool
	}{
		{"browser page", "/auth/me", map[string]string{"Accept": "text/html"}, false},
		{"api prefix", "/api/x", nil, true},
		{"bearer", "/scripts", map[string]string{"Authorization": "Bearer t"}, true},
		{"accept json", "/auth/status", map[string]string{"Accept": "application/json"}, true},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := WantsJSON(e.NewContext(req, httptest.NewRecorder())); got != tt.want {
				t.Errorf("WantsJSON = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestLogger_HandlesErrorAndSetsRequestID(t *testing.T) {
	e := echo.New()
	calls := 0
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		calls++
		_ = c.NoContent(apperror.SafeCode(err))
	}
	e.Use(RequestLogger())
	e.GET("/missing", func(echo.Context) error { return apperror.NewNotFound("nope") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound || calls != 1 {
		t.Errorf("got %d after %d error handler calls", rec.Code, calls)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("missing generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(echo.HeaderXRequestID, "proxy-123")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get(echo.HeaderXRequestID); got != "proxy-123" {
		t.Errorf("inbound request id not reused, got %q", got)
	}
}
