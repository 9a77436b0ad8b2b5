package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/authz"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/auth"
	"github.com/keyxmakerx/gatekeeper/internal/sandbox"
	"github.com/keyxmakerx/gatekeeper/internal/session"
)

func assertAppError(t *testing.T, err error, expectedCode int) {
	t.Helper()
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T: %v", err, err)
	}
	if appErr.Code != expectedCode {
		t.Errorf("expected status %d, got %d", expectedCode, appErr.Code)
	}
}

// --- Service ---

func TestSave_ValidatesName(t *testing.T) {
	svc := NewScriptService(NewMemoryRepository())

	for _, name := range []string{"", "Upper", "../etc", strings.Repeat("a", 65)} {
		_, err := svc.Save(context.Background(), name, "print(1)", "u")
		assertAppError(t, err, http.StatusUnprocessableEntity)
	}
}

func TestSave_RejectsLargeSource(t *testing.T) {
	svc := NewScriptService(NewMemoryRepository())
	_, err := svc.Save(context.Background(), "big", strings.Repeat("x", maxSourceBytes+1), "u")
	assertAppError(t, err, http.StatusUnprocessableEntity)
}

func TestSaveGetListDelete(t *testing.T) {
	svc := NewScriptService(NewMemoryRepository())
	ctx := context.Background()

	for _, n := range []string{"beta", "alpha"} {
		if _, err := svc.Save(ctx, n, "src-"+n, "google:1"); err != nil {
			t.Fatalf("Save(%s): %v", n, err)
		}
	}

	sc, err := svc.Get(ctx, "alpha")
	if err != nil || sc.Source != "src-alpha" || sc.UpdatedBy != "google:1" {
		t.Fatalf("Get = %+v, %v", sc, err)
	}

	list, err := svc.List(ctx)
	if err != nil || len(list) != 2 || list[0].Name != "alpha" {
		t.Fatalf("List = %+v, %v", list, err)
	}

	if err := svc.Delete(ctx, "alpha", "google:1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	assertAppError(t, svc.Delete(ctx, "alpha", "google:1"), http.StatusNotFound)
	_, err = svc.Get(ctx, "alpha")
	assertAppError(t, err, http.StatusNotFound)
}

// --- Bindings ---

func TestBindings_GatedByCapability(t *testing.T) {
	svc := NewScriptService(NewMemoryRepository())
	host, err := sandbox.NewRegistry(Bindings(svc)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()

	anon := host.NewEnvironment(sandbox.Identity{Capabilities: authz.AnonymousBase})
	if got := anon.Functions(); !reflect.DeepEqual(got, []string{"scripts.get", "scripts.list"}) {
		t.Errorf("anonymous functions = %v", got)
	}
	if _, err := anon.Call(ctx, "scripts.save", "x", "y"); !errors.Is(err, sandbox.ErrNotExposed) {
		t.Errorf("anonymous save: expected ErrNotExposed, got %v", err)
	}

	user := host.NewEnvironment(sandbox.Identity{
		Authenticated: true, UserID: "github:9", Provider: "github", Capabilities: authz.Authenticated,
	})
	if _, err := user.Call(ctx, "scripts.save", "hello", "print('hi')"); err != nil {
		t.Fatalf("save: %v", err)
	}
	sc, err := svc.Get(ctx, "hello")
	if err != nil || sc.UpdatedBy != "github:9" {
		t.Errorf("binding did not record the caller: %+v, %v", sc, err)
	}

	got, err := anon.Call(ctx, "scripts.get", "hello")
	if err != nil || got != "print('hi')" {
		t.Errorf("get = %v, %v", got, err)
	}

	_, err = user.Call(ctx, "scripts.delete", "missing")
	var se *sandbox.ScriptError
	if !errors.As(err, &se) || se.Code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND script error, got %v", err)
	}
	if _, err := user.Call(ctx, "scripts.get"); !errors.As(err, &se) || se.Code != "BAD_ARGUMENT" {
		t.Errorf("expected BAD_ARGUMENT, got %v", err)
	}
}

// --- HTTP gating ---

// stubAuth resolves the bearer token "user" to a signed-in caller and
// everything else to an anonymous one.
type stubAuth struct {
	anonymous authz.Set
}

func (s stubAuth) StartLogin(context.Context, string, string) (*auth.LoginStart, error) {
	return nil, errors.New("not used")
}
func (s stubAuth) HandleCallback(context.Context, auth.CallbackInput) (string, error) {
	return "", errors.New("not used")
}
func (s stubAuth) ValidateSession(_ context.Context, token, _, _ string) (*auth.UserContext, error) {
	if token != "user" {
		return nil, apperror.NewAuthFailed(apperror.ErrSessionNotFound)
	}
	return &auth.UserContext{Authenticated: true, UserID: "google:1", Provider: "google", Capabilities: authz.Authenticated}, nil
}
func (s stubAuth) Anonymous() *auth.UserContext { return &auth.UserContext{Capabilities: s.anonymous} }
func (s stubAuth) Logout(context.Context, string, string) error { return nil }
func (s stubAuth) LogoutAll(context.Context, string, string) (int, error) {
	return 0, nil
}
func (s stubAuth) RevokeSession(context.Context, string, string, string) error { return nil }
func (s stubAuth) Sessions(context.Context, string) ([]session.Info, error) { return nil, nil }
func (s stubAuth) Providers() []string { return nil }
func (s stubAuth) Close() {}

func newScriptsServer(t *testing.T, anonymous authz.Set) *echo.Echo {
	t.Helper()
	svc := NewScriptService(NewMemoryRepository())
	if _, err := svc.Save(context.Background(), "seed", "print(1)", "google:1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	host, err := sandbox.NewRegistry(Bindings(svc)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		c.JSON(apperror.SafeCode(err), map[string]string{"message": apperror.SafeMessage(err)})
	}
	e.Use(auth.LoadUser(stubAuth{anonymous: anonymous}))
	RegisterRoutes(e, NewHandler(svc, host), nil, nil)
	return e
}

func doJSON(e *echo.Echo, method, target, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_CapabilityGating(t *testing.T) {
	tests := []struct {
		name      string
		anonymous authz.Set
		method    string
		target    string
		bearer    string
		body      string
		want      int
	}{
		{"anonymous may list", authz.AnonymousBase, http.MethodGet, "/scripts", "", "", http.StatusOK},
		{"anonymous may read", authz.AnonymousBase, http.MethodGet, "/scripts/seed", "", "", http.StatusOK},
		{"anonymous may not write in production", authz.AnonymousBase, http.MethodPut, "/scripts/new", "", `{"source":"x"}`, http.StatusUnauthorized},
		{"anonymous may write in development", authz.AnonymousDevelopment, http.MethodPut, "/scripts/new", "", `{"source":"x"}`, http.StatusOK},
		{"anonymous may never delete", authz.AnonymousDevelopment, http.MethodDelete, "/scripts/seed", "", "", http.StatusUnauthorized},
		{"signed-in user may delete", authz.AnonymousBase, http.MethodDelete, "/scripts/seed", "user", "", http.StatusNoContent},
		{"bad token falls back to anonymous", authz.AnonymousBase, http.MethodDelete, "/scripts/seed", "forged", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newScriptsServer(t, tt.anonymous)
			rec := doJSON(e, tt.method, tt.target, tt.bearer, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRoutes_EnvironmentReflectsCaller(t *testing.T) {
	e := newScriptsServer(t, authz.AnonymousBase)

	var anon EnvironmentResponse
	rec := doJSON(e, http.MethodGet, "/scripts/env", "", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &anon); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if anon.User["authenticated"] != false || anon.User["currentUser"] != nil {
		t.Errorf("anonymous user globals = %v", anon.User)
	}
	if !reflect.DeepEqual(anon.Functions, []string{"scripts.get", "scripts.list"}) {
		t.Errorf("anonymous functions = %v", anon.Functions)
	}

	var user EnvironmentResponse
	rec = doJSON(e, http.MethodGet, "/scripts/env", "user", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user.User["userId"] != "google:1" || len(user.Functions) != 4 {
		t.Errorf("signed-in environment = %+v", user)
	}
}
