package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

var testSecret = []byte("test-signing-key")

func doRequest(t *testing.T, mw []echo.MiddlewareFunc, token string) (*httptest.ResponseRecorder, *Claims) {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen *Claims
	handler := func(c echo.Context) error {
		seen = ClaimsFromContext(c)
		return c.NoContent(http.StatusOK)
	}
	h := handler
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, seen
}

func TestMiddleware_ValidToken(t *testing.T) {
	token, err := Mint(testSecret, "alice", []string{RoleOperator}, time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	rec, claims := doRequest(t, []echo.MiddlewareFunc{Middleware(testSecret, false)}, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if claims == nil {
		t.Fatal("claims not set on context")
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "alice")
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleOperator {
		t.Errorf("Roles = %v, want [operator]", claims.Roles)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	rec, _ := doRequest(t, []echo.MiddlewareFunc{Middleware(testSecret, false)}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_DevModeInjectsAdmin(t *testing.T) {
	rec, claims := doRequest(t, []echo.MiddlewareFunc{Middleware(testSecret, true)}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if claims == nil || claims.Subject != "dev-user" {
		t.Fatalf("dev claims = %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleAdmin {
		t.Errorf("Roles = %v, want [admin]", claims.Roles)
	}
}

func TestMiddleware_WrongSecret(t *testing.T) {
	token, err := Mint([]byte("other-key"), "alice", nil, time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	rec, _ := doRequest(t, []echo.MiddlewareFunc{Middleware(testSecret, false)}, token)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	token, err := Mint(testSecret, "alice", nil, -time.Minute)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	rec, _ := doRequest(t, []echo.MiddlewareFunc{Middleware(testSecret, false)}, token)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		want     int
	}{
		{"exact match", []string{RoleComplianceOfficer}, []string{RoleComplianceOfficer}, http.StatusOK},
		{"one of several", []string{RoleOperator}, []string{RoleAdmin, RoleOperator}, http.StatusOK},
		{"admin override", []string{RoleAdmin}, []string{RoleComplianceOfficer}, http.StatusOK},
		{"missing role", []string{RoleOperator}, []string{RoleComplianceOfficer}, http.StatusForbidden},
		{"no roles", nil, []string{RoleOperator}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := Mint(testSecret, "bob", tt.roles, time.Hour)
			if err != nil {
				t.Fatalf("Mint() error = %v", err)
			}
			mw := []echo.MiddlewareFunc{Middleware(testSecret, false), RequireRole(tt.required...)}
			rec, _ := doRequest(t, mw, token)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
