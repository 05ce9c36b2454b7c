package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *mockConnRepo) {
	t.Helper()
	svc, repo := newTestService(t)
	return NewHandler(svc), echo.New(), repo
}

// -- Handler Tests --

func TestHandler_Connect(t *testing.T) {
	h, e, _ := newTestHandler(t)
	body := `{
		"userId": "user-1",
		"vendor": "epic",
		"fhirBaseUrl": "https://fhir.example.com/r4",
		"authorizationUrl": "https://auth.example.com/authorize",
		"tokenUrl": "https://auth.example.com/token",
		"clientId": "client-1",
		"redirectUri": "https://app.example.com/callback"
	}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Connect(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp connectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ConnectionID == uuid.Nil {
		t.Fatal("connectionId missing")
	}
	if resp.Status != StatusPendingAuth {
		t.Fatalf("status = %q, want %q", resp.Status, StatusPendingAuth)
	}
	if !strings.Contains(resp.AuthorizationURL, "response_type=code") {
		t.Fatalf("authorization url = %q", resp.AuthorizationURL)
	}
	if resp.State == "" || !strings.Contains(resp.AuthorizationURL, resp.State) {
		t.Fatalf("state %q not reflected in authorization url", resp.State)
	}
}

func TestHandler_Connect_ValidationError(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"vendor":"epic"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := h.Connect(c)
	if apperror.CodeOf(err) != apperror.CodeValidation {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeValidation)
	}
}

func TestHandler_List(t *testing.T) {
	h, e, repo := newTestHandler(t)
	repo.Create(nil, &Connection{UserID: "user-1", Vendor: "epic"})
	repo.Create(nil, &Connection{UserID: "user-1", Vendor: "cerner"})
	repo.Create(nil, &Connection{UserID: "someone-else", Vendor: "epic"})

	req := httptest.NewRequest(http.MethodGet, "/?userId=user-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Connections []*Connection `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Connections) != 2 {
		t.Fatalf("got %d connections, want 2", len(resp.Connections))
	}
}

func TestHandler_List_RequiresUser(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.List(c); apperror.CodeOf(err) != apperror.CodeValidation {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeValidation)
	}
}

func TestHandler_Revoke(t *testing.T) {
	h, e, repo := newTestHandler(t)
	conn := &Connection{UserID: "user-1", Vendor: "epic"}
	repo.Create(nil, conn)

	req := httptest.NewRequest(http.MethodDelete, "/?connectionId="+conn.ID.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Revoke(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if repo.store[conn.ID].Status != StatusRevoked {
		t.Fatalf("status = %q, want %q", repo.store[conn.ID].Status, StatusRevoked)
	}
}

func TestHandler_TokensNeverSerialized(t *testing.T) {
	h, e, repo := newTestHandler(t)
	conn := &Connection{
		UserID:       "user-1",
		Vendor:       "epic",
		ClientSecret: "sealed-secret",
		AccessToken:  "sealed-access",
		RefreshToken: "sealed-refresh",
		PrivateKey:   "sealed-key",
	}
	repo.Create(nil, conn)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(conn.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()
	for _, leak := range []string{"sealed-secret", "sealed-access", "sealed-refresh", "sealed-key"} {
		if strings.Contains(body, leak) {
			t.Fatalf("response leaks %q: %s", leak, body)
		}
	}
}
