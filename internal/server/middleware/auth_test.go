package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runAuth(t *testing.T, app *App, configure func(*http.Request)) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	if configure != nil {
		configure(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	next := func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	}
	if err := AuthMiddleware(next)(&AppContext{c, app}); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	return rec, called
}

func TestAuthMiddlewareOpenInstance(t *testing.T) {
	rec, called := runAuth(t, &App{}, nil)
	if !called || rec.Code != http.StatusOK {
		t.Errorf("expected pass-through on open instance, got status %d, next called %t", rec.Code, called)
	}
}

func TestAuthMiddlewareMasterKey(t *testing.T) {
	app := &App{MasterAPIKey: "sekret"}

	tests := []struct {
		name      string
		configure func(*http.Request)
		wantCode  int
		wantNext  bool
	}{
		{
			name:      "header key accepted",
			configure: func(r *http.Request) { r.Header.Set("X-API-Key", "sekret") },
			wantCode:  http.StatusOK,
			wantNext:  true,
		},
		{
			name:      "header key rejected",
			configure: func(r *http.Request) { r.Header.Set("X-API-Key", "wrong") },
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:      "bearer key accepted",
			configure: func(r *http.Request) { r.Header.Set("Authorization", "Bearer sekret") },
			wantCode:  http.StatusOK,
			wantNext:  true,
		},
		{
			name:     "missing credentials",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:      "malformed authorization header",
			configure: func(r *http.Request) { r.Header.Set("Authorization", "Token sekret") },
			wantCode:  http.StatusUnauthorized,
		},
		{
			name:      "unknown bearer token without jwks",
			configure: func(r *http.Request) { r.Header.Set("Authorization", "Bearer other") },
			wantCode:  http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, called := runAuth(t, app, tt.configure)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if called != tt.wantNext {
				t.Errorf("next called = %t, want %t", called, tt.wantNext)
			}
		})
	}
}
