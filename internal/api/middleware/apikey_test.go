package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_DisabledWhenUnconfigured(t *testing.T) {
	os.Unsetenv("BOTFLEET_API_KEYS")
	auth := NewAPIKeyAuth()

	if auth.Enabled() {
		t.Fatal("Enabled() = true with no keys configured")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pool", nil)
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth disabled", w.Code)
	}
}

func TestAPIKeyAuth_ValidKeys(t *testing.T) {
	t.Setenv("BOTFLEET_API_KEYS", "alpha, beta")
	auth := NewAPIKeyAuth()

	if !auth.Enabled() {
		t.Fatal("Enabled() = false with keys configured")
	}

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer alpha", http.StatusOK},
		{"second key", "Authorization", "Bearer beta", http.StatusOK},
		{"x-api-key", "X-API-Key", "alpha", http.StatusOK},
		{"wrong key", "Authorization", "Bearer gamma", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/pool", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			auth.Middleware(okHandler()).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	t.Setenv("BOTFLEET_API_KEYS", "alpha")
	auth := NewAPIKeyAuth()

	for _, path := range []string{"/health", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		auth.Middleware(okHandler()).ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200 without key", path, w.Code)
		}
	}
}

func TestAPIKeyAuth_UnauthorizedResponse(t *testing.T) {
	t.Setenv("BOTFLEET_API_KEYS", "alpha")
	auth := NewAPIKeyAuth()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/credentials", nil)
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); got == "" {
		t.Error("missing WWW-Authenticate header")
	}
}
