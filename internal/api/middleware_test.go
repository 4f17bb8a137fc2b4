package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestInternalAuthMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		requiredKey string
		providedKey string
		wantStatus  int
	}{
		{
			name:        "matching key passes",
			requiredKey: "secret",
			providedKey: "secret",
			wantStatus:  http.StatusOK,
		},
		{
			name:        "wrong key rejected",
			requiredKey: "secret",
			providedKey: "other",
			wantStatus:  http.StatusUnauthorized,
		},
		{
			name:        "missing key rejected",
			requiredKey: "secret",
			wantStatus:  http.StatusUnauthorized,
		},
		{
			name:       "empty required key disables the check",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := InternalAuthMiddleware(tt.requiredKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/internal/parked-confirmations", nil)
			if tt.providedKey != "" {
				req.Header.Set("X-Internal-API-Key", tt.providedKey)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestAuthMiddleware_ValidTokenSetsAccount(t *testing.T) {
	secret := "test-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "0xabcdef0123456789abcdef0123456789abcdef01",
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}

	var gotAccount string
	handler := AuthMiddleware(AuthConfig{Secret: secret})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount, _ = GetAccountAddress(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/subscriptions", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if gotAccount != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("expected account from sub claim, got %q", gotAccount)
	}
}

func TestAuthMiddleware_EnforcesAudienceAndIssuer(t *testing.T) {
	secret := "test-secret"
	signToken := func(claims jwt.MapClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("failed to sign test token: %v", err)
		}
		return signed
	}

	tests := []struct {
		name       string
		cfg        AuthConfig
		claims     jwt.MapClaims
		wantStatus int
	}{
		{
			name:       "matching audience and issuer pass",
			cfg:        AuthConfig{Secret: secret, Audience: "storefront", Issuer: "gateway"},
			claims:     jwt.MapClaims{"sub": "0xabc", "aud": "storefront", "iss": "gateway"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong audience rejected",
			cfg:        AuthConfig{Secret: secret, Audience: "storefront"},
			claims:     jwt.MapClaims{"sub": "0xabc", "aud": "other"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing issuer claim rejected",
			cfg:        AuthConfig{Secret: secret, Issuer: "gateway"},
			claims:     jwt.MapClaims{"sub": "0xabc"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty settings skip the checks",
			cfg:        AuthConfig{Secret: secret},
			claims:     jwt.MapClaims{"sub": "0xabc", "aud": "anything"},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/subscriptions", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(tt.claims))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestAuthMiddleware_RejectsMissingAndMalformedHeaders(t *testing.T) {
	handler := AuthMiddleware(AuthConfig{Secret: "test-secret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header"},
		{name: "not a bearer token", header: "Basic abc"},
		{name: "garbage token", header: "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/subscriptions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", rec.Code)
			}
		})
	}
}
