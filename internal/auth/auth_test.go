package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var _ Verifier = (*JWTVerifier)(nil)

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier("test-secret", "")
	if err != nil {
		t.Fatalf("NewJWTVerifier() error: %v", err)
	}
	return v
}

// --- JWTVerifier tests ---

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier("", "issuer"); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestIssueAndVerify(t *testing.T) {
	v := newVerifier(t)
	token, err := v.IssueToken("dev-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	dev, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if dev.ID != "dev-1" {
		t.Errorf("expected developer dev-1, got %q", dev.ID)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := newVerifier(t)

	expired, err := v.IssueToken("dev-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	other, _ := NewJWTVerifier("other-secret", "")
	wrongKey, _ := other.IssueToken("dev-1", time.Hour)

	otherIssuer, _ := NewJWTVerifier("test-secret", "someone-else")
	wrongIssuer, _ := otherIssuer.IssueToken("dev-1", time.Hour)

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "dev-1",
		Issuer:  DefaultIssuer,
	}).SignedString([]byte("test-secret"))

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "dev-1",
		Issuer:    DefaultIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", wrongKey},
		{"wrong issuer", wrongIssuer},
		{"no expiry", noExpiry},
		{"no subject", noSubject},
		{"other algorithm", hs512},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIssueToken_RequiresDeveloper(t *testing.T) {
	v := newVerifier(t)
	if _, err := v.IssueToken("", time.Hour); err == nil {
		t.Error("expected error for empty developer id")
	}
}

// --- Context helpers tests ---

func TestDeveloperContext_RoundTrip(t *testing.T) {
	dev := &Developer{ID: "dev-1"}
	got := DeveloperFromContext(ContextWithDeveloper(context.Background(), dev))
	if got == nil || got.ID != dev.ID {
		t.Fatalf("expected developer %q from context, got %+v", dev.ID, got)
	}
}

func TestDeveloperFromContext_Empty(t *testing.T) {
	if got := DeveloperFromContext(context.Background()); got != nil {
		t.Errorf("expected nil from empty context, got %+v", got)
	}
}

// --- DeveloperAuthMiddleware tests ---

func TestDeveloperAuthMiddleware(t *testing.T) {
	v := newVerifier(t)
	token, err := v.IssueToken("dev-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dev := DeveloperFromContext(r.Context())
		if dev == nil || dev.ID != "dev-1" {
			t.Errorf("expected dev-1 in context inside handler, got %+v", dev)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
		{"invalid token", "Bearer " + token + "x", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header no bearer", "Token " + token, http.StatusUnauthorized},
		{"bearer only no token", "Bearer", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			DeveloperAuthMiddleware(v)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr)
			}
		})
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error.Code != "unauthorized" {
		t.Errorf("expected error code 'unauthorized', got %q", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
