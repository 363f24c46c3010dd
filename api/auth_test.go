package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr error
	}{
		{"Bearer header.payload.signature", "header.payload.signature", nil},
		{"  Bearer a.b.c  ", "a.b.c", nil},
		{"", "", errMissingAuthorization},
		{"   ", "", errMissingAuthorization},
		{"Basic a.b.c", "", errBadAuthorization},
		{"Bearer ", "", errBadAuthorization},
		{"Bearer " + strings.Repeat(".", 1000), "", errBadAuthorization},
	}
	for _, tc := range cases {
		got, err := bearerToken(tc.raw)
		if err != tc.wantErr || got != tc.want {
			t.Fatalf("bearerToken(%q) = %q, %v; want %q, %v", tc.raw, got, err, tc.want, tc.wantErr)
		}
	}
}

func TestAuthHeaderPrefersHeaderOverQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/realtime/ws?token=q.q.q", nil)
	if got := authHeader(req); got != "Bearer q.q.q" {
		t.Fatalf("expected query token, got %q", got)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer h.h.h")
	if got := authHeader(req); got != "Bearer h.h.h" {
		t.Fatalf("expected header token, got %q", got)
	}
}

func TestPrincipalWithoutAuthIsAnonymous(t *testing.T) {
	user, err := principal(nil, httptest.NewRequest("GET", "/api/tasks", nil))
	if err != nil || user != "" {
		t.Fatalf("expected anonymous access, got %q, %v", user, err)
	}
}

func TestUserIDFromTokenHS256(t *testing.T) {
	auth := testAuth(t)
	userID, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, "test-secret", "user-123"))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromTokenRejectsClaims(t *testing.T) {
	auth := testAuth(t)
	sign := func(claims jwt.MapClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}
	exp := time.Now().Add(5 * time.Minute).Unix()
	cases := map[string]jwt.MapClaims{
		"wrong audience": {"sub": "u", "aud": "other", "iss": "https://issuer/", "exp": exp},
		"wrong issuer":   {"sub": "u", "aud": "task-sync", "iss": "https://evil/", "exp": exp},
		"missing sub":    {"aud": "task-sync", "iss": "https://issuer/", "exp": exp},
		"missing exp":    {"sub": "u", "aud": "task-sync", "iss": "https://issuer/"},
		"expired":        {"sub": "u", "aud": "task-sync", "iss": "https://issuer/", "exp": time.Now().Add(-time.Hour).Unix()},
	}
	for name, claims := range cases {
		if _, err := auth.UserIDFromToken(sign(claims)); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestNewAuthRequiresKeys(t *testing.T) {
	if _, err := NewAuth(nil, AuthConfig{Audience: "task-sync"}); err == nil {
		t.Fatal("expected error without jwks or secret")
	}
}

func TestUnsignedTokenRejected(t *testing.T) {
	auth := testAuth(t)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Minute).Unix()})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.UserIDFromToken(signed); err == nil {
		t.Fatal("expected unsigned token to be rejected")
	}
}
