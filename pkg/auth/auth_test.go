package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintAndVerify(t *testing.T) {
	tok, err := Mint("s3cret", "alice", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	v, err := NewVerifier("s3cret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	sub, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "alice" {
		t.Fatalf("unexpected subject %q", sub)
	}
}

func TestVerifyRejects(t *testing.T) {
	v, _ := NewVerifier("s3cret")

	wrongKey, _ := Mint("other", "alice", time.Minute)
	expired, _ := Mint("s3cret", "alice", -time.Minute)
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  issuer,
		Subject: "alice",
	}).SignedString([]byte("s3cret"))
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong key", wrongKey},
		{"expired", expired},
		{"no expiry", noExpiry},
		{"other algorithm", hs512},
		{"no subject", noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=abc", nil)
	if got := TokenFromRequest(req); got != "abc" {
		t.Fatalf("query token: %q", got)
	}
	req.Header.Set("Authorization", "Bearer xyz")
	if got := TokenFromRequest(req); got != "xyz" {
		t.Fatalf("header token: %q", got)
	}
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if got := TokenFromRequest(req); got != "" {
		t.Fatalf("non-bearer header accepted: %q", got)
	}

	v, _ := NewVerifier("s3cret")
	if _, err := v.VerifyRequest(httptest.NewRequest("GET", "/ws", nil)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without a token, got %v", err)
	}
}

func TestEmptySecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatalf("empty secret accepted")
	}
	if _, err := Mint("", "alice", time.Minute); err == nil {
		t.Fatalf("mint with empty secret succeeded")
	}
}
