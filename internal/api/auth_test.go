package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerifyToken(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := IssueToken(secret, "user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	got, err := VerifyToken(secret, tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if got != "user-1" {
		t.Fatalf("subject: got %q, want user-1", got)
	}
}

func TestIssueTokenRequiresSecretAndUser(t *testing.T) {
	if _, err := IssueToken(nil, "u1", time.Hour); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := IssueToken([]byte("s"), "", time.Hour); err == nil {
		t.Error("expected error for empty user")
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Now()

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key any) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	valid := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	noSubject := valid()
	noSubject.Subject = ""
	wrongIssuer := valid()
	wrongIssuer.Issuer = "someone-else"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"expired", sign(Claims{expired}, jwt.SigningMethodHS256, secret)},
		{"no subject", sign(Claims{noSubject}, jwt.SigningMethodHS256, secret)},
		{"wrong issuer", sign(Claims{wrongIssuer}, jwt.SigningMethodHS256, secret)},
		{"no expiry", sign(Claims{noExpiry}, jwt.SigningMethodHS256, secret)},
		{"wrong secret", sign(Claims{valid()}, jwt.SigningMethodHS256, []byte("other"))},
		{"unsigned", sign(Claims{valid()}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType)},
		{"garbage", "a.b.c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if sub, err := VerifyToken(secret, tt.token); err == nil {
				t.Fatalf("expected error, got subject %q", sub)
			}
		})
	}
}
