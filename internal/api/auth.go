package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "stellar-sync"

// Claims are the token claims the server issues and accepts. The subject is
// the user id every request is scoped to.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for userID valid for ttl.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty jwt secret")
	}
	if userID == "" {
		return "", errors.New("empty user id")
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return t.SignedString(secret)
}

// VerifyToken validates tokenString and returns its subject.
func VerifyToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// AuthUser holds the authenticated identity of a request.
type AuthUser struct {
	UserID   string
	DeviceID string
}

// getUserFromContext returns the authenticated user from the request context, or nil.
func getUserFromContext(ctx context.Context) *AuthUser {
	u, _ := ctx.Value(ctxKeyAuthUser).(*AuthUser)
	return u
}

// bearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on websocket upgrades, so the feed also accepts an
// access_token query parameter.
func bearerToken(r *http.Request, allowQuery bool) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", false
		}
		return strings.TrimPrefix(h, "Bearer "), true
	}
	if allowQuery {
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// requireAuth returns an http.HandlerFunc that verifies the bearer token
// and injects AuthUser into the context before calling the inner handler.
func (s *Server) requireAuth(handler http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(handler, false)
}

func (s *Server) authenticate(handler http.HandlerFunc, allowQuery bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r, allowQuery)
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or malformed authorization")
			return
		}
		userID, err := VerifyToken(s.secret, token)
		if err != nil {
			logFor(r.Context()).Debug("reject token", "err", err)
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		authUser := &AuthUser{UserID: userID, DeviceID: r.Header.Get("X-Device-ID")}
		ctx := context.WithValue(r.Context(), ctxKeyAuthUser, authUser)
		ctx = context.WithValue(ctx, ctxKeyLogger, logFor(ctx).With("uid", userID))
		handler(w, r.WithContext(ctx))
	}
}
