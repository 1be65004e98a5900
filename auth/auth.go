// Package auth issues and validates lectio session tokens (HS256 JWT) and
// provides the HTTP middleware that resolves the current user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the minimum accepted signing-secret length in bytes.
// Callers derive the secret from SESSION_SECRET via SHA-256, which yields 32.
const MinSecretLen = 32

// Claims is the lectio session token payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// GenerateToken creates a signed JWT from claims. The expiry duration is
// added to the current time.
func GenerateToken(secret []byte, claims *Claims, expiry time.Duration) (string, error) {
	if len(secret) < MinSecretLen {
		return "", fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLen)
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a JWT string. The signing method is
// pinned to HS256 to prevent algorithm confusion.
func ValidateToken(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

type claimsKey struct{}

// Middleware extracts a JWT from the "token" cookie (preferred) or the
// Authorization Bearer header and, if valid, injects the Claims into the
// request context. Invalid or missing tokens are ignored — use RequireAuth
// to enforce a session.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenStr string

			if c, err := r.Cookie("token"); err == nil && c.Value != "" {
				tokenStr = c.Value
			}
			if tokenStr == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
					tokenStr = h[7:]
				}
			}
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				// Clear the stale cookie so the client stops sending it.
				http.SetCookie(w, &http.Cookie{Name: "token", MaxAge: -1, Path: "/"})
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims retrieves the Claims from the context, or nil if absent.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireAuth rejects unauthenticated requests with a JSON 401. lectio is
// API-only, so no login redirect.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetTokenCookie writes the JWT as an HttpOnly session cookie.
func SetTokenCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}

// ClearTokenCookie removes the session cookie.
func ClearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
