// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/resumable-chat/internal/usage"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the caller identity.
	IdentityKey ContextKey = "identity"
	// TierKey is the context key for the caller's account tier.
	TierKey ContextKey = "tier"
)

// Claims represents JWT claims. The subject is the caller identity.
type Claims struct {
	jwt.RegisteredClaims
	Tier string `json:"tier,omitempty"`
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				unauthorized(w, "invalid authorization header format")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid || claims.Subject == "" {
				unauthorized(w, "invalid token")
				return
			}

			tier := usage.ParseTier(claims.Tier)
			ctx := context.WithValue(r.Context(), IdentityKey, claims.Subject)
			ctx = context.WithValue(ctx, TierKey, tier)
			if info := requestInfoFrom(ctx); info != nil {
				info.identity = claims.Subject
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `","code":"unauthorized"}`))
}

// IssueToken signs a token for identity with the given tier.
func IssueToken(jwtSecret, identity string, tier usage.Tier, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tier: string(tier),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}

// GetIdentity gets the caller identity from context.
func GetIdentity(ctx context.Context) string {
	if v, ok := ctx.Value(IdentityKey).(string); ok {
		return v
	}
	return ""
}

// GetTier gets the caller's tier from context. Callers without one are
// guests.
func GetTier(ctx context.Context) usage.Tier {
	if v, ok := ctx.Value(TierKey).(usage.Tier); ok {
		return v
	}
	return usage.TierGuest
}
