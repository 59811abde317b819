package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lodgehr/notify-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Identity is the authenticated subject extracted from a signed token.
type Identity struct {
	UserID string
	Role   string
}

// ParseToken verifies an HS256-signed credential and extracts the subject
// and role. Expired or malformed tokens fail with ErrInvalidCredential.
func ParseToken(secret []byte, raw string) (Identity, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	subject, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if subject == "" {
		return Identity{}, ErrInvalidCredential
	}
	switch role {
	case models.RoleAdmin, models.RoleManager, models.RoleEmployee:
	default:
		return Identity{}, ErrInvalidCredential
	}
	return Identity{UserID: subject, Role: role}, nil
}

type identityContextKey struct{}

// AuthMiddleware authenticates every request: internal collaborator routes
// take the shared internal token, client routes take a bearer credential.
func AuthMiddleware(secret []byte, internalToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		if isInternalEndpoint(r) {
			provided := r.Header.Get("X-Internal-Token")
			if internalToken == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(internalToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid internal token")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing credential")
			return
		}
		identity, err := ParseToken(secret, raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	default:
		return r.Method == http.MethodOptions || strings.HasPrefix(r.URL.Path, "/realtime")
	}
}

func isInternalEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/api/events":
		return true
	case r.URL.Path == "/api/access/invalidate":
		return true
	case r.URL.Path == "/api/notifications" && r.Method == http.MethodPost:
		return true
	}
	return false
}
