package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// Identity is the verified player identity attached to the request context.
// Token issuance happens elsewhere; this layer only validates.
type Identity struct {
	UserID      string
	DisplayName string
}

type contextKey string

const identityKey contextKey = "identity"

// IdentityFromContext returns the verified identity set by AuthMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// AuthMiddleware validates the bearer token and attaches the player identity
// to the request context. Websocket handshakes cannot set headers from the
// browser API, so a `token` query parameter is accepted as a fallback.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}

		identity, err := validateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func validateToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("unexpected claims type")
	}

	identity := Identity{
		UserID:      fmt.Sprintf("%v", claims["user_id"]),
		DisplayName: fmt.Sprintf("%v", claims["display_name"]),
	}
	if identity.UserID == "" || identity.UserID == "<nil>" {
		return Identity{}, fmt.Errorf("token missing user_id claim")
	}
	return identity, nil
}
