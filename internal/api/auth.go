package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const actorKey ctxKey = "actor"

// Claims are the fields read from an admin token. Tokens are issued
// elsewhere; this service only verifies them.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	roles  map[string]bool
	logger *slog.Logger
}

func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		roles:  map[string]bool{"admin": true, "librarian": true},
		logger: logger,
	}
}

func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return a.secret, nil
		})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Require rejects requests without a valid admin token and puts the token
// subject on the request context for handlers to pass on as the actor.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		claims, err := a.Parse(token)
		if err != nil {
			a.logger.WarnContext(r.Context(), "invalid token", "path", r.URL.Path, "error", err)
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		if !a.roles[claims.Role] {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}

func actorFrom(r *http.Request) string {
	actor, _ := r.Context().Value(actorKey).(string)
	return actor
}
