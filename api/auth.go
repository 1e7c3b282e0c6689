package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/twezimbe/bf-ledger/bf"
)

type ctxKey int

const actorKey ctxKey = iota

// Authenticator verifies HS256 bearer tokens and puts the subject (or the
// "_id" claim) in the request context as the acting user.
func Authenticator(secret []byte) func(http.Handler) http.Handler {
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required", nil)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}

			actor, _ := claims.GetSubject()
			if actor == "" {
				actor, _ = claims["_id"].(string)
			}
			if actor == "" {
				writeError(w, http.StatusUnauthorized, "Invalid token", fmt.Errorf("token has no subject"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
		})
	}
}

// ActorFrom returns the authenticated user, if any.
func ActorFrom(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorKey).(string)
	return actor, ok && actor != ""
}

// resolveActor picks the acting user for a request. Without auth the body
// value is used as is. With auth an empty body value defaults to the token
// subject, and a different one is refused.
func resolveActor(r *http.Request, fromBody string) (string, error) {
	fromBody = strings.TrimSpace(fromBody)
	actor, ok := ActorFrom(r.Context())
	if !ok {
		return fromBody, nil
	}
	if fromBody != "" && fromBody != actor {
		return "", fmt.Errorf("%w: token is for %s, not %s", bf.ErrUnauthorized, actor, fromBody)
	}
	return actor, nil
}
