package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ayo6706/sharded-wallet/internal/api/problem"
	"github.com/ayo6706/sharded-wallet/internal/auth"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"github.com/google/uuid"
)

type contextKey string

const (
	actorContextKey       contextKey = "actor"
	traceContextKey       contextKey = "trace_id"
	requestInfoContextKey contextKey = "request_info"
)

// TokenParser verifies bearer tokens.
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// AuthMiddleware validates the JWT token and injects the caller (user id,
// region id, username) into the context.
func AuthMiddleware(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				problem.Write(w, r, http.StatusUnauthorized, problem.Type("auth/authorization-header-required"), http.StatusText(http.StatusUnauthorized), "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				problem.Write(w, r, http.StatusUnauthorized, problem.Type("auth/invalid-token-format"), http.StatusText(http.StatusUnauthorized), "Invalid token format")
				return
			}
			if tokens == nil {
				problem.Write(w, r, http.StatusInternalServerError, problem.Type("auth/misconfigured"), http.StatusText(http.StatusInternalServerError), "auth is not configured")
				return
			}

			claims, err := tokens.Parse(tokenString)
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.Type("auth/invalid-token"), http.StatusText(http.StatusUnauthorized), "Invalid token")
				return
			}
			userID, err := uuid.Parse(claims.UserID)
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.Type("auth/invalid-token-claims"), http.StatusText(http.StatusUnauthorized), "Invalid token claims")
				return
			}

			actor := service.Actor{
				UserID:   userID,
				RegionID: claims.RegionID,
				Username: claims.Username,
			}
			noteActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
		})
	}
}

// ContextWithActor stores the authenticated caller.
func ContextWithActor(ctx context.Context, actor service.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext returns the authenticated caller.
func ActorFromContext(ctx context.Context) (service.Actor, bool) {
	if ctx == nil {
		return service.Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey).(service.Actor)
	return actor, ok
}

// UserIDFromContext returns the authenticated user ID.
func UserIDFromContext(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.UserID.String()
	}
	return ""
}

// TraceIDFromContext returns the trace id for the request.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceContextKey).(string); ok {
		return v
	}
	return ""
}
