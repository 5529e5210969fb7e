package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/whisper/dm/internal/auth"
	"github.com/whisper/dm/internal/ratelimit"
)

type contextKey struct {
	name string
}

// UserIDContextKey holds the authenticated user id in the request context.
var UserIDContextKey = &contextKey{"UserID"}

// UserIDFromContext returns the authenticated user id, or "" outside
// AuthMiddleware.
func UserIDFromContext(r *http.Request) string {
	id, _ := r.Context().Value(UserIDContextKey).(string)
	return id
}

// Authenticator resolves bearer tokens to user ids.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// AuthMiddleware rejects requests without a valid bearer token with 401 and
// stores the caller's user id in the context otherwise.
func AuthMiddleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				if !errors.Is(err, auth.ErrUnauthorized) {
					log.Printf("api: authenticate: %v", err)
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "Invalid authentication credentials")
				return
			}
			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// rateLimit throttles requests per key(r) under rule and reports the budget
// left in X-RateLimit-Remaining. It is a no-op when no limiter is configured.
func (h *handlers) rateLimit(rule ratelimit.Rule, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if h.deps.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := key(r)
			// Limiter errors fail open.
			if ok, _ := h.deps.Limiter.Allow(r.Context(), id, rule); !ok {
				retry := h.deps.Limiter.RetryAfter(r.Context(), id, rule)
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.999)))
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			if n, err := h.deps.Limiter.Remaining(r.Context(), id, rule); err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(n))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
