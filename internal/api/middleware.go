package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxRequestID
)

// DefaultTenant scopes single-key deployments. Multi-tenant installs put a
// key-to-tenant mapping in front; the core only ever sees the tenant id.
const DefaultTenant = "default"

func tenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(ctxTenant).(string); ok {
		return t
	}
	return DefaultTenant
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxRequestID).(string); ok {
		return id
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requireAPIKey authenticates clients and derives the tenant. With no key
// configured the surface is open and everything lands in the default
// tenant.
func requireAPIKey(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := DefaultTenant
		if apiKey != "" {
			if !tokenMatches(bearerToken(r), apiKey) {
				writeUnauthorized(w)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxTenant, tenant)))
	})
}

// requireInternalSecret guards the runner-internal surface.
func requireInternalSecret(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && !tokenMatches(bearerToken(r), secret) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID tags every request with an id for log correlation.
func withRequestID(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:12]
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
		logger.Debug("request",
			"request_id", id, "method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
