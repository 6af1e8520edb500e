package auth

import (
	"net/http"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/limiter"
)

// RateLimit enforces a per-actor budget at the HTTP layer. The actor is the
// authenticated principal when present, the oracle ID on signed requests,
// falling back to the remote address. Limiter errors fail open: a Redis
// outage must not take the API down with it.
func RateLimit(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if oracle := r.Header.Get("X-Oracle-Id"); oracle != "" {
				actorID = "oracle/" + oracle
			}
			if p, err := PrincipalFrom(r.Context()); err == nil {
				actorID = "operator/" + p.ID
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, policy.RetryAfterSeconds())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
