package shared

import (
	"context"
	"net/http"
	"strconv"
)

// ActorHeader carries the authenticated user id set by the upstream auth layer.
const ActorHeader = "X-Actor-ID"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}

// ActorMiddleware reads ActorHeader into the request context.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ActorHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), id)))
	})
}
