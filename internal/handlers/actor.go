package handlers

import (
	"net/http"
	"strings"

	"github.com/craftlane/fulfillment/internal/platform/httpx"
	"github.com/craftlane/fulfillment/internal/platform/requestctx"
)

// Actor attribution headers set by the authenticating edge proxy. The API
// trusts them; token verification happens upstream.
const (
	actorIDHeader   = "X-Actor-Id"
	actorTypeHeader = "X-Actor-Type"
)

const (
	actorTypeUser   = "user"
	actorTypeAdmin  = "admin"
	actorTypeSystem = "system"
)

// ActorContext lifts the actor headers into the request context so services
// can attribute mutations. Requests without the headers pass through; route
// groups enforce presence via RequireActor.
func ActorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := strings.TrimSpace(r.Header.Get(actorIDHeader))
		actorType := strings.ToLower(strings.TrimSpace(r.Header.Get(actorTypeHeader)))
		if actorID != "" {
			if actorType == "" {
				actorType = actorTypeUser
			}
			ctx := requestctx.WithActor(r.Context(), requestctx.Actor{ID: actorID, Type: actorType})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireActor rejects requests without an attributed actor. When types are
// given, the actor's type must match one of them.
func RequireActor(types ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			actor, ok := requestctx.ActorFrom(ctx)
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "actor attribution required", http.StatusUnauthorized))
				return
			}
			if len(allowed) > 0 {
				if _, permitted := allowed[actor.Type]; !permitted {
					httpx.WriteError(ctx, w, httpx.NewError("forbidden", "actor type not permitted", http.StatusForbidden))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestActor(r *http.Request) (requestctx.Actor, bool) {
	return requestctx.ActorFrom(r.Context())
}
