package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/craftlane/fulfillment/internal/platform/requestctx"
)

func withActor(req *http.Request, id, actorType string) *http.Request {
	ctx := requestctx.WithActor(req.Context(), requestctx.Actor{ID: id, Type: actorType})
	return req.WithContext(ctx)
}

func TestActorContextLiftsHeaders(t *testing.T) {
	var captured requestctx.Actor
	var found bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, found = requestctx.ActorFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor-Id", "user-42")
	req.Header.Set("X-Actor-Type", "Admin")

	rr := httptest.NewRecorder()
	ActorContext(next).ServeHTTP(rr, req)

	if !found {
		t.Fatalf("expected actor in context")
	}
	if captured.ID != "user-42" {
		t.Fatalf("expected actor id user-42, got %s", captured.ID)
	}
	if captured.Type != "admin" {
		t.Fatalf("expected actor type lowercased to admin, got %s", captured.Type)
	}
}

func TestActorContextDefaultsTypeToUser(t *testing.T) {
	var captured requestctx.Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = requestctx.ActorFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor-Id", "user-7")

	rr := httptest.NewRecorder()
	ActorContext(next).ServeHTTP(rr, req)

	if captured.Type != "user" {
		t.Fatalf("expected default actor type user, got %s", captured.Type)
	}
}

func TestActorContextWithoutHeadersPassesThrough(t *testing.T) {
	var found bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, found = requestctx.ActorFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	ActorContext(next).ServeHTTP(rr, req)

	if found {
		t.Fatalf("expected no actor in context")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected passthrough status 200, got %d", rr.Code)
	}
}

func TestRequireActorRejectsMissingActor(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	RequireActor("user")(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestRequireActorRejectsWrongType(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached")
	})

	req := withActor(httptest.NewRequest(http.MethodGet, "/", nil), "user-1", "user")
	rr := httptest.NewRecorder()
	RequireActor("admin")(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestRequireActorAllowsPermittedType(t *testing.T) {
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	})

	req := withActor(httptest.NewRequest(http.MethodGet, "/", nil), "ops-1", "admin")
	rr := httptest.NewRecorder()
	RequireActor("user", "admin")(next).ServeHTTP(rr, req)

	if !reached {
		t.Fatalf("expected handler to run")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}
