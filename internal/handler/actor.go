package handler

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

// The API gateway authenticates the caller and forwards identity in these
// headers (HTTP) or metadata keys (gRPC, lower-cased).
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	metadataUserID   = "x-user-id"
	metadataUserRole = "x-user-role"
)

type actorKey struct{}

// WithActor stores the actor on ctx.
func WithActor(ctx context.Context, a workflow.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor stored by the middleware.
func ActorFromContext(ctx context.Context) (workflow.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(workflow.Actor)
	return a, ok
}

func parseActor(id, role string) (workflow.Actor, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return workflow.Actor{}, errors.New(errors.ErrCodeUnauthorized, "caller identity is required")
	}
	r, ok := workflow.ParseRole(strings.ToLower(strings.TrimSpace(role)))
	if !ok {
		return workflow.Actor{}, errors.New(errors.ErrCodeUnauthorized, "caller role is missing or unknown")
	}
	return workflow.Actor{ID: id, Role: r}, nil
}

// ActorMiddleware rejects requests without a valid identity and stores the
// actor on the request context.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := parseActor(r.Header.Get(HeaderUserID), r.Header.Get(HeaderUserRole))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// UnaryActorInterceptor extracts the actor from incoming metadata for calls
// to the commissions service. Health and reflection calls pass through.
func UnaryActorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+commissionsServiceName+"/") {
		return handler(ctx, req)
	}

	md, _ := metadata.FromIncomingContext(ctx)
	actor, err := parseActor(first(md.Get(metadataUserID)), first(md.Get(metadataUserRole)))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.(*errors.AppError).Message)
	}
	return handler(WithActor(ctx, actor), req)
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
