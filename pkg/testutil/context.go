package testutil

import (
	"net/http"

	"nest/pkg/requestcontext"
)

// WithActor puts an authenticated actor on the request, as RequireAuth does
// after validating a bearer token.
func WithActor(req *http.Request, actorID, role string) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), requestcontext.Actor{ID: actorID, Role: role})
	return req.WithContext(ctx)
}
