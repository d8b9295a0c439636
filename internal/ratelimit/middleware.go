package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	dErrors "nest/pkg/domain-errors"
	"nest/pkg/platform/httputil"
	"nest/pkg/requestcontext"
)

// Middleware limits requests per authenticated actor, or per client address
// when no actor is set. It fails open when the store is unavailable.
type Middleware struct {
	store  Store
	limit  int
	window time.Duration
	logger *slog.Logger
}

func New(store Store, limit int, window time.Duration, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{store: store, limit: limit, window: window, logger: logger}
}

func keyFor(r *http.Request) string {
	ctx := r.Context()
	if actor := requestcontext.ActorFrom(ctx); !actor.IsZero() {
		return "actor:" + actor.Role + ":" + actor.ID
	}
	return "ip:" + requestcontext.ClientIP(ctx)
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		result, err := m.store.Allow(ctx, keyFor(r), m.limit, m.window)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit check failed",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		if !result.Allowed {
			retry := result.RetryAfter(time.Now())
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			m.logger.WarnContext(ctx, "rate limit exceeded",
				"key", keyFor(r),
				"request_id", requestcontext.RequestID(ctx),
			)
			httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
