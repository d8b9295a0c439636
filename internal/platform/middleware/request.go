package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mssola/useragent"

	"nest/pkg/requestcontext"
)

// RequestContext copies the chi request id, the client address, the parsed
// user agent and a single request timestamp into the context so services
// never touch net/http.
// It must run after chi's RequestID and RealIP.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqID := chimw.GetReqID(ctx)
		if reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		ctx = requestcontext.WithRequestID(ctx, reqID)
		ctx = requestcontext.WithClientIP(ctx, clientIP(r.RemoteAddr))
		ctx = requestcontext.WithClient(ctx, describeClient(r.UserAgent()))
		ctx = requestcontext.WithTime(ctx, time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// describeClient reduces a User-Agent header to "<browser> <version> on <os>",
// prefixed with "bot" for crawlers.
func describeClient(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	ua := useragent.New(header)
	name, version := ua.Browser()
	desc := strings.TrimSpace(name + " " + version)
	if platform := ua.OS(); platform != "" {
		desc += " on " + platform
	}
	switch {
	case ua.Bot():
		desc = "bot " + desc
	case ua.Mobile():
		desc += " (mobile)"
	}
	return desc
}

// Logger writes one structured line per request.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			ctx := r.Context()
			status := statusOf(ww)
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimw.GetReqID(ctx),
			)
		})
	}
}
