package httpmw

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"cdr.dev/slog/v3"
)

// Logger logs the start and end of each request with the response
// status and latency.
func Logger(log slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)

			next.ServeHTTP(sw, r)

			end := time.Now()
			httplog := log.With(
				slog.F("method", r.Method),
				slog.F("path", r.URL.Path),
				slog.F("remote_addr", r.RemoteAddr),
				slog.F("took", end.Sub(start)),
				slog.F("status_code", sw.Status()),
			)
			// 5xx includes store unavailability and teardown failures
			// that are retried by the caller, so WARN rather than
			// ERROR.
			logLevelFn := httplog.Debug
			if sw.Status() >= http.StatusInternalServerError {
				logLevelFn = httplog.Warn
			}
			logLevelFn(r.Context(), r.Method+" "+r.URL.Path)
		})
	}
}
