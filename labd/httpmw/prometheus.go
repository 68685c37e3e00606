package httpmw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus records API request metrics on the given registry.
func Prometheus(register prometheus.Registerer) func(http.Handler) http.Handler {
	requestsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "labd",
		Subsystem: "api",
		Name:      "requests_processed_total",
		Help:      "The total number of processed API requests",
	}, []string{"code", "method", "path"})
	requestsConcurrent := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "labd",
		Subsystem: "api",
		Name:      "concurrent_requests",
		Help:      "The number of concurrent API requests.",
	})
	requestLatencies := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "labd",
		Subsystem: "api",
		Name:      "request_latencies_seconds",
		Help:      "Latency distribution of requests in seconds.",
	}, []string{"method", "path"})
	register.MustRegister(requestsProcessed, requestsConcurrent, requestLatencies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestsConcurrent.Inc()
			defer requestsConcurrent.Dec()

			sw := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(sw, r)

			path := r.URL.Path
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				path = routeCtx.RoutePattern()
			}
			requestsProcessed.WithLabelValues(strconv.Itoa(sw.Status()), r.Method, path).Inc()
			requestLatencies.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
