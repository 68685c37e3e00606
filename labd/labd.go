package labd

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labd/httpapi"
	"github.com/labforge/labforge/labd/httpmw"
	"github.com/labforge/labforge/labd/teardown"
)

// Options are required parameters for labd to start.
type Options struct {
	Logger   slog.Logger
	Store    expstore.Store
	Teardown teardown.Teardown
	Clock    quartz.Clock

	// InternalSecret authenticates internal-only routes: cleanup
	// invocations from the reaper, the full lab listing, and record
	// deletion.
	InternalSecret string

	// CleanupInFlightWindow is how long a claimed cleanup suppresses
	// further teardown attempts for the same lab. It should exceed the
	// longest expected teardown so that an abandoned caller's teardown
	// cannot overlap with a retry.
	CleanupInFlightWindow time.Duration

	PrometheusRegistry *prometheus.Registry
}

// New constructs the labd API into an HTTP handler.
func New(options *Options) http.Handler {
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.CleanupInFlightWindow == 0 {
		options.CleanupInFlightWindow = time.Minute
	}
	if options.PrometheusRegistry == nil {
		options.PrometheusRegistry = prometheus.NewRegistry()
	}
	api := &api{
		Options: options,
	}

	internalAuth := httpmw.RequireInternalSecret(options.InternalSecret)

	r := chi.NewRouter()
	r.Use(
		httpmw.AttachRequestID,
		httpmw.Logger(options.Logger),
		httpmw.Prometheus(options.PrometheusRegistry),
	)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		httpapi.Write(rw, http.StatusOK, httpapi.Response{
			Message: "labd is up and running",
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(options.PrometheusRegistry, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.NotFound(func(rw http.ResponseWriter, _ *http.Request) {
			httpapi.Write(rw, http.StatusNotFound, httpapi.Response{
				Message: "route not found",
			})
		})
		r.Post("/labs", api.postLab)
		r.With(internalAuth).Get("/labs", api.labs)
		r.Route("/labs/{lab}", func(r chi.Router) {
			r.Put("/renew", api.putLabRenew)
			// Cleanup handles an absent record itself: absent means
			// already cleaned and garbage collected, which is a
			// success, so it must not 404 through the param
			// middleware.
			r.With(internalAuth).Post("/cleanup", api.postLabCleanup)
			r.With(internalAuth).Delete("/", api.deleteLab)

			r.Group(func(r chi.Router) {
				r.Use(httpmw.ExtractLabParam(options.Store))
				r.Get("/", api.lab)
				r.Put("/status", api.putLabStatus)
			})
		})
	})
	return r
}

type api struct {
	*Options
}
