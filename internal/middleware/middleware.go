package middleware

import (
	"net/http"
	"time"

	"github.com/lawrencejones/bytesink/internal/telem"

	sentryhttp "github.com/getsentry/sentry-go/http"
	kitlog "github.com/go-kit/kit/log"
	"go.opencensus.io/plugin/ochttp"
	httpmw "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"
)

// RequestIDHeader is read from incoming requests, and generated if absent. The chosen ID
// is echoed back on the response.
const RequestIDHeader = "X-Request-Id"

// ObserveHTTP configures a standard HTTP o11y stack. The handler wrappers are run in
// reverse order that they are applied, which means we have to 'wrap' our custom behaviour
// before any of the vendor middleware that it depends on.
func ObserveHTTP(logger kitlog.Logger) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		// Run the custom o11y handler, but only after we've applied the vendored middleware
		// below
		h = observeHTTP(logger)(h)

		// Initialises a Sentry hub for the purpose of this request, if Sentry is configured.
		// Panics are reported then re-thrown, so net/http still logs them.
		h = sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		}).Handle(h)

		// Creates a request ID from incoming headers, then stashes it in the context. We can
		// use this for tagging spans etc.
		h = httpmw.RequestID(
			httpmw.UseXRequestIDHeaderOption(true),
			httpmw.XRequestHeaderLimitOption(128))(h)

		// Have OpenCensus create new traces for each request
		h = &ochttp.Handler{
			Handler: h,
			// Metrics are scraped constantly, and tracing them would drown out anything useful
			IsHealthEndpoint: func(r *http.Request) bool {
				return r.URL.Path == "/metrics"
			},
		}

		return h
	}
}

// observeHTTP should only be called from ObserveHTTP, as that configures the required
// dependencies that need to run before we hit this handler.
func observeHTTP(logger kitlog.Logger) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Depends on httpmw.RequestID
			requestID, ok := r.Context().Value(middleware.RequestIDKey).(string)
			if !ok || requestID == "" {
				requestID = "unknown"
			}

			w.Header().Set(RequestIDHeader, requestID)

			// Stash the logger into the context, so any downstream code can access it. This is
			// the initialisation of a request logger, and first time it's associated with a
			// request ID.
			logger := kitlog.With(logger, "request_id", requestID)
			r = r.WithContext(telem.WithLogger(r.Context(), logger))

			started := time.Now()
			rw := httpmw.CaptureResponse(w)
			h.ServeHTTP(rw, r)

			logger.Log(
				"event", "http_request",
				"http_method", r.Method,
				"http_path", r.URL.Path,
				"http_status", rw.StatusCode,
				"http_bytes", rw.ContentLength,
				"http_duration", time.Since(started).Seconds(),
			)
		})
	}
}
