package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Telemetry adds otelhttp's standard server metrics and trace context
// propagation. Health probes are left out so they do not drown the
// consent and fetch traffic.
func Telemetry(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "finlink-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	)
}
