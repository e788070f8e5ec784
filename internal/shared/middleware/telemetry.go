package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Telemetry wraps an http.Handler with otelhttp instrumentation: request
// duration, active requests, body sizes and a server span per request.
func Telemetry(next http.Handler) http.Handler {
	return otelhttp.NewMiddleware("ledgersync-api")(next)
}
