package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// telemetryPaths are client-side telemetry endpoints that coding-agent CLIs
// fire at whatever base URL they are pointed at. The gateway acknowledges
// them locally instead of forwarding.
var telemetryPaths = []string{
	"/v1/initialize",
	"/v1/log_event",
	"/v1/rgstr",
	"/statsig",
	"/telemetry",
	"/analytics",
	"/api/claude_code/metrics",
	"/claude_code/metrics",
}

// NewTelemetrySinkMiddleware short-circuits telemetry requests with a benign
// success body so clients keep quiet and nothing is forwarded upstream.
func NewTelemetrySinkMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range telemetryPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					logger.Debug("swallowed telemetry request", "path", r.URL.Path)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusAccepted)
					_, _ = w.Write([]byte(`{"success":true}`))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
