package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/loomery/loom/pkg/metrics"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// withMetrics wraps the router with request latency observation. It
// sits outside echo so the recorder sees the final written status.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel collapses UUID path segments to :id so the metric's route
// label stays low-cardinality.
func routeLabel(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if _, err := uuid.Parse(seg); err == nil {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}
