package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs incoming HTTP requests and records their metrics
// under the matched route pattern.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)

		s.metrics.requests.WithLabelValues(
			route, r.Method, strconv.Itoa(status),
		).Inc()
		s.metrics.requestDuration.WithLabelValues(route).
			Observe(elapsed.Seconds())

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", status).
			WithField("bytes", ww.BytesWritten()).
			WithField("remote", r.RemoteAddr).
			WithField("duration", elapsed).
			Debug("Request handled")
	})
}

// routePattern returns the chi route template, keeping metric labels
// bounded. Unmatched requests share one label.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}

	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}

	return "unmatched"
}
