package target

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the service's HTTP handlers.
type Metrics struct {
	requests *prometheus.CounterVec
	notFound *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the service metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method.",
		}, []string{"method"}),
		notFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_404_errors_total",
			Help: "Requests answered with 404 by method and endpoint.",
		}, []string{"method", "endpoint"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by method and endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
	reg.MustRegister(m.requests, m.notFound, m.duration)
	return m
}

// Middleware records a request count, a duration observation and, for 404
// responses, an error count. Routed requests are labelled with their route
// pattern so path parameters do not create new series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}

		if ww.Status() == http.StatusNotFound {
			m.notFound.WithLabelValues(r.Method, endpoint).Inc()
		}
		m.requests.WithLabelValues(r.Method).Inc()
		m.duration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
