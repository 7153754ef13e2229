package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// otherRoute: метка для путей вне списка известных.
const otherRoute = "other"

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticker_pipeline",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Ops HTTP requests by route, method and status",
	}, []string{"route", "method", "code"})

	latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ticker_pipeline",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Ops HTTP request latency",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"route", "method"})
)

// Metrics считает запросы и их длительность. Метка route берётся из routes,
// любой другой путь учитывается как "other", чтобы сканеры портов не
// раздували кардинальность.
func Metrics(routes ...string) Middleware {
	known := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		known[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if _, ok := known[route]; !ok {
				route = otherRoute
			}
			requests.WithLabelValues(route, r.Method, strconv.Itoa(sw.code())).Inc()
			latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter запоминает код ответа; без явного WriteHeader это 200.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
