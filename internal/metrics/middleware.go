package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder remembers the status code written through it. Handlers that never call
// WriteHeader answer 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts the responses of next by status code and times them under endpoint.
func Middleware(next http.Handler, endpoint string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		EndpointResponses.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		EndpointDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}
